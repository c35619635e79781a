package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/resilience"
	"github.com/duskline/phantom/streaming"
)

// AutoTaskConfig gates which monitor events are worth spending a
// checkout attempt on, and carries the task template those attempts are
// stamped from.
type AutoTaskConfig struct {
	MinConfidence float64
	MinPriority   models.Priority

	// Template supplies everything a synthesized task needs that the
	// event itself cannot: site type, store URL, profile, proxy group,
	// retry policy. MonitorInput and Sizes are overwritten per event.
	Template models.TaskConfig
}

// AutoTasker bridges the monitor's event stream to the scheduler:
// a matched event above the configured confidence and priority floor
// becomes a submitted task targeting the observed product URL.
type AutoTasker struct {
	cfg   AutoTaskConfig
	sched *Scheduler
}

func NewAutoTasker(cfg AutoTaskConfig, sched *Scheduler) *AutoTasker {
	return &AutoTasker{cfg: cfg, sched: sched}
}

// HandleEvent synthesizes and submits a task for a qualifying event.
// A non-qualifying event returns (nil, nil). An identical task still
// in flight returns the scheduler's duplicate error, which callers
// feeding a live event stream should treat as routine.
func (a *AutoTasker) HandleEvent(ctx context.Context, evt models.ProductEvent) (*models.Task, error) {
	if !evt.Match.Matched || evt.Match.Confidence < a.cfg.MinConfidence {
		return nil, nil
	}
	if !evt.Priority.AtLeast(a.cfg.MinPriority) {
		return nil, nil
	}
	if evt.Observation.URL == "" {
		return nil, nil
	}

	cfg := a.cfg.Template
	cfg.MonitorInput = evt.Observation.URL
	cfg.Sizes = append([]string(nil), evt.Observation.Sizes...)
	if cfg.SiteName == "" {
		cfg.SiteName = evt.StoreName
	}

	task, err := a.sched.Submit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logDecision(Decision{Component: "scheduler", Decision: "AUTO_TASK_CREATED", TaskID: task.ID, SiteURL: cfg.SiteURL, Reason: string(evt.Type)})
	return task, nil
}

// Subscribe attaches the auto-tasker to a bus's product_event topic so
// every published event flows through HandleEvent. Duplicate rejections
// are expected (a prior task for the same product is still running) and
// are not logged as errors.
func (a *AutoTasker) Subscribe(bus *streaming.Bus) (streaming.Subscription, error) {
	return bus.Subscribe("product_event", func(e streaming.Event) {
		var evt models.ProductEvent
		if err := json.Unmarshal(e.Payload, &evt); err != nil {
			log.Printf("[scheduler] auto-task: undecodable product event: %v", err)
			return
		}
		if _, err := a.HandleEvent(context.Background(), evt); err != nil {
			var rerr *resilience.Error
			if errors.As(err, &rerr) && rerr.Kind == resilience.KindDuplicate {
				return
			}
			log.Printf("[scheduler] auto-task submit failed: %v", err)
		}
	})
}
