package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/streaming"
)

func autoTaskerForTest(exec Executor) (*AutoTasker, *Scheduler) {
	s := New(baseConfig(), map[models.SiteType]Executor{models.SiteShopify: exec})
	at := NewAutoTasker(AutoTaskConfig{
		MinConfidence: 0.7,
		MinPriority:   models.PriorityMedium,
		Template: models.TaskConfig{
			SiteType:  models.SiteShopify,
			SiteName:  "Kith",
			SiteURL:   "https://kith.example",
			ProfileID: "profile-1",
		},
	}, s)
	return at, s
}

func matchedEvent(confidence float64, priority models.Priority) models.ProductEvent {
	return models.ProductEvent{
		Type:      models.EventRestock,
		Source:    "Kith",
		StoreName: "Kith",
		Observation: models.ProductObservation{
			URL:       "https://kith.example/products/aj1",
			Title:     "Air Jordan 1",
			Sizes:     []string{"10", "10.5"},
			Available: true,
		},
		Match:     models.MatchResult{Matched: true, Confidence: confidence},
		Priority:  priority,
		Timestamp: time.Now(),
	}
}

func TestAutoTaskerCreatesTaskFromQualifyingEvent(t *testing.T) {
	at, s := autoTaskerForTest(&recordingExecutor{onCall: func() {}})

	task, err := at.HandleEvent(context.Background(), matchedEvent(0.9, models.PriorityHigh))
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, "https://kith.example/products/aj1", task.Config.MonitorInput)
	assert.Equal(t, []string{"10", "10.5"}, task.Config.Sizes)
	assert.Equal(t, "https://kith.example", task.Config.SiteURL)
	assert.Equal(t, "profile-1", task.Config.ProfileID)

	waitForTerminal(t, task, time.Second)
	s.Shutdown()
}

func TestAutoTaskerSkipsBelowThresholds(t *testing.T) {
	at, s := autoTaskerForTest(&recordingExecutor{onCall: func() {
		t.Error("no task should have been dispatched")
	}})
	defer s.Shutdown()

	task, err := at.HandleEvent(context.Background(), matchedEvent(0.5, models.PriorityHigh))
	require.NoError(t, err)
	assert.Nil(t, task, "confidence below the floor must not create a task")

	task, err = at.HandleEvent(context.Background(), matchedEvent(0.9, models.PriorityLow))
	require.NoError(t, err)
	assert.Nil(t, task, "priority below the floor must not create a task")

	unmatched := matchedEvent(0.9, models.PriorityHigh)
	unmatched.Match.Matched = false
	task, err = at.HandleEvent(context.Background(), unmatched)
	require.NoError(t, err)
	assert.Nil(t, task)
}

// A second qualifying event for the same product while the first task
// is still running is rejected by the scheduler's dedup rule.
func TestAutoTaskerDedupsWhilePriorTaskRuns(t *testing.T) {
	at, s := autoTaskerForTest(&fakeExecutor{sleep: 200 * time.Millisecond})

	first, err := at.HandleEvent(context.Background(), matchedEvent(0.9, models.PriorityHigh))
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = at.HandleEvent(context.Background(), matchedEvent(0.95, models.PriorityHigh))
	assert.Error(t, err)

	waitForTerminal(t, first, time.Second)
	s.Shutdown()
}

// Events published on a bus flow through the subscription into tasks.
func TestAutoTaskerSubscribesToBus(t *testing.T) {
	at, s := autoTaskerForTest(&recordingExecutor{onCall: func() {}})

	bus := streaming.NewBus("autotask-test", 10)
	sub, err := at.Subscribe(bus)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), "product_event", matchedEvent(0.9, models.PriorityHigh)))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.GetStats().Total > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, s.GetStats().Total)
	s.Shutdown()
}
