// Package scheduler owns every task's lifecycle: bounded concurrency,
// per-site-domain rate limiting, exponential-backoff retry,
// cancellation, status broadcast, stats, and auto-task creation from
// monitor events.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/observability"
	"github.com/duskline/phantom/resilience"
)

// Executor runs a task's checkout attempt to completion (one attempt,
// not including scheduler-level retry) and returns its result. Each
// SiteType registers its own Executor; the scheduler only depends on
// this interface, never on checkout/shopify or checkout/footsites
// directly.
type Executor interface {
	Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error)
}

// StatusCallback observes a task's status transitions. Panics inside a
// callback are recovered and logged — one broken subscriber must never
// take down task processing.
type StatusCallback func(task *models.Task, snapshot models.TaskSnapshot)

// Scheduler owns every Task's full lifecycle from submission to a
// terminal result.
type Scheduler struct {
	cfg       Config
	executors map[models.SiteType]Executor

	sem chan struct{} // bounded concurrency

	siteLimiter *TokenBucketLimiter
	circuits    map[string]*CircuitBreaker
	circuitsMu  sync.Mutex

	tasksMu sync.Mutex
	tasks   map[string]*models.Task

	dedupMu sync.Mutex
	dedup   map[string]string // (site_url|product_url|profile_id) -> task ID, while non-terminal

	callbacksMu sync.Mutex
	callbacks   []StatusCallback

	notifier models.Notifier

	retryQueue *DelayQueue

	statsMu      sync.Mutex
	success      int
	failed       int
	declined     int
	totalRetries int
	checkoutSecs []float64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, executors map[models.SiteType]Executor) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		executors:   executors,
		sem:         make(chan struct{}, cfg.MaxConcurrency),
		siteLimiter: NewTokenBucketLimiter(1.0/cfg.MinSiteDelay.Seconds(), 1),
		circuits:    make(map[string]*CircuitBreaker),
		tasks:       make(map[string]*models.Task),
		dedup:       make(map[string]string),
		retryQueue:  NewDelayQueue(),
		notifier:    models.NoopNotifier{},
	}
}

// SetNotifier wires a Notifier to receive OnSuccess/OnDecline events
// fired from finish(). A nil notifier restores the no-op default.
func (s *Scheduler) SetNotifier(n models.Notifier) {
	if n == nil {
		n = models.NoopNotifier{}
	}
	s.notifier = n
}

// OnStatus registers a callback invoked on every task status change.
func (s *Scheduler) OnStatus(cb StatusCallback) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

func (s *Scheduler) broadcast(task *models.Task) {
	s.callbacksMu.Lock()
	cbs := append([]StatusCallback(nil), s.callbacks...)
	s.callbacksMu.Unlock()

	snap := task.Snapshot()
	for _, cb := range cbs {
		s.safeCallback(cb, task, snap)
	}
}

func (s *Scheduler) safeCallback(cb StatusCallback, task *models.Task, snap models.TaskSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] status callback panicked: %v", r)
		}
	}()
	cb(task, snap)
}

// Submit creates and queues a task for cfg. Returns an error if an
// identical (site_url, product_url, profile_id) task is already
// running (non-terminal); auto-created and manually submitted tasks
// share this dedup rule.
func (s *Scheduler) Submit(ctx context.Context, cfg models.TaskConfig) (*models.Task, error) {
	key := dedupKey(cfg.SiteURL, cfg.MonitorInput, cfg.ProfileID)

	s.dedupMu.Lock()
	if existingID, ok := s.dedup[key]; ok {
		s.dedupMu.Unlock()
		return nil, resilience.Duplicate("task", existingID)
	}
	task := models.NewTask(uuid.NewString(), cfg)
	s.dedup[key] = task.ID
	s.dedupMu.Unlock()

	s.tasksMu.Lock()
	s.tasks[task.ID] = task
	s.tasksMu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, task, key)

	return task, nil
}

func dedupKey(siteURL, productURL, profileID string) string {
	return siteURL + "|" + productURL + "|" + profileID
}

// Cancel marks task cancelled. The scheduler observes it while the task
// waits for a slot or a rate-limit delay, cancels an in-flight attempt
// through its context, and interrupts a retry sleep; a retry queued by
// scheduleRetry sees it when its timer fires.
func (s *Scheduler) Cancel(taskID string) error {
	s.tasksMu.Lock()
	task, ok := s.tasks[taskID]
	s.tasksMu.Unlock()
	if !ok {
		return resilience.NotFound("task", taskID)
	}
	task.Cancel()
	return nil
}

// StopAll cancels every non-terminal task and returns the count
// signalled — not the count that have finished unwinding.
func (s *Scheduler) StopAll() int {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	signalled := 0
	for _, task := range s.tasks {
		snap := task.Snapshot()
		if snap.Status.IsTerminal() || snap.Cancelled {
			continue
		}
		task.Cancel()
		signalled++
	}
	return signalled
}

func (s *Scheduler) run(ctx context.Context, task *models.Task, key string) {
	defer s.wg.Done()
	defer func() {
		// A task handed to scheduleRetry is not terminal yet; its dedup
		// entry stays until the run that finishes it returns.
		if task.Snapshot().Status.IsTerminal() {
			s.clearDedup(key, task.ID)
		}
	}()

	siteDomain := hostOf(task.Config.SiteURL)

	attempt := 0
	for {
		if task.Cancelled() {
			s.finish(task, &models.TaskResult{Success: false, ErrorMessage: "cancelled", Timestamp: time.Now()}, models.TaskCancelled)
			return
		}

		select {
		case s.sem <- struct{}{}:
		case <-task.Done():
			s.finish(task, &models.TaskResult{Success: false, ErrorMessage: "cancelled", Timestamp: time.Now()}, models.TaskCancelled)
			return
		case <-ctx.Done():
			return
		}

		observability.SchedulerActiveTasks.Inc()
		if allowed, delay := s.siteLimiter.Reserve(siteDomain); !allowed {
			<-s.sem
			observability.SchedulerActiveTasks.Dec()
			logDecision(Decision{Component: "scheduler", Decision: "RATE_LIMIT_DELAY", TaskID: task.ID, SiteURL: siteDomain, DelayMS: delay.Milliseconds()})
			select {
			case <-time.After(delay):
			case <-task.Done():
				s.finish(task, &models.TaskResult{Success: false, ErrorMessage: "cancelled", Timestamp: time.Now()}, models.TaskCancelled)
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		if cb := s.circuitFor(siteDomain); !cb.ShouldAdmit(s.retryQueue.Len(), float64(len(s.sem))/float64(cap(s.sem))) {
			<-s.sem
			observability.SchedulerActiveTasks.Dec()
			s.scheduleRetry(task, siteDomain, attempt, resilience.ServiceUnavailable(siteDomain))
			return
		}

		task.UpdateStatus(models.TaskMonitoring, "dispatched")
		s.broadcast(task)
		logDecision(Decision{Component: "scheduler", Decision: "DISPATCH", TaskID: task.ID, SiteURL: siteDomain, Attempt: attempt})

		executor, ok := s.executors[task.Config.SiteType]
		if !ok {
			<-s.sem
			observability.SchedulerActiveTasks.Dec()
			s.finish(task, &models.TaskResult{Success: false, ErrorMessage: fmt.Sprintf("no executor registered for site type %q", task.Config.SiteType), Timestamp: time.Now()}, models.TaskError)
			return
		}

		// Cancel unwinds an in-flight attempt through its context, so a
		// stopped task unblocks at its next HTTP round-trip or sleep.
		execCtx, cancelExec := context.WithCancel(ctx)
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-task.Done():
				cancelExec()
			case <-watchDone:
			}
		}()

		start := time.Now()
		result, err := executor.Execute(execCtx, task)
		close(watchDone)
		cancelExec()
		<-s.sem
		observability.SchedulerActiveTasks.Dec()

		if task.Cancelled() {
			s.finish(task, &models.TaskResult{Success: false, ErrorMessage: "cancelled", Timestamp: time.Now()}, models.TaskCancelled)
			return
		}

		if err != nil {
			s.circuitFor(siteDomain).RecordFailure()
			if errors.Is(err, context.Canceled) {
				s.finish(task, &models.TaskResult{Success: false, ErrorMessage: "cancelled", Timestamp: time.Now()}, models.TaskCancelled)
				return
			}
			s.scheduleRetry(task, siteDomain, attempt, err)
			return
		}

		if result.Success {
			s.circuitFor(siteDomain).RecordSuccess()
			s.recordCheckoutDuration(time.Since(start).Seconds())
			s.finish(task, result, models.TaskSuccess)
			return
		}

		// Declined / failed result, not an error: decide whether to retry.
		s.circuitFor(siteDomain).RecordFailure()
		declined := result.Declined
		shouldRetry := (declined && task.Config.RetryOnDecline) || (!declined && task.Config.RetryOnError)
		if !shouldRetry || attempt >= task.Config.MaxRetries {
			status := models.TaskFailed
			if declined {
				status = models.TaskDeclined
			}
			s.finish(task, result, status)
			return
		}

		attempt++
		task.IncrementRetry()
		s.recordRetry()
		delay := backoff(attempt, s.cfg.BaseRetryDelay, s.cfg.MaxRetryDelay)
		logDecision(Decision{Component: "scheduler", Decision: "RETRY_SCHEDULED", TaskID: task.ID, SiteURL: siteDomain, Attempt: attempt, DelayMS: delay.Milliseconds()})
		select {
		case <-time.After(delay):
		case <-task.Done():
			s.finish(task, &models.TaskResult{Success: false, ErrorMessage: "cancelled", Timestamp: time.Now()}, models.TaskCancelled)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) scheduleRetry(task *models.Task, siteDomain string, attempt int, cause error) {
	shouldRetry := task.Config.RetryOnError && attempt < task.Config.MaxRetries
	if !shouldRetry {
		s.finish(task, &models.TaskResult{Success: false, ErrorMessage: cause.Error(), Timestamp: time.Now()}, models.TaskFailed)
		return
	}
	attempt++
	task.IncrementRetry()
	s.recordRetry()
	delay := backoff(attempt, s.cfg.BaseRetryDelay, s.cfg.MaxRetryDelay)
	logDecision(Decision{Component: "scheduler", Decision: "RETRY_SCHEDULED", TaskID: task.ID, SiteURL: siteDomain, Attempt: attempt, DelayMS: delay.Milliseconds(), Reason: cause.Error()})
	s.retryQueue.Push(task.ID, attempt, delay)
	time.AfterFunc(delay, func() {
		s.retryQueue.PopReady()
		s.wg.Add(1)
		go s.run(context.Background(), task, dedupKey(task.Config.SiteURL, task.Config.MonitorInput, task.Config.ProfileID))
	})
}

// backoff implements retry_delay_ms/1000 * 2^(n-1) + uniform(0, 0.3*backoff),
// capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	exp := base
	for i := 1; i < attempt; i++ {
		exp *= 2
	}
	if exp > max {
		exp = max
	}
	jitter := time.Duration(rand.Float64() * 0.3 * float64(exp))
	d := exp + jitter
	if d > max {
		d = max
	}
	return d
}

func (s *Scheduler) finish(task *models.Task, result *models.TaskResult, status models.TaskStatus) {
	task.SetResult(result)
	task.UpdateStatus(status, result.ErrorMessage)
	s.broadcast(task)

	observability.TaskOutcomes.WithLabelValues(string(status)).Inc()

	s.statsMu.Lock()
	switch status {
	case models.TaskSuccess:
		s.success++
		if result.ElapsedSec != nil {
			s.checkoutSecs = append(s.checkoutSecs, *result.ElapsedSec)
		}
	case models.TaskDeclined:
		s.declined++
	default:
		s.failed++
	}
	s.statsMu.Unlock()

	s.safeNotify(func() {
		switch status {
		case models.TaskSuccess:
			s.notifier.OnSuccess(task, result)
		case models.TaskDeclined:
			s.notifier.OnDecline(task, result)
		}
	})
}

// safeNotify recovers a panicking Notifier the same way safeCallback
// recovers a panicking StatusCallback: one bad subscriber cannot wedge
// task processing.
func (s *Scheduler) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] notifier panicked: %v", r)
		}
	}()
	fn()
}

func (s *Scheduler) recordRetry() {
	observability.TaskRetries.Inc()
	s.statsMu.Lock()
	s.totalRetries++
	s.statsMu.Unlock()
}

func (s *Scheduler) recordCheckoutDuration(seconds float64) {
	s.statsMu.Lock()
	s.checkoutSecs = append(s.checkoutSecs, seconds)
	s.statsMu.Unlock()
}

func (s *Scheduler) clearDedup(key, taskID string) {
	s.dedupMu.Lock()
	if s.dedup[key] == taskID {
		delete(s.dedup, key)
	}
	s.dedupMu.Unlock()
}

func (s *Scheduler) circuitFor(siteDomain string) *CircuitBreaker {
	s.circuitsMu.Lock()
	defer s.circuitsMu.Unlock()
	cb, ok := s.circuits[siteDomain]
	if !ok {
		cb = NewCircuitBreaker(s.cfg.CircuitQueueMax)
		s.circuits[siteDomain] = cb
	}
	return cb
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// GetStats aggregates current scheduler-wide counters.
func (s *Scheduler) GetStats() Stats {
	s.tasksMu.Lock()
	total := len(s.tasks)
	running, idle := 0, 0
	for _, t := range s.tasks {
		snap := t.Snapshot()
		if snap.Status.IsTerminal() {
			continue
		}
		if snap.Status == models.TaskIdle {
			idle++
		} else {
			running++
		}
	}
	s.tasksMu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	var avg float64
	if len(s.checkoutSecs) > 0 {
		var sum float64
		for _, v := range s.checkoutSecs {
			sum += v
		}
		avg = sum / float64(len(s.checkoutSecs))
	}

	return Stats{
		Total:                  total,
		Running:                running,
		Idle:                   idle,
		Success:                s.success,
		Failed:                 s.failed,
		Declined:               s.declined,
		AvgCheckoutTimeSeconds: avg,
		TotalRetries:           s.totalRetries,
	}
}

// Task returns a tracked task by id.
func (s *Scheduler) Task(id string) (*models.Task, bool) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Shutdown waits for all in-flight task goroutines to observe
// cancellation and return. Call after cancelling the context passed to
// Submit.
func (s *Scheduler) Shutdown() {
	s.wg.Wait()
}

func logDecision(d Decision) {
	b, _ := json.Marshal(d)
	log.Println(string(b))
	observability.SchedulerDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
}
