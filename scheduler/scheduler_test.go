package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/phantom/models"
)

// fakeExecutor is a configurable Executor test double: it sleeps for a
// fixed duration, tracks concurrent invocation counts, and returns a
// scripted sequence of results/errors across successive calls.
type fakeExecutor struct {
	sleep time.Duration

	mu            sync.Mutex
	results       []*models.TaskResult
	errs          []error
	call          int
	concurrentNow int32
	maxConcurrent int32
}

func (f *fakeExecutor) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	n := atomic.AddInt32(&f.concurrentNow, 1)
	for {
		max := atomic.LoadInt32(&f.maxConcurrent)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxConcurrent, max, n) {
			break
		}
	}
	defer atomic.AddInt32(&f.concurrentNow, -1)

	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	i := f.call
	f.call++
	f.mu.Unlock()

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &models.TaskResult{Success: true, Timestamp: time.Now()}, nil
}

func baseConfig() Config {
	return Config{
		MaxConcurrency:  3,
		MinSiteDelay:    10 * time.Millisecond,
		MaxRetryDelay:   100 * time.Millisecond,
		BaseRetryDelay:  20 * time.Millisecond,
		CircuitQueueMax: 50,
	}
}

func taskCfg(siteURL string) models.TaskConfig {
	return models.TaskConfig{
		SiteType:     models.SiteShopify,
		SiteURL:      siteURL,
		MonitorInput: "https://example.com/p",
		MaxRetries:   2,
	}
}

// At most MaxConcurrency tasks execute at once, even when many more
// are submitted simultaneously.
func TestSchedulerConcurrencyBound(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrency = 3
	exec := &fakeExecutor{sleep: 60 * time.Millisecond}
	s := New(cfg, map[models.SiteType]Executor{models.SiteShopify: exec})

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		_, err := s.Submit(ctx, models.TaskConfig{
			SiteType:     models.SiteShopify,
			SiteURL:      "https://distinct-site-" + string(rune('a'+i)) + ".example",
			MonitorInput: "https://example.com/p",
			ProfileID:    string(rune('a' + i)),
			MaxRetries:   0,
		})
		require.NoError(t, err)
	}

	time.Sleep(250 * time.Millisecond)
	s.Shutdown()

	assert.LessOrEqual(t, atomic.LoadInt32(&exec.maxConcurrent), int32(3))
}

// Two tasks against the same site domain are spaced at least
// MinSiteDelay apart.
func TestSchedulerSiteRateLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrency = 10
	cfg.MinSiteDelay = 100 * time.Millisecond

	var mu sync.Mutex
	var callTimes []time.Time
	exec := &recordingExecutor{onCall: func() {
		mu.Lock()
		callTimes = append(callTimes, time.Now())
		mu.Unlock()
	}}
	s := New(cfg, map[models.SiteType]Executor{models.SiteShopify: exec})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Submit(ctx, models.TaskConfig{
			SiteType:     models.SiteShopify,
			SiteURL:      "https://same-site.example",
			MonitorInput: "https://example.com/p",
			ProfileID:    string(rune('a' + i)),
			MaxRetries:   0,
		})
		require.NoError(t, err)
	}

	time.Sleep(500 * time.Millisecond)
	s.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, callTimes, 3)
	for i := 1; i < len(callTimes); i++ {
		gap := callTimes[i].Sub(callTimes[i-1])
		assert.GreaterOrEqual(t, gap, 80*time.Millisecond, "calls to the same site must be spaced by roughly MinSiteDelay")
	}
}

type recordingExecutor struct {
	onCall func()
}

func (r *recordingExecutor) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	r.onCall()
	return &models.TaskResult{Success: true, Timestamp: time.Now()}, nil
}

// A task whose attempts go failed, failed, success ends in TaskSuccess
// with RetryCount == 2 and the executor called exactly three times.
func TestSchedulerRetryThenSucceed(t *testing.T) {
	cfg := baseConfig()
	cfg.BaseRetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 50 * time.Millisecond

	exec := &fakeExecutor{
		results: []*models.TaskResult{
			{Success: false, Declined: false, ErrorMessage: "transient", Timestamp: time.Now()},
			{Success: false, Declined: false, ErrorMessage: "transient", Timestamp: time.Now()},
			{Success: true, Timestamp: time.Now()},
		},
	}
	s := New(cfg, map[models.SiteType]Executor{models.SiteShopify: exec})

	ctx := context.Background()
	cfgT := taskCfg("https://retry-site.example")
	cfgT.RetryOnError = true
	cfgT.MaxRetries = 3
	task, err := s.Submit(ctx, cfgT)
	require.NoError(t, err)

	waitForTerminal(t, task, 2*time.Second)
	s.Shutdown()

	snap := task.Snapshot()
	assert.Equal(t, models.TaskSuccess, snap.Status)
	assert.Equal(t, 2, snap.RetryCount)
	exec.mu.Lock()
	assert.Equal(t, 3, exec.call)
	exec.mu.Unlock()
}

// A declined result with RetryOnDecline=false (the
// scheduler default behavior) finishes as TaskDeclined without any
// retry, even though MaxRetries allows one.
func TestSchedulerDeclineDoesNotRetryByDefault(t *testing.T) {
	cfg := baseConfig()
	exec := &fakeExecutor{
		results: []*models.TaskResult{
			{Success: false, Declined: true, ErrorMessage: "card declined", Timestamp: time.Now()},
		},
	}
	s := New(cfg, map[models.SiteType]Executor{models.SiteShopify: exec})

	ctx := context.Background()
	cfgT := taskCfg("https://decline-site.example")
	cfgT.RetryOnDecline = false
	cfgT.MaxRetries = 2
	task, err := s.Submit(ctx, cfgT)
	require.NoError(t, err)

	waitForTerminal(t, task, time.Second)
	s.Shutdown()

	snap := task.Snapshot()
	assert.Equal(t, models.TaskDeclined, snap.Status)
	assert.Equal(t, 0, snap.RetryCount)
}

func TestSchedulerSubmitDedupRejectsDuplicate(t *testing.T) {
	cfg := baseConfig()
	exec := &fakeExecutor{sleep: 100 * time.Millisecond}
	s := New(cfg, map[models.SiteType]Executor{models.SiteShopify: exec})

	ctx := context.Background()
	cfgT := taskCfg("https://dedup-site.example")
	cfgT.ProfileID = "profile-1"

	_, err := s.Submit(ctx, cfgT)
	require.NoError(t, err)

	_, err = s.Submit(ctx, cfgT)
	assert.Error(t, err)

	s.Shutdown()
}

// Cancel during a retry sleep interrupts the sleep; the task lands on
// TaskCancelled promptly instead of waiting out the backoff.
func TestSchedulerCancelInterruptsRetrySleep(t *testing.T) {
	cfg := baseConfig()
	cfg.BaseRetryDelay = 5 * time.Second
	cfg.MaxRetryDelay = 30 * time.Second

	exec := &fakeExecutor{
		results: []*models.TaskResult{
			{Success: false, ErrorMessage: "transient", Timestamp: time.Now()},
		},
	}
	s := New(cfg, map[models.SiteType]Executor{models.SiteShopify: exec})

	ctx := context.Background()
	cfgT := taskCfg("https://cancel-site.example")
	cfgT.RetryOnError = true
	cfgT.MaxRetries = 3
	task, err := s.Submit(ctx, cfgT)
	require.NoError(t, err)

	// Let the first attempt fail and the retry sleep begin.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Cancel(task.ID))

	waitForTerminal(t, task, time.Second)
	s.Shutdown()

	assert.Equal(t, models.TaskCancelled, task.Snapshot().Status)
}

// StopAll signals every non-terminal task and returns the count
// signalled; each lands on TaskCancelled, never on TaskSuccess.
func TestSchedulerStopAll(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrency = 5
	exec := &fakeExecutor{sleep: 300 * time.Millisecond}
	s := New(cfg, map[models.SiteType]Executor{models.SiteShopify: exec})

	ctx := context.Background()
	var tasks []*models.Task
	for i := 0; i < 3; i++ {
		task, err := s.Submit(ctx, models.TaskConfig{
			SiteType:     models.SiteShopify,
			SiteURL:      "https://stopall-" + string(rune('a'+i)) + ".example",
			MonitorInput: "https://example.com/p",
			ProfileID:    string(rune('a' + i)),
		})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, s.StopAll())

	for _, task := range tasks {
		waitForTerminal(t, task, time.Second)
		assert.Equal(t, models.TaskCancelled, task.Snapshot().Status)
	}
	s.Shutdown()
	assert.Equal(t, 0, s.StopAll())
}

func waitForTerminal(t *testing.T, task *models.Task, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if task.Snapshot().Status.IsTerminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task did not reach a terminal status within %s", timeout)
}
