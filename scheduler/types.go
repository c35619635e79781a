package scheduler

import "time"

// Config tunes the Task Scheduler.
type Config struct {
	MaxConcurrency  int           // bounded-concurrency semaphore size
	MinSiteDelay    time.Duration // minimum spacing between requests to the same site domain
	MaxRetryDelay   time.Duration // cap on the exponential backoff
	BaseRetryDelay  time.Duration // retry_delay_ms base, before exponential growth
	CircuitQueueMax int           // per-site circuit breaker queue-depth threshold
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  10,
		MinSiteDelay:    500 * time.Millisecond,
		MaxRetryDelay:   30 * time.Second,
		BaseRetryDelay:  1 * time.Second,
		CircuitQueueMax: 50,
	}
}

// Decision is a structured log entry for one scheduling action,
// emitted as a single JSON line.
type Decision struct {
	Component string      `json:"component"`
	Decision  string      `json:"decision"` // DISPATCH, RATE_LIMIT_DELAY, RETRY_SCHEDULED, AUTO_TASK_CREATED
	TaskID    string      `json:"task_id"`
	SiteURL   string      `json:"site_url,omitempty"`
	Attempt   int         `json:"attempt,omitempty"`
	DelayMS   int64       `json:"delay_ms,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Metadata  interface{} `json:"metadata,omitempty"`
}

// Stats aggregates scheduler-wide counters.
type Stats struct {
	Total                  int     `json:"total"`
	Running                int     `json:"running"`
	Idle                   int     `json:"idle"`
	Success                int     `json:"success"`
	Failed                 int     `json:"failed"`
	Declined               int     `json:"declined"`
	AvgCheckoutTimeSeconds float64 `json:"avg_checkout_time_seconds"`
	TotalRetries           int     `json:"total_retries"`
}
