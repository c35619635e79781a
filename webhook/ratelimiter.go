package webhook

import (
	"math"
	"sync"
	"time"

	"github.com/duskline/phantom/resilience"
)

// SlidingWindowLimiter enforces a per-source request cap over a
// trailing window: timestamps older than the window are trimmed before
// the count is compared against the limit, and a breach reports
// retry_after computed
// from the oldest surviving timestamp in the window, never below one
// second and never above the window length in seconds.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	buckets map[string][]time.Time
}

// NewSlidingWindowLimiter returns a limiter with the ingress-wide default
// max/window; a caller overrides them per source through Check's max and
// window arguments.
func NewSlidingWindowLimiter(max int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		max:     max,
		window:  window,
		buckets: make(map[string][]time.Time),
	}
}

// Check trims expired entries for source, then either admits the request
// (recording the current timestamp) or returns a RateLimited error
// carrying retry_after in seconds. max/window of 0 fall back to the
// limiter's configured defaults, allowing per-source overrides.
func (l *SlidingWindowLimiter) Check(source string, max int, window time.Duration) error {
	if max <= 0 {
		max = l.max
	}
	if window <= 0 {
		window = l.window
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	bucket := l.buckets[source]
	trimmed := bucket[:0]
	for _, t := range bucket {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	bucket = trimmed

	if len(bucket) >= max {
		retryAfter := int(math.Ceil(bucket[0].Sub(cutoff).Seconds())) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		if limit := int(math.Ceil(window.Seconds())); retryAfter > limit {
			retryAfter = limit
		}
		l.buckets[source] = bucket
		return resilience.RateLimited(sourceLimitMessage(source, max, window), retryAfter)
	}

	l.buckets[source] = append(bucket, now)
	return nil
}

func sourceLimitMessage(source string, max int, window time.Duration) string {
	return "source '" + source + "' exceeded " + itoa(max) + " requests per " + window.String()
}

// Stats returns, for every source seen so far, the count of requests
// still inside its window as of now.
func (l *SlidingWindowLimiter) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	out := make(map[string]int, len(l.buckets))
	for source, bucket := range l.buckets {
		n := 0
		for _, t := range bucket {
			if t.After(cutoff) {
				n++
			}
		}
		out[source] = n
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
