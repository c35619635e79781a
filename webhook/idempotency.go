package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/duskline/phantom/idempotency"
	"github.com/duskline/phantom/resilience"
)

// defaultIdempotencyTTL bounds how long a key blocks replays.
const defaultIdempotencyTTL = time.Hour

// idempotencyStore is the webhook dedup check: CheckAndMark returns
// nil for a never-seen key (after recording it) and a Duplicate error
// for a key already seen within its TTL. It is built directly on the
// idempotency.Backend interface (memory/Redis-pluggable)
// rather than through `idempotency.Store`, since
// that type's `Response` shape is HTTP-response-caching specific and
// this dedup check only needs key presence, not a cached value.
type idempotencyStore struct {
	backend idempotency.Backend
	ttl     time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // used only when backend is nil
}

func newIdempotencyStore(backend idempotency.Backend, ttl time.Duration) *idempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &idempotencyStore{
		backend: backend,
		ttl:     ttl,
		seen:    make(map[string]time.Time),
	}
}

// CheckAndMark returns a Duplicate *resilience.Error if key was already
// seen within the TTL; otherwise it records key and returns nil.
func (s *idempotencyStore) CheckAndMark(ctx context.Context, key string) error {
	if s.backend != nil {
		existing, err := s.backend.Get(ctx, key)
		if err == nil && existing != "" {
			return resilience.Duplicate("webhook", key)
		}
		if setErr := s.backend.Set(ctx, key, "1", s.ttl); setErr != nil {
			return resilience.Transient("idempotency backend unavailable", setErr)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	if _, ok := s.seen[key]; ok {
		return resilience.Duplicate("webhook", key)
	}
	s.seen[key] = time.Now()
	return nil
}

// evictExpiredLocked drops entries past their TTL, lazily on every
// check rather than on a background timer.
func (s *idempotencyStore) evictExpiredLocked() {
	cutoff := time.Now().Add(-s.ttl)
	for k, t := range s.seen {
		if t.Before(cutoff) {
			delete(s.seen, k)
		}
	}
}

// Size reports the number of in-memory keys currently cached — only
// meaningful when no backend is configured; a Redis-backed store
// reports 0 since TTL eviction is the backend's own responsibility.
func (s *idempotencyStore) Size() int {
	if s.backend != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
