package store

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/observability"
)

// Persister snapshots a task's cookie jar contents somewhere durable so
// a restart or crash can recover it. It is an extension point;
// RedisCookiePersister is the implementation in this package.
type Persister interface {
	Save(ctx context.Context, taskID string, jar map[string]map[string]string) error
	Load(ctx context.Context, taskID string) (map[string]map[string]string, error)
	Delete(ctx context.Context, taskID string) error
}

// CookieStore owns every task's CookieJar for its lifetime — one jar
// per task, never shared — with an optional
// Persister for crash recovery across process restarts. The in-memory
// jar stays the source of truth during a task's life; the persister is
// additive and never consulted for a jar that's already open.
type CookieStore struct {
	mu        sync.Mutex
	jars      map[string]*models.CookieJar
	persister Persister
}

func NewCookieStore(persister Persister) *CookieStore {
	return &CookieStore{
		jars:      make(map[string]*models.CookieJar),
		persister: persister,
	}
}

// Jar returns the jar for taskID, creating an empty one if this is the
// first request for that task in this process.
func (s *CookieStore) Jar(taskID string) *models.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()
	jar, ok := s.jars[taskID]
	if !ok {
		jar = models.NewCookieJar()
		s.jars[taskID] = jar
	}
	return jar
}

// Save merges cookies into a task's jar for domain and, if a Persister
// is configured, snapshots the whole jar to it before returning.
func (s *CookieStore) Save(ctx context.Context, taskID, domain string, cookies map[string]string) {
	jar := s.Jar(taskID)
	jar.Save(domain, cookies)
	s.snapshot(ctx, taskID, jar)
}

// Load returns the cookies for a task's domain.
func (s *CookieStore) Load(taskID, domain string) map[string]string {
	return s.Jar(taskID).Load(domain)
}

// Clear drops a task's jar from memory and, if configured, from the
// persister.
func (s *CookieStore) Clear(ctx context.Context, taskID string) {
	s.mu.Lock()
	delete(s.jars, taskID)
	s.mu.Unlock()

	if s.persister == nil {
		return
	}
	if err := s.persister.Delete(ctx, taskID); err != nil {
		log.Printf("[store] failed to delete persisted cookies for task %s: %v", taskID, err)
	}
}

// Restore loads a previously-persisted jar into memory for taskID, used
// on process start for crash recovery. A no-op if no Persister is
// configured or nothing was persisted for taskID.
func (s *CookieStore) Restore(ctx context.Context, taskID string) error {
	if s.persister == nil {
		return nil
	}
	snapshot, err := s.persister.Load(ctx, taskID)
	if err != nil || snapshot == nil {
		return err
	}
	jar := models.NewCookieJar()
	for domain, cookies := range snapshot {
		jar.Save(domain, cookies)
	}
	s.mu.Lock()
	s.jars[taskID] = jar
	s.mu.Unlock()
	return nil
}

func (s *CookieStore) snapshot(ctx context.Context, taskID string, jar *models.CookieJar) {
	if s.persister == nil {
		return
	}
	dump := jar.Dump()
	start := time.Now()
	if err := s.persister.Save(ctx, taskID, dump); err != nil {
		observability.StoreErrors.WithLabelValues("cookie-persister", "save").Inc()
		log.Printf("[store] failed to persist cookies for task %s: %v", taskID, err)
	}
	observability.StoreLatency.WithLabelValues("cookie-persister", "save").Observe(time.Since(start).Seconds())
}

// RedisCookiePersister implements Persister on top of a RedisBackend,
// storing the whole per-task jar as one JSON blob keyed by task id.
type RedisCookiePersister struct {
	backend *RedisBackend
	ttl     time.Duration
}

func NewRedisCookiePersister(backend *RedisBackend, ttl time.Duration) *RedisCookiePersister {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCookiePersister{backend: backend, ttl: ttl}
}

func (p *RedisCookiePersister) Save(ctx context.Context, taskID string, jar map[string]map[string]string) error {
	data, err := json.Marshal(jar)
	if err != nil {
		return err
	}
	return p.backend.Set(ctx, cookieKey(taskID), string(data), p.ttl)
}

func (p *RedisCookiePersister) Load(ctx context.Context, taskID string) (map[string]map[string]string, error) {
	val, err := p.backend.Get(ctx, cookieKey(taskID))
	if err != nil || val == "" {
		return nil, err
	}
	var jar map[string]map[string]string
	if err := json.Unmarshal([]byte(val), &jar); err != nil {
		return nil, err
	}
	return jar, nil
}

func (p *RedisCookiePersister) Delete(ctx context.Context, taskID string) error {
	return p.backend.Del(ctx, cookieKey(taskID))
}

func cookieKey(taskID string) string {
	return "phantom:cookies:" + taskID
}
