// Package store holds the core's own persistence concerns: cookie jar
// snapshotting, the idempotency backend, and an optional completed-task
// archive. Unlike the collaborator interfaces in models (ProfileStore,
// CaptchaSolver, ...), these are internal to the core — but none of
// them are load-bearing for correctness, so every backend here is
// optional: cookie jars stay in memory without a Persister, and a nil
// TaskArchive is a no-op.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duskline/phantom/observability"
)

// RedisBackend adapts a go-redis client to `idempotency.Backend`
// (`Get(ctx, key) (string, error)` / `Set(ctx, key, value string, ttl)
// error`). The idempotency check only needs plain key-value-with-TTL
// semantics, so there is no lock machinery here.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to addr and verifies reachability before
// returning.
func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	val, err := r.client.Get(ctx, key).Result()
	observability.StoreLatency.WithLabelValues("redis", "get").Observe(time.Since(start).Seconds())
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		observability.StoreErrors.WithLabelValues("redis", "get").Inc()
		return "", err
	}
	return val, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	err := r.client.Set(ctx, key, value, ttl).Err()
	observability.StoreLatency.WithLabelValues("redis", "set").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.StoreErrors.WithLabelValues("redis", "set").Inc()
	}
	return err
}

func (r *RedisBackend) Del(ctx context.Context, key string) error {
	start := time.Now()
	err := r.client.Del(ctx, key).Err()
	observability.StoreLatency.WithLabelValues("redis", "del").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.StoreErrors.WithLabelValues("redis", "del").Inc()
	}
	return err
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
