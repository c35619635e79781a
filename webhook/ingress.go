// Package webhook ingests inbound provider webhooks through a
// verify -> rate-limit -> dedupe -> normalize -> persist -> fan-out
// pipeline for inbound events from external systems.
package webhook

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/phantom/idempotency"
	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/observability"
	"github.com/duskline/phantom/resilience"
	"github.com/duskline/phantom/streaming"
)

// Handler observes every successfully-ingested webhook event. Errors are
// logged and never surfaced to the caller that submitted the webhook
// so one broken handler cannot affect another or the
// caller's response.
type Handler func(event models.WebhookReceived) error

// Config tunes the ingress-wide defaults; individual sources can
// override the rate limit via RegisterSource. The idempotency TTL is
// ingress-wide; a source's IdempotencyTTL is not applied.
type Config struct {
	DefaultRateLimitMax    int
	DefaultRateLimitWindow time.Duration
	DefaultIdempotencyTTL  time.Duration
	RingCapacity           int
}

func DefaultConfig() Config {
	return Config{
		DefaultRateLimitMax:    60,
		DefaultRateLimitWindow: time.Minute,
		DefaultIdempotencyTTL:  defaultIdempotencyTTL,
		RingCapacity:           500,
	}
}

// Ingress runs the full pipeline for every Receive call. It is safe for
// concurrent use from many callers.
type Ingress struct {
	cfg Config

	sourcesMu sync.RWMutex
	sources   map[string]models.WebhookConfig

	limiter     *SlidingWindowLimiter
	idempotency *idempotencyStore

	ringMu sync.Mutex
	ring   []models.WebhookReceived
	ringN  int // capacity

	handlersMu sync.Mutex
	handlers   []Handler

	pub streaming.Publisher // optional; nil is fine, fan-out is additive
}

// New builds an Ingress. idempotencyBackend may be nil (in-memory TTL
// map); pub may be nil (handlers still fire, just no external fan-out
// transport).
func New(cfg Config, idempotencyBackend idempotency.Backend, pub streaming.Publisher) *Ingress {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 500
	}
	return &Ingress{
		cfg:         cfg,
		sources:     make(map[string]models.WebhookConfig),
		limiter:     NewSlidingWindowLimiter(cfg.DefaultRateLimitMax, cfg.DefaultRateLimitWindow),
		idempotency: newIdempotencyStore(idempotencyBackend, cfg.DefaultIdempotencyTTL),
		ringN:       cfg.RingCapacity,
		pub:         pub,
	}
}

// RegisterSource configures the HMAC secret and optional rate-limit
// overrides for a webhook source.
func (in *Ingress) RegisterSource(cfg models.WebhookConfig) {
	in.sourcesMu.Lock()
	defer in.sourcesMu.Unlock()
	in.sources[cfg.Source] = cfg
}

// RegisterHandler adds a handler invoked on every accepted event, in
// addition to any configured streaming.Publisher fan-out.
func (in *Ingress) RegisterHandler(h Handler) {
	in.handlersMu.Lock()
	defer in.handlersMu.Unlock()
	in.handlers = append(in.handlers, h)
}

// Receive runs the full ingest pipeline: verify -> rate-limit ->
// idempotency -> normalize -> persist -> fan-out. The three
// discriminable rejection kinds (Unauthorized, RateLimited, Duplicate)
// come back as *resilience.Error; any other returned error is a backend
// failure, not a rejection.
func (in *Ingress) Receive(ctx context.Context, source string, payload map[string]any, signature, idempotencyKey string) (models.WebhookReceived, error) {
	in.sourcesMu.RLock()
	cfg, configured := in.sources[source]
	in.sourcesMu.RUnlock()

	// 1. HMAC verification.
	if configured && cfg.HMACSecret != "" {
		if signature == "" {
			observability.WebhookRejections.WithLabelValues(source, "unauthorized").Inc()
			return models.WebhookReceived{}, resilience.Unauthorized("missing webhook signature")
		}
		if !VerifySignature(payload, signature, cfg.HMACSecret) {
			observability.WebhookRejections.WithLabelValues(source, "unauthorized").Inc()
			return models.WebhookReceived{}, resilience.Unauthorized("invalid webhook signature")
		}
	}

	// 2. Rate limiting.
	max, window := 0, time.Duration(0)
	if configured {
		max, window = cfg.RateLimitMax, cfg.RateLimitWindow
	}
	if err := in.limiter.Check(source, max, window); err != nil {
		observability.WebhookRejections.WithLabelValues(source, "rate_limited").Inc()
		return models.WebhookReceived{}, err
	}

	// 3. Idempotency.
	if idempotencyKey != "" {
		if err := in.idempotency.CheckAndMark(ctx, idempotencyKey); err != nil {
			var rerr *resilience.Error
			if errors.As(err, &rerr) && rerr.Kind == resilience.KindDuplicate {
				observability.WebhookRejections.WithLabelValues(source, "duplicate").Inc()
			}
			return models.WebhookReceived{}, err
		}
	}

	// 4. Normalize.
	event := models.WebhookReceived{
		ID:        idempotencyKey,
		Source:    source,
		EventType: eventTypeOf(payload),
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	// 5. Persist to the ring buffer.
	in.ringMu.Lock()
	in.ring = append(in.ring, event)
	if len(in.ring) > in.ringN {
		in.ring = in.ring[len(in.ring)-in.ringN:]
	}
	in.ringMu.Unlock()

	observability.WebhookAccepted.WithLabelValues(source).Inc()

	// 6. Fan-out. Handler errors are logged and never propagate.
	in.handlersMu.Lock()
	handlers := append([]Handler(nil), in.handlers...)
	in.handlersMu.Unlock()
	for _, h := range handlers {
		in.safeCall(h, event)
	}
	if in.pub != nil {
		if err := in.pub.Publish(ctx, "webhook."+source, event); err != nil {
			log.Printf("[webhook] publish failed for source %s: %v", source, err)
		}
	}

	return event, nil
}

func (in *Ingress) safeCall(h Handler, event models.WebhookReceived) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[webhook] handler panicked for source %s: %v", event.Source, r)
		}
	}()
	if err := h(event); err != nil {
		log.Printf("[webhook] handler error for source %s: %v", event.Source, err)
	}
}

// eventTypeOf applies payload.event_type ?? payload.type ?? "unknown".
func eventTypeOf(payload map[string]any) string {
	if v, ok := payload["event_type"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if v, ok := payload["type"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}

// RecentEvents returns up to limit most-recent accepted events, newest
// first, read from the same ring buffer Receive persists into.
func (in *Ingress) RecentEvents(limit int) []models.WebhookReceived {
	in.ringMu.Lock()
	defer in.ringMu.Unlock()
	if limit <= 0 || limit > len(in.ring) {
		limit = len(in.ring)
	}
	out := make([]models.WebhookReceived, limit)
	for i := 0; i < limit; i++ {
		out[i] = in.ring[len(in.ring)-1-i]
	}
	return out
}

// Stats is a point-in-time diagnostic snapshot.
type Stats struct {
	TotalReceived     int            `json:"total_received"`
	IdempotencyCached int            `json:"idempotency_keys_cached"`
	RateLimitUsage    map[string]int `json:"rate_limit_usage"`
	ConfiguredSources []string       `json:"configured_sources"`
}

func (in *Ingress) GetStats() Stats {
	in.ringMu.Lock()
	total := len(in.ring)
	in.ringMu.Unlock()

	in.sourcesMu.RLock()
	sources := make([]string, 0, len(in.sources))
	for s := range in.sources {
		sources = append(sources, s)
	}
	in.sourcesMu.RUnlock()

	return Stats{
		TotalReceived:     total,
		IdempotencyCached: in.idempotency.Size(),
		RateLimitUsage:    in.limiter.Stats(),
		ConfiguredSources: sources,
	}
}
