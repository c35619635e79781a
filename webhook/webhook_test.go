package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/resilience"
)

func requireResilienceError(t *testing.T, err error) *resilience.Error {
	t.Helper()
	var rerr *resilience.Error
	require.True(t, errors.As(err, &rerr), "expected *resilience.Error, got %T: %v", err, err)
	return rerr
}

// A correctly signed payload is accepted; mutating
// the body or the secret rejects it.
func TestHMACVerification(t *testing.T) {
	payload := map[string]any{"event_type": "test", "value": float64(42)}
	sig, err := Sign(payload, "s")
	require.NoError(t, err)
	assert.True(t, VerifySignature(payload, sig, "s"))

	mutated := map[string]any{"event_type": "test", "value": float64(43)}
	assert.False(t, VerifySignature(mutated, sig, "s"))
	assert.False(t, VerifySignature(payload, sig, "wrong-secret"))
}

func TestIngressRejectsMissingOrBadSignature(t *testing.T) {
	in := New(DefaultConfig(), nil, nil)
	in.RegisterSource(models.WebhookConfig{Source: "github", HMACSecret: "k"})

	_, err := in.Receive(context.Background(), "github", map[string]any{"event_type": "ping"}, "", "")
	assertKind(t, err, "unauthorized")

	_, err = in.Receive(context.Background(), "github", map[string]any{"event_type": "ping"}, "sha256=bogus", "")
	assertKind(t, err, "unauthorized")

	payload := map[string]any{"event_type": "ping"}
	sig, _ := Sign(payload, "k")
	event, err := in.Receive(context.Background(), "github", payload, sig, "")
	require.NoError(t, err)
	assert.Equal(t, "ping", event.EventType)
}

// A duplicate idempotency key is rejected on the second call.
func TestIdempotencyDuplicateRejected(t *testing.T) {
	in := New(DefaultConfig(), nil, nil)
	payload := map[string]any{"event_type": "ping"}

	_, err := in.Receive(context.Background(), "src", payload, "", "i1")
	require.NoError(t, err)

	_, err = in.Receive(context.Background(), "src", payload, "", "i1")
	assertKind(t, err, "duplicate")
}

// The 3rd call within the window rejects with
// retry_after in [1, window]; independent sources don't interfere.
func TestSlidingWindowRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	in := New(cfg, nil, nil)
	in.RegisterSource(models.WebhookConfig{Source: "s", RateLimitMax: 2, RateLimitWindow: 60 * time.Second})

	for i := 0; i < 2; i++ {
		_, err := in.Receive(context.Background(), "s", map[string]any{"event_type": "x"}, "", "")
		require.NoError(t, err)
	}

	_, err := in.Receive(context.Background(), "s", map[string]any{"event_type": "x"}, "", "")
	require.Error(t, err)
	rerr := requireResilienceError(t, err)
	assert.Equal(t, "rate_limited", string(rerr.Kind))
	assert.GreaterOrEqual(t, rerr.RetryAfter, 1)
	assert.LessOrEqual(t, rerr.RetryAfter, 60)

	// A different, unconfigured source is unaffected by "s"'s limit.
	_, err = in.Receive(context.Background(), "other", map[string]any{"event_type": "x"}, "", "")
	require.NoError(t, err)
}

func TestRecentEventsNewestFirst(t *testing.T) {
	in := New(DefaultConfig(), nil, nil)
	for i := 0; i < 3; i++ {
		_, err := in.Receive(context.Background(), "src", map[string]any{"event_type": "e", "n": float64(i)}, "", "")
		require.NoError(t, err)
	}
	recent := in.RecentEvents(2)
	require.Len(t, recent, 2)
	assert.Equal(t, float64(2), recent[0].Payload["n"])
	assert.Equal(t, float64(1), recent[1].Payload["n"])
}

func TestEventTypeFallback(t *testing.T) {
	assert.Equal(t, "restock", eventTypeOf(map[string]any{"event_type": "restock"}))
	assert.Equal(t, "legacy", eventTypeOf(map[string]any{"type": "legacy"}))
	assert.Equal(t, "unknown", eventTypeOf(map[string]any{}))
}

func assertKind(t *testing.T, err error, kind string) {
	t.Helper()
	require.Error(t, err)
	rerr := requireResilienceError(t, err)
	assert.Equal(t, kind, string(rerr.Kind))
}
