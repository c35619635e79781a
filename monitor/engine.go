package monitor

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/observability"
	"github.com/duskline/phantom/resilience"
	"github.com/duskline/phantom/streaming"
)

// State is a Monitor's lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateFound       State = "found"
	StateError       State = "error"
	StateStopped     State = "stopped"
	StateRateLimited State = "rate-limited"
)

// Fetcher retrieves the current product observations for a monitor's
// target — one entry per product on the watched surface, which may be
// a whole storefront or a single product page. Site-specific
// implementations live in this package (ShopifyFetcher,
// FootsitesFetcher); the engine only depends on this interface,
// keeping the poll loop generic over what it polls.
type Fetcher interface {
	Fetch(ctx context.Context, target string) ([]*models.ProductObservation, error)
}

// Config tunes one Monitor's poll behavior.
type Config struct {
	Source      string // store name, surfaced on every emitted event
	Target      string // URL passed to the Fetcher
	Delay       time.Duration
	ErrorDelay  time.Duration // wait before the next tick after a fetch error; doubled after a rate-limit
	JitterFrac  float64       // +/- fraction of Delay applied per tick
	MinPriority models.Priority
}

func DefaultConfig() Config {
	return Config{Delay: 30 * time.Second, ErrorDelay: 10 * time.Second, JitterFrac: 0.2, MinPriority: models.PriorityLow}
}

// Monitor polls one target on an interval, matches it against a
// keyword set, and emits ProductEvents on state changes a caller has
// not already seen (fingerprint dedup).
type Monitor struct {
	ID       string
	cfg      Config
	fetcher  Fetcher
	matcher  *Matcher
	pub      streaming.Publisher
	notifier models.Notifier

	mu            sync.Mutex
	state         State
	fingerprints  map[string]string                     // product URL -> last fingerprint
	seen          map[string]*models.ProductObservation // product URL -> last observation
	lastErr       error
	rateLimitedAt time.Time

	stop chan struct{}
	done chan struct{}
}

func New(id string, cfg Config, fetcher Fetcher, matcher *Matcher, pub streaming.Publisher) *Monitor {
	if id == "" {
		id = uuid.NewString()
	}
	return &Monitor{
		ID:           id,
		cfg:          cfg,
		fetcher:      fetcher,
		matcher:      matcher,
		pub:          pub,
		notifier:     models.NoopNotifier{},
		state:        StateIdle,
		fingerprints: make(map[string]string),
		seen:         make(map[string]*models.ProductObservation),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetNotifier wires a Notifier to receive OnRestock events
// as they're classified, independent of whatever transport m.pub fans
// the raw ProductEvent out over.
func (m *Monitor) SetNotifier(n models.Notifier) {
	if n == nil {
		n = models.NoopNotifier{}
	}
	m.notifier = n
}

// State returns the monitor's current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	observability.MonitorState.WithLabelValues(m.ID, string(s)).Set(1)
}

// Run starts the poll loop; it blocks until ctx is cancelled or Stop is
// called. Panics inside a single tick are recovered so one bad response
// never kills the monitor goroutine. The monitor is in starting until
// its first tick completes; that tick's outcome sets the next state.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	m.setState(StateStarting)

	delay := m.cfg.Delay
	if delay <= 0 {
		delay = 30 * time.Second
	}
	errorDelay := m.cfg.ErrorDelay
	if errorDelay <= 0 {
		errorDelay = 10 * time.Second
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.setState(StateStopped)
			return
		case <-m.stop:
			m.setState(StateStopped)
			return
		case <-timer.C:
			m.tick(ctx)
			timer.Reset(jittered(m.nextDelay(delay, errorDelay), m.cfg.JitterFrac))
		}
	}
}

// nextDelay picks the wait before the next tick based on the outcome of
// the tick just finished: delay on success, errorDelay on a plain fetch
// error, and 2x errorDelay when the last tick was rate-limited.
func (m *Monitor) nextDelay(delay, errorDelay time.Duration) time.Duration {
	switch m.State() {
	case StateRateLimited:
		return 2 * errorDelay
	case StateError:
		return errorDelay
	default:
		return delay
	}
}

func jittered(base time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return base
	}
	delta := float64(base) * frac * (rand.Float64()*2 - 1)
	d := time.Duration(float64(base) + delta)
	if d < 0 {
		d = base
	}
	return d
}

func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[monitor] %s tick panicked: %v", m.ID, r)
			m.recordError(errors.New("internal panic during tick"))
		}
	}()

	start := time.Now()
	observations, err := m.fetcher.Fetch(ctx, m.cfg.Target)
	observability.MonitorTickDuration.WithLabelValues(m.ID).Observe(time.Since(start).Seconds())

	if err != nil {
		var rerr *resilience.Error
		if errors.As(err, &rerr) && rerr.Kind == resilience.KindRateLimited {
			m.mu.Lock()
			m.rateLimitedAt = time.Now()
			m.mu.Unlock()
			m.setState(StateRateLimited)
			return
		}
		m.recordError(err)
		return
	}

	m.setState(StateRunning)

	found := false
	for _, obs := range observations {
		if m.observe(ctx, obs) {
			found = true
		}
	}
	if found {
		m.setState(StateFound)
	}
}

// observe dedups one product against its stored per-URL fingerprint,
// classifies the transition, and emits the event if the keyword matcher
// accepts it. Reports whether an event was emitted.
func (m *Monitor) observe(ctx context.Context, obs *models.ProductObservation) bool {
	fp := obs.Fingerprint()
	m.mu.Lock()
	prevFP, seenBefore := m.fingerprints[obs.URL]
	prevObs := m.seen[obs.URL]
	m.fingerprints[obs.URL] = fp
	m.seen[obs.URL] = obs
	m.mu.Unlock()

	if seenBefore && fp == prevFP {
		return false // no observable change for this URL since last tick
	}

	evt := m.classify(prevObs, obs)
	if evt == nil {
		return false
	}

	match := m.matcher.Match(obs.Title, obs.SKU, "")
	if !match.Matched {
		return false
	}
	evt.Match = match
	evt.Priority = priorityFor(match.Confidence)
	if !evt.Priority.AtLeast(m.cfg.MinPriority) {
		return false
	}

	observability.MonitorEventsEmitted.WithLabelValues(m.ID, string(evt.Type)).Inc()
	if m.pub != nil {
		if err := m.pub.Publish(ctx, "product_event", evt); err != nil {
			log.Printf("[monitor] %s failed to publish event: %v", m.ID, err)
		}
	}
	if evt.Type == models.EventRestock {
		m.safeNotifyRestock(*evt)
	}
	return true
}

func (m *Monitor) safeNotifyRestock(evt models.ProductEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[monitor] %s notifier panicked: %v", m.ID, r)
		}
	}()
	m.notifier.OnRestock(evt)
}

// classify determines which EventType (if any) the transition from
// prev to current represents. A nil prev observation with an available
// product is a new_product; a prior observation with no purchasable
// sizes (unavailable, or available with an empty size list) gaining
// sizes is a restock; a changed size list on an available product is a
// size_change; a changed price is a price_change.
func (m *Monitor) classify(prev, current *models.ProductObservation) *models.ProductEvent {
	evt := &models.ProductEvent{
		Source:      m.cfg.Source,
		StoreName:   m.cfg.Source,
		Observation: *current,
		Timestamp:   time.Now(),
	}

	switch {
	case prev == nil:
		if !current.Available {
			return nil
		}
		evt.Type = models.EventNewProduct
	case !prev.Available && current.Available:
		evt.Type = models.EventRestock
	case current.Available && len(prev.Sizes) == 0 && len(current.Sizes) > 0:
		evt.Type = models.EventRestock
	case prev.Available && current.Available && !sameSizes(prev.Sizes, current.Sizes):
		evt.Type = models.EventSizeChange
	case prev.Available && current.Available && !prev.Price.Equal(current.Price):
		evt.Type = models.EventPriceChange
	default:
		return nil
	}
	return evt
}

func sameSizes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

func priorityFor(confidence float64) models.Priority {
	switch {
	case confidence >= 0.9:
		return models.PriorityHigh
	case confidence >= 0.6:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func (m *Monitor) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.setState(StateError)
}

// LastError returns the most recent tick error, if any.
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Stop signals the poll loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}
