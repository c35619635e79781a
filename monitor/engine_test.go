package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/streaming"
)

// sequenceFetcher returns each tick's observation list in order, then
// repeats the last one forever.
type sequenceFetcher struct {
	mu    sync.Mutex
	ticks [][]*models.ProductObservation
	idx   int
}

func (f *sequenceFetcher) Fetch(ctx context.Context, target string) ([]*models.ProductObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.idx
	if i >= len(f.ticks) {
		i = len(f.ticks) - 1
	} else {
		f.idx++
	}
	return f.ticks[i], nil
}

// A monitor observing sizes [] then ["10","10.5"] for the same URL
// emits a restock event at tick 2.
func TestMonitorEmitsRestockOnce(t *testing.T) {
	price := decimal.NewFromInt(150)
	fetcher := &sequenceFetcher{ticks: [][]*models.ProductObservation{
		{{URL: "https://shop.com/p", Title: "Air Jordan 1", SKU: "AJ1", Price: price, Available: false, Sizes: nil, ObservedAt: time.Now()}},
		{{URL: "https://shop.com/p", Title: "Air Jordan 1", SKU: "AJ1", Price: price, Available: true, Sizes: []string{"10", "10.5"}, ObservedAt: time.Now()}},
	}}

	bus := streaming.NewBus("monitor-test", 50)
	cfg := Config{Source: "TestStore", Target: "https://shop.com/p", Delay: 5 * time.Millisecond, JitterFrac: 0, MinPriority: models.PriorityLow}
	m := New("mon-1", cfg, fetcher, NewMatcher(ParseKeywordString("")), bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Several ticks run at a 5ms Delay; ticks after the second repeat
	// its observation, so only the second one changes anything.
	time.Sleep(40 * time.Millisecond)
	m.Stop()
	cancel()
	<-done

	recent := bus.Recent(10)
	var restocks int
	for _, e := range recent {
		if e.Topic == "product_event" {
			var evt models.ProductEvent
			require.NoError(t, json.Unmarshal(e.Payload, &evt))
			assert.Equal(t, models.EventRestock, evt.Type)
			restocks++
		}
	}
	assert.Equal(t, 1, restocks)
}

// A product URL that first appears on a later scan of the storefront
// is still classified as new_product — per-URL tracking means a
// growing catalog keeps producing first-sighting events for the life
// of the monitor.
func TestMonitorDetectsProductAppearingAfterStart(t *testing.T) {
	price := decimal.NewFromInt(200)
	existing := &models.ProductObservation{URL: "https://shop.com/old", Title: "Dunk Low", Price: price, Available: true, Sizes: []string{"9"}, ObservedAt: time.Now()}
	newcomer := &models.ProductObservation{URL: "https://shop.com/new", Title: "Air Jordan 4", Price: price, Available: true, Sizes: []string{"8", "9"}, ObservedAt: time.Now()}
	fetcher := &sequenceFetcher{ticks: [][]*models.ProductObservation{
		{existing},
		{existing, newcomer},
	}}

	bus := streaming.NewBus("monitor-test", 50)
	cfg := Config{Source: "TestStore", Target: "https://shop.com", Delay: 5 * time.Millisecond, JitterFrac: 0, MinPriority: models.PriorityLow}
	m := New("mon-2", cfg, fetcher, NewMatcher(ParseKeywordString("+jordan")), bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(40 * time.Millisecond)
	m.Stop()
	cancel()
	<-done

	var newProducts int
	for _, e := range bus.Recent(10) {
		if e.Topic == "product_event" {
			var evt models.ProductEvent
			require.NoError(t, json.Unmarshal(e.Payload, &evt))
			if evt.Type == models.EventNewProduct && evt.Observation.URL == "https://shop.com/new" {
				newProducts++
			}
		}
	}
	assert.Equal(t, 1, newProducts, "the newcomer must emit exactly one new_product event")
}

// The tick-to-tick wait is the base delay on a normal tick, the
// configured error delay after a plain error, and double that after a
// rate-limited tick.
func TestMonitorNextDelayVariesByOutcome(t *testing.T) {
	m := &Monitor{cfg: Config{Delay: 30 * time.Second, ErrorDelay: 10 * time.Second}}

	m.state = StateRunning
	assert.Equal(t, 30*time.Second, m.nextDelay(30*time.Second, 10*time.Second))

	m.state = StateError
	assert.Equal(t, 10*time.Second, m.nextDelay(30*time.Second, 10*time.Second))

	m.state = StateRateLimited
	assert.Equal(t, 20*time.Second, m.nextDelay(30*time.Second, 10*time.Second))
}

func TestMonitorClassifyTransitions(t *testing.T) {
	m := &Monitor{cfg: Config{Source: "s"}}

	newProduct := m.classify(nil, &models.ProductObservation{Available: true})
	require.NotNil(t, newProduct)
	assert.Equal(t, models.EventNewProduct, newProduct.Type)

	noEventForUnavailableFirstSeen := m.classify(nil, &models.ProductObservation{Available: false})
	assert.Nil(t, noEventForUnavailableFirstSeen)

	restock := m.classify(
		&models.ProductObservation{Available: false, Sizes: nil},
		&models.ProductObservation{Available: true, Sizes: []string{"9"}},
	)
	require.NotNil(t, restock)
	assert.Equal(t, models.EventRestock, restock.Type)

	// A listed-but-sizeless product gaining sizes is a restock, not a
	// size change.
	sizesAppear := m.classify(
		&models.ProductObservation{Available: true, Sizes: nil},
		&models.ProductObservation{Available: true, Sizes: []string{"9"}},
	)
	require.NotNil(t, sizesAppear)
	assert.Equal(t, models.EventRestock, sizesAppear.Type)

	sizeChange := m.classify(
		&models.ProductObservation{Available: true, Sizes: []string{"9"}},
		&models.ProductObservation{Available: true, Sizes: []string{"10"}},
	)
	require.NotNil(t, sizeChange)
	assert.Equal(t, models.EventSizeChange, sizeChange.Type)

	priceChange := m.classify(
		&models.ProductObservation{Available: true, Sizes: []string{"9"}, Price: decimal.NewFromInt(100)},
		&models.ProductObservation{Available: true, Sizes: []string{"9"}, Price: decimal.NewFromInt(120)},
	)
	require.NotNil(t, priceChange)
	assert.Equal(t, models.EventPriceChange, priceChange.Type)
}
