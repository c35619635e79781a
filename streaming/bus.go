package streaming

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-process Publisher/Subscriber combining fan-out with a
// fixed-size ring buffer, used by the Monitor Engine (ProductEvent
// fan-out) and the Webhook Ingress (handler dispatch). Handler
// panics/errors are isolated per-subscriber so one bad subscriber cannot
// wedge publication for the others.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]func(Event)
	ring        []Event
	ringCap     int
	source      string
}

// NewBus returns a Bus with a ring buffer capped at ringCap events.
func NewBus(source string, ringCap int) *Bus {
	if ringCap <= 0 {
		ringCap = 500
	}
	return &Bus{
		subscribers: make(map[string][]func(Event)),
		ringCap:     ringCap,
		source:      source,
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    b.source,
	}

	b.mu.Lock()
	b.ring = append(b.ring, event)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
	handlers := append([]func(Event){}, b.subscribers[topic]...)
	handlers = append(handlers, b.subscribers["*"]...)
	b.mu.Unlock()

	for _, h := range handlers {
		b.safeCall(h, event)
	}
	return nil
}

func (b *Bus) safeCall(h func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[streaming] subscriber panic on topic %s: %v", event.Topic, r)
		}
	}()
	h(event)
}

type subscription struct {
	bus   *Bus
	topic string
	idx   int
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subscribers[s.topic]
	if s.idx < 0 || s.idx >= len(list) {
		return nil
	}
	s.bus.subscribers[s.topic] = append(list[:s.idx], list[s.idx+1:]...)
	return nil
}

func (b *Bus) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	return &subscription{bus: b, topic: topic, idx: len(b.subscribers[topic]) - 1}, nil
}

// Recent returns up to limit most-recent events, newest last.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.ring) {
		limit = len(b.ring)
	}
	out := make([]Event, limit)
	copy(out, b.ring[len(b.ring)-limit:])
	return out
}

func (b *Bus) Close() error { return nil }
