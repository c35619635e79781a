package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// LogPublisher publishes every event as a structured JSON log line.
type LogPublisher struct {
	logger *log.Logger
	source string
}

func NewLogPublisher(source string) *LogPublisher {
	return &LogPublisher{logger: log.Default(), source: source}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    p.source,
	}

	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[streaming] publish %s: %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[streaming] log publisher closed")
	return nil
}
