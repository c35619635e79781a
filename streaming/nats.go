package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NatsPublisher fans ProductEvents and webhook events out over a NATS
// subject per topic, for deployments that need delivery beyond this
// process (a second checkout worker, a dashboard consumer, an alerting
// bridge). It satisfies Publisher; subscribing back in is left to
// whatever consumes the subject directly since NATS already gives every
// subscriber their own queue semantics.
type NatsPublisher struct {
	conn    *nats.Conn
	source  string
	subject func(topic string) string
}

// NewNatsPublisher dials url (e.g. "nats://localhost:4222") and prefixes
// every topic with "phantom." to form the NATS subject.
func NewNatsPublisher(url, source string) (*NatsPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("phantom-core"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{
		conn:   conn,
		source: source,
		subject: func(topic string) string {
			return "phantom." + topic
		},
	}, nil
}

func (p *NatsPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
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
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject(topic), eventBytes)
}

func (p *NatsPublisher) Close() error {
	p.conn.Drain()
	return nil
}
