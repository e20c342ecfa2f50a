package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stackpool/savingsd/internal/depositevent"
)

// EventProducer publishes deposit lifecycle events. Every payload is checked
// against the deposit event schema before it leaves the process, so consumers
// never see a record that does not parse.
type EventProducer struct {
	producer Producer
	topic    string
}

func NewEventProducer(p Producer, topic string) (*EventProducer, error) {
	if p == nil {
		return nil, errors.New("queue: event producer requires a producer")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = depositevent.DefaultTopic
	}
	return &EventProducer{producer: p, topic: topic}, nil
}

// Publish validates and publishes one deposit event.
func (e *EventProducer) Publish(ctx context.Context, p depositevent.Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("queue: encode deposit event: %w", err)
	}
	if _, err := depositevent.ParsePayload(raw); err != nil {
		return err
	}
	return e.producer.Publish(ctx, e.topic, raw)
}

// PublishRaw validates an already-encoded deposit event and publishes it
// byte for byte, for replay and backfill tooling.
func (e *EventProducer) PublishRaw(ctx context.Context, raw []byte) error {
	if _, err := depositevent.ParsePayload(bytes.TrimSpace(raw)); err != nil {
		return err
	}
	return e.producer.Publish(ctx, e.topic, raw)
}

func (e *EventProducer) Topic() string { return e.topic }

func (e *EventProducer) Close() error { return e.producer.Close() }

// Event is one decoded deposit event plus the queue bookkeeping needed to
// acknowledge it.
type Event struct {
	Payload depositevent.Payload
	Topic   string

	msg Message
}

func (e Event) Ack(ctx context.Context) error { return e.msg.Ack(ctx) }

// EventConsumer decodes deposit events off a queue consumer. Records that do
// not parse surface on Errors and stay unacknowledged; blank records are
// dropped.
type EventConsumer struct {
	consumer Consumer
	events   chan Event
	errs     chan error
}

func NewEventConsumer(c Consumer) (*EventConsumer, error) {
	if c == nil {
		return nil, errors.New("queue: event consumer requires a consumer")
	}
	ec := &EventConsumer{
		consumer: c,
		events:   make(chan Event, 16),
		errs:     make(chan error, 8),
	}
	go ec.run()
	return ec, nil
}

func (ec *EventConsumer) run() {
	defer close(ec.events)
	defer close(ec.errs)

	msgs := ec.consumer.Messages()
	errs := ec.consumer.Errors()
	for msgs != nil || errs != nil {
		select {
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			raw := bytes.TrimSpace(m.Value)
			if len(raw) == 0 {
				continue
			}
			p, err := depositevent.ParsePayload(raw)
			if err != nil {
				ec.errs <- fmt.Errorf("queue: deposit event on %q: %w", m.Topic, err)
				continue
			}
			ec.events <- Event{Payload: p, Topic: m.Topic, msg: m}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			ec.errs <- err
		}
	}
}

// Events delivers decoded deposit events. The channel closes after Close or
// once the underlying consumer is exhausted.
func (ec *EventConsumer) Events() <-chan Event { return ec.events }

func (ec *EventConsumer) Errors() <-chan error { return ec.errs }

func (ec *EventConsumer) Close() error { return ec.consumer.Close() }
