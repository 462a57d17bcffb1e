package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/delivery-engine/internal/models"
)

var errProducerNotInitialised = errors.New("events publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the publishers.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// Publisher emits delivery lifecycle events to a Kafka topic. A nil Publisher
// is valid and drops every event, which keeps the engine usable without any
// Kafka cluster configured.
type Publisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewPublisher constructs a Publisher instance. Returns nil when no producer
// is supplied.
func NewPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *Publisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Publisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// Publish writes the supplied delivery event to Kafka synchronously. Events
// are keyed by queue item id so consumers see a given item's lifecycle in
// order.
func (p *Publisher) Publish(_ context.Context, event models.DeliveryEvent) error {
	if p == nil {
		return nil
	}
	if p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events publisher: marshal delivery event: %w", err)
	}

	headers := map[string][]byte{
		"content-type": []byte("application/json"),
	}

	if err := p.producer.PublishSync(p.topic, []byte(event.QueueItemID), headers, payload); err != nil {
		return fmt.Errorf("events publisher: publish delivery event: %w", err)
	}
	return nil
}

// HookPublisher forwards events that carry an entity reference to a separate
// topic consumed by the originating ERP modules (invoices, orders, tickets).
type HookPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewHookPublisher constructs a HookPublisher instance. Returns nil when no
// producer is supplied.
func NewHookPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *HookPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &HookPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// Publish forwards the event when it references an entity; events without an
// entity reference are silently skipped.
func (p *HookPublisher) Publish(_ context.Context, event models.DeliveryEvent) error {
	if p == nil {
		return nil
	}
	if p.producer == nil {
		return errProducerNotInitialised
	}
	if event.Entity == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events publisher: marshal hook event: %w", err)
	}

	headers := map[string][]byte{
		"content-type": []byte("application/json"),
	}

	key := []byte(event.Entity.Type + ":" + event.Entity.ID)
	if err := p.producer.PublishSync(p.topic, key, headers, payload); err != nil {
		return fmt.Errorf("events publisher: publish hook event: %w", err)
	}
	return nil
}
