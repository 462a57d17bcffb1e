package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/delivery-engine/internal/models"
)

type recordingProducer struct {
	topic   string
	key     []byte
	headers map[string][]byte
	payload []byte
	calls   int
	err     error
}

func (p *recordingProducer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	p.calls++
	p.topic = topic
	p.key = key
	p.headers = headers
	p.payload = payload
	return p.err
}

func TestPublisherKeysByQueueItem(t *testing.T) {
	prod := &recordingProducer{}
	pub := NewPublisher(prod, "delivery.events", zerolog.Nop())

	event := models.DeliveryEvent{
		Type:        models.EventSent,
		Channel:     models.ChannelEmail,
		QueueItemID: "item-1",
		Destination: "buyer@example.com",
	}
	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	if prod.topic != "delivery.events" || string(prod.key) != "item-1" {
		t.Fatalf("unexpected routing: topic=%q key=%q", prod.topic, prod.key)
	}
	if string(prod.headers["content-type"]) != "application/json" {
		t.Fatalf("unexpected headers: %+v", prod.headers)
	}

	var decoded models.DeliveryEvent
	if err := json.Unmarshal(prod.payload, &decoded); err != nil {
		t.Fatalf("payload is not valid json: %v", err)
	}
	if decoded.Type != models.EventSent || decoded.QueueItemID != "item-1" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestNilPublisherDropsEvents(t *testing.T) {
	var pub *Publisher
	if err := pub.Publish(context.Background(), models.DeliveryEvent{Type: models.EventSent}); err != nil {
		t.Fatalf("expected nil publisher to be a no-op, got %v", err)
	}
	if NewPublisher(nil, "topic", zerolog.Nop()) != nil {
		t.Fatalf("expected nil publisher without a producer")
	}
}

func TestPublisherWrapsProducerError(t *testing.T) {
	wantErr := errors.New("broker unavailable")
	pub := NewPublisher(&recordingProducer{err: wantErr}, "delivery.events", zerolog.Nop())

	err := pub.Publish(context.Background(), models.DeliveryEvent{QueueItemID: "x"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped producer error, got %v", err)
	}
}

func TestHookPublisherSkipsEventsWithoutEntity(t *testing.T) {
	prod := &recordingProducer{}
	pub := NewHookPublisher(prod, "delivery.hooks", zerolog.Nop())

	if err := pub.Publish(context.Background(), models.DeliveryEvent{Type: models.EventSent}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prod.calls != 0 {
		t.Fatalf("expected entity-less event to be skipped")
	}

	event := models.DeliveryEvent{
		Type:   models.EventDelivered,
		Entity: &models.EntityRef{Type: "invoice", ID: "7"},
	}
	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prod.calls != 1 || string(prod.key) != "invoice:7" {
		t.Fatalf("expected hook keyed by entity, got calls=%d key=%q", prod.calls, prod.key)
	}
}
