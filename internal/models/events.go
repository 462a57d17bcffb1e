package models

import "time"

// Delivery event types emitted on the status stream.
const (
	EventSent      = "sent"
	EventFailed    = "failed"
	EventDelivered = "delivered"
	EventOpened    = "opened"
	EventClicked   = "clicked"
)

// DeliveryEvent is the lifecycle record published for every terminal send
// outcome and every first engagement occurrence. Consumers that own the
// originating business entity subscribe to these to attach outcomes (for
// example marking an order's confirmation as opened).
type DeliveryEvent struct {
	Type              string     `json:"type"`
	Channel           string     `json:"channel"`
	QueueItemID       string     `json:"queue_item_id,omitempty"`
	TrackingCode      string     `json:"tracking_code,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Destination       string     `json:"destination,omitempty"`
	Entity            *EntityRef `json:"entity,omitempty"`
	Error             string     `json:"error,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}
