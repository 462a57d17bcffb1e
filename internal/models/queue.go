package models

import "time"

// Channel identifiers for the supported messaging transports.
const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"
)

// Channels lists every transport the engine dispatches for.
var Channels = []string{ChannelEmail, ChannelWhatsApp}

// Status enumerates the lifecycle states of a queue item. Transitions are
// monotonic along pending -> processing -> (sent | failed); pending items may
// additionally be cancelled before a dispatcher claims them, and transient
// failures move a processing item back to pending until the attempt budget is
// exhausted.
type Status int

const (
	StatusCancelled  Status = 0
	StatusPending    Status = 1
	StatusProcessing Status = 2
	StatusSent       Status = 3
	StatusFailed     Status = 4
)

// String returns the lowercase label used in logs and API responses.
func (s Status) String() string {
	switch s {
	case StatusCancelled:
		return "cancelled"
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// ParseStatus resolves a status label back to its numeric value.
func ParseStatus(label string) (Status, bool) {
	switch label {
	case "cancelled":
		return StatusCancelled, true
	case "pending":
		return StatusPending, true
	case "processing":
		return StatusProcessing, true
	case "sent":
		return StatusSent, true
	case "failed":
		return StatusFailed, true
	default:
		return 0, false
	}
}

// Body content types shared by both channels.
const (
	BodyTypeText  = "text"
	BodyTypeHTML  = "html"
	BodyTypeMedia = "media"
)

// EntityRef is an opaque correlation to the business entity that produced a
// send request. The engine never interprets it beyond attaching delivery
// outcomes to it.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// QueueItem is a persisted, not-yet-resolved send request. Destination holds
// an email address for the email channel and an E.164 phone number for
// WhatsApp. Subject is only meaningful for email; MediaURL only for WhatsApp
// media messages.
type QueueItem struct {
	ID                string     `json:"id"`
	Channel           string     `json:"channel"`
	Destination       string     `json:"destination"`
	Subject           string     `json:"subject,omitempty"`
	Body              string     `json:"body"`
	BodyType          string     `json:"body_type"`
	MediaURL          string     `json:"media_url,omitempty"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"last_error,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Entity            *EntityRef `json:"entity,omitempty"`
	EnqueuedAt        time.Time  `json:"enqueued_at"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
