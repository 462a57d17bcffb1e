package models

import "time"

// History outcome labels. A record is appended exactly once per terminal send
// attempt and only ever mutated by appending engagement timestamps.
const (
	HistoryOutcomeSent   = "sent"
	HistoryOutcomeFailed = "failed"
)

// HistoryRecord is the append-only audit entry for a completed send attempt.
// TrackingCode is unique per record: for email it is an opaque generated code
// embedded in pixel and link URLs; for WhatsApp it is the provider message id
// so asynchronous status callbacks correlate directly. Engagement timestamps
// follow first-write-wins semantics; ClickCount accumulates across repeat
// clicks.
type HistoryRecord struct {
	ID                string     `json:"id"`
	QueueItemID       string     `json:"queue_item_id"`
	Channel           string     `json:"channel"`
	Destination       string     `json:"destination"`
	Outcome           string     `json:"outcome"`
	Error             string     `json:"error,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	ProviderRaw       string     `json:"provider_raw,omitempty"`
	TrackingCode      string     `json:"tracking_code"`
	Entity            *EntityRef `json:"entity,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	ClickedAt         *time.Time `json:"clicked_at,omitempty"`
	OpenIP            string     `json:"open_ip,omitempty"`
	OpenUserAgent     string     `json:"open_user_agent,omitempty"`
	ClickIP           string     `json:"click_ip,omitempty"`
	ClickUserAgent    string     `json:"click_user_agent,omitempty"`
	ClickCount        int        `json:"click_count"`
	CreatedAt         time.Time  `json:"created_at"`
}

// HistoryFilter narrows history listings. Zero values are ignored.
type HistoryFilter struct {
	Channel     string
	Destination string
	Outcome     string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// ChannelStats summarises delivery and engagement for a channel over a
// period. Rates are expressed as fractions of Sent in the 0..1 range.
type ChannelStats struct {
	Channel       string  `json:"channel"`
	Sent          int     `json:"sent"`
	Failed        int     `json:"failed"`
	Delivered     int     `json:"delivered"`
	Opened        int     `json:"opened"`
	Clicked       int     `json:"clicked"`
	DeliveredRate float64 `json:"delivered_rate"`
	OpenRate      float64 `json:"open_rate"`
	ClickRate     float64 `json:"click_rate"`
}
