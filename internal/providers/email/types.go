package email

import (
	"context"
	"time"
)

// Payload is the canonical representation of an outbound email passed to the
// provider. Each payload targets exactly one recipient; the queue keeps one
// item per destination.
type Payload struct {
	MessageID string
	From      string
	To        string
	Subject   string
	BodyType  string
	Body      string
	Headers   map[string]string
}

// RawResponse mirrors the low level provider response that adapters inspect to
// derive higher level ProviderResponse values.
type RawResponse struct {
	ID        string
	Code      int
	Body      string
	Timestamp time.Time
}

// Provider is the contract exposed by the email provider implementation.
type Provider interface {
	Send(ctx context.Context, payload *Payload) (*RawResponse, error)
}
