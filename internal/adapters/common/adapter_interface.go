package common

import (
	"context"

	"github.com/example/delivery-engine/internal/models"
)

// Adapter defines the behaviour required from channel adapters. Adapters are
// responsible for converting a queue item into the provider specific payload
// and returning a normalized ProviderResponse alongside error classification:
// returned errors wrap ErrTransient or ErrPermanent so the dispatcher can
// decide between a retry and a terminal failure.
type Adapter interface {
	Send(ctx context.Context, item *models.QueueItem) (*ProviderResponse, error)
}
