// Package store defines the persistence contracts for queue items, history
// records and per-channel settings. Implementations must make every status
// transition a single atomic write so concurrent dispatcher runs and tracking
// requests never race on the same record.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/delivery-engine/internal/models"
)

var (
	// ErrNotFound is returned when a queue item, history record or setting
	// does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidState is returned when a transition is requested from a
	// status that does not admit it, e.g. cancelling a processing item.
	ErrInvalidState = errors.New("store: invalid state for operation")
)

// QueueStore persists pending send requests for one or more channels.
//
// FetchBatch is the claim step of the dispatcher: it must atomically flip up
// to limit pending items to processing and return them, such that two
// concurrent calls never yield overlapping sets. MarkSent, Requeue and
// MarkFailed each count as one attempt and record the attempt timestamp.
type QueueStore interface {
	Enqueue(ctx context.Context, item *models.QueueItem) (string, error)
	GetByID(ctx context.Context, id string) (*models.QueueItem, error)
	FetchBatch(ctx context.Context, channel string, limit int) ([]models.QueueItem, error)
	MarkSent(ctx context.Context, id, providerMessageID string) error
	Requeue(ctx context.Context, id, reason string) error
	MarkFailed(ctx context.Context, id, reason string) error
	Cancel(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, channel string, status models.Status, limit, offset int) ([]models.QueueItem, error)
	CountByStatus(ctx context.Context, channel string, status models.Status) (int, error)
	// RequeueStale resets items stuck in processing since before the cutoff
	// back to pending. Covers dispatcher crashes mid-batch.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
	// PurgeTerminal removes sent, failed and cancelled items older than the
	// cutoff. History records are retained separately.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// HistoryStore is the append-only audit log of send attempts and their
// delivery/engagement events. The Mark* and RecordClick operations are
// atomic set-if-null updates; the boolean result reports whether this call
// performed the first write, which is what gates entity-side propagation.
type HistoryStore interface {
	Append(ctx context.Context, rec *models.HistoryRecord) (string, error)
	GetByTrackingCode(ctx context.Context, code string) (*models.HistoryRecord, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.HistoryRecord, error)
	MarkOpened(ctx context.Context, code, ip, userAgent string, at time.Time) (bool, error)
	RecordClick(ctx context.Context, code, ip, userAgent string, at time.Time) (bool, error)
	MarkDelivered(ctx context.Context, providerMessageID string, at time.Time) (bool, error)
	MarkDeliveryFailed(ctx context.Context, providerMessageID, reason string, at time.Time) (bool, error)
	List(ctx context.Context, filter models.HistoryFilter) ([]models.HistoryRecord, error)
	Count(ctx context.Context, filter models.HistoryFilter) (int, error)
	// CountSentSince reports how many sends completed for the channel since
	// the given instant. The dispatcher derives its remaining rate budget
	// from this.
	CountSentSince(ctx context.Context, channel string, since time.Time) (int, error)
	Stats(ctx context.Context, channel string, from, to time.Time) (*models.ChannelStats, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// SettingStore holds per-channel key/value configuration entries.
type SettingStore interface {
	Get(ctx context.Context, channel, key string) (string, bool, error)
	Set(ctx context.Context, channel, key, value string) error
	All(ctx context.Context, channel string) (map[string]string, error)
}
