package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/store"
	"github.com/example/delivery-engine/internal/util"
)

const queueColumns = `id, channel, destination, subject, body, body_type, media_url,
	status, attempts, last_error, provider_message_id, entity_type, entity_id,
	enqueued_at, last_attempt_at, updated_at`

// QueueStore implements store.QueueStore on Postgres.
type QueueStore struct {
	db *DB
}

func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) Enqueue(ctx context.Context, item *models.QueueItem) (string, error) {
	destination, err := util.NormalizeDestination(item.Channel, item.Destination)
	if err != nil {
		return "", fmt.Errorf("enqueue queue item: %w", err)
	}
	item.Destination = destination

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == 0 {
		item.Status = models.StatusPending
	}
	now := time.Now().UTC()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	item.UpdatedAt = now

	var entityType, entityID string
	if item.Entity != nil {
		entityType, entityID = item.Entity.Type, item.Entity.ID
	}

	query := `
		INSERT INTO queue_items (id, channel, destination, subject, body, body_type, media_url,
			status, attempts, last_error, provider_message_id, entity_type, entity_id,
			enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.db.Pool.Exec(ctx, query,
		item.ID, item.Channel, item.Destination, item.Subject, item.Body, item.BodyType,
		item.MediaURL, item.Status, item.Attempts, item.LastError, item.ProviderMessageID,
		entityType, entityID, item.EnqueuedAt, item.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue queue item: %w", err)
	}
	return item.ID, nil
}

func (s *QueueStore) GetByID(ctx context.Context, id string) (*models.QueueItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_items WHERE id = $1`, queueColumns)
	item, err := scanQueueItem(s.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// FetchBatch claims up to limit pending items oldest first. The claim is a
// single UPDATE over a SKIP LOCKED subselect, so overlapping dispatcher runs
// each see a disjoint set.
func (s *QueueStore) FetchBatch(ctx context.Context, channel string, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		UPDATE queue_items
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE channel = $2 AND status = $3
			ORDER BY enqueued_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, queueColumns)

	rows, err := s.db.Pool.Query(ctx, query, models.StatusProcessing, channel, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch batch: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *QueueStore) MarkSent(ctx context.Context, id, providerMessageID string) error {
	query := `
		UPDATE queue_items
		SET status = $1, attempts = attempts + 1, provider_message_id = $2,
			last_error = '', last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	return s.transition(ctx, id, query, models.StatusSent, providerMessageID, id, models.StatusProcessing)
}

func (s *QueueStore) Requeue(ctx context.Context, id, reason string) error {
	query := `
		UPDATE queue_items
		SET status = $1, attempts = attempts + 1, last_error = $2,
			last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	return s.transition(ctx, id, query, models.StatusPending, reason, id, models.StatusProcessing)
}

func (s *QueueStore) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE queue_items
		SET status = $1, attempts = attempts + 1, last_error = $2,
			last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	return s.transition(ctx, id, query, models.StatusFailed, reason, id, models.StatusProcessing)
}

// Cancel succeeds only while the item is still pending.
func (s *QueueStore) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE queue_items
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	return s.transition(ctx, id, query, models.StatusCancelled, id, models.StatusPending)
}

func (s *QueueStore) transition(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update queue item status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No row matched: either the item is gone or it is in the wrong state.
	var status models.Status
	err = s.db.Pool.QueryRow(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect queue item status: %w", err)
	}
	return fmt.Errorf("%w: item %s is %s", store.ErrInvalidState, id, status)
}

func (s *QueueStore) ListByStatus(ctx context.Context, channel string, status models.Status, limit, offset int) ([]models.QueueItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM queue_items
		WHERE channel = $1 AND status = $2
		ORDER BY enqueued_at DESC
		LIMIT $3 OFFSET $4
	`, queueColumns)

	rows, err := s.db.Pool.Query(ctx, query, channel, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *QueueStore) CountByStatus(ctx context.Context, channel string, status models.Status) (int, error) {
	var count int
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE channel = $1 AND status = $2`,
		channel, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return count, nil
}

func (s *QueueStore) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, models.StatusPending, models.StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *QueueStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM queue_items
		WHERE status IN ($1, $2, $3) AND updated_at < $4
	`, models.StatusSent, models.StatusFailed, models.StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanQueueItem(row pgx.Row) (*models.QueueItem, error) {
	var item models.QueueItem
	var entityType, entityID string
	err := row.Scan(
		&item.ID, &item.Channel, &item.Destination, &item.Subject, &item.Body,
		&item.BodyType, &item.MediaURL, &item.Status, &item.Attempts, &item.LastError,
		&item.ProviderMessageID, &entityType, &entityID,
		&item.EnqueuedAt, &item.LastAttemptAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if entityType != "" || entityID != "" {
		item.Entity = &models.EntityRef{Type: entityType, ID: entityID}
	}
	return &item, nil
}
