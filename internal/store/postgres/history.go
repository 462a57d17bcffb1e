package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/store"
)

const historyColumns = `id, queue_item_id, channel, destination, outcome, error,
	provider_message_id, provider_raw, tracking_code, entity_type, entity_id,
	sent_at, delivered_at, opened_at, clicked_at,
	open_ip, open_user_agent, click_ip, click_user_agent, click_count, created_at`

// HistoryStore implements store.HistoryStore on Postgres. Engagement updates
// are expressed as conditional "set when null" statements so duplicate
// tracking requests and replayed webhooks collapse into a single effect.
type HistoryStore struct {
	db *DB
}

func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) Append(ctx context.Context, rec *models.HistoryRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var entityType, entityID string
	if rec.Entity != nil {
		entityType, entityID = rec.Entity.Type, rec.Entity.ID
	}

	query := `
		INSERT INTO delivery_history (id, queue_item_id, channel, destination, outcome, error,
			provider_message_id, provider_raw, tracking_code, entity_type, entity_id,
			sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Pool.Exec(ctx, query,
		rec.ID, rec.QueueItemID, rec.Channel, rec.Destination, rec.Outcome, rec.Error,
		rec.ProviderMessageID, rec.ProviderRaw, rec.TrackingCode, entityType, entityID,
		rec.SentAt, rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("append history record: %w", err)
	}
	return rec.ID, nil
}

func (s *HistoryStore) GetByTrackingCode(ctx context.Context, code string) (*models.HistoryRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM delivery_history WHERE tracking_code = $1`, historyColumns)
	return s.get(ctx, query, code)
}

func (s *HistoryStore) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.HistoryRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM delivery_history WHERE provider_message_id = $1 ORDER BY created_at DESC LIMIT 1`, historyColumns)
	return s.get(ctx, query, providerMessageID)
}

func (s *HistoryStore) get(ctx context.Context, query string, arg any) (*models.HistoryRecord, error) {
	rec, err := scanHistoryRecord(s.db.Pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get history record: %w", err)
	}
	return rec, nil
}

// MarkOpened sets opened_at exactly once. The result reports whether this
// call won the first write.
func (s *HistoryStore) MarkOpened(ctx context.Context, code, ip, userAgent string, at time.Time) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE delivery_history
		SET opened_at = $2, open_ip = $3, open_user_agent = $4
		WHERE tracking_code = $1 AND opened_at IS NULL
	`, code, at, ip, userAgent)
	if err != nil {
		return false, fmt.Errorf("mark opened: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordClick always increments the click counter; clicked_at and the client
// attributes keep their first-written values. The result is true only for
// the click that set clicked_at.
func (s *HistoryStore) RecordClick(ctx context.Context, code, ip, userAgent string, at time.Time) (bool, error) {
	var first bool
	err := s.db.Pool.QueryRow(ctx, `
		UPDATE delivery_history
		SET clicked_at = COALESCE(clicked_at, $2),
			click_ip = CASE WHEN clicked_at IS NULL THEN $3 ELSE click_ip END,
			click_user_agent = CASE WHEN clicked_at IS NULL THEN $4 ELSE click_user_agent END,
			click_count = click_count + 1
		WHERE tracking_code = $1
		RETURNING clicked_at = $2
	`, code, at, ip, userAgent).Scan(&first)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("record click: %w", err)
	}
	return first, nil
}

func (s *HistoryStore) MarkDelivered(ctx context.Context, providerMessageID string, at time.Time) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE delivery_history
		SET delivered_at = $2
		WHERE provider_message_id = $1 AND delivered_at IS NULL
	`, providerMessageID, at)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *HistoryStore) MarkDeliveryFailed(ctx context.Context, providerMessageID, reason string, at time.Time) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE delivery_history
		SET outcome = $2, error = $3
		WHERE provider_message_id = $1 AND outcome <> $2
	`, providerMessageID, models.HistoryOutcomeFailed, reason)
	if err != nil {
		return false, fmt.Errorf("mark delivery failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *HistoryStore) List(ctx context.Context, filter models.HistoryFilter) ([]models.HistoryRecord, error) {
	where, args := historyWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM delivery_history %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		historyColumns, where, limit, filter.Offset)

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []models.HistoryRecord
	for rows.Next() {
		rec, err := scanHistoryRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *HistoryStore) Count(ctx context.Context, filter models.HistoryFilter) (int, error) {
	where, args := historyWhere(filter)
	var count int
	err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_history `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

func (s *HistoryStore) CountSentSince(ctx context.Context, channel string, since time.Time) (int, error) {
	var count int
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM delivery_history
		WHERE channel = $1 AND sent_at IS NOT NULL AND sent_at >= $2
	`, channel, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent since: %w", err)
	}
	return count, nil
}

func (s *HistoryStore) Stats(ctx context.Context, channel string, from, to time.Time) (*models.ChannelStats, error) {
	stats := &models.ChannelStats{Channel: channel}
	err := s.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE outcome = $2),
			COUNT(*) FILTER (WHERE outcome = $3),
			COUNT(delivered_at),
			COUNT(opened_at),
			COUNT(clicked_at)
		FROM delivery_history
		WHERE channel = $1 AND created_at >= $4 AND created_at < $5
	`, channel, models.HistoryOutcomeSent, models.HistoryOutcomeFailed, from, to).Scan(
		&stats.Sent, &stats.Failed, &stats.Delivered, &stats.Opened, &stats.Clicked,
	)
	if err != nil {
		return nil, fmt.Errorf("channel stats: %w", err)
	}

	if stats.Sent > 0 {
		stats.DeliveredRate = float64(stats.Delivered) / float64(stats.Sent)
		stats.OpenRate = float64(stats.Opened) / float64(stats.Sent)
		stats.ClickRate = float64(stats.Clicked) / float64(stats.Sent)
	}
	return stats, nil
}

func (s *HistoryStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM delivery_history WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func historyWhere(filter models.HistoryFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Channel != "" {
		add("channel = $%d", filter.Channel)
	}
	if filter.Destination != "" {
		add("destination = $%d", filter.Destination)
	}
	if filter.Outcome != "" {
		add("outcome = $%d", filter.Outcome)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func scanHistoryRecord(row pgx.Row) (*models.HistoryRecord, error) {
	var rec models.HistoryRecord
	var entityType, entityID string
	err := row.Scan(
		&rec.ID, &rec.QueueItemID, &rec.Channel, &rec.Destination, &rec.Outcome, &rec.Error,
		&rec.ProviderMessageID, &rec.ProviderRaw, &rec.TrackingCode, &entityType, &entityID,
		&rec.SentAt, &rec.DeliveredAt, &rec.OpenedAt, &rec.ClickedAt,
		&rec.OpenIP, &rec.OpenUserAgent, &rec.ClickIP, &rec.ClickUserAgent,
		&rec.ClickCount, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if entityType != "" || entityID != "" {
		rec.Entity = &models.EntityRef{Type: entityType, ID: entityID}
	}
	return &rec, nil
}
