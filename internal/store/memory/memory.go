// Package memory provides mutex-guarded in-memory implementations of the
// store contracts. They honour the same atomicity guarantees as the Postgres
// stores and back local development and the test suite, mirroring how the
// provider packages ship deterministic mocks.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/store"
	"github.com/example/delivery-engine/internal/util"
)

// QueueStore is an in-memory store.QueueStore.
type QueueStore struct {
	mu    sync.Mutex
	items map[string]*models.QueueItem
}

func NewQueueStore() *QueueStore {
	return &QueueStore{items: make(map[string]*models.QueueItem)}
}

func (s *QueueStore) Enqueue(_ context.Context, item *models.QueueItem) (string, error) {
	destination, err := util.NormalizeDestination(item.Channel, item.Destination)
	if err != nil {
		return "", fmt.Errorf("enqueue queue item: %w", err)
	}
	item.Destination = destination

	s.mu.Lock()
	defer s.mu.Unlock()

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

	clone := *item
	s.items[item.ID] = &clone
	return item.ID, nil
}

func (s *QueueStore) GetByID(_ context.Context, id string) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *item
	return &clone, nil
}

func (s *QueueStore) FetchBatch(_ context.Context, channel string, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.QueueItem
	for _, item := range s.items {
		if item.Channel == channel && item.Status == models.StatusPending {
			pending = append(pending, item)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]models.QueueItem, 0, len(pending))
	for _, item := range pending {
		item.Status = models.StatusProcessing
		item.UpdatedAt = now
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

func (s *QueueStore) MarkSent(_ context.Context, id, providerMessageID string) error {
	return s.transition(id, models.StatusProcessing, func(item *models.QueueItem) {
		item.Status = models.StatusSent
		item.Attempts++
		item.ProviderMessageID = providerMessageID
		item.LastError = ""
	})
}

func (s *QueueStore) Requeue(_ context.Context, id, reason string) error {
	return s.transition(id, models.StatusProcessing, func(item *models.QueueItem) {
		item.Status = models.StatusPending
		item.Attempts++
		item.LastError = reason
	})
}

func (s *QueueStore) MarkFailed(_ context.Context, id, reason string) error {
	return s.transition(id, models.StatusProcessing, func(item *models.QueueItem) {
		item.Status = models.StatusFailed
		item.Attempts++
		item.LastError = reason
	})
}

func (s *QueueStore) Cancel(_ context.Context, id string) error {
	return s.transition(id, models.StatusPending, func(item *models.QueueItem) {
		item.Status = models.StatusCancelled
	})
}

func (s *QueueStore) transition(id string, required models.Status, apply func(*models.QueueItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	if item.Status != required {
		return fmt.Errorf("%w: item %s is %s", store.ErrInvalidState, id, item.Status)
	}

	apply(item)
	now := time.Now().UTC()
	if item.Status.Terminal() || item.Status == models.StatusPending {
		if item.Status != models.StatusCancelled {
			item.LastAttemptAt = &now
		}
	}
	item.UpdatedAt = now
	return nil
}

func (s *QueueStore) ListByStatus(_ context.Context, channel string, status models.Status, limit, offset int) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.QueueItem
	for _, item := range s.items {
		if item.Channel == channel && item.Status == status {
			matched = append(matched, *item)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].EnqueuedAt.After(matched[j].EnqueuedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *QueueStore) CountByStatus(_ context.Context, channel string, status models.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.items {
		if item.Channel == channel && item.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *QueueStore) RequeueStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.items {
		if item.Status == models.StatusProcessing && item.UpdatedAt.Before(cutoff) {
			item.Status = models.StatusPending
			item.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

func (s *QueueStore) PurgeTerminal(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, item := range s.items {
		if item.Status.Terminal() && item.UpdatedAt.Before(cutoff) {
			delete(s.items, id)
			count++
		}
	}
	return count, nil
}

// HistoryStore is an in-memory store.HistoryStore.
type HistoryStore struct {
	mu      sync.Mutex
	records []*models.HistoryRecord
	byCode  map[string]*models.HistoryRecord
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{byCode: make(map[string]*models.HistoryRecord)}
}

func (s *HistoryStore) Append(_ context.Context, rec *models.HistoryRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.byCode[rec.TrackingCode]; exists {
		return "", fmt.Errorf("tracking code %s already recorded", rec.TrackingCode)
	}

	clone := *rec
	s.records = append(s.records, &clone)
	s.byCode[rec.TrackingCode] = &clone
	return rec.ID, nil
}

func (s *HistoryStore) GetByTrackingCode(_ context.Context, code string) (*models.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *HistoryStore) GetByProviderMessageID(_ context.Context, providerMessageID string) (*models.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ProviderMessageID == providerMessageID {
			clone := *s.records[i]
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *HistoryStore) MarkOpened(_ context.Context, code, ip, userAgent string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byCode[code]
	if !ok {
		return false, store.ErrNotFound
	}
	if rec.OpenedAt != nil {
		return false, nil
	}
	ts := at
	rec.OpenedAt = &ts
	rec.OpenIP = ip
	rec.OpenUserAgent = userAgent
	return true, nil
}

func (s *HistoryStore) RecordClick(_ context.Context, code, ip, userAgent string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byCode[code]
	if !ok {
		return false, store.ErrNotFound
	}
	rec.ClickCount++
	if rec.ClickedAt != nil {
		return false, nil
	}
	ts := at
	rec.ClickedAt = &ts
	rec.ClickIP = ip
	rec.ClickUserAgent = userAgent
	return true, nil
}

func (s *HistoryStore) MarkDelivered(_ context.Context, providerMessageID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.ProviderMessageID == providerMessageID {
			if rec.DeliveredAt != nil {
				return false, nil
			}
			ts := at
			rec.DeliveredAt = &ts
			return true, nil
		}
	}
	return false, store.ErrNotFound
}

func (s *HistoryStore) MarkDeliveryFailed(_ context.Context, providerMessageID, reason string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.ProviderMessageID == providerMessageID {
			if rec.Outcome == models.HistoryOutcomeFailed {
				return false, nil
			}
			rec.Outcome = models.HistoryOutcomeFailed
			rec.Error = reason
			return true, nil
		}
	}
	return false, store.ErrNotFound
}

func (s *HistoryStore) List(_ context.Context, filter models.HistoryFilter) ([]models.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.filter(filter)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *HistoryStore) Count(_ context.Context, filter models.HistoryFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filter(filter)), nil
}

func (s *HistoryStore) filter(filter models.HistoryFilter) []models.HistoryRecord {
	var matched []models.HistoryRecord
	for _, rec := range s.records {
		if filter.Channel != "" && rec.Channel != filter.Channel {
			continue
		}
		if filter.Destination != "" && rec.Destination != filter.Destination {
			continue
		}
		if filter.Outcome != "" && rec.Outcome != filter.Outcome {
			continue
		}
		if !filter.From.IsZero() && rec.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !rec.CreatedAt.Before(filter.To) {
			continue
		}
		matched = append(matched, *rec)
	}
	return matched
}

func (s *HistoryStore) CountSentSince(_ context.Context, channel string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.records {
		if rec.Channel == channel && rec.SentAt != nil && !rec.SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *HistoryStore) Stats(_ context.Context, channel string, from, to time.Time) (*models.ChannelStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &models.ChannelStats{Channel: channel}
	for _, rec := range s.records {
		if rec.Channel != channel || rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		switch rec.Outcome {
		case models.HistoryOutcomeSent:
			stats.Sent++
		case models.HistoryOutcomeFailed:
			stats.Failed++
		}
		if rec.DeliveredAt != nil {
			stats.Delivered++
		}
		if rec.OpenedAt != nil {
			stats.Opened++
		}
		if rec.ClickedAt != nil {
			stats.Clicked++
		}
	}

	if stats.Sent > 0 {
		stats.DeliveredRate = float64(stats.Delivered) / float64(stats.Sent)
		stats.OpenRate = float64(stats.Opened) / float64(stats.Sent)
		stats.ClickRate = float64(stats.Clicked) / float64(stats.Sent)
	}
	return stats, nil
}

func (s *HistoryStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	count := 0
	for _, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.byCode, rec.TrackingCode)
			count++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return count, nil
}

// SettingStore is an in-memory store.SettingStore.
type SettingStore struct {
	mu     sync.Mutex
	values map[string]map[string]string
}

func NewSettingStore() *SettingStore {
	return &SettingStore{values: make(map[string]map[string]string)}
}

func (s *SettingStore) Get(_ context.Context, channel, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[channel][key]
	return value, ok, nil
}

func (s *SettingStore) Set(_ context.Context, channel, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.values[channel] == nil {
		s.values[channel] = make(map[string]string)
	}
	s.values[channel][key] = value
	return nil
}

func (s *SettingStore) All(_ context.Context, channel string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.values[channel]))
	for key, value := range s.values[channel] {
		out[key] = value
	}
	return out, nil
}
