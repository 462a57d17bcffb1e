package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/store"
)

func enqueuePending(t *testing.T, s *QueueStore, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Enqueue(context.Background(), &models.QueueItem{
			Channel:     models.ChannelEmail,
			Destination: "buyer@example.com",
			Subject:     "subject",
			Body:        "body",
		})
		if err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestEnqueueRejectsInvalidDestination(t *testing.T) {
	s := NewQueueStore()
	if _, err := s.Enqueue(context.Background(), &models.QueueItem{
		Channel:     models.ChannelEmail,
		Destination: "not-an-address",
	}); err == nil {
		t.Fatalf("expected enqueue to reject invalid email")
	}
	if _, err := s.Enqueue(context.Background(), &models.QueueItem{
		Channel:     models.ChannelWhatsApp,
		Destination: "12345",
	}); err == nil {
		t.Fatalf("expected enqueue to reject non-E.164 number")
	}
}

func TestFetchBatchClaimsAtomically(t *testing.T) {
	s := NewQueueStore()
	enqueuePending(t, s, 20)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := s.FetchBatch(context.Background(), models.ChannelEmail, 10)
			if err != nil {
				t.Errorf("unexpected fetch error: %v", err)
				return
			}
			mu.Lock()
			for _, item := range batch {
				seen[item.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("expected all 20 items claimed exactly once, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("item %s claimed %d times", id, count)
		}
	}
}

func TestTransitionsCountAttempts(t *testing.T) {
	s := NewQueueStore()
	ids := enqueuePending(t, s, 3)

	if _, err := s.FetchBatch(context.Background(), models.ChannelEmail, 3); err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}

	if err := s.MarkSent(context.Background(), ids[0], "prov-1"); err != nil {
		t.Fatalf("unexpected mark sent error: %v", err)
	}
	if err := s.Requeue(context.Background(), ids[1], "transient"); err != nil {
		t.Fatalf("unexpected requeue error: %v", err)
	}
	if err := s.MarkFailed(context.Background(), ids[2], "permanent"); err != nil {
		t.Fatalf("unexpected mark failed error: %v", err)
	}

	checks := []struct {
		id     string
		status models.Status
	}{
		{ids[0], models.StatusSent},
		{ids[1], models.StatusPending},
		{ids[2], models.StatusFailed},
	}
	for _, check := range checks {
		item, err := s.GetByID(context.Background(), check.id)
		if err != nil {
			t.Fatalf("unexpected lookup error: %v", err)
		}
		if item.Status != check.status {
			t.Fatalf("item %s: expected %s, got %s", check.id, check.status, item.Status)
		}
		if item.Attempts != 1 {
			t.Fatalf("item %s: expected 1 attempt, got %d", check.id, item.Attempts)
		}
		if item.LastAttemptAt == nil {
			t.Fatalf("item %s: expected last attempt timestamp", check.id)
		}
	}
}

func TestCancelOnlyPendingItems(t *testing.T) {
	s := NewQueueStore()
	ids := enqueuePending(t, s, 2)

	if err := s.Cancel(context.Background(), ids[0]); err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}

	if _, err := s.FetchBatch(context.Background(), models.ChannelEmail, 5); err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if err := s.Cancel(context.Background(), ids[1]); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling a processing item, got %v", err)
	}

	if err := s.Cancel(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequeueStaleRecoversStuckItems(t *testing.T) {
	s := NewQueueStore()
	enqueuePending(t, s, 1)

	if _, err := s.FetchBatch(context.Background(), models.ChannelEmail, 1); err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}

	count, err := s.RequeueStale(context.Background(), time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected requeue stale error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stale item requeued, got %d", count)
	}

	pending, err := s.CountByStatus(context.Background(), models.ChannelEmail, models.StatusPending)
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected item back in pending, got %d", pending)
	}
}

func TestHistoryFirstWriteWins(t *testing.T) {
	s := NewHistoryStore()
	now := time.Now().UTC()
	if _, err := s.Append(context.Background(), &models.HistoryRecord{
		Channel:           models.ChannelEmail,
		Destination:       "buyer@example.com",
		Outcome:           models.HistoryOutcomeSent,
		ProviderMessageID: "prov-1",
		TrackingCode:      "code-1",
		SentAt:            &now,
	}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	first, err := s.MarkOpened(context.Background(), "code-1", "10.0.0.1", "ua-1", now)
	if err != nil || !first {
		t.Fatalf("expected first open to win, got first=%v err=%v", first, err)
	}
	again, err := s.MarkOpened(context.Background(), "code-1", "10.0.0.2", "ua-2", now.Add(time.Minute))
	if err != nil || again {
		t.Fatalf("expected replayed open to be a no-op, got first=%v err=%v", again, err)
	}

	rec, err := s.GetByTrackingCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if rec.OpenIP != "10.0.0.1" || rec.OpenUserAgent != "ua-1" {
		t.Fatalf("expected first open metadata preserved, got %s/%s", rec.OpenIP, rec.OpenUserAgent)
	}

	if _, err := s.MarkOpened(context.Background(), "unknown", "", "", now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown code, got %v", err)
	}
}

func TestRecordClickAccumulates(t *testing.T) {
	s := NewHistoryStore()
	now := time.Now().UTC()
	if _, err := s.Append(context.Background(), &models.HistoryRecord{
		Channel:      models.ChannelEmail,
		Destination:  "buyer@example.com",
		Outcome:      models.HistoryOutcomeSent,
		TrackingCode: "code-2",
		SentAt:       &now,
	}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	first, err := s.RecordClick(context.Background(), "code-2", "10.0.0.1", "ua", now)
	if err != nil || !first {
		t.Fatalf("expected first click to win, got first=%v err=%v", first, err)
	}
	for i := 0; i < 2; i++ {
		again, err := s.RecordClick(context.Background(), "code-2", "10.0.0.9", "ua", now.Add(time.Minute))
		if err != nil || again {
			t.Fatalf("expected later clicks to only accumulate, got first=%v err=%v", again, err)
		}
	}

	rec, err := s.GetByTrackingCode(context.Background(), "code-2")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if rec.ClickCount != 3 {
		t.Fatalf("expected click count 3, got %d", rec.ClickCount)
	}
	if rec.ClickIP != "10.0.0.1" {
		t.Fatalf("expected first click ip preserved, got %s", rec.ClickIP)
	}
}

func TestAppendRejectsDuplicateTrackingCode(t *testing.T) {
	s := NewHistoryStore()
	rec := &models.HistoryRecord{
		Channel:      models.ChannelEmail,
		Destination:  "buyer@example.com",
		Outcome:      models.HistoryOutcomeSent,
		TrackingCode: "dup",
	}
	if _, err := s.Append(context.Background(), rec); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := s.Append(context.Background(), &models.HistoryRecord{TrackingCode: "dup"}); err == nil {
		t.Fatalf("expected duplicate tracking code to be rejected")
	}
}

func TestCountSentSince(t *testing.T) {
	s := NewHistoryStore()
	now := time.Now().UTC()
	times := []time.Time{now.Add(-10 * time.Minute), now.Add(-30 * time.Minute), now.Add(-2 * time.Hour)}
	for i, at := range times {
		ts := at
		if _, err := s.Append(context.Background(), &models.HistoryRecord{
			Channel:      models.ChannelEmail,
			Destination:  "buyer@example.com",
			Outcome:      models.HistoryOutcomeSent,
			TrackingCode: "tc-" + string(rune('a'+i)),
			SentAt:       &ts,
		}); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}

	count, err := s.CountSentSince(context.Background(), models.ChannelEmail, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 sends inside the window, got %d", count)
	}
}

func TestStatsRates(t *testing.T) {
	s := NewHistoryStore()
	now := time.Now().UTC()
	opened := now
	for i := 0; i < 4; i++ {
		rec := &models.HistoryRecord{
			Channel:      models.ChannelWhatsApp,
			Destination:  "+15551230000",
			Outcome:      models.HistoryOutcomeSent,
			TrackingCode: "st-" + string(rune('a'+i)),
			SentAt:       &now,
		}
		if i < 2 {
			rec.DeliveredAt = &now
		}
		if i == 0 {
			rec.OpenedAt = &opened
		}
		if _, err := s.Append(context.Background(), rec); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	if _, err := s.Append(context.Background(), &models.HistoryRecord{
		Channel:      models.ChannelWhatsApp,
		Destination:  "+15551230000",
		Outcome:      models.HistoryOutcomeFailed,
		TrackingCode: "st-failed",
	}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	stats, err := s.Stats(context.Background(), models.ChannelWhatsApp, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if stats.Sent != 4 || stats.Failed != 1 {
		t.Fatalf("unexpected outcome counts: %+v", stats)
	}
	if stats.Delivered != 2 || stats.Opened != 1 {
		t.Fatalf("unexpected engagement counts: %+v", stats)
	}
	if stats.DeliveredRate != 0.5 || stats.OpenRate != 0.25 {
		t.Fatalf("unexpected rates: %+v", stats)
	}
}

func TestSettingStoreRoundTrip(t *testing.T) {
	s := NewSettingStore()
	if _, ok, err := s.Get(context.Background(), models.ChannelEmail, "enabled"); err != nil || ok {
		t.Fatalf("expected missing setting, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(context.Background(), models.ChannelEmail, "enabled", "false"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	value, ok, err := s.Get(context.Background(), models.ChannelEmail, "enabled")
	if err != nil || !ok || value != "false" {
		t.Fatalf("unexpected get result: %q ok=%v err=%v", value, ok, err)
	}

	all, err := s.All(context.Background(), models.ChannelEmail)
	if err != nil {
		t.Fatalf("unexpected all error: %v", err)
	}
	if len(all) != 1 || all["enabled"] != "false" {
		t.Fatalf("unexpected settings map: %+v", all)
	}
}
