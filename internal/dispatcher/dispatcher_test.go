package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	common "github.com/example/delivery-engine/internal/adapters/common"
	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/settings"
	"github.com/example/delivery-engine/internal/store/memory"
)

// scriptedAdapter returns its results in order, repeating the final entry.
type scriptedAdapter struct {
	mu      chan struct{}
	results []scriptedResult
	calls   int
}

type scriptedResult struct {
	resp *common.ProviderResponse
	err  error
}

func newScriptedAdapter(results ...scriptedResult) *scriptedAdapter {
	a := &scriptedAdapter{mu: make(chan struct{}, 1), results: results}
	a.mu <- struct{}{}
	return a
}

func (a *scriptedAdapter) Send(_ context.Context, _ *models.QueueItem) (*common.ProviderResponse, error) {
	<-a.mu
	defer func() { a.mu <- struct{}{} }()

	idx := a.calls
	a.calls++
	if idx >= len(a.results) {
		idx = len(a.results) - 1
	}
	r := a.results[idx]
	return r.resp, r.err
}

func okResponse(providerID string) *common.ProviderResponse {
	return &common.ProviderResponse{
		Status:  "ok",
		Message: "sent",
		Meta:    map[string]string{"provider_id": providerID},
	}
}

func newEngine(t *testing.T, adapter common.Adapter, queue *memory.QueueStore, history *memory.HistoryStore, svc *settings.Service) *Dispatcher {
	t.Helper()
	engine, err := New(queue, history, svc, map[string]common.Adapter{
		models.ChannelEmail:    adapter,
		models.ChannelWhatsApp: adapter,
	}, zerolog.Nop(), WithPublicBaseURL("https://erp.example.com"))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return engine
}

func enqueue(t *testing.T, queue *memory.QueueStore, channel, destination string) string {
	t.Helper()
	id, err := queue.Enqueue(context.Background(), &models.QueueItem{
		Channel:     channel,
		Destination: destination,
		Subject:     "invoice 42",
		Body:        "your invoice is ready",
		BodyType:    models.BodyTypeText,
		Entity:      &models.EntityRef{Type: "invoice", ID: "42"},
	})
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	return id
}

func TestRunSendsPendingItem(t *testing.T) {
	queue := memory.NewQueueStore()
	history := memory.NewHistoryStore()
	svc := settings.NewService(memory.NewSettingStore())
	adapter := newScriptedAdapter(scriptedResult{resp: okResponse("prov-1")})

	id := enqueue(t, queue, models.ChannelEmail, "buyer@example.com")

	engine := newEngine(t, adapter, queue, history, svc)
	summary, err := engine.Run(context.Background(), models.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if summary.Processed != 1 || summary.Sent != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	item, err := queue.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if item.Status != models.StatusSent {
		t.Fatalf("expected status sent, got %s", item.Status)
	}
	if item.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", item.Attempts)
	}
	if item.ProviderMessageID != "prov-1" {
		t.Fatalf("expected provider message id recorded, got %q", item.ProviderMessageID)
	}

	records, err := history.List(context.Background(), models.HistoryFilter{Channel: models.ChannelEmail})
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one history record, got %d", len(records))
	}
	rec := records[0]
	if rec.Outcome != models.HistoryOutcomeSent {
		t.Fatalf("expected sent outcome, got %s", rec.Outcome)
	}
	if rec.TrackingCode == "" {
		t.Fatalf("expected tracking code on history record")
	}
	if rec.SentAt == nil {
		t.Fatalf("expected sent timestamp on history record")
	}
	if rec.Entity == nil || rec.Entity.ID != "42" {
		t.Fatalf("expected entity correlation, got %+v", rec.Entity)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	queue := memory.NewQueueStore()
	history := memory.NewHistoryStore()
	svc := settings.NewService(memory.NewSettingStore())
	transient := common.WrapTransient(errors.New("smtp 451 try again"))
	adapter := newScriptedAdapter(
		scriptedResult{err: transient},
		scriptedResult{err: transient},
		scriptedResult{resp: okResponse("prov-2")},
	)

	id := enqueue(t, queue, models.ChannelEmail, "buyer@example.com")
	engine := newEngine(t, adapter, queue, history, svc)

	for run := 0; run < 2; run++ {
		summary, err := engine.Run(context.Background(), models.ChannelEmail, 0)
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}
		if summary.Requeued != 1 {
			t.Fatalf("run %d: expected requeue, got %+v", run, summary)
		}
	}

	summary, err := engine.Run(context.Background(), models.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if summary.Sent != 1 {
		t.Fatalf("expected final run to send, got %+v", summary)
	}

	item, err := queue.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if item.Status != models.StatusSent {
		t.Fatalf("expected status sent, got %s", item.Status)
	}
	if item.Attempts != 3 {
		t.Fatalf("expected 3 attempts after two failures and a success, got %d", item.Attempts)
	}
}

func TestRunTransientFailureExhaustsAttempts(t *testing.T) {
	queue := memory.NewQueueStore()
	history := memory.NewHistoryStore()
	setting := memory.NewSettingStore()
	svc := settings.NewService(setting)
	if err := svc.Set(context.Background(), models.ChannelEmail, settings.KeyMaxAttempts, "2"); err != nil {
		t.Fatalf("unexpected settings error: %v", err)
	}

	adapter := newScriptedAdapter(scriptedResult{err: common.WrapTransient(errors.New("timeout"))})
	id := enqueue(t, queue, models.ChannelEmail, "buyer@example.com")
	engine := newEngine(t, adapter, queue, history, svc)

	summary, err := engine.Run(context.Background(), models.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if summary.Requeued != 1 {
		t.Fatalf("expected first run to requeue, got %+v", summary)
	}

	summary, err = engine.Run(context.Background(), models.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected second run to fail terminally, got %+v", summary)
	}

	item, err := queue.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if item.Status != models.StatusFailed {
		t.Fatalf("expected status failed, got %s", item.Status)
	}
	if item.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", item.Attempts)
	}

	records, err := history.List(context.Background(), models.HistoryFilter{Outcome: models.HistoryOutcomeFailed})
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one failed history record, got %d", len(records))
	}
}

func TestRunPermanentFailureFailsImmediately(t *testing.T) {
	queue := memory.NewQueueStore()
	history := memory.NewHistoryStore()
	svc := settings.NewService(memory.NewSettingStore())
	adapter := newScriptedAdapter(scriptedResult{err: common.WrapPermanent(errors.New("smtp 550 no such user"))})

	id := enqueue(t, queue, models.ChannelEmail, "buyer@example.com")
	engine := newEngine(t, adapter, queue, history, svc)

	summary, err := engine.Run(context.Background(), models.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected terminal failure, got %+v", summary)
	}

	item, err := queue.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if item.Status != models.StatusFailed {
		t.Fatalf("expected status failed, got %s", item.Status)
	}
	if item.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", item.Attempts)
	}
}

func TestRunSkipsDisabledChannel(t *testing.T) {
	queue := memory.NewQueueStore()
	history := memory.NewHistoryStore()
	svc := settings.NewService(memory.NewSettingStore())
	if err := svc.Set(context.Background(), models.ChannelEmail, settings.KeyEnabled, "false"); err != nil {
		t.Fatalf("unexpected settings error: %v", err)
	}

	adapter := newScriptedAdapter(scriptedResult{resp: okResponse("unused")})
	id := enqueue(t, queue, models.ChannelEmail, "buyer@example.com")
	engine := newEngine(t, adapter, queue, history, svc)

	summary, err := engine.Run(context.Background(), models.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if summary.Skipped == "" || summary.Processed != 0 {
		t.Fatalf("expected skipped run, got %+v", summary)
	}

	item, err := queue.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if item.Status != models.StatusPending {
		t.Fatalf("expected item untouched, got %s", item.Status)
	}
}

func TestRunSkipsOutsideWindow(t *testing.T) {
	queue := memory.NewQueueStore()
	history := memory.NewHistoryStore()
	svc := settings.NewService(memory.NewSettingStore())
	if err := svc.Set(context.Background(), models.ChannelEmail, settings.KeyWindowStart, "09:00"); err != nil {
		t.Fatalf("unexpected settings error: %v", err)
	}
	if err := svc.Set(context.Background(), models.ChannelEmail, settings.KeyWindowEnd, "17:00"); err != nil {
		t.Fatalf("unexpected settings error: %v", err)
	}

	adapter := newScriptedAdapter(scriptedResult{resp: okResponse("unused")})
	enqueue(t, queue, models.ChannelEmail, "buyer@example.com")

	engine, err := New(queue, history, svc, map[string]common.Adapter{
		models.ChannelEmail: adapter,
	}, zerolog.Nop(), WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	summary, err := engine.Run(context.Background(), models.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if summary.Skipped != "outside send window" {
		t.Fatalf("expected window skip, got %+v", summary)
	}
}

func TestRunHonoursRateBudget(t *testing.T) {
	queue := memory.NewQueueStore()
	history := memory.NewHistoryStore()
	svc := settings.NewService(memory.NewSettingStore())
	if err := svc.Set(context.Background(), models.ChannelEmail, settings.KeyRateLimit, "3"); err != nil {
		t.Fatalf("unexpected settings error: %v", err)
	}

	// Two sends already inside the window leave a budget of one.
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		at := now.Add(-time.Duration(i+1) * time.Minute)
		if _, err := history.Append(context.Background(), &models.HistoryRecord{
			Channel:      models.ChannelEmail,
			Destination:  "earlier@example.com",
			Outcome:      models.HistoryOutcomeSent,
			TrackingCode: "code-" + strconv.Itoa(i),
			SentAt:       &at,
		}); err != nil {
			t.Fatalf("unexpected history error: %v", err)
		}
	}

	adapter := newScriptedAdapter(scriptedResult{resp: okResponse("prov")})
	for i := 0; i < 3; i++ {
		enqueue(t, queue, models.ChannelEmail, "buyer@example.com")
	}

	engine := newEngine(t, adapter, queue, history, svc)
	summary, err := engine.Run(context.Background(), models.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if summary.Processed != 1 || summary.Sent != 1 {
		t.Fatalf("expected exactly one item inside rate budget, got %+v", summary)
	}

	summary, err = engine.Run(context.Background(), models.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if summary.Skipped != "rate budget exhausted" {
		t.Fatalf("expected budget exhaustion, got %+v", summary)
	}
}

func TestRunEmbedsTrackingPixelInHTMLBody(t *testing.T) {
	queue := memory.NewQueueStore()
	history := memory.NewHistoryStore()
	svc := settings.NewService(memory.NewSettingStore())

	var sentBody string
	adapter := captureAdapter{body: &sentBody}

	if _, err := queue.Enqueue(context.Background(), &models.QueueItem{
		Channel:     models.ChannelEmail,
		Destination: "buyer@example.com",
		Subject:     "welcome",
		Body:        "<html><body><p>hi</p></body></html>",
		BodyType:    models.BodyTypeHTML,
	}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	engine := newEngine(t, adapter, queue, history, svc)
	if _, err := engine.Run(context.Background(), models.ChannelEmail, 0); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	records, err := history.List(context.Background(), models.HistoryFilter{})
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one history record, got %d (err %v)", len(records), err)
	}
	code := records[0].TrackingCode
	want := "https://erp.example.com/track/open/" + code
	if !strings.Contains(sentBody, want) {
		t.Fatalf("expected pixel URL %q embedded in body %q", want, sentBody)
	}
	if !strings.Contains(sentBody, "</body>") {
		t.Fatalf("expected body tag preserved, got %q", sentBody)
	}
}

type captureAdapter struct {
	body *string
}

func (a captureAdapter) Send(_ context.Context, item *models.QueueItem) (*common.ProviderResponse, error) {
	*a.body = item.Body
	return okResponse("prov-html"), nil
}
