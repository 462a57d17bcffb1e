package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/example/delivery-engine/internal/models"
)

func postWebhookJSON(t *testing.T, f *fixture, payload string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected webhook contract to always return 200, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected response body: %v", err)
	}
	return body
}

func seedWhatsAppRecord(t *testing.T, f *fixture, providerID string) {
	t.Helper()
	now := time.Now().UTC()
	f.appendHistory(t, &models.HistoryRecord{
		Channel:           models.ChannelWhatsApp,
		Destination:       "+15551230000",
		Outcome:           models.HistoryOutcomeSent,
		ProviderMessageID: providerID,
		TrackingCode:      providerID,
		Entity:            &models.EntityRef{Type: "order", ID: "88"},
		SentAt:            &now,
	})
}

func TestWebhookDeliveredIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seedWhatsAppRecord(t, f, "wa-123")

	payload := `{"message_id":"wa-123","status":"delivered"}`
	body := postWebhookJSON(t, f, payload)
	if body["processed"] != true {
		t.Fatalf("expected first callback processed, got %+v", body)
	}

	// Replay.
	body = postWebhookJSON(t, f, payload)
	if body["processed"] != true {
		t.Fatalf("expected replay acknowledged, got %+v", body)
	}

	rec, err := f.history.GetByProviderMessageID(context.Background(), "wa-123")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if rec.DeliveredAt == nil {
		t.Fatalf("expected delivered timestamp")
	}

	events := f.events.all()
	if len(events) != 1 || events[0].Type != models.EventDelivered {
		t.Fatalf("expected a single delivered event despite replay, got %+v", events)
	}
}

func TestWebhookFormEncodedCallback(t *testing.T) {
	f := newFixture(t)
	seedWhatsAppRecord(t, f, "wa-456")

	form := url.Values{}
	form.Set("MessageSid", "wa-456")
	form.Set("MessageStatus", "failed")
	form.Set("ErrorMessage", "recipient unavailable")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rec, err := f.history.GetByProviderMessageID(context.Background(), "wa-456")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if rec.Outcome != models.HistoryOutcomeFailed || rec.Error != "recipient unavailable" {
		t.Fatalf("expected failure recorded, got %+v", rec)
	}
}

func TestWebhookMalformedPayloadStillAcknowledged(t *testing.T) {
	f := newFixture(t)

	for _, payload := range []string{"", "not json", `{"status":"delivered"}`, `{"message_id":"x"}`} {
		body := postWebhookJSON(t, f, payload)
		if body["status"] != "ok" {
			t.Fatalf("payload %q: expected ok status, got %+v", payload, body)
		}
		if body["processed"] != false {
			t.Fatalf("payload %q: expected processed=false, got %+v", payload, body)
		}
	}
}

func TestWebhookUnknownMessageNotProcessed(t *testing.T) {
	f := newFixture(t)
	body := postWebhookJSON(t, f, `{"message_id":"missing","status":"delivered"}`)
	if body["processed"] != false {
		t.Fatalf("expected unknown message to be unprocessed, got %+v", body)
	}
}

func TestWebhookChallengeEcho(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook?challenge=tok-123", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != "tok-123" {
		t.Fatalf("expected challenge echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without challenge, got %d", rr.Code)
	}
}

func TestWebhookReadMarksOpened(t *testing.T) {
	f := newFixture(t)
	seedWhatsAppRecord(t, f, "wa-789")

	body := postWebhookJSON(t, f, `{"message_id":"wa-789","status":"read"}`)
	if body["processed"] != true {
		t.Fatalf("expected read callback processed, got %+v", body)
	}

	rec, err := f.history.GetByProviderMessageID(context.Background(), "wa-789")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if rec.DeliveredAt == nil || rec.OpenedAt == nil {
		t.Fatalf("expected read to imply delivered and opened, got %+v", rec)
	}
}
