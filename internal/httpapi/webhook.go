package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/example/delivery-engine/internal/metrics"
	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/store"
)

// ErrMalformedPayload marks webhook payloads that could not be interpreted.
// The HTTP response to the provider is still a 200; the error only drives
// logging and the processed flag.
var ErrMalformedPayload = errors.New("webhook: malformed payload")

const maxWebhookBody = 64 * 1024

// webhookStatus is the normalized delivery-status update extracted from a
// provider callback.
type webhookStatus struct {
	ProviderMessageID string
	Status            string
	Reason            string
}

// handleWebhookChallenge echoes the provider's verification token.
func (s *Server) handleWebhookChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("challenge")
	if challenge == "" {
		writeBadRequest(w, "challenge parameter is required")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhook ingests provider delivery-status callbacks. The contract
// with the provider is a fixed 200 response regardless of internal outcome,
// so failures are logged and reported only via the processed flag.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	processed := false

	update, err := parseWebhook(r)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn().Err(err).Msg("webhook payload rejected")
	} else {
		processed = s.applyWebhook(r, update)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"processed": processed,
	})
}

func (s *Server) applyWebhook(r *http.Request, update webhookStatus) bool {
	ctx := r.Context()
	now := time.Now().UTC()

	switch update.Status {
	case "sent":
		metrics.WebhookEventsTotal.WithLabelValues("sent").Inc()
		return true
	case "delivered":
		metrics.WebhookEventsTotal.WithLabelValues("delivered").Inc()
		first, err := s.history.MarkDelivered(ctx, update.ProviderMessageID, now)
		if err != nil {
			s.logWebhookError(err, update)
			return false
		}
		if first {
			s.propagateDelivery(ctx, update.ProviderMessageID, models.EventDelivered, "", now)
		}
		return true
	case "read":
		metrics.WebhookEventsTotal.WithLabelValues("read").Inc()
		// A read implies delivery; both writes stay idempotent.
		if _, err := s.history.MarkDelivered(ctx, update.ProviderMessageID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logWebhookError(err, update)
		}
		first, err := s.history.MarkOpened(ctx, update.ProviderMessageID, "", "", now)
		if err != nil {
			s.logWebhookError(err, update)
			return false
		}
		if first {
			s.propagateDelivery(ctx, update.ProviderMessageID, models.EventOpened, "", now)
		}
		return true
	case "failed", "undelivered":
		metrics.WebhookEventsTotal.WithLabelValues("failed").Inc()
		first, err := s.history.MarkDeliveryFailed(ctx, update.ProviderMessageID, update.Reason, now)
		if err != nil {
			s.logWebhookError(err, update)
			return false
		}
		if first {
			s.propagateDelivery(ctx, update.ProviderMessageID, models.EventFailed, update.Reason, now)
		}
		return true
	default:
		metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
		s.logger.Warn().
			Str("status", update.Status).
			Str("provider_message_id", update.ProviderMessageID).
			Msg("webhook status ignored")
		return false
	}
}

func (s *Server) logWebhookError(err error, update webhookStatus) {
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug().
			Str("provider_message_id", update.ProviderMessageID).
			Msg("webhook update for unknown message")
		return
	}
	s.logger.Error().
		Err(err).
		Str("provider_message_id", update.ProviderMessageID).
		Str("status", update.Status).
		Msg("webhook update failed")
}

func (s *Server) propagateDelivery(ctx context.Context, providerMessageID, eventType, reason string, at time.Time) {
	rec, err := s.history.GetByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		s.logger.Debug().Err(err).Str("provider_message_id", providerMessageID).Msg("delivery record lookup failed")
		return
	}

	event := models.DeliveryEvent{
		Type:              eventType,
		Channel:           rec.Channel,
		QueueItemID:       rec.QueueItemID,
		TrackingCode:      rec.TrackingCode,
		ProviderMessageID: providerMessageID,
		Destination:       rec.Destination,
		Entity:            rec.Entity,
		Error:             reason,
		Timestamp:         at,
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("type", eventType).Msg("delivery event publish failed")
		}
	}
	if s.hooks != nil && rec.Entity != nil {
		if err := s.hooks.Publish(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("type", eventType).Msg("delivery hook publish failed")
		}
	}
}

// parseWebhook accepts both the gateway's form-encoded callbacks
// (MessageSid/MessageStatus) and a JSON body with message_id/status fields.
func parseWebhook(r *http.Request) (webhookStatus, error) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if contentType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return webhookStatus{}, errors.Join(ErrMalformedPayload, err)
		}
		update := webhookStatus{
			ProviderMessageID: strings.TrimSpace(r.PostFormValue("MessageSid")),
			Status:            strings.ToLower(strings.TrimSpace(r.PostFormValue("MessageStatus"))),
			Reason:            strings.TrimSpace(r.PostFormValue("ErrorMessage")),
		}
		if update.ProviderMessageID == "" || update.Status == "" {
			return webhookStatus{}, ErrMalformedPayload
		}
		return update, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return webhookStatus{}, errors.Join(ErrMalformedPayload, err)
	}

	var payload struct {
		MessageID string `json:"message_id"`
		Sid       string `json:"sid"`
		Status    string `json:"status"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return webhookStatus{}, errors.Join(ErrMalformedPayload, err)
	}

	update := webhookStatus{
		ProviderMessageID: strings.TrimSpace(payload.MessageID),
		Status:            strings.ToLower(strings.TrimSpace(payload.Status)),
		Reason:            strings.TrimSpace(payload.Reason),
	}
	if update.ProviderMessageID == "" {
		update.ProviderMessageID = strings.TrimSpace(payload.Sid)
	}
	if update.ProviderMessageID == "" || update.Status == "" {
		return webhookStatus{}, ErrMalformedPayload
	}
	return update, nil
}
