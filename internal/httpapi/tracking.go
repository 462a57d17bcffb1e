package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/delivery-engine/internal/metrics"
	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/tracking"
	"github.com/example/delivery-engine/internal/util"
)

// handleOpen serves the open-tracking pixel. The response is always a 200
// with the 1x1 GIF, unknown or malformed codes included, so the endpoint
// never reveals whether a code exists.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	metrics.TrackingOpensTotal.Inc()

	code := chi.URLParam(r, "code")
	if tracking.ValidCode(code) {
		ip, ua := clientInfo(r)
		now := time.Now().UTC()
		first, err := s.history.MarkOpened(r.Context(), code, ip, ua, now)
		if err != nil {
			s.logger.Debug().Err(err).Str("code", code).Msg("open tracking lookup failed")
		} else if first {
			s.propagateEngagement(r.Context(), code, models.EventOpened, now)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tracking.Pixel)
}

// handleClick records a click and redirects to the decoded target URL. A
// missing or unparsable target is a 404; this endpoint never issues a blind
// redirect.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	metrics.TrackingClicksTotal.Inc()

	target, err := util.ValidateHTTPURL(r.URL.Query().Get("url"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	code := chi.URLParam(r, "code")
	if code != "" {
		ip, ua := clientInfo(r)
		now := time.Now().UTC()
		first, err := s.history.RecordClick(r.Context(), code, ip, ua, now)
		if err != nil {
			s.logger.Debug().Err(err).Str("code", code).Msg("click tracking lookup failed")
		} else if first {
			s.propagateEngagement(r.Context(), code, models.EventClicked, now)
		}
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// propagateEngagement publishes the first-occurrence engagement event,
// carrying the entity reference when the history record has one.
func (s *Server) propagateEngagement(ctx context.Context, code, eventType string, at time.Time) {
	rec, err := s.history.GetByTrackingCode(ctx, code)
	if err != nil {
		s.logger.Debug().Err(err).Str("code", code).Msg("engagement record lookup failed")
		return
	}

	event := models.DeliveryEvent{
		Type:              eventType,
		Channel:           rec.Channel,
		QueueItemID:       rec.QueueItemID,
		TrackingCode:      code,
		ProviderMessageID: rec.ProviderMessageID,
		Destination:       rec.Destination,
		Entity:            rec.Entity,
		Timestamp:         at,
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("type", eventType).Msg("engagement event publish failed")
		}
	}
	if s.hooks != nil && rec.Entity != nil {
		if err := s.hooks.Publish(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("type", eventType).Msg("engagement hook publish failed")
		}
	}
}

func clientInfo(r *http.Request) (ip, userAgent string) {
	ip = r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ip, r.UserAgent()
}
