package httpapi

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/delivery-engine/internal/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// handleQueueList returns queue items for a channel filtered by status.
func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if !slices.Contains(models.Channels, channel) {
		writeBadRequest(w, "unknown channel")
		return
	}

	statusLabel := r.URL.Query().Get("status")
	if statusLabel == "" {
		statusLabel = "pending"
	}
	status, ok := models.ParseStatus(statusLabel)
	if !ok {
		writeBadRequest(w, "unknown status")
		return
	}

	limit, offset := pagination(r)
	items, err := s.queue.ListByStatus(r.Context(), channel, status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"status":  status.String(),
		"items":   items,
	})
}

// handleQueueCounts returns the per-status item counts for a channel.
func (s *Server) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if !slices.Contains(models.Channels, channel) {
		writeBadRequest(w, "unknown channel")
		return
	}

	counts := make(map[string]int)
	for _, status := range []models.Status{
		models.StatusCancelled,
		models.StatusPending,
		models.StatusProcessing,
		models.StatusSent,
		models.StatusFailed,
	} {
		count, err := s.queue.CountByStatus(r.Context(), channel, status)
		if err != nil {
			writeError(w, err)
			return
		}
		counts[status.String()] = count
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"counts":  counts,
	})
}

// handleQueueCancel cancels a pending queue item. Items already claimed or
// terminal yield a conflict.
func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

// handleDispatch triggers a dispatch run for the channel and returns its
// summary. The optional batch query parameter caps the batch size.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if !slices.Contains(models.Channels, channel) {
		writeBadRequest(w, "unknown channel")
		return
	}

	override := 0
	if raw := r.URL.Query().Get("batch"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeBadRequest(w, "batch must be a positive integer")
			return
		}
		override = parsed
	}

	summary, err := s.dispatcher.Run(r.Context(), channel, override)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleHistoryList returns history records matching the query filters.
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	filter := models.HistoryFilter{
		Channel:     r.URL.Query().Get("channel"),
		Destination: r.URL.Query().Get("destination"),
		Outcome:     r.URL.Query().Get("outcome"),
	}
	filter.Limit, filter.Offset = pagination(r)

	var err error
	if filter.From, err = parseTimeParam(r, "from"); err != nil {
		writeBadRequest(w, "from must be RFC 3339")
		return
	}
	if filter.To, err = parseTimeParam(r, "to"); err != nil {
		writeBadRequest(w, "to must be RFC 3339")
		return
	}

	records, err := s.history.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.history.Count(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"records": records,
	})
}

// handleStats returns the delivery/engagement summary for a channel.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if !slices.Contains(models.Channels, channel) {
		writeBadRequest(w, "unknown channel")
		return
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeBadRequest(w, "from must be RFC 3339")
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeBadRequest(w, "to must be RFC 3339")
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, -1, 0)
	}

	stats, err := s.history.Stats(r.Context(), channel, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSettingsGet returns every setting stored for the channel.
func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if !slices.Contains(models.Channels, channel) {
		writeBadRequest(w, "unknown channel")
		return
	}

	values, err := s.settings.All(r.Context(), channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":  channel,
		"settings": values,
	})
}

// handleSettingsSet upserts the supplied key/value pairs for the channel.
func (s *Server) handleSettingsSet(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if !slices.Contains(models.Channels, channel) {
		writeBadRequest(w, "unknown channel")
		return
	}

	var payload map[string]string
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, "body must be a JSON object of string values")
		return
	}
	if len(payload) == 0 {
		writeBadRequest(w, "at least one setting is required")
		return
	}

	for key, value := range payload {
		key = strings.TrimSpace(key)
		if key == "" {
			writeBadRequest(w, "setting keys must not be empty")
			return
		}
		if err := s.settings.Set(r.Context(), channel, key, value); err != nil {
			writeError(w, err)
			return
		}
	}

	values, err := s.settings.All(r.Context(), channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":  channel,
		"settings": values,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
