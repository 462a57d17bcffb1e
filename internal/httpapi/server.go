// Package httpapi exposes the engine's inbound HTTP surface: public tracking
// and webhook endpoints plus the admin API used by back-office tooling.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/delivery-engine/internal/dispatcher"
	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/settings"
	"github.com/example/delivery-engine/internal/store"
)

// DispatchRunner is the dispatcher surface used by the manual trigger route.
type DispatchRunner interface {
	Run(ctx context.Context, channel string, batchOverride int) (*dispatcher.Summary, error)
}

// EventPublisher mirrors the events package publisher contract; nil drops events.
type EventPublisher interface {
	Publish(ctx context.Context, event models.DeliveryEvent) error
}

// ReadinessCheck reports whether a downstream dependency is ready.
type ReadinessCheck func(ctx context.Context) error

// Option customises the server.
type Option func(*Server)

// WithPublisher attaches the delivery-event publisher used for engagement propagation.
func WithPublisher(pub EventPublisher) Option {
	return func(s *Server) {
		s.publisher = pub
	}
}

// WithHookPublisher attaches the entity-hook publisher.
func WithHookPublisher(pub EventPublisher) Option {
	return func(s *Server) {
		s.hooks = pub
	}
}

// WithReadinessCheck registers a named readiness probe surfaced on /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		if name != "" && check != nil {
			s.readiness[name] = check
		}
	}
}

// Server carries the handler dependencies and builds the route tree.
type Server struct {
	logger     zerolog.Logger
	queue      store.QueueStore
	history    store.HistoryStore
	settings   *settings.Service
	dispatcher DispatchRunner

	publisher EventPublisher
	hooks     EventPublisher
	readiness map[string]ReadinessCheck
}

// NewServer constructs the HTTP server handlers.
func NewServer(queue store.QueueStore, history store.HistoryStore, svc *settings.Service, runner DispatchRunner, logger zerolog.Logger, opts ...Option) (*Server, error) {
	if queue == nil {
		return nil, errors.New("httpapi: queue store dependency is required")
	}
	if history == nil {
		return nil, errors.New("httpapi: history store dependency is required")
	}
	if svc == nil {
		return nil, errors.New("httpapi: settings service dependency is required")
	}
	if runner == nil {
		return nil, errors.New("httpapi: dispatcher dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &Server{
		logger:     logger,
		queue:      queue,
		history:    history,
		settings:   svc,
		dispatcher: runner,
		readiness:  make(map[string]ReadinessCheck),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/track/open/{code}", s.handleOpen)
	r.Get("/track/click/{code}", s.handleClick)

	r.Get("/webhook", s.handleWebhookChallenge)
	r.Post("/webhook", s.handleWebhook)

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/queue/{channel}", s.handleQueueList)
		r.Get("/queue/{channel}/counts", s.handleQueueCounts)
		r.Post("/queue/items/{id}/cancel", s.handleQueueCancel)
		r.Post("/dispatch/{channel}", s.handleDispatch)
		r.Get("/history", s.handleHistoryList)
		r.Get("/stats/{channel}", s.handleStats)
		r.Get("/settings/{channel}", s.handleSettingsGet)
		r.Put("/settings/{channel}", s.handleSettingsSet)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.readiness))
	ready := true
	for name, check := range s.readiness {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	})
}

// ListenAddress formats the bind address for the given port.
func ListenAddress(port int) string {
	return fmt.Sprintf(":%d", port)
}
