// Command server hosts the delivery engine's HTTP surface: public tracking
// endpoints, provider webhooks, the admin API and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/delivery-engine/internal/adapters/common"
	emailadapter "github.com/example/delivery-engine/internal/adapters/email"
	waadapter "github.com/example/delivery-engine/internal/adapters/whatsapp"
	"github.com/example/delivery-engine/internal/config"
	"github.com/example/delivery-engine/internal/dispatcher"
	"github.com/example/delivery-engine/internal/events"
	"github.com/example/delivery-engine/internal/httpapi"
	"github.com/example/delivery-engine/internal/logger"
	"github.com/example/delivery-engine/internal/metrics"
	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/providers/factory"
	"github.com/example/delivery-engine/internal/settings"
	"github.com/example/delivery-engine/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New("delivery-engine", cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return err
	}

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := settings.NewService(postgres.NewSettingStore(db))
	queue := postgres.NewQueueStore(db)
	history := postgres.NewHistoryStore(db)

	emailProv, err := factory.Email(cfg.Providers, logger.Component(log, "email-provider"))
	if err != nil {
		return err
	}
	waProv, err := factory.WhatsApp(cfg.Providers, logger.Component(log, "whatsapp-provider"))
	if err != nil {
		return err
	}

	emailAd, err := emailadapter.NewAdapter(emailProv, logger.Component(log, "email-adapter"),
		emailadapter.WithFromAddress(cfg.Providers.SMTP.From))
	if err != nil {
		return err
	}
	waAd, err := waadapter.NewAdapter(waProv, logger.Component(log, "whatsapp-adapter"))
	if err != nil {
		return err
	}

	dispatchOpts := []dispatcher.Option{
		dispatcher.WithConcurrency(cfg.Dispatch.Concurrency),
		dispatcher.WithProviderTimeout(time.Duration(cfg.Dispatch.ProviderTimeoutSeconds) * time.Second),
		dispatcher.WithPublicBaseURL(cfg.HTTP.PublicBaseURL),
	}
	serverOpts := []httpapi.Option{
		httpapi.WithReadinessCheck("database", func(ctx context.Context) error {
			return db.Pool.Ping(ctx)
		}),
	}

	if cfg.Kafka.Enabled() {
		producer, err := events.NewProducer(cfg.Kafka.Brokers, logger.Component(log, "events-producer"))
		if err != nil {
			return err
		}
		defer producer.Close()

		eventPub := events.NewPublisher(producer, cfg.Kafka.EventsTopic, logger.Component(log, "events-publisher"))
		hookPub := events.NewHookPublisher(producer, cfg.Kafka.HookTopic, logger.Component(log, "hook-publisher"))

		dispatchOpts = append(dispatchOpts,
			dispatcher.WithPublisher(eventPub),
			dispatcher.WithHookPublisher(hookPub),
		)
		serverOpts = append(serverOpts,
			httpapi.WithPublisher(eventPub),
			httpapi.WithHookPublisher(hookPub),
			httpapi.WithReadinessCheck("kafka", func(context.Context) error {
				if !producer.IsReady() {
					return errors.New("producer not ready")
				}
				return nil
			}),
		)
	}

	engine, err := dispatcher.New(queue, history, svc, map[string]common.Adapter{
		models.ChannelEmail:    emailAd,
		models.ChannelWhatsApp: waAd,
	}, logger.Component(log, "dispatcher"), dispatchOpts...)
	if err != nil {
		return err
	}

	api, err := httpapi.NewServer(queue, history, svc, engine, logger.Component(log, "httpapi"), serverOpts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              httpapi.ListenAddress(cfg.HTTP.Port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
