// Command dispatch is the cron-invoked entrypoint of the delivery engine. The
// default command performs one dispatch pass; cleanup and migrate cover the
// retention job and schema setup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	common "github.com/example/delivery-engine/internal/adapters/common"
	emailadapter "github.com/example/delivery-engine/internal/adapters/email"
	waadapter "github.com/example/delivery-engine/internal/adapters/whatsapp"
	"github.com/example/delivery-engine/internal/config"
	"github.com/example/delivery-engine/internal/dispatcher"
	"github.com/example/delivery-engine/internal/events"
	"github.com/example/delivery-engine/internal/logger"
	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/providers/factory"
	"github.com/example/delivery-engine/internal/settings"
	"github.com/example/delivery-engine/internal/store/postgres"
)

func main() {
	var (
		channel   string
		batchSize int
	)

	root := &cobra.Command{
		Use:           "dispatch",
		Short:         "Run one outbound delivery pass",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDispatch(cmd.Context(), channel, batchSize)
		},
	}
	root.Flags().StringVar(&channel, "channel", "", "restrict the run to one channel (email, whatsapp)")
	root.Flags().IntVar(&batchSize, "batch-size", 0, "cap the batch size below the configured limit")

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Requeue stale items and purge expired records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCleanup(cmd.Context())
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context())
		},
	}

	root.AddCommand(cleanup, migrate)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatch:", err)
		os.Exit(1)
	}
}

func runDispatch(ctx context.Context, channel string, batchSize int) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

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

	opts := []dispatcher.Option{
		dispatcher.WithConcurrency(cfg.Dispatch.Concurrency),
		dispatcher.WithProviderTimeout(time.Duration(cfg.Dispatch.ProviderTimeoutSeconds) * time.Second),
		dispatcher.WithPublicBaseURL(cfg.HTTP.PublicBaseURL),
	}

	if cfg.Kafka.Enabled() {
		producer, err := events.NewProducer(cfg.Kafka.Brokers, logger.Component(log, "events-producer"))
		if err != nil {
			return err
		}
		defer producer.Close()
		opts = append(opts,
			dispatcher.WithPublisher(events.NewPublisher(producer, cfg.Kafka.EventsTopic, logger.Component(log, "events-publisher"))),
			dispatcher.WithHookPublisher(events.NewHookPublisher(producer, cfg.Kafka.HookTopic, logger.Component(log, "hook-publisher"))),
		)
	}

	engine, err := dispatcher.New(queue, history, svc, map[string]common.Adapter{
		models.ChannelEmail:    emailAd,
		models.ChannelWhatsApp: waAd,
	}, logger.Component(log, "dispatcher"), opts...)
	if err != nil {
		return err
	}

	var summaries []dispatcher.Summary
	if channel != "" {
		summary, err := engine.Run(ctx, channel, batchSize)
		if err != nil {
			return err
		}
		summaries = append(summaries, *summary)
	} else {
		summaries, err = engine.RunAll(ctx, batchSize)
		if err != nil {
			return err
		}
	}

	return json.NewEncoder(os.Stdout).Encode(summaries)
}

func runCleanup(ctx context.Context) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	db, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	queue := postgres.NewQueueStore(db)
	history := postgres.NewHistoryStore(db)
	now := time.Now().UTC()

	requeued, err := queue.RequeueStale(ctx, now.Add(-time.Duration(cfg.Dispatch.StaleAfterMinutes)*time.Minute))
	if err != nil {
		return err
	}

	purgedQueue, err := queue.PurgeTerminal(ctx, now.AddDate(0, 0, -cfg.Retention.QueueDays))
	if err != nil {
		return err
	}

	purgedHistory, err := history.Purge(ctx, now.AddDate(0, 0, -cfg.Retention.HistoryDays))
	if err != nil {
		return err
	}

	log.Info().
		Int("requeued_stale", requeued).
		Int("purged_queue", purgedQueue).
		Int("purged_history", purgedHistory).
		Msg("cleanup complete")
	return nil
}

func runMigrate(ctx context.Context) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	db, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("schema migration complete")
	return nil
}

func bootstrap() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	log, err := logger.New("dispatch", cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	return cfg, log, nil
}
