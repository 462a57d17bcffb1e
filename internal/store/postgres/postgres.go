// Package postgres implements the store contracts on top of a pgx connection
// pool. All state transitions are expressed as conditional single-statement
// updates so they stay atomic under concurrent dispatcher runs and webhook
// traffic.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

// New opens a connection pool and verifies connectivity. maxConns caps the
// pool size; zero keeps the pgx default.
func New(ctx context.Context, connString string, maxConns int) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the schema when it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS queue_items (
			id                  TEXT PRIMARY KEY,
			channel             TEXT NOT NULL,
			destination         TEXT NOT NULL,
			subject             TEXT NOT NULL DEFAULT '',
			body                TEXT NOT NULL DEFAULT '',
			body_type           TEXT NOT NULL DEFAULT 'text',
			media_url           TEXT NOT NULL DEFAULT '',
			status              INT  NOT NULL DEFAULT 1,
			attempts            INT  NOT NULL DEFAULT 0,
			last_error          TEXT NOT NULL DEFAULT '',
			provider_message_id TEXT NOT NULL DEFAULT '',
			entity_type         TEXT NOT NULL DEFAULT '',
			entity_id           TEXT NOT NULL DEFAULT '',
			enqueued_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at     TIMESTAMPTZ,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS delivery_history (
			id                  TEXT PRIMARY KEY,
			queue_item_id       TEXT NOT NULL DEFAULT '',
			channel             TEXT NOT NULL,
			destination         TEXT NOT NULL,
			outcome             TEXT NOT NULL,
			error               TEXT NOT NULL DEFAULT '',
			provider_message_id TEXT NOT NULL DEFAULT '',
			provider_raw        TEXT NOT NULL DEFAULT '',
			tracking_code       TEXT NOT NULL UNIQUE,
			entity_type         TEXT NOT NULL DEFAULT '',
			entity_id           TEXT NOT NULL DEFAULT '',
			sent_at             TIMESTAMPTZ,
			delivered_at        TIMESTAMPTZ,
			opened_at           TIMESTAMPTZ,
			clicked_at          TIMESTAMPTZ,
			open_ip             TEXT NOT NULL DEFAULT '',
			open_user_agent     TEXT NOT NULL DEFAULT '',
			click_ip            TEXT NOT NULL DEFAULT '',
			click_user_agent    TEXT NOT NULL DEFAULT '',
			click_count         INT  NOT NULL DEFAULT 0,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS channel_settings (
			channel    TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (channel, key)
		);

		CREATE INDEX IF NOT EXISTS idx_queue_items_channel_status ON queue_items(channel, status, enqueued_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_history_provider_id ON delivery_history(provider_message_id);
		CREATE INDEX IF NOT EXISTS idx_delivery_history_channel_created ON delivery_history(channel, created_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_history_destination ON delivery_history(destination);
	`

	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
