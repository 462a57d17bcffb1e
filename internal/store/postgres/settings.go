package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SettingStore implements store.SettingStore on the channel_settings table.
type SettingStore struct {
	db *DB
}

func NewSettingStore(db *DB) *SettingStore {
	return &SettingStore{db: db}
}

func (s *SettingStore) Get(ctx context.Context, channel, key string) (string, bool, error) {
	var value string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT value FROM channel_settings WHERE channel = $1 AND key = $2`,
		channel, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s/%s: %w", channel, key, err)
	}
	return value, true, nil
}

func (s *SettingStore) Set(ctx context.Context, channel, key, value string) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO channel_settings (channel, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (channel, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, channel, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s/%s: %w", channel, key, err)
	}
	return nil
}

func (s *SettingStore) All(ctx context.Context, channel string) (map[string]string, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT key, value FROM channel_settings WHERE channel = $1`, channel)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}
