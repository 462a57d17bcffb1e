// Package settings exposes the per-channel runtime policy (enabled flag,
// batch limit, rate budget, processing window, attempt budget) persisted in
// the setting store. The service is an injected object with a small
// read-through cache and an explicit Invalidate call after writes; there is
// deliberately no process-wide cache state.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/delivery-engine/internal/store"
)

// Documented setting keys. Absent keys fall back to the defaults below.
const (
	KeyEnabled           = "enabled"             // "true"/"false", default true
	KeyBatchLimit        = "batch_limit"         // default 25
	KeyRateLimit         = "rate_limit"          // max sends per window, 0 = unlimited
	KeyRateWindowMinutes = "rate_window_minutes" // default 60
	KeyWindowStart       = "window_start"        // "HH:MM", empty = always
	KeyWindowEnd         = "window_end"          // "HH:MM", empty = always
	KeyMaxAttempts       = "max_attempts"        // default 3
)

const (
	DefaultBatchLimit        = 25
	DefaultRateWindowMinutes = 60
	DefaultMaxAttempts       = 3
)

// Service reads and writes channel settings with type coercion and defaults.
type Service struct {
	store store.SettingStore

	mu    sync.RWMutex
	cache map[string]string
}

func NewService(st store.SettingStore) *Service {
	return &Service{
		store: st,
		cache: make(map[string]string),
	}
}

// Get returns the raw value for channel/key, falling back to def when the
// key is absent.
func (s *Service) Get(ctx context.Context, channel, key, def string) (string, error) {
	cacheKey := channel + "/" + key

	s.mu.RLock()
	if value, ok := s.cache[cacheKey]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	value, found, err := s.store.Get(ctx, channel, key)
	if err != nil {
		return def, err
	}
	if !found {
		return def, nil
	}

	s.mu.Lock()
	s.cache[cacheKey] = value
	s.mu.Unlock()
	return value, nil
}

// Set persists the value and drops the cached copy.
func (s *Service) Set(ctx context.Context, channel, key, value string) error {
	if err := s.store.Set(ctx, channel, key, value); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// Invalidate clears the read-through cache. Callers that mutate settings out
// of band must invoke this for the dispatcher to observe the change.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
}

// All returns every stored setting for the channel (no defaults applied).
func (s *Service) All(ctx context.Context, channel string) (map[string]string, error) {
	return s.store.All(ctx, channel)
}

func (s *Service) GetBool(ctx context.Context, channel, key string, def bool) (bool, error) {
	raw, err := s.Get(ctx, channel, key, strconv.FormatBool(def))
	if err != nil {
		return def, err
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def, nil
	}
	return parsed, nil
}

func (s *Service) GetInt(ctx context.Context, channel, key string, def int) (int, error) {
	raw, err := s.Get(ctx, channel, key, strconv.Itoa(def))
	if err != nil {
		return def, err
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def, nil
	}
	return parsed, nil
}

// Enabled reports whether dispatching is switched on for the channel.
func (s *Service) Enabled(ctx context.Context, channel string) (bool, error) {
	return s.GetBool(ctx, channel, KeyEnabled, true)
}

// BatchLimit returns the configured dispatch batch size.
func (s *Service) BatchLimit(ctx context.Context, channel string) (int, error) {
	limit, err := s.GetInt(ctx, channel, KeyBatchLimit, DefaultBatchLimit)
	if err != nil {
		return DefaultBatchLimit, err
	}
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return limit, nil
}

// MaxAttempts returns the per-item attempt budget.
func (s *Service) MaxAttempts(ctx context.Context, channel string) (int, error) {
	attempts, err := s.GetInt(ctx, channel, KeyMaxAttempts, DefaultMaxAttempts)
	if err != nil {
		return DefaultMaxAttempts, err
	}
	if attempts < 1 {
		attempts = 1
	}
	return attempts, nil
}

// RatePolicy returns the send budget and its window. A zero limit means
// unlimited.
func (s *Service) RatePolicy(ctx context.Context, channel string) (limit int, window time.Duration, err error) {
	limit, err = s.GetInt(ctx, channel, KeyRateLimit, 0)
	if err != nil {
		return 0, 0, err
	}
	minutes, err := s.GetInt(ctx, channel, KeyRateWindowMinutes, DefaultRateWindowMinutes)
	if err != nil {
		return 0, 0, err
	}
	if minutes <= 0 {
		minutes = DefaultRateWindowMinutes
	}
	return limit, time.Duration(minutes) * time.Minute, nil
}

// InWindow reports whether now falls inside the configured processing
// time-of-day window. Windows may wrap midnight ("22:00".."06:00"); an
// unset window means the channel processes around the clock.
func (s *Service) InWindow(ctx context.Context, channel string, now time.Time) (bool, error) {
	startRaw, err := s.Get(ctx, channel, KeyWindowStart, "")
	if err != nil {
		return true, err
	}
	endRaw, err := s.Get(ctx, channel, KeyWindowEnd, "")
	if err != nil {
		return true, err
	}
	if startRaw == "" || endRaw == "" {
		return true, nil
	}

	start, err := parseClock(startRaw)
	if err != nil {
		return true, fmt.Errorf("setting %s: %w", KeyWindowStart, err)
	}
	end, err := parseClock(endRaw)
	if err != nil {
		return true, fmt.Errorf("setting %s: %w", KeyWindowEnd, err)
	}

	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end, nil
	}
	// Wraps midnight.
	return minute >= start || minute < end, nil
}

func parseClock(value string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour*60 + minute, nil
}
