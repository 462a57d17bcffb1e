// Package dispatcher implements the run-once batch engine that drains pending
// queue items through a provider adapter under the channel's rate policy.
// Each invocation is expected to be short-lived (a cron tick); overlapping
// invocations are safe because the claim step in the queue store is atomic.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	common "github.com/example/delivery-engine/internal/adapters/common"
	"github.com/example/delivery-engine/internal/metrics"
	"github.com/example/delivery-engine/internal/models"
	"github.com/example/delivery-engine/internal/settings"
	"github.com/example/delivery-engine/internal/store"
	"github.com/example/delivery-engine/internal/tracking"
)

const (
	defaultConcurrency     = 8
	defaultProviderTimeout = 30 * time.Second
)

// EventPublisher is the subset of the events package used by the dispatcher.
// A nil publisher silently drops events.
type EventPublisher interface {
	Publish(ctx context.Context, event models.DeliveryEvent) error
}

// Summary reports the outcome of a single dispatcher run.
type Summary struct {
	Channel   string        `json:"channel"`
	Skipped   string        `json:"skipped,omitempty"`
	Processed int           `json:"processed"`
	Sent      int           `json:"sent"`
	Requeued  int           `json:"requeued"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Option customises dispatcher behaviour.
type Option func(*Dispatcher)

// WithConcurrency bounds how many provider calls run in parallel within one batch.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = int64(n)
		}
	}
}

// WithProviderTimeout caps the duration of a single provider send attempt.
func WithProviderTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.providerTimeout = timeout
		}
	}
}

// WithClock overrides the clock, used by tests for deterministic windows.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithPublisher attaches the delivery-event publisher.
func WithPublisher(pub EventPublisher) Option {
	return func(d *Dispatcher) {
		d.publisher = pub
	}
}

// WithHookPublisher attaches the entity-hook publisher fired for outcomes
// that carry an entity reference.
func WithHookPublisher(pub EventPublisher) Option {
	return func(d *Dispatcher) {
		d.hooks = pub
	}
}

// WithPublicBaseURL sets the base URL stamped into tracking pixel and link
// URLs embedded in outbound email bodies.
func WithPublicBaseURL(baseURL string) Option {
	return func(d *Dispatcher) {
		d.publicBaseURL = strings.TrimRight(baseURL, "/")
	}
}

// Dispatcher drains one channel's queue per Run invocation.
type Dispatcher struct {
	logger   zerolog.Logger
	queue    store.QueueStore
	history  store.HistoryStore
	settings *settings.Service
	adapters map[string]common.Adapter

	publisher EventPublisher
	hooks     EventPublisher

	publicBaseURL   string
	concurrency     int64
	providerTimeout time.Duration
	now             func() time.Time
}

// New constructs a Dispatcher. The adapters map is keyed by channel name and
// must cover every channel Run will be invoked with.
func New(queue store.QueueStore, history store.HistoryStore, svc *settings.Service, adapters map[string]common.Adapter, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	if queue == nil {
		return nil, errors.New("dispatcher: queue store dependency is required")
	}
	if history == nil {
		return nil, errors.New("dispatcher: history store dependency is required")
	}
	if svc == nil {
		return nil, errors.New("dispatcher: settings service dependency is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("dispatcher: at least one channel adapter is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	d := &Dispatcher{
		logger:          logger,
		queue:           queue,
		history:         history,
		settings:        svc,
		adapters:        adapters,
		concurrency:     defaultConcurrency,
		providerTimeout: defaultProviderTimeout,
		now:             time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d, nil
}

// Run executes one dispatch pass for the channel. batchOverride > 0 caps the
// batch below the configured limit; zero means use the configured limit.
// Per-item failures never abort the run.
func (d *Dispatcher) Run(ctx context.Context, channel string, batchOverride int) (*Summary, error) {
	started := d.now()
	summary := &Summary{Channel: channel}

	adapter, ok := d.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("dispatcher: no adapter registered for channel %q", channel)
	}

	metrics.DispatchRunsTotal.WithLabelValues(channel).Inc()
	defer func() {
		summary.Elapsed = d.now().Sub(started)
		metrics.DispatchRunDuration.WithLabelValues(channel).Observe(summary.Elapsed.Seconds())
	}()

	enabled, err := d.settings.Enabled(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: read enabled flag: %w", err)
	}
	if !enabled {
		summary.Skipped = "channel disabled"
		d.logger.Info().Str("channel", channel).Msg("dispatch skipped: channel disabled")
		return summary, nil
	}

	inWindow, err := d.settings.InWindow(ctx, channel, started)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: read send window: %w", err)
	}
	if !inWindow {
		summary.Skipped = "outside send window"
		d.logger.Info().Str("channel", channel).Msg("dispatch skipped: outside send window")
		return summary, nil
	}

	batch, err := d.batchSize(ctx, channel, started, batchOverride)
	if err != nil {
		return nil, err
	}
	if batch <= 0 {
		summary.Skipped = "rate budget exhausted"
		d.logger.Info().Str("channel", channel).Msg("dispatch skipped: rate budget exhausted")
		return summary, nil
	}

	items, err := d.queue.FetchBatch(ctx, channel, batch)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: claim batch: %w", err)
	}
	if len(items) == 0 {
		return summary, nil
	}

	maxAttempts, err := d.settings.MaxAttempts(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: read max attempts: %w", err)
	}

	var (
		mu  sync.Mutex
		sem = semaphore.NewWeighted(d.concurrency)
		wg  sync.WaitGroup
	)

	for i := range items {
		item := items[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled mid-batch. Claimed but unprocessed items
			// are recovered later by RequeueStale.
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			outcome := d.process(ctx, adapter, &item, maxAttempts)

			mu.Lock()
			summary.Processed++
			switch outcome {
			case outcomeSent:
				summary.Sent++
			case outcomeRequeued:
				summary.Requeued++
			case outcomeFailed:
				summary.Failed++
			}
			mu.Unlock()
		}()
	}

	wg.Wait()

	d.logger.Info().
		Str("channel", channel).
		Int("processed", summary.Processed).
		Int("sent", summary.Sent).
		Int("requeued", summary.Requeued).
		Int("failed", summary.Failed).
		Msg("dispatch run complete")

	return summary, nil
}

// RunAll executes one dispatch pass for every registered channel.
func (d *Dispatcher) RunAll(ctx context.Context, batchOverride int) ([]Summary, error) {
	out := make([]Summary, 0, len(d.adapters))
	var errs []error
	for _, channel := range models.Channels {
		if _, ok := d.adapters[channel]; !ok {
			continue
		}
		summary, err := d.Run(ctx, channel, batchOverride)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel, err))
			continue
		}
		out = append(out, *summary)
	}
	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRequeued
	outcomeFailed
)

func (d *Dispatcher) process(ctx context.Context, adapter common.Adapter, item *models.QueueItem, maxAttempts int) outcome {
	// Email tracking codes are generated before the send so the pixel and
	// rewritten links can be embedded in the outgoing body. WhatsApp reuses
	// the provider message id afterwards.
	code := ""
	if item.Channel == models.ChannelEmail {
		generated, err := tracking.NewCode()
		if err != nil {
			d.logger.Error().Err(err).Str("queue_item_id", item.ID).Msg("tracking code generation failed")
		} else {
			code = generated
			d.instrumentEmailBody(item, code)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.providerTimeout)
	sendStart := d.now()
	resp, sendErr := adapter.Send(sendCtx, item)
	cancel()
	metrics.ProviderSendDuration.WithLabelValues(item.Channel).Observe(d.now().Sub(sendStart).Seconds())

	if sendErr == nil {
		return d.handleSent(ctx, item, resp, code)
	}
	return d.handleError(ctx, item, resp, sendErr, code, maxAttempts)
}

func (d *Dispatcher) handleSent(ctx context.Context, item *models.QueueItem, resp *common.ProviderResponse, code string) outcome {
	providerID := resp.ProviderID()
	if code == "" {
		code = providerID
	}
	if code == "" {
		// No provider id to correlate on. Fall back to a generated code to
		// keep the history uniqueness invariant.
		if generated, err := tracking.NewCode(); err == nil {
			code = generated
		}
	}

	if err := d.queue.MarkSent(ctx, item.ID, providerID); err != nil {
		d.logger.Error().Err(err).Str("queue_item_id", item.ID).Msg("mark sent failed")
	}

	now := d.now()
	rec := &models.HistoryRecord{
		QueueItemID:       item.ID,
		Channel:           item.Channel,
		Destination:       item.Destination,
		Outcome:           models.HistoryOutcomeSent,
		ProviderMessageID: providerID,
		ProviderRaw:       resp.Raw,
		TrackingCode:      code,
		Entity:            item.Entity,
		SentAt:            &now,
	}
	if _, err := d.history.Append(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("queue_item_id", item.ID).Msg("history append failed")
	}

	metrics.DispatchItemsTotal.WithLabelValues(item.Channel, "sent").Inc()
	d.emit(ctx, models.DeliveryEvent{
		Type:              models.EventSent,
		Channel:           item.Channel,
		QueueItemID:       item.ID,
		TrackingCode:      code,
		ProviderMessageID: providerID,
		Destination:       item.Destination,
		Entity:            item.Entity,
		Timestamp:         now,
	})

	return outcomeSent
}

func (d *Dispatcher) handleError(ctx context.Context, item *models.QueueItem, resp *common.ProviderResponse, sendErr error, code string, maxAttempts int) outcome {
	permanent := errors.Is(sendErr, common.ErrPermanent)
	attemptsAfter := item.Attempts + 1
	exhausted := attemptsAfter >= maxAttempts

	if !permanent && !exhausted {
		if err := d.queue.Requeue(ctx, item.ID, sendErr.Error()); err != nil {
			d.logger.Error().Err(err).Str("queue_item_id", item.ID).Msg("requeue failed")
		}
		metrics.DispatchItemsTotal.WithLabelValues(item.Channel, "requeued").Inc()
		d.logger.Warn().
			Str("queue_item_id", item.ID).
			Str("channel", item.Channel).
			Int("attempts", attemptsAfter).
			Err(sendErr).
			Msg("transient send failure, requeued")
		return outcomeRequeued
	}

	if err := d.queue.MarkFailed(ctx, item.ID, sendErr.Error()); err != nil {
		d.logger.Error().Err(err).Str("queue_item_id", item.ID).Msg("mark failed failed")
	}

	if code == "" {
		if generated, err := tracking.NewCode(); err == nil {
			code = generated
		}
	}

	now := d.now()
	rec := &models.HistoryRecord{
		QueueItemID:  item.ID,
		Channel:      item.Channel,
		Destination:  item.Destination,
		Outcome:      models.HistoryOutcomeFailed,
		Error:        sendErr.Error(),
		TrackingCode: code,
		Entity:       item.Entity,
	}
	if resp != nil {
		rec.ProviderMessageID = resp.ProviderID()
		rec.ProviderRaw = resp.Raw
	}
	if _, err := d.history.Append(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("queue_item_id", item.ID).Msg("history append failed")
	}

	metrics.DispatchItemsTotal.WithLabelValues(item.Channel, "failed").Inc()
	d.emit(ctx, models.DeliveryEvent{
		Type:         models.EventFailed,
		Channel:      item.Channel,
		QueueItemID:  item.ID,
		TrackingCode: code,
		Destination:  item.Destination,
		Entity:       item.Entity,
		Error:        sendErr.Error(),
		Timestamp:    now,
	})

	d.logger.Warn().
		Str("queue_item_id", item.ID).
		Str("channel", item.Channel).
		Int("attempts", attemptsAfter).
		Bool("permanent", permanent).
		Err(sendErr).
		Msg("send terminally failed")
	return outcomeFailed
}

// batchSize resolves the effective batch size from the configured limit, the
// remaining rate budget in the current window and the caller override.
func (d *Dispatcher) batchSize(ctx context.Context, channel string, now time.Time, override int) (int, error) {
	batch, err := d.settings.BatchLimit(ctx, channel)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: read batch limit: %w", err)
	}
	if override > 0 && override < batch {
		batch = override
	}

	limit, window, err := d.settings.RatePolicy(ctx, channel)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: read rate policy: %w", err)
	}
	if limit <= 0 {
		return batch, nil
	}

	sent, err := d.history.CountSentSince(ctx, channel, now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("dispatcher: count recent sends: %w", err)
	}

	budget := limit - sent
	if budget <= 0 {
		return 0, nil
	}
	if budget < batch {
		batch = budget
	}
	return batch, nil
}

// instrumentEmailBody embeds the open-tracking pixel into HTML email bodies.
func (d *Dispatcher) instrumentEmailBody(item *models.QueueItem, code string) {
	if d.publicBaseURL == "" || item.BodyType != models.BodyTypeHTML {
		return
	}
	pixel := fmt.Sprintf(`<img src=%q width="1" height="1" alt="" style="display:none">`, tracking.PixelURL(d.publicBaseURL, code))
	lower := strings.ToLower(item.Body)
	if idx := strings.LastIndex(lower, "</body>"); idx >= 0 {
		item.Body = item.Body[:idx] + pixel + item.Body[idx:]
		return
	}
	item.Body += pixel
}

func (d *Dispatcher) emit(ctx context.Context, event models.DeliveryEvent) {
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.logger.Error().Err(err).Str("type", event.Type).Msg("delivery event publish failed")
		}
	}
	if d.hooks != nil && event.Entity != nil {
		if err := d.hooks.Publish(ctx, event); err != nil {
			d.logger.Error().Err(err).Str("type", event.Type).Msg("entity hook publish failed")
		}
	}
}
