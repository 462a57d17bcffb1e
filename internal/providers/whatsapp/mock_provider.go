package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario selects the behaviour the mock provider simulates for a send.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
)

// Option customises the mock provider at construction time.
type Option func(*MockProvider)

// WithScenario overrides the default scenario.
func WithScenario(s Scenario) Option {
	return func(p *MockProvider) {
		p.defaultScenario = s
	}
}

// WithLatency sets the artificial latency inserted before responding.
func WithLatency(d time.Duration) Option {
	return func(p *MockProvider) {
		if d < 0 {
			d = 0
		}
		p.latency = d
	}
}

// WithClock swaps out the clock for deterministic timestamps in tests.
func WithClock(now func() time.Time) Option {
	return func(p *MockProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// MockProvider emulates the WhatsApp gateway without any network traffic. Its
// responses mirror the gateway's JSON shape, including the numeric error codes
// the adapter classifies on, so the full dispatch path can run against it.
type MockProvider struct {
	logger          zerolog.Logger
	defaultScenario Scenario
	latency         time.Duration
	now             func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockProvider constructs a new mock WhatsApp provider.
func NewMockProvider(logger zerolog.Logger, opts ...Option) *MockProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &MockProvider{
		logger:          logger,
		defaultScenario: ScenarioSuccess,
		latency:         25 * time.Millisecond,
		now:             time.Now,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Send simulates delivering the payload through the gateway. The scenario can
// be forced per message via the "scenario" meta key.
func (p *MockProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("whatsapp mock: payload is required")
	}
	if strings.TrimSpace(payload.To) == "" {
		return nil, errors.New("whatsapp mock: recipient is required")
	}

	if err := p.sleep(ctx, p.latency); err != nil {
		return nil, err
	}

	scenario := p.defaultScenario
	if val, ok := payload.Meta["scenario"]; ok && strings.TrimSpace(val) != "" {
		scenario = Scenario(strings.ToLower(strings.TrimSpace(val)))
	}

	sid := p.messageSID(payload.MessageID)

	switch scenario {
	case ScenarioSuccess:
		return &RawResponse{
			ID:        sid,
			Code:      201,
			Status:    "queued",
			Body:      fmt.Sprintf(`{"sid":%q,"status":"queued"}`, sid),
			Timestamp: p.now(),
		}, nil
	case ScenarioTransient:
		return &RawResponse{
			Code:      429,
			Status:    "failed",
			Body:      `{"code":63018,"message":"rate limit exceeded for sender"}`,
			Timestamp: p.now(),
		}, fmt.Errorf("whatsapp mock: error 63018: rate limit exceeded for sender")
	case ScenarioPermanent:
		return &RawResponse{
			Code:      400,
			Status:    "failed",
			Body:      `{"code":21610,"message":"recipient has opted out"}`,
			Timestamp: p.now(),
		}, fmt.Errorf("whatsapp mock: error 21610: recipient has opted out")
	case ScenarioTimeout:
		if err := p.sleep(ctx, p.latency); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("whatsapp mock: request timeout")
	default:
		return nil, fmt.Errorf("whatsapp mock: unknown scenario %q", scenario)
	}
}

func (p *MockProvider) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *MockProvider) messageSID(suggested string) string {
	if strings.TrimSpace(suggested) != "" {
		return "SM" + strings.TrimSpace(suggested)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("SM%016x", p.rnd.Int63())
}
