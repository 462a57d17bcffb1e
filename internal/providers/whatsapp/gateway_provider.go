package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delivery-engine/internal/config"
	"github.com/example/delivery-engine/internal/models"
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// GatewayOption customises the behaviour of the WhatsApp gateway provider.
type GatewayOption func(*GatewayProvider)

// WithGatewayHTTPClient overrides the HTTP client used to talk to the gateway.
func WithGatewayHTTPClient(client HTTPClient) GatewayOption {
	return func(p *GatewayProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithGatewayBaseURL sets the base gateway API URL. Useful for tests.
func WithGatewayBaseURL(baseURL string) GatewayOption {
	return func(p *GatewayProvider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithGatewayClock overrides the clock used for timestamps.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(p *GatewayProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithGatewayBodyLimit adjusts how many bytes are retained from the HTTP
// response body.
func WithGatewayBodyLimit(limit int64) GatewayOption {
	return func(p *GatewayProvider) {
		if limit > 0 {
			p.maxBodyBytes = limit
		}
	}
}

// GatewayProvider implements the Provider interface against a Twilio-style
// WhatsApp messaging gateway: a form-encoded POST authenticated with basic
// auth that answers with a JSON body carrying the provider message SID.
type GatewayProvider struct {
	logger       zerolog.Logger
	accountSID   string
	authToken    string
	defaultFrom  string
	httpClient   HTTPClient
	baseURL      string
	now          func() time.Time
	maxBodyBytes int64
}

// NewGatewayProvider constructs a gateway-backed WhatsApp provider.
func NewGatewayProvider(cfg config.WhatsAppConfig, logger zerolog.Logger, opts ...GatewayOption) (*GatewayProvider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("whatsapp gateway provider: account SID is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("whatsapp gateway provider: auth token is required")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, errors.New("whatsapp gateway provider: from number is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	provider := &GatewayProvider{
		logger:       logger,
		accountSID:   strings.TrimSpace(cfg.AccountSID),
		authToken:    strings.TrimSpace(cfg.AuthToken),
		defaultFrom:  formatWhatsAppAddress(cfg.FromNumber),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		now:          time.Now,
		maxBodyBytes: 16 * 1024,
	}
	if provider.baseURL == "" {
		provider.baseURL = "https://api.twilio.com/2010-04-01"
	}

	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}

	return provider, nil
}

// Send delivers the WhatsApp payload via the gateway.
func (p *GatewayProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("whatsapp gateway provider: payload is required")
	}
	if strings.TrimSpace(payload.To) == "" {
		return nil, errors.New("whatsapp gateway provider: recipient is required")
	}

	from := formatWhatsAppAddress(payload.From)
	if from == "" {
		from = p.defaultFrom
	}

	params := url.Values{}
	params.Set("To", formatWhatsAppAddress(payload.To))
	params.Set("From", from)

	switch strings.ToLower(payload.BodyType) {
	case models.BodyTypeMedia:
		if strings.TrimSpace(payload.MediaURL) != "" {
			params.Set("MediaUrl", payload.MediaURL)
		}
		if strings.TrimSpace(payload.Body) != "" {
			params.Set("Body", payload.Body)
		}
	default:
		if strings.TrimSpace(payload.Body) != "" {
			params.Set("Body", payload.Body)
		}
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", p.baseURL, url.PathEscape(p.accountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("whatsapp gateway provider: new request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp gateway provider: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := p.readBody(resp.Body)
	if err != nil {
		return nil, err
	}

	parsed := parseGatewayBody(body)
	raw := &RawResponse{
		ID:        parsed.SID,
		Code:      resp.StatusCode,
		Status:    parsed.Status,
		Body:      body,
		Timestamp: p.now(),
	}
	if raw.Status == "" {
		raw.Status = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if raw.ID == "" {
			raw.ID = payload.MessageID
		}
		return raw, nil
	}

	message := parsed.Message
	if message == "" {
		message = strings.TrimSpace(body)
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	if parsed.ErrorCode > 0 {
		return raw, fmt.Errorf("whatsapp gateway provider: error %d: %s", parsed.ErrorCode, message)
	}

	return raw, fmt.Errorf("whatsapp gateway provider: http %d: %s", resp.StatusCode, message)
}

func (p *GatewayProvider) readBody(rc io.ReadCloser) (string, error) {
	if rc == nil {
		return "", nil
	}

	limit := p.maxBodyBytes
	if limit <= 0 {
		limit = 16 * 1024
	}

	reader := io.LimitReader(rc, limit)
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("whatsapp gateway provider: read body: %w", err)
	}
	return string(data), nil
}

type gatewayBody struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode int    `json:"code"`
	Message   string `json:"message"`
}

func parseGatewayBody(body string) gatewayBody {
	if strings.TrimSpace(body) == "" {
		return gatewayBody{}
	}

	var parsed gatewayBody
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		return parsed
	}

	var generic map[string]any
	if err := json.Unmarshal([]byte(body), &generic); err != nil {
		return gatewayBody{}
	}

	result := gatewayBody{}
	if v, ok := generic["sid"].(string); ok {
		result.SID = v
	}
	if v, ok := generic["status"].(string); ok {
		result.Status = v
	}
	if v, ok := generic["code"]; ok {
		switch value := v.(type) {
		case float64:
			result.ErrorCode = int(value)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				result.ErrorCode = n
			}
		}
	}
	if v, ok := generic["message"].(string); ok {
		result.Message = v
	}
	return result
}

func formatWhatsAppAddress(number string) string {
	trimmed := strings.TrimSpace(number)
	if trimmed == "" {
		return ""
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "whatsapp:") {
		suffix := strings.TrimSpace(trimmed[len("whatsapp:"):])
		return "whatsapp:" + suffix
	}
	return "whatsapp:" + trimmed
}
