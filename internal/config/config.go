package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the delivery engine. Values
// come from the environment (optionally seeded from a .env file) with
// sensible defaults for everything except the database connection.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Kafka     KafkaConfig
	Providers ProviderConfig
	Dispatch  DispatchConfig
	Retention RetentionConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// HTTPConfig controls the tracking/admin HTTP server.
type HTTPConfig struct {
	Port          int
	PublicBaseURL string
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// KafkaConfig defines the optional delivery-event stream. When Brokers is
// empty the engine runs without event publishing.
type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
	HookTopic   string
}

// Enabled reports whether event publishing is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// SMTPConfig stores SMTP credentials for email delivery.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// WhatsAppConfig stores the WhatsApp gateway credentials.
type WhatsAppConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
}

// ProviderConfig selects and configures the outbound provider backends.
// Credentials are validated by the provider constructors, not here, so the
// mock backends can run without any of them set.
type ProviderConfig struct {
	EmailBackend    string
	WhatsAppBackend string
	SMTP            SMTPConfig
	WhatsApp        WhatsAppConfig
}

// DispatchConfig tunes the batch dispatcher.
type DispatchConfig struct {
	Concurrency            int
	ProviderTimeoutSeconds int
	StaleAfterMinutes      int
}

// RetentionConfig controls how long terminal queue items and history rows
// are kept before cleanup removes them.
type RetentionConfig struct {
	QueueDays   int
	HistoryDays int
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.HTTP.Port = ldr.getInt("HTTP_PORT", 8080, false)
	cfg.HTTP.PublicBaseURL = strings.TrimRight(ldr.getString("PUBLIC_BASE_URL", "http://localhost:8080", false), "/")

	cfg.Database.URL = ldr.getString("DATABASE_URL", "", true)
	cfg.Database.MaxConns = ldr.getInt("DATABASE_MAX_CONNS", 10, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.EventsTopic = ldr.getString("KAFKA_EVENTS_TOPIC", "delivery.events", false)
	cfg.Kafka.HookTopic = ldr.getString("KAFKA_HOOK_TOPIC", "delivery.hooks", false)

	cfg.Providers.EmailBackend = ldr.getString("EMAIL_PROVIDER", "mock", false)
	cfg.Providers.WhatsAppBackend = ldr.getString("WHATSAPP_PROVIDER", "mock", false)

	cfg.Providers.SMTP.Host = ldr.getString("SMTP_HOST", "", false)
	cfg.Providers.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.Providers.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.Providers.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)
	cfg.Providers.SMTP.From = ldr.getString("SMTP_FROM", "", false)

	cfg.Providers.WhatsApp.AccountSID = ldr.getString("WA_ACCOUNT_SID", "", false)
	cfg.Providers.WhatsApp.AuthToken = ldr.getString("WA_AUTH_TOKEN", "", false)
	cfg.Providers.WhatsApp.FromNumber = ldr.getString("WA_FROM_NUMBER", "", false)
	cfg.Providers.WhatsApp.BaseURL = ldr.getString("WA_BASE_URL", "", false)

	cfg.Dispatch.Concurrency = ldr.getInt("DISPATCH_CONCURRENCY", 8, false)
	cfg.Dispatch.ProviderTimeoutSeconds = ldr.getInt("PROVIDER_TIMEOUT_SECONDS", 30, false)
	cfg.Dispatch.StaleAfterMinutes = ldr.getInt("DISPATCH_STALE_AFTER_MINUTES", 15, false)

	cfg.Retention.QueueDays = ldr.getInt("RETENTION_QUEUE_DAYS", 30, false)
	cfg.Retention.HistoryDays = ldr.getInt("RETENTION_HISTORY_DAYS", 180, false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
