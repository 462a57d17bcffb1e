package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/engine")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default http port, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.PublicBaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected base url %q", cfg.HTTP.PublicBaseURL)
	}
	if cfg.Providers.EmailBackend != "mock" || cfg.Providers.WhatsAppBackend != "mock" {
		t.Fatalf("expected mock providers by default, got %+v", cfg.Providers)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("expected kafka disabled without brokers")
	}
	if cfg.Kafka.EventsTopic != "delivery.events" || cfg.Kafka.HookTopic != "delivery.hooks" {
		t.Fatalf("unexpected kafka topics: %+v", cfg.Kafka)
	}
	if cfg.Dispatch.Concurrency != 8 || cfg.Dispatch.ProviderTimeoutSeconds != 30 {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg.Dispatch)
	}
	if cfg.Retention.QueueDays != 30 || cfg.Retention.HistoryDays != 180 {
		t.Fatalf("unexpected retention defaults: %+v", cfg.Retention)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected error to name the missing variable, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/engine")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")
	t.Setenv("PUBLIC_BASE_URL", "https://erp.example.com/")
	t.Setenv("DISPATCH_CONCURRENCY", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if !cfg.Kafka.Enabled() || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %+v", cfg.Kafka.Brokers)
	}
	if cfg.HTTP.PublicBaseURL != "https://erp.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.HTTP.PublicBaseURL)
	}
	if cfg.Dispatch.Concurrency != 2 {
		t.Fatalf("expected override applied, got %d", cfg.Dispatch.Concurrency)
	}
}
