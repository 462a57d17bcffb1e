package factory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/delivery-engine/internal/config"
	emailprovider "github.com/example/delivery-engine/internal/providers/email"
	waprovider "github.com/example/delivery-engine/internal/providers/whatsapp"
)

// Email constructs the configured email provider, supporting SMTP and mock backends.
func Email(cfg config.ProviderConfig, logger zerolog.Logger) (emailprovider.Provider, error) {
	backend := normalize(cfg.EmailBackend, "mock")
	switch backend {
	case "smtp":
		provider, err := emailprovider.NewSMTPProvider(cfg.SMTP, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: smtp provider init: %w", err)
		}
		logger.Info().
			Str("backend", "smtp").
			Msg("email provider initialised")
		return provider, nil
	case "mock":
		provider := emailprovider.NewMockProvider(logger)
		logger.Info().
			Str("backend", "mock").
			Msg("email provider initialised")
		return provider, nil
	default:
		return nil, fmt.Errorf("factory: unsupported email provider backend %q", cfg.EmailBackend)
	}
}

// WhatsApp constructs the configured WhatsApp provider. Supports gateway and mock backends.
func WhatsApp(cfg config.ProviderConfig, logger zerolog.Logger) (waprovider.Provider, error) {
	backend := normalize(cfg.WhatsAppBackend, "mock")
	switch backend {
	case "gateway":
		provider, err := waprovider.NewGatewayProvider(cfg.WhatsApp, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: whatsapp gateway provider init: %w", err)
		}
		logger.Info().
			Str("backend", "gateway").
			Msg("whatsapp provider initialised")
		return provider, nil
	case "mock":
		provider := waprovider.NewMockProvider(logger)
		logger.Info().
			Str("backend", "mock").
			Msg("whatsapp provider initialised")
		return provider, nil
	default:
		return nil, fmt.Errorf("factory: unsupported whatsapp provider backend %q", cfg.WhatsAppBackend)
	}
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
