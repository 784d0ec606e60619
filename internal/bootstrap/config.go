// Package bootstrap wires configuration, connections, and the service
// container, and runs the enabled services until shutdown.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/stackmint/storagegate/config"
)

// InitLogger initializes the structured logger.
func InitLogger(isDev bool) *slog.Logger {
	level := slog.LevelInfo
	if isDev {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (config.AppConfig, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig rejects configurations that cannot run. The
// multi-tenant URL requirement fails here, at startup, never later.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(services) == 0 {
		return errors.New("no services enabled")
	}

	if cfg.MultiTenant && cfg.Postgres.URL == "" {
		return errors.New("multi-tenant mode requires DB_URL")
	}
	if !cfg.MultiTenant && cfg.TenantID == "" {
		return errors.New("single-tenant mode requires TENANT_ID")
	}
	if cfg.IsEventPublisherEnabled() && cfg.EventSigningSecret == "" && !cfg.IsDev {
		return errors.New("event publisher requires EVENT_SIGNING_SECRET outside dev")
	}
	return nil
}
