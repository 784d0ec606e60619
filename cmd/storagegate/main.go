package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/stackmint/storagegate/config"
	"github.com/stackmint/storagegate/internal/bootstrap"
)

func main() {
	ctx := context.Background()

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := bootstrap.InitLogger(cfg.IsDev)

	if err := run(ctx, &cfg, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	logStartupInfo(ctx, logger, cfg)

	container, err := bootstrap.BuildContainer(cfg, logger)
	if err != nil {
		return err
	}

	return bootstrap.RunServicesWithShutdown(container)
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return
	}
	names := make([]string, 0, len(services))
	for mode := range services {
		names = append(names, string(mode))
	}
	logger.InfoContext(ctx, "starting storagegate control plane",
		"multi_tenant", cfg.MultiTenant,
		"db_host", cfg.Postgres.Host,
		"db_name", cfg.Postgres.Name,
		"enabled_services", names,
	)
}
