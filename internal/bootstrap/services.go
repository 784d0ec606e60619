package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackmint/storagegate/config"
	"github.com/stackmint/storagegate/internal/adapters/webhook"
	"github.com/stackmint/storagegate/internal/data"
	"github.com/stackmint/storagegate/internal/migrate"
	"github.com/stackmint/storagegate/internal/observability/statsd"
	"github.com/stackmint/storagegate/internal/publisher"
	"github.com/stackmint/storagegate/internal/queue"
	"github.com/stackmint/storagegate/internal/tenant"
)

const shutdownWaitTimeout = 30 * time.Second

// Container holds the wired application services.
type Container struct {
	Config    *config.AppConfig
	Logger    *slog.Logger
	DB        *sql.DB
	Redis     *redis.Client
	Sink      *statsd.Client
	Pools     *tenant.PoolManager
	Connector *tenant.Connector
	Store     *data.QueueStore
	Engine    *queue.Engine
	Health    *queue.HealthMonitor
	Publisher *publisher.EventPublisher

	// fatalCh carries the health monitor's process-fatal signal into
	// the orchestration loop.
	fatalCh chan string
}

// BuildContainer connects backing stores and wires every enabled
// service. Configuration problems surface here, before anything runs.
func BuildContainer(cfg *config.AppConfig, logger *slog.Logger) (*Container, error) {
	if err := ValidateServiceConfig(cfg); err != nil {
		return nil, err
	}

	db, err := ConnectDB(cfg.Postgres, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.RunMigrationsOnStart {
		if migrateErr := migrate.Run(context.Background(), db); migrateErr != nil {
			return nil, errors.Join(fmt.Errorf("run migrations: %w", migrateErr), db.Close())
		}
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		fatalCh: make(chan string, 1),
	}

	if cfg.Observability.Metrics.IsEnabled() {
		sink, sinkErr := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Observability.Metrics.StatsdAddress,
			Prefix:  "storagegate",
			Logger:  logger,
		})
		if sinkErr != nil {
			logger.Warn("statsd sink unavailable, metrics disabled", "err", sinkErr)
		} else {
			c.Sink = sink
		}
	}

	c.Pools = tenant.NewPoolManager(tenant.PoolManagerOptions{
		Config:      cfg.Pools,
		MultiTenant: cfg.MultiTenant,
		Logger:      logger,
	})

	resolver, err := c.buildResolver()
	if err != nil {
		return nil, err
	}
	c.Connector = &tenant.Connector{
		Resolver: resolver,
		Pools:    c.Pools,
		Logger:   logger,
	}

	c.Store = data.NewQueueStore(db, data.QueueStoreConfig{
		DefaultRetryLimit: cfg.Queue.RetryLimit,
		DefaultRetryDelay: cfg.Queue.RetryDelay,
		Logger:            logger,
	})

	c.Engine = queue.NewEngine(queue.EngineOptions{
		Store:  c.Store,
		Config: cfg.Queue,
		Logger: logger,
		Sink:   c.metricsSink(),
	})
	c.Health = queue.NewHealthMonitor(queue.HealthMonitorOptions{
		Config:  cfg.Health,
		Stopper: c.Engine,
		Fatal:   c.raiseFatal,
		Logger:  logger,
	})
	c.Engine.SetHealth(c.Health)

	if cfg.IsQueueWorkerEnabled() {
		if err := c.registerWebhookHandlers(); err != nil {
			return nil, err
		}
	}

	if cfg.IsEventPublisherEnabled() {
		c.Publisher = publisher.NewEventPublisher(publisher.Options{
			Config: cfg.Publisher,
			Leases: data.NewTenantLeaseRepo(db, nil),
			Processor: &publisher.Processor{
				Connector: c.Connector,
				Events:    data.NewEventLogRepo(),
				Queue:     c.Engine,
				Verifier:  publisher.NewHMACVerifier([]byte(cfg.EventSigningSecret)),
				BatchSize: cfg.Publisher.BatchSize,
				Logger:    logger,
				Sink:      c.metricsSink(),
			},
			MultiTenant: cfg.MultiTenant,
			TenantID:    cfg.TenantID,
			Logger:      logger,
		})
	}

	return c, nil
}

// buildResolver picks the tenant configuration source: the registry
// table behind a Redis cache in multi-tenant mode, the control-plane
// DSN in single-tenant mode.
func (c *Container) buildResolver() (tenant.Resolver, error) {
	if !c.Config.MultiTenant {
		return &tenant.StaticResolver{
			Settings: tenant.DBSettings{DatabaseURL: ControlPlaneDSN(c.Config.Postgres)},
		}, nil
	}

	redisClient, err := ConnectRedis(c.Config.Redis, c.Logger)
	if err != nil {
		return nil, err
	}
	c.Redis = redisClient

	inner := &tenant.RegistryResolver{DB: c.DB}
	return tenant.NewCachedResolver(inner, redisClient, c.Config.Redis.TenantConfigTTL, c.Logger), nil
}

// registerWebhookHandlers registers one delivery handler per configured
// event name.
func (c *Container) registerWebhookHandlers() error {
	for _, eventName := range c.Config.GetWebhookEvents() {
		h, err := webhook.New(webhook.Config{
			EventName: eventName,
			Logger:    c.Logger,
		}, c.Engine)
		if err != nil {
			return fmt.Errorf("build webhook handler %s: %w", eventName, err)
		}
		if err := c.Engine.Register(h); err != nil {
			return fmt.Errorf("register webhook handler %s: %w", eventName, err)
		}
	}
	return nil
}

// metricsSink returns the sink as an interface, keeping the typed-nil
// pitfall out of emission checks.
func (c *Container) metricsSink() statsd.Sink {
	if c.Sink == nil {
		return nil
	}
	return c.Sink
}

// raiseFatal feeds the health monitor's verdict into the orchestration
// loop. Non-blocking; one pending fatal is enough.
func (c *Container) raiseFatal(reason string) {
	select {
	case c.fatalCh <- reason:
	default:
	}
}

// Close releases the container's connections.
func (c *Container) Close(ctx context.Context) {
	if c.Pools != nil {
		_ = c.Pools.Stop(ctx)
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Error("failed to close redis client", "err", err)
		}
	}
	if c.Sink != nil {
		if err := c.Sink.Close(); err != nil {
			c.Logger.Error("failed to close statsd sink", "err", err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.Error("failed to close database", "err", err)
		}
	}
}

// backgroundService pairs a name with a blocking Run function.
type backgroundService struct {
	name string
	run  func(ctx context.Context) error
}

// enabledServices lists the services this container should run.
func (c *Container) enabledServices() []backgroundService {
	var services []backgroundService
	if c.Config.IsQueueWorkerEnabled() {
		services = append(services, backgroundService{name: "queue-worker", run: c.Engine.Run})
	}
	if c.Config.IsEventPublisherEnabled() && c.Publisher != nil {
		services = append(services, backgroundService{name: "event-publisher", run: c.Publisher.Run})
	}
	return services
}

// RunServicesWithShutdown starts every enabled service and blocks until
// a shutdown signal, a service failure, or a health-monitor fatal.
// Always attempts a graceful drain before returning.
func RunServicesWithShutdown(c *Container) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services := c.enabledServices()
	if len(services) == 0 {
		return errors.New("no services to run")
	}

	errCh := make(chan error, len(services))
	doneChs := make([]<-chan struct{}, 0, len(services))
	for _, svc := range services {
		svc := svc
		done := make(chan struct{})
		doneChs = append(doneChs, done)
		go func() {
			defer close(done)
			if err := svc.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", svc.name, err)
			}
		}()
		c.Logger.Info("service started", "service", svc.name)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
		c.Logger.Info("shutting down services...")
	case err := <-errCh:
		c.Logger.Error("service error", "err", err)
		runErr = err
	case reason := <-c.fatalCh:
		c.Logger.Error("health monitor forced shutdown", "reason", reason)
		runErr = fmt.Errorf("queue health: %s", reason)
	}
	cancel()

	for i, svc := range services {
		waitForService(doneChs[i], svc.name, c.Logger)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
	defer closeCancel()
	c.Close(closeCtx)

	return runErr
}

// waitForService waits for one service to finish, bounded by the
// shutdown timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
