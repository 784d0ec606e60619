package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Control-plane database, tenant pool, and Redis configuration
//   - services.go: Service mode, queue, publisher, and health monitor configuration
type AppConfig struct {
	// IsDev controls development mode behavior (verbose logging, relaxed guardrails).
	IsDev bool `env:"DEV" envDefault:"false"`

	// MultiTenant selects multi-tenant operation: tenants are discovered and
	// leased through the event_log_tenants control table. When false, the
	// publisher polls the single tenant identified by TenantID.
	MultiTenant bool `env:"MULTI_TENANT" envDefault:"false"`

	// TenantID is the tenant to serve in single-tenant mode.
	TenantID string `env:"TENANT_ID" envDefault:"storagegate-single-tenant"`

	// Database configuration
	Postgres DBConfig         `envPrefix:"DB_"`
	Pools    TenantPoolConfig `envPrefix:"TENANT_POOL_"`
	Redis    RedisConfig      `envPrefix:"REDIS_"`

	// Service mode configuration. Comma-delimited list of enabled services.
	Services string `env:"SERVICES" envDefault:"queue-worker,event-publisher"`

	// EventSigningSecret is the shared secret event writers sign rows
	// with and the publisher verifies against. Required outside dev.
	EventSigningSecret string `env:"EVENT_SIGNING_SECRET"`

	// WebhookEvents lists the event names served by webhook delivery
	// handlers, comma-delimited.
	WebhookEvents string `env:"WEBHOOK_EVENTS" envDefault:"object-created,object-deleted"`

	// Queue engine configuration
	Queue QueueConfig

	// Event publisher configuration
	Publisher PublisherConfig

	// Queue health monitor configuration
	Health HealthMonitorConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Pools.Sanitize()
	c.Queue.Sanitize()
	c.Publisher.Sanitize()
	c.Health.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks both DEV and APP_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetWebhookEvents returns the configured webhook event names.
func (c *AppConfig) GetWebhookEvents() []string {
	var out []string
	for _, part := range strings.Split(c.WebhookEvents, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsQueueWorkerEnabled returns true if the queue worker service is enabled.
func (c *AppConfig) IsQueueWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeQueueWorker]
}

// IsEventPublisherEnabled returns true if the event publisher service is enabled.
func (c *AppConfig) IsEventPublisherEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeEventPublisher]
}
