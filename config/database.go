package config

import "time"

// DBConfig contains the control-plane PostgreSQL database configuration.
// The control-plane database holds the queue tables and the
// event_log_tenants lease table.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"storagegate"`
	Password string `env:"PASSWORD" envDefault:"storagegate"`
	Name     string `env:"NAME"     envDefault:"storagegate"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// URL, when set, overrides the individual host/port/user fields.
	// Required in multi-tenant mode.
	URL string `env:"URL"`
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// TenantPoolConfig governs the per-tenant connection pool manager.
type TenantPoolConfig struct {
	// DefaultMaxConnections sizes internal (non-external) tenant pools.
	DefaultMaxConnections int `env:"DEFAULT_MAX_CONNECTIONS" envDefault:"10"`

	// ConnectTimeout bounds establishing a new physical connection.
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`

	// AcquireTimeout bounds leasing a connection from a pool.
	AcquireTimeout time.Duration `env:"ACQUIRE_TIMEOUT" envDefault:"10s"`

	// IdleTTLMultiTenant is the sliding idle expiry for cached pools when
	// serving many tenants; kept short so idle tenants release connections.
	IdleTTLMultiTenant time.Duration `env:"IDLE_TTL_MULTI_TENANT" envDefault:"5m"`

	// IdleTTLSingleTenant is the sliding idle expiry in single-tenant mode.
	IdleTTLSingleTenant time.Duration `env:"IDLE_TTL_SINGLE_TENANT" envDefault:"1h"`

	// EvictionInterval is how often the janitor scans for expired pools.
	EvictionInterval time.Duration `env:"EVICTION_INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to tenant pool configuration values.
func (c *TenantPoolConfig) Sanitize() {
	if c.DefaultMaxConnections < 1 {
		c.DefaultMaxConnections = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.IdleTTLMultiTenant < time.Minute {
		c.IdleTTLMultiTenant = time.Minute
	}
	if c.IdleTTLSingleTenant < time.Minute {
		c.IdleTTLSingleTenant = time.Minute
	}
	if c.EvictionInterval < time.Second {
		c.EvictionInterval = time.Second
	}
}

// RedisConfig contains Redis configuration for the tenant config cache.
type RedisConfig struct {
	URI      string `env:"URI"      envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`

	// TenantConfigTTL is how long resolved tenant configuration is cached.
	TenantConfigTTL time.Duration `env:"TENANT_CONFIG_TTL" envDefault:"10m"`
}
