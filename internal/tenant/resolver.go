package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/stackmint/storagegate/internal/errors"
)

// DBSettings is what the control plane needs to know about a tenant's
// database: where it lives and how its pool behaves.
type DBSettings struct {
	DatabaseURL     string `json:"database_url"`
	DatabasePoolURL string `json:"database_pool_url"`
	MaxConnections  int    `json:"max_connections"`
	PoolMode        string `json:"pool_mode"`
}

// EffectiveURL prefers the pooler endpoint when one is configured.
func (s DBSettings) EffectiveURL() string {
	if s.DatabasePoolURL != "" {
		return s.DatabasePoolURL
	}
	return s.DatabaseURL
}

// ExternalPool reports whether the tenant routes through an external
// pooler rather than the process-internal pool.
func (s DBSettings) ExternalPool() bool {
	return s.DatabasePoolURL != ""
}

// Validate rejects settings that cannot produce a working connection.
func (s DBSettings) Validate() error {
	if s.DatabaseURL == "" && s.DatabasePoolURL == "" {
		return apperrors.Configuration("tenant has no database URL configured")
	}
	return nil
}

// Resolver looks up a tenant's database settings. The control plane
// treats the lookup as opaque; provisioning owns the data.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) (DBSettings, error)
}

// StaticResolver serves one fixed configuration for every tenant.
// Used in single-tenant deployments where the URL comes from the
// environment.
type StaticResolver struct {
	Settings DBSettings
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, _ string) (DBSettings, error) {
	if err := r.Settings.Validate(); err != nil {
		return DBSettings{}, err
	}
	return r.Settings, nil
}

// RegistryResolver reads tenant database settings from the tenants
// registry table in the control-plane database.
type RegistryResolver struct {
	DB *sql.DB
}

// Resolve implements Resolver.
func (r *RegistryResolver) Resolve(ctx context.Context, tenantID string) (DBSettings, error) {
	var (
		s       DBSettings
		poolURL sql.NullString
		maxConn sql.NullInt64
		mode    sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT database_url, database_pool_url, max_connections, pool_mode
		FROM tenants
		WHERE tenant_id = $1
	`, tenantID).Scan(&s.DatabaseURL, &poolURL, &maxConn, &mode)
	if errors.Is(err, sql.ErrNoRows) {
		return DBSettings{}, apperrors.NotFound(fmt.Sprintf("tenant %s is not registered", tenantID))
	}
	if err != nil {
		return DBSettings{}, apperrors.MapDBError(fmt.Errorf("resolve tenant %s: %w", tenantID, err))
	}
	if poolURL.Valid {
		s.DatabasePoolURL = poolURL.String
	}
	if maxConn.Valid {
		s.MaxConnections = int(maxConn.Int64)
	}
	if mode.Valid {
		s.PoolMode = mode.String
	}
	return s, nil
}

// CachedResolver caches resolved tenant settings in Redis so the
// publisher and queue handlers do not hit the provisioning store on
// every job. Cache failures degrade to the inner resolver.
type CachedResolver struct {
	Inner  Resolver
	Client *redis.Client
	TTL    time.Duration
	Logger *slog.Logger
}

// NewCachedResolver wraps a resolver with a Redis cache.
func NewCachedResolver(inner Resolver, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedResolver{
		Inner:  inner,
		Client: client,
		TTL:    ttl,
		Logger: logger.With("component", "tenant_resolver"),
	}
}

func cacheKey(tenantID string) string {
	return "tenant:db_settings:" + tenantID
}

// Resolve implements Resolver with a read-through cache.
func (r *CachedResolver) Resolve(ctx context.Context, tenantID string) (DBSettings, error) {
	if tenantID == "" {
		return DBSettings{}, apperrors.Validation("tenant id is required")
	}

	if r.Client != nil {
		raw, err := r.Client.Get(ctx, cacheKey(tenantID)).Bytes()
		switch {
		case err == nil:
			var cached DBSettings
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return cached, nil
			}
			// Corrupt cache entry falls through to the inner lookup.
			r.Logger.WarnContext(ctx, "discarding corrupt tenant cache entry", "tenant_id", tenantID)
		case errors.Is(err, redis.Nil):
			// Cache miss.
		default:
			r.Logger.WarnContext(ctx, "tenant cache read failed", "tenant_id", tenantID, "err", err)
		}
	}

	settings, err := r.Inner.Resolve(ctx, tenantID)
	if err != nil {
		return DBSettings{}, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}
	if err := settings.Validate(); err != nil {
		return DBSettings{}, err
	}

	if r.Client != nil {
		if raw, marshalErr := json.Marshal(settings); marshalErr == nil {
			if setErr := r.Client.Set(ctx, cacheKey(tenantID), raw, r.TTL).Err(); setErr != nil {
				r.Logger.WarnContext(ctx, "tenant cache write failed", "tenant_id", tenantID, "err", setErr)
			}
		}
	}
	return settings, nil
}

// Invalidate drops a tenant's cached settings, forcing the next
// Resolve through the inner resolver.
func (r *CachedResolver) Invalidate(ctx context.Context, tenantID string) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, cacheKey(tenantID)).Err()
}

// Connector combines the resolver and pool manager into the one call
// sites actually use: give me a scoped connection for this tenant.
type Connector struct {
	Resolver Resolver
	Pools    *PoolManager
	Logger   *slog.Logger
}

// GetPostgresConnection resolves the tenant, leases its pool, and wraps
// it with the identity in opts. The returned connection is scoped to
// this caller; the pool behind it is shared.
func (c *Connector) GetPostgresConnection(ctx context.Context, opts ConnectionOptions) (*Connection, error) {
	if opts.DBURL == "" {
		settings, err := c.Resolver.Resolve(ctx, opts.TenantID)
		if err != nil {
			return nil, err
		}
		opts.DBURL = settings.EffectiveURL()
		opts.IsExternalPool = settings.ExternalPool()
		if opts.MaxConnections <= 0 {
			opts.MaxConnections = settings.MaxConnections
		}
	}

	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = c.Pools.cfg.AcquireTimeout
	}

	db, err := c.Pools.AcquirePool(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewConnection(db, opts, c.Logger), nil
}
