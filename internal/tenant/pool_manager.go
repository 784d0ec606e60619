// Package tenant manages per-tenant database access: a pool cache with
// idle eviction, scoped tenant connections, and tenant configuration
// resolution.
package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"golang.org/x/sync/errgroup"

	"github.com/stackmint/storagegate/config"
	"github.com/stackmint/storagegate/internal/data"
	apperrors "github.com/stackmint/storagegate/internal/errors"
)

// ConnectionOptions identifies which physical database to reach and
// which session identity to stamp. Built per job or request, never
// persisted.
type ConnectionOptions struct {
	TenantID       string
	DBURL          string
	IsExternalPool bool
	MaxConnections int
	// AcquireTimeout bounds leasing a connection from the pool. The
	// Connector fills it from configuration when the caller leaves it
	// zero.
	AcquireTimeout time.Duration
	User           string
	SuperUser      bool
	JWT            string
	Claims         json.RawMessage
	Headers        map[string]string
	Method         string
	Path           string
	Operation      string
}

// OpenFunc opens a database handle for a DSN. Injected in tests.
type OpenFunc func(dsn string) (*sql.DB, error)

type poolEntry struct {
	db        *sql.DB
	expiresAt time.Time

	// closeOnce makes teardown idempotent: the janitor and Stop can
	// both reach an entry without double-closing it.
	closeOnce sync.Once
	closeErr  error
}

func (e *poolEntry) destroy() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.db.Close()
	})
	return e.closeErr
}

// PoolManager caches tenant database pools keyed by connection URL.
// Pools are created lazily, kept alive by a sliding idle TTL, and
// destroyed by a janitor once the TTL lapses.
type PoolManager struct {
	cfg          config.TenantPoolConfig
	multiTenant  bool
	open         OpenFunc
	logger       *slog.Logger
	timeProvider data.TimeProvider

	mu    sync.Mutex
	pools map[string]*poolEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// PoolManagerOptions configures a PoolManager.
type PoolManagerOptions struct {
	Config       config.TenantPoolConfig
	MultiTenant  bool
	Open         OpenFunc
	Logger       *slog.Logger
	TimeProvider data.TimeProvider
}

// NewPoolManager creates a pool manager and starts its eviction janitor.
func NewPoolManager(opts PoolManagerOptions) *PoolManager {
	if opts.Open == nil {
		opts.Open = func(dsn string) (*sql.DB, error) {
			return sql.Open("pgx", dsn)
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}

	m := &PoolManager{
		cfg:          opts.Config,
		multiTenant:  opts.MultiTenant,
		open:         opts.Open,
		logger:       opts.Logger.With("component", "pool_manager"),
		timeProvider: opts.TimeProvider,
		pools:        make(map[string]*poolEntry),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go m.janitor()
	return m
}

// withConnectTimeout appends a connect_timeout parameter to the DSN so
// new physical connections to an unreachable tenant database fail fast.
// A timeout already present in the DSN wins.
func withConnectTimeout(dsn string, timeout time.Duration) string {
	if timeout <= 0 {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	q := u.Query()
	if q.Has("connect_timeout") {
		return dsn
	}
	secs := int((timeout + time.Second - 1) / time.Second)
	q.Set("connect_timeout", strconv.Itoa(secs))
	u.RawQuery = q.Encode()
	return u.String()
}

// idleTTL picks the sliding expiry for the deployment mode.
func (m *PoolManager) idleTTL() time.Duration {
	if m.multiTenant {
		return m.cfg.IdleTTLMultiTenant
	}
	return m.cfg.IdleTTLSingleTenant
}

// AcquirePool returns the live pool for the options' connection URL,
// creating one if none exists. Every acquisition extends the entry's
// idle TTL. Tenants resolving to the same URL share one pool.
func (m *PoolManager) AcquirePool(ctx context.Context, opts ConnectionOptions) (*sql.DB, error) {
	if opts.DBURL == "" {
		return nil, apperrors.Configuration("tenant connection requires a database URL")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeProvider.Now()
	if entry, ok := m.pools[opts.DBURL]; ok {
		entry.expiresAt = now.Add(m.idleTTL())
		return entry.db, nil
	}

	db, err := m.open(withConnectTimeout(opts.DBURL, m.cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("open pool for tenant %s: %w", opts.TenantID, apperrors.MapDBError(err))
	}

	maxConns := opts.MaxConnections
	if !opts.IsExternalPool || maxConns <= 0 {
		maxConns = m.cfg.DefaultMaxConnections
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(m.idleTTL())

	m.pools[opts.DBURL] = &poolEntry{
		db:        db,
		expiresAt: now.Add(m.idleTTL()),
	}
	m.logger.InfoContext(ctx, "created tenant pool",
		"tenant_id", opts.TenantID,
		"external", opts.IsExternalPool,
		"max_connections", maxConns,
	)
	return db, nil
}

// PoolCount reports how many live pools are cached.
func (m *PoolManager) PoolCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

// EvictExpired destroys every pool whose idle TTL has lapsed and
// returns how many were evicted. The janitor calls this on a timer;
// tests call it directly.
func (m *PoolManager) EvictExpired() int {
	now := m.timeProvider.Now()

	m.mu.Lock()
	var expired []*poolEntry
	for key, entry := range m.pools {
		if now.After(entry.expiresAt) {
			expired = append(expired, entry)
			delete(m.pools, key)
		}
	}
	m.mu.Unlock()

	for _, entry := range expired {
		if err := entry.destroy(); err != nil {
			m.logger.Error("failed to close evicted pool", "err", err)
		}
	}
	return len(expired)
}

func (m *PoolManager) janitor() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.EvictExpired(); n > 0 {
				m.logger.Debug("evicted idle tenant pools", "count", n)
			}
		}
	}
}

// Stop cancels the janitor and destroys every live pool concurrently.
// Individual close failures are logged, never fatal; Stop always
// completes and always returns nil.
func (m *PoolManager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh

	m.mu.Lock()
	entries := make([]*poolEntry, 0, len(m.pools))
	for key, entry := range m.pools {
		entries = append(entries, entry)
		delete(m.pools, key)
	}
	m.mu.Unlock()

	g := new(errgroup.Group)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := entry.destroy(); err != nil {
				m.logger.ErrorContext(ctx, "failed to close tenant pool", "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.InfoContext(ctx, "pool manager stopped", "pools_closed", len(entries))
	return nil
}

// String implements fmt.Stringer for logging.
func (m *PoolManager) String() string {
	return fmt.Sprintf("PoolManager(pools=%d, multi_tenant=%t)", m.PoolCount(), m.multiTenant)
}
