package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackmint/storagegate/internal/domain/retry"
	apperrors "github.com/stackmint/storagegate/internal/errors"
)

// ErrTxCompletedEarly signals the external-pool race where a transaction
// reports done before any work ran on it. Surfaced distinctly so callers
// can tell it apart from their own transaction errors.
var ErrTxCompletedEarly = apperrors.Internal("transaction completed before any work was done")

// acquirePolicy retries transaction acquisition only on pool
// exhaustion. Every other error class fails immediately.
var acquirePolicy = retry.Policy{
	MinDelay:    100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	MaxElapsed:  10 * time.Second,
	MaxAttempts: 5,
	IsRetryable: apperrors.IsContention,
}

// Connection is a job- or request-scoped handle on a tenant's database.
// It stamps session identity into every transaction it opens so
// row-level-security policies in the tenant database can see who is
// acting. Each Transaction call opens its own transaction; callers that
// already hold one pass it through TransactionWith.
type Connection struct {
	DB      *sql.DB
	Options ConnectionOptions
	logger  *slog.Logger
}

// NewConnection wraps a leased pool with tenant identity.
func NewConnection(db *sql.DB, opts ConnectionOptions, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		DB:      db,
		Options: opts,
		logger:  logger.With("component", "tenant_connection", "tenant_id", opts.TenantID),
	}
}

// Transaction opens a scoped transaction and runs fn in it. Leasing a
// connection from the pool is bounded by the configured acquire timeout
// and retried with backoff only when the pool is exhausted. The session
// scope is stamped before fn sees the transaction.
func (c *Connection) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := c.acquireConn(ctx)
	if err != nil {
		return fmt.Errorf("acquire tenant connection: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, sql.ErrConnDone) {
			c.logger.ErrorContext(ctx, "failed to release tenant connection", "err", closeErr)
		}
	}()

	// The transaction rides the caller's context, not the acquire
	// deadline, so long batches are not cut off mid-flight.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tenant transaction: %w", apperrors.MapDBError(err))
	}

	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			c.logger.ErrorContext(ctx, "failed to rollback tenant transaction", "err", rollbackErr)
		}
	}()

	if c.Options.IsExternalPool {
		// External pools have been seen to hand out transactions that
		// are already finished. Probe before doing real work so the
		// condition is reported as what it is.
		if _, probeErr := tx.ExecContext(ctx, "SELECT 1"); probeErr != nil {
			if errors.Is(probeErr, sql.ErrTxDone) {
				return ErrTxCompletedEarly
			}
			return apperrors.MapDBError(fmt.Errorf("probe tenant transaction: %w", probeErr))
		}
		// External pools carry no pool-level search_path default.
		if _, pathErr := tx.ExecContext(ctx, "SET LOCAL search_path = public"); pathErr != nil {
			return apperrors.MapDBError(fmt.Errorf("set search path: %w", pathErr))
		}
	}

	if err := c.SetScope(ctx, tx); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return apperrors.MapDBError(err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.MapDBError(fmt.Errorf("commit tenant transaction: %w", err))
	}
	return nil
}

// TransactionWith runs fn on parent when one is supplied, leaving
// commit and rollback to whoever opened it. The parent already carries
// its session scope, so nothing is re-stamped. With no parent it
// behaves exactly like Transaction.
func (c *Connection) TransactionWith(ctx context.Context, parent *sql.Tx, fn func(tx *sql.Tx) error) error {
	if parent == nil {
		return c.Transaction(ctx, fn)
	}
	if err := fn(parent); err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

func (c *Connection) acquireConn(ctx context.Context) (*sql.Conn, error) {
	var conn *sql.Conn
	err := acquirePolicy.Do(ctx, func(ctx context.Context) error {
		acqCtx := ctx
		if timeout := c.Options.AcquireTimeout; timeout > 0 {
			var cancel context.CancelFunc
			acqCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var acqErr error
		conn, acqErr = c.DB.Conn(acqCtx)
		if acqErr != nil {
			return apperrors.MapDBError(acqErr)
		}
		return nil
	})
	return conn, err
}

const setScopeSQL = `
  SELECT
    set_config('role', $1, true),
    set_config('request.jwt', $2, true),
    set_config('request.jwt.claims', $3, true),
    set_config('request.jwt.claim.sub', $4, true),
    set_config('request.headers', $5, true),
    set_config('request.method', $6, true),
    set_config('request.path', $7, true),
    set_config('app.operation', $8, true),
    set_config('app.tenant_id', $9, true)`

// SetScope stamps the session variables RLS policies read. Must run
// before any tenant-scoped query in the transaction. One statement so
// the scope is either fully applied or not at all.
func (c *Connection) SetScope(ctx context.Context, tx *sql.Tx) error {
	role := c.Options.User
	if c.Options.SuperUser {
		role = "service_role"
	}
	if role == "" {
		role = "authenticated"
	}

	claims := c.Options.Claims
	if len(claims) == 0 {
		claims = json.RawMessage("{}")
	}
	sub := c.Options.User
	if len(c.Options.Claims) > 0 {
		var parsed struct {
			Sub string `json:"sub"`
		}
		if json.Unmarshal(c.Options.Claims, &parsed) == nil && parsed.Sub != "" {
			sub = parsed.Sub
		}
	}
	headersJSON, err := json.Marshal(c.Options.Headers)
	if err != nil {
		return fmt.Errorf("marshal request headers: %w", err)
	}

	_, err = tx.ExecContext(ctx, setScopeSQL,
		role,
		c.Options.JWT,
		string(claims),
		sub,
		string(headersJSON),
		c.Options.Method,
		c.Options.Path,
		c.Options.Operation,
		c.Options.TenantID,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("set session scope: %w", err))
	}
	return nil
}
