package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stackmint/storagegate/internal/domain/model"
	apperrors "github.com/stackmint/storagegate/internal/errors"
)

// TenantLeaseRepo manages the control-plane event_log_tenants table.
// Every publisher instance competes over the same rows; claiming with
// SKIP LOCKED plus a lease-length reschedule keeps instances from
// polling the same tenant concurrently and lets a crashed instance's
// claims expire on their own.
type TenantLeaseRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewTenantLeaseRepo creates a TenantLeaseRepo over the control-plane database.
func NewTenantLeaseRepo(db *sql.DB, tp TimeProvider) *TenantLeaseRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &TenantLeaseRepo{DB: db, timeProvider: tp}
}

const claimTenantsSQL = `
  UPDATE event_log_tenants t
  SET
    next_poll_at = $3::timestamptz + make_interval(secs => $2),
    last_polled_at = $3::timestamptz,
    poll_count = t.poll_count + 1
  FROM (
    SELECT tenant_id
    FROM event_log_tenants
    WHERE next_poll_at <= $3::timestamptz
    ORDER BY next_poll_at ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
  ) due
  WHERE t.tenant_id = due.tenant_id
  RETURNING t.tenant_id`

// ClaimTenants atomically claims up to limit due tenants and pushes
// their next_poll_at one lease length into the future. Two instances
// claiming at once get disjoint sets.
func (r *TenantLeaseRepo) ClaimTenants(ctx context.Context, limit int, lease time.Duration) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, claimTenantsSQL, limit, lease.Seconds(), r.timeProvider.Now().UTC())
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("claim tenants: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed tenant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return ids, nil
}

// Reschedule sets a tenant's next poll to delay from now. A zero delay
// makes the tenant immediately due again.
func (r *TenantLeaseRepo) Reschedule(ctx context.Context, tenantID string, delay time.Duration) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE event_log_tenants
		SET next_poll_at = $3::timestamptz + make_interval(secs => $2)
		WHERE tenant_id = $1
	`, tenantID, delay.Seconds(), r.timeProvider.Now().UTC())
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("reschedule tenant %s: %w", tenantID, err))
	}
	return nil
}

// RemoveLease drops a tenant's lease row. Used when a tenant's database
// no longer exists or the tenant was deprovisioned.
func (r *TenantLeaseRepo) RemoveLease(ctx context.Context, tenantID string) error {
	_, err := r.DB.ExecContext(ctx, `
		DELETE FROM event_log_tenants
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("remove tenant lease %s: %w", tenantID, err))
	}
	return nil
}

// UpsertLeases registers tenants for polling, scheduling new ones after
// warmDelay so freshly provisioned databases are not hit immediately.
// Existing rows are left untouched.
func (r *TenantLeaseRepo) UpsertLeases(ctx context.Context, tenantIDs []string, warmDelay time.Duration) error {
	if len(tenantIDs) == 0 {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO event_log_tenants (tenant_id, next_poll_at)
		SELECT unnest($1::text[]), $3::timestamptz + make_interval(secs => $2)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantIDs, warmDelay.Seconds(), r.timeProvider.Now().UTC())
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("upsert tenant leases: %w", err))
	}
	return nil
}

// ListTenantsPage returns one page of registered tenants ordered by
// their surrogate id, for cursor pagination during sweeps.
func (r *TenantLeaseRepo) ListTenantsPage(ctx context.Context, afterID int64, limit int) ([]model.TenantRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, tenant_id
		FROM tenants
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list tenants page: %w", err))
	}
	defer rows.Close()

	var out []model.TenantRecord
	for rows.Next() {
		var rec model.TenantRecord
		if err := rows.Scan(&rec.ID, &rec.TenantID); err != nil {
			return nil, fmt.Errorf("scan tenant record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return out, nil
}

// HasLease reports whether a lease row exists for the tenant.
func (r *TenantLeaseRepo) HasLease(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM event_log_tenants WHERE tenant_id = $1)
	`, tenantID).Scan(&exists)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("check tenant lease %s: %w", tenantID, err))
	}
	return exists, nil
}
