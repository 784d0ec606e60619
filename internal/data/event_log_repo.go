package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stackmint/storagegate/internal/domain/model"
	apperrors "github.com/stackmint/storagegate/internal/errors"
)

// Querier is the subset of database/sql satisfied by both *sql.DB and
// *sql.Tx. Event log methods take it explicitly because the publisher
// runs forward-then-delete inside a tenant transaction it owns.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EventLogRepo reads and prunes a tenant's event_log outbox table.
type EventLogRepo struct{}

// NewEventLogRepo creates a new EventLogRepo.
func NewEventLogRepo() *EventLogRepo {
	return &EventLogRepo{}
}

// FetchPending returns up to limit pending rows in insertion order.
// Ordering by id keeps forwarding faithful to write order within a tenant.
func (r *EventLogRepo) FetchPending(ctx context.Context, q Querier, limit int) ([]model.EventLogRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, event_name, payload, send_options, signature, status, created_at
		FROM event_log
		WHERE status = 'PENDING'
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("fetch pending events: %w", err))
	}
	defer rows.Close()

	var out []model.EventLogRow
	for rows.Next() {
		var (
			row         model.EventLogRow
			payload     []byte
			sendOptions []byte
		)
		if err := rows.Scan(&row.ID, &row.EventName, &payload, &sendOptions, &row.Signature, &row.Status, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event log row: %w", err)
		}
		row.Payload = payload
		row.SendOptions = sendOptions
		row.CreatedAt = row.CreatedAt.UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return out, nil
}

// MarkSignatureInvalid quarantines tampered rows in one statement. The
// rows stay in the table for operator inspection and never match the
// PENDING filter again.
func (r *EventLogRepo) MarkSignatureInvalid(ctx context.Context, q Querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		UPDATE event_log
		SET status = 'SIGNATURE_INVALID'
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("mark signature invalid: %w", err))
	}
	return nil
}

// DeleteRows removes forwarded rows by id.
func (r *EventLogRepo) DeleteRows(ctx context.Context, q Querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		DELETE FROM event_log
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("delete event log rows: %w", err))
	}
	return nil
}

// HasPending reports whether the tenant has any pending rows left.
func (r *EventLogRepo) HasPending(ctx context.Context, q Querier) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM event_log WHERE status = 'PENDING')
	`).Scan(&exists)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("check pending events: %w", err))
	}
	return exists, nil
}
