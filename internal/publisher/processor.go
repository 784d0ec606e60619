package publisher

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackmint/storagegate/internal/data"
	"github.com/stackmint/storagegate/internal/domain/model"
	"github.com/stackmint/storagegate/internal/observability/metrics"
	"github.com/stackmint/storagegate/internal/observability/statsd"
	"github.com/stackmint/storagegate/internal/tenant"
)

// JobQueue is the submission half of the queue engine.
type JobQueue interface {
	Enqueue(ctx context.Context, inserts []model.JobInsert) ([]string, error)
}

// Connector leases a scoped connection for one tenant.
type Connector interface {
	GetPostgresConnection(ctx context.Context, opts tenant.ConnectionOptions) (*tenant.Connection, error)
}

// EventLog is the tenant-side outbox surface the processor drives.
type EventLog interface {
	FetchPending(ctx context.Context, q data.Querier, limit int) ([]model.EventLogRow, error)
	MarkSignatureInvalid(ctx context.Context, q data.Querier, ids []int64) error
	DeleteRows(ctx context.Context, q data.Querier, ids []int64) error
	HasPending(ctx context.Context, q data.Querier) (bool, error)
}

// ProcessResult summarises one tenant poll.
type ProcessResult struct {
	Fetched     int
	Forwarded   int
	Quarantined int
}

// Processor drains one tenant's event_log into the job queue. All row
// work happens inside a single tenant transaction: if the queue
// submission fails the transaction rolls back and every row stays
// PENDING, so the next poll retries the identical batch.
type Processor struct {
	Connector Connector
	Events    EventLog
	Queue     JobQueue
	Verifier  Verifier
	BatchSize int
	Logger    *slog.Logger
	Sink      statsd.Sink
}

// connectionOptions builds the publisher's identity for a tenant. The
// publisher acts as the service, not as a request principal.
func (p *Processor) connectionOptions(tenantID string) tenant.ConnectionOptions {
	return tenant.ConnectionOptions{
		TenantID:  tenantID,
		SuperUser: true,
		Operation: "event_publisher",
	}
}

// Process forwards up to one batch of the tenant's pending events.
func (p *Processor) Process(ctx context.Context, tenantID string) (ProcessResult, error) {
	conn, err := p.Connector.GetPostgresConnection(ctx, p.connectionOptions(tenantID))
	if err != nil {
		return ProcessResult{}, fmt.Errorf("connect tenant %s: %w", tenantID, err)
	}

	start := time.Now()
	var result ProcessResult
	err = conn.Transaction(ctx, func(tx *sql.Tx) error {
		rows, fetchErr := p.Events.FetchPending(ctx, tx, p.BatchSize)
		if fetchErr != nil {
			return fetchErr
		}
		result.Fetched = len(rows)
		if len(rows) == 0 {
			return nil
		}

		inserts, validIDs, invalidIDs := partitionRows(tenantID, rows, p.Verifier)
		result.Forwarded = len(validIDs)
		result.Quarantined = len(invalidIDs)

		// Quarantine first so a tampered row can never block the rest
		// of the batch, then forward and prune only the valid rows.
		if markErr := p.Events.MarkSignatureInvalid(ctx, tx, invalidIDs); markErr != nil {
			return markErr
		}
		if len(inserts) > 0 {
			if _, enqueueErr := p.Queue.Enqueue(ctx, inserts); enqueueErr != nil {
				return fmt.Errorf("enqueue tenant %s events: %w", tenantID, enqueueErr)
			}
		}
		return p.Events.DeleteRows(ctx, tx, validIDs)
	})
	if err != nil {
		return ProcessResult{}, err
	}

	if result.Quarantined > 0 {
		p.Logger.WarnContext(ctx, "quarantined tampered event rows",
			"tenant_id", tenantID,
			"quarantined", result.Quarantined,
		)
	}
	metrics.EmitPublisherBatch(p.Sink, metrics.PublisherMetric{
		Forwarded:   result.Forwarded,
		Quarantined: result.Quarantined,
		Duration:    time.Since(start),
	})
	return result, nil
}

// HasPending reports whether the tenant has forwardable rows. Used by
// the cold sweep.
func (p *Processor) HasPending(ctx context.Context, tenantID string) (bool, error) {
	conn, err := p.Connector.GetPostgresConnection(ctx, p.connectionOptions(tenantID))
	if err != nil {
		return false, fmt.Errorf("connect tenant %s: %w", tenantID, err)
	}

	var pending bool
	err = conn.Transaction(ctx, func(tx *sql.Tx) error {
		var checkErr error
		pending, checkErr = p.Events.HasPending(ctx, tx)
		return checkErr
	})
	if err != nil {
		return false, err
	}
	return pending, nil
}

// partitionRows verifies each row and splits the batch into job inserts
// for the valid rows and quarantine ids for the rest. Forwarding order
// follows row id order, so within a tenant delivery stays FIFO.
func partitionRows(tenantID string, rows []model.EventLogRow, verifier Verifier) ([]model.JobInsert, []int64, []int64) {
	var (
		inserts    []model.JobInsert
		validIDs   []int64
		invalidIDs []int64
	)
	for _, row := range rows {
		if !verifier.Verify(row.EventName, row.Payload, row.SendOptions, row.Signature) {
			invalidIDs = append(invalidIDs, row.ID)
			continue
		}

		payload, err := json.Marshal(model.QueuedEvent{
			TenantID:    tenantID,
			EventName:   row.EventName,
			Payload:     row.Payload,
			SendOptions: row.SendOptions,
		})
		if err != nil {
			// Marshalling raw JSON fields cannot realistically fail;
			// treat it like tampering rather than wedging the batch.
			invalidIDs = append(invalidIDs, row.ID)
			continue
		}

		inserts = append(inserts, model.JobInsert{
			Queue: row.EventName,
			Data:  payload,
		})
		validIDs = append(validIDs, row.ID)
	}
	return inserts, validIDs, invalidIDs
}
