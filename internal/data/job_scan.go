package data

import (
	"database/sql"
	"encoding/json"

	"github.com/stackmint/storagegate/internal/domain/model"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, and pgx row types.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJobFromRow scans one job row in jobColumns order.
func scanJobFromRow(row rowScanner) (*model.Job, error) {
	var (
		job          model.Job
		data         []byte
		singletonKey sql.NullString
		lastError    sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&job.Queue,
		&data,
		&job.Priority,
		&job.State,
		&job.RetryCount,
		&job.RetryLimit,
		&singletonKey,
		&lastError,
		&job.ScheduledAt,
		&startedAt,
		&completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Data = json.RawMessage(data)
	if singletonKey.Valid {
		v := singletonKey.String
		job.SingletonKey = &v
	}
	if lastError.Valid {
		v := lastError.String
		job.LastError = &v
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	job.ScheduledAt = job.ScheduledAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	return &job, nil
}
