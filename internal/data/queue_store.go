// Package data provides the PostgreSQL persistence layer for the
// storagegate control plane: the durable queue store, the tenant event
// log, and the tenant lease table.
package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stackmint/storagegate/internal/data/pgxutil"
	"github.com/stackmint/storagegate/internal/domain/model"
	apperrors "github.com/stackmint/storagegate/internal/errors"
)

var (
	// ErrQueueNotFound is returned when a named queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
)

// QueueStoreConfig holds configuration options for the queue store.
type QueueStoreConfig struct {
	DefaultRetryLimit int
	DefaultRetryDelay time.Duration
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// QueueStore provides database operations for durable queues and their jobs.
type QueueStore struct {
	DB           *sql.DB
	cfg          QueueStoreConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewQueueStore creates a new QueueStore with the given database connection and configuration.
func NewQueueStore(db *sql.DB, cfg QueueStoreConfig) *QueueStore {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	if cfg.DefaultRetryLimit <= 0 {
		cfg.DefaultRetryLimit = 5
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = 5 * time.Second
	}

	return &QueueStore{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  queue_name,
  data,
  priority,
  state,
  retry_count,
  retry_limit,
  singleton_key,
  last_error,
  scheduled_at,
  started_at,
  completed_at,
  created_at,
  updated_at
`

// CreateQueue registers a queue, tolerating an existing queue of the
// same name as a no-op.
func (s *QueueStore) CreateQueue(ctx context.Context, q model.Queue) error {
	if err := model.ValidateQueueName(q.Name); err != nil {
		return err
	}
	policy := q.Policy
	if policy == "" {
		policy = model.PolicyStandard
	}
	if !policy.Valid() {
		return fmt.Errorf("invalid queue policy: %s", policy)
	}

	retryLimit := q.RetryLimit
	if retryLimit <= 0 {
		retryLimit = s.cfg.DefaultRetryLimit
	}
	retryDelay := q.RetryDelay
	if retryDelay <= 0 {
		retryDelay = s.cfg.DefaultRetryDelay
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO queues (name, policy, dead_letter_queue, retry_limit, retry_delay_seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING
	`, q.Name, policy, q.DeadLetterQueue, retryLimit, int(retryDelay/time.Second))
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("create queue %s: %w", q.Name, err))
	}
	return nil
}

// GetQueue loads one queue row by name.
func (s *QueueStore) GetQueue(ctx context.Context, name string) (*model.Queue, error) {
	var (
		q            model.Queue
		dlq          sql.NullString
		delaySeconds int
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT name, policy, dead_letter_queue, retry_limit, retry_delay_seconds, created_at, updated_at
		FROM queues
		WHERE name = $1
	`, name).Scan(&q.Name, &q.Policy, &dlq, &q.RetryLimit, &delaySeconds, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueNotFound
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get queue %s: %w", name, err))
	}
	if dlq.Valid {
		v := dlq.String
		q.DeadLetterQueue = &v
	}
	q.RetryDelay = time.Duration(delaySeconds) * time.Second
	return &q, nil
}

// InsertJobs inserts a batch of jobs inside one transaction. Either the
// whole batch is persisted or none of it is; callers rely on this to
// retry a failed submission without partial-success bookkeeping.
// Jobs skipped by a singleton policy conflict are not treated as errors.
func (s *QueueStore) InsertJobs(ctx context.Context, inserts []model.JobInsert) ([]string, error) {
	if len(inserts) == 0 {
		return nil, nil
	}
	for i := range inserts {
		if err := inserts[i].Validate(); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
	}

	queues, err := s.loadQueuesFor(ctx, inserts)
	if err != nil {
		return nil, err
	}

	now := s.timeProvider.Now().UTC()
	var ids []string
	txErr := pgxutil.WithSQLTx(ctx, s.DB, func(tx *sql.Tx) error {
		ids = ids[:0]
		for i := range inserts {
			id, insertErr := s.insertJobInTx(ctx, tx, &inserts[i], queues[inserts[i].Queue], now)
			if insertErr != nil {
				return insertErr
			}
			if id != "" {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return ids, nil
}

// loadQueuesFor resolves the queue rows governing a batch of inserts.
func (s *QueueStore) loadQueuesFor(ctx context.Context, inserts []model.JobInsert) (map[string]*model.Queue, error) {
	queues := make(map[string]*model.Queue)
	for i := range inserts {
		name := inserts[i].Queue
		if _, ok := queues[name]; ok {
			continue
		}
		q, err := s.GetQueue(ctx, name)
		if err != nil {
			if errors.Is(err, ErrQueueNotFound) {
				return nil, fmt.Errorf("insert into unknown queue %s: %w", name, err)
			}
			return nil, err
		}
		queues[name] = q
	}
	return queues, nil
}

func (s *QueueStore) insertJobInTx(
	ctx context.Context,
	tx *sql.Tx,
	ins *model.JobInsert,
	queue *model.Queue,
	now time.Time,
) (string, error) {
	retryLimit := ins.RetryLimit
	if retryLimit <= 0 {
		retryLimit = queue.RetryLimit
	}
	scheduledAt := now
	if ins.ScheduledAt != nil {
		scheduledAt = ins.ScheduledAt.UTC()
	}

	// A singleton key only means something under a keyed policy.
	var singletonKey *string
	if key := strings.TrimSpace(ins.SingletonKey); key != "" && queue.Policy != model.PolicyStandard {
		singletonKey = &key
	}

	if singletonKey != nil && queue.Policy == model.PolicyExactlyOnce {
		// exactly_once rejects re-inserts of a key even after the first
		// job reached a terminal state.
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM jobs WHERE queue_name = $1 AND singleton_key = $2)
		`, ins.Queue, *singletonKey).Scan(&exists); err != nil {
			return "", fmt.Errorf("check singleton key: %w", err)
		}
		if exists {
			return "", nil
		}
	}

	id := uuid.NewString()
	query := `
		INSERT INTO jobs (id, queue_name, data, priority, state, retry_limit, singleton_key, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'created', $5, $6, $7, $8, $8)
	`
	if singletonKey != nil {
		// The partial unique index on (queue_name, singleton_key) over
		// non-terminal states turns duplicate active work into a no-op.
		// The arbiter predicate must imply the index predicate verbatim,
		// including the NOT NULL term, or Postgres cannot infer the index.
		query += ` ON CONFLICT (queue_name, singleton_key)
			WHERE singleton_key IS NOT NULL AND state IN ('created', 'active', 'retry')
			DO NOTHING`
	}
	query += ` RETURNING id`

	var returned string
	err := tx.QueryRowContext(ctx, query,
		id, ins.Queue, []byte(ins.Data), ins.Priority, retryLimit, singletonKey, scheduledAt, now,
	).Scan(&returned)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: an equivalent job is already outstanding.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("insert job into %s: %w", ins.Queue, err)
	}
	return returned, nil
}

// SQL used by FetchJobs to atomically claim a batch of due jobs.
const fetchJobsSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE queue_name = $1 AND state IN ('created', 'retry') AND scheduled_at <= $2
    ORDER BY priority DESC, created_at ASC, id ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    state = 'active',
    started_at = COALESCE(j.started_at, $2),
    updated_at = $2
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.queue_name, j.data, j.priority, j.state, j.retry_count, j.retry_limit, j.singleton_key, j.last_error, j.scheduled_at, j.started_at, j.completed_at, j.created_at, j.updated_at`

// FetchJobs claims up to limit due jobs from a queue. Concurrent workers
// claim disjoint sets because the selection skips locked rows.
func (s *QueueStore) FetchJobs(ctx context.Context, queue string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var jobs []*model.Job
	err := pgxutil.WithPgxTx(ctx, s.DB, func(tx pgx.Tx) error {
		now := s.timeProvider.Now().UTC()
		rows, qerr := tx.Query(ctx, fetchJobsSQL, queue, now, limit)
		if qerr != nil {
			return fmt.Errorf("fetch jobs: %w", qerr)
		}
		defer rows.Close()

		for rows.Next() {
			job, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return fmt.Errorf("scan job: %w", scanErr)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

// CompleteJob marks an active job as completed successfully.
func (s *QueueStore) CompleteJob(ctx context.Context, id string) (bool, error) {
	now := s.timeProvider.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    last_error = NULL
		WHERE id = $1 AND state = 'active'
	`, id, now)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("complete job: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete job rows affected: %w", err)
	}
	return affected > 0, nil
}

// FailJob records a handler failure on an active job. The job moves to
// 'retry' with an exponentially backed-off scheduled_at, or to the
// terminal 'failed' state once its retry budget is exhausted. The
// post-update job is returned so callers can see which transition
// happened.
func (s *QueueStore) FailJob(ctx context.Context, id, errMsg string) (*model.Job, error) {
	now := s.timeProvider.Now().UTC()

	query := `
	  UPDATE jobs j
	  SET
	    last_error = $2,
	    retry_count = j.retry_count + 1,
	    state = CASE WHEN j.retry_count + 1 >= j.retry_limit THEN 'failed' ELSE 'retry' END,
	    completed_at = CASE WHEN j.retry_count + 1 >= j.retry_limit THEN $3::timestamptz ELSE NULL END,
	    scheduled_at = CASE WHEN j.retry_count + 1 >= j.retry_limit THEN j.scheduled_at
	                        ELSE $3::timestamptz + make_interval(secs => q.retry_delay_seconds * power(2, j.retry_count)) END,
	    updated_at = $3
	  FROM queues q
	  WHERE j.id = $1 AND j.state = 'active' AND q.name = j.queue_name
	  RETURNING ` + prefixedJobColumns("j")

	row := s.DB.QueryRowContext(ctx, query, id, errMsg, now)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("fail job: %w", err))
	}
	return job, nil
}

// GetJobByID retrieves a job by its ID.
func (s *QueueStore) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1
	`, id)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// Stats returns counts of jobs per state for a queue.
func (s *QueueStore) Stats(ctx context.Context, queue string) (map[model.JobState]int64, error) {
	var created, active, retry, completed, failed int64
	err := s.DB.QueryRowContext(ctx, `
	  SELECT
	    count(*) FILTER (WHERE state = 'created')   AS created,
	    count(*) FILTER (WHERE state = 'active')    AS active,
	    count(*) FILTER (WHERE state = 'retry')     AS retry,
	    count(*) FILTER (WHERE state = 'completed') AS completed,
	    count(*) FILTER (WHERE state = 'failed')    AS failed
	  FROM jobs
	  WHERE queue_name = $1
	`, queue).Scan(&created, &active, &retry, &completed, &failed)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("queue stats: %w", err))
	}
	return map[model.JobState]int64{
		model.JobStateCreated:   created,
		model.JobStateActive:    active,
		model.JobStateRetry:     retry,
		model.JobStateCompleted: completed,
		model.JobStateFailed:    failed,
	}, nil
}

// Ping verifies the store connection.
func (s *QueueStore) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

func prefixedJobColumns(alias string) string {
	cols := strings.Split(jobColumns, ",")
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(out, ", ")
}
