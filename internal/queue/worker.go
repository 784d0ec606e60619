package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stackmint/storagegate/internal/domain/model"
	obserrors "github.com/stackmint/storagegate/internal/observability/errors"
	"github.com/stackmint/storagegate/internal/observability/metrics"
)

// worker polls one queue on a fixed interval and runs fetched jobs
// under a handler-concurrency semaphore. The in-flight counter bounds
// how many jobs are outstanding across overlapping ticks, so the
// worker never holds more than its batch ceiling regardless of how
// slow handlers are.
type worker struct {
	engine  *Engine
	handler Handler
	queue   string
	opts    model.WorkerOptions
	logger  *slog.Logger

	sem      *semaphore.Weighted
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

func newWorker(e *Engine, h Handler) *worker {
	opts := h.WorkerOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = e.cfg.Concurrency
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = e.cfg.BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = e.cfg.PollInterval
	}

	return &worker{
		engine:  e,
		handler: h,
		queue:   h.QueueName(),
		opts:    opts,
		logger:  e.logger.With("queue", h.QueueName()),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// run polls until ctx is canceled, then waits out in-flight jobs for
// the engine's grace period. In-flight handlers are never aborted
// mid-job; they observe cancellation only through the drain deadline.
func (w *worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// drain gives in-flight jobs the grace period to finish.
func (w *worker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.engine.cfg.ShutdownGracePeriod):
		w.logger.Warn("drain grace period elapsed with jobs still in flight",
			"in_flight", w.inFlight.Load())
	}
}

func (w *worker) poll(ctx context.Context) {
	capacity := int64(w.opts.BatchSize) - w.inFlight.Load()
	if capacity <= 0 {
		return
	}

	jobs, err := w.engine.store.FetchJobs(ctx, w.queue, int(capacity))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.engine.observe(err)
		w.logger.ErrorContext(ctx, "failed to fetch jobs", "err", err)
		return
	}
	w.engine.health.TrackSuccessfulOperation()
	if len(jobs) == 0 {
		return
	}

	// Jobs already claimed run to completion on a detached context so
	// shutdown drains them instead of aborting handlers mid-flight. The
	// drain grace period bounds how long the worker waits for them.
	jobCtx := context.WithoutCancel(ctx)
	for _, job := range jobs {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			// Shutdown while waiting for a slot; the job stays active
			// and is reclaimed after its lease semantics elapse.
			return
		}
		w.inFlight.Add(1)
		w.wg.Add(1)
		go func(job *model.Job) {
			defer w.wg.Done()
			defer w.inFlight.Add(-1)
			defer w.sem.Release(1)
			w.process(jobCtx, job)
		}(job)
	}
}

// process runs one job to a terminal bookkeeping state. A job's
// failure is isolated here: it is recorded against the job and never
// propagates to siblings in the same batch.
func (w *worker) process(ctx context.Context, job *model.Job) {
	start := time.Now()
	handleErr := w.safeHandle(ctx, job)

	if handleErr == nil {
		w.complete(ctx, job, time.Since(start))
		return
	}
	w.fail(ctx, job, handleErr, time.Since(start))
}

// safeHandle converts a handler panic into an error so one bad job
// cannot take down the worker.
func (w *worker) safeHandle(ctx context.Context, job *model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
			w.logger.ErrorContext(ctx, "handler panicked", "job_id", job.ID, "panic", r)
		}
	}()
	return w.handler.Handle(ctx, job)
}

func (w *worker) complete(ctx context.Context, job *model.Job, took time.Duration) {
	if _, err := w.engine.store.CompleteJob(ctx, job.ID); err != nil {
		w.engine.observe(err)
		w.logger.ErrorContext(ctx, "failed to mark job completed", "job_id", job.ID, "err", err)
		return
	}
	w.engine.health.TrackSuccessfulOperation()
	metrics.EmitJobLifecycle(w.engine.sink, metrics.JobMetric{
		Queue:      w.queue,
		Transition: "completed",
		Result:     metrics.ResultSuccess,
		Duration:   took,
	})
}

func (w *worker) fail(ctx context.Context, job *model.Job, handleErr error, took time.Duration) {
	failed, err := w.engine.store.FailJob(ctx, job.ID, handleErr.Error())
	if err != nil {
		w.engine.observe(err)
		w.logger.ErrorContext(ctx, "failed to mark job failed", "job_id", job.ID, "err", err)
		return
	}
	w.engine.health.TrackSuccessfulOperation()

	transition := "retry"
	if failed.State == model.JobStateFailed {
		transition = "failed"
	}
	metrics.EmitJobLifecycle(w.engine.sink, metrics.JobMetric{
		Queue:      w.queue,
		Transition: transition,
		Result:     metrics.ResultError,
		Duration:   took,
		ErrorClass: obserrors.Classify(handleErr),
	})

	w.logger.WarnContext(ctx, "job failed",
		"job_id", job.ID,
		"state", failed.State,
		"retry_count", failed.RetryCount,
		"retry_limit", failed.RetryLimit,
		"err", handleErr,
	)
}
