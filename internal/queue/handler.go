// Package queue implements durable named work queues: handler
// registration, concurrency-bounded polling workers, retry and
// dead-letter bookkeeping, and a connection health monitor.
package queue

import (
	"context"
	"encoding/json"

	"github.com/stackmint/storagegate/internal/domain/model"
)

// Handler is a registrable unit of work. One handler owns one queue;
// the engine polls the queue and invokes Handle for each leased job.
// Handle returning an error marks the job failed and schedules a retry
// until the budget runs out; moving a dead job to the dead-letter queue
// is the handler's explicit decision via Engine.SendToDeadLetterQueue,
// never automatic.
type Handler interface {
	// QueueName names the queue this handler serves.
	QueueName() string

	// QueueOptions declares the queue's policy and retry settings.
	QueueOptions() model.QueueOptions

	// WorkerOptions bounds the polling worker for this queue.
	// Zero-valued fields fall back to engine defaults.
	WorkerOptions() model.WorkerOptions

	// Handle processes one job. The context is detached from the
	// engine's run loop: an in-flight job is never aborted by
	// shutdown, the drain grace period just stops waiting for it.
	Handle(ctx context.Context, job *model.Job) error
}

// DeadLetterer is implemented by handlers that want a dead-letter
// queue provisioned alongside their main queue.
type DeadLetterer interface {
	DeadLetterQueueName() string
}

// Starter is implemented by handlers needing setup before polling begins.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Closer is implemented by handlers needing teardown during engine stop.
type Closer interface {
	OnClose(ctx context.Context) error
}

// deadLetterQueueFor resolves a handler's dead-letter queue name, or ""
// when the handler declares none.
func deadLetterQueueFor(h Handler) string {
	if dl, ok := h.(DeadLetterer); ok {
		return dl.DeadLetterQueueName()
	}
	return ""
}

// DeadLetterPayload wraps the original job data with failure context
// when a handler escalates to its dead-letter queue.
type DeadLetterPayload struct {
	SourceQueue string          `json:"source_queue"`
	JobID       string          `json:"job_id"`
	Reason      string          `json:"reason"`
	Data        json.RawMessage `json:"data"`
}
