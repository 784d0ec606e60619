package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stackmint/storagegate/config"
	"github.com/stackmint/storagegate/internal/domain/model"
	apperrors "github.com/stackmint/storagegate/internal/errors"
	"github.com/stackmint/storagegate/internal/observability/statsd"
)

// Store is the persistence substrate the engine runs on.
type Store interface {
	CreateQueue(ctx context.Context, q model.Queue) error
	InsertJobs(ctx context.Context, inserts []model.JobInsert) ([]string, error)
	FetchJobs(ctx context.Context, queue string, limit int) ([]*model.Job, error)
	CompleteJob(ctx context.Context, id string) (bool, error)
	FailJob(ctx context.Context, id, errMsg string) (*model.Job, error)
	Ping(ctx context.Context) error
}

// HealthObserver receives the engine's view of store connectivity.
type HealthObserver interface {
	TrackConnectionError(err error)
	TrackSuccessfulOperation()
}

type noopHealth struct{}

func (noopHealth) TrackConnectionError(error) {}
func (noopHealth) TrackSuccessfulOperation()  {}

// EngineOptions configures a queue engine.
type EngineOptions struct {
	Store  Store
	Config config.QueueConfig
	Logger *slog.Logger
	Sink   statsd.Sink
	Health HealthObserver
}

// Engine schedules named queues and their dead-letter counterparts,
// runs one polling worker per registered handler, and exposes enqueue
// and dead-letter operations to handler code.
type Engine struct {
	store  Store
	cfg    config.QueueConfig
	logger *slog.Logger
	sink   statsd.Sink
	health HealthObserver

	mu       sync.Mutex
	handlers map[string]Handler
	started  bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	runDone  chan struct{}
}

// NewEngine creates a queue engine. Handlers must be registered before
// Run is called.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	health := opts.Health
	if health == nil {
		health = noopHealth{}
	}
	return &Engine{
		store:    opts.Store,
		cfg:      opts.Config,
		logger:   opts.Logger.With("component", "queue_engine"),
		sink:     opts.Sink,
		health:   health,
		handlers: make(map[string]Handler),
		runDone:  make(chan struct{}),
	}
}

// SetHealth attaches the health observer. The engine and its monitor
// reference each other, so the observer arrives after construction;
// must be called before Run.
func (e *Engine) SetHealth(h HealthObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h != nil && !e.started {
		e.health = h
	}
}

// Register adds a handler to the startup registry. Must be called
// before Run; a second handler for the same queue is rejected.
func (e *Engine) Register(h Handler) error {
	name := h.QueueName()
	if err := model.ValidateQueueName(name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return apperrors.Internal("cannot register handlers after the engine has started")
	}
	if _, exists := e.handlers[name]; exists {
		return apperrors.Conflict(fmt.Sprintf("handler already registered for queue %s", name))
	}
	e.handlers[name] = h
	return nil
}

// Enqueue inserts a batch of jobs. The batch is atomic: a failure
// persists nothing, so the caller can safely resubmit.
func (e *Engine) Enqueue(ctx context.Context, inserts []model.JobInsert) ([]string, error) {
	ids, err := e.store.InsertJobs(ctx, inserts)
	if err != nil {
		e.observe(err)
		return nil, err
	}
	e.health.TrackSuccessfulOperation()
	return ids, nil
}

// Send inserts one job with default options.
func (e *Engine) Send(ctx context.Context, queue string, data json.RawMessage) (string, error) {
	ids, err := e.Enqueue(ctx, []model.JobInsert{{Queue: queue, Data: data}})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// SendToDeadLetterQueue escalates a dead job to its handler's
// dead-letter queue. Callers decide when a job is truly unrecoverable;
// the engine only provides the transport.
func (e *Engine) SendToDeadLetterQueue(ctx context.Context, h Handler, payload DeadLetterPayload) error {
	dlq := deadLetterQueueFor(h)
	if dlq == "" {
		return apperrors.Validation(fmt.Sprintf("queue %s has no dead-letter queue", h.QueueName()))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal dead-letter payload: %w", err)
	}
	_, err = e.Send(ctx, dlq, data)
	return err
}

// Run provisions queues, starts one polling worker per handler, and
// blocks until ctx is canceled. Cancellation drains in-flight jobs for
// the configured grace period; Run returns nil on a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return apperrors.Internal("queue engine already started")
	}
	e.started = true
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()
	defer cancel()
	defer close(e.runDone)

	if err := e.provisionQueues(runCtx, handlers); err != nil {
		return err
	}
	if err := e.startHooks(runCtx, handlers); err != nil {
		return err
	}

	workers := make([]*worker, 0, len(handlers))
	var wg sync.WaitGroup
	for _, h := range handlers {
		w := newWorker(e, h)
		workers = append(workers, w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(runCtx)
		}()
	}
	e.logger.InfoContext(ctx, "queue engine started", "queues", len(workers))

	<-runCtx.Done()

	// Workers saw the same cancellation; give their in-flight jobs the
	// grace period, racing the drain against the hard stop timeout so
	// shutdown always completes.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.StopTimeout):
		e.logger.Error("queue engine stop timed out with jobs still in flight",
			"stop_timeout", e.cfg.StopTimeout)
	}

	e.closeHooks(handlers)
	e.logger.Info("queue engine stopped")
	return nil
}

// Stop cancels the engine's run loop and waits for it to finish, up to
// ctx's deadline. Used by the health monitor's supervised shutdown.
func (e *Engine) Stop(ctx context.Context) error {
	e.cancelMu.Lock()
	cancel := e.cancel
	e.cancelMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-e.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// provisionQueues idempotently creates each handler's queue and its
// dead-letter counterpart.
func (e *Engine) provisionQueues(ctx context.Context, handlers []Handler) error {
	for _, h := range handlers {
		opts := h.QueueOptions()
		q := model.Queue{
			Name:       h.QueueName(),
			Policy:     opts.Policy,
			RetryLimit: opts.RetryLimit,
			RetryDelay: opts.RetryDelay,
		}
		if dlq := deadLetterQueueFor(h); dlq != "" {
			q.DeadLetterQueue = &dlq
			dead := model.Queue{Name: dlq, Policy: model.PolicyStandard}
			if err := e.store.CreateQueue(ctx, dead); err != nil {
				e.observe(err)
				return fmt.Errorf("create dead-letter queue %s: %w", dlq, err)
			}
		}
		if err := e.store.CreateQueue(ctx, q); err != nil {
			e.observe(err)
			return fmt.Errorf("create queue %s: %w", q.Name, err)
		}
	}
	e.health.TrackSuccessfulOperation()
	return nil
}

func (e *Engine) startHooks(ctx context.Context, handlers []Handler) error {
	for _, h := range handlers {
		starter, ok := h.(Starter)
		if !ok {
			continue
		}
		if err := starter.OnStart(ctx); err != nil {
			return fmt.Errorf("start handler for queue %s: %w", h.QueueName(), err)
		}
	}
	return nil
}

// closeHooks runs handler teardown with a bounded fresh context; the
// run context is already canceled by the time shutdown reaches here.
func (e *Engine) closeHooks(handlers []Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGracePeriod)
	defer cancel()
	for _, h := range handlers {
		closer, ok := h.(Closer)
		if !ok {
			continue
		}
		if err := closer.OnClose(ctx); err != nil {
			e.logger.Error("handler close failed", "queue", h.QueueName(), "err", err)
		}
	}
}

// observe routes a store error to the health observer. Only
// connection-class and timeout errors count against health.
func (e *Engine) observe(err error) {
	if err == nil {
		e.health.TrackSuccessfulOperation()
		return
	}
	if apperrors.IsConnection(err) || apperrors.IsTimeout(err) {
		e.health.TrackConnectionError(err)
	}
}
