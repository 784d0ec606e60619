package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmint/storagegate/config"
	"github.com/stackmint/storagegate/internal/domain/model"
	apperrors "github.com/stackmint/storagegate/internal/errors"
)

// fakeStore is an in-memory Store for engine and worker tests.
type fakeStore struct {
	mu        sync.Mutex
	queues    map[string]model.Queue
	jobs      map[string]*model.Job
	nextID    int
	fetchErr  error
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queues: make(map[string]model.Queue),
		jobs:   make(map[string]*model.Job),
	}
}

func (s *fakeStore) CreateQueue(_ context.Context, q model.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queues[q.Name]; exists {
		return nil
	}
	s.queues[q.Name] = q
	return nil
}

func (s *fakeStore) InsertJobs(_ context.Context, inserts []model.JobInsert) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	ids := make([]string, 0, len(inserts))
	for _, ins := range inserts {
		s.nextID++
		id := fmt.Sprintf("job-%d", s.nextID)
		retryLimit := ins.RetryLimit
		if retryLimit <= 0 {
			retryLimit = 2
		}
		s.jobs[id] = &model.Job{
			ID:         id,
			Queue:      ins.Queue,
			Data:       ins.Data,
			State:      model.JobStateCreated,
			RetryLimit: retryLimit,
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) FetchJobs(_ context.Context, queue string, limit int) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []*model.Job
	for _, job := range s.jobs {
		if len(out) >= limit {
			break
		}
		if job.Queue == queue && (job.State == model.JobStateCreated || job.State == model.JobStateRetry) {
			job.State = model.JobStateActive
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) CompleteJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State != model.JobStateActive {
		return false, nil
	}
	job.State = model.JobStateCompleted
	return true, nil
}

func (s *fakeStore) FailJob(_ context.Context, id, errMsg string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	job.RetryCount++
	job.LastError = &errMsg
	if job.RetryCount >= job.RetryLimit {
		job.State = model.JobStateFailed
	} else {
		job.State = model.JobStateRetry
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) jobState(id string) model.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].State
}

func (s *fakeStore) countByState(queue string, state model.JobState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Queue == queue && job.State == state {
			n++
		}
	}
	return n
}

// testHandler is a configurable queue handler.
type testHandler struct {
	queue  string
	dlq    string
	handle func(ctx context.Context, job *model.Job) error
}

func (h *testHandler) QueueName() string                { return h.queue }
func (h *testHandler) QueueOptions() model.QueueOptions { return model.QueueOptions{} }

func (h *testHandler) WorkerOptions() model.WorkerOptions {
	return model.WorkerOptions{Concurrency: 2, BatchSize: 5, PollInterval: 10 * time.Millisecond}
}
func (h *testHandler) DeadLetterQueueName() string { return h.dlq }
func (h *testHandler) Handle(ctx context.Context, job *model.Job) error {
	if h.handle == nil {
		return nil
	}
	return h.handle(ctx, job)
}

func testEngineConfig() config.QueueConfig {
	cfg := config.QueueConfig{
		Concurrency:         2,
		BatchSize:           5,
		PollInterval:        10 * time.Millisecond,
		RetryLimit:          2,
		RetryDelay:          time.Second,
		ShutdownGracePeriod: time.Second,
		StopTimeout:         2 * time.Second,
	}
	cfg.Sanitize()
	return cfg
}

func TestEngineRegisterRejectsDuplicateQueue(t *testing.T) {
	e := NewEngine(EngineOptions{Store: newFakeStore(), Config: testEngineConfig()})

	require.NoError(t, e.Register(&testHandler{queue: "object-created"}))
	err := e.Register(&testHandler{queue: "object-created"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestEngineRegisterRejectsInvalidName(t *testing.T) {
	e := NewEngine(EngineOptions{Store: newFakeStore(), Config: testEngineConfig()})
	require.Error(t, e.Register(&testHandler{queue: "  "}))
}

func TestEngineSendToDeadLetterQueueRequiresDLQ(t *testing.T) {
	e := NewEngine(EngineOptions{Store: newFakeStore(), Config: testEngineConfig()})
	h := &testHandler{queue: "object-created"}

	err := e.SendToDeadLetterQueue(context.Background(), h, DeadLetterPayload{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestEngineSendToDeadLetterQueue(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(EngineOptions{Store: store, Config: testEngineConfig()})
	h := &testHandler{queue: "object-created", dlq: "object-created-dead-letter"}

	err := e.SendToDeadLetterQueue(context.Background(), h, DeadLetterPayload{
		SourceQueue: "object-created",
		JobID:       "job-1",
		Reason:      "endpoint gone",
		Data:        json.RawMessage(`{"key":"a"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.countByState("object-created-dead-letter", model.JobStateCreated))
}

func TestEngineRunProcessesJobsToCompletion(t *testing.T) {
	store := newFakeStore()
	var handled sync.Map
	h := &testHandler{
		queue: "object-created",
		dlq:   "object-created-dead-letter",
		handle: func(_ context.Context, job *model.Job) error {
			handled.Store(job.ID, true)
			return nil
		},
	}

	e := NewEngine(EngineOptions{Store: store, Config: testEngineConfig()})
	require.NoError(t, e.Register(h))

	ids, err := e.Enqueue(context.Background(), []model.JobInsert{
		{Queue: "object-created", Data: json.RawMessage(`{"key":"a"}`)},
		{Queue: "object-created", Data: json.RawMessage(`{"key":"b"}`)},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.countByState("object-created", model.JobStateCompleted) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for _, id := range ids {
		_, ok := handled.Load(id)
		assert.True(t, ok, "job %s should have been handled", id)
	}
}

func TestEngineJobFailureIsolatedAndRetried(t *testing.T) {
	store := newFakeStore()
	h := &testHandler{
		queue: "object-created",
		handle: func(_ context.Context, job *model.Job) error {
			var payload map[string]string
			if err := json.Unmarshal(job.Data, &payload); err != nil {
				return err
			}
			if payload["key"] == "bad" {
				return errors.New("handler rejected payload")
			}
			return nil
		},
	}

	e := NewEngine(EngineOptions{Store: store, Config: testEngineConfig()})
	require.NoError(t, e.Register(h))

	ids, err := e.Enqueue(context.Background(), []model.JobInsert{
		{Queue: "object-created", Data: json.RawMessage(`{"key":"good"}`)},
		{Queue: "object-created", Data: json.RawMessage(`{"key":"bad"}`), RetryLimit: 2},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// The good job completes; the bad one burns its retry budget and
	// lands in the terminal failed state without touching its sibling.
	require.Eventually(t, func() bool {
		return store.jobState(ids[0]) == model.JobStateCompleted &&
			store.jobState(ids[1]) == model.JobStateFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEngineHandlerPanicDoesNotKillWorker(t *testing.T) {
	store := newFakeStore()
	h := &testHandler{
		queue: "object-created",
		handle: func(_ context.Context, job *model.Job) error {
			var payload map[string]string
			_ = json.Unmarshal(job.Data, &payload)
			if payload["key"] == "boom" {
				panic("handler exploded")
			}
			return nil
		},
	}

	e := NewEngine(EngineOptions{Store: store, Config: testEngineConfig()})
	require.NoError(t, e.Register(h))

	ids, err := e.Enqueue(context.Background(), []model.JobInsert{
		{Queue: "object-created", Data: json.RawMessage(`{"key":"boom"}`), RetryLimit: 1},
		{Queue: "object-created", Data: json.RawMessage(`{"key":"fine"}`)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.jobState(ids[0]) == model.JobStateFailed &&
			store.jobState(ids[1]) == model.JobStateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEngineObserveRoutesConnectionErrors(t *testing.T) {
	type observed struct {
		errs      int
		successes int
	}
	var mu sync.Mutex
	var got observed

	e := NewEngine(EngineOptions{Store: newFakeStore(), Config: testEngineConfig()})
	e.SetHealth(&funcHealth{
		onErr: func(error) {
			mu.Lock()
			got.errs++
			mu.Unlock()
		},
		onSuccess: func() {
			mu.Lock()
			got.successes++
			mu.Unlock()
		},
	})

	e.observe(nil)
	e.observe(apperrors.Connection("refused"))
	e.observe(apperrors.Validation("bad input"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, got.errs, "only the connection error counts")
	assert.Equal(t, 1, got.successes)
}

type funcHealth struct {
	onErr     func(error)
	onSuccess func()
}

func (f *funcHealth) TrackConnectionError(err error) { f.onErr(err) }
func (f *funcHealth) TrackSuccessfulOperation()      { f.onSuccess() }
