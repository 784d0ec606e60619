package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmint/storagegate/internal/domain/model"
	"github.com/stackmint/storagegate/internal/queue"
)

type recordingDeadLetter struct {
	mu       sync.Mutex
	payloads []queue.DeadLetterPayload
}

func (r *recordingDeadLetter) SendToDeadLetterQueue(_ context.Context, _ queue.Handler, payload queue.DeadLetterPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingDeadLetter) Payloads() []queue.DeadLetterPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.DeadLetterPayload(nil), r.payloads...)
}

func eventJob(t *testing.T, url string, retryCount, retryLimit int) *model.Job {
	t.Helper()
	sendOptions, err := json.Marshal(SendOptions{URL: url})
	require.NoError(t, err)
	data, err := json.Marshal(model.QueuedEvent{
		TenantID:    "t1",
		EventName:   "object-created",
		Payload:     json.RawMessage(`{"key":"a.txt"}`),
		SendOptions: sendOptions,
	})
	require.NoError(t, err)
	return &model.Job{
		ID:         "job-1",
		Queue:      "object-created",
		Data:       data,
		RetryCount: retryCount,
		RetryLimit: retryLimit,
	}
}

func newTestHandler(t *testing.T, dead DeadLetterSender) *Handler {
	t.Helper()
	h, err := New(Config{EventName: "object-created"}, dead)
	require.NoError(t, err)
	return h
}

func TestHandlerNames(t *testing.T) {
	h := newTestHandler(t, nil)
	assert.Equal(t, "object-created", h.QueueName())
	assert.Equal(t, "object-created-dead-letter", h.DeadLetterQueueName())
}

func TestHandleDeliversEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		received []byte
		header   http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = body
		header = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newTestHandler(t, nil)
	err := h.Handle(context.Background(), eventJob(t, srv.URL, 0, 5))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var event model.QueuedEvent
	require.NoError(t, json.Unmarshal(received, &event))
	assert.Equal(t, "t1", event.TenantID)
	assert.Equal(t, "object-created", header.Get("X-Event-Name"))
	assert.Equal(t, "t1", header.Get("X-Tenant-Id"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))
}

func TestHandleReturnsErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "downstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	dead := &recordingDeadLetter{}
	h := newTestHandler(t, dead)

	// Plenty of retry budget left: fail, but no escalation yet.
	err := h.Handle(context.Background(), eventJob(t, srv.URL, 0, 5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Empty(t, dead.Payloads())
}

func TestHandleEscalatesOnFinalAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "still down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dead := &recordingDeadLetter{}
	h := newTestHandler(t, dead)

	err := h.Handle(context.Background(), eventJob(t, srv.URL, 4, 5))
	require.Error(t, err)

	payloads := dead.Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, "object-created", payloads[0].SourceQueue)
	assert.Equal(t, "job-1", payloads[0].JobID)
	assert.NotEmpty(t, payloads[0].Reason)
}

func TestHandleEscalatesUndeliverablePayloadImmediately(t *testing.T) {
	dead := &recordingDeadLetter{}
	h := newTestHandler(t, dead)

	job := &model.Job{
		ID:         "job-2",
		Queue:      "object-created",
		Data:       json.RawMessage(`not json`),
		RetryLimit: 5,
	}
	err := h.Handle(context.Background(), job)
	require.Error(t, err)

	// A payload that can never decode is unrecoverable regardless of
	// remaining retries.
	require.Len(t, dead.Payloads(), 1)
}

func TestHandleRejectsBadEndpoints(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "empty url", url: ""},
		{name: "unsupported scheme", url: "ftp://example.com/hook"},
		{name: "missing host", url: "https:///hook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dead := &recordingDeadLetter{}
			h := newTestHandler(t, dead)

			err := h.Handle(context.Background(), eventJob(t, tt.url, 0, 5))
			require.Error(t, err)
			assert.Len(t, dead.Payloads(), 1, "misconfigured endpoints escalate immediately")
		})
	}
}
