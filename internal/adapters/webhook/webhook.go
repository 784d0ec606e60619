// Package webhook delivers forwarded tenant events to HTTP endpoints.
// It is the reference queue handler: it consumes QueuedEvent jobs,
// posts them to the destination named in the event's send options, and
// escalates to its dead-letter queue once the retry budget is gone.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stackmint/storagegate/internal/domain/model"
	"github.com/stackmint/storagegate/internal/queue"
)

const maxErrorBodyBytes = 4 << 10

// DeadLetterSender is the slice of the queue engine the handler needs
// for escalation.
type DeadLetterSender interface {
	SendToDeadLetterQueue(ctx context.Context, h queue.Handler, payload queue.DeadLetterPayload) error
}

// SendOptions is the webhook-relevant subset of an event's send_options.
type SendOptions struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Config configures a webhook delivery handler.
type Config struct {
	// EventName is both the queue name and the event this handler serves.
	EventName string
	Timeout   time.Duration
	Worker    model.WorkerOptions
	Retry     model.QueueOptions
	Client    *http.Client
	Logger    *slog.Logger
}

// Handler posts one event class to tenant-configured endpoints.
type Handler struct {
	eventName string
	worker    model.WorkerOptions
	retry     model.QueueOptions
	client    *http.Client
	logger    *slog.Logger
	dead      DeadLetterSender
}

// New builds a webhook handler. The dead-letter sender is usually the
// queue engine itself.
func New(cfg Config, dead DeadLetterSender) (*Handler, error) {
	name := strings.TrimSpace(cfg.EventName)
	if name == "" {
		return nil, errors.New("webhook handler requires an event name")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		eventName: name,
		worker:    cfg.Worker,
		retry:     cfg.Retry,
		client:    hc,
		logger:    logger.With("component", "webhook_handler", "queue", name),
		dead:      dead,
	}, nil
}

// QueueName implements queue.Handler.
func (h *Handler) QueueName() string { return h.eventName }

// DeadLetterQueueName implements queue.DeadLetterer.
func (h *Handler) DeadLetterQueueName() string {
	return model.DeadLetterQueueName(h.eventName)
}

// QueueOptions implements queue.Handler.
func (h *Handler) QueueOptions() model.QueueOptions { return h.retry }

// WorkerOptions implements queue.Handler.
func (h *Handler) WorkerOptions() model.WorkerOptions { return h.worker }

// Handle implements queue.Handler. A delivery failure is returned so
// the engine schedules a retry; on the final attempt the job is first
// copied to the dead-letter queue.
func (h *Handler) Handle(ctx context.Context, job *model.Job) error {
	var event model.QueuedEvent
	if err := json.Unmarshal(job.Data, &event); err != nil {
		return h.escalate(ctx, job, fmt.Errorf("decode event payload: %w", err))
	}

	var opts SendOptions
	if len(event.SendOptions) > 0 {
		if err := json.Unmarshal(event.SendOptions, &opts); err != nil {
			return h.escalate(ctx, job, fmt.Errorf("decode send options: %w", err))
		}
	}
	if err := validateEndpoint(opts.URL); err != nil {
		return h.escalate(ctx, job, err)
	}

	if err := h.post(ctx, opts, event); err != nil {
		// Last attempt: the engine will mark the job failed after this
		// return, so escalate now while the data is in hand.
		if job.RetryCount+1 >= job.RetryLimit {
			return h.escalate(ctx, job, err)
		}
		return err
	}
	return nil
}

// escalate copies the job to the dead-letter queue and returns the
// original error so the engine still records the failure.
func (h *Handler) escalate(ctx context.Context, job *model.Job, cause error) error {
	if h.dead == nil {
		return cause
	}
	err := h.dead.SendToDeadLetterQueue(ctx, h, queue.DeadLetterPayload{
		SourceQueue: h.eventName,
		JobID:       job.ID,
		Reason:      cause.Error(),
		Data:        job.Data,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "dead-letter escalation failed", "job_id", job.ID, "err", err)
	}
	return cause
}

func validateEndpoint(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("webhook send options carry no url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported webhook scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("webhook url has no host")
	}
	return nil
}

func (h *Handler) post(ctx context.Context, opts SendOptions, event model.QueuedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Name", event.EventName)
	req.Header.Set("X-Tenant-Id", event.TenantID)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			h.logger.Warn("failed to close webhook response body", "err", closeErr)
		}
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("webhook %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
}
