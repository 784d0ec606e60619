package model

import (
	"errors"
	"strings"
	"time"
)

// Queue is a named durable channel of jobs. A queue and its dead-letter
// counterpart are distinct rows; the dead-letter queue carries the jobs
// a handler explicitly escalated after exhausting its retry budget.
type Queue struct {
	Name            string        `json:"name"`
	Policy          QueuePolicy   `json:"policy"`
	DeadLetterQueue *string       `json:"dead_letter_queue,omitempty"`
	RetryLimit      int           `json:"retry_limit"`
	RetryDelay      time.Duration `json:"retry_delay"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// QueueOptions describes a queue at registration time.
type QueueOptions struct {
	Policy     QueuePolicy
	RetryLimit int
	RetryDelay time.Duration
}

// WorkerOptions bounds the polling worker that serves one queue.
type WorkerOptions struct {
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
}

// ValidateQueueName rejects empty or malformed queue names.
func ValidateQueueName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("queue name is required")
	}
	if len(trimmed) > 255 {
		return errors.New("queue name must be at most 255 characters")
	}
	return nil
}

// DeadLetterQueueName derives the conventional dead-letter queue name
// for an event. Deterministic so publishers and handlers agree without
// coordination.
func DeadLetterQueueName(eventName string) string {
	return eventName + "-dead-letter"
}
