// Package model defines the domain types shared across the control plane.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobState represents the lifecycle state of a queued job.
type JobState string

const (
	// JobStateCreated is the initial state of an inserted job.
	JobStateCreated JobState = "created"
	// JobStateActive means a worker holds the job.
	JobStateActive JobState = "active"
	// JobStateRetry means the job failed and is waiting for its backoff to elapse.
	JobStateRetry JobState = "retry"
	// JobStateCompleted is a terminal success state.
	JobStateCompleted JobState = "completed"
	// JobStateFailed is a terminal failure state (retry budget exhausted).
	JobStateFailed JobState = "failed"
)

// Valid reports whether the state is one of the known job states.
func (s JobState) Valid() bool {
	switch s {
	case JobStateCreated, JobStateActive, JobStateRetry, JobStateCompleted, JobStateFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state is terminal.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// QueuePolicy governs how duplicate logically-keyed jobs are treated.
type QueuePolicy string

const (
	// PolicyStandard allows unordered concurrent jobs with no dedup.
	PolicyStandard QueuePolicy = "standard"
	// PolicySingleton allows at most one non-terminal job per singleton key.
	PolicySingleton QueuePolicy = "singleton"
	// PolicyStately allows one job per singleton key per state.
	PolicyStately QueuePolicy = "stately"
	// PolicyExactlyOnce rejects re-inserts of a singleton key even after completion.
	PolicyExactlyOnce QueuePolicy = "exactly_once"
)

// Valid reports whether the policy is one of the known queue policies.
func (p QueuePolicy) Valid() bool {
	switch p {
	case PolicyStandard, PolicySingleton, PolicyStately, PolicyExactlyOnce:
		return true
	default:
		return false
	}
}

// Job is a durable unit of work owned by a named queue.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data"`
	Priority     int             `json:"priority"`
	State        JobState        `json:"state"`
	RetryCount   int             `json:"retry_count"`
	RetryLimit   int             `json:"retry_limit"`
	SingletonKey *string         `json:"singleton_key,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RetriesExhausted reports whether the job has used up its retry budget.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount >= j.RetryLimit
}

// JobInsert describes a job to be inserted into a queue.
type JobInsert struct {
	Queue        string
	Data         json.RawMessage
	Priority     int
	RetryLimit   int // 0 means the queue default applies
	SingletonKey string
	ScheduledAt  *time.Time
}

// Validate checks the insert request for structural problems.
func (r *JobInsert) Validate() error {
	if strings.TrimSpace(r.Queue) == "" {
		return errors.New("queue name is required")
	}
	if len(r.Data) == 0 {
		return errors.New("job data is required")
	}
	if !json.Valid(r.Data) {
		return errors.New("job data must be valid JSON")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return fmt.Errorf("priority must be between 0 and 100, got %d", r.Priority)
	}
	if r.RetryLimit < 0 {
		return errors.New("retry limit must not be negative")
	}
	return nil
}

// ErrNoJobsAvailable signals an empty fetch; not a failure.
var ErrNoJobsAvailable = errors.New("no jobs available")
