package model

import (
	"encoding/json"
	"time"
)

// EventStatus is the forwarding state of an event_log row.
type EventStatus string

const (
	// EventStatusPending marks a row eligible for forwarding.
	EventStatusPending EventStatus = "PENDING"
	// EventStatusSignatureInvalid marks a tamper-detected row. Such rows
	// are never forwarded and never retried.
	EventStatusSignatureInvalid EventStatus = "SIGNATURE_INVALID"
)

// EventLogRow is one intent recorded in a tenant's event_log table.
// Rows are written by route handlers inside their own transaction and
// later discovered and forwarded by the publisher.
type EventLogRow struct {
	ID          int64           `json:"id"`
	EventName   string          `json:"event_name"`
	Payload     json.RawMessage `json:"payload"`
	SendOptions json.RawMessage `json:"send_options"`
	Signature   string          `json:"signature"`
	Status      EventStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TenantLease is one row of the shared event_log_tenants control table.
// A next_poll_at in the future means the tenant is leased or
// intentionally delayed.
type TenantLease struct {
	TenantID     string     `json:"tenant_id"`
	NextPollAt   time.Time  `json:"next_poll_at"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	PollCount    int64      `json:"poll_count"`
}

// TenantRecord is one row of the tenant registry, paginated by the cold
// sweep via its auto-increment ID (stable under concurrent inserts,
// unlike offset pagination).
type TenantRecord struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenant_id"`
}

// QueuedEvent is the job payload the publisher forwards for one valid
// event_log row.
type QueuedEvent struct {
	TenantID    string          `json:"tenant_id"`
	EventName   string          `json:"event_name"`
	Payload     json.RawMessage `json:"payload"`
	SendOptions json.RawMessage `json:"send_options,omitempty"`
}
