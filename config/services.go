package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeQueueWorker runs the queue polling workers.
	ServiceModeQueueWorker ServiceMode = "queue-worker"
	// ServiceModeEventPublisher runs the tenant event-log publisher.
	ServiceModeEventPublisher ServiceMode = "event-publisher"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeQueueWorker,
		ServiceModeEventPublisher,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeQueueWorker, ServiceModeEventPublisher:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: queue-worker, event-publisher)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// QueueConfig contains queue engine configuration.
type QueueConfig struct {
	// Concurrency is the per-queue handler concurrency bound.
	Concurrency int `env:"QUEUE_CONCURRENCY" envDefault:"5"`

	// BatchSize is the maximum number of jobs fetched per poll.
	BatchSize int `env:"QUEUE_BATCH_SIZE" envDefault:"10"`

	// PollInterval is the queue worker tick interval.
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`

	// RetryLimit is the default retry budget for jobs whose queue does
	// not override it.
	RetryLimit int `env:"QUEUE_RETRY_LIMIT" envDefault:"5"`

	// RetryDelay is the base backoff applied between job retries.
	RetryDelay time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"5s"`

	// ShutdownGracePeriod is how long Stop waits for in-flight jobs to drain.
	ShutdownGracePeriod time.Duration `env:"QUEUE_SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`

	// StopTimeout caps the total wall-clock time Stop may take, even when
	// the underlying store hangs.
	StopTimeout time.Duration `env:"QUEUE_STOP_TIMEOUT" envDefault:"60s"`
}

// Sanitize applies guardrails to queue engine configuration values.
func (q *QueueConfig) Sanitize() {
	if q.Concurrency < 1 {
		q.Concurrency = 1
	}
	if q.BatchSize < 1 {
		q.BatchSize = 1
	}
	if q.PollInterval < 100*time.Millisecond {
		q.PollInterval = 100 * time.Millisecond
	}
	if q.RetryLimit < 0 {
		q.RetryLimit = 0
	}
	if q.RetryDelay < time.Second {
		q.RetryDelay = time.Second
	}
	if q.ShutdownGracePeriod < time.Second {
		q.ShutdownGracePeriod = time.Second
	}
	if q.StopTimeout < q.ShutdownGracePeriod {
		q.StopTimeout = q.ShutdownGracePeriod + 30*time.Second
	}
}

// PublisherConfig contains event publisher configuration.
type PublisherConfig struct {
	// PollInterval is the base interval between claim cycles.
	PollInterval time.Duration `env:"PUBLISHER_POLL_INTERVAL" envDefault:"5s"`

	// BatchSize is the maximum number of event rows forwarded per tenant poll.
	BatchSize int `env:"PUBLISHER_BATCH_SIZE" envDefault:"100"`

	// MaxTenants is the maximum number of tenants claimed per cycle.
	MaxTenants int `env:"PUBLISHER_MAX_TENANTS" envDefault:"25"`

	// Concurrency bounds how many claimed tenants are processed simultaneously.
	Concurrency int `env:"PUBLISHER_CONCURRENCY" envDefault:"5"`

	// LeaseTimeout is how long a claimed tenant stays invisible to other
	// publisher instances. A crashed claimer's tenants become reclaimable
	// once this elapses.
	LeaseTimeout time.Duration `env:"PUBLISHER_LEASE_TIMEOUT" envDefault:"1m"`

	// WarmDelay is the re-poll delay for a tenant whose last batch was
	// only partially full.
	WarmDelay time.Duration `env:"PUBLISHER_WARM_DELAY" envDefault:"30s"`

	// SweepInterval is the base interval of the cold-sweep discovery loop.
	SweepInterval time.Duration `env:"PUBLISHER_SWEEP_INTERVAL" envDefault:"30s"`

	// SweepPageSize is how many tenant registry rows are scanned per sweep page.
	SweepPageSize int `env:"PUBLISHER_SWEEP_PAGE_SIZE" envDefault:"200"`

	// SweepConcurrency bounds concurrent pending-row existence checks.
	SweepConcurrency int `env:"PUBLISHER_SWEEP_CONCURRENCY" envDefault:"5"`

	// MaxBackoff caps the exponential backoff applied after consecutive
	// loop failures.
	MaxBackoff time.Duration `env:"PUBLISHER_MAX_BACKOFF" envDefault:"60s"`
}

// Sanitize applies guardrails to publisher configuration values.
func (p *PublisherConfig) Sanitize() {
	if p.PollInterval < 100*time.Millisecond {
		p.PollInterval = 100 * time.Millisecond
	}
	if p.BatchSize < 1 {
		p.BatchSize = 1
	}
	if p.MaxTenants < 1 {
		p.MaxTenants = 1
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.LeaseTimeout < time.Second {
		p.LeaseTimeout = time.Second
	}
	if p.WarmDelay < time.Second {
		p.WarmDelay = time.Second
	}
	if p.SweepInterval < time.Second {
		p.SweepInterval = time.Second
	}
	if p.SweepPageSize < 1 {
		p.SweepPageSize = 1
	}
	if p.SweepConcurrency < 1 {
		p.SweepConcurrency = 1
	}
	if p.MaxBackoff < p.PollInterval {
		p.MaxBackoff = 60 * time.Second
	}
}

// HealthMonitorConfig contains queue health monitor configuration.
type HealthMonitorConfig struct {
	// MaxConsecutiveErrors is the connection-error count that trips shutdown.
	MaxConsecutiveErrors int `env:"HEALTH_MAX_CONSECUTIVE_ERRORS" envDefault:"5"`

	// MaxUnhealthyDuration is how long the store may stay unreachable
	// before shutdown trips regardless of the error count.
	MaxUnhealthyDuration time.Duration `env:"HEALTH_MAX_UNHEALTHY_DURATION" envDefault:"2m"`

	// StopTimeout caps the graceful queue stop attempted before the fatal
	// signal is raised.
	StopTimeout time.Duration `env:"HEALTH_STOP_TIMEOUT" envDefault:"15s"`
}

// Sanitize applies guardrails to health monitor configuration values.
func (h *HealthMonitorConfig) Sanitize() {
	if h.MaxConsecutiveErrors < 1 {
		h.MaxConsecutiveErrors = 1
	}
	if h.MaxUnhealthyDuration < 10*time.Second {
		h.MaxUnhealthyDuration = 10 * time.Second
	}
	if h.StopTimeout < time.Second {
		h.StopTimeout = time.Second
	}
}
