package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stackmint/storagegate/config"
	"github.com/stackmint/storagegate/internal/data"
)

// Stopper is the graceful-stop half of whatever the monitor supervises.
type Stopper interface {
	Stop(ctx context.Context) error
}

// FatalFunc surfaces a process-fatal condition to the supervisor.
// Production wires this to a signal that exits the process; tests
// record the call.
type FatalFunc func(reason string)

// HealthMonitor watches the queue engine's store connectivity and
// forces a supervised shutdown when the store stays unreachable. Once
// shutdown starts it is a one-way latch: the monitor never tries to
// recover, because a degraded store connection cannot be proven sound
// again without a clean restart.
type HealthMonitor struct {
	cfg          config.HealthMonitorConfig
	stopper      Stopper
	fatal        FatalFunc
	logger       *slog.Logger
	timeProvider data.TimeProvider

	mu                sync.Mutex
	consecutiveErrors int
	lastSuccess       time.Time
	lastError         error
	lastErrorAt       time.Time
	shutdownStarted   bool
}

// HealthMonitorOptions configures a HealthMonitor.
type HealthMonitorOptions struct {
	Config       config.HealthMonitorConfig
	Stopper      Stopper
	Fatal        FatalFunc
	Logger       *slog.Logger
	TimeProvider data.TimeProvider
}

// NewHealthMonitor creates a health monitor. The monitor considers
// itself healthy at creation time.
func NewHealthMonitor(opts HealthMonitorOptions) *HealthMonitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Fatal == nil {
		opts.Fatal = func(string) {}
	}
	return &HealthMonitor{
		cfg:          opts.Config,
		stopper:      opts.Stopper,
		fatal:        opts.Fatal,
		logger:       opts.Logger.With("component", "queue_health"),
		timeProvider: opts.TimeProvider,
		lastSuccess:  opts.TimeProvider.Now(),
	}
}

// TrackConnectionError records one connection-class failure and
// re-evaluates health. Callers are expected to filter: only
// connection and timeout errors belong here.
func (m *HealthMonitor) TrackConnectionError(err error) {
	m.mu.Lock()
	if m.shutdownStarted {
		m.mu.Unlock()
		return
	}
	m.consecutiveErrors++
	m.lastError = err
	m.lastErrorAt = m.timeProvider.Now()
	trip, reason := m.evaluateLocked()
	count := m.consecutiveErrors
	m.mu.Unlock()

	m.logger.Warn("store connection error",
		"consecutive_errors", count,
		"max_consecutive_errors", m.cfg.MaxConsecutiveErrors,
		"err", err,
	)
	if trip {
		m.beginShutdown(reason)
	}
}

// TrackSuccessfulOperation resets the failure streak. A no-op once
// shutdown has begun.
func (m *HealthMonitor) TrackSuccessfulOperation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdownStarted {
		return
	}
	m.consecutiveErrors = 0
	m.lastSuccess = m.timeProvider.Now()
}

// Healthy reports the monitor's current verdict.
func (m *HealthMonitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdownStarted {
		return false
	}
	trip, _ := m.evaluateLocked()
	return !trip
}

// ShutdownStarted reports whether the one-way latch has flipped.
func (m *HealthMonitor) ShutdownStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownStarted
}

// evaluateLocked decides whether health has breached either threshold.
// Caller holds m.mu.
func (m *HealthMonitor) evaluateLocked() (bool, string) {
	if m.consecutiveErrors >= m.cfg.MaxConsecutiveErrors {
		return true, "consecutive connection errors exceeded threshold"
	}
	if m.consecutiveErrors > 0 {
		if unhealthyFor := m.timeProvider.Now().Sub(m.lastSuccess); unhealthyFor >= m.cfg.MaxUnhealthyDuration {
			return true, "store unreachable beyond the unhealthy duration threshold"
		}
	}
	return false, ""
}

// beginShutdown flips the latch exactly once, attempts a graceful stop
// bounded by the stop timeout, then unconditionally raises the fatal
// signal so a supervisor restarts the worker.
func (m *HealthMonitor) beginShutdown(reason string) {
	m.mu.Lock()
	if m.shutdownStarted {
		m.mu.Unlock()
		return
	}
	m.shutdownStarted = true
	lastErr := m.lastError
	m.mu.Unlock()

	m.logger.Error("queue unhealthy, forcing supervised shutdown",
		"reason", reason,
		"last_error", lastErr,
	)

	if m.stopper != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
		if err := m.stopper.Stop(ctx); err != nil {
			m.logger.Error("graceful queue stop failed during health shutdown", "err", err)
		}
		cancel()
	}

	m.fatal(reason)
}
