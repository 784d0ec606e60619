package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmint/storagegate/config"
	"github.com/stackmint/storagegate/internal/data"
)

var errConnRefused = errors.New("connection refused")

type recordingStopper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *recordingStopper) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *recordingStopper) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fatalRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fatalRecorder) record(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fatalRecorder) Reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func newTestMonitor(tp data.TimeProvider) (*HealthMonitor, *recordingStopper, *fatalRecorder) {
	stopper := &recordingStopper{}
	fatal := &fatalRecorder{}
	m := NewHealthMonitor(HealthMonitorOptions{
		Config: config.HealthMonitorConfig{
			MaxConsecutiveErrors: 3,
			MaxUnhealthyDuration: time.Minute,
			StopTimeout:          time.Second,
		},
		Stopper:      stopper,
		Fatal:        fatal.record,
		TimeProvider: tp,
	})
	return m, stopper, fatal
}

func TestHealthMonitorStaysHealthyBelowThreshold(t *testing.T) {
	m, stopper, fatal := newTestMonitor(nil)

	m.TrackConnectionError(errConnRefused)
	m.TrackConnectionError(errConnRefused)
	m.TrackSuccessfulOperation()
	m.TrackConnectionError(errConnRefused)
	m.TrackConnectionError(errConnRefused)

	assert.True(t, m.Healthy())
	assert.False(t, m.ShutdownStarted())
	assert.Equal(t, 0, stopper.Calls())
	assert.Empty(t, fatal.Reasons())
}

func TestHealthMonitorTripsOnConsecutiveErrors(t *testing.T) {
	m, stopper, fatal := newTestMonitor(nil)

	m.TrackConnectionError(errConnRefused)
	m.TrackConnectionError(errConnRefused)
	m.TrackConnectionError(errConnRefused)

	require.True(t, m.ShutdownStarted())
	assert.False(t, m.Healthy())
	assert.Equal(t, 1, stopper.Calls())
	require.Len(t, fatal.Reasons(), 1)
}

func TestHealthMonitorTripsExactlyOnce(t *testing.T) {
	m, stopper, fatal := newTestMonitor(nil)

	for i := 0; i < 10; i++ {
		m.TrackConnectionError(errConnRefused)
	}

	assert.Equal(t, 1, stopper.Calls())
	assert.Len(t, fatal.Reasons(), 1)
}

func TestHealthMonitorSuccessIgnoredAfterShutdown(t *testing.T) {
	m, _, _ := newTestMonitor(nil)

	m.TrackConnectionError(errConnRefused)
	m.TrackConnectionError(errConnRefused)
	m.TrackConnectionError(errConnRefused)
	require.True(t, m.ShutdownStarted())

	// The latch is one-way: a late success does not resurrect health.
	m.TrackSuccessfulOperation()
	assert.True(t, m.ShutdownStarted())
	assert.False(t, m.Healthy())
}

func TestHealthMonitorTripsOnUnhealthyDuration(t *testing.T) {
	tp := data.NewFixedTimeProvider(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m, stopper, fatal := newTestMonitor(tp)

	m.TrackConnectionError(errConnRefused)
	assert.False(t, m.ShutdownStarted())

	// One error, then silence past the unhealthy window.
	tp.AddTime(2 * time.Minute)
	m.TrackConnectionError(errConnRefused)

	require.True(t, m.ShutdownStarted())
	assert.Equal(t, 1, stopper.Calls())
	assert.Len(t, fatal.Reasons(), 1)
}

func TestHealthMonitorFatalRaisedEvenWhenStopFails(t *testing.T) {
	stopper := &recordingStopper{err: errors.New("stop hung")}
	fatal := &fatalRecorder{}
	m := NewHealthMonitor(HealthMonitorOptions{
		Config: config.HealthMonitorConfig{
			MaxConsecutiveErrors: 1,
			MaxUnhealthyDuration: time.Minute,
			StopTimeout:          time.Second,
		},
		Stopper: stopper,
		Fatal:   fatal.record,
	})

	m.TrackConnectionError(errConnRefused)

	assert.Equal(t, 1, stopper.Calls())
	require.Len(t, fatal.Reasons(), 1)
}
