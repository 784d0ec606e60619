// Package publisher moves PENDING rows from per-tenant event_log
// outboxes into the shared job queue: lease-based tenant claiming in
// the poll loop, and a cold sweep that re-discovers tenants whose
// pending work fell outside the lease set.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stackmint/storagegate/config"
	"github.com/stackmint/storagegate/internal/domain/model"
	"github.com/stackmint/storagegate/internal/domain/retry"
)

// LeaseStore is the control-plane lease surface the publisher drives.
type LeaseStore interface {
	ClaimTenants(ctx context.Context, limit int, lease time.Duration) ([]string, error)
	Reschedule(ctx context.Context, tenantID string, delay time.Duration) error
	RemoveLease(ctx context.Context, tenantID string) error
	UpsertLeases(ctx context.Context, tenantIDs []string, warmDelay time.Duration) error
	ListTenantsPage(ctx context.Context, afterID int64, limit int) ([]model.TenantRecord, error)
}

// TenantProcessor drains one tenant's outbox and answers the sweep's
// pending check. Split from the loops so claiming, rescheduling and
// backoff are testable without a database.
type TenantProcessor interface {
	Process(ctx context.Context, tenantID string) (ProcessResult, error)
	HasPending(ctx context.Context, tenantID string) (bool, error)
}

// Options configures an EventPublisher.
type Options struct {
	Config      config.PublisherConfig
	Leases      LeaseStore
	Processor   TenantProcessor
	MultiTenant bool
	// TenantID is polled directly in single-tenant mode.
	TenantID string
	Logger   *slog.Logger
}

// EventPublisher runs the poll and sweep loops. Multiple instances may
// run concurrently against the same lease table; SKIP LOCKED claiming
// keeps their tenant sets disjoint.
type EventPublisher struct {
	cfg         config.PublisherConfig
	leases      LeaseStore
	processor   TenantProcessor
	multiTenant bool
	tenantID    string
	logger      *slog.Logger
}

// NewEventPublisher creates a publisher.
func NewEventPublisher(opts Options) *EventPublisher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EventPublisher{
		cfg:         opts.Config,
		leases:      opts.Leases,
		processor:   opts.Processor,
		multiTenant: opts.MultiTenant,
		tenantID:    opts.TenantID,
		logger:      opts.Logger.With("component", "event_publisher"),
	}
}

// Run starts the poll loop, and in multi-tenant mode the sweep loop,
// and blocks until ctx is canceled. Loop failures back off and keep
// the process alive; Run returns nil on cancellation.
func (p *EventPublisher) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.pollLoop(ctx)
	}()

	if p.multiTenant {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.sweepLoop(ctx)
		}()
	}

	wg.Wait()
	p.logger.Info("event publisher stopped")
	return nil
}

// pollLoop claims due tenants and drains them on each tick. Consecutive
// failures stretch the interval exponentially up to the cap; one
// success snaps it back.
func (p *EventPublisher) pollLoop(ctx context.Context) {
	failures := 0
	for {
		delay := p.cfg.PollInterval
		if failures > 0 {
			delay = retry.Backoff(p.cfg.PollInterval, p.cfg.MaxBackoff, failures)
		}

		if !sleepCtx(ctx, delay) {
			return
		}

		if err := p.pollOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			failures++
			p.logger.ErrorContext(ctx, "poll cycle failed", "consecutive_failures", failures, "err", err)
			continue
		}
		failures = 0
	}
}

// pollOnce runs one claim-and-process cycle.
func (p *EventPublisher) pollOnce(ctx context.Context) error {
	if !p.multiTenant {
		_, err := p.processor.Process(ctx, p.tenantID)
		return err
	}

	claimed, err := p.leases.ClaimTenants(ctx, p.cfg.MaxTenants, p.cfg.LeaseTimeout)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	// Bounded fan-out: a burst of claims cannot open unbounded tenant
	// connections, and one tenant's failure never touches its siblings.
	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	var wg sync.WaitGroup
	for _, tenantID := range claimed {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			defer sem.Release(1)
			p.processClaimed(ctx, tenantID)
		}(tenantID)
	}
	wg.Wait()
	return ctx.Err()
}

// processClaimed drains one claimed tenant and reschedules its lease:
// a full batch means backlog (immediately due again), a partial batch
// gets the warm delay, an empty poll removes the lease until the sweep
// rediscovers the tenant.
func (p *EventPublisher) processClaimed(ctx context.Context, tenantID string) {
	result, err := p.processor.Process(ctx, tenantID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// The lease claim already pushed next_poll_at out one lease
		// length; leaving it alone is the retry schedule.
		p.logger.ErrorContext(ctx, "tenant poll failed", "tenant_id", tenantID, "err", err)
		return
	}

	var rescheduleErr error
	switch {
	case result.Fetched == 0:
		rescheduleErr = p.leases.RemoveLease(ctx, tenantID)
	case result.Fetched >= p.cfg.BatchSize:
		rescheduleErr = p.leases.Reschedule(ctx, tenantID, 0)
	default:
		rescheduleErr = p.leases.Reschedule(ctx, tenantID, p.cfg.WarmDelay)
	}
	if rescheduleErr != nil && !errors.Is(rescheduleErr, context.Canceled) {
		p.logger.ErrorContext(ctx, "failed to reschedule tenant", "tenant_id", tenantID, "err", rescheduleErr)
	}
}

// sweepLoop walks the whole tenant registry on a slow cadence and
// re-registers any tenant that has pending rows but no lease. Starts
// with jitter so a fleet of publishers does not sweep in lockstep.
func (p *EventPublisher) sweepLoop(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(p.cfg.SweepInterval)))
	if !sleepCtx(ctx, jitter) {
		return
	}

	failures := 0
	for {
		if err := p.sweepOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			failures++
			p.logger.ErrorContext(ctx, "sweep cycle failed", "consecutive_failures", failures, "err", err)
		} else {
			failures = 0
		}

		delay := p.cfg.SweepInterval
		if failures > 0 {
			delay = retry.Backoff(p.cfg.SweepInterval, p.cfg.MaxBackoff, failures)
		}
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// sweepOnce paginates the tenant registry by cursor and collects every
// tenant with pending rows into the lease table.
func (p *EventPublisher) sweepOnce(ctx context.Context) error {
	var cursor int64
	for {
		page, err := p.leases.ListTenantsPage(ctx, cursor, p.cfg.SweepPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		cursor = page[len(page)-1].ID

		pending, err := p.checkPage(ctx, page)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			if err := p.leases.UpsertLeases(ctx, pending, p.cfg.WarmDelay); err != nil {
				return err
			}
			p.logger.InfoContext(ctx, "sweep re-registered tenants", "count", len(pending))
		}
	}
}

// checkPage probes one registry page for pending rows under the sweep
// concurrency bound. A tenant whose check fails is skipped, not fatal;
// the next sweep sees it again.
func (p *EventPublisher) checkPage(ctx context.Context, page []model.TenantRecord) ([]string, error) {
	sem := semaphore.NewWeighted(int64(p.cfg.SweepConcurrency))
	var (
		mu      sync.Mutex
		pending []string
		wg      sync.WaitGroup
	)
	for _, rec := range page {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			defer sem.Release(1)

			has, err := p.processor.HasPending(ctx, tenantID)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.WarnContext(ctx, "sweep pending check failed", "tenant_id", tenantID, "err", err)
				}
				return
			}
			if has {
				mu.Lock()
				pending = append(pending, tenantID)
				mu.Unlock()
			}
		}(rec.TenantID)
	}
	wg.Wait()
	return pending, ctx.Err()
}

// sleepCtx sleeps for d unless ctx is canceled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
