package data_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmint/storagegate/internal/data"
	"github.com/stackmint/storagegate/internal/testutil"
)

func registerTenants(t *testing.T, db *sql.DB, tenantIDs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range tenantIDs {
		_, err := db.ExecContext(ctx, `
			INSERT INTO tenants (tenant_id, database_url)
			VALUES ($1, 'postgres://localhost/'||$1)
		`, id)
		require.NoError(t, err)
	}
}

func leaseFor(t *testing.T, db *sql.DB, tenantID string) (next time.Time, pollCount int64) {
	t.Helper()
	err := db.QueryRowContext(context.Background(), `
		SELECT next_poll_at, poll_count FROM event_log_tenants WHERE tenant_id = $1
	`, tenantID).Scan(&next, &pollCount)
	require.NoError(t, err)
	return next, pollCount
}

func TestClaimTenantsLeasesDueRows(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewTenantLeaseRepo(db, nil)

		require.NoError(t, repo.UpsertLeases(ctx, []string{"t1", "t2", "t3"}, 0))

		claimed, err := repo.ClaimTenants(ctx, 10, 30*time.Second)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, claimed)

		// Claiming pushed every lease into the future, so a second claim
		// finds nothing due.
		again, err := repo.ClaimTenants(ctx, 10, 30*time.Second)
		require.NoError(t, err)
		assert.Empty(t, again)

		next, pollCount := leaseFor(t, db, "t1")
		assert.True(t, next.After(time.Now().Add(20*time.Second)),
			"lease %v not pushed a lease length out", next)
		assert.EqualValues(t, 1, pollCount)
	})
}

func TestClaimTenantsRespectsLimit(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewTenantLeaseRepo(db, nil)
		require.NoError(t, repo.UpsertLeases(ctx, []string{"a", "b", "c", "d"}, 0))

		first, err := repo.ClaimTenants(ctx, 3, time.Minute)
		require.NoError(t, err)
		require.Len(t, first, 3)

		// The remainder is claimable by the next call, and the two claims
		// are disjoint.
		second, err := repo.ClaimTenants(ctx, 3, time.Minute)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.NotContains(t, first, second[0])
	})
}

func TestRescheduleMakesTenantDue(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewTenantLeaseRepo(db, nil)
		require.NoError(t, repo.UpsertLeases(ctx, []string{"busy"}, 0))

		claimed, err := repo.ClaimTenants(ctx, 1, time.Hour)
		require.NoError(t, err)
		require.Equal(t, []string{"busy"}, claimed)

		// A zero delay undoes the lease: the tenant is due right away.
		require.NoError(t, repo.Reschedule(ctx, "busy", 0))
		claimed, err = repo.ClaimTenants(ctx, 1, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []string{"busy"}, claimed)
	})
}

func TestUpsertLeasesLeavesExistingRowsAlone(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewTenantLeaseRepo(db, nil)

		require.NoError(t, repo.UpsertLeases(ctx, []string{"t1"}, 0))
		_, err := repo.ClaimTenants(ctx, 1, time.Hour)
		require.NoError(t, err)
		leasedUntil, _ := leaseFor(t, db, "t1")

		// Re-registering a leased tenant must not shorten its lease.
		require.NoError(t, repo.UpsertLeases(ctx, []string{"t1", "t2"}, 5*time.Second))

		next, _ := leaseFor(t, db, "t1")
		assert.True(t, next.Equal(leasedUntil), "existing lease rewritten: %v != %v", next, leasedUntil)

		has, err := repo.HasLease(ctx, "t2")
		require.NoError(t, err)
		assert.True(t, has)

		// The new tenant starts after the warm delay, so it is not yet due.
		claimed, err := repo.ClaimTenants(ctx, 10, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestRemoveLease(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewTenantLeaseRepo(db, nil)
		require.NoError(t, repo.UpsertLeases(ctx, []string{"gone"}, 0))

		require.NoError(t, repo.RemoveLease(ctx, "gone"))

		has, err := repo.HasLease(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, has)

		// Removing a missing lease is a no-op.
		require.NoError(t, repo.RemoveLease(ctx, "gone"))
	})
}

func TestClaimTenantsConcurrentInstancesDisjoint(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewTenantLeaseRepo(db, nil)

		ids := make([]string, 20)
		for i := range ids {
			ids[i] = fmt.Sprintf("t%02d", i)
		}
		require.NoError(t, repo.UpsertLeases(ctx, ids, 0))

		type result struct {
			claimed []string
			err     error
		}
		results := make(chan result, 2)
		for i := 0; i < 2; i++ {
			go func() {
				claimed, err := repo.ClaimTenants(ctx, 10, 30*time.Second)
				results <- result{claimed: claimed, err: err}
			}()
		}

		seen := make(map[string]int)
		total := 0
		for i := 0; i < 2; i++ {
			r := <-results
			require.NoError(t, r.err)
			for _, id := range r.claimed {
				seen[id]++
				total++
			}
		}
		assert.Equal(t, 20, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "tenant %s claimed by both instances", id)
		}
	})
}

func TestClaimTenantsUsesInjectedClock(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewTenantLeaseRepo(db, nil)

		// Warm-delayed half an hour out, so nothing is due on the real
		// clock.
		require.NoError(t, repo.UpsertLeases(ctx, []string{"t1"}, 30*time.Minute))
		claimed, err := repo.ClaimTenants(ctx, 10, 30*time.Second)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		// An instance whose clock sits past the warm delay sees the
		// tenant as due.
		future := data.NewFixedTimeProvider(time.Now().Add(time.Hour))
		futureRepo := data.NewTenantLeaseRepo(db, future)
		claimed, err = futureRepo.ClaimTenants(ctx, 10, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, claimed)
	})
}

func TestListTenantsPageCursors(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewTenantLeaseRepo(db, nil)
		registerTenants(t, db, "t1", "t2", "t3", "t4", "t5")

		var all []string
		var cursor int64
		pages := 0
		for {
			page, err := repo.ListTenantsPage(ctx, cursor, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			pages++
			for _, rec := range page {
				assert.Greater(t, rec.ID, cursor)
				all = append(all, rec.TenantID)
			}
			cursor = page[len(page)-1].ID
		}
		assert.Equal(t, 3, pages)
		assert.Equal(t, []string{"t1", "t2", "t3", "t4", "t5"}, all)
	})
}
