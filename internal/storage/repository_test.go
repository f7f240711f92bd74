package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskwatch/internal/config"
	"riskwatch/internal/risk"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	repos := map[string]Repository{"memory": NewMemory(func() time.Time { return base })}

	dsn := os.Getenv("RISKWATCH_TEST_DATABASE_DSN")
	if dsn == "" {
		return repos
	}
	require.NoError(t, Migrate(dsn, zerolog.Nop()))
	pool, err := NewPool(context.Background(), config.DatabaseConfig{DSN: dsn, MaxOpenConns: 8})
	require.NoError(t, err)
	store := NewStore(pool)
	t.Cleanup(store.Close)
	repos["postgres"] = store
	return repos
}

type fixture struct {
	user      User
	portfolio Portfolio
}

func seed(t *testing.T, repo Repository) fixture {
	t.Helper()
	ctx := context.Background()
	user, err := repo.CreateUser(ctx, User{})
	require.NoError(t, err)
	p, err := repo.CreatePortfolio(ctx, Portfolio{UserID: user.ID, Name: "main", WalletAddress: "0xabc"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.DeleteUser(context.Background(), user.ID) })
	return fixture{user: user, portfolio: p}
}

func summaryAt(score int, at time.Time) risk.Summary {
	return risk.Summary{
		RiskScore:       risk.BasisPoints(score),
		TotalValue:      decimal.RequireFromString("1234.5"),
		Diversification: 4200,
		AnalyzedAt:      at,
	}
}

func TestRepository_SaveSnapshotIsMonotonic(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fx := seed(t, repo)

			got, err := repo.GetPortfolio(ctx, fx.portfolio.ID)
			require.NoError(t, err)
			assert.Nil(t, got.Analytics)

			applied, err := repo.SaveSnapshot(ctx, fx.portfolio.ID, summaryAt(8200, base), CacheEntry{})
			require.NoError(t, err)
			assert.True(t, applied)

			applied, err = repo.SaveSnapshot(ctx, fx.portfolio.ID, summaryAt(1000, base.Add(-time.Minute)), CacheEntry{})
			require.NoError(t, err)
			assert.False(t, applied, "older snapshot must not overwrite")

			applied, err = repo.SaveSnapshot(ctx, fx.portfolio.ID, summaryAt(1000, base), CacheEntry{})
			require.NoError(t, err)
			assert.False(t, applied, "equal timestamp is not newer")

			got, err = repo.GetPortfolio(ctx, fx.portfolio.ID)
			require.NoError(t, err)
			require.NotNil(t, got.Analytics)
			assert.Equal(t, risk.BasisPoints(8200), got.Analytics.RiskScore)
			assert.True(t, got.Analytics.TotalValue.Equal(decimal.RequireFromString("1234.5")))
			assert.True(t, got.Analytics.AnalyzedAt.Equal(base))

			history, err := repo.ListSnapshotHistory(ctx, fx.portfolio.ID, base.Add(-time.Hour), base.Add(time.Hour), 10)
			require.NoError(t, err)
			assert.Len(t, history, 1)

			_, err = repo.SaveSnapshot(ctx, "missing", summaryAt(1, base), CacheEntry{})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepository_CacheEntryExpiryAndPurge(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fx := seed(t, repo)
			key := "snapshot:" + fx.portfolio.ID

			entry := CacheEntry{Key: key, Kind: "risk_snapshot", Payload: []byte{1, 2, 3}, CreatedAt: base, ExpiresAt: base.Add(time.Minute)}
			_, err := repo.SaveSnapshot(ctx, fx.portfolio.ID, summaryAt(10, base), entry)
			require.NoError(t, err)

			got, err := repo.GetCacheEntry(ctx, key, base.Add(30*time.Second))
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, got.Payload)

			_, err = repo.GetCacheEntry(ctx, key, base.Add(time.Minute))
			assert.ErrorIs(t, err, ErrNotFound)

			n, err := repo.PurgeExpiredCacheEntries(ctx, base.Add(2*time.Minute))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, int64(1))
		})
	}
}

func TestRepository_MarkTriggeredCAS(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fx := seed(t, repo)

			sub, err := repo.CreateSubscription(ctx, AlertSubscription{
				UserID: fx.user.ID, AlertType: "RISK_THRESHOLD", Threshold: 7000, CooldownMinutes: 60, IsActive: true,
			})
			require.NoError(t, err)

			ok, err := repo.MarkTriggered(ctx, sub.ID, nil, base)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = repo.MarkTriggered(ctx, sub.ID, nil, base.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, ok, "stale prev must lose")

			prev := base
			ok, err = repo.MarkTriggered(ctx, sub.ID, &prev, base.Add(-time.Minute))
			require.NoError(t, err)
			assert.False(t, ok, "must not move backwards")

			ok, err = repo.MarkTriggered(ctx, sub.ID, &prev, base)
			require.NoError(t, err)
			assert.False(t, ok, "must move strictly forward")

			ok, err = repo.MarkTriggered(ctx, sub.ID, &prev, base.Add(time.Hour))
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, repo.SetSubscriptionActive(ctx, sub.ID, false))
			next := base.Add(time.Hour)
			ok, err = repo.MarkTriggered(ctx, sub.ID, &next, base.Add(2*time.Hour))
			require.NoError(t, err)
			assert.False(t, ok, "inactive subscriptions never fire")

			got, err := repo.GetSubscription(ctx, sub.ID)
			require.NoError(t, err)
			require.NotNil(t, got.LastTriggeredAt)
			assert.True(t, got.LastTriggeredAt.Equal(base.Add(time.Hour)))
		})
	}
}

func TestRepository_ConcurrentClaimHasOneWinner(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fx := seed(t, repo)

			policy, err := repo.CreatePolicy(ctx, InsurancePolicy{
				UserID:          fx.user.ID,
				PortfolioID:     fx.portfolio.ID,
				CoverageAmount:  decimal.NewFromInt(1000),
				Premium:         decimal.NewFromInt(10),
				RiskThreshold:   7000,
				DurationSeconds: 3600,
				IsActive:        true,
				CreatedAt:       base,
			})
			require.NoError(t, err)
			assert.True(t, policy.ExpiresAt.Equal(base.Add(time.Hour)))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := repo.ClaimPolicy(ctx, policy.ID, base.Add(time.Minute), decimal.NewFromInt(1000))
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())

			got, err := repo.GetPolicy(ctx, policy.ID)
			require.NoError(t, err)
			assert.True(t, got.HasClaimed)
			require.NotNil(t, got.PayoutAmount)
			assert.True(t, got.PayoutAmount.Equal(decimal.NewFromInt(1000)))

			ok, err := repo.RecordClaimTx(ctx, policy.ID, "0xclaim")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = repo.RecordClaimTx(ctx, policy.ID, "0xother")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRepository_PolicyActivationAndExpiry(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fx := seed(t, repo)

			policy, err := repo.CreatePolicy(ctx, InsurancePolicy{
				UserID: fx.user.ID, PortfolioID: fx.portfolio.ID,
				CoverageAmount: decimal.NewFromInt(500), Premium: decimal.NewFromInt(5),
				RiskThreshold: 7000, DurationSeconds: 60, CreatedAt: base,
			})
			require.NoError(t, err)
			assert.False(t, policy.IsActive)

			ok, err := repo.ClaimPolicy(ctx, policy.ID, base, decimal.NewFromInt(1))
			require.NoError(t, err)
			assert.False(t, ok, "pending policies cannot be claimed")

			ok, err = repo.ActivatePolicy(ctx, policy.ID, "0xtx", base)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = repo.ActivatePolicy(ctx, policy.ID, "0xtx", base)
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := repo.ExpirePolicies(ctx, base.Add(2*time.Minute))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, int64(1))

			got, err := repo.GetPolicy(ctx, policy.ID)
			require.NoError(t, err)
			assert.False(t, got.IsActive)
			assert.Equal(t, "0xtx", got.TxHash)
			assert.True(t, got.ExpiresAt.Equal(base.Add(time.Minute)))
		})
	}
}

func TestRepository_DispatchLedger(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fx := seed(t, repo)
			sub, err := repo.CreateSubscription(ctx, AlertSubscription{UserID: fx.user.ID, AlertType: "RISK_THRESHOLD", IsActive: true})
			require.NoError(t, err)
			key := sub.ID + ":1"

			rec, created, err := repo.BeginDispatch(ctx, key, sub.ID, base)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, DispatchPending, rec.Status)

			ok, err := repo.TakeOverDispatch(ctx, key, base, base.Add(time.Second))
			require.NoError(t, err)
			assert.False(t, ok, "lease still held")

			ok, err = repo.TakeOverDispatch(ctx, key, base.Add(time.Millisecond), base.Add(time.Second))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = repo.TakeOverDispatch(ctx, key, base.Add(time.Millisecond), base.Add(2*time.Second))
			require.NoError(t, err)
			assert.False(t, ok, "renewed lease is held again")

			require.NoError(t, repo.CompleteDispatch(ctx, key, DispatchDelivered, 2, "", base.Add(time.Second)))

			ok, err = repo.TakeOverDispatch(ctx, key, base.Add(time.Hour), base.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, ok, "settled records are never taken over")

			rec, created, err = repo.BeginDispatch(ctx, key, sub.ID, base.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, DispatchDelivered, rec.Status)
			assert.Equal(t, 2, rec.Attempts)

			n, err := repo.PruneDispatches(ctx, base.Add(time.Hour))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, int64(1))
		})
	}
}

func TestRepository_SubscriptionListingFollowsOwnership(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fx := seed(t, repo)
			other := seed(t, repo)

			active, err := repo.CreateSubscription(ctx, AlertSubscription{UserID: fx.user.ID, AlertType: "RISK_THRESHOLD", IsActive: true})
			require.NoError(t, err)
			_, err = repo.CreateSubscription(ctx, AlertSubscription{UserID: fx.user.ID, AlertType: "RISK_THRESHOLD", IsActive: false})
			require.NoError(t, err)

			subs, err := repo.ListActiveSubscriptionsForPortfolio(ctx, fx.portfolio.ID)
			require.NoError(t, err)
			require.Len(t, subs, 1)
			assert.Equal(t, active.ID, subs[0].ID)

			ids, err := repo.ListPortfoliosWithActiveSubscriptions(ctx)
			require.NoError(t, err)
			assert.Contains(t, ids, fx.portfolio.ID)
			assert.NotContains(t, ids, other.portfolio.ID)

			require.NoError(t, repo.DeleteUser(ctx, fx.user.ID))
			_, err = repo.GetPortfolio(ctx, fx.portfolio.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.GetSubscription(ctx, active.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemory_AdvisoryLockIsExclusive(t *testing.T) {
	m := NewMemory(nil)
	unlock, ok, err := m.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	_, ok, err = m.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrateURL(t *testing.T) {
	url, err := migrateURL("postgres://u:p@localhost:5432/db?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://u:p@localhost:5432/db?sslmode=disable", url)

	_, err = migrateURL("host=localhost dbname=db")
	assert.Error(t, err)
}
