package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskwatch/internal/alerting"
	"riskwatch/internal/claims"
	"riskwatch/internal/config"
	"riskwatch/internal/scheduler"
	"riskwatch/internal/storage"
)

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) Sweep(context.Context) (alerting.Report, error) {
	c.calls.Add(1)
	return alerting.Report{Evaluated: 1}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Alerting.Enabled = true
	cfg.Scheduler.AdvisoryLockKey = 42
	cfg.Maintenance.DispatchRetention = time.Hour
	return cfg
}

func TestProcessTickSkipsWhenLockHeld(t *testing.T) {
	repo := storage.NewMemory(nil)
	sweeper := &countingSweeper{}
	svc := New(testConfig(), nil, Deps{Repo: repo, Sweeper: sweeper}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, svc.ProcessTick(ctx, time.Now()))
	assert.Equal(t, int32(1), sweeper.calls.Load())

	unlock, ok, err := repo.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, svc.ProcessTick(ctx, time.Now()))
	assert.Equal(t, int32(1), sweeper.calls.Load(), "another holder owns the sweep")

	unlock()
	require.NoError(t, svc.ProcessTick(ctx, time.Now()))
	assert.Equal(t, int32(2), sweeper.calls.Load())
}

func TestProcessTickAlertingDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.Enabled = false
	sweeper := &countingSweeper{}
	svc := New(cfg, nil, Deps{Repo: storage.NewMemory(nil), Sweeper: sweeper}, zerolog.Nop())

	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	assert.Zero(t, sweeper.calls.Load())
}

func TestMaintenanceJobs(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := storage.NewMemory(clock)
	ctx := context.Background()

	user, err := repo.CreateUser(ctx, storage.User{})
	require.NoError(t, err)
	folio, err := repo.CreatePortfolio(ctx, storage.Portfolio{UserID: user.ID, WalletAddress: "0x1"})
	require.NoError(t, err)
	policy, err := repo.CreatePolicy(ctx, storage.InsurancePolicy{
		UserID: user.ID, PortfolioID: folio.ID, RiskThreshold: 7000, DurationSeconds: 60, IsActive: true,
	})
	require.NoError(t, err)

	_, _, err = repo.BeginDispatch(ctx, "old", "sub", now.Add(-3*time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.CompleteDispatch(ctx, "old", storage.DispatchDelivered, 1, "", now.Add(-2*time.Hour)))

	now = now.Add(2 * time.Minute)
	gate := claims.NewGate(claims.Options{Now: clock}, repo, nil, nil, nil, zerolog.Nop())
	svc := New(testConfig(), nil, Deps{Repo: repo, Gate: gate, Now: clock}, zerolog.Nop())

	jobs := svc.Jobs()
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		require.NoError(t, job.Run(ctx), job.Name)
	}

	got, err := repo.GetPolicy(ctx, policy.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.StateExpired, claims.Status(got, now))

	n, err := repo.PruneDispatches(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n, "old ledger row already pruned")
}

func TestRunStopsOnCancel(t *testing.T) {
	sweeper := &countingSweeper{}
	sched := scheduler.New(scheduler.Options{Interval: 5 * time.Millisecond}, zerolog.Nop())
	cfg := testConfig()
	cfg.Maintenance.Enabled = true
	cfg.Maintenance.PurgeCache = "@every 1h"
	svc := New(cfg, sched, Deps{Repo: storage.NewMemory(nil), Sweeper: sweeper}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
