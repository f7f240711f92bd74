package analytics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskwatch/internal/cache"
	"riskwatch/internal/risk"
	"riskwatch/internal/storage"
)

func TestGetSnapshot_ColdComputesPersistsAndCaches(t *testing.T) {
	h := newHarness(t, Options{SnapshotTTL: 10 * time.Minute})
	ctx := context.Background()

	res, err := h.store.GetSnapshot(ctx, h.portfolio.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, res.Source)
	assert.False(t, res.Stale)
	assert.Equal(t, risk.BasisPoints(8200), res.Snapshot.RiskScore)
	assert.True(t, res.Snapshot.HasExposures())

	p, err := h.repo.GetPortfolio(ctx, h.portfolio.ID)
	require.NoError(t, err)
	require.NotNil(t, p.Analytics)
	assert.Equal(t, risk.BasisPoints(8200), p.Analytics.RiskScore)
	assert.True(t, p.Analytics.AnalyzedAt.Equal(h.clock.Now()))

	res, err = h.store.GetSnapshot(ctx, h.portfolio.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, int32(1), h.positions.calls.Load())
}

func TestGetSnapshot_MaxAgeForcesRecompute(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	h.model.score.Store(6000)
	res, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, res.Source)
	assert.Equal(t, risk.BasisPoints(6000), res.Snapshot.RiskScore)
	assert.Equal(t, int32(2), h.positions.calls.Load())
}

func TestGetSnapshot_SingleFlightCollapsesConcurrentRecomputes(t *testing.T) {
	h := newHarness(t, Options{WaitTimeout: 5 * time.Second})
	h.positions.release = make(chan struct{})
	h.positions.started = make(chan struct{}, 1)
	ctx := context.Background()

	const n = 25
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
		}(i)
	}

	<-h.positions.started
	time.Sleep(50 * time.Millisecond)
	close(h.positions.release)
	wg.Wait()

	assert.Equal(t, int32(1), h.positions.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Snapshot.RiskScore, results[i].Snapshot.RiskScore)
		assert.True(t, results[0].Snapshot.AnalyzedAt.Equal(results[i].Snapshot.AnalyzedAt))
		assert.True(t, results[0].Snapshot.TotalValue.Equal(results[i].Snapshot.TotalValue))
	}
}

func TestGetSnapshot_StaleFallbackWhenProviderFails(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	h.positions.fail.Store(true)

	res, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, first.Snapshot.RiskScore, res.Snapshot.RiskScore)
	assert.True(t, first.Snapshot.AnalyzedAt.Equal(res.Snapshot.AnalyzedAt))
}

func TestGetSnapshot_ColdMissIsUnavailable(t *testing.T) {
	h := newHarness(t, Options{})
	h.positions.fail.Store(true)

	_, err := h.store.GetSnapshot(context.Background(), h.portfolio.ID, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataProviderUnavailable)
	assert.ErrorIs(t, err, errProviderDown)
}

func TestGetSnapshot_WaitTimeoutFallsBackToLastKnownGood(t *testing.T) {
	h := newHarness(t, Options{WaitTimeout: 20 * time.Millisecond, RecomputeTimeout: 5 * time.Second})
	ctx := context.Background()

	_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	h.positions.release = make(chan struct{})
	h.positions.started = make(chan struct{}, 1)

	ownerCh := make(chan Result, 1)
	go func() {
		res, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
		assert.NoError(t, err)
		ownerCh <- res
	}()
	<-h.positions.started

	started := time.Now()
	res, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Less(t, time.Since(started), time.Second)

	close(h.positions.release)
	owned := <-ownerCh
	assert.False(t, owned.Stale)
	assert.Equal(t, SourceComputed, owned.Source)
	assert.Equal(t, int32(2), h.positions.calls.Load())
}

func TestGetSnapshot_StartingCallerOutwaitsWaitTimeout(t *testing.T) {
	h := newHarness(t, Options{WaitTimeout: 20 * time.Millisecond, RecomputeTimeout: 2 * time.Second})
	h.positions.release = make(chan struct{})
	h.positions.started = make(chan struct{}, 1)
	go func() {
		<-h.positions.started
		time.Sleep(100 * time.Millisecond)
		close(h.positions.release)
	}()

	res, err := h.store.GetSnapshot(context.Background(), h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, SourceComputed, res.Source)
}

func TestGetSnapshot_RecomputeDeadlineIsUnavailable(t *testing.T) {
	h := newHarness(t, Options{WaitTimeout: time.Second, RecomputeTimeout: 20 * time.Millisecond})
	h.positions.release = make(chan struct{})
	defer close(h.positions.release)

	_, err := h.store.GetSnapshot(context.Background(), h.portfolio.ID, time.Minute)
	assert.ErrorIs(t, err, ErrDataProviderUnavailable)
}

func TestGetSnapshot_ComputationSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, Options{WaitTimeout: time.Second})
	h.positions.release = make(chan struct{})
	h.positions.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
		errCh <- err
	}()

	<-h.positions.started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(h.positions.release)
	require.Eventually(t, func() bool {
		p, err := h.repo.GetPortfolio(context.Background(), h.portfolio.ID)
		return err == nil && p.Analytics != nil
	}, time.Second, 5*time.Millisecond)
}

type failingRepo struct {
	Repository
	err error
}

func (f failingRepo) GetPortfolio(context.Context, string) (storage.Portfolio, error) {
	return storage.Portfolio{}, f.err
}

func TestGetSnapshot_RepositoryErrorsEscalate(t *testing.T) {
	h := newHarness(t, Options{})
	dbErr := errors.New("connection reset")
	s, err := NewStore(Options{Now: h.clock.Now}, Deps{
		Cache:     h.cache,
		Repo:      failingRepo{Repository: h.repo, err: dbErr},
		Positions: h.positions,
		Prices:    onePrices{},
		Model:     h.model,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = s.GetSnapshot(context.Background(), h.portfolio.ID, time.Minute)
	assert.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, ErrDataProviderUnavailable)
}

func TestGetSnapshot_UnknownPortfolio(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.store.GetSnapshot(context.Background(), "missing", time.Minute)
	assert.ErrorIs(t, err, ErrUnknownPortfolio)
}

func TestGetSnapshot_WarmsFromPersistedEnvelope(t *testing.T) {
	h := newHarness(t, Options{SnapshotTTL: 10 * time.Minute})
	ctx := context.Background()

	_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)

	other, otherCache := newStoreOn(t, h, Options{SnapshotTTL: 10 * time.Minute})
	res, err := other.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, SourceRepository, res.Source)
	assert.True(t, res.Snapshot.HasExposures(), "persisted envelope carries exposures")
	assert.Equal(t, int32(1), h.positions.calls.Load())

	env, err := otherCache.Get(ctx, snapshotKey(h.portfolio.ID))
	require.NoError(t, err)
	require.NotNil(t, env.Snapshot)
}

func TestGetSnapshot_FallsBackToPortfolioColumns(t *testing.T) {
	h := newHarness(t, Options{SnapshotTTL: time.Minute})
	ctx := context.Background()

	_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Hour)
	require.NoError(t, err)

	// The persisted cache entry has expired; only the columns remain.
	h.clock.Advance(5 * time.Minute)
	other, _ := newStoreOn(t, h, Options{SnapshotTTL: time.Minute})
	res, err := other.GetSnapshot(ctx, h.portfolio.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SourceRepository, res.Source)
	assert.False(t, res.Snapshot.HasExposures())
	assert.Equal(t, risk.BasisPoints(8200), res.Snapshot.RiskScore)
}

func TestGetSnapshot_LastAnalysisAtNeverRegresses(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	latest := h.clock.Now()

	// A second process with a lagging clock finishes a recompute later.
	lagging := newTestClock()
	lagging.now = latest.Add(-time.Minute)
	var notified atomic.Int32
	other, _ := newStoreOn(t, h, Options{Now: lagging.Now})
	other.AddListener(func(context.Context, risk.Snapshot) { notified.Add(1) })

	h.model.score.Store(100)
	_, err = other.recompute(ctx, h.portfolio.ID)
	require.NoError(t, err)

	p, err := h.repo.GetPortfolio(ctx, h.portfolio.ID)
	require.NoError(t, err)
	assert.True(t, p.Analytics.AnalyzedAt.Equal(latest))
	assert.Equal(t, risk.BasisPoints(8200), p.Analytics.RiskScore)

	require.NoError(t, other.Close(ctx))
	assert.Equal(t, int32(0), notified.Load(), "superseded writes do not notify")
}

func TestGetSnapshot_PortfolioFieldsReadAsOneSet(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	stop := make(chan struct{})

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, err := h.repo.GetPortfolio(ctx, h.portfolio.ID)
				if !assert.NoError(t, err) {
					return
				}
				if a := p.Analytics; a != nil {
					// The model writes score = 1000 + tick, and the clock
					// advances one second per tick.
					tick := int(a.AnalyzedAt.Sub(newTestClock().now) / time.Second)
					assert.Equal(t, risk.BasisPoints(1000+tick), a.RiskScore)
				}
			}
		}()
	}

	for tick := 0; tick < 50; tick++ {
		h.model.score.Store(int32(1000 + tick))
		_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, 0)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}
	close(stop)
	readers.Wait()
}

func TestListenersRunAfterRecomputeAndFlushOnClose(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	var got atomic.Int32
	h.store.AddListener(func(_ context.Context, snap risk.Snapshot) {
		time.Sleep(20 * time.Millisecond)
		got.Store(int32(snap.RiskScore))
	})

	_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.store.Close(ctx))
	assert.Equal(t, int32(8200), got.Load())

	h.clock.Advance(time.Hour)
	_, err = h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.store.Invalidate(ctx, h.portfolio.ID))

	_, err = h.cache.Get(ctx, snapshotKey(h.portfolio.ID))
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestGetDiversificationReport(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.store.GetSnapshot(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	report, err := h.store.GetDiversificationReport(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, report.HHI, 1e-6, "model HHI read back from the cache")
	require.Len(t, report.Weights, 2)
	assert.Equal(t, risk.BasisPoints(6000), report.Weights[0].Share)

	require.NoError(t, h.cache.Invalidate(ctx, reportKey(h.portfolio.ID)))
	report, err = h.store.GetDiversificationReport(ctx, h.portfolio.ID, time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.6*0.6+0.4*0.4, report.HHI, 1e-6, "derived from exposure shares")
}
