package claims

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskwatch/internal/analytics"
	"riskwatch/internal/risk"
	"riskwatch/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scoreSource serves a snapshot with a settable risk score.
type scoreSource struct {
	mu    sync.Mutex
	score risk.BasisPoints
	stale bool
	err   error
	clock *testClock
}

func (s *scoreSource) set(score risk.BasisPoints, stale bool) {
	s.mu.Lock()
	s.score, s.stale = score, stale
	s.mu.Unlock()
}

func (s *scoreSource) GetSnapshot(_ context.Context, id string, _ time.Duration) (analytics.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return analytics.Result{}, s.err
	}
	return analytics.Result{
		Snapshot: risk.Snapshot{
			PortfolioID: id,
			Summary:     risk.Summary{RiskScore: s.score, TotalValue: decimal.NewFromInt(1000), AnalyzedAt: s.clock.Now()},
		},
		Stale: s.stale,
	}, nil
}

type gateHarness struct {
	clock  *testClock
	repo   *storage.Memory
	source *scoreSource
	gate   *Gate
	user   string
	folio  string
}

func newGateHarness(t *testing.T, opts Options, payout PayoutCalculator) *gateHarness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	repo := storage.NewMemory(clock.Now)
	ctx := context.Background()
	user, err := repo.CreateUser(ctx, storage.User{})
	require.NoError(t, err)
	p, err := repo.CreatePortfolio(ctx, storage.Portfolio{UserID: user.ID, WalletAddress: "0x1"})
	require.NoError(t, err)

	opts.Now = clock.Now
	h := &gateHarness{clock: clock, repo: repo, source: &scoreSource{clock: clock}, user: user.ID, folio: p.ID}
	h.gate = NewGate(opts, repo, h.source, payout, nil, zerolog.Nop())
	return h
}

func (h *gateHarness) policy(t *testing.T, threshold risk.BasisPoints, active bool) storage.InsurancePolicy {
	t.Helper()
	p, err := h.repo.CreatePolicy(context.Background(), storage.InsurancePolicy{
		UserID:          h.user,
		PortfolioID:     h.folio,
		CoverageAmount:  decimal.NewFromInt(10000),
		Premium:         decimal.NewFromInt(100),
		RiskThreshold:   threshold,
		DurationSeconds: int64((30 * 24 * time.Hour).Seconds()),
		IsActive:        active,
	})
	require.NoError(t, err)
	return p
}

func TestClaim_ThresholdThenSuccess(t *testing.T) {
	h := newGateHarness(t, Options{}, nil)
	ctx := context.Background()
	p := h.policy(t, 7000, true)

	h.source.set(6500, false)
	_, err := h.gate.Claim(ctx, p.ID)
	require.ErrorIs(t, err, ErrThresholdNotBreached)

	h.source.set(7200, false)
	dec, err := h.gate.Claim(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, dec.Payout.Equal(decimal.NewFromInt(10000)))
	assert.True(t, dec.Policy.HasClaimed)
	require.NotNil(t, dec.Policy.ClaimedAt)
	require.NotNil(t, dec.Policy.PayoutAmount)
	assert.True(t, dec.Policy.PayoutAmount.Equal(dec.Payout))
	assert.Equal(t, StateClaimed, Status(dec.Policy, h.clock.Now()))
	assert.True(t, dec.Policy.IsActive)

	_, err = h.gate.Claim(ctx, p.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaim_ConcurrentClaimsPayOnce(t *testing.T) {
	h := newGateHarness(t, Options{}, nil)
	p := h.policy(t, 7000, true)
	h.source.set(9000, false)

	const m = 32
	errs := make([]error, m)
	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.gate.Claim(context.Background(), p.ID)
		}(i)
	}
	wg.Wait()

	wins, already := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case assert.ErrorIs(t, err, ErrAlreadyClaimed):
			already++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, m-1, already)
}

func TestClaim_RejectsUnclaimablePolicies(t *testing.T) {
	h := newGateHarness(t, Options{}, nil)
	ctx := context.Background()
	h.source.set(9999, false)

	pending := h.policy(t, 7000, false)
	_, err := h.gate.Claim(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrPolicyInactive)

	_, err = h.gate.Claim(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	active := h.policy(t, 7000, true)
	h.clock.Advance(31 * 24 * time.Hour)
	_, err = h.gate.Claim(ctx, active.ID)
	assert.ErrorIs(t, err, ErrPolicyExpired)

	n, err := h.gate.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = h.gate.Claim(ctx, active.ID)
	assert.ErrorIs(t, err, ErrPolicyInactive)

	expired, err := h.repo.GetPolicy(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, Status(expired, h.clock.Now()))
}

func TestClaim_StaleSnapshots(t *testing.T) {
	h := newGateHarness(t, Options{}, nil)
	p := h.policy(t, 7000, true)
	h.source.set(9000, true)

	_, err := h.gate.Claim(context.Background(), p.ID)
	require.ErrorIs(t, err, analytics.ErrDataProviderUnavailable)

	lenient := NewGate(Options{AllowStale: true, Now: h.clock.Now}, h.repo, h.source, nil, nil, zerolog.Nop())
	_, err = lenient.Claim(context.Background(), p.ID)
	require.NoError(t, err)
}

func TestClaim_ProviderErrorsPropagate(t *testing.T) {
	h := newGateHarness(t, Options{}, nil)
	p := h.policy(t, 7000, true)
	h.source.err = analytics.ErrDataProviderUnavailable

	_, err := h.gate.Claim(context.Background(), p.ID)
	assert.ErrorIs(t, err, analytics.ErrDataProviderUnavailable)

	got, err := h.repo.GetPolicy(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, got.HasClaimed)
}

func TestClaim_SeverityScaledPayout(t *testing.T) {
	h := newGateHarness(t, Options{}, SeverityScaled{Floor: 0.25})
	p := h.policy(t, 8000, true)
	h.source.set(9000, false)

	dec, err := h.gate.Claim(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "5000", dec.Payout.String())
}

type overpay struct{}

func (overpay) Payout(p storage.InsurancePolicy, _ risk.Snapshot) (decimal.Decimal, error) {
	return p.CoverageAmount.Add(decimal.NewFromInt(1)), nil
}

func TestClaim_RejectsPayoutAboveCoverage(t *testing.T) {
	h := newGateHarness(t, Options{}, overpay{})
	p := h.policy(t, 7000, true)
	h.source.set(9000, false)

	_, err := h.gate.Claim(context.Background(), p.ID)
	require.ErrorIs(t, err, ErrInvalidPayout)
	got, err := h.repo.GetPolicy(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, got.HasClaimed)
}

func TestActivateAndRecordClaimTx(t *testing.T) {
	h := newGateHarness(t, Options{}, nil)
	ctx := context.Background()
	p := h.policy(t, 7000, false)
	assert.Equal(t, StatePending, Status(p, h.clock.Now()))

	active, err := h.gate.Activate(ctx, p.ID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, StateActive, Status(active, h.clock.Now()))
	assert.Equal(t, "0xabc", active.TxHash)
	assert.True(t, active.ExpiresAt.Equal(h.clock.Now().Add(30*24*time.Hour)))

	_, err = h.gate.Activate(ctx, p.ID, "0xabc")
	assert.ErrorIs(t, err, ErrNotPending)

	require.ErrorIs(t, h.gate.RecordClaimTx(ctx, p.ID, "0xclaim"), ErrNotClaimed)

	h.source.set(8000, false)
	_, err = h.gate.Claim(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, h.gate.RecordClaimTx(ctx, p.ID, "0xclaim"))
	assert.ErrorIs(t, h.gate.RecordClaimTx(ctx, p.ID, "0xother"), ErrNotClaimed)

	got, err := h.repo.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClaimTxHash)
	assert.Equal(t, "0xclaim", *got.ClaimTxHash)
}
