package alerting

import (
	"context"
	"errors"
	"fmt"
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

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
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

// recordingSender collects dispatch requests and can fail them.
type recordingSender struct {
	mu   sync.Mutex
	reqs []Request
	err  error
}

func (r *recordingSender) Dispatch(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

// staticSnapshots serves a fixed snapshot per portfolio.
type staticSnapshots struct {
	mu     sync.Mutex
	res    map[string]analytics.Result
	err    error
	lookup int
}

func (s *staticSnapshots) GetSnapshot(_ context.Context, id string, _ time.Duration) (analytics.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookup++
	if s.err != nil {
		return analytics.Result{}, s.err
	}
	res, ok := s.res[id]
	if !ok {
		return analytics.Result{}, analytics.ErrUnknownPortfolio
	}
	return res, nil
}

type evalHarness struct {
	clock     *testClock
	repo      *storage.Memory
	sender    *recordingSender
	snapshots *staticSnapshots
	eval      *Evaluator
	userID    string
	portfolio string
}

func newEvalHarness(t *testing.T) *evalHarness {
	t.Helper()
	clock := newTestClock()
	repo := storage.NewMemory(clock.Now)
	ctx := context.Background()
	user, err := repo.CreateUser(ctx, storage.User{})
	require.NoError(t, err)
	p, err := repo.CreatePortfolio(ctx, storage.Portfolio{UserID: user.ID, WalletAddress: "0x1"})
	require.NoError(t, err)

	h := &evalHarness{
		clock:     clock,
		repo:      repo,
		sender:    &recordingSender{},
		snapshots: &staticSnapshots{res: map[string]analytics.Result{}},
		userID:    user.ID,
		portfolio: p.ID,
	}
	h.eval = NewEvaluator(EvaluatorOptions{Now: clock.Now}, repo, h.snapshots, h.sender, nil, zerolog.Nop())
	return h
}

func (h *evalHarness) subscribe(t *testing.T, s storage.AlertSubscription) storage.AlertSubscription {
	t.Helper()
	s.UserID = h.userID
	s.IsActive = true
	if s.Destination == "" {
		s.Destination = "log:ops"
	}
	created, err := h.repo.CreateSubscription(context.Background(), s)
	require.NoError(t, err)
	return created
}

func (h *evalHarness) snapshot(riskScore risk.BasisPoints, exposures ...risk.Exposure) risk.Snapshot {
	return risk.Snapshot{
		PortfolioID: h.portfolio,
		Summary: risk.Summary{
			RiskScore:       riskScore,
			TotalValue:      decimal.NewFromInt(5000),
			Diversification: 5000,
			AnalyzedAt:      h.clock.Now(),
		},
		Exposures: exposures,
	}
}

func TestEvaluatePortfolio_FiresOnceAndRecordsTrigger(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	s := h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7500, CooldownMinutes: 60})

	report, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(8200))
	require.NoError(t, err)
	assert.Equal(t, Report{Evaluated: 1, Fired: 1}, report)

	require.Equal(t, 1, h.sender.count())
	req := h.sender.reqs[0]
	assert.Equal(t, "log:ops", req.Destination)
	assert.Equal(t, risk.BasisPoints(8200), req.Message.Value)
	assert.Equal(t, IdempotencyKey(s.ID, h.clock.Now()), req.Message.Key)

	got, err := h.repo.GetSubscription(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(h.clock.Now()))
}

func TestEvaluatePortfolio_Cooldown(t *testing.T) {
	cases := []struct {
		name  string
		apart time.Duration
		want  int
	}{
		{"within cooldown", 10 * time.Minute, 1},
		{"after cooldown", 61 * time.Minute, 2},
		{"exactly at cooldown", 60 * time.Minute, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newEvalHarness(t)
			ctx := context.Background()
			h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7000, CooldownMinutes: 60})

			_, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(8000))
			require.NoError(t, err)
			h.clock.Advance(tc.apart)
			report, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(8000))
			require.NoError(t, err)

			assert.Equal(t, tc.want, h.sender.count())
			if tc.want == 1 {
				assert.Equal(t, 1, report.Suppressed)
			}
		})
	}
}

func TestEvaluatePortfolio_ZeroCooldownFiresEveryTick(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7000})

	for i := 0; i < 3; i++ {
		_, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(9000))
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}
	assert.Equal(t, 3, h.sender.count())
}

func TestEvaluatePortfolio_ZeroCooldownSameInstantDeliversEachTick(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	ch := &scriptedChannel{}
	d := newTestDispatcher(ch, h.repo, DispatcherOptions{Now: h.clock.Now})
	h.eval = NewEvaluator(EvaluatorOptions{Now: h.clock.Now}, h.repo, h.snapshots, d, nil, zerolog.Nop())
	s := h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7000})

	for i := 0; i < 2; i++ {
		report, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(9000))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Fired)
		assert.Zero(t, report.Failed)
	}
	assert.Equal(t, 2, ch.callCount())

	got, err := h.repo.GetSubscription(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.After(h.clock.Now()))
}

func TestEvaluatePortfolio_QuietBreachIsNotRemembered(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	s := h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7000, CooldownMinutes: 60})

	report, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(6000))
	require.NoError(t, err)
	assert.Equal(t, Report{Evaluated: 1}, report)

	got, err := h.repo.GetSubscription(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastTriggeredAt)
	assert.Zero(t, h.sender.count())
}

func TestEvaluatePortfolio_ConcurrentTriggersDispatchOnce(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7000, CooldownMinutes: 60})
	snap := h.snapshot(9500)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eval.EvaluatePortfolio(ctx, snap)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.sender.count())
	assert.Zero(t, h.eval.locks.size())
}

func TestEvaluatePortfolio_MalformedSubscriptionDoesNotBlockOthers(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	h.subscribe(t, storage.AlertSubscription{AlertType: "NOT_A_TYPE", Threshold: 100})
	h.subscribe(t, storage.AlertSubscription{AlertType: "PROTOCOL_EXPOSURE", Threshold: 100})
	h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 100})

	report, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(9000))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Evaluated)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Fired)
}

func TestEvaluatePortfolio_ProtocolScope(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	h.subscribe(t, storage.AlertSubscription{AlertType: "PROTOCOL_EXPOSURE", ProtocolAddress: "0xcomp", Threshold: 1000})
	h.subscribe(t, storage.AlertSubscription{AlertType: "PROTOCOL_EXPOSURE", ProtocolAddress: "0xaave", Threshold: 5000})

	report, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(5000, risk.Exposure{ProtocolAddress: "0xaave", Share: 7000}))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Fired)
	require.Equal(t, 1, h.sender.count())
	assert.Equal(t, "0xaave", h.sender.reqs[0].Message.ProtocolAddress)
}

func TestEvaluatePortfolio_DeliveryFailureKeepsTrigger(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	h.sender.err = ErrDispatchFailure
	s := h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7000, CooldownMinutes: 60})

	report, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(9000))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)
	assert.Equal(t, 1, report.Failed)

	got, err := h.repo.GetSubscription(ctx, s.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastTriggeredAt)
}

func TestEvaluatePortfolio_InactiveSubscriptionsIgnored(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	s := h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7000})
	require.NoError(t, h.repo.SetSubscriptionActive(ctx, s.ID, false))

	report, err := h.eval.EvaluatePortfolio(ctx, h.snapshot(9000))
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated)
}

func TestSweep(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7500, CooldownMinutes: 60})
	h.snapshots.res[h.portfolio] = analytics.Result{Snapshot: h.snapshot(8200), Source: analytics.SourceCache}

	report, err := h.eval.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)
	assert.Equal(t, 1, h.snapshots.lookup)
}

type fakeRegistry struct{ listeners []analytics.Listener }

func (f *fakeRegistry) AddListener(l analytics.Listener) { f.listeners = append(f.listeners, l) }

func TestSweep_LeavesComputedSnapshotsToListener(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7500})
	snap := h.snapshot(8200)
	h.snapshots.res[h.portfolio] = analytics.Result{Snapshot: snap, Source: analytics.SourceComputed}

	reg := &fakeRegistry{}
	h.eval.Attach(reg)
	require.Len(t, reg.listeners, 1)

	report, err := h.eval.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated)

	reg.listeners[0](ctx, snap)
	assert.Equal(t, 1, h.sender.count())
}

func TestSweep_SnapshotFailuresCounted(t *testing.T) {
	h := newEvalHarness(t)
	h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7500})
	h.snapshots.err = errors.Join(analytics.ErrDataProviderUnavailable, errors.New("rpc down"))

	report, err := h.eval.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, h.sender.count())
}

func TestSweep_RepositoryErrorsEscalate(t *testing.T) {
	h := newEvalHarness(t)
	h.subscribe(t, storage.AlertSubscription{AlertType: "RISK_THRESHOLD", Threshold: 7500})
	dbDown := errors.New("connection refused")
	h.snapshots.err = fmt.Errorf("load portfolio: %w", dbDown)

	_, err := h.eval.Sweep(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, dbDown)
	assert.Zero(t, h.sender.count())
}
