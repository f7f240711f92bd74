package analytics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"riskwatch/internal/cache"
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

var errProviderDown = errors.New("provider down")

// fakePositions returns two positions in two protocols, optionally blocking
// on release or failing.
type fakePositions struct {
	calls   atomic.Int32
	fail    atomic.Bool
	release chan struct{}
	started chan struct{}
}

func (f *fakePositions) GetPositions(ctx context.Context, _ string) ([]risk.Position, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errProviderDown
	}
	return []risk.Position{
		{ProtocolAddress: "0xaave", TokenAddress: "0xusdc", Amount: decimal.NewFromInt(600)},
		{ProtocolAddress: "0xcomp", TokenAddress: "0xusdc", Amount: decimal.NewFromInt(400)},
	}, nil
}

type onePrices struct{}

func (onePrices) GetPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

// scoreModel reports a settable risk score and simple value shares.
type scoreModel struct {
	score atomic.Int32
}

func newScoreModel(score int) *scoreModel {
	m := &scoreModel{}
	m.score.Store(int32(score))
	return m
}

func (m *scoreModel) Assess(positions []risk.ValuedPosition) (risk.Assessment, error) {
	total := decimal.Zero
	byProtocol := map[string]decimal.Decimal{}
	order := []string{}
	for _, p := range positions {
		if _, ok := byProtocol[p.ProtocolAddress]; !ok {
			order = append(order, p.ProtocolAddress)
		}
		byProtocol[p.ProtocolAddress] = byProtocol[p.ProtocolAddress].Add(p.ValueUSD)
		total = total.Add(p.ValueUSD)
	}
	exposures := make([]risk.Exposure, 0, len(order))
	for _, proto := range order {
		share := 0.0
		if total.IsPositive() {
			share = byProtocol[proto].Div(total).InexactFloat64()
		}
		exposures = append(exposures, risk.Exposure{ProtocolAddress: proto, ValueUSD: byProtocol[proto], Share: risk.FromRatio(share)})
	}
	return risk.Assessment{
		RiskScore:       risk.BasisPoints(m.score.Load()),
		TotalValue:      total,
		Diversification: 4800,
		Exposures:       exposures,
		HHI:             0.5,
	}, nil
}

type harness struct {
	clock     *testClock
	repo      *storage.Memory
	cache     *cache.Memory[Envelope]
	positions *fakePositions
	model     *scoreModel
	store     *Store
	portfolio storage.Portfolio
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clock := newTestClock()
	repo := storage.NewMemory(clock.Now)
	h := &harness{
		clock:     clock,
		repo:      repo,
		positions: &fakePositions{},
		model:     newScoreModel(8200),
	}
	h.portfolio = seedPortfolio(t, repo)
	h.store, h.cache = newStoreOn(t, h, opts)
	return h
}

func seedPortfolio(t *testing.T, repo *storage.Memory) storage.Portfolio {
	t.Helper()
	ctx := context.Background()
	user, err := repo.CreateUser(ctx, storage.User{})
	require.NoError(t, err)
	p, err := repo.CreatePortfolio(ctx, storage.Portfolio{UserID: user.ID, WalletAddress: "0x1"})
	require.NoError(t, err)
	return p
}

// newStoreOn builds a store with its own cache over the harness repository,
// standing in for a second process.
func newStoreOn(t *testing.T, h *harness, opts Options) (*Store, *cache.Memory[Envelope]) {
	t.Helper()
	if opts.Now == nil {
		opts.Now = h.clock.Now
	}
	c := cache.NewMemory[Envelope](cache.Options{Name: "snapshots", Now: opts.Now}, zerolog.Nop())
	s, err := NewStore(opts, Deps{
		Cache:     c,
		Repo:      h.repo,
		Positions: h.positions,
		Prices:    onePrices{},
		Model:     h.model,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
		_ = c.Close()
	})
	return s, c
}
