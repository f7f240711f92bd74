// Package analytics maintains per-portfolio risk snapshots. Reads are served
// from the expiring cache, then the persisted last-known-good snapshot, and
// only then recomputed; concurrent recomputes for one portfolio collapse into
// a single computation.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"riskwatch/internal/cache"
	"riskwatch/internal/fetcher"
	"riskwatch/internal/metrics"
	"riskwatch/internal/risk"
	"riskwatch/internal/storage"
	"riskwatch/internal/telemetry"
)

var (
	// ErrDataProviderUnavailable means positions or prices could not be fetched
	// (including recompute timeouts) and no last-known-good snapshot exists.
	ErrDataProviderUnavailable = errors.New("analytics: data provider unavailable")
	// ErrUnknownPortfolio is returned for portfolios the repository does not hold.
	ErrUnknownPortfolio = errors.New("analytics: unknown portfolio")
	// ErrNoExposureData is returned when a report is requested but only the
	// denormalised portfolio columns are available.
	ErrNoExposureData = errors.New("analytics: no per-protocol exposure data")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("analytics: store closed")
)

// Source says where a Result came from.
type Source string

const (
	SourceCache      Source = "cache"
	SourceRepository Source = "repository"
	SourceComputed   Source = "computed"
)

// Result is a snapshot plus its provenance. Stale marks a last-known-good
// snapshot served past maxAge because recomputation failed.
type Result struct {
	Snapshot risk.Snapshot
	Stale    bool
	Source   Source
}

// Listener is called after each successful, persisted recompute.
type Listener func(ctx context.Context, snap risk.Snapshot)

// Repository is the storage surface the store needs.
type Repository interface {
	GetPortfolio(ctx context.Context, id string) (storage.Portfolio, error)
	SaveSnapshot(ctx context.Context, portfolioID string, summary risk.Summary, entry storage.CacheEntry) (bool, error)
	GetCacheEntry(ctx context.Context, key string, now time.Time) (storage.CacheEntry, error)
}

// Options tune freshness and recompute bounds.
type Options struct {
	// SnapshotTTL is the cache lifetime of a computed snapshot.
	SnapshotTTL time.Duration
	// WaitTimeout bounds how long a caller waits on a recompute started by
	// another caller. The starting caller waits up to RecomputeTimeout.
	WaitTimeout time.Duration
	// RecomputeTimeout is the hard deadline of one computation.
	RecomputeTimeout time.Duration
	// PriceConcurrency bounds parallel price lookups per recompute.
	PriceConcurrency int
	Now              func() time.Time
}

// Deps are the collaborators of a Store.
type Deps struct {
	Cache     cache.Cache[Envelope]
	Repo      Repository
	Positions fetcher.PositionProvider
	Prices    fetcher.PriceProvider
	Model     risk.Model
	Metrics   *metrics.Metrics
}

// Store is the analytics snapshot store.
type Store struct {
	opts   Options
	deps   Deps
	now    func() time.Time
	logger zerolog.Logger
	group  singleflight.Group

	flightMu sync.Mutex
	inflight map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []Listener

	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewStore validates deps and applies option defaults.
func NewStore(opts Options, deps Deps, logger zerolog.Logger) (*Store, error) {
	switch {
	case deps.Cache == nil:
		return nil, errors.New("analytics: cache is required")
	case deps.Repo == nil:
		return nil, errors.New("analytics: repository is required")
	case deps.Positions == nil || deps.Prices == nil:
		return nil, errors.New("analytics: position and price providers are required")
	case deps.Model == nil:
		return nil, errors.New("analytics: risk model is required")
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 10 * time.Minute
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Second
	}
	if opts.RecomputeTimeout <= 0 {
		opts.RecomputeTimeout = 30 * time.Second
	}
	if opts.PriceConcurrency <= 0 {
		opts.PriceConcurrency = 4
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		opts:     opts,
		deps:     deps,
		now:      now,
		logger:   logger.With().Str("component", "analytics").Logger(),
		inflight: make(map[string]struct{}),
	}, nil
}

func snapshotKey(portfolioID string) string { return "snapshot:" + portfolioID }

func reportKey(portfolioID string) string { return "diversification:" + portfolioID }

// AddListener registers l for post-recompute notifications.
func (s *Store) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// GetSnapshot returns a snapshot no older than maxAge, recomputing if needed.
func (s *Store) GetSnapshot(ctx context.Context, portfolioID string, maxAge time.Duration) (res Result, err error) {
	ctx, span := telemetry.Start(ctx, "analytics.GetSnapshot", "portfolio_id", portfolioID)
	defer func() { telemetry.End(span, err) }()

	now := s.now()
	var lkg *candidate

	env, cerr := s.deps.Cache.Get(ctx, snapshotKey(portfolioID))
	switch {
	case cerr == nil && env.Snapshot != nil:
		if env.Snapshot.Age(now) <= maxAge {
			return Result{Snapshot: *env.Snapshot, Source: SourceCache}, nil
		}
		lkg = &candidate{snap: *env.Snapshot, source: SourceCache}
	case cerr != nil && !errors.Is(cerr, cache.ErrMiss):
		s.logger.Warn().Err(cerr).Str("portfolio_id", portfolioID).Msg("snapshot cache read failed")
	}

	persisted, err := s.lastKnownGood(ctx, portfolioID, now)
	if err != nil {
		return Result{}, err
	}
	lkg = newer(lkg, persisted)

	if lkg != nil && lkg.source == SourceRepository && lkg.snap.Age(now) <= maxAge {
		s.warm(ctx, lkg)
		return Result{Snapshot: lkg.snap, Source: SourceRepository}, nil
	}

	snap, err := s.recompute(ctx, portfolioID)
	if err == nil {
		return Result{Snapshot: snap, Source: SourceComputed}, nil
	}
	if errors.Is(err, ErrDataProviderUnavailable) && lkg != nil {
		s.deps.Metrics.StaleServed()
		s.logger.Warn().Err(err).
			Str("portfolio_id", portfolioID).
			Time("analyzed_at", lkg.snap.AnalyzedAt).
			Msg("serving stale snapshot")
		return Result{Snapshot: lkg.snap, Stale: true, Source: lkg.source}, nil
	}
	return Result{}, err
}

// candidate is a last-known-good snapshot and how to re-cache it.
type candidate struct {
	snap      risk.Snapshot
	source    Source
	writtenAt time.Time
	ttl       time.Duration
}

func newer(a, b *candidate) *candidate {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.snap.AnalyzedAt.After(a.snap.AnalyzedAt):
		return b
	default:
		return a
	}
}

// lastKnownGood prefers the persisted full envelope and falls back to the
// portfolio's denormalised columns, which carry no exposures.
func (s *Store) lastKnownGood(ctx context.Context, portfolioID string, now time.Time) (*candidate, error) {
	portfolio, err := s.deps.Repo.GetPortfolio(ctx, portfolioID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPortfolio, portfolioID)
		}
		return nil, fmt.Errorf("load portfolio: %w", err)
	}

	var best *candidate
	entry, err := s.deps.Repo.GetCacheEntry(ctx, snapshotKey(portfolioID), now)
	switch {
	case err == nil:
		env, derr := DecodeEnvelope(entry.Payload)
		if derr != nil || env.Snapshot == nil {
			s.logger.Warn().Err(derr).Str("portfolio_id", portfolioID).Msg("ignoring undecodable cache entry")
			break
		}
		best = &candidate{
			snap:      *env.Snapshot,
			source:    SourceRepository,
			writtenAt: entry.CreatedAt,
			ttl:       entry.ExpiresAt.Sub(entry.CreatedAt),
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load cache entry: %w", err)
	}

	if portfolio.Analytics != nil {
		columns := &candidate{
			snap:      risk.Snapshot{PortfolioID: portfolioID, Summary: *portfolio.Analytics},
			source:    SourceRepository,
			writtenAt: portfolio.Analytics.AnalyzedAt,
			ttl:       s.opts.SnapshotTTL,
		}
		best = newer(best, columns)
	}
	return best, nil
}

func (s *Store) warm(ctx context.Context, c *candidate) {
	if c.ttl <= 0 {
		return
	}
	if err := s.deps.Cache.SetAt(ctx, snapshotKey(c.snap.PortfolioID), SnapshotEnvelope(c.snap), c.ttl, c.writtenAt); err != nil {
		s.logger.Warn().Err(err).Str("portfolio_id", c.snap.PortfolioID).Msg("cache warm failed")
	}
}

// track registers in-flight work so Close can wait for it.
func (s *Store) track() (func(), bool) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return nil, false
	}
	s.wg.Add(1)
	return s.wg.Done, true
}

// claimFlight marks portfolioID as having an owning caller. It reports false
// when another caller already owns the recompute.
func (s *Store) claimFlight(portfolioID string) (release func(), owner bool) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if _, ok := s.inflight[portfolioID]; ok {
		return func() {}, false
	}
	s.inflight[portfolioID] = struct{}{}
	return func() {
		s.flightMu.Lock()
		delete(s.inflight, portfolioID)
		s.flightMu.Unlock()
	}, true
}

func (s *Store) recompute(ctx context.Context, portfolioID string) (risk.Snapshot, error) {
	release, owner := s.claimFlight(portfolioID)
	defer release()

	ch := s.group.DoChan(portfolioID, func() (any, error) {
		done, ok := s.track()
		if !ok {
			return nil, ErrClosed
		}
		defer done()

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RecomputeTimeout)
		defer cancel()
		snap, err := s.compute(cctx, portfolioID)
		if err != nil {
			if !errors.Is(err, ErrDataProviderUnavailable) && errors.Is(cctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: recompute deadline exceeded: %w", ErrDataProviderUnavailable, err)
			}
			return nil, err
		}
		return snap, nil
	})

	wait := s.opts.WaitTimeout
	if owner {
		wait = s.opts.RecomputeTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return risk.Snapshot{}, res.Err
		}
		return res.Val.(risk.Snapshot), nil
	case <-timer.C:
		return risk.Snapshot{}, fmt.Errorf("%w: waited %s for recompute", ErrDataProviderUnavailable, wait)
	case <-ctx.Done():
		return risk.Snapshot{}, ctx.Err()
	}
}

func (s *Store) compute(ctx context.Context, portfolioID string) (snap risk.Snapshot, err error) {
	ctx, span := telemetry.Start(ctx, "analytics.recompute", "portfolio_id", portfolioID)
	defer func() { telemetry.End(span, err) }()

	started := time.Now()
	outcome := "ok"
	defer func() {
		switch {
		case errors.Is(err, ErrDataProviderUnavailable):
			outcome = "unavailable"
		case err != nil:
			outcome = "error"
		}
		s.deps.Metrics.RecomputeDone(outcome, time.Since(started))
	}()

	valued, err := s.fetch(ctx, portfolioID)
	if err != nil {
		return risk.Snapshot{}, err
	}

	assessment, err := s.deps.Model.Assess(valued)
	if err != nil {
		return risk.Snapshot{}, fmt.Errorf("assess portfolio %s: %w", portfolioID, err)
	}

	analyzedAt := s.now().UTC().Truncate(time.Microsecond)
	snap = risk.Snapshot{
		PortfolioID: portfolioID,
		Summary: risk.Summary{
			RiskScore:       assessment.RiskScore,
			TotalValue:      assessment.TotalValue,
			Diversification: assessment.Diversification,
			AnalyzedAt:      analyzedAt,
		},
		Exposures: assessment.Exposures,
	}
	if snap.Exposures == nil {
		snap.Exposures = []risk.Exposure{}
	}

	env := SnapshotEnvelope(snap)
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return risk.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}

	applied, err := s.deps.Repo.SaveSnapshot(ctx, portfolioID, snap.Summary, storage.CacheEntry{
		Key:       snapshotKey(portfolioID),
		Kind:      string(KindRiskSnapshot),
		Payload:   payload,
		CreatedAt: analyzedAt,
		ExpiresAt: analyzedAt.Add(s.opts.SnapshotTTL),
	})
	if err != nil {
		return risk.Snapshot{}, fmt.Errorf("persist snapshot: %w", err)
	}
	if !applied {
		outcome = "superseded"
		s.logger.Debug().Str("portfolio_id", portfolioID).Time("analyzed_at", analyzedAt).Msg("newer snapshot already persisted")
	}

	report := DiversificationReport{
		PortfolioID:     portfolioID,
		HHI:             assessment.HHI,
		Diversification: assessment.Diversification,
		Weights:         snap.Exposures,
		AnalyzedAt:      analyzedAt,
	}
	if err := s.deps.Cache.SetAt(ctx, snapshotKey(portfolioID), env, s.opts.SnapshotTTL, analyzedAt); err != nil {
		s.logger.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("snapshot cache write failed")
	}
	if err := s.deps.Cache.SetAt(ctx, reportKey(portfolioID), ReportEnvelope(report), s.opts.SnapshotTTL, analyzedAt); err != nil {
		s.logger.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("report cache write failed")
	}

	s.logger.Info().
		Str("portfolio_id", portfolioID).
		Int("risk_score", int(snap.RiskScore)).
		Str("total_value", snap.TotalValue.String()).
		Int("diversification", int(snap.Diversification)).
		Msg("snapshot recomputed")

	if applied {
		s.notify(context.WithoutCancel(ctx), snap)
	}
	return snap, nil
}

// fetch loads positions and prices them. Provider failures, including the
// recompute deadline, map to ErrDataProviderUnavailable.
func (s *Store) fetch(ctx context.Context, portfolioID string) ([]risk.ValuedPosition, error) {
	positions, err := s.deps.Positions.GetPositions(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("%w: get positions: %w", ErrDataProviderUnavailable, err)
	}

	tokens := make([]string, 0, len(positions))
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !seen[p.TokenAddress] {
			seen[p.TokenAddress] = true
			tokens = append(tokens, p.TokenAddress)
		}
	}
	sort.Strings(tokens)

	prices := make([]decimal.Decimal, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.PriceConcurrency)
	for i, token := range tokens {
		g.Go(func() error {
			price, err := s.deps.Prices.GetPrice(gctx, token)
			if err != nil {
				return fmt.Errorf("get price %s: %w", token, err)
			}
			prices[i] = price
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataProviderUnavailable, err)
	}

	byToken := make(map[string]decimal.Decimal, len(tokens))
	for i, token := range tokens {
		byToken[token] = prices[i]
	}

	valued := make([]risk.ValuedPosition, 0, len(positions))
	for _, p := range positions {
		price := byToken[p.TokenAddress]
		valued = append(valued, risk.ValuedPosition{
			Position: p,
			PriceUSD: price,
			ValueUSD: p.Amount.Mul(price),
		})
	}
	return valued, nil
}

func (s *Store) notify(ctx context.Context, snap risk.Snapshot) {
	s.listenersMu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		done, ok := s.track()
		if !ok {
			return
		}
		go func() {
			defer done()
			l(ctx, snap)
		}()
	}
}

// GetDiversificationReport returns the cached report or derives one from a
// snapshot no older than maxAge.
func (s *Store) GetDiversificationReport(ctx context.Context, portfolioID string, maxAge time.Duration) (DiversificationReport, error) {
	env, err := s.deps.Cache.Get(ctx, reportKey(portfolioID))
	if err == nil && env.Diversification != nil && !s.now().After(env.Diversification.AnalyzedAt.Add(maxAge)) {
		return *env.Diversification, nil
	}

	res, err := s.GetSnapshot(ctx, portfolioID, maxAge)
	if err != nil {
		return DiversificationReport{}, err
	}
	if !res.Snapshot.HasExposures() {
		return DiversificationReport{}, fmt.Errorf("%w: %s", ErrNoExposureData, portfolioID)
	}
	return reportFromSnapshot(res.Snapshot), nil
}

// Invalidate drops cached values so the next read recomputes or re-reads.
func (s *Store) Invalidate(ctx context.Context, portfolioID string) error {
	if err := s.deps.Cache.Invalidate(ctx, snapshotKey(portfolioID)); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	if err := s.deps.Cache.Invalidate(ctx, reportKey(portfolioID)); err != nil {
		return fmt.Errorf("invalidate report: %w", err)
	}
	return nil
}

// Close stops accepting recomputes and waits for in-flight computations and
// listeners, or for ctx to end.
func (s *Store) Close(ctx context.Context) error {
	s.lifeMu.Lock()
	s.closed = true
	s.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close analytics store: %w", ctx.Err())
	}
}
