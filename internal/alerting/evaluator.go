package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"riskwatch/internal/analytics"
	"riskwatch/internal/metrics"
	"riskwatch/internal/risk"
	"riskwatch/internal/storage"
)

// SubscriptionRepo is the storage surface the evaluator needs.
type SubscriptionRepo interface {
	GetSubscription(ctx context.Context, id string) (storage.AlertSubscription, error)
	ListActiveSubscriptionsForPortfolio(ctx context.Context, portfolioID string) ([]storage.AlertSubscription, error)
	ListPortfoliosWithActiveSubscriptions(ctx context.Context) ([]string, error)
	MarkTriggered(ctx context.Context, id string, prev *time.Time, next time.Time) (bool, error)
}

// SnapshotSource serves fresh-enough snapshots.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, portfolioID string, maxAge time.Duration) (analytics.Result, error)
}

// ListenerRegistry accepts snapshot listeners, e.g. *analytics.Store.
type ListenerRegistry interface {
	AddListener(l analytics.Listener)
}

// Sender delivers fired alerts.
type Sender interface {
	Dispatch(ctx context.Context, req Request) error
}

// EvaluatorOptions tune fan-out and sweep freshness.
type EvaluatorOptions struct {
	Concurrency int
	// MaxAge is the snapshot freshness a sweep asks for.
	MaxAge time.Duration
	Now    func() time.Time
}

// Report tallies one evaluation pass. Fired counts cooldown CAS wins; a
// fired alert whose delivery failed is also counted in Failed.
type Report struct {
	Evaluated  int
	Fired      int
	Suppressed int
	Skipped    int
	Failed     int
}

// Add merges o into r.
func (r *Report) Add(o Report) {
	r.Evaluated += o.Evaluated
	r.Fired += o.Fired
	r.Suppressed += o.Suppressed
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Evaluator applies subscriptions to snapshots and emits dispatch requests.
type Evaluator struct {
	repo      SubscriptionRepo
	snapshots SnapshotSource
	sender    Sender
	opts      EvaluatorOptions
	now       func() time.Time
	locks     *keyLock
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	attachMu sync.Mutex
	attached bool
}

// NewEvaluator applies option defaults.
func NewEvaluator(opts EvaluatorOptions, repo SubscriptionRepo, snapshots SnapshotSource, sender Sender, m *metrics.Metrics, logger zerolog.Logger) *Evaluator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		repo:      repo,
		snapshots: snapshots,
		sender:    sender,
		opts:      opts,
		now:       now,
		locks:     newKeyLock(),
		metrics:   m,
		logger:    logger.With().Str("component", "evaluator").Logger(),
	}
}

// Attach subscribes the evaluator to recomputes from reg. Sweeps then leave
// freshly computed snapshots to the listener.
func (e *Evaluator) Attach(reg ListenerRegistry) {
	reg.AddListener(e.OnSnapshot)
	e.attachMu.Lock()
	e.attached = true
	e.attachMu.Unlock()
}

func (e *Evaluator) isAttached() bool {
	e.attachMu.Lock()
	defer e.attachMu.Unlock()
	return e.attached
}

// OnSnapshot is an analytics.Listener.
func (e *Evaluator) OnSnapshot(ctx context.Context, snap risk.Snapshot) {
	report, err := e.EvaluatePortfolio(ctx, snap)
	if err != nil {
		e.logger.Error().Err(err).Str("portfolio_id", snap.PortfolioID).Msg("evaluate on recompute")
		return
	}
	if report.Fired > 0 || report.Failed > 0 {
		e.logger.Info().
			Str("portfolio_id", snap.PortfolioID).
			Int("fired", report.Fired).
			Int("failed", report.Failed).
			Msg("evaluated recomputed snapshot")
	}
}

type outcome int

const (
	outcomeQuiet outcome = iota
	outcomeFired
	outcomeSuppressed
	outcomeSkipped
	outcomeFailed
	outcomeFiredUndelivered
)

// EvaluatePortfolio evaluates every active subscription for snap's portfolio.
// Per-subscription failures are counted, not returned; the error is only set
// when subscriptions cannot be listed.
func (e *Evaluator) EvaluatePortfolio(ctx context.Context, snap risk.Snapshot) (Report, error) {
	subs, err := e.repo.ListActiveSubscriptionsForPortfolio(ctx, snap.PortfolioID)
	if err != nil {
		return Report{}, fmt.Errorf("list subscriptions for %s: %w", snap.PortfolioID, err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			o := e.evaluateOne(gctx, snap, sub)
			mu.Lock()
			defer mu.Unlock()
			report.Evaluated++
			switch o {
			case outcomeFired:
				report.Fired++
			case outcomeFiredUndelivered:
				report.Fired++
				report.Failed++
			case outcomeSuppressed:
				report.Suppressed++
			case outcomeSkipped:
				report.Skipped++
			case outcomeFailed:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, snap risk.Snapshot, sub storage.AlertSubscription) outcome {
	log := e.logger.With().
		Str("subscription_id", sub.ID).
		Str("portfolio_id", snap.PortfolioID).
		Logger()

	verdict, err := Evaluate(snap, sub)
	if err != nil {
		e.metrics.Evaluated("invalid")
		log.Warn().Err(err).Msg("skipping malformed subscription")
		return outcomeFailed
	}
	if !verdict.Applicable {
		e.metrics.Evaluated("skipped")
		return outcomeSkipped
	}
	if !verdict.Breached {
		e.metrics.Evaluated("quiet")
		return outcomeQuiet
	}

	req, o := e.fire(ctx, snap, sub, verdict, log)
	if o != outcomeFired {
		return o
	}

	if err := e.sender.Dispatch(ctx, req); err != nil {
		log.Error().Err(err).Str("key", req.Message.Key).Msg("alert fired but not delivered")
		return outcomeFiredUndelivered
	}
	return outcomeFired
}

// fire applies the cooldown and the trigger CAS under the subscription's lock.
func (e *Evaluator) fire(ctx context.Context, snap risk.Snapshot, sub storage.AlertSubscription, v Verdict, log zerolog.Logger) (Request, outcome) {
	unlock := e.locks.Lock(sub.ID)
	defer unlock()

	cur, err := e.repo.GetSubscription(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.metrics.Evaluated("skipped")
			return Request{}, outcomeSkipped
		}
		e.metrics.Evaluated("error")
		log.Error().Err(err).Msg("reload subscription")
		return Request{}, outcomeFailed
	}
	if !cur.IsActive {
		e.metrics.Evaluated("skipped")
		return Request{}, outcomeSkipped
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	if last := cur.LastTriggeredAt; last != nil && now.Sub(*last) < cur.Cooldown() {
		e.metrics.Evaluated("suppressed")
		log.Debug().Time("last_triggered_at", *last).Msg("breach within cooldown")
		return Request{}, outcomeSuppressed
	}
	if last := cur.LastTriggeredAt; last != nil && !now.After(*last) {
		// Trigger times stay strictly increasing so each firing gets its own key.
		now = last.Add(time.Microsecond)
	}

	won, err := e.repo.MarkTriggered(ctx, cur.ID, cur.LastTriggeredAt, now)
	if err != nil {
		e.metrics.Evaluated("error")
		log.Error().Err(err).Msg("mark triggered")
		return Request{}, outcomeFailed
	}
	if !won {
		e.metrics.Evaluated("suppressed")
		log.Debug().Msg("lost trigger race")
		return Request{}, outcomeSuppressed
	}
	e.metrics.Evaluated("fired")

	msg := Message{
		Key:             IdempotencyKey(cur.ID, now),
		SubscriptionID:  cur.ID,
		PortfolioID:     snap.PortfolioID,
		AlertType:       v.Type,
		ProtocolAddress: cur.ProtocolAddress,
		Metric:          v.Metric,
		Value:           v.Value,
		Threshold:       v.Threshold,
		RiskScore:       snap.RiskScore,
		TotalValue:      snap.TotalValue,
		AnalyzedAt:      snap.AnalyzedAt,
		TriggeredAt:     now,
	}
	log.Info().
		Str("alert_type", string(v.Type)).
		Int("value_bp", int(v.Value)).
		Int("threshold_bp", int(v.Threshold)).
		Msg("alert fired")
	return Request{Destination: cur.Destination, Message: msg}, outcomeFired
}

// Sweep evaluates every portfolio that has active subscriptions, fetching
// snapshots no older than MaxAge. Portfolios whose snapshot could not be
// computed count one failure each; repository errors abort the sweep.
func (e *Evaluator) Sweep(ctx context.Context) (Report, error) {
	ids, err := e.repo.ListPortfoliosWithActiveSubscriptions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list portfolios: %w", err)
	}

	attached := e.isAttached()
	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			var r Report
			res, err := e.snapshots.GetSnapshot(gctx, id, e.opts.MaxAge)
			switch {
			case errors.Is(err, analytics.ErrDataProviderUnavailable), errors.Is(err, analytics.ErrUnknownPortfolio):
				e.logger.Warn().Err(err).Str("portfolio_id", id).Msg("sweep: no snapshot")
				r.Failed++
			case err != nil:
				return fmt.Errorf("snapshot for %s: %w", id, err)
			case attached && res.Source == analytics.SourceComputed:
				// The recompute listener evaluates this snapshot.
			default:
				if res.Stale {
					e.logger.Warn().Str("portfolio_id", id).Time("analyzed_at", res.Snapshot.AnalyzedAt).Msg("sweep: evaluating stale snapshot")
				}
				r, err = e.EvaluatePortfolio(gctx, res.Snapshot)
				if err != nil {
					return err
				}
			}
			mu.Lock()
			report.Add(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Error().Err(err).Msg("sweep aborted")
		return report, err
	}

	e.logger.Info().
		Int("portfolios", len(ids)).
		Int("evaluated", report.Evaluated).
		Int("fired", report.Fired).
		Int("suppressed", report.Suppressed).
		Int("failed", report.Failed).
		Msg("sweep complete")
	return report, nil
}
