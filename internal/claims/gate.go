// Package claims gates parametric insurance payouts on the covered
// portfolio's risk score. A policy pays at most once.
package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"riskwatch/internal/analytics"
	"riskwatch/internal/metrics"
	"riskwatch/internal/risk"
	"riskwatch/internal/storage"
	"riskwatch/internal/telemetry"
)

var (
	ErrPolicyInactive       = errors.New("claims: policy inactive")
	ErrPolicyExpired        = errors.New("claims: policy expired")
	ErrAlreadyClaimed       = errors.New("claims: policy already claimed")
	ErrThresholdNotBreached = errors.New("claims: risk threshold not breached")
	ErrUnknownPolicy        = errors.New("claims: unknown policy")
	// ErrNotPending is returned when activating a policy that is not pending.
	ErrNotPending = errors.New("claims: policy not pending")
	// ErrNotClaimed is returned when recording a claim tx before a claim, or twice.
	ErrNotClaimed = errors.New("claims: no claim awaiting a transaction")
)

// State is the derived lifecycle value of a policy.
type State string

const (
	StatePending State = "PENDING"
	StateActive  State = "ACTIVE"
	StateClaimed State = "CLAIMED"
	StateExpired State = "EXPIRED"
)

// Status derives p's state at now.
func Status(p storage.InsurancePolicy, now time.Time) State {
	switch {
	case p.HasClaimed:
		return StateClaimed
	case !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt):
		return StateExpired
	case !p.IsActive && p.ActivatedAt != nil:
		return StateExpired
	case !p.IsActive:
		return StatePending
	default:
		return StateActive
	}
}

// PolicyRepo is the storage surface the gate needs.
type PolicyRepo interface {
	GetPolicy(ctx context.Context, id string) (storage.InsurancePolicy, error)
	ActivatePolicy(ctx context.Context, id, txHash string, at time.Time) (bool, error)
	ClaimPolicy(ctx context.Context, id string, claimedAt time.Time, payout decimal.Decimal) (bool, error)
	RecordClaimTx(ctx context.Context, id, txHash string) (bool, error)
	ExpirePolicies(ctx context.Context, now time.Time) (int64, error)
}

// SnapshotSource serves the covered portfolio's latest snapshot.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, portfolioID string, maxAge time.Duration) (analytics.Result, error)
}

// Options tune snapshot freshness for claims.
type Options struct {
	MaxAge time.Duration
	// AllowStale accepts last-known-good snapshots served during an outage.
	AllowStale bool
	Now        func() time.Time
}

// Gate evaluates and records claims.
type Gate struct {
	repo      PolicyRepo
	snapshots SnapshotSource
	payout    PayoutCalculator
	opts      Options
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewGate builds a gate; a nil calculator pays full coverage.
func NewGate(opts Options, repo PolicyRepo, snapshots SnapshotSource, payout PayoutCalculator, m *metrics.Metrics, logger zerolog.Logger) *Gate {
	if opts.MaxAge <= 0 {
		opts.MaxAge = time.Minute
	}
	if payout == nil {
		payout = FullCoverage{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		repo:      repo,
		snapshots: snapshots,
		payout:    payout,
		opts:      opts,
		now:       now,
		metrics:   m,
		logger:    logger.With().Str("component", "claims").Logger(),
	}
}

// Decision is a successful claim.
type Decision struct {
	Policy   storage.InsurancePolicy
	Payout   decimal.Decimal
	Snapshot risk.Snapshot
}

// Claim pays policyID if its portfolio's risk score has reached the policy
// threshold. Exactly one concurrent caller can succeed.
func (g *Gate) Claim(ctx context.Context, policyID string) (dec Decision, err error) {
	ctx, span := telemetry.Start(ctx, "claims.Claim", "policy_id", policyID)
	defer func() { telemetry.End(span, err) }()
	defer func() { g.metrics.Claimed(claimOutcome(err)) }()

	policy, err := g.load(ctx, policyID)
	if err != nil {
		return Decision{}, err
	}

	now := g.now().UTC().Truncate(time.Microsecond)
	if err := checkClaimable(policy, now); err != nil {
		return Decision{}, err
	}

	res, err := g.snapshots.GetSnapshot(ctx, policy.PortfolioID, g.opts.MaxAge)
	if err != nil {
		return Decision{}, fmt.Errorf("snapshot for policy %s: %w", policyID, err)
	}
	if res.Stale && !g.opts.AllowStale {
		return Decision{}, fmt.Errorf("%w: only a stale snapshot from %s is available",
			analytics.ErrDataProviderUnavailable, res.Snapshot.AnalyzedAt.Format(time.RFC3339))
	}
	snap := res.Snapshot
	if snap.RiskScore < policy.RiskThreshold {
		return Decision{}, fmt.Errorf("%w: risk %d below threshold %d",
			ErrThresholdNotBreached, int(snap.RiskScore), int(policy.RiskThreshold))
	}

	payout, err := g.payout.Payout(policy, snap)
	if err != nil {
		return Decision{}, fmt.Errorf("compute payout for policy %s: %w", policyID, err)
	}
	if err := validatePayout(policy, payout); err != nil {
		return Decision{}, err
	}

	won, err := g.repo.ClaimPolicy(ctx, policyID, now, payout)
	if err != nil {
		return Decision{}, fmt.Errorf("claim policy %s: %w", policyID, err)
	}
	if !won {
		return Decision{}, g.explainLostClaim(ctx, policyID, now)
	}

	claimed, err := g.load(ctx, policyID)
	if err != nil {
		return Decision{}, err
	}
	g.logger.Info().
		Str("policy_id", policyID).
		Str("portfolio_id", policy.PortfolioID).
		Int("risk_score", int(snap.RiskScore)).
		Int("threshold", int(policy.RiskThreshold)).
		Str("payout", payout.String()).
		Bool("stale", res.Stale).
		Msg("claim approved")
	return Decision{Policy: claimed, Payout: payout, Snapshot: snap}, nil
}

func checkClaimable(p storage.InsurancePolicy, now time.Time) error {
	switch {
	case !p.IsActive:
		return fmt.Errorf("%w: %s", ErrPolicyInactive, p.ID)
	case !now.Before(p.ExpiresAt):
		return fmt.Errorf("%w: %s at %s", ErrPolicyExpired, p.ID, p.ExpiresAt.Format(time.RFC3339))
	case p.HasClaimed:
		return fmt.Errorf("%w: %s", ErrAlreadyClaimed, p.ID)
	}
	return nil
}

// explainLostClaim maps a failed claim CAS onto the policy's current state.
func (g *Gate) explainLostClaim(ctx context.Context, policyID string, now time.Time) error {
	current, err := g.load(ctx, policyID)
	if err != nil {
		return err
	}
	if current.HasClaimed {
		return fmt.Errorf("%w: %s", ErrAlreadyClaimed, policyID)
	}
	if err := checkClaimable(current, now); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAlreadyClaimed, policyID)
}

func (g *Gate) load(ctx context.Context, policyID string) (storage.InsurancePolicy, error) {
	p, err := g.repo.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.InsurancePolicy{}, fmt.Errorf("%w: %s", ErrUnknownPolicy, policyID)
		}
		return storage.InsurancePolicy{}, fmt.Errorf("load policy %s: %w", policyID, err)
	}
	return p, nil
}

func claimOutcome(err error) string {
	switch {
	case err == nil:
		return "paid"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrThresholdNotBreached):
		return "not_breached"
	case errors.Is(err, ErrPolicyInactive), errors.Is(err, ErrPolicyExpired):
		return "not_claimable"
	case errors.Is(err, analytics.ErrDataProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// Activate moves a pending policy to active, starting its term now.
func (g *Gate) Activate(ctx context.Context, policyID, txHash string) (storage.InsurancePolicy, error) {
	ok, err := g.repo.ActivatePolicy(ctx, policyID, txHash, g.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return storage.InsurancePolicy{}, fmt.Errorf("activate policy %s: %w", policyID, err)
	}
	p, err := g.load(ctx, policyID)
	if err != nil {
		return storage.InsurancePolicy{}, err
	}
	if !ok {
		return p, fmt.Errorf("%w: %s is %s", ErrNotPending, policyID, Status(p, g.now()))
	}
	g.logger.Info().Str("policy_id", policyID).Time("expires_at", p.ExpiresAt).Msg("policy activated")
	return p, nil
}

// RecordClaimTx stores the payout transaction hash of a claimed policy once.
func (g *Gate) RecordClaimTx(ctx context.Context, policyID, txHash string) error {
	if txHash == "" {
		return errors.New("claims: empty claim tx hash")
	}
	ok, err := g.repo.RecordClaimTx(ctx, policyID, txHash)
	if err != nil {
		return fmt.Errorf("record claim tx for %s: %w", policyID, err)
	}
	if !ok {
		if _, err := g.load(ctx, policyID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotClaimed, policyID)
	}
	return nil
}

// ExpireDue deactivates unclaimed policies whose term has ended.
func (g *Gate) ExpireDue(ctx context.Context) (int64, error) {
	n, err := g.repo.ExpirePolicies(ctx, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire policies: %w", err)
	}
	if n > 0 {
		g.logger.Info().Int64("expired", n).Msg("policies expired")
	}
	return n, nil
}
