package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"riskwatch/internal/risk"
)

const (
	insertPolicySQL = `INSERT INTO insurance_policies (
        id,
        user_id,
        portfolio_id,
        policy_ref,
        tx_hash,
        coverage_amount,
        premium,
        risk_threshold,
        duration_seconds,
        is_active,
        activated_at,
        expires_at,
        created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);`

	getPolicySQL = `SELECT
        id,
        user_id,
        portfolio_id,
        policy_ref,
        tx_hash,
        coverage_amount::text,
        premium::text,
        risk_threshold,
        duration_seconds,
        is_active,
        has_claimed,
        claimed_at,
        payout_amount::text,
        claim_tx_hash,
        activated_at,
        expires_at,
        created_at
    FROM insurance_policies
    WHERE id = $1;`

	activatePolicySQL = `UPDATE insurance_policies
    SET is_active    = TRUE,
        activated_at = $3,
        expires_at   = $3::timestamptz + duration_seconds * INTERVAL '1 second',
        tx_hash      = CASE WHEN $2 = '' THEN tx_hash ELSE $2 END
    WHERE id = $1
      AND NOT is_active
      AND activated_at IS NULL
      AND NOT has_claimed;`

	// Single claim: only the first writer flips has_claimed.
	claimPolicySQL = `UPDATE insurance_policies
    SET has_claimed   = TRUE,
        claimed_at    = $2,
        payout_amount = $3
    WHERE id = $1
      AND is_active
      AND NOT has_claimed
      AND expires_at > $2;`

	recordClaimTxSQL = `UPDATE insurance_policies
    SET claim_tx_hash = $2
    WHERE id = $1
      AND has_claimed
      AND claim_tx_hash IS NULL;`

	expirePoliciesSQL = `UPDATE insurance_policies
    SET is_active = FALSE
    WHERE is_active
      AND NOT has_claimed
      AND expires_at <= $1;`
)

// CreatePolicy inserts a policy. A policy created active gets
// expires_at = created_at + duration.
func (s *Store) CreatePolicy(ctx context.Context, p InsurancePolicy) (InsurancePolicy, error) {
	pool, err := s.getPool()
	if err != nil {
		return InsurancePolicy{}, err
	}
	p = preparePolicy(p, s.stamp(p.CreatedAt))

	var (
		activatedAt *time.Time
		expiresAt   *time.Time
	)
	if p.ActivatedAt != nil {
		activatedAt = p.ActivatedAt
		e := p.ExpiresAt
		expiresAt = &e
	}

	if _, err := pool.Exec(ctx, insertPolicySQL,
		p.ID,
		p.UserID,
		p.PortfolioID,
		p.PolicyRef,
		p.TxHash,
		p.CoverageAmount.String(),
		p.Premium.String(),
		int(p.RiskThreshold),
		p.DurationSeconds,
		p.IsActive,
		activatedAt,
		expiresAt,
		p.CreatedAt,
	); err != nil {
		return InsurancePolicy{}, fmt.Errorf("insert policy: %w", err)
	}
	return p, nil
}

// preparePolicy fills ids and lifecycle defaults shared by both repositories.
func preparePolicy(p InsurancePolicy, createdAt time.Time) InsurancePolicy {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.PolicyRef == "" {
		p.PolicyRef = p.ID
	}
	p.CreatedAt = createdAt
	p.HasClaimed = false
	p.ClaimedAt = nil
	p.PayoutAmount = nil
	p.ClaimTxHash = nil
	p.ActivatedAt = nil
	p.ExpiresAt = time.Time{}
	if p.IsActive {
		at := createdAt
		p.ActivatedAt = &at
		p.ExpiresAt = createdAt.Add(p.Duration())
	}
	return p
}

// GetPolicy reads one policy.
func (s *Store) GetPolicy(ctx context.Context, id string) (InsurancePolicy, error) {
	pool, err := s.getPool()
	if err != nil {
		return InsurancePolicy{}, err
	}
	p, err := scanPolicy(pool.QueryRow(ctx, getPolicySQL, id))
	if err != nil {
		return InsurancePolicy{}, fmt.Errorf("get policy: %w", notFound(err))
	}
	return p, nil
}

func scanPolicy(row pgx.Row) (InsurancePolicy, error) {
	var (
		p                       InsurancePolicy
		coverageStr, premiumStr string
		payoutStr               *string
		threshold               int
		claimedAt, activatedAt  *time.Time
		expiresAt               *time.Time
	)
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.PortfolioID,
		&p.PolicyRef,
		&p.TxHash,
		&coverageStr,
		&premiumStr,
		&threshold,
		&p.DurationSeconds,
		&p.IsActive,
		&p.HasClaimed,
		&claimedAt,
		&payoutStr,
		&p.ClaimTxHash,
		&activatedAt,
		&expiresAt,
		&p.CreatedAt,
	); err != nil {
		return InsurancePolicy{}, err
	}

	var convErr error
	if p.CoverageAmount, convErr = decimal.NewFromString(coverageStr); convErr != nil {
		return InsurancePolicy{}, fmt.Errorf("parse coverage amount: %w", convErr)
	}
	if p.Premium, convErr = decimal.NewFromString(premiumStr); convErr != nil {
		return InsurancePolicy{}, fmt.Errorf("parse premium: %w", convErr)
	}
	if payoutStr != nil {
		payout, err := decimal.NewFromString(*payoutStr)
		if err != nil {
			return InsurancePolicy{}, fmt.Errorf("parse payout amount: %w", err)
		}
		p.PayoutAmount = &payout
	}

	p.RiskThreshold = risk.BasisPoints(threshold)
	p.ClaimedAt = utcPtr(claimedAt)
	p.ActivatedAt = utcPtr(activatedAt)
	if expiresAt != nil {
		p.ExpiresAt = expiresAt.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// ActivatePolicy implements PolicyStore.
func (s *Store) ActivatePolicy(ctx context.Context, id, txHash string, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, activatePolicySQL, id, txHash, s.stamp(at))
	if err != nil {
		return false, fmt.Errorf("activate policy: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimPolicy implements PolicyStore.
func (s *Store) ClaimPolicy(ctx context.Context, id string, claimedAt time.Time, payout decimal.Decimal) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, claimPolicySQL, id, claimedAt.UTC(), payout.String())
	if err != nil {
		return false, fmt.Errorf("claim policy: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordClaimTx implements PolicyStore.
func (s *Store) RecordClaimTx(ctx context.Context, id, txHash string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, recordClaimTxSQL, id, txHash)
	if err != nil {
		return false, fmt.Errorf("record claim tx: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpirePolicies implements PolicyStore.
func (s *Store) ExpirePolicies(ctx context.Context, now time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, expirePoliciesSQL, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire policies: %w", err)
	}
	return tag.RowsAffected(), nil
}
