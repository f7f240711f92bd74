package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"riskwatch/internal/risk"
)

// User owns portfolios, subscriptions and policies. Deleting a user cascades.
type User struct {
	ID        string
	CreatedAt time.Time
}

// Portfolio carries the last-known-good analytics, nil until the first snapshot.
type Portfolio struct {
	ID            string
	UserID        string
	Name          string
	WalletAddress string
	Analytics     *risk.Summary
	CreatedAt     time.Time
}

// AlertSubscription is a user's threshold rule. AlertType is kept as the raw
// stored code; the alerting package parses and validates it.
type AlertSubscription struct {
	ID              string
	UserID          string
	ProtocolAddress string
	AlertType       string
	Threshold       risk.BasisPoints
	CooldownMinutes int
	Destination     string
	LastTriggeredAt *time.Time
	IsActive        bool
	CreatedAt       time.Time
}

// Cooldown returns the configured cooldown as a duration.
func (s AlertSubscription) Cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

// InsurancePolicy terms (coverage, premium, threshold, duration) are fixed at
// creation. ExpiresAt is zero while the policy is pending activation.
type InsurancePolicy struct {
	ID              string
	UserID          string
	PortfolioID     string
	PolicyRef       string
	TxHash          string
	CoverageAmount  decimal.Decimal
	Premium         decimal.Decimal
	RiskThreshold   risk.BasisPoints
	DurationSeconds int64
	IsActive        bool
	HasClaimed      bool
	ClaimedAt       *time.Time
	PayoutAmount    *decimal.Decimal
	ClaimTxHash     *string
	ActivatedAt     *time.Time
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// Duration returns the policy term.
func (p InsurancePolicy) Duration() time.Duration {
	return time.Duration(p.DurationSeconds) * time.Second
}

// CacheEntry is a persisted typed envelope. Kind tags the payload encoding.
type CacheEntry struct {
	Key       string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SnapshotRecord is one row of portfolio analytics history.
type SnapshotRecord struct {
	PortfolioID string
	risk.Summary
}

// DispatchStatus tracks an idempotency key through delivery.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchDelivered DispatchStatus = "delivered"
	DispatchFailed    DispatchStatus = "failed"
)

// DispatchRecord is the idempotency ledger row for one notification.
type DispatchRecord struct {
	Key            string
	SubscriptionID string
	Status         DispatchStatus
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func newID() string { return uuid.NewString() }
