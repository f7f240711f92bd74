package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/risk"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a row does not exist (or a cache entry has expired).
	ErrNotFound = errors.New("storage: not found")
)

// UserStore manages owners.
type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	DeleteUser(ctx context.Context, id string) error
}

// PortfolioStore persists portfolios and their denormalised analytics.
type PortfolioStore interface {
	CreatePortfolio(ctx context.Context, p Portfolio) (Portfolio, error)
	GetPortfolio(ctx context.Context, id string) (Portfolio, error)
	// SaveSnapshot writes the four analytics fields, a history row and the
	// cache entry in one transaction. It reports false without writing when the
	// stored snapshot is not older than summary.AnalyzedAt.
	SaveSnapshot(ctx context.Context, portfolioID string, summary risk.Summary, entry CacheEntry) (bool, error)
	ListSnapshotHistory(ctx context.Context, portfolioID string, from, to time.Time, limit int) ([]SnapshotRecord, error)
}

// CacheEntryStore reads persisted cache envelopes.
type CacheEntryStore interface {
	// GetCacheEntry returns ErrNotFound for missing or expired entries.
	GetCacheEntry(ctx context.Context, key string, now time.Time) (CacheEntry, error)
	PurgeExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
}

// SubscriptionStore persists alert subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s AlertSubscription) (AlertSubscription, error)
	GetSubscription(ctx context.Context, id string) (AlertSubscription, error)
	// ListActiveSubscriptionsForPortfolio returns active subscriptions owned by the portfolio's user.
	ListActiveSubscriptionsForPortfolio(ctx context.Context, portfolioID string) ([]AlertSubscription, error)
	ListPortfoliosWithActiveSubscriptions(ctx context.Context) ([]string, error)
	SetSubscriptionActive(ctx context.Context, id string, active bool) error
	// MarkTriggered sets last_triggered_at from prev to next. It fails (false)
	// when the stored value differs from prev, next is not after it,
	// or the subscription is inactive.
	MarkTriggered(ctx context.Context, id string, prev *time.Time, next time.Time) (bool, error)
}

// PolicyStore persists insurance policies.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p InsurancePolicy) (InsurancePolicy, error)
	GetPolicy(ctx context.Context, id string) (InsurancePolicy, error)
	// ActivatePolicy moves a pending policy to active and fixes its expiry.
	ActivatePolicy(ctx context.Context, id, txHash string, at time.Time) (bool, error)
	// ClaimPolicy flips has_claimed false->true with claimedAt and payout in one
	// conditional write. False means another claim won or the policy is no longer claimable.
	ClaimPolicy(ctx context.Context, id string, claimedAt time.Time, payout decimal.Decimal) (bool, error)
	// RecordClaimTx stores the claim tx hash once on a claimed policy.
	RecordClaimTx(ctx context.Context, id, txHash string) (bool, error)
	// ExpirePolicies deactivates unclaimed active policies whose expiry has passed.
	ExpirePolicies(ctx context.Context, now time.Time) (int64, error)
}

// DispatchLedger records notification idempotency keys.
type DispatchLedger interface {
	// BeginDispatch inserts a pending record. When the key already exists it
	// returns the existing record and created=false.
	BeginDispatch(ctx context.Context, key, subscriptionID string, at time.Time) (DispatchRecord, bool, error)
	// TakeOverDispatch renews the lease on a pending record last updated
	// before staleBefore. It reports false when the record is settled or its
	// lease is still held.
	TakeOverDispatch(ctx context.Context, key string, staleBefore, at time.Time) (bool, error)
	CompleteDispatch(ctx context.Context, key string, status DispatchStatus, attempts int, lastErr string, at time.Time) error
	PruneDispatches(ctx context.Context, before time.Time) (int64, error)
}

// Repository is the full storage surface.
type Repository interface {
	UserStore
	PortfolioStore
	CacheEntryStore
	SubscriptionStore
	PolicyStore
	DispatchLedger
	Ping(ctx context.Context) error
	Close()
}
