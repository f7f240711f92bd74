package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/risk"
)

// Memory is an in-process Repository with the same conditional-write
// semantics as Store. All state sits behind one mutex.
type Memory struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[string]User
	portfolios    map[string]Portfolio
	history       map[string][]SnapshotRecord
	cacheEntries  map[string]CacheEntry
	subscriptions map[string]AlertSubscription
	policies      map[string]InsurancePolicy
	dispatches    map[string]DispatchRecord
	locks         map[int64]struct{}
}

// NewMemory returns an empty repository. A nil clock defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:           now,
		users:         make(map[string]User),
		portfolios:    make(map[string]Portfolio),
		history:       make(map[string][]SnapshotRecord),
		cacheEntries:  make(map[string]CacheEntry),
		subscriptions: make(map[string]AlertSubscription),
		policies:      make(map[string]InsurancePolicy),
		dispatches:    make(map[string]DispatchRecord),
		locks:         make(map[int64]struct{}),
	}
}

// Close is a no-op.
func (m *Memory) Close() {}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) stamp(t time.Time) time.Time {
	if t.IsZero() {
		t = m.now()
	}
	return t.UTC()
}

// TryAdvisoryLock emulates a process-local advisory lock.
func (m *Memory) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return nil, false, nil
	}
	m.locks[key] = struct{}{}
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

// CreateUser implements UserStore.
func (m *Memory) CreateUser(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == "" {
		user.ID = newID()
	}
	if _, ok := m.users[user.ID]; ok {
		return User{}, fmt.Errorf("insert user: duplicate id %s", user.ID)
	}
	user.CreatedAt = m.stamp(user.CreatedAt)
	m.users[user.ID] = user
	return user, nil
}

// DeleteUser implements UserStore and cascades to owned rows.
func (m *Memory) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)

	for pid, p := range m.portfolios {
		if p.UserID == id {
			delete(m.portfolios, pid)
			delete(m.history, pid)
		}
	}
	for sid, s := range m.subscriptions {
		if s.UserID == id {
			delete(m.subscriptions, sid)
			for key, d := range m.dispatches {
				if d.SubscriptionID == sid {
					delete(m.dispatches, key)
				}
			}
		}
	}
	for pid, p := range m.policies {
		if p.UserID == id {
			delete(m.policies, pid)
		}
	}
	return nil
}

// CreatePortfolio implements PortfolioStore.
func (m *Memory) CreatePortfolio(_ context.Context, p Portfolio) (Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[p.UserID]; !ok {
		return Portfolio{}, fmt.Errorf("insert portfolio: unknown user %s", p.UserID)
	}
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = m.stamp(p.CreatedAt)
	p.Analytics = nil
	m.portfolios[p.ID] = p
	return p, nil
}

// GetPortfolio implements PortfolioStore.
func (m *Memory) GetPortfolio(_ context.Context, id string) (Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.portfolios[id]
	if !ok {
		return Portfolio{}, fmt.Errorf("get portfolio: %w", ErrNotFound)
	}
	if p.Analytics != nil {
		a := *p.Analytics
		p.Analytics = &a
	}
	return p, nil
}

// SaveSnapshot implements PortfolioStore.
func (m *Memory) SaveSnapshot(_ context.Context, portfolioID string, summary risk.Summary, entry CacheEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.portfolios[portfolioID]
	if !ok {
		return false, ErrNotFound
	}
	summary.AnalyzedAt = summary.AnalyzedAt.UTC()
	if p.Analytics != nil && !p.Analytics.AnalyzedAt.Before(summary.AnalyzedAt) {
		return false, nil
	}

	a := summary
	p.Analytics = &a
	m.portfolios[portfolioID] = p
	m.history[portfolioID] = append(m.history[portfolioID], SnapshotRecord{PortfolioID: portfolioID, Summary: summary})

	if entry.Key != "" {
		if cur, exists := m.cacheEntries[entry.Key]; !exists || !cur.CreatedAt.After(entry.CreatedAt) || !cur.ExpiresAt.After(entry.CreatedAt) {
			entry.Payload = append([]byte(nil), entry.Payload...)
			m.cacheEntries[entry.Key] = entry
		}
	}
	return true, nil
}

// ListSnapshotHistory implements PortfolioStore.
func (m *Memory) ListSnapshotHistory(_ context.Context, portfolioID string, from, to time.Time, limit int) ([]SnapshotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	out := make([]SnapshotRecord, 0)
	for _, rec := range m.history[portfolioID] {
		if !rec.AnalyzedAt.Before(from) && rec.AnalyzedAt.Before(to) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnalyzedAt.After(out[j].AnalyzedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetCacheEntry implements CacheEntryStore.
func (m *Memory) GetCacheEntry(_ context.Context, key string, now time.Time) (CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cacheEntries[key]
	if !ok || !now.Before(e.ExpiresAt) {
		return CacheEntry{}, fmt.Errorf("get cache entry: %w", ErrNotFound)
	}
	e.Payload = append([]byte(nil), e.Payload...)
	return e, nil
}

// PurgeExpiredCacheEntries implements CacheEntryStore.
func (m *Memory) PurgeExpiredCacheEntries(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, e := range m.cacheEntries {
		if !now.Before(e.ExpiresAt) {
			delete(m.cacheEntries, key)
			n++
		}
	}
	return n, nil
}

// CreateSubscription implements SubscriptionStore.
func (m *Memory) CreateSubscription(_ context.Context, sub AlertSubscription) (AlertSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[sub.UserID]; !ok {
		return AlertSubscription{}, fmt.Errorf("insert subscription: unknown user %s", sub.UserID)
	}
	if sub.ID == "" {
		sub.ID = newID()
	}
	sub.CreatedAt = m.stamp(sub.CreatedAt)
	sub.LastTriggeredAt = nil
	m.subscriptions[sub.ID] = sub
	return sub, nil
}

func copySubscription(s AlertSubscription) AlertSubscription {
	s.LastTriggeredAt = utcPtr(s.LastTriggeredAt)
	return s
}

// GetSubscription implements SubscriptionStore.
func (m *Memory) GetSubscription(_ context.Context, id string) (AlertSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return AlertSubscription{}, fmt.Errorf("get subscription: %w", ErrNotFound)
	}
	return copySubscription(s), nil
}

// ListActiveSubscriptionsForPortfolio implements SubscriptionStore.
func (m *Memory) ListActiveSubscriptionsForPortfolio(_ context.Context, portfolioID string) ([]AlertSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.portfolios[portfolioID]
	if !ok {
		return []AlertSubscription{}, nil
	}
	out := make([]AlertSubscription, 0)
	for _, s := range m.subscriptions {
		if s.IsActive && s.UserID == p.UserID {
			out = append(out, copySubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListPortfoliosWithActiveSubscriptions implements SubscriptionStore.
func (m *Memory) ListPortfoliosWithActiveSubscriptions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := make(map[string]bool)
	for _, s := range m.subscriptions {
		if s.IsActive {
			owners[s.UserID] = true
		}
	}
	ids := make([]string, 0)
	for id, p := range m.portfolios {
		if owners[p.UserID] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SetSubscriptionActive implements SubscriptionStore.
func (m *Memory) SetSubscriptionActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return ErrNotFound
	}
	s.IsActive = active
	m.subscriptions[id] = s
	return nil
}

// MarkTriggered implements SubscriptionStore.
func (m *Memory) MarkTriggered(_ context.Context, id string, prev *time.Time, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	switch {
	case prev == nil && s.LastTriggeredAt != nil:
		return false, nil
	case prev != nil && (s.LastTriggeredAt == nil || !s.LastTriggeredAt.Equal(*prev)):
		return false, nil
	case s.LastTriggeredAt != nil && !next.After(*s.LastTriggeredAt):
		return false, nil
	}
	t := next.UTC()
	s.LastTriggeredAt = &t
	m.subscriptions[id] = s
	return true, nil
}

// CreatePolicy implements PolicyStore.
func (m *Memory) CreatePolicy(_ context.Context, p InsurancePolicy) (InsurancePolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[p.UserID]; !ok {
		return InsurancePolicy{}, fmt.Errorf("insert policy: unknown user %s", p.UserID)
	}
	if _, ok := m.portfolios[p.PortfolioID]; !ok {
		return InsurancePolicy{}, fmt.Errorf("insert policy: unknown portfolio %s", p.PortfolioID)
	}
	p = preparePolicy(p, m.stamp(p.CreatedAt))
	for _, existing := range m.policies {
		if strings.EqualFold(existing.PolicyRef, p.PolicyRef) {
			return InsurancePolicy{}, fmt.Errorf("insert policy: duplicate policy ref %s", p.PolicyRef)
		}
	}
	m.policies[p.ID] = p
	return copyPolicy(p), nil
}

func copyPolicy(p InsurancePolicy) InsurancePolicy {
	p.ClaimedAt = utcPtr(p.ClaimedAt)
	p.ActivatedAt = utcPtr(p.ActivatedAt)
	if p.PayoutAmount != nil {
		v := *p.PayoutAmount
		p.PayoutAmount = &v
	}
	if p.ClaimTxHash != nil {
		v := *p.ClaimTxHash
		p.ClaimTxHash = &v
	}
	return p
}

// GetPolicy implements PolicyStore.
func (m *Memory) GetPolicy(_ context.Context, id string) (InsurancePolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return InsurancePolicy{}, fmt.Errorf("get policy: %w", ErrNotFound)
	}
	return copyPolicy(p), nil
}

// ActivatePolicy implements PolicyStore.
func (m *Memory) ActivatePolicy(_ context.Context, id, txHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok || p.IsActive || p.ActivatedAt != nil || p.HasClaimed {
		return false, nil
	}
	at = m.stamp(at)
	p.IsActive = true
	p.ActivatedAt = &at
	p.ExpiresAt = at.Add(p.Duration())
	if txHash != "" {
		p.TxHash = txHash
	}
	m.policies[id] = p
	return true, nil
}

// ClaimPolicy implements PolicyStore.
func (m *Memory) ClaimPolicy(_ context.Context, id string, claimedAt time.Time, payout decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok || !p.IsActive || p.HasClaimed || !claimedAt.Before(p.ExpiresAt) {
		return false, nil
	}
	at := claimedAt.UTC()
	p.HasClaimed = true
	p.ClaimedAt = &at
	p.PayoutAmount = &payout
	m.policies[id] = p
	return true, nil
}

// RecordClaimTx implements PolicyStore.
func (m *Memory) RecordClaimTx(_ context.Context, id, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok || !p.HasClaimed || p.ClaimTxHash != nil {
		return false, nil
	}
	p.ClaimTxHash = &txHash
	m.policies[id] = p
	return true, nil
}

// ExpirePolicies implements PolicyStore.
func (m *Memory) ExpirePolicies(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.policies {
		if p.IsActive && !p.HasClaimed && !now.Before(p.ExpiresAt) {
			p.IsActive = false
			m.policies[id] = p
			n++
		}
	}
	return n, nil
}

// BeginDispatch implements DispatchLedger.
func (m *Memory) BeginDispatch(_ context.Context, key, subscriptionID string, at time.Time) (DispatchRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.dispatches[key]; ok {
		return rec, false, nil
	}
	at = m.stamp(at)
	rec := DispatchRecord{
		Key:            key,
		SubscriptionID: subscriptionID,
		Status:         DispatchPending,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	m.dispatches[key] = rec
	return rec, true, nil
}

// TakeOverDispatch implements DispatchLedger.
func (m *Memory) TakeOverDispatch(_ context.Context, key string, staleBefore, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dispatches[key]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != DispatchPending || !rec.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	rec.UpdatedAt = m.stamp(at)
	m.dispatches[key] = rec
	return true, nil
}

// CompleteDispatch implements DispatchLedger.
func (m *Memory) CompleteDispatch(_ context.Context, key string, status DispatchStatus, attempts int, lastErr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dispatches[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Attempts = attempts
	rec.LastError = lastErr
	rec.UpdatedAt = m.stamp(at)
	m.dispatches[key] = rec
	return nil
}

// PruneDispatches implements DispatchLedger.
func (m *Memory) PruneDispatches(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rec := range m.dispatches {
		if rec.Status != DispatchPending && rec.UpdatedAt.Before(before) {
			delete(m.dispatches, key)
			n++
		}
	}
	return n, nil
}

var (
	_ Repository     = (*Memory)(nil)
	_ AdvisoryLocker = (*Memory)(nil)
)
