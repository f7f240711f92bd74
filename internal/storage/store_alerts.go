package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"riskwatch/internal/risk"
)

const subscriptionColumns = `
        s.id,
        s.user_id,
        s.protocol_address,
        s.alert_type,
        s.threshold,
        s.cooldown_minutes,
        s.destination,
        s.last_triggered_at,
        s.is_active,
        s.created_at`

const (
	insertSubscriptionSQL = `INSERT INTO alert_subscriptions (
        id,
        user_id,
        protocol_address,
        alert_type,
        threshold,
        cooldown_minutes,
        destination,
        is_active,
        created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	getSubscriptionSQL = `SELECT` + subscriptionColumns + `
    FROM alert_subscriptions s
    WHERE s.id = $1;`

	listActiveSubscriptionsForPortfolioSQL = `SELECT` + subscriptionColumns + `
    FROM alert_subscriptions s
    JOIN portfolios p ON p.user_id = s.user_id
    WHERE p.id = $1
      AND s.is_active
    ORDER BY s.created_at, s.id;`

	listPortfoliosWithActiveSubscriptionsSQL = `SELECT DISTINCT p.id
    FROM portfolios p
    JOIN alert_subscriptions s ON s.user_id = p.user_id
    WHERE s.is_active
    ORDER BY p.id;`

	setSubscriptionActiveSQL = `UPDATE alert_subscriptions SET is_active = $2 WHERE id = $1;`

	markTriggeredSQL = `UPDATE alert_subscriptions
    SET last_triggered_at = $3
    WHERE id = $1
      AND is_active
      AND last_triggered_at IS NOT DISTINCT FROM $2::timestamptz
      AND (last_triggered_at IS NULL OR last_triggered_at < $3);`

	insertDispatchSQL = `INSERT INTO alert_dispatches (
        key,
        subscription_id,
        status,
        attempts,
        last_error,
        created_at,
        updated_at
    ) VALUES ($1,$2,$3,0,'',$4,$4)
    ON CONFLICT (key) DO NOTHING
    RETURNING key, subscription_id, status, attempts, last_error, created_at, updated_at;`

	getDispatchSQL = `SELECT key, subscription_id, status, attempts, last_error, created_at, updated_at
    FROM alert_dispatches
    WHERE key = $1;`

	takeOverDispatchSQL = `UPDATE alert_dispatches
    SET updated_at = $3
    WHERE key = $1
      AND status = 'pending'
      AND updated_at < $2;`

	completeDispatchSQL = `UPDATE alert_dispatches
    SET status = $2, attempts = $3, last_error = $4, updated_at = $5
    WHERE key = $1;`

	pruneDispatchesSQL = `DELETE FROM alert_dispatches WHERE updated_at < $1 AND status <> 'pending';`
)

func scanSubscription(row pgx.Row) (AlertSubscription, error) {
	var (
		sub       AlertSubscription
		threshold int
		last      *time.Time
	)
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ProtocolAddress,
		&sub.AlertType,
		&threshold,
		&sub.CooldownMinutes,
		&sub.Destination,
		&last,
		&sub.IsActive,
		&sub.CreatedAt,
	); err != nil {
		return AlertSubscription{}, err
	}
	sub.Threshold = risk.BasisPoints(threshold)
	if last != nil {
		t := last.UTC()
		sub.LastTriggeredAt = &t
	}
	return sub, nil
}

// CreateSubscription inserts a subscription. LastTriggeredAt always starts null.
func (s *Store) CreateSubscription(ctx context.Context, sub AlertSubscription) (AlertSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertSubscription{}, err
	}
	if sub.ID == "" {
		sub.ID = newID()
	}
	sub.CreatedAt = s.stamp(sub.CreatedAt)
	sub.LastTriggeredAt = nil

	if _, err := pool.Exec(ctx, insertSubscriptionSQL,
		sub.ID,
		sub.UserID,
		sub.ProtocolAddress,
		sub.AlertType,
		int(sub.Threshold),
		sub.CooldownMinutes,
		sub.Destination,
		sub.IsActive,
		sub.CreatedAt,
	); err != nil {
		return AlertSubscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription reads one subscription.
func (s *Store) GetSubscription(ctx context.Context, id string) (AlertSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertSubscription{}, err
	}
	sub, err := scanSubscription(pool.QueryRow(ctx, getSubscriptionSQL, id))
	if err != nil {
		return AlertSubscription{}, fmt.Errorf("get subscription: %w", notFound(err))
	}
	return sub, nil
}

// ListActiveSubscriptionsForPortfolio implements SubscriptionStore.
func (s *Store) ListActiveSubscriptionsForPortfolio(ctx context.Context, portfolioID string) ([]AlertSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveSubscriptionsForPortfolioSQL, portfolioID)
	if queryErr != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]AlertSubscription, 0)
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// ListPortfoliosWithActiveSubscriptions implements SubscriptionStore.
func (s *Store) ListPortfoliosWithActiveSubscriptions(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPortfoliosWithActiveSubscriptionsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list portfolios with subscriptions: %w", queryErr)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect portfolio ids: %w", err)
	}
	return ids, nil
}

// SetSubscriptionActive toggles a subscription.
func (s *Store) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setSubscriptionActiveSQL, id, active)
	if err != nil {
		return fmt.Errorf("set subscription active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTriggered implements SubscriptionStore.
func (s *Store) MarkTriggered(ctx context.Context, id string, prev *time.Time, next time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var prevArg *time.Time
	if prev != nil {
		p := prev.UTC()
		prevArg = &p
	}
	tag, err := pool.Exec(ctx, markTriggeredSQL, id, prevArg, next.UTC())
	if err != nil {
		return false, fmt.Errorf("mark subscription triggered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanDispatch(row pgx.Row) (DispatchRecord, error) {
	var (
		rec    DispatchRecord
		status string
	)
	if err := row.Scan(
		&rec.Key,
		&rec.SubscriptionID,
		&status,
		&rec.Attempts,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return DispatchRecord{}, err
	}
	rec.Status = DispatchStatus(status)
	return rec, nil
}

// BeginDispatch implements DispatchLedger.
func (s *Store) BeginDispatch(ctx context.Context, key, subscriptionID string, at time.Time) (DispatchRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return DispatchRecord{}, false, err
	}

	rec, err := scanDispatch(pool.QueryRow(ctx, insertDispatchSQL, key, subscriptionID, string(DispatchPending), s.stamp(at)))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return DispatchRecord{}, false, fmt.Errorf("insert dispatch: %w", err)
	}

	rec, err = scanDispatch(pool.QueryRow(ctx, getDispatchSQL, key))
	if err != nil {
		return DispatchRecord{}, false, fmt.Errorf("get dispatch: %w", notFound(err))
	}
	return rec, false, nil
}

// TakeOverDispatch implements DispatchLedger.
func (s *Store) TakeOverDispatch(ctx context.Context, key string, staleBefore, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, takeOverDispatchSQL, key, staleBefore.UTC(), s.stamp(at))
	if err != nil {
		return false, fmt.Errorf("take over dispatch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteDispatch records the outcome of a delivery.
func (s *Store) CompleteDispatch(ctx context.Context, key string, status DispatchStatus, attempts int, lastErr string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, completeDispatchSQL, key, string(status), attempts, lastErr, s.stamp(at))
	if err != nil {
		return fmt.Errorf("complete dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneDispatches deletes settled ledger rows last updated before the cutoff.
func (s *Store) PruneDispatches(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, pruneDispatchesSQL, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune dispatches: %w", err)
	}
	return tag.RowsAffected(), nil
}
