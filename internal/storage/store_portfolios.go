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
	insertPortfolioSQL = `INSERT INTO portfolios (id, user_id, name, wallet_address, created_at)
    VALUES ($1,$2,$3,$4,$5);`

	getPortfolioSQL = `SELECT
        id,
        user_id,
        name,
        wallet_address,
        last_risk_score,
        last_total_value::text,
        last_diversification,
        last_analysis_at,
        created_at
    FROM portfolios
    WHERE id = $1;`

	// The four analytics columns move together and never regress.
	advancePortfolioAnalyticsSQL = `UPDATE portfolios
    SET last_risk_score      = $2,
        last_total_value     = $3,
        last_diversification = $4,
        last_analysis_at     = $5
    WHERE id = $1
      AND (last_analysis_at IS NULL OR last_analysis_at < $5);`

	portfolioExistsSQL = `SELECT EXISTS (SELECT 1 FROM portfolios WHERE id = $1);`

	insertSnapshotHistorySQL = `INSERT INTO portfolio_snapshots (
        portfolio_id,
        risk_score,
        total_value,
        diversification,
        analyzed_at
    ) VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (portfolio_id, analyzed_at) DO NOTHING;`

	upsertCacheEntrySQL = `INSERT INTO cache_entries (key, kind, payload, created_at, expires_at)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (key) DO UPDATE
    SET kind       = EXCLUDED.kind,
        payload    = EXCLUDED.payload,
        created_at = EXCLUDED.created_at,
        expires_at = EXCLUDED.expires_at
    WHERE cache_entries.created_at <= EXCLUDED.created_at
       OR cache_entries.expires_at <= EXCLUDED.created_at;`

	listSnapshotHistorySQL = `SELECT
        portfolio_id,
        risk_score,
        total_value::text,
        diversification,
        analyzed_at
    FROM portfolio_snapshots
    WHERE portfolio_id = $1
      AND analyzed_at >= $2
      AND analyzed_at < $3
    ORDER BY analyzed_at DESC
    LIMIT $4;`

	getCacheEntrySQL = `SELECT key, kind, payload, created_at, expires_at
    FROM cache_entries
    WHERE key = $1 AND expires_at > $2;`

	purgeCacheEntriesSQL = `DELETE FROM cache_entries WHERE expires_at <= $1;`
)

// CreatePortfolio inserts a portfolio with empty analytics.
func (s *Store) CreatePortfolio(ctx context.Context, p Portfolio) (Portfolio, error) {
	pool, err := s.getPool()
	if err != nil {
		return Portfolio{}, err
	}
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = s.stamp(p.CreatedAt)
	p.Analytics = nil

	if _, err := pool.Exec(ctx, insertPortfolioSQL, p.ID, p.UserID, p.Name, p.WalletAddress, p.CreatedAt); err != nil {
		return Portfolio{}, fmt.Errorf("insert portfolio: %w", err)
	}
	return p, nil
}

// GetPortfolio reads a portfolio and its analytics columns in one row read.
func (s *Store) GetPortfolio(ctx context.Context, id string) (Portfolio, error) {
	pool, err := s.getPool()
	if err != nil {
		return Portfolio{}, err
	}

	var (
		p          Portfolio
		score, div *int
		totalStr   *string
		analyzedAt *time.Time
	)
	if err := pool.QueryRow(ctx, getPortfolioSQL, id).Scan(
		&p.ID,
		&p.UserID,
		&p.Name,
		&p.WalletAddress,
		&score,
		&totalStr,
		&div,
		&analyzedAt,
		&p.CreatedAt,
	); err != nil {
		return Portfolio{}, fmt.Errorf("get portfolio: %w", notFound(err))
	}

	if analyzedAt != nil && score != nil && div != nil && totalStr != nil {
		total, convErr := decimal.NewFromString(*totalStr)
		if convErr != nil {
			return Portfolio{}, fmt.Errorf("parse total value: %w", convErr)
		}
		p.Analytics = &risk.Summary{
			RiskScore:       risk.BasisPoints(*score),
			TotalValue:      total,
			Diversification: risk.BasisPoints(*div),
			AnalyzedAt:      analyzedAt.UTC(),
		}
	}
	return p, nil
}

// SaveSnapshot implements PortfolioStore.
func (s *Store) SaveSnapshot(ctx context.Context, portfolioID string, summary risk.Summary, entry CacheEntry) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	analyzedAt := summary.AnalyzedAt.UTC()
	total := summary.TotalValue.String()

	tag, err := tx.Exec(ctx, advancePortfolioAnalyticsSQL,
		portfolioID,
		int(summary.RiskScore),
		total,
		int(summary.Diversification),
		analyzedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update portfolio analytics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, portfolioExistsSQL, portfolioID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check portfolio: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}

	if _, err := tx.Exec(ctx, insertSnapshotHistorySQL,
		portfolioID,
		int(summary.RiskScore),
		total,
		int(summary.Diversification),
		analyzedAt,
	); err != nil {
		return false, fmt.Errorf("insert snapshot history: %w", err)
	}

	if entry.Key != "" {
		if _, err := tx.Exec(ctx, upsertCacheEntrySQL,
			entry.Key,
			entry.Kind,
			entry.Payload,
			entry.CreatedAt.UTC(),
			entry.ExpiresAt.UTC(),
		); err != nil {
			return false, fmt.Errorf("upsert cache entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit snapshot tx: %w", err)
	}
	return true, nil
}

// ListSnapshotHistory lists snapshots in [from, to), newest first.
func (s *Store) ListSnapshotHistory(ctx context.Context, portfolioID string, from, to time.Time, limit int) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, queryErr := pool.Query(ctx, listSnapshotHistorySQL, portfolioID, from.UTC(), to.UTC(), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshot history: %w", queryErr)
	}
	defer rows.Close()

	records := make([]SnapshotRecord, 0)
	for rows.Next() {
		var (
			rec        SnapshotRecord
			score, div int
			totalStr   string
		)
		if err := rows.Scan(&rec.PortfolioID, &score, &totalStr, &div, &rec.AnalyzedAt); err != nil {
			return nil, err
		}
		total, convErr := decimal.NewFromString(totalStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse total value: %w", convErr)
		}
		rec.RiskScore = risk.BasisPoints(score)
		rec.Diversification = risk.BasisPoints(div)
		rec.TotalValue = total
		rec.AnalyzedAt = rec.AnalyzedAt.UTC()
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// GetCacheEntry implements CacheEntryStore.
func (s *Store) GetCacheEntry(ctx context.Context, key string, now time.Time) (CacheEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return CacheEntry{}, err
	}

	var e CacheEntry
	if err := pool.QueryRow(ctx, getCacheEntrySQL, key, now.UTC()).Scan(
		&e.Key, &e.Kind, &e.Payload, &e.CreatedAt, &e.ExpiresAt,
	); err != nil {
		return CacheEntry{}, fmt.Errorf("get cache entry: %w", notFound(err))
	}
	return e, nil
}

// PurgeExpiredCacheEntries deletes persisted entries past their expiry.
func (s *Store) PurgeExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, purgeCacheEntriesSQL, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
