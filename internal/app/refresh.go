package app

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// forceRecompute is older than any snapshot can be, so every read recomputes.
const forceRecompute = -1

// Refresh recomputes snapshots for the given portfolios, or for every
// portfolio with active subscriptions when none are given. Listeners are not
// attached, so no alerts fire.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions) error {
	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	ids := opts.PortfolioIDs
	if len(ids) == 0 {
		ids, err = eng.repo.ListPortfoliosWithActiveSubscriptions(ctx)
		if err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		a.Logger.Info().Msg("no portfolios to refresh")
		return nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var processed, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		g.Go(func() error {
			res, err := eng.snapshots.GetSnapshot(gctx, id, forceRecompute)
			switch {
			case err != nil:
				failed.Add(1)
				a.Logger.Error().Err(err).Str("portfolio_id", id).Msg("refresh failed")
			case res.Stale:
				failed.Add(1)
				a.Logger.Warn().Str("portfolio_id", id).Msg("refresh fell back to stale snapshot")
			default:
				processed.Add(1)
				a.Logger.Debug().Str("portfolio_id", id).Int("risk", int(res.Snapshot.RiskScore)).Msg("refreshed")
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.Logger.Info().Int32("processed", processed.Load()).Int32("failed", failed.Load()).Msg("refresh complete")
	if failed.Load() > 0 {
		return errors.New("some portfolios failed to refresh, check the logs")
	}
	return nil
}
