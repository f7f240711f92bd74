// Package service runs the engine: the periodic alert sweep, the listener
// trigger and the maintenance jobs.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"riskwatch/internal/alerting"
	"riskwatch/internal/analytics"
	"riskwatch/internal/claims"
	"riskwatch/internal/config"
	"riskwatch/internal/metrics"
	"riskwatch/internal/scheduler"
	"riskwatch/internal/storage"
)

// Maintenance is the storage surface of the housekeeping jobs.
type Maintenance interface {
	PurgeExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
	PruneDispatches(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper evaluates every portfolio with active subscriptions.
type Sweeper interface {
	Sweep(ctx context.Context) (alerting.Report, error)
}

// Deps are the engine's collaborators.
type Deps struct {
	Repo      Maintenance
	Snapshots *analytics.Store
	Evaluator *alerting.Evaluator
	Sweeper   Sweeper
	Gate      *claims.Gate
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Service orchestrates sweeping, alerting and maintenance.
type Service struct {
	scheduler *scheduler.Scheduler
	cron      *scheduler.Cron
	deps      Deps
	logger    zerolog.Logger
	now       func() time.Time

	alertsOn    bool
	maintenance config.MaintenanceConfig
	locker      storage.AdvisoryLocker
	lockKey     int64
}

// New constructs the engine. sched may be nil for one-shot use.
func New(cfg *config.Config, sched *scheduler.Scheduler, deps Deps, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := deps.Repo.(storage.AdvisoryLocker); ok {
		locker = l
	}
	if deps.Sweeper == nil && deps.Evaluator != nil {
		deps.Sweeper = deps.Evaluator
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		scheduler:   sched,
		cron:        scheduler.NewCron(deps.Metrics, logger),
		deps:        deps,
		logger:      logger.With().Str("component", "service").Logger(),
		now:         now,
		alertsOn:    cfg.Alerting.Enabled,
		maintenance: cfg.Maintenance,
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run attaches the recompute trigger, starts maintenance and blocks in the
// sweep loop until ctx is cancelled. In-flight recomputes and listeners are
// flushed before it returns.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	if s.alertsOn && s.deps.Evaluator != nil && s.deps.Snapshots != nil {
		s.deps.Evaluator.Attach(s.deps.Snapshots)
	}

	if s.maintenance.Enabled {
		for _, job := range s.Jobs() {
			if err := s.cron.Add(job); err != nil {
				return err
			}
		}
		s.cron.Start()
	}

	err := s.scheduler.Run(ctx, s.ProcessTick)

	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if s.maintenance.Enabled {
		if serr := s.cron.Stop(shutdown); serr != nil {
			s.logger.Error().Err(serr).Msg("maintenance did not stop cleanly")
		}
	}
	if s.deps.Snapshots != nil {
		if cerr := s.deps.Snapshots.Close(shutdown); cerr != nil {
			s.logger.Error().Err(cerr).Msg("analytics store did not drain")
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ProcessTick runs one sweep unless another instance holds the sweep lock.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	if !s.alertsOn || s.deps.Sweeper == nil {
		s.logger.Debug().Time("tick", tick).Msg("alerting disabled; skipping sweep")
		return nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	report, err := s.deps.Sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	s.logger.Info().Time("tick", tick).
		Int("fired", report.Fired).
		Int("failed", report.Failed).
		Msg("sweep tick done")
	return nil
}

// Jobs returns the configured maintenance jobs.
func (s *Service) Jobs() []scheduler.Job {
	jobs := []scheduler.Job{}
	if s.deps.Repo != nil {
		jobs = append(jobs,
			scheduler.Job{Name: "purge_cache", Spec: s.maintenance.PurgeCache, Run: s.PurgeCache},
			scheduler.Job{Name: "prune_dispatches", Spec: s.maintenance.PruneDispatches, Run: s.PruneDispatches},
		)
	}
	if s.deps.Gate != nil {
		jobs = append(jobs, scheduler.Job{Name: "expire_policies", Spec: s.maintenance.ExpirePolicies, Run: s.ExpirePolicies})
	}
	return jobs
}

// PurgeCache deletes expired persisted cache entries.
func (s *Service) PurgeCache(ctx context.Context) error {
	n, err := s.deps.Repo.PurgeExpiredCacheEntries(ctx, s.now().UTC())
	if err != nil {
		return fmt.Errorf("purge cache entries: %w", err)
	}
	s.logger.Info().Int64("purged", n).Msg("expired cache entries purged")
	return nil
}

// PruneDispatches drops settled ledger rows older than the retention window.
func (s *Service) PruneDispatches(ctx context.Context) error {
	retention := s.maintenance.DispatchRetention
	if retention <= 0 {
		return nil
	}
	n, err := s.deps.Repo.PruneDispatches(ctx, s.now().UTC().Add(-retention))
	if err != nil {
		return fmt.Errorf("prune dispatches: %w", err)
	}
	s.logger.Info().Int64("pruned", n).Msg("dispatch ledger pruned")
	return nil
}

// ExpirePolicies flips unclaimed policies past expiry to expired.
func (s *Service) ExpirePolicies(ctx context.Context) error {
	_, err := s.deps.Gate.ExpireDue(ctx)
	return err
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
