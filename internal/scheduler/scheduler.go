// Package scheduler drives the periodic alert sweep and the cron-based
// maintenance jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval with the tick's nominal time.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune the sweep loop.
type Options struct {
	Interval time.Duration
	// AlignToStart fires on wall-clock multiples of Interval.
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires one tick before waiting for the first interval.
	RunOnStart bool
}

// Scheduler runs a tick function on a fixed cadence. Ticks never overlap; a
// tick that overruns its interval delays the next one.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick on every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.fire(ctx, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			skipped := -delay / s.opts.Interval
			if skipped > 0 {
				s.logger.Warn().Int64("skipped", int64(skipped)).Msg("ticks skipped after overrun")
			}
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.fire(ctx, tick, s.tickStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, at time.Time) {
	started := time.Now()
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
		return
	}
	s.logger.Debug().Time("tick", at).Dur("took", time.Since(started)).Msg("tick complete")
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	t := now.Truncate(s.opts.Interval)
	if !t.After(now) {
		t = t.Add(s.opts.Interval)
	}
	return t
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
