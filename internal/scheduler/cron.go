package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named maintenance task.
type Job struct {
	Name string
	// Spec is a standard 5-field cron expression or a descriptor such as "@every 10m".
	Spec string
	Run  func(ctx context.Context) error
	// Timeout bounds one run; zero means one minute.
	Timeout time.Duration
}

// JobObserver is told about every job run, typically a metrics sink.
type JobObserver interface {
	MaintenanceRan(job string, err error)
}

// Cron runs maintenance jobs on cron schedules. A job still running when its
// next slot arrives is skipped.
type Cron struct {
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	observer JobObserver
	log      zerolog.Logger
}

// NewCron creates a stopped cron runner.
func NewCron(observer JobObserver, log zerolog.Logger) *Cron {
	ctx, cancel := context.WithCancel(context.Background())
	l := log.With().Str("component", "maintenance").Logger()
	return &Cron{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:      ctx,
		cancel:   cancel,
		observer: observer,
		log:      l,
	}
}

// Add registers job. An empty spec disables it.
func (c *Cron) Add(job Job) error {
	if job.Spec == "" {
		c.log.Info().Str("job", job.Name).Msg("job disabled")
		return nil
	}
	if _, err := c.cron.AddFunc(job.Spec, func() { c.RunNow(job) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	c.log.Info().Str("job", job.Name).Str("schedule", job.Spec).Msg("job registered")
	return nil
}

// RunNow executes job immediately, outside its schedule.
func (c *Cron) RunNow(job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	c.log.Debug().Str("job", job.Name).Msg("running job")
	err := job.Run(ctx)
	if c.observer != nil {
		c.observer.MaintenanceRan(job.Name, err)
	}
	if err != nil {
		c.log.Error().Err(err).Str("job", job.Name).Msg("job failed")
		return err
	}
	c.log.Debug().Str("job", job.Name).Msg("job completed")
	return nil
}

// Start begins scheduling.
func (c *Cron) Start() {
	c.cron.Start()
	c.log.Info().Int("jobs", len(c.cron.Entries())).Msg("maintenance started")
}

// Stop cancels running jobs and waits for them, or for ctx to end.
func (c *Cron) Stop(ctx context.Context) error {
	c.cancel()
	done := c.cron.Stop()
	select {
	case <-done.Done():
		c.log.Info().Msg("maintenance stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop maintenance: %w", ctx.Err())
	}
}
