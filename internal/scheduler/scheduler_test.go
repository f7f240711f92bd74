package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerRunsTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if ticks.Add(1) == 3 {
				cancel()
			}
			return errors.New("tick errors do not stop the loop")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if got := ticks.Load(); got < 3 {
		t.Fatalf("ticks = %d, want >= 3", got)
	}
}

func TestSchedulerStartupDelayHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick should not run")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v", err)
	}
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 6, 1, 12, 3, 10, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("nextTick = %s, want %s", got, want)
	}
	onBoundary := time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)
	if got, want := s.nextTick(onBoundary), onBoundary.Add(5*time.Minute); !got.Equal(want) {
		t.Fatalf("nextTick on boundary = %s, want %s", got, want)
	}
}

type recordingObserver struct {
	mu   sync.Mutex
	runs map[string]int
	errs int
}

func (r *recordingObserver) MaintenanceRan(job string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string]int{}
	}
	r.runs[job]++
	if err != nil {
		r.errs++
	}
}

func TestCronRunNowAndSchedule(t *testing.T) {
	obs := &recordingObserver{}
	c := NewCron(obs, zerolog.Nop())

	var scheduled atomic.Int32
	if err := c.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		scheduled.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add(Job{Name: "off", Spec: ""}); err != nil {
		t.Fatalf("empty spec should disable, got %v", err)
	}
	if err := c.Add(Job{Name: "bad", Spec: "every tuesday"}); err == nil {
		t.Fatal("invalid spec should fail")
	}

	failing := Job{Name: "fail", Run: func(context.Context) error { return errors.New("boom") }}
	if err := c.RunNow(failing); err == nil {
		t.Fatal("RunNow should surface job errors")
	}

	c.Start()
	deadline := time.Now().Add(3 * time.Second)
	for scheduled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if scheduled.Load() == 0 {
		t.Fatal("scheduled job never ran")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.runs["fail"] != 1 || obs.errs != 1 {
		t.Fatalf("observer saw %v with %d errors", obs.runs, obs.errs)
	}
}
