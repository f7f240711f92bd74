package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

const shardCount = 32

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

// Memory is an in-process sharded cache. Each shard has its own lock.
type Memory[V any] struct {
	shards [shardCount]*shard[V]
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemory builds a memory cache and starts its sweep when configured.
func NewMemory[V any](opts Options, logger zerolog.Logger) *Memory[V] {
	if opts.Name == "" {
		opts.Name = "memory"
	}
	m := &Memory[V]{
		opts:   opts,
		now:    opts.clock(),
		logger: logger.With().Str("component", "cache").Str("cache", opts.Name).Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}

	if opts.SweepInterval > 0 {
		go m.sweepLoop(opts.SweepInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *Memory[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%shardCount]
}

// Get implements Cache.
func (m *Memory[V]) Get(_ context.Context, key string) (V, error) {
	var zero V
	if err := ValidateKey(key); err != nil {
		return zero, err
	}

	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || !m.now().Before(e.expiresAt) {
		m.opts.observe(false)
		return zero, ErrMiss
	}
	m.opts.observe(true)
	return e.value, nil
}

// Set implements Cache.
func (m *Memory[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	return m.SetAt(ctx, key, value, ttl, m.now())
}

// SetAt implements Cache.
func (m *Memory[V]) SetAt(_ context.Context, key string, value V, ttl time.Duration, writtenAt time.Time) error {
	if err := validateWrite(key, ttl); err != nil {
		return err
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.items[key]; ok && cur.createdAt.After(writtenAt) && m.now().Before(cur.expiresAt) {
		m.logger.Debug().Str("key", key).
			Time("live_written_at", cur.createdAt).
			Time("dropped_written_at", writtenAt).
			Msg("dropping out-of-order write")
		return nil
	}

	s.items[key] = entry[V]{value: value, createdAt: writtenAt, expiresAt: writtenAt.Add(ttl)}
	return nil
}

// Invalidate implements Cache.
func (m *Memory[V]) Invalidate(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len counts physically present entries, expired or not.
func (m *Memory[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Purge removes expired entries and returns how many were dropped.
func (m *Memory[V]) Purge() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !now.Before(e.expiresAt) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Close stops the sweep and waits for it to exit.
func (m *Memory[V]) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
	return nil
}

func (m *Memory[V]) sweepLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.Purge(); n > 0 {
				m.logger.Debug().Int("purged", n).Msg("expired entries swept")
			}
		}
	}
}

var _ Cache[int] = (*Memory[int])(nil)
