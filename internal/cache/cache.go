// Package cache provides an expiring key/value store with lazy expiry and
// last-writer-wins (by write timestamp) upserts.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode"
)

// MaxKeyLength bounds accepted keys.
const MaxKeyLength = 512

var (
	// ErrMiss is returned when a key is absent or expired.
	ErrMiss = errors.New("cache miss")
	// ErrInvalidKey rejects malformed keys.
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrInvalidTTL rejects non-positive TTLs.
	ErrInvalidTTL = errors.New("cache ttl must be positive")
)

// Cache is a typed expiring store. Implementations are safe for concurrent use.
type Cache[V any] interface {
	// Get returns the live value for key or ErrMiss.
	Get(ctx context.Context, key string) (V, error)
	// Set upserts value stamped with the current time.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	// SetAt upserts value stamped with writtenAt. A write older than the live
	// entry is dropped silently.
	SetAt(ctx context.Context, key string, value V, ttl time.Duration, writtenAt time.Time) error
	// Invalidate removes key eagerly.
	Invalidate(ctx context.Context, key string) error
	// Close releases background resources.
	Close() error
}

// Observer receives lookup outcomes, typically a metrics sink.
type Observer interface {
	ObserveLookup(cache string, hit bool)
}

// Options configure a cache instance.
type Options struct {
	// Name labels the cache in logs and metrics.
	Name string
	// SweepInterval controls how often expired entries are purged; zero disables the sweep.
	SweepInterval time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
	// Observer is optional.
	Observer Observer
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

func (o Options) observe(hit bool) {
	if o.Observer != nil {
		o.Observer.ObserveLookup(o.Name, hit)
	}
}

// ValidateKey rejects empty, oversized, or whitespace/control-bearing keys.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func validateWrite(key string, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
