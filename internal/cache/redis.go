package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Each key is a hash {v: payload, w: written-at micros, e: expires-at millis}.
// The write is applied unless a still-live entry carries a newer w.
var lwwSetScript = redis.NewScript(`
local w = redis.call('HGET', KEYS[1], 'w')
if w and tonumber(w) > tonumber(ARGV[2]) then
  local e = redis.call('HGET', KEYS[1], 'e')
  if e and tonumber(e) > tonumber(ARGV[4]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'w', ARGV[2], 'e', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`)

// Codec serialises cache values for an out-of-process backend.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte, v *V) error
}

// MsgpackCodec encodes values with msgpack.
type MsgpackCodec[V any] struct{}

// Marshal implements Codec.
func (MsgpackCodec[V]) Marshal(v V) ([]byte, error) { return msgpack.Marshal(v) }

// Unmarshal implements Codec.
func (MsgpackCodec[V]) Unmarshal(data []byte, v *V) error { return msgpack.Unmarshal(data, v) }

// RedisOptions configure the Redis backend.
type RedisOptions struct {
	Options
	// Prefix namespaces every key.
	Prefix string
}

// Redis is a cache shared across processes. Redis expires keys itself, and
// reads still compare the stored deadline so correctness does not depend on it.
type Redis[V any] struct {
	client redis.UniversalClient
	codec  Codec[V]
	opts   RedisOptions
	now    func() time.Time
	logger zerolog.Logger
}

// NewRedis wraps an existing client. The caller owns the client's lifecycle.
func NewRedis[V any](client redis.UniversalClient, opts RedisOptions, codec Codec[V], logger zerolog.Logger) *Redis[V] {
	if opts.Name == "" {
		opts.Name = "redis"
	}
	if codec == nil {
		codec = MsgpackCodec[V]{}
	}
	return &Redis[V]{
		client: client,
		codec:  codec,
		opts:   opts,
		now:    opts.clock(),
		logger: logger.With().Str("component", "cache").Str("cache", opts.Name).Logger(),
	}
}

func (r *Redis[V]) key(k string) string {
	return r.opts.Prefix + k
}

// Get implements Cache.
func (r *Redis[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	if err := ValidateKey(key); err != nil {
		return zero, err
	}

	vals, err := r.client.HMGet(ctx, r.key(key), "v", "e").Result()
	if err != nil {
		return zero, fmt.Errorf("redis hmget: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		r.opts.observe(false)
		return zero, ErrMiss
	}

	expiresAt, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return zero, fmt.Errorf("parse cache expiry: %w", err)
	}
	if r.now().UnixMilli() >= expiresAt {
		r.opts.observe(false)
		return zero, ErrMiss
	}

	payload, ok := vals[0].(string)
	if !ok {
		return zero, fmt.Errorf("unexpected cache payload type %T", vals[0])
	}

	var out V
	if err := r.codec.Unmarshal([]byte(payload), &out); err != nil {
		return zero, fmt.Errorf("decode cache payload: %w", err)
	}
	r.opts.observe(true)
	return out, nil
}

// Set implements Cache.
func (r *Redis[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	return r.SetAt(ctx, key, value, ttl, r.now())
}

// SetAt implements Cache.
func (r *Redis[V]) SetAt(ctx context.Context, key string, value V, ttl time.Duration, writtenAt time.Time) error {
	if err := validateWrite(key, ttl); err != nil {
		return err
	}

	payload, err := r.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}

	applied, err := lwwSetScript.Run(ctx, r.client, []string{r.key(key)},
		payload,
		writtenAt.UnixMicro(),
		writtenAt.Add(ttl).UnixMilli(),
		r.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis lww set: %w", err)
	}
	if applied == 0 {
		r.logger.Debug().Str("key", key).Time("dropped_written_at", writtenAt).Msg("dropping out-of-order write")
	}
	return nil
}

// Invalidate implements Cache.
func (r *Redis[V]) Invalidate(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (r *Redis[V]) Close() error { return nil }

var _ Cache[int] = (*Redis[int])(nil)
