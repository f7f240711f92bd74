package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"riskwatch/internal/metrics"
	"riskwatch/internal/storage"
)

// ErrDispatchFailure is returned when a notification could not be delivered
// within its retry budget, or its key already failed.
var ErrDispatchFailure = errors.New("alerting: dispatch failure")

// ErrDispatchInFlight is returned when another caller holds the lease on a
// pending key. The holder owns delivery.
var ErrDispatchInFlight = errors.New("alerting: dispatch in flight")

// DispatcherOptions bounds delivery.
type DispatcherOptions struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout is the overall deadline for all attempts of one key. A pending
	// record untouched for longer is taken over by the next caller.
	Timeout time.Duration
	// RatePerSecond caps sends across all keys; zero disables limiting.
	RatePerSecond float64
	Burst         int
	Now           func() time.Time
}

// Dispatcher delivers messages at least once, deduplicated by idempotency key.
type Dispatcher struct {
	channel Channel
	ledger  storage.DispatchLedger
	limiter *rate.Limiter
	opts    DispatcherOptions
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewDispatcher applies option defaults.
func NewDispatcher(opts DispatcherOptions, channel Channel, ledger storage.DispatchLedger, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Dispatcher{
		channel: channel,
		ledger:  ledger,
		limiter: limiter,
		opts:    opts,
		now:     now,
		metrics: m,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers req once per idempotency key. A key already delivered is
// a no-op; a key already failed is not retried.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	msg := req.Message
	if msg.Key == "" {
		msg.Key = IdempotencyKey(msg.SubscriptionID, msg.TriggeredAt)
	}
	log := d.logger.With().Str("key", msg.Key).Str("subscription_id", msg.SubscriptionID).Logger()

	rec, created, err := d.ledger.BeginDispatch(ctx, msg.Key, msg.SubscriptionID, d.now())
	if err != nil {
		return fmt.Errorf("%w: record %s: %w", ErrDispatchFailure, msg.Key, err)
	}
	if !created {
		switch rec.Status {
		case storage.DispatchDelivered:
			d.metrics.Dispatched("duplicate", 0)
			log.Debug().Msg("already delivered")
			return nil
		case storage.DispatchFailed:
			d.metrics.Dispatched("duplicate", 0)
			return fmt.Errorf("%w: %s previously failed: %s", ErrDispatchFailure, msg.Key, rec.LastError)
		default:
			now := d.now()
			ok, err := d.ledger.TakeOverDispatch(ctx, msg.Key, now.Add(-d.opts.Timeout), now)
			if err != nil {
				return fmt.Errorf("%w: take over %s: %w", ErrDispatchFailure, msg.Key, err)
			}
			if !ok {
				d.metrics.Dispatched("in_flight", 0)
				return fmt.Errorf("%w: %s", ErrDispatchInFlight, msg.Key)
			}
			log.Info().Int("attempts", rec.Attempts).Msg("resuming abandoned dispatch")
		}
	}

	attempts, err := d.deliver(ctx, req.Destination, msg, log)
	total := rec.Attempts + attempts

	// The ledger must be updated even when ctx is done.
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		if cerr := d.ledger.CompleteDispatch(wctx, msg.Key, storage.DispatchFailed, total, err.Error(), d.now()); cerr != nil {
			log.Error().Err(cerr).Msg("record dispatch failure")
		}
		d.metrics.Dispatched("failed", attempts)
		log.Error().Err(err).Int("attempts", attempts).Str("destination", req.Destination).Msg("dispatch failed")
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrDispatchFailure, msg.Key, attempts, err)
	}

	if cerr := d.ledger.CompleteDispatch(wctx, msg.Key, storage.DispatchDelivered, total, "", d.now()); cerr != nil {
		log.Error().Err(cerr).Msg("record dispatch delivery")
	}
	d.metrics.Dispatched("delivered", attempts)
	log.Info().Int("attempts", attempts).Msg("alert delivered")
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, destination string, msg Message, log zerolog.Logger) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.opts.InitialInterval
	expo.MaxInterval = d.opts.MaxInterval
	expo.MaxElapsedTime = 0
	expo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(d.opts.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("rate limit: %w", err))
			}
		}
		attempts++
		err := d.channel.Send(ctx, destination, msg)
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", wait).Msg("delivery attempt failed")
	}

	err := backoff.RetryNotify(op, policy, notify)
	return attempts, err
}
