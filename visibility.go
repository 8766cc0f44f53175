package blobkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/blobkit/blobkit/store"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxAttempts  = 10
)

// WaitOutcome is the result of a consistency wait.
type WaitOutcome int

const (
	// Visible means the blob was observed to exist.
	Visible WaitOutcome = iota + 1
	// Gone means the blob was observed to no longer exist.
	Gone
	// TimedOut means every attempt was used without observing the wanted state.
	TimedOut
)

func (o WaitOutcome) String() string {
	switch o {
	case Visible:
		return "visible"
	case Gone:
		return "gone"
	case TimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// WaitResult reports how a consistency wait ended.
type WaitResult struct {
	Outcome WaitOutcome

	// Attempts is the number of Exists calls made.
	Attempts int

	// LastErr is the most recent Exists failure, if any. Failed probes count as attempts.
	LastErr error

	Elapsed time.Duration
}

// Err maps a TimedOut outcome to ErrTimedOut, nil otherwise.
func (r WaitResult) Err() error {
	if r.Outcome != TimedOut {
		return nil
	}
	err := fmt.Errorf("%w after %d attempts", ErrTimedOut, r.Attempts)
	if r.LastErr != nil {
		return errors.Join(err, r.LastErr)
	}
	return err
}

// BackoffPolicy builds the delay schedule between polls from the requested interval.
// A policy returning backoff.Stop ends the wait early with TimedOut.
type BackoffPolicy func(pollInterval time.Duration) backoff.BackOff

// FixedInterval polls at exactly pollInterval.
func FixedInterval(pollInterval time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(pollInterval)
}

// ExponentialInterval starts at pollInterval and doubles up to 30 times the interval.
func ExponentialInterval(pollInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollInterval
	b.MaxInterval = 30 * pollInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// WaiterConfig configures an EventualConsistencyWaiter. Zero values use defaults.
type WaiterConfig struct {
	// Backoff defaults to FixedInterval.
	Backoff BackoffPolicy

	// PollInterval and MaxAttempts are used when the waiter confirms deletes for a
	// SyncObjectStore.
	PollInterval time.Duration
	MaxAttempts  int
}

// EventualConsistencyWaiter polls a backend until a blob reaches the wanted visibility.
type EventualConsistencyWaiter struct {
	backend      store.Backend
	backoff      BackoffPolicy
	pollInterval time.Duration
	maxAttempts  int
}

func NewEventualConsistencyWaiter(backend store.Backend, cfg WaiterConfig) *EventualConsistencyWaiter {
	if cfg.Backoff == nil {
		cfg.Backoff = FixedInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	return &EventualConsistencyWaiter{
		backend:      backend,
		backoff:      cfg.Backoff,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
	}
}

// AwaitVisible polls Exists up to maxAttempts times and returns Visible on the first
// true observation. Exhausting the attempts returns TimedOut with a nil error: on
// eventually consistent backends that is an expected outcome. The error is only set
// for invalid arguments or when ctx ends the wait.
func (w *EventualConsistencyWaiter) AwaitVisible(ctx context.Context, container, key string, pollInterval time.Duration, maxAttempts int) (WaitResult, error) {
	return w.await(ctx, "EventualConsistencyWaiter.AwaitVisible", container, key, pollInterval, maxAttempts, true)
}

// AwaitDeleted is AwaitVisible for the opposite state, returning Gone once Exists
// reports false.
func (w *EventualConsistencyWaiter) AwaitDeleted(ctx context.Context, container, key string, pollInterval time.Duration, maxAttempts int) (WaitResult, error) {
	return w.await(ctx, "EventualConsistencyWaiter.AwaitDeleted", container, key, pollInterval, maxAttempts, false)
}

func (w *EventualConsistencyWaiter) await(ctx context.Context, name, container, key string, pollInterval time.Duration, maxAttempts int, wantExists bool) (WaitResult, error) {
	ctx, span := trace.Start(ctx, name)
	defer span.End()

	span.SetAttributes(
		attribute.String("container", container),
		attribute.String("key", key),
		attribute.Int64("poll_interval_ms", pollInterval.Milliseconds()),
		attribute.Int("max_attempts", maxAttempts),
	)

	if maxAttempts < 1 {
		return WaitResult{}, fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidConfiguration, maxAttempts)
	}
	if pollInterval < 0 {
		return WaitResult{}, fmt.Errorf("%w: negative poll interval %s", ErrInvalidConfiguration, pollInterval)
	}

	reached := Visible
	if !wantExists {
		reached = Gone
	}

	policy := w.backoff(pollInterval)
	policy.Reset()

	start := time.Now()
	result := WaitResult{Outcome: TimedOut}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(start)
			return result, trace.Fail(span, err, "wait cancelled")
		}

		result.Attempts = attempt

		exists, err := w.backend.Exists(ctx, container, key)
		if err != nil {
			result.LastErr = err
			log.Debug().Err(err).Str("container", container).Str("key", key).Int("attempt", attempt).Msg("exists probe failed")
		} else if exists == wantExists {
			result.Outcome = reached
			break
		}

		if attempt == maxAttempts {
			break
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		if err := sleep(ctx, delay); err != nil {
			result.Elapsed = time.Since(start)
			return result, trace.Fail(span, err, "wait cancelled")
		}
	}

	result.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.String("outcome", result.Outcome.String()),
		attribute.Int("attempts", result.Attempts),
	)

	if result.Outcome == TimedOut {
		span.SetStatus(codes.Error, "timed out")
		log.Debug().Str("container", container).Str("key", key).Int("attempts", result.Attempts).Msg("consistency wait timed out")
	}

	return result, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
