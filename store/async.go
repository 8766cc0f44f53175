package store

import (
	"context"
	"fmt"
	"net/url"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// AsyncAdapter turns a synchronous Backend into an AsyncBackend by running every
// put on its own goroutine. With a positive maxConcurrency the number of puts
// talking to the provider at once is bounded; otherwise fan-out is unbounded.
type AsyncAdapter struct {
	Backend
	sem *semaphore.Weighted
}

// Ensure AsyncAdapter implements the AsyncBackend interface
var _ AsyncBackend = (*AsyncAdapter)(nil)

func NewAsyncAdapter(backend Backend, maxConcurrency int64) *AsyncAdapter {
	a := &AsyncAdapter{Backend: backend}
	if maxConcurrency > 0 {
		a.sem = semaphore.NewWeighted(maxConcurrency)
	}
	return a
}

// AsAsync returns backend itself when it is already asynchronous, otherwise wraps it.
func AsAsync(backend Backend, maxConcurrency int64) AsyncBackend {
	if async, ok := backend.(AsyncBackend); ok {
		return async
	}
	return NewAsyncAdapter(backend, maxConcurrency)
}

// PublicURL forwards to the wrapped backend when it can resolve public URLs.
func (a *AsyncAdapter) PublicURL(ctx context.Context, container, key string) (*url.URL, error) {
	return ResolvePublicURL(ctx, a.Backend, container, key)
}

// PutAsync never blocks; errors opening the payload or acquiring a slot resolve the future.
func (a *AsyncAdapter) PutAsync(ctx context.Context, container, key string, payload PayloadSource, opts *PutOptions) *Future {
	if payload == nil {
		return ResolvedFuture(nil, fmt.Errorf("%w: nil payload for %s/%s", ErrIOFailure, container, key))
	}

	future := NewFuture()

	go func() {
		ctx, span := trace.Start(ctx, "AsyncAdapter.PutAsync")
		defer span.End()

		span.SetAttributes(
			attribute.String("container", container),
			attribute.String("key", key),
		)

		if a.sem != nil {
			if err := a.sem.Acquire(ctx, 1); err != nil {
				span.RecordError(err)
				future.Resolve(nil, fmt.Errorf("failed to acquire upload slot: %w", err))
				return
			}
			defer a.sem.Release(1)
		}

		rc, err := payload()
		if err != nil {
			span.RecordError(err)
			future.Resolve(nil, fmt.Errorf("%w: %w", ErrIOFailure, err))
			return
		}
		defer func() {
			_ = rc.Close()
		}()

		info, err := a.Backend.Put(ctx, container, key, rc, opts)
		if err != nil {
			span.RecordError(err)
			log.Debug().Err(err).Str("container", container).Str("key", key).Msg("async put failed")
		}

		future.Resolve(info, err)
	}()

	return future
}
