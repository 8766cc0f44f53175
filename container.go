package blobkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/blobkit/blobkit/store"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// EnsureContainer creates the container, treating an existing one as success.
func EnsureContainer(ctx context.Context, backend store.Backend, name string) error {
	err := backend.CreateContainer(ctx, name)
	if err == nil || errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return fmt.Errorf("failed to create container %s: %w", name, err)
}

// CleanupContainer deletes every blob in the container and then the container
// itself. Failures are collected and logged, never returned: cleanup must not mask
// the result of the operation it follows.
func CleanupContainer(ctx context.Context, backend store.Backend, name string) (result CleanupResult) {
	ctx, span := trace.Start(ctx, "CleanupContainer")
	defer span.End()

	start := time.Now()
	result.Container = name

	defer func() {
		result.Duration = time.Since(start)
	}()

	keys, err := backend.List(ctx, name, "")
	switch {
	case errors.Is(err, store.ErrNotFound):
		result.ContainerDeleted = true
		return result
	case err != nil:
		result.Errs = append(result.Errs, fmt.Errorf("failed to list container: %w", err))
	}

	for _, key := range keys {
		if err := backend.Delete(ctx, name, key); err != nil && !errors.Is(err, store.ErrNotFound) {
			result.Errs = append(result.Errs, fmt.Errorf("failed to delete blob %s: %w", key, err))
			continue
		}
		result.BlobsDeleted++
	}

	err = backend.DeleteContainer(ctx, name)
	switch {
	case err == nil, errors.Is(err, store.ErrNotFound):
		result.ContainerDeleted = true
	default:
		result.Errs = append(result.Errs, fmt.Errorf("unable to delete container: %w", err))
	}

	span.SetAttributes(
		attribute.String("container", name),
		attribute.Int("blobs_deleted", result.BlobsDeleted),
		attribute.Bool("container_deleted", result.ContainerDeleted),
	)

	if cleanupErr := result.Err(); cleanupErr != nil {
		span.RecordError(cleanupErr)
		log.Warn().Err(cleanupErr).Str("container", name).Msg("container cleanup incomplete")
	} else {
		log.Debug().Str("container", name).Int("blobs_deleted", result.BlobsDeleted).Msg("container cleaned up")
	}

	return result
}
