package blobkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/blobkit/blobkit/store"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// UploadRequest describes one blob of a batch.
type UploadRequest struct {
	Key         string
	Payload     store.PayloadSource
	ContentType string
}

// TaskState is the lifecycle of a single upload inside a batch.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskInFlight
	TaskSucceeded
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskInFlight:
		return "in flight"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailedUpload pairs a blob with the error its upload resolved with.
type FailedUpload struct {
	Handle BlobHandle
	Err    error
}

// UploadBatchResult partitions a batch by outcome. Every slice preserves submission order.
type UploadBatchResult struct {
	Succeeded []BlobHandle
	Failed    []FailedUpload

	// Pending holds uploads that had not resolved when the wait was abandoned.
	Pending []BlobHandle

	// Cleanup is set when UploadConfig.CleanupContainer ran.
	Cleanup *CleanupResult

	Duration time.Duration
}

// Complete reports whether every upload resolved.
func (r *UploadBatchResult) Complete() bool {
	return len(r.Pending) == 0
}

// UploadConfig configures an AsyncUploadCoordinator.
type UploadConfig struct {
	// Timeout bounds the wait for a batch. Zero waits until the context ends.
	Timeout time.Duration

	// CleanupContainer removes the container once every upload of a batch resolved.
	CleanupContainer bool

	OnProgress ProgressCallback
}

// AsyncUploadCoordinator uploads batches of blobs concurrently and reports the
// outcome of each one.
//
// Abandoning a batch, through ctx or UploadConfig.Timeout, stops the wait only:
// puts that were already issued keep running against the backend.
type AsyncUploadCoordinator struct {
	backend store.AsyncBackend
	cfg     UploadConfig
}

func NewAsyncUploadCoordinator(backend store.AsyncBackend, cfg UploadConfig) *AsyncUploadCoordinator {
	return &AsyncUploadCoordinator{backend: backend, cfg: cfg}
}

type uploadTask struct {
	handle BlobHandle
	state  TaskState
	err    error
}

// completionTracker counts outstanding uploads. done is closed when remaining hits zero.
type completionTracker struct {
	mu        sync.Mutex
	tasks     []uploadTask
	remaining int
	done      chan struct{}
}

func newCompletionTracker(handles []BlobHandle) *completionTracker {
	t := &completionTracker{
		tasks:     make([]uploadTask, len(handles)),
		remaining: len(handles),
		done:      make(chan struct{}),
	}
	for i, h := range handles {
		t.tasks[i] = uploadTask{handle: h, state: TaskPending}
	}
	if t.remaining == 0 {
		close(t.done)
	}
	return t
}

func (t *completionTracker) markInFlight(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tasks[i].state == TaskPending {
		t.tasks[i].state = TaskInFlight
	}
}

// complete records the outcome of task i and returns how many tasks have resolved.
func (t *completionTracker) complete(i int, handle BlobHandle, err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	task := &t.tasks[i]
	if task.state == TaskSucceeded || task.state == TaskFailed {
		return len(t.tasks) - t.remaining
	}

	task.handle = handle
	if err != nil {
		task.state = TaskFailed
		task.err = err
	} else {
		task.state = TaskSucceeded
	}

	t.remaining--
	if t.remaining == 0 {
		close(t.done)
	}

	return len(t.tasks) - t.remaining
}

// partition snapshots the tasks in submission order.
func (t *completionTracker) partition() *UploadBatchResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := &UploadBatchResult{}
	for _, task := range t.tasks {
		switch task.state {
		case TaskSucceeded:
			result.Succeeded = append(result.Succeeded, task.handle)
		case TaskFailed:
			result.Failed = append(result.Failed, FailedUpload{Handle: task.handle, Err: task.err})
		default:
			result.Pending = append(result.Pending, task.handle)
		}
	}

	return result
}

// UploadBatch issues one asynchronous put per request without waiting in between,
// then waits for all of them to resolve.
//
// The result is never nil. The returned error wraps ErrPartialBatchFailure when at
// least one upload failed, and ErrBatchIncomplete together with the context error
// when the wait was abandoned; in that case the unresolved uploads are listed in
// UploadBatchResult.Pending.
func (c *AsyncUploadCoordinator) UploadBatch(ctx context.Context, container string, reqs []UploadRequest) (*UploadBatchResult, error) {
	ctx, span := trace.Start(ctx, "AsyncUploadCoordinator.UploadBatch")
	defer span.End()

	span.SetAttributes(
		attribute.String("container", container),
		attribute.Int("batch_size", len(reqs)),
	)

	start := time.Now()

	if err := EnsureContainer(ctx, c.backend, container); err != nil {
		return &UploadBatchResult{Duration: time.Since(start)}, trace.Fail(span, err, "failed to create container")
	}

	handles := make([]BlobHandle, len(reqs))
	for i, req := range reqs {
		handles[i] = NewBlobHandle(container, req.Key).WithContentType(req.ContentType)
	}

	tracker := newCompletionTracker(handles)

	// issued puts outlive the wait
	putCtx := context.WithoutCancel(ctx)

	for i, req := range reqs {
		tracker.markInFlight(i)

		// nothing to upload, the task fails on its own
		if req.Payload == nil {
			c.continuation(putCtx, tracker, i, handles[i], len(reqs))(nil, fmt.Errorf("%w: nil payload for %s", store.ErrIOFailure, handles[i]))
			continue
		}

		log.Debug().Str("container", container).Str("key", req.Key).Int("task", i).Msg("issuing upload")

		future := c.backend.PutAsync(putCtx, container, req.Key, req.Payload, &store.PutOptions{ContentType: req.ContentType})
		future.OnComplete(c.continuation(putCtx, tracker, i, handles[i], len(reqs)))
	}

	waitCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var waitErr error
	select {
	case <-tracker.done:
	case <-waitCtx.Done():
		waitErr = waitCtx.Err()
	}

	result := tracker.partition()

	if c.cfg.CleanupContainer && result.Complete() {
		callProgress(c.cfg.OnProgress, "cleanup", "Deleting container", 0, 0)

		cleanup := CleanupContainer(context.WithoutCancel(ctx), c.backend, container)
		result.Cleanup = &cleanup
	}

	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("succeeded", len(result.Succeeded)),
		attribute.Int("failed", len(result.Failed)),
		attribute.Int("pending", len(result.Pending)),
	)

	log.Info().
		Str("container", container).
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Int("pending", len(result.Pending)).
		Dur("duration", result.Duration).
		Msg("upload batch finished")

	callProgress(c.cfg.OnProgress, "complete", "Upload batch finished", len(result.Succeeded)+len(result.Failed), len(reqs))

	var errs []error
	if waitErr != nil {
		errs = append(errs, fmt.Errorf("%w: %d of %d uploads pending: %w", ErrBatchIncomplete, len(result.Pending), len(reqs), waitErr))
	}
	if len(result.Failed) > 0 {
		errs = append(errs, fmt.Errorf("%w: %d of %d uploads failed", ErrPartialBatchFailure, len(result.Failed), len(reqs)))
	}

	if err := errors.Join(errs...); err != nil {
		return result, trace.Fail(span, err, "batch did not fully succeed")
	}

	span.SetStatus(codes.Ok, "batch uploaded")

	return result, nil
}

func (c *AsyncUploadCoordinator) continuation(ctx context.Context, tracker *completionTracker, i int, handle BlobHandle, total int) func(*store.TransferInfo, error) {
	return func(info *store.TransferInfo, err error) {
		if err == nil {
			if info != nil {
				handle = handle.WithSize(info.BytesTransferred)
			}

			// resolved outside the tracker lock, the call may hit the network
			publicURI, urlErr := store.ResolvePublicURL(ctx, c.backend, handle.Container(), handle.Key())
			if urlErr != nil {
				log.Warn().Err(urlErr).Str("blob", handle.String()).Msg("failed to resolve public URI")
			}
			handle = handle.WithPublicURI(publicURI)
		} else {
			log.Warn().Err(err).Str("blob", handle.String()).Msg("upload failed")
		}

		resolved := tracker.complete(i, handle, err)

		callProgress(c.cfg.OnProgress, "uploading", fmt.Sprintf("Uploaded %s", handle.Key()), resolved, total)
	}
}
