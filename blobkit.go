// Package blobkit provides a provider-agnostic object storage layer with
// synchronous and asynchronous upload orchestration.
//
// The main entry point is Open, which creates a Session owning a storage
// backend (local filesystem, S3 compatible or any gocloud.dev bucket URL). The
// session builds the three components that sit on top of a store.Backend:
//
//   - SyncObjectStore runs write, read, verify and delete cycles.
//   - AsyncUploadCoordinator uploads batches of blobs concurrently.
//   - EventualConsistencyWaiter polls until a blob becomes visible.
//
// Basic usage:
//
//	session, err := blobkit.Open(ctx, blobkit.Config{
//	    Store:     store.LocalFileStore,
//	    BucketURL: "file:///tmp/blobs",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	report, err := session.ObjectStore().RunCycles(ctx, "test-container", "test-blob", payload, 5, true)
//
//	result, err := session.Uploader().UploadBatch(ctx, "test-container", []blobkit.UploadRequest{
//	    {Key: "a.pdf", Payload: store.FilePayload("a.pdf")},
//	})
package blobkit

import (
	"errors"
	"time"
)

// Sentinel errors for reportable outcomes
var (
	// ErrInvalidConfiguration is returned when configuration validation fails
	// during session creation.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrMismatch reports that bytes read back differ from the bytes written.
	ErrMismatch = errors.New("content mismatch")

	// ErrDeleteNotEffective reports that a blob was still visible after deletion.
	ErrDeleteNotEffective = errors.New("delete not effective")

	// ErrTimedOut reports that a consistency wait exhausted its attempts.
	ErrTimedOut = errors.New("timed out waiting for consistency")

	// ErrPartialBatchFailure is returned when one or more uploads in a batch failed.
	ErrPartialBatchFailure = errors.New("partial batch failure")

	// ErrBatchIncomplete is returned when the wait for a batch was abandoned
	// before every upload resolved.
	ErrBatchIncomplete = errors.New("batch incomplete")
)

// ProgressCallback is called during long-running operations to report progress.
//
// Implementations must be thread-safe as the callback may be called from
// multiple goroutines.
//
// Cycle stages:
//   - "writing", "reading", "verifying", "deleting": Per blob, current and total are zero
//   - "cleanup": Deleting the container
//   - "complete": Operation finished (current=cycles run, total=cycles requested)
//
// Upload stages:
//   - "uploading": An upload resolved (current=resolved uploads, total=batch size)
//   - "cleanup": Deleting the container
//   - "complete": Operation finished
type ProgressCallback func(stage string, message string, current int, total int)

// callProgress safely calls the progress callback if it exists
func callProgress(fn ProgressCallback, stage string, message string, current int, total int) {
	if fn == nil {
		return
	}
	// Protect against panics in user-provided callback
	defer func() {
		_ = recover()
	}()
	fn(stage, message, current, total)
}

// CleanupResult describes a best-effort container removal. It is reported, never
// returned as an error.
type CleanupResult struct {
	Container string

	// BlobsDeleted counts blobs removed before deleting the container.
	BlobsDeleted int

	// ContainerDeleted is true when the container no longer exists.
	ContainerDeleted bool

	// Errs holds every failure encountered, in order.
	Errs []error

	Duration time.Duration
}

// Err joins the cleanup failures, nil when cleanup succeeded.
func (r CleanupResult) Err() error {
	return errors.Join(r.Errs...)
}
