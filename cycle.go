package blobkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/blobkit/blobkit/store"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// VerifyOutcome classifies a write/read cycle.
type VerifyOutcome int

const (
	// OutcomeMatch means the bytes read back equal the bytes written.
	OutcomeMatch VerifyOutcome = iota + 1
	// OutcomeMismatch means the bytes read back differ.
	OutcomeMismatch
	// OutcomeDeleteNotEffective means the blob was still visible after deletion.
	OutcomeDeleteNotEffective
	// OutcomeError means a backend operation failed, see VerifyResult.Err.
	OutcomeError
)

func (o VerifyOutcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeDeleteNotEffective:
		return "delete not effective"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// VerifyResult contains the outcome of a single cycle. Content mismatches and
// lingering blobs are outcomes, not errors.
type VerifyResult struct {
	Handle  BlobHandle
	Outcome VerifyOutcome

	// ExpectedLen and ActualLen are the written and read byte counts.
	ExpectedLen int
	ActualLen   int

	// Err is the backend failure behind OutcomeError.
	Err error

	// Transfer describes the put, nil if it failed.
	Transfer *store.TransferInfo

	Duration time.Duration
}

// AsError converts every outcome except OutcomeMatch into an error for reporting.
func (r VerifyResult) AsError() error {
	switch r.Outcome {
	case OutcomeMatch:
		return nil
	case OutcomeMismatch:
		return fmt.Errorf("%w: %s: expected %d bytes, read %d", ErrMismatch, r.Handle, r.ExpectedLen, r.ActualLen)
	case OutcomeDeleteNotEffective:
		return fmt.Errorf("%w: %s still exists", ErrDeleteNotEffective, r.Handle)
	default:
		return fmt.Errorf("cycle for %s failed: %w", r.Handle, r.Err)
	}
}

// CycleReport collects the results of RunCycles.
type CycleReport struct {
	Container string
	Results   []VerifyResult
	Cleanup   CleanupResult
	Duration  time.Duration
}

// Matched counts the cycles that ended in OutcomeMatch.
func (r CycleReport) Matched() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeMatch {
			n++
		}
	}
	return n
}

// AllMatched reports whether every cycle ended in OutcomeMatch.
func (r CycleReport) AllMatched() bool {
	return r.Matched() == len(r.Results)
}

// CycleConfig configures a SyncObjectStore.
type CycleConfig struct {
	// Waiter, when set, confirms deletes by polling instead of a single Exists probe.
	Waiter *EventualConsistencyWaiter

	OnProgress ProgressCallback
}

// SyncObjectStore runs blocking write, read, verify and delete cycles against a
// backend, one operation at a time.
type SyncObjectStore struct {
	backend    store.Backend
	waiter     *EventualConsistencyWaiter
	onProgress ProgressCallback
}

func NewSyncObjectStore(backend store.Backend, cfg CycleConfig) *SyncObjectStore {
	return &SyncObjectStore{
		backend:    backend,
		waiter:     cfg.Waiter,
		onProgress: cfg.OnProgress,
	}
}

// WriteReadVerifyCycle puts payload, reads it back and compares the bytes.
//
// A put failure or a NotFound on the read is reported as OutcomeError; a read that
// misses a blob that was just written is a consistency violation and is not retried.
func (s *SyncObjectStore) WriteReadVerifyCycle(ctx context.Context, container, key string, payload []byte) VerifyResult {
	ctx, span := trace.Start(ctx, "SyncObjectStore.WriteReadVerifyCycle")
	defer span.End()

	result := s.writeReadVerify(ctx, container, key, payload)
	recordVerifyResult(span, result)

	return result
}

// WriteReadDeleteCycle extends WriteReadVerifyCycle: once the blob has been read
// back it is deleted and must no longer exist. A blob that lingers is reported as
// OutcomeDeleteNotEffective, distinct from a content mismatch.
func (s *SyncObjectStore) WriteReadDeleteCycle(ctx context.Context, container, key string, payload []byte) VerifyResult {
	ctx, span := trace.Start(ctx, "SyncObjectStore.WriteReadDeleteCycle")
	defer span.End()

	start := time.Now()

	result := s.writeReadVerify(ctx, container, key, payload)
	if result.Outcome == OutcomeMatch || result.Outcome == OutcomeMismatch {
		outcome, err := s.deleteAndConfirm(ctx, container, key)
		// a mismatch stays the headline outcome
		if result.Outcome == OutcomeMatch {
			result.Outcome = outcome
			result.Err = err
		}
	}

	result.Duration = time.Since(start)
	recordVerifyResult(span, result)

	return result
}

// RunCycles runs n cycles sequentially on keys keyPrefix+i, deleting each blob when
// deleteBlobs is set, and finishes with a best-effort container cleanup whose
// failures are reported in CycleReport.Cleanup only.
//
// The returned error is set when n is negative, the container cannot be created or
// ctx ends the run early; the report is always populated with the cycles that ran.
func (s *SyncObjectStore) RunCycles(ctx context.Context, container, keyPrefix string, payload []byte, n int, deleteBlobs bool) (CycleReport, error) {
	ctx, span := trace.Start(ctx, "SyncObjectStore.RunCycles")
	defer span.End()

	span.SetAttributes(
		attribute.String("container", container),
		attribute.String("key_prefix", keyPrefix),
		attribute.Int("cycles", n),
		attribute.Int("payload_bytes", len(payload)),
		attribute.Bool("delete_blobs", deleteBlobs),
	)

	start := time.Now()

	if n < 0 {
		return CycleReport{Container: container}, trace.Fail(span,
			fmt.Errorf("%w: cycle count must not be negative, got %d", ErrInvalidConfiguration, n), "invalid cycle count")
	}

	report := CycleReport{Container: container, Results: make([]VerifyResult, 0, n)}

	if err := EnsureContainer(ctx, s.backend, container); err != nil {
		report.Duration = time.Since(start)
		return report, trace.Fail(span, err, "failed to create container")
	}

	var runErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		key := fmt.Sprintf("%s%d", keyPrefix, i)

		log.Debug().Int("cycle", i).Str("container", container).Str("key", key).Msg("starting cycle")

		var result VerifyResult
		if deleteBlobs {
			result = s.WriteReadDeleteCycle(ctx, container, key, payload)
		} else {
			result = s.WriteReadVerifyCycle(ctx, container, key, payload)
		}

		if err := result.AsError(); err != nil {
			log.Warn().Err(err).Int("cycle", i).Msg("cycle did not match")
		}

		report.Results = append(report.Results, result)
	}

	callProgress(s.onProgress, "cleanup", "Deleting container", 0, 0)

	// cleanup runs even when ctx was cancelled
	report.Cleanup = CleanupContainer(context.WithoutCancel(ctx), s.backend, container)
	report.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("matched", report.Matched()),
		attribute.Bool("cleanup_ok", report.Cleanup.Err() == nil),
	)

	callProgress(s.onProgress, "complete", "Cycles finished", len(report.Results), n)

	if runErr != nil {
		return report, trace.Fail(span, runErr, "cycles interrupted")
	}

	span.SetStatus(codes.Ok, "cycles finished")

	return report, nil
}

// Publish stores a blob with a content type and returns its handle, including the
// public URI when the backend can resolve one.
func (s *SyncObjectStore) Publish(ctx context.Context, container, key string, payload []byte, contentType string) (BlobHandle, error) {
	ctx, span := trace.Start(ctx, "SyncObjectStore.Publish")
	defer span.End()

	handle := NewBlobHandle(container, key).WithContentType(contentType)

	if err := EnsureContainer(ctx, s.backend, container); err != nil {
		return handle, trace.Fail(span, err, "failed to create container")
	}

	info, err := s.backend.Put(ctx, container, key, bytes.NewReader(payload), &store.PutOptions{ContentType: contentType})
	if err != nil {
		return handle, trace.Fail(span, fmt.Errorf("failed to put blob %s: %w", handle, err), "failed to put blob")
	}

	handle = handle.WithSize(info.BytesTransferred)

	publicURI, err := store.ResolvePublicURL(ctx, s.backend, container, key)
	if err != nil {
		log.Warn().Err(err).Str("blob", handle.String()).Msg("failed to resolve public URI")
	}

	return handle.WithPublicURI(publicURI), nil
}

// UploadToDirectory puts each file under dir/<file name>, one after the other,
// stopping at the first failure.
func (s *SyncObjectStore) UploadToDirectory(ctx context.Context, container, dir string, files []string) ([]BlobHandle, error) {
	ctx, span := trace.Start(ctx, "SyncObjectStore.UploadToDirectory")
	defer span.End()

	if err := EnsureContainer(ctx, s.backend, container); err != nil {
		return nil, trace.Fail(span, err, "failed to create container")
	}

	handles := make([]BlobHandle, 0, len(files))
	for i, file := range files {
		key := path.Join(strings.Trim(dir, "/"), filepath.Base(file))

		callProgress(s.onProgress, "writing", fmt.Sprintf("Uploading %s", key), i, len(files))

		rc, err := store.FilePayload(file)()
		if err != nil {
			return handles, trace.Fail(span, fmt.Errorf("%w: %w", store.ErrIOFailure, err), "failed to open file")
		}

		info, err := s.backend.Put(ctx, container, key, rc, nil)
		_ = rc.Close()
		if err != nil {
			return handles, trace.Fail(span, fmt.Errorf("failed to put blob %s/%s: %w", container, key, err), "failed to put blob")
		}

		handles = append(handles, NewBlobHandle(container, key).WithSize(info.BytesTransferred))
	}

	callProgress(s.onProgress, "complete", "Directory upload finished", len(files), len(files))

	return handles, nil
}

// ListDirectory returns the full keys stored under dir/.
func (s *SyncObjectStore) ListDirectory(ctx context.Context, container, dir string) ([]string, error) {
	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		prefix += "/"
	}

	keys, err := s.backend.List(ctx, container, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", container, prefix, err)
	}

	return keys, nil
}

func (s *SyncObjectStore) writeReadVerify(ctx context.Context, container, key string, payload []byte) VerifyResult {
	start := time.Now()

	result := VerifyResult{
		Handle:      NewBlobHandle(container, key).WithSize(int64(len(payload))),
		ExpectedLen: len(payload),
	}

	callProgress(s.onProgress, "writing", fmt.Sprintf("Writing blob %s", key), 0, 0)

	info, err := s.backend.Put(ctx, container, key, bytes.NewReader(payload), nil)
	if err != nil {
		result.Outcome = OutcomeError
		result.Err = fmt.Errorf("failed to put blob: %w", err)
		result.Duration = time.Since(start)
		return result
	}
	result.Transfer = info

	callProgress(s.onProgress, "reading", fmt.Sprintf("Reading blob %s", key), 0, 0)

	read, err := s.backend.Get(ctx, container, key)
	if err != nil {
		result.Outcome = OutcomeError
		result.Err = fmt.Errorf("failed to get blob: %w", err)
		result.Duration = time.Since(start)
		return result
	}

	callProgress(s.onProgress, "verifying", fmt.Sprintf("Verifying blob %s", key), 0, 0)

	result.ActualLen = len(read)
	if bytes.Equal(payload, read) {
		result.Outcome = OutcomeMatch
	} else {
		result.Outcome = OutcomeMismatch
	}

	result.Duration = time.Since(start)

	return result
}

func (s *SyncObjectStore) deleteAndConfirm(ctx context.Context, container, key string) (VerifyOutcome, error) {
	callProgress(s.onProgress, "deleting", fmt.Sprintf("Deleting blob %s", key), 0, 0)

	if err := s.backend.Delete(ctx, container, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return OutcomeError, fmt.Errorf("failed to delete blob: %w", err)
	}

	if s.waiter != nil {
		wait, err := s.waiter.AwaitDeleted(ctx, container, key, s.waiter.pollInterval, s.waiter.maxAttempts)
		if err != nil {
			return OutcomeError, fmt.Errorf("failed to confirm delete: %w", err)
		}
		if wait.Outcome != Gone {
			return OutcomeDeleteNotEffective, nil
		}
		return OutcomeMatch, nil
	}

	exists, err := s.backend.Exists(ctx, container, key)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to check blob after delete: %w", err)
	}
	if exists {
		return OutcomeDeleteNotEffective, nil
	}

	return OutcomeMatch, nil
}

func recordVerifyResult(span oteltrace.Span, result VerifyResult) {
	span.SetAttributes(
		attribute.String("container", result.Handle.Container()),
		attribute.String("key", result.Handle.Key()),
		attribute.String("outcome", result.Outcome.String()),
		attribute.Int("expected_len", result.ExpectedLen),
		attribute.Int("actual_len", result.ActualLen),
	)

	if err := result.AsError(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result.Outcome.String())
	}
}
