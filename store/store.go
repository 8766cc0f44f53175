package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"
)

const (
	// local file store type
	LocalFileStore = "local_file"
	// s3 compatible store type
	S3Store = "s3"
	// gocloud.dev url store type (mem://, file://, s3://)
	GocloudStore = "gocloud"
)

// Sentinel errors returned by every Backend. Callers match them with errors.Is.
var (
	// ErrNotFound is returned when the container or the blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by CreateContainer for an existing container.
	ErrAlreadyExists = errors.New("already exists")

	// ErrIOFailure wraps any provider failure that is not one of the other kinds.
	ErrIOFailure = errors.New("io failure")

	// ErrContainerNotEmpty is returned by DeleteContainer while blobs remain.
	ErrContainerNotEmpty = errors.New("container not empty")
)

// Backend is the capability contract a storage provider implements.
//
// Containers are flat namespaces of blobs; keys may contain "/" to model directories.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Put stores the payload under container/key, replacing any existing blob.
	Put(ctx context.Context, container, key string, payload io.Reader, opts *PutOptions) (*TransferInfo, error)

	// Get returns the full contents of the blob.
	Get(ctx context.Context, container, key string) ([]byte, error)

	// Exists reports whether the blob is currently visible.
	Exists(ctx context.Context, container, key string) (bool, error)

	// Delete removes the blob. A missing blob returns ErrNotFound.
	Delete(ctx context.Context, container, key string) error

	// List returns the keys in container starting with prefix, sorted lexicographically.
	List(ctx context.Context, container, prefix string) ([]string, error)

	// CreateContainer creates the named container.
	CreateContainer(ctx context.Context, name string) error

	// DeleteContainer removes an empty container.
	DeleteContainer(ctx context.Context, name string) error

	// Close releases the provider connection.
	Close() error
}

// AsyncBackend is a Backend that can issue puts without blocking the caller.
type AsyncBackend interface {
	Backend

	// PutAsync starts a put and returns a Future resolved when it completes.
	PutAsync(ctx context.Context, container, key string, payload PayloadSource, opts *PutOptions) *Future
}

// PublicURLResolver is implemented by backends that can address blobs externally.
type PublicURLResolver interface {
	PublicURL(ctx context.Context, container, key string) (*url.URL, error)
}

// ResolvePublicURL returns the public URL of a blob, or nil when backend has no
// public addressing.
func ResolvePublicURL(ctx context.Context, backend Backend, container, key string) (*url.URL, error) {
	resolver, ok := backend.(PublicURLResolver)
	if !ok {
		return nil, nil
	}
	return resolver.PublicURL(ctx, container, key)
}

// PutOptions carries optional blob metadata.
type PutOptions struct {
	ContentType string
}

func (o *PutOptions) contentType() string {
	if o == nil {
		return ""
	}
	return o.ContentType
}

type TransferInfo struct {
	BytesTransferred int64
	TransferSpeed    float64 // in MB/s
	RequestID        string
	Duration         time.Duration
}

func IsValidStore(storeType string) bool {
	switch storeType {
	case LocalFileStore, S3Store, GocloudStore:
		return true
	default:
		return false
	}
}

// NewBackend opens the provider for storeType using bucketURL.
func NewBackend(ctx context.Context, storeType string, bucketURL string) (Backend, error) {
	switch storeType {
	case LocalFileStore:
		return NewLocalFileBackend(ctx, bucketURL)
	case S3Store:
		return NewS3Backend(ctx, bucketURL)
	case GocloudStore:
		return NewGocloudBackend(ctx, bucketURL)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}

// calculateTransferSpeedMBps calculates transfer speed in MB/s (decimal megabytes)
// using the formula: bytes / duration_in_seconds / 1,000,000
func calculateTransferSpeedMBps(bytes int64, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(bytes) / duration.Seconds() / 1000 / 1000
}

func newTransferInfo(bytes int64, start time.Time, requestID string) *TransferInfo {
	duration := time.Since(start)
	return &TransferInfo{
		BytesTransferred: bytes,
		TransferSpeed:    calculateTransferSpeedMBps(bytes, duration),
		RequestID:        requestID,
		Duration:         duration,
	}
}
