package blobkit

import (
	"context"
	"fmt"
	"time"

	"github.com/blobkit/blobkit/store"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for opening a Session.
//
// Store and BucketURL are required. All other fields have defaults.
type Config struct {
	// Store is the backend type: store.LocalFileStore, store.S3Store or store.GocloudStore.
	Store string

	// BucketURL locates the backend.
	// Examples: "file:///tmp/blobs", "s3://namespace?region=eu-west-1", "mem://"
	BucketURL string

	// Compress stores blobs zstd compressed. Reads are decompressed transparently.
	Compress bool

	// MaxConcurrency bounds the number of puts in flight during a batch upload.
	// Zero leaves it unbounded.
	MaxConcurrency int64

	// UploadTimeout bounds the wait for a batch upload. Zero waits until the context ends.
	UploadTimeout time.Duration

	// PollInterval and MaxAttempts drive the EventualConsistencyWaiter. They default
	// to DefaultPollInterval and DefaultMaxAttempts.
	PollInterval time.Duration
	MaxAttempts  int

	// ConfirmDeletes makes cycles confirm deletes by polling instead of a single
	// Exists probe.
	ConfirmDeletes bool

	// CleanupAfterUpload removes the container once a batch upload fully resolved.
	CleanupAfterUpload bool

	// OnProgress is an optional callback for progress updates. It must be thread-safe
	// as it may be called from multiple goroutines.
	OnProgress ProgressCallback
}

// Session owns a backend and the components built on top of it.
type Session struct {
	backend     store.Backend
	objectStore *SyncObjectStore
	uploader    *AsyncUploadCoordinator
	waiter      *EventualConsistencyWaiter
}

// Open validates cfg, connects to the configured backend and builds a Session.
// Configuration problems are returned wrapped in ErrInvalidConfiguration.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if !store.IsValidStore(cfg.Store) {
		return nil, fmt.Errorf("%w: unsupported store type %q", ErrInvalidConfiguration, cfg.Store)
	}
	if cfg.BucketURL == "" {
		return nil, fmt.Errorf("%w: bucket URL is required", ErrInvalidConfiguration)
	}

	backend, err := store.NewBackend(ctx, cfg.Store, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create backend: %w", ErrInvalidConfiguration, err)
	}

	session, err := NewSession(backend, cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	log.Debug().Str("store", cfg.Store).Str("bucket_url", cfg.BucketURL).Bool("compress", cfg.Compress).Msg("session opened")

	return session, nil
}

// NewSession builds a Session around an existing backend. cfg.Store and
// cfg.BucketURL are ignored. The session takes ownership of backend.
func NewSession(backend store.Backend, cfg Config) (*Session, error) {
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("%w: max concurrency must not be negative, got %d", ErrInvalidConfiguration, cfg.MaxConcurrency)
	}
	if cfg.UploadTimeout < 0 {
		return nil, fmt.Errorf("%w: upload timeout must not be negative, got %s", ErrInvalidConfiguration, cfg.UploadTimeout)
	}
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("%w: poll interval must not be negative, got %s", ErrInvalidConfiguration, cfg.PollInterval)
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max attempts must not be negative, got %d", ErrInvalidConfiguration, cfg.MaxAttempts)
	}

	if cfg.Compress {
		compressed, err := store.NewCompressingBackend(backend)
		if err != nil {
			return nil, fmt.Errorf("failed to create compressing backend: %w", err)
		}
		backend = compressed
	}

	waiter := NewEventualConsistencyWaiter(backend, WaiterConfig{
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
	})

	cycleCfg := CycleConfig{OnProgress: cfg.OnProgress}
	if cfg.ConfirmDeletes {
		cycleCfg.Waiter = waiter
	}

	return &Session{
		backend:     backend,
		objectStore: NewSyncObjectStore(backend, cycleCfg),
		uploader: NewAsyncUploadCoordinator(store.AsAsync(backend, cfg.MaxConcurrency), UploadConfig{
			Timeout:          cfg.UploadTimeout,
			CleanupContainer: cfg.CleanupAfterUpload,
			OnProgress:       cfg.OnProgress,
		}),
		waiter: waiter,
	}, nil
}

func (s *Session) Backend() store.Backend { return s.backend }

func (s *Session) ObjectStore() *SyncObjectStore { return s.objectStore }

func (s *Session) Uploader() *AsyncUploadCoordinator { return s.uploader }

func (s *Session) Waiter() *EventualConsistencyWaiter { return s.waiter }

// Close releases the backend.
func (s *Session) Close() error {
	return s.backend.Close()
}
