package blobkit

import (
	"context"
	"testing"
	"time"

	"github.com/blobkit/blobkit/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		cfg         Config
		errContains string
	}{
		{
			name:        "unknown store",
			cfg:         Config{Store: "ftp", BucketURL: "ftp://host"},
			errContains: "unsupported store type",
		},
		{
			name:        "missing bucket URL",
			cfg:         Config{Store: store.GocloudStore},
			errContains: "bucket URL is required",
		},
		{
			name:        "bad file URL",
			cfg:         Config{Store: store.LocalFileStore, BucketURL: "http://localhost/blobs"},
			errContains: "must be file",
		},
		{
			name:        "negative concurrency",
			cfg:         Config{Store: store.GocloudStore, BucketURL: "mem://", MaxConcurrency: -1},
			errContains: "max concurrency",
		},
		{
			name:        "negative upload timeout",
			cfg:         Config{Store: store.GocloudStore, BucketURL: "mem://", UploadTimeout: -time.Second},
			errContains: "upload timeout",
		},
		{
			name:        "negative attempts",
			cfg:         Config{Store: store.GocloudStore, BucketURL: "mem://", MaxAttempts: -1},
			errContains: "max attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := Open(ctx, tt.cfg)
			require.Error(t, err)
			assert.Nil(t, session)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
			assert.ErrorContains(t, err, tt.errContains)
		})
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  func(t *testing.T) Config
	}{
		{
			name: "gocloud memory bucket",
			cfg: func(t *testing.T) Config {
				return Config{Store: store.GocloudStore, BucketURL: "mem://"}
			},
		},
		{
			name: "gocloud memory bucket compressed",
			cfg: func(t *testing.T) Config {
				return Config{Store: store.GocloudStore, BucketURL: "mem://", Compress: true}
			},
		},
		{
			name: "local file",
			cfg: func(t *testing.T) Config {
				return Config{Store: store.LocalFileStore, BucketURL: "file://" + t.TempDir(), ConfirmDeletes: true, PollInterval: time.Millisecond}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := Open(ctx, tt.cfg(t))
			require.NoError(t, err)
			t.Cleanup(func() { _ = session.Close() })

			report, err := session.ObjectStore().RunCycles(ctx, "test-container", "test-blob", testPayload, 3, true)
			require.NoError(t, err)
			assert.True(t, report.AllMatched())
			assert.NoError(t, report.Cleanup.Err())

			result, err := session.Uploader().UploadBatch(ctx, "uploads", uploadRequests(4))
			require.NoError(t, err)
			assert.Len(t, result.Succeeded, 4)

			wait, err := session.Waiter().AwaitVisible(ctx, "uploads", "file1.pdf", time.Millisecond, 3)
			require.NoError(t, err)
			assert.Equal(t, Visible, wait.Outcome)

			data, err := session.Backend().Get(ctx, "uploads", "file2.pdf")
			require.NoError(t, err)
			assert.Equal(t, "payload 2", string(data))
		})
	}
}

func TestNewSessionClosesBackend(t *testing.T) {
	backend := newFakeBackend()

	session, err := NewSession(backend, Config{MaxConcurrency: 2})
	require.NoError(t, err)

	require.NoError(t, session.Close())
	assert.True(t, backend.closed)
}
