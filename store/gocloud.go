package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // Local file driver
	_ "gocloud.dev/blob/memblob"  // In-memory driver for testing
	_ "gocloud.dev/blob/s3blob"   // AWS S3 driver
	"gocloud.dev/gcerrors"
)

// containerMarker is written under each container prefix so empty containers exist.
const containerMarker = reservedPrefix + "container"

// GocloudBackend implements the Backend interface on a single gocloud.dev bucket.
// Containers are top level prefixes ("<container>/") holding a marker object.
type GocloudBackend struct {
	bucket *blob.Bucket
}

// Ensure GocloudBackend implements the Backend interface
var _ Backend = (*GocloudBackend)(nil)

// NewGocloudBackend opens a bucket using a gocloud.dev URL.
// For in-memory: "mem://"
// For local development: "file:///path/to/directory"
// For S3: "s3://bucket-name?region=us-east-1"
// A "prefix" query parameter scopes every container under that prefix.
func NewGocloudBackend(ctx context.Context, blobURL string) (*GocloudBackend, error) {
	bucket, err := blob.OpenBucket(ctx, blobURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob bucket: %w", err)
	}

	log.Debug().Str("url", blobURL).Msg("configured gocloud bucket")

	return NewGocloudBackendFromBucket(bucket), nil
}

// NewGocloudBackendFromBucket wraps an already opened bucket. The backend owns it
// and closes it in Close.
func NewGocloudBackendFromBucket(bucket *blob.Bucket) *GocloudBackend {
	return &GocloudBackend{bucket: bucket}
}

// Close closes the underlying bucket connection
func (b *GocloudBackend) Close() error {
	return b.bucket.Close()
}

// Put streams the payload into a blob writer.
func (b *GocloudBackend) Put(ctx context.Context, container, key string, payload io.Reader, opts *PutOptions) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "GocloudBackend.Put")
	defer span.End()

	start := time.Now()

	if err := validateBlobRef(container, key); err != nil {
		return nil, err
	}

	if err := b.checkContainer(ctx, container); err != nil {
		span.RecordError(err)
		return nil, err
	}

	fullKey := blobKey(container, key)

	writer, err := b.bucket.NewWriter(ctx, fullKey, &blob.WriterOptions{ContentType: opts.contentType()})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create blob writer: %w", ErrIOFailure, err)
	}

	bytesWritten, err := io.Copy(writer, payload)
	if err != nil {
		_ = writer.Close()
		span.RecordError(err)
		return nil, fmt.Errorf("%w: failed to copy payload to blob: %w", ErrIOFailure, err)
	}

	// Close the writer to commit the upload
	if err := writer.Close(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: failed to close blob writer: %w", ErrIOFailure, err)
	}

	info := newTransferInfo(bytesWritten, start, "") // gocloud.dev doesn't expose request IDs

	span.SetAttributes(
		attribute.Int64("bytes_transferred", bytesWritten),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("blob_key", fullKey),
	)

	return info, nil
}

// Get reads the whole blob.
func (b *GocloudBackend) Get(ctx context.Context, container, key string) ([]byte, error) {
	ctx, span := trace.Start(ctx, "GocloudBackend.Get")
	defer span.End()

	if err := validateBlobRef(container, key); err != nil {
		return nil, err
	}

	data, err := b.bucket.ReadAll(ctx, blobKey(container, key))
	if err != nil {
		span.RecordError(err)
		return nil, mapGocloudError(err, "failed to read blob")
	}

	span.SetAttributes(attribute.Int("bytes_read", len(data)))

	return data, nil
}

func (b *GocloudBackend) Exists(ctx context.Context, container, key string) (bool, error) {
	if err := validateBlobRef(container, key); err != nil {
		return false, err
	}

	ok, err := b.bucket.Exists(ctx, blobKey(container, key))
	if err != nil {
		return false, mapGocloudError(err, "failed to check blob")
	}
	return ok, nil
}

func (b *GocloudBackend) Delete(ctx context.Context, container, key string) error {
	ctx, span := trace.Start(ctx, "GocloudBackend.Delete")
	defer span.End()

	if err := validateBlobRef(container, key); err != nil {
		return err
	}

	if err := b.bucket.Delete(ctx, blobKey(container, key)); err != nil {
		span.RecordError(err)
		return mapGocloudError(err, "failed to delete blob")
	}

	return nil
}

// List iterates the container prefix, hiding the container marker.
func (b *GocloudBackend) List(ctx context.Context, container, prefix string) ([]string, error) {
	ctx, span := trace.Start(ctx, "GocloudBackend.List")
	defer span.End()

	if err := b.checkContainer(ctx, container); err != nil {
		return nil, err
	}

	containerPrefix := container + "/"

	iter := b.bucket.List(&blob.ListOptions{Prefix: containerPrefix + prefix})

	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, mapGocloudError(err, "failed to list blobs")
		}

		key := strings.TrimPrefix(obj.Key, containerPrefix)
		if obj.IsDir || key == containerMarker {
			continue
		}
		keys = append(keys, key)
	}

	sort.Strings(keys)

	span.SetAttributes(attribute.Int("keys", len(keys)))

	return keys, nil
}

// CreateContainer writes the container marker.
func (b *GocloudBackend) CreateContainer(ctx context.Context, name string) error {
	if err := ValidateContainerName(name); err != nil {
		return err
	}

	markerKey := blobKey(name, containerMarker)

	exists, err := b.bucket.Exists(ctx, markerKey)
	if err != nil {
		return mapGocloudError(err, "failed to check container")
	}
	if exists {
		return fmt.Errorf("%w: container %s", ErrAlreadyExists, name)
	}

	if err := b.bucket.WriteAll(ctx, markerKey, nil, &blob.WriterOptions{ContentType: "application/x-directory"}); err != nil {
		return mapGocloudError(err, "failed to create container")
	}

	return nil
}

// DeleteContainer removes the marker once no other blobs remain under the prefix.
func (b *GocloudBackend) DeleteContainer(ctx context.Context, name string) error {
	keys, err := b.List(ctx, name, "")
	if err != nil {
		return err
	}

	if len(keys) > 0 {
		return fmt.Errorf("%w: %s has %d blobs", ErrContainerNotEmpty, name, len(keys))
	}

	if err := b.bucket.Delete(ctx, blobKey(name, containerMarker)); err != nil {
		return mapGocloudError(err, "failed to delete container")
	}

	return nil
}

func (b *GocloudBackend) checkContainer(ctx context.Context, container string) error {
	if err := ValidateContainerName(container); err != nil {
		return err
	}

	exists, err := b.bucket.Exists(ctx, blobKey(container, containerMarker))
	if err != nil {
		return mapGocloudError(err, "failed to check container")
	}
	if !exists {
		return fmt.Errorf("%w: container %s", ErrNotFound, container)
	}

	return nil
}

func blobKey(container, key string) string {
	return container + "/" + strings.TrimPrefix(key, "/")
}

func mapGocloudError(err error, msg string) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: %s: %w", ErrNotFound, msg, err)
	case gcerrors.AlreadyExists:
		return fmt.Errorf("%w: %s: %w", ErrAlreadyExists, msg, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrIOFailure, msg, err)
	}
}
