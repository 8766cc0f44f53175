package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/tracing/smithyoteltracing"
	"github.com/blobkit/blobkit/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const defaultRegion = "us-east-1"

// Options holds configuration for S3Backend and can be constructed from an S3 URL in a similar way to gocloud.dev.
// Every container maps to one bucket named "<namespace>-<container>", or just "<container>"
// without a namespace.
// Example S3 URLs:
//
//	s3://
//	s3://my-namespace
//	s3://my-namespace/prefix?region=us-east-1
//	s3://my-namespace?region=us-east-1&endpoint=http://localhost:4566&use_path_style=true
type Options struct {
	S3Endpoint   string
	Namespace    string
	Region       string
	Prefix       string
	UsePathStyle bool
}

func OptionsFromURL(s3url string) (*Options, error) {
	u, err := url.Parse(s3url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse S3 URL: %w", err)
	}

	// check the scheme is s3
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URL scheme %q: must be s3", u.Scheme)
	}

	opts := &Options{
		Namespace:  u.Hostname(),
		Prefix:     strings.Trim(u.Path, "/"),
		Region:     u.Query().Get("region"),
		S3Endpoint: u.Query().Get("endpoint"),
	}

	if opts.Region == "" {
		opts.Region = defaultRegion
	}

	if u.Query().Get("use_path_style") == "true" {
		opts.UsePathStyle = true
	}

	return opts, nil
}

// s3API is the subset of *s3.Client used by S3Backend.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

// S3Backend implements the Backend interface using AWS S3 or an S3 compatible service.
type S3Backend struct {
	client s3API
	opts   Options
}

// Ensure S3Backend implements the Backend and PublicURLResolver interfaces
var (
	_ Backend           = (*S3Backend)(nil)
	_ PublicURLResolver = (*S3Backend)(nil)
)

// NewS3Backend creates a new S3Backend using an S3 URL. Credentials come from the
// default AWS configuration chain.
func NewS3Backend(ctx context.Context, s3url string) (*S3Backend, error) {
	opts, err := OptionsFromURL(s3url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse S3 URL: %w", err)
	}

	// Load the AWS configuration
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Debug().
		Str("namespace", opts.Namespace).
		Str("region", opts.Region).
		Str("prefix", opts.Prefix).
		Str("endpoint", opts.S3Endpoint).
		Msg("configured S3 backend")

	client := s3.NewFromConfig(cfg,
		func(o *s3.Options) {
			o.Region = opts.Region
			o.TracerProvider = smithyoteltracing.Adapt(otel.GetTracerProvider())
			if opts.UsePathStyle {
				o.UsePathStyle = true
			}

			// used for local testing or custom S3 endpoints
			if opts.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.S3Endpoint)
			}
		})

	return NewS3BackendFromClient(client, *opts), nil
}

// NewS3BackendFromClient wraps an already configured client.
func NewS3BackendFromClient(client *s3.Client, opts Options) *S3Backend {
	return newS3Backend(client, opts)
}

func newS3Backend(client s3API, opts Options) *S3Backend {
	if opts.Region == "" {
		opts.Region = defaultRegion
	}
	return &S3Backend{client: client, opts: opts}
}

// Put uploads the payload. The payload is buffered so the request can be signed
// and retried by the SDK.
func (b *S3Backend) Put(ctx context.Context, container, key string, payload io.Reader, opts *PutOptions) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "S3Backend.Put")
	defer span.End()

	start := time.Now()

	if err := validateBlobRef(container, key); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read payload: %w", ErrIOFailure, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucketName(container)),
		Key:           aws.String(b.fullKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if ct := opts.contentType(); ct != "" {
		input.ContentType = aws.String(ct)
	}

	// large payloads go through the multipart uploader when the client supports it
	if int64(len(data)) > manager.DefaultUploadPartSize {
		if uploader, ok := b.client.(manager.UploadAPIClient); ok {
			return b.putMultipart(ctx, span, uploader, input, start)
		}
	}

	result, err := b.client.PutObject(ctx, input)
	if err != nil {
		span.RecordError(err)
		return nil, mapS3Error(err, "failed to upload blob to S3")
	}

	requestID, _ := middleware.GetRequestIDMetadata(result.ResultMetadata)

	info := newTransferInfo(int64(len(data)), start, requestID)

	span.SetAttributes(
		attribute.Int64("bytes_transferred", info.BytesTransferred),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("request_id", requestID),
	)

	return info, nil
}

func (b *S3Backend) putMultipart(ctx context.Context, span oteltrace.Span, client manager.UploadAPIClient, input *s3.PutObjectInput, start time.Time) (*TransferInfo, error) {
	size := aws.ToInt64(input.ContentLength)

	result, err := manager.NewUploader(client).Upload(ctx, input)
	if err != nil {
		span.RecordError(err)
		return nil, mapS3Error(err, "failed to upload blob to S3")
	}

	// the uploader spreads the object over several requests, no single request ID describes it
	info := newTransferInfo(size, start, "")

	span.SetAttributes(
		attribute.Int64("bytes_transferred", info.BytesTransferred),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("upload_id", result.UploadID),
		attribute.Int("parts", len(result.CompletedParts)),
	)

	return info, nil
}

// Get downloads the full object.
func (b *S3Backend) Get(ctx context.Context, container, key string) ([]byte, error) {
	ctx, span := trace.Start(ctx, "S3Backend.Get")
	defer span.End()

	if err := validateBlobRef(container, key); err != nil {
		return nil, err
	}

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName(container)),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapS3Error(err, "failed to download blob from S3")
	}
	defer func() {
		_ = result.Body.Close()
	}()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read object body: %w", ErrIOFailure, err)
	}

	span.SetAttributes(attribute.Int("bytes_read", len(data)))

	return data, nil
}

// Exists issues a HEAD request for the object.
func (b *S3Backend) Exists(ctx context.Context, container, key string) (bool, error) {
	ctx, span := trace.Start(ctx, "S3Backend.Exists")
	defer span.End()

	if err := validateBlobRef(container, key); err != nil {
		return false, err
	}

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName(container)),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		mapped := mapS3Error(err, "failed to head blob")
		if errors.Is(mapped, ErrNotFound) {
			return false, nil
		}
		span.RecordError(err)
		return false, mapped
	}

	return true, nil
}

// Delete removes the object. S3 does not report missing keys on delete, so this
// only returns ErrNotFound when the bucket itself is missing.
func (b *S3Backend) Delete(ctx context.Context, container, key string) error {
	ctx, span := trace.Start(ctx, "S3Backend.Delete")
	defer span.End()

	if err := validateBlobRef(container, key); err != nil {
		return err
	}

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName(container)),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		span.RecordError(err)
		return mapS3Error(err, "failed to delete blob")
	}

	return nil
}

// List pages through ListObjectsV2 and strips the configured key prefix.
func (b *S3Backend) List(ctx context.Context, container, prefix string) ([]string, error) {
	ctx, span := trace.Start(ctx, "S3Backend.List")
	defer span.End()

	if err := ValidateContainerName(container); err != nil {
		return nil, err
	}

	listPrefix := b.opts.Prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	listPrefix += prefix

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName(container)),
		Prefix: aws.String(listPrefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, mapS3Error(err, "failed to list blobs")
		}
		for _, obj := range page.Contents {
			keys = append(keys, b.trimPrefix(aws.ToString(obj.Key)))
		}
	}

	span.SetAttributes(attribute.Int("keys", len(keys)))

	return keys, nil
}

// CreateContainer creates the bucket backing the container.
func (b *S3Backend) CreateContainer(ctx context.Context, name string) error {
	ctx, span := trace.Start(ctx, "S3Backend.CreateContainer")
	defer span.End()

	if err := ValidateContainerName(name); err != nil {
		return err
	}

	input := &s3.CreateBucketInput{
		Bucket: aws.String(b.bucketName(name)),
	}
	if b.opts.Region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.opts.Region),
		}
	}

	if _, err := b.client.CreateBucket(ctx, input); err != nil {
		span.RecordError(err)
		return mapS3Error(err, "failed to create bucket")
	}

	return nil
}

// DeleteContainer deletes the bucket backing the container.
func (b *S3Backend) DeleteContainer(ctx context.Context, name string) error {
	ctx, span := trace.Start(ctx, "S3Backend.DeleteContainer")
	defer span.End()

	if err := ValidateContainerName(name); err != nil {
		return err
	}

	if _, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(b.bucketName(name)),
	}); err != nil {
		span.RecordError(err)
		return mapS3Error(err, "failed to delete bucket")
	}

	return nil
}

// PublicURL returns the unsigned object URL, which is browsable when the bucket
// allows public reads.
func (b *S3Backend) PublicURL(ctx context.Context, container, key string) (*url.URL, error) {
	if err := validateBlobRef(container, key); err != nil {
		return nil, err
	}

	bucket := b.bucketName(container)
	objectPath := "/" + b.fullKey(key)

	base := &url.URL{Scheme: "https", Host: fmt.Sprintf("s3.%s.amazonaws.com", b.opts.Region)}
	if b.opts.S3Endpoint != "" {
		endpoint, err := url.Parse(b.opts.S3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to parse S3 endpoint: %w", err)
		}
		base = endpoint
	}

	u := &url.URL{Scheme: base.Scheme, Host: base.Host}
	if b.opts.UsePathStyle {
		u.Path = path.Join("/", strings.TrimSuffix(base.Path, "/"), bucket) + objectPath
	} else {
		u.Host = bucket + "." + base.Host
		u.Path = objectPath
	}

	return u, nil
}

// Close is a no-op, the SDK client has no connection to release.
func (b *S3Backend) Close() error {
	return nil
}

func (b *S3Backend) bucketName(container string) string {
	if b.opts.Namespace == "" {
		return container
	}
	return b.opts.Namespace + "-" + container
}

// fullKey combines the prefix with the key
func (b *S3Backend) fullKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	return path.Join(b.opts.Prefix, key)
}

func (b *S3Backend) trimPrefix(fullKey string) string {
	if b.opts.Prefix == "" {
		return fullKey
	}
	return strings.TrimPrefix(fullKey, b.opts.Prefix+"/")
}

// mapS3Error translates S3 error types and codes into the store sentinels.
func mapS3Error(err error, msg string) error {
	var (
		noSuchKey     *types.NoSuchKey
		noSuchBucket  *types.NoSuchBucket
		notFound      *types.NotFound
		alreadyOwned  *types.BucketAlreadyOwnedByYou
		alreadyExists *types.BucketAlreadyExists
	)

	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &noSuchBucket), errors.As(err, &notFound):
		return fmt.Errorf("%w: %s: %w", ErrNotFound, msg, err)
	case errors.As(err, &alreadyOwned), errors.As(err, &alreadyExists):
		return fmt.Errorf("%w: %s: %w", ErrAlreadyExists, msg, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %s: %w", ErrNotFound, msg, err)
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return fmt.Errorf("%w: %s: %w", ErrAlreadyExists, msg, err)
		case "BucketNotEmpty":
			return fmt.Errorf("%w: %s: %w", ErrContainerNotEmpty, msg, err)
		}
	}

	return fmt.Errorf("%w: %s: %w", ErrIOFailure, msg, err)
}
