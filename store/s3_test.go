package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFromURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		want        *Options
		wantErr     bool
		errContains string
	}{
		{
			name: "simple namespace",
			url:  "s3://my-namespace",
			want: &Options{
				Namespace: "my-namespace",
				Region:    "us-east-1", // default
			},
		},
		{
			name: "no namespace",
			url:  "s3://",
			want: &Options{
				Region: "us-east-1",
			},
		},
		{
			name: "namespace with prefix",
			url:  "s3://my-namespace/blobs/test",
			want: &Options{
				Namespace: "my-namespace",
				Region:    "us-east-1",
				Prefix:    "blobs/test",
			},
		},
		{
			name: "namespace with trailing slash in prefix",
			url:  "s3://my-namespace/blobs/test/",
			want: &Options{
				Namespace: "my-namespace",
				Region:    "us-east-1",
				Prefix:    "blobs/test",
			},
		},
		{
			name: "region query param",
			url:  "s3://my-namespace?region=eu-west-1",
			want: &Options{
				Namespace: "my-namespace",
				Region:    "eu-west-1",
			},
		},
		{
			name: "custom endpoint with path style",
			url:  "s3://my-namespace?endpoint=http://localhost:4566&use_path_style=true",
			want: &Options{
				Namespace:    "my-namespace",
				Region:       "us-east-1",
				S3Endpoint:   "http://localhost:4566",
				UsePathStyle: true,
			},
		},
		{
			name: "use_path_style false",
			url:  "s3://my-namespace?use_path_style=false",
			want: &Options{
				Namespace: "my-namespace",
				Region:    "us-east-1",
			},
		},
		{
			name:        "wrong scheme",
			url:         "gs://my-namespace",
			wantErr:     true,
			errContains: "must be s3",
		},
		{
			name:        "unparseable URL",
			url:         "s3://my namespace/%zz",
			wantErr:     true,
			errContains: "failed to parse S3 URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OptionsFromURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestS3FullKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{name: "no prefix", prefix: "", key: "blob.txt", want: "blob.txt"},
		{name: "with prefix", prefix: "blobs", key: "blob.txt", want: "blobs/blob.txt"},
		{name: "with nested prefix", prefix: "blobs/test", key: "blob.txt", want: "blobs/test/blob.txt"},
		{name: "key with leading slash", prefix: "blobs", key: "/blob.txt", want: "blobs/blob.txt"},
		{name: "key with path", prefix: "blobs", key: "docs/a.pdf", want: "blobs/docs/a.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newS3Backend(nil, Options{Prefix: tt.prefix})
			assert.Equal(t, tt.want, b.fullKey(tt.key))
			assert.Equal(t, strings.TrimPrefix(tt.key, "/"), b.trimPrefix(b.fullKey(tt.key)))
		})
	}
}

func TestS3BucketName(t *testing.T) {
	assert.Equal(t, "team-images", newS3Backend(nil, Options{Namespace: "team"}).bucketName("images"))
	assert.Equal(t, "images", newS3Backend(nil, Options{}).bucketName("images"))
}

func TestS3PublicURL(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "virtual hosted",
			opts: Options{Namespace: "team", Region: "eu-west-1"},
			want: "https://team-images.s3.eu-west-1.amazonaws.com/cats/tabby.png",
		},
		{
			name: "virtual hosted with prefix",
			opts: Options{Namespace: "team", Region: "us-east-1", Prefix: "public"},
			want: "https://team-images.s3.us-east-1.amazonaws.com/public/cats/tabby.png",
		},
		{
			name: "path style custom endpoint",
			opts: Options{Namespace: "team", S3Endpoint: "http://localhost:4566", UsePathStyle: true},
			want: "http://localhost:4566/team-images/cats/tabby.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newS3Backend(nil, tt.opts)

			u, err := b.PublicURL(ctx, "images", "cats/tabby.png")
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestMapS3Error(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no such key", err: &types.NoSuchKey{}, want: ErrNotFound},
		{name: "no such bucket", err: &types.NoSuchBucket{}, want: ErrNotFound},
		{name: "head not found", err: &types.NotFound{}, want: ErrNotFound},
		{name: "bucket owned", err: &types.BucketAlreadyOwnedByYou{}, want: ErrAlreadyExists},
		{name: "bucket exists", err: &types.BucketAlreadyExists{}, want: ErrAlreadyExists},
		{name: "bucket not empty", err: &smithy.GenericAPIError{Code: "BucketNotEmpty"}, want: ErrContainerNotEmpty},
		{name: "generic not found code", err: &smithy.GenericAPIError{Code: "NotFound"}, want: ErrNotFound},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, want: ErrIOFailure},
		{name: "network", err: errors.New("connection reset"), want: ErrIOFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapS3Error(tt.err, "operation failed")
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
			assert.Contains(t, got.Error(), "operation failed")
		})
	}
}

// fakeS3 is an in-memory s3API.
type fakeS3 struct {
	mu           sync.Mutex
	buckets      map[string]map[string][]byte
	contentTypes map[string]string
	created      []*s3.CreateBucketInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets:      make(map[string]map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	bucket[aws.ToString(params.Key)] = data
	f.contentTypes[aws.ToString(params.Key)] = aws.ToString(params.ContentType)

	out := &s3.PutObjectOutput{}
	awsmiddleware.SetRequestIDMetadata(&out.ResultMetadata, "req-123")
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	data, ok := bucket[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.buckets[aws.ToString(params.Bucket)][aws.ToString(params.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	delete(bucket, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 returns one key per page to exercise pagination.
func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}

	var keys []string
	for k := range bucket {
		if strings.HasPrefix(k, aws.ToString(params.Prefix)) && k > aws.ToString(params.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > 0 {
		out.Contents = []types.Object{{Key: aws.String(keys[0])}}
	}
	if len(keys) > 1 {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[0])
	}

	return out, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, &types.BucketAlreadyOwnedByYou{}
	}
	f.buckets[name] = make(map[string][]byte)
	f.created = append(f.created, params)
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.Bucket)
	bucket, ok := f.buckets[name]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	if len(bucket) > 0 {
		return nil, &smithy.GenericAPIError{Code: "BucketNotEmpty", Message: fmt.Sprintf("bucket %s is not empty", name)}
	}
	delete(f.buckets, name)
	return &s3.DeleteBucketOutput{}, nil
}

func TestS3BackendLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	b := newS3Backend(client, Options{Namespace: "team", Region: "eu-west-1", Prefix: "blobs"})

	require.NoError(t, b.CreateContainer(ctx, "c1"))
	require.Len(t, client.created, 1)
	assert.Equal(t, "team-c1", aws.ToString(client.created[0].Bucket))
	require.NotNil(t, client.created[0].CreateBucketConfiguration)
	assert.Equal(t, types.BucketLocationConstraint("eu-west-1"), client.created[0].CreateBucketConfiguration.LocationConstraint)

	assert.ErrorIs(t, b.CreateContainer(ctx, "c1"), ErrAlreadyExists)

	info, err := b.Put(ctx, "c1", "docs/a.pdf", strings.NewReader("pdf bytes"), &PutOptions{ContentType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.BytesTransferred)
	assert.Equal(t, "req-123", info.RequestID)
	assert.Equal(t, "application/pdf", client.contentTypes["blobs/docs/a.pdf"])

	for _, key := range []string{"docs/b.pdf", "other.txt"} {
		_, err := b.Put(ctx, "c1", key, strings.NewReader(key), nil)
		require.NoError(t, err)
	}

	data, err := b.Get(ctx, "c1", "docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf bytes", string(data))

	exists, err := b.Exists(ctx, "c1", "docs/a.pdf")
	require.NoError(t, err)
	assert.True(t, exists)

	keys, err := b.List(ctx, "c1", "docs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.pdf", "docs/b.pdf"}, keys)

	keys, err = b.List(ctx, "c1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.pdf", "docs/b.pdf", "other.txt"}, keys)

	assert.ErrorIs(t, b.DeleteContainer(ctx, "c1"), ErrContainerNotEmpty)

	for _, key := range keys {
		require.NoError(t, b.Delete(ctx, "c1", key))
	}

	exists, err = b.Exists(ctx, "c1", "docs/a.pdf")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = b.Get(ctx, "c1", "docs/a.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.DeleteContainer(ctx, "c1"))
	assert.ErrorIs(t, b.DeleteContainer(ctx, "c1"), ErrNotFound)

	_, err = b.Put(ctx, "c1", "blob", strings.NewReader("x"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3BackendDefaultRegionOmitsLocationConstraint(t *testing.T) {
	client := newFakeS3()
	b := newS3Backend(client, Options{})

	require.NoError(t, b.CreateContainer(context.Background(), "c1"))
	require.Len(t, client.created, 1)
	assert.Nil(t, client.created[0].CreateBucketConfiguration)
}

func TestS3BackendRejectsInvalidNames(t *testing.T) {
	ctx := context.Background()
	b := newS3Backend(newFakeS3(), Options{})

	assert.Error(t, b.CreateContainer(ctx, "Invalid_Bucket"))

	_, err := b.Put(ctx, "c1", "../escape", strings.NewReader("x"), nil)
	assert.ErrorContains(t, err, "dangerous pattern")
}

// multipartFakeS3 adds the multipart calls the upload manager needs.
type multipartFakeS3 struct {
	*fakeS3
	parts     map[string]map[int32][]byte
	completed int
}

func newMultipartFakeS3() *multipartFakeS3 {
	return &multipartFakeS3{fakeS3: newFakeS3(), parts: make(map[string]map[int32][]byte)}
}

func (f *multipartFakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uploadID := fmt.Sprintf("upload-%d", len(f.parts)+1)
	f.parts[uploadID] = make(map[int32][]byte)

	return &s3.CreateMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		UploadId: aws.String(uploadID),
	}, nil
}

func (f *multipartFakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.parts[aws.ToString(params.UploadId)][aws.ToInt32(params.PartNumber)] = data

	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(params.PartNumber)))}, nil
}

func (f *multipartFakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}

	parts := f.parts[aws.ToString(params.UploadId)]

	var data []byte
	for _, part := range params.MultipartUpload.Parts {
		data = append(data, parts[aws.ToInt32(part.PartNumber)]...)
	}
	bucket[aws.ToString(params.Key)] = data
	f.completed++

	out := &s3.CompleteMultipartUploadOutput{}
	awsmiddleware.SetRequestIDMetadata(&out.ResultMetadata, "req-complete")
	return out, nil
}

func (f *multipartFakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.parts, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3BackendMultipartPut(t *testing.T) {
	ctx := context.Background()
	client := newMultipartFakeS3()
	b := newS3Backend(client, Options{})

	require.NoError(t, b.CreateContainer(ctx, "c1"))

	large := bytes.Repeat([]byte("blobkit "), 1_000_000)

	info, err := b.Put(ctx, "c1", "big.bin", bytes.NewReader(large), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(large)), info.BytesTransferred)
	assert.Empty(t, info.RequestID, "a multipart upload has no single request ID")
	assert.Equal(t, 1, client.completed)

	got, err := b.Get(ctx, "c1", "big.bin")
	require.NoError(t, err)
	assert.Equal(t, large, got)

	// small payloads keep the single PutObject path and its request ID
	info, err = b.Put(ctx, "c1", "small.bin", strings.NewReader("small"), nil)
	require.NoError(t, err)
	assert.Equal(t, "req-123", info.RequestID)
	assert.Equal(t, 1, client.completed)
}
