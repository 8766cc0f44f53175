package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tempPrefix = reservedPrefix

// LocalFileBackend implements the Backend interface for local filesystem storage.
// Containers are directories under the configured root and blob keys map directly
// to file paths inside them.
//
// Storage layout:
//   - Container: <root>/<container>/
//   - Data files: <root>/<container>/<key>
//   - Metadata files: <root>/<container>/<key>.attrs.json
//
// Features:
//   - Atomic writes using temp files + rename
//   - Path traversal protection via key validation and a relative path check
//   - SHA256 integrity checksums computed during upload
//   - Last-writer-wins semantics for concurrent updates
type LocalFileBackend struct {
	root string // Absolute path to the root storage directory
}

// Ensure LocalFileBackend implements the Backend and PublicURLResolver interfaces
var (
	_ Backend           = (*LocalFileBackend)(nil)
	_ PublicURLResolver = (*LocalFileBackend)(nil)
)

// FileMetadata contains metadata for stored blobs.
// Persisted as compact JSON in a sidecar file alongside each data file.
type FileMetadata struct {
	Container   string `json:"container"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
	CreatedAt   string `json:"created_at"` // RFC3339Nano
	Version     int    `json:"version"`
}

// NewLocalFileBackend creates a new local file storage backend from a file:// URL.
//
// Supported URL formats:
//   - file:///absolute/path/to/root
//   - file://~/blobs (expands to user's home directory)
//
// The root directory will be created if it doesn't exist.
func NewLocalFileBackend(ctx context.Context, fileURL string) (*LocalFileBackend, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse file URL: %w", err)
	}

	if u.Scheme != "file" {
		return nil, fmt.Errorf("invalid URL scheme %q: must be file", u.Scheme)
	}

	path := u.Path
	if u.Host == "~" {
		path = "~" + path
	}
	if path == "" {
		return nil, fmt.Errorf("file URL path cannot be empty")
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = strings.TrimPrefix(path, "~")
		path = strings.TrimPrefix(path, "/")
		path = filepath.Join(homeDir, path)
	}

	root := filepath.Clean(filepath.FromSlash(path))
	if root == "" || root == "/" || root == "." {
		return nil, fmt.Errorf("invalid root directory: %s", root)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	log.Debug().Str("root", root).Msg("configured local file store")

	return &LocalFileBackend{root: root}, nil
}

// Put writes the payload to <root>/<container>/<key> atomically.
//
// The put process:
//  1. Validates the container exists and the key is safe
//  2. Computes SHA256 hash during copy for integrity verification
//  3. Writes data atomically using temp file + fsync + rename
//  4. Writes metadata (size, content type, checksum) atomically to a sidecar file
//
// Atomic writes ensure readers never see partial data.
func (b *LocalFileBackend) Put(ctx context.Context, container, key string, payload io.Reader, opts *PutOptions) (*TransferInfo, error) {
	_, span := trace.Start(ctx, "LocalFileBackend.Put")
	defer span.End()

	start := time.Now()

	if err := b.checkContainer(container); err != nil {
		span.RecordError(err)
		return nil, err
	}

	dataPath, metaPath, err := b.keyToPaths(container, key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create parent directory: %w", ErrIOFailure, err)
	}

	hash := sha256.New()

	bytesWritten, err := writeFileAtomic(dataPath, io.TeeReader(payload, hash))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	metadata := FileMetadata{
		Container:   container,
		Key:         key,
		Size:        bytesWritten,
		ContentType: opts.contentType(),
		SHA256:      hex.EncodeToString(hash.Sum(nil)),
		CreatedAt:   time.Now().Format(time.RFC3339Nano),
		Version:     1,
	}

	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	if _, err := writeFileAtomic(metaPath, bytes.NewReader(metaBytes)); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: failed to write metadata: %w", ErrIOFailure, err)
	}

	info := newTransferInfo(bytesWritten, start, "")

	span.SetAttributes(
		attribute.Int64("bytes_transferred", bytesWritten),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("container", container),
		attribute.String("key", key),
	)

	return info, nil
}

// Get reads the stored blob.
func (b *LocalFileBackend) Get(ctx context.Context, container, key string) ([]byte, error) {
	_, span := trace.Start(ctx, "LocalFileBackend.Get")
	defer span.End()

	if err := b.checkContainer(container); err != nil {
		return nil, err
	}

	dataPath, _, err := b.keyToPaths(container, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s/%s", ErrNotFound, container, key)
		}
		return nil, fmt.Errorf("%w: failed to read blob: %w", ErrIOFailure, err)
	}

	span.SetAttributes(attribute.Int("bytes_read", len(data)))

	return data, nil
}

// Exists reports whether the data file is present.
func (b *LocalFileBackend) Exists(ctx context.Context, container, key string) (bool, error) {
	dataPath, _, err := b.keyToPaths(container, key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to stat blob: %w", ErrIOFailure, err)
	}

	return info.Mode().IsRegular(), nil
}

// Delete removes the data file and its metadata sidecar, then prunes empty
// directories left behind inside the container.
func (b *LocalFileBackend) Delete(ctx context.Context, container, key string) error {
	_, span := trace.Start(ctx, "LocalFileBackend.Delete")
	defer span.End()

	dataPath, metaPath, err := b.keyToPaths(container, key)
	if err != nil {
		return err
	}

	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: blob %s/%s", ErrNotFound, container, key)
		}
		return fmt.Errorf("%w: failed to remove blob: %w", ErrIOFailure, err)
	}

	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", metaPath).Msg("failed to remove metadata file")
	}

	b.pruneEmptyDirs(container, filepath.Dir(dataPath))

	return nil
}

// List walks the container directory, skipping metadata sidecars and temp files.
func (b *LocalFileBackend) List(ctx context.Context, container, prefix string) ([]string, error) {
	_, span := trace.Start(ctx, "LocalFileBackend.List")
	defer span.End()

	if err := b.checkContainer(container); err != nil {
		return nil, err
	}

	containerDir := filepath.Join(b.root, container)

	var keys []string
	err := filepath.WalkDir(containerDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if strings.HasSuffix(name, metadataSuffix) || strings.HasPrefix(name, tempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(containerDir, path)
		if err != nil {
			return err
		}

		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list container: %w", ErrIOFailure, err)
	}

	sort.Strings(keys)

	span.SetAttributes(attribute.Int("keys", len(keys)))

	return keys, nil
}

// CreateContainer creates the container directory.
func (b *LocalFileBackend) CreateContainer(ctx context.Context, name string) error {
	if err := ValidateContainerName(name); err != nil {
		return err
	}

	err := os.Mkdir(filepath.Join(b.root, name), 0o755)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: container %s", ErrAlreadyExists, name)
		}
		return fmt.Errorf("%w: failed to create container: %w", ErrIOFailure, err)
	}

	return nil
}

// DeleteContainer removes an empty container directory.
func (b *LocalFileBackend) DeleteContainer(ctx context.Context, name string) error {
	if err := b.checkContainer(name); err != nil {
		return err
	}

	dir := filepath.Join(b.root, name)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: failed to read container: %w", ErrIOFailure, err)
	}

	if len(entries) > 0 {
		return fmt.Errorf("%w: %s has %d entries", ErrContainerNotEmpty, name, len(entries))
	}

	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("%w: failed to remove container: %w", ErrIOFailure, err)
	}

	return nil
}

// PublicURL returns the file:// URL of the blob's data file.
func (b *LocalFileBackend) PublicURL(ctx context.Context, container, key string) (*url.URL, error) {
	dataPath, _, err := b.keyToPaths(container, key)
	if err != nil {
		return nil, err
	}

	return &url.URL{Scheme: "file", Path: filepath.ToSlash(dataPath)}, nil
}

// Close is a no-op, the filesystem holds no connection.
func (b *LocalFileBackend) Close() error {
	return nil
}

func (b *LocalFileBackend) checkContainer(container string) error {
	if err := ValidateContainerName(container); err != nil {
		return err
	}

	info, err := os.Stat(filepath.Join(b.root, container))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: container %s", ErrNotFound, container)
		}
		return fmt.Errorf("%w: failed to stat container: %w", ErrIOFailure, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: container %s is not a directory", ErrIOFailure, container)
	}

	return nil
}

func (b *LocalFileBackend) keyToPaths(container, key string) (dataPath, metaPath string, err error) {
	if err := validateBlobRef(container, key); err != nil {
		return "", "", err
	}

	k := strings.TrimPrefix(key, "/")
	k = filepath.Clean(filepath.FromSlash(k))

	if k == "." || k == "" {
		return "", "", fmt.Errorf("invalid key: resolves to empty path")
	}

	containerDir := filepath.Join(b.root, container)
	dataPath = filepath.Join(containerDir, k)

	rel, err := filepath.Rel(containerDir, dataPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("key escapes container directory")
	}

	return dataPath, dataPath + metadataSuffix, nil
}

// pruneEmptyDirs removes empty directories from dir up to, but excluding, the container.
func (b *LocalFileBackend) pruneEmptyDirs(container, dir string) {
	containerDir := filepath.Join(b.root, container)
	for dir != containerDir && strings.HasPrefix(dir, containerDir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// writeFileAtomic copies r into a temp file next to dest, fsyncs it and renames it
// over dest.
func writeFileAtomic(dest string, r io.Reader) (int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(dest), tempPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanup := true
	defer func() {
		_ = tmpFile.Close()
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmpFile, r)
	if err != nil {
		return 0, fmt.Errorf("failed to copy data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	// Remove existing file before rename (required for Windows atomicity)
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("failed to remove existing file: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	cleanup = false

	// Fsync parent directory for durability (optional but recommended)
	if dir, err := os.Open(filepath.Dir(dest)); err == nil {
		if err := dir.Sync(); err != nil {
			log.Warn().Err(err).Str("path", filepath.Dir(dest)).Msg("failed to fsync directory")
		}
		_ = dir.Close()
	}

	return n, nil
}
