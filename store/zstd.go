package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"
)

// CompressingBackend stores payloads zstd compressed in the wrapped backend and
// decompresses them on read. Callers see the original bytes.
type CompressingBackend struct {
	Backend
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Ensure CompressingBackend implements the Backend interface
var _ Backend = (*CompressingBackend)(nil)

func NewCompressingBackend(inner Backend) (*CompressingBackend, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &CompressingBackend{Backend: inner, encoder: encoder, decoder: decoder}, nil
}

// Put compresses the payload before handing it to the wrapped backend. The
// returned TransferInfo reports uncompressed bytes.
func (b *CompressingBackend) Put(ctx context.Context, container, key string, payload io.Reader, opts *PutOptions) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "CompressingBackend.Put")
	defer span.End()

	start := time.Now()

	data, err := io.ReadAll(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read payload: %w", ErrIOFailure, err)
	}

	compressed := b.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))

	span.SetAttributes(
		attribute.Int("uncompressed_bytes", len(data)),
		attribute.Int("compressed_bytes", len(compressed)),
	)

	info, err := b.Backend.Put(ctx, container, key, bytes.NewReader(compressed), opts)
	if err != nil {
		return nil, err
	}

	result := newTransferInfo(int64(len(data)), start, info.RequestID)
	return result, nil
}

func (b *CompressingBackend) Get(ctx context.Context, container, key string) ([]byte, error) {
	compressed, err := b.Backend.Get(ctx, container, key)
	if err != nil {
		return nil, err
	}

	data, err := b.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress blob %s/%s: %w", ErrIOFailure, container, key, err)
	}

	return data, nil
}

// Close releases the decoder and closes the wrapped backend.
func (b *CompressingBackend) Close() error {
	b.decoder.Close()
	return b.Backend.Close()
}
