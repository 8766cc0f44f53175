package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// PayloadSource produces a fresh stream of the blob contents each time it is called.
type PayloadSource func() (io.ReadCloser, error)

// BytesPayload returns a PayloadSource reading from b.
func BytesPayload(b []byte) PayloadSource {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

// FilePayload returns a PayloadSource that opens path on demand.
func FilePayload(path string) PayloadSource {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open file %s: %w", path, err)
		}
		return f, nil
	}
}
