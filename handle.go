package blobkit

import (
	"fmt"
	"net/url"
)

// BlobHandle identifies a blob by container and key, with optional metadata.
// Handles are immutable: the With methods return modified copies.
type BlobHandle struct {
	container   string
	key         string
	contentType string
	size        int64
	hasSize     bool
	publicURI   *url.URL
}

func NewBlobHandle(container, key string) BlobHandle {
	return BlobHandle{container: container, key: key}
}

func (h BlobHandle) Container() string { return h.container }

func (h BlobHandle) Key() string { return h.key }

// ContentType returns the content type, empty when unknown.
func (h BlobHandle) ContentType() string { return h.contentType }

// Size returns the blob size and whether it is known.
func (h BlobHandle) Size() (int64, bool) { return h.size, h.hasSize }

// PublicURI returns a copy of the public URI, nil when the backend has none.
func (h BlobHandle) PublicURI() *url.URL {
	if h.publicURI == nil {
		return nil
	}
	u := *h.publicURI
	return &u
}

func (h BlobHandle) WithContentType(contentType string) BlobHandle {
	h.contentType = contentType
	return h
}

func (h BlobHandle) WithSize(size int64) BlobHandle {
	h.size = size
	h.hasSize = true
	return h
}

func (h BlobHandle) WithPublicURI(u *url.URL) BlobHandle {
	if u == nil {
		h.publicURI = nil
		return h
	}
	c := *u
	h.publicURI = &c
	return h
}

// SameBlob reports whether both handles address the same container and key.
func (h BlobHandle) SameBlob(other BlobHandle) bool {
	return h.container == other.container && h.key == other.key
}

func (h BlobHandle) String() string {
	return fmt.Sprintf("%s/%s", h.container, h.key)
}
