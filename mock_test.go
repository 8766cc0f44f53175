package blobkit

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/blobkit/blobkit/store"
)

// fakeBackend is an in-memory store.Backend with knobs for the failure modes of
// real providers.
type fakeBackend struct {
	mu         sync.Mutex
	containers map[string]map[string][]byte

	// corrupt flips the first byte returned by Get for these keys.
	corrupt map[string]bool
	// lingering keys survive Delete.
	lingering map[string]bool
	// hiddenFor makes Exists report false for the first n probes of a key.
	hiddenFor map[string]int
	// putErr fails Put for these keys.
	putErr map[string]error
	// gates block Put for a key until the channel is closed.
	gates map[string]chan struct{}
	// existsErr fails every Exists call.
	existsErr error
	// deleteContainerErr fails DeleteContainer.
	deleteContainerErr error
	// publicBase enables PublicURL when set.
	publicBase string

	existsCalls map[string]int
	putOrder    []string
	closed      bool
}

var (
	_ store.Backend           = (*fakeBackend)(nil)
	_ store.PublicURLResolver = (*fakeBackend)(nil)
)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		containers:  make(map[string]map[string][]byte),
		corrupt:     make(map[string]bool),
		lingering:   make(map[string]bool),
		hiddenFor:   make(map[string]int),
		putErr:      make(map[string]error),
		gates:       make(map[string]chan struct{}),
		existsCalls: make(map[string]int),
	}
}

func (f *fakeBackend) Put(ctx context.Context, container, key string, payload io.Reader, opts *store.PutOptions) (*store.TransferInfo, error) {
	f.mu.Lock()
	gate := f.gates[key]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrIOFailure, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.putErr[key]; err != nil {
		return nil, err
	}

	blobs, ok := f.containers[container]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", store.ErrNotFound, container)
	}

	blobs[key] = data
	f.putOrder = append(f.putOrder, key)

	return &store.TransferInfo{BytesTransferred: int64(len(data))}, nil
}

func (f *fakeBackend) Get(ctx context.Context, container, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.containers[container][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, container, key)
	}

	out := append([]byte(nil), data...)
	if f.corrupt[key] && len(out) > 0 {
		out[0] ^= 0xff
	}

	return out, nil
}

func (f *fakeBackend) Exists(ctx context.Context, container, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.existsCalls[key]++

	if f.existsErr != nil {
		return false, f.existsErr
	}

	if f.existsCalls[key] <= f.hiddenFor[key] {
		return false, nil
	}

	_, ok := f.containers[container][key]
	return ok, nil
}

func (f *fakeBackend) Delete(ctx context.Context, container, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blobs := f.containers[container]
	if _, ok := blobs[key]; !ok {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, container, key)
	}

	if f.lingering[key] {
		return nil
	}

	delete(blobs, key)
	return nil
}

func (f *fakeBackend) List(ctx context.Context, container, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blobs, ok := f.containers[container]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", store.ErrNotFound, container)
	}

	var keys []string
	for k := range blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	return keys, nil
}

func (f *fakeBackend) CreateContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.containers[name]; ok {
		return fmt.Errorf("%w: container %s", store.ErrAlreadyExists, name)
	}

	f.containers[name] = make(map[string][]byte)
	return nil
}

func (f *fakeBackend) DeleteContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleteContainerErr != nil {
		return f.deleteContainerErr
	}

	blobs, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("%w: container %s", store.ErrNotFound, name)
	}
	if len(blobs) > 0 {
		return fmt.Errorf("%w: %s", store.ErrContainerNotEmpty, name)
	}

	delete(f.containers, name)
	return nil
}

func (f *fakeBackend) PublicURL(ctx context.Context, container, key string) (*url.URL, error) {
	if f.publicBase == "" {
		return nil, nil
	}
	return url.Parse(fmt.Sprintf("%s/%s/%s", f.publicBase, container, key))
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *fakeBackend) hasContainer(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.containers[name]
	return ok
}

func (f *fakeBackend) blob(container, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.containers[container][key]
	return data, ok
}

func (f *fakeBackend) existsCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.existsCalls[key]
}

// gate blocks puts of key until the returned function is called.
func (f *fakeBackend) gate(key string) func() {
	ch := make(chan struct{})

	f.mu.Lock()
	f.gates[key] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeBackend) puts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.putOrder...)
}
