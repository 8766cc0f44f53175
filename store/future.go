package store

import (
	"context"
	"sync"
)

// Future is the one-shot result of an asynchronous put.
type Future struct {
	once sync.Once
	done chan struct{}
	info *TransferInfo
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture returns a Future that has already completed.
func ResolvedFuture(info *TransferInfo, err error) *Future {
	f := NewFuture()
	f.Resolve(info, err)
	return f
}

// Resolve completes the future. Only the first call has any effect.
func (f *Future) Resolve(info *TransferInfo, err error) {
	f.once.Do(func() {
		f.info = info
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future resolves.
func (f *Future) Result() (*TransferInfo, error) {
	<-f.done
	return f.info, f.err
}

// Wait blocks until the future resolves or ctx is done. Giving up on the wait does
// not cancel the underlying operation.
func (f *Future) Wait(ctx context.Context) (*TransferInfo, error) {
	select {
	case <-f.done:
		return f.info, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnComplete registers fn to run on its own goroutine once the future resolves.
func (f *Future) OnComplete(fn func(*TransferInfo, error)) {
	go func() {
		<-f.done
		fn(f.info, f.err)
	}()
}
