package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture()

	select {
	case <-f.Done():
		t.Fatal("future resolved early")
	default:
	}

	f.Resolve(&TransferInfo{BytesTransferred: 10}, nil)
	f.Resolve(nil, errors.New("too late"))

	info, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.BytesTransferred)
}

func TestFutureWait(t *testing.T) {
	t.Run("resolved", func(t *testing.T) {
		f := ResolvedFuture(nil, ErrIOFailure)

		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, ErrIOFailure)
	})

	t.Run("context done first", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		f := NewFuture()

		_, err := f.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// the future can still resolve afterwards
		f.Resolve(&TransferInfo{}, nil)
		_, err = f.Result()
		assert.NoError(t, err)
	})
}

func TestFutureOnComplete(t *testing.T) {
	f := NewFuture()

	got := make(chan error, 2)
	f.OnComplete(func(_ *TransferInfo, err error) { got <- err })

	f.Resolve(nil, ErrNotFound)

	// registered after resolution still runs
	f.OnComplete(func(_ *TransferInfo, err error) { got <- err })

	for i := 0; i < 2; i++ {
		select {
		case err := <-got:
			assert.ErrorIs(t, err, ErrNotFound)
		case <-time.After(time.Second):
			t.Fatal("continuation did not run")
		}
	}
}
