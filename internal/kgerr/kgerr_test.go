package kgerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		assert.NoError(t, New("op", Validation, nil))
	})

	t.Run("wraps op and kind into the message", func(t *testing.T) {
		err := New("Store.Upsert", StorageTransient, errors.New("connection reset"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Store.Upsert")
		assert.Contains(t, err.Error(), "storage_transient")
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("unwraps to the cause", func(t *testing.T) {
		cause := errors.New("boom")
		err := New("op", Unknown, cause)
		assert.ErrorIs(t, err, cause)
	})
}

func TestIs(t *testing.T) {
	t.Run("matches the wrapped kind", func(t *testing.T) {
		err := New("op", NotFound, errors.New("missing"))
		assert.True(t, Is(err, NotFound))
		assert.False(t, Is(err, StorageFatal))
	})

	t.Run("false for a plain error", func(t *testing.T) {
		assert.False(t, Is(errors.New("plain"), Validation))
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns nil once fn succeeds", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, func() error {
			calls++
			if calls < 3 {
				return New("op", StorageTransient, errors.New("transient"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops immediately on a non-transient error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, func() error {
			calls++
			return New("op", Validation, errors.New("bad input"))
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after maxAttempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 3, func() error {
			calls++
			return New("op", StorageTransient, errors.New("still down"))
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("respects context cancellation between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, 5, func() error {
			calls++
			if calls == 1 {
				cancel()
			}
			return New("op", StorageTransient, errors.New("down"))
		})
		require.Error(t, err)
		assert.Equal(t, context.Canceled, err)
	})
}
