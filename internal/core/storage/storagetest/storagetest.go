// Package storagetest provides a behavioural test suite every storage.Medium
// implementation runs against.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindflow/mindflow/internal/core/storage"
)

// Run exercises m through the storage.Medium contract. m must start empty.
func Run(t *testing.T, m storage.Medium) {
	t.Helper()
	ctx := context.Background()
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	put := func(t *testing.T, key string, rec storage.Record) {
		t.Helper()
		h, err := m.Acquire(ctx)
		require.NoError(t, err)
		defer h.Close()
		require.NoError(t, h.Put(ctx, key, rec))
		require.NoError(t, h.Commit(ctx))
	}
	get := func(t *testing.T, key string) (*storage.Record, error) {
		t.Helper()
		h, err := m.Acquire(ctx)
		require.NoError(t, err)
		defer h.Close()
		return h.Get(ctx, key)
	}

	t.Run("get missing key", func(t *testing.T) {
		_, err := get(t, "flow/missing")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("committed put is visible", func(t *testing.T) {
		put(t, "flow/a", storage.Record{Data: []byte(`{"id":"a"}`), Version: 3, UpdatedAt: stamp})

		rec, err := get(t, "flow/a")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"id":"a"}`), rec.Data)
		assert.Equal(t, int64(3), rec.Version)
		assert.True(t, stamp.Equal(rec.UpdatedAt), "updated_at %v", rec.UpdatedAt)
	})

	t.Run("overwrite replaces record", func(t *testing.T) {
		put(t, "flow/a", storage.Record{Data: []byte("v4"), Version: 4, UpdatedAt: stamp})
		rec, err := get(t, "flow/a")
		require.NoError(t, err)
		assert.Equal(t, []byte("v4"), rec.Data)
		assert.Equal(t, int64(4), rec.Version)
	})

	t.Run("uncommitted put is discarded on close", func(t *testing.T) {
		h, err := m.Acquire(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Put(ctx, "flow/a", storage.Record{Data: []byte("lost"), Version: 5, UpdatedAt: stamp}))
		require.NoError(t, h.Put(ctx, "flow/b", storage.Record{Data: []byte("lost"), Version: 1, UpdatedAt: stamp}))
		require.NoError(t, h.Close())

		rec, err := get(t, "flow/a")
		require.NoError(t, err)
		assert.Equal(t, []byte("v4"), rec.Data)
		_, err = get(t, "flow/b")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("keys are listed by prefix in order", func(t *testing.T) {
		put(t, "flow/c", storage.Record{Data: []byte("c"), Version: 1, UpdatedAt: stamp})
		put(t, "flow/b", storage.Record{Data: []byte("b"), Version: 1, UpdatedAt: stamp})
		put(t, "other/x", storage.Record{Data: []byte("x"), Version: 1, UpdatedAt: stamp})

		h, err := m.Acquire(ctx)
		require.NoError(t, err)
		defer h.Close()
		keys, err := h.Keys(ctx, "flow/")
		require.NoError(t, err)
		assert.Equal(t, []string{"flow/a", "flow/b", "flow/c"}, keys)
	})

	t.Run("delete removes key", func(t *testing.T) {
		h, err := m.Acquire(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Delete(ctx, "flow/c"))
		require.NoError(t, h.Delete(ctx, "flow/never-existed"))
		require.NoError(t, h.Commit(ctx))
		require.NoError(t, h.Close())

		_, err = get(t, "flow/c")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("invalid key", func(t *testing.T) {
		h, err := m.Acquire(ctx)
		require.NoError(t, err)
		defer h.Close()
		assert.ErrorIs(t, h.Put(ctx, "", storage.Record{Data: []byte("x")}), storage.ErrInvalidKey)
		_, err = h.Get(ctx, "")
		assert.ErrorIs(t, err, storage.ErrInvalidKey)
	})

	t.Run("closed handle", func(t *testing.T) {
		h, err := m.Acquire(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Close())
		require.NoError(t, h.Close(), "close must be idempotent")

		_, err = h.Get(ctx, "flow/a")
		assert.ErrorIs(t, err, storage.ErrHandleClosed)
		assert.ErrorIs(t, h.Put(ctx, "flow/a", storage.Record{Data: []byte("x")}), storage.ErrHandleClosed)
		assert.ErrorIs(t, h.Commit(ctx), storage.ErrHandleClosed)
	})

	t.Run("handles can be acquired after commit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			h, err := m.Acquire(ctx)
			require.NoError(t, err)
			require.NoError(t, h.Commit(ctx))
			require.NoError(t, h.Close())
		}
	})
}
