package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeHarness adapts one backend to the shared contract tests. advance moves
// the backend clock forward; it may sleep for backends without a fake clock.
type storeHarness struct {
	store   Store
	advance func(d time.Duration)
}

func runStoreContract(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	t.Run("SetGetRoundTrip", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.store.Set(ctx, "pending:a", []byte(`{"v":1}`), time.Minute))
		got, err := h.store.Get(ctx, "pending:a")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"v":1}`), got)

		ok, err := h.store.Has(ctx, "pending:a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("MissingKey", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		_, err := h.store.Get(ctx, "pending:missing")
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err := h.store.Has(ctx, "pending:missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Overwrite", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.store.Set(ctx, "k", []byte("one"), time.Minute))
		require.NoError(t, h.store.Set(ctx, "k", []byte("two"), time.Minute))
		got, err := h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)
	})

	t.Run("Delete", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.store.Set(ctx, "k", []byte("v"), time.Minute))
		require.NoError(t, h.store.Delete(ctx, "k"))
		_, err := h.store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting an absent key is not an error.
		require.NoError(t, h.store.Delete(ctx, "k"))
	})

	t.Run("ExpiredEntryIsUnreachable", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.store.Set(ctx, "short", []byte("v"), time.Second))
		require.NoError(t, h.store.Set(ctx, "long", []byte("v"), time.Hour))
		h.advance(2 * time.Second)

		_, err := h.store.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrNotFound)
		ok, err := h.store.Has(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = h.store.Get(ctx, "long")
		assert.NoError(t, err)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.store.Set(ctx, "k", []byte("pending"), time.Minute))

		swapped, err := h.store.CompareAndSwap(ctx, "k", []byte("other"), []byte("used"))
		require.NoError(t, err)
		assert.False(t, swapped, "stale old value must not swap")

		swapped, err = h.store.CompareAndSwap(ctx, "k", []byte("pending"), []byte("used"))
		require.NoError(t, err)
		assert.True(t, swapped)

		got, err := h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("used"), got)

		swapped, err = h.store.CompareAndSwap(ctx, "absent", []byte("pending"), []byte("used"))
		require.NoError(t, err)
		assert.False(t, swapped)
	})

	t.Run("CompareAndSwapKeepsExpiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.store.Set(ctx, "k", []byte("a"), time.Second))
		swapped, err := h.store.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"))
		require.NoError(t, err)
		require.True(t, swapped)

		h.advance(2 * time.Second)
		_, err = h.store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentCompareAndSwapHasOneWinner", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.store.Set(ctx, "k", []byte("pending"), time.Minute))

		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := h.store.CompareAndSwap(ctx, "k", []byte("pending"), []byte("used"))
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("Clear", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.store.Set(ctx, "a", []byte("1"), time.Minute))
		require.NoError(t, h.store.Set(ctx, "b", []byte("2"), 0))
		require.NoError(t, h.store.Clear(ctx))

		for _, k := range []string{"a", "b"} {
			ok, err := h.store.Has(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok, k)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		h := newHarness(t)
		assert.NoError(t, h.store.Ping(context.Background()))
	})
}
