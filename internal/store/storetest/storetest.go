// Package storetest holds the portability contract suite. Every backend
// must pass it unchanged; the suite is the executable form of the Store
// interface semantics.
package storetest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/identity-broker/internal/serviceerr"
	"github.com/openkcm/identity-broker/internal/store"
)

// Run exercises the Store contract against a fresh backend instance.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("put and get round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.Put(ctx, "k1", []byte("v1"), time.Minute))

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("put overwrites unconditionally", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.Put(ctx, "k1", []byte("old"), time.Minute))
		require.NoError(t, s.Put(ctx, "k1", []byte("new"), time.Minute))

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got)
	})

	t.Run("get missing key", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(t.Context(), "absent")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("get expired key", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.Put(ctx, "k1", []byte("v1"), 50*time.Millisecond))
		time.Sleep(120 * time.Millisecond)

		_, err := s.Get(ctx, "k1")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("take returns and deletes", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.Put(ctx, "k1", []byte("v1"), time.Minute))

		got, err := s.Take(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		_, err = s.Take(ctx, "k1")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)

		_, err = s.Get(ctx, "k1")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("take missing key", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Take(t.Context(), "absent")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("take expired key", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.Put(ctx, "k1", []byte("v1"), 50*time.Millisecond))
		time.Sleep(120 * time.Millisecond)

		_, err := s.Take(ctx, "k1")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("concurrent take has exactly one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.Put(ctx, "k1", []byte("v1"), time.Minute))

		const callers = 16

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)

		for range callers {
			wg.Go(func() {
				if _, err := s.Take(ctx, "k1"); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			})
		}

		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("increment counts up within the window", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		for want := int64(1); want <= 5; want++ {
			got, err := s.IncrementWithExpiry(ctx, "c1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("increment keys are independent", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		_, err := s.IncrementWithExpiry(ctx, "c1", time.Minute)
		require.NoError(t, err)

		got, err := s.IncrementWithExpiry(ctx, "c2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})

	t.Run("expired window resets the count", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		for range 3 {
			_, err := s.IncrementWithExpiry(ctx, "c1", 100*time.Millisecond)
			require.NoError(t, err)
		}

		time.Sleep(250 * time.Millisecond)

		got, err := s.IncrementWithExpiry(ctx, "c1", 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})

	t.Run("concurrent increments observe distinct counts", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		const callers = 8

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = map[int64]bool{}
		)

		for range callers {
			wg.Go(func() {
				count, err := s.IncrementWithExpiry(ctx, "c1", time.Minute)
				if err != nil {
					return
				}

				mu.Lock()
				seen[count] = true
				mu.Unlock()
			})
		}

		wg.Wait()
		assert.Len(t, seen, callers)
	})
}
