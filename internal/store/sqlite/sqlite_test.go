package sqlitestore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sqlitestore "github.com/openkcm/identity-broker/internal/store/sqlite"
	"github.com/openkcm/identity-broker/internal/store"
	"github.com/openkcm/identity-broker/internal/store/storetest"
)

func newStore(t *testing.T) *sqlitestore.Store {
	t.Helper()

	s, err := sqlitestore.New(t.Context(), filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newStore(t)
	})
}

func TestSweep(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "gone", []byte("v"), 10*time.Millisecond))
	require.NoError(t, s.Put(ctx, "kept", []byte("v"), time.Minute))

	_, err := s.IncrementWithExpiry(ctx, "c-gone", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Sweep(ctx))

	_, err = s.Get(ctx, "kept")
	require.NoError(t, err)
}
