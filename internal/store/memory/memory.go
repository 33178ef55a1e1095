// Package memorystore is the volatile in-process backend. It is meant for
// single-instance deployments and tests.
package memorystore

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/openkcm/identity-broker/internal/serviceerr"
	"github.com/openkcm/identity-broker/internal/store"
)

const janitorInterval = time.Minute

type Store struct {
	// mu serialises Take and IncrementWithExpiry; the cache's own locking
	// only covers single operations.
	mu    sync.Mutex
	cache *gocache.Cache
}

var _ = store.Store(&Store{})

func New() *Store {
	return &Store{
		cache: gocache.New(gocache.NoExpiration, janitorInterval),
	}
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.cache.Set(key, buf, ttl)

	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, serviceerr.ErrNotFound
	}

	return cloneValue(v), nil
}

func (s *Store) Take(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(key)
	if !ok {
		return nil, serviceerr.ErrNotFound
	}

	s.cache.Delete(key)

	return cloneValue(v), nil
}

// cloneValue detaches the returned bytes from the cached entry so callers
// cannot mutate stored state through the returned slice.
func cloneValue(v any) []byte {
	buf := v.([]byte)
	out := make([]byte, len(buf))
	copy(out, buf)

	return out
}

func (s *Store) IncrementWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache.Get(key); !ok {
		s.cache.Set(key, int64(1), ttl)

		return 1, nil
	}

	count, err := s.cache.IncrementInt64(key, 1)
	if err != nil {
		// The entry expired between Get and Increment; start a new window.
		s.cache.Set(key, int64(1), ttl)

		return 1, nil
	}

	return count, nil
}
