// Package valkeystore is the remote cache backend. It is the backend to use
// when several broker processes share one deployment: GETDEL makes session
// consumption atomic across processes.
package valkeystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/identity-broker/internal/serviceerr"
	"github.com/openkcm/identity-broker/internal/store"
)

type Store struct {
	valkey valkey.Client
	prefix string
}

var _ = store.Store(&Store{})

func New(valkeyClient valkey.Client, prefix string) *Store {
	prefix = strings.TrimSuffix(prefix, ":")

	return &Store{
		valkey: valkeyClient,
		prefix: prefix,
	}
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := s.valkey.B().Set().Key(s.key(key)).Value(valkey.BinaryString(value)).Px(ttl).Build()
	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		return unavailable("executing set command", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	bytes, err := s.valkey.Do(ctx, s.valkey.B().Get().Key(s.key(key)).Build()).AsBytes()
	if err != nil {
		if valkeyErr, ok := valkey.IsValkeyErr(err); ok && valkeyErr.IsNil() {
			return nil, serviceerr.ErrNotFound
		}

		return nil, unavailable("executing get command", err)
	}

	return bytes, nil
}

func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	bytes, err := s.valkey.Do(ctx, s.valkey.B().Getdel().Key(s.key(key)).Build()).AsBytes()
	if err != nil {
		if valkeyErr, ok := valkey.IsValkeyErr(err); ok && valkeyErr.IsNil() {
			return nil, serviceerr.ErrNotFound
		}

		return nil, unavailable("executing getdel command", err)
	}

	return bytes, nil
}

func (s *Store) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.valkey.Do(ctx, s.valkey.B().Incr().Key(s.key(key)).Build()).AsInt64()
	if err != nil {
		return 0, unavailable("executing incr command", err)
	}

	// NX only sets the expiry when the key has none yet, so the window stays
	// anchored at the first increment.
	cmd := s.valkey.B().Pexpire().Key(s.key(key)).Milliseconds(ttl.Milliseconds()).Nx().Build()
	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		return 0, unavailable("executing pexpire command", err)
	}

	return count, nil
}

func (s *Store) key(key string) string {
	if s.prefix == "" {
		return key
	}

	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(err, serviceerr.ErrStoreUnavailable))
}
