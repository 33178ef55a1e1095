// Package store defines the expiring key-value contract shared by all
// storage backends. Sessions, rate-limit counters, discovery cache entries
// and persisted signing keys all live behind this interface; backend
// selection is a configuration-time choice.
package store

import (
	"context"
	"time"
)

// Store is the portability contract every backend satisfies.
//
// Semantics common to all backends:
//   - Put overwrites unconditionally and sets an absolute expiry.
//   - Get and Take report a missing or expired key as
//     serviceerr.ErrNotFound.
//   - Take fetches and deletes atomically: for concurrent Take calls on one
//     key exactly one caller observes the value, all others ErrNotFound.
//     This is the sole serialisation point for session consumption.
//   - IncrementWithExpiry atomically increments a counter, setting the
//     expiry only when the key is created; an expired counter counts as
//     freshly created.
//   - Backend I/O failures surface as serviceerr.ErrStoreUnavailable
//     (wrapped), never as not-found.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Take(ctx context.Context, key string) ([]byte, error)
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
