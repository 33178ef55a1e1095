// Package postgresstore is the shared SQL backend for multi-process
// deployments. DELETE ... RETURNING keeps session consumption atomic across
// broker processes sharing the database.
package postgresstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openkcm/identity-broker/internal/serviceerr"
	"github.com/openkcm/identity-broker/internal/store"
)

type Store struct {
	db *pgxpool.Pool
}

var _ = store.Store(&Store{})

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.db.Exec(
		ctx, `INSERT INTO entries (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET (value, expires_at) = (EXCLUDED.value, EXCLUDED.expires_at);`,
		key, value, time.Now().Add(ttl),
	); err != nil {
		return unavailable("inserting into entries", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.db.QueryRow(
		ctx, `SELECT value FROM entries WHERE key = $1 AND expires_at > now();`,
		key,
	).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, serviceerr.ErrNotFound
		}

		return nil, unavailable("selecting from entries", err)
	}

	return value, nil
}

func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.db.QueryRow(
		ctx, `DELETE FROM entries WHERE key = $1 AND expires_at > now() RETURNING value;`,
		key,
	).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, serviceerr.ErrNotFound
		}

		return nil, unavailable("deleting from entries", err)
	}

	return value, nil
}

func (s *Store) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	if err := s.db.QueryRow(
		ctx, `INSERT INTO counters (key, count, expires_at) VALUES ($1, 1, $2)
ON CONFLICT (key) DO UPDATE SET
	count = CASE WHEN counters.expires_at <= now() THEN 1 ELSE counters.count + 1 END,
	expires_at = CASE WHEN counters.expires_at <= now() THEN EXCLUDED.expires_at ELSE counters.expires_at END
RETURNING count;`,
		key, time.Now().Add(ttl),
	).Scan(&count); err != nil {
		return 0, unavailable("upserting into counters", err)
	}

	return count, nil
}

// Sweep deletes expired rows. The business layer runs it periodically.
func (s *Store) Sweep(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM entries WHERE expires_at <= now();`); err != nil {
		return unavailable("sweeping entries", err)
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM counters WHERE expires_at <= now();`); err != nil {
		return unavailable("sweeping counters", err)
	}

	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(err, serviceerr.ErrStoreUnavailable))
}
