// Package sqlitestore is the embedded SQL backend, backed by a single
// database file. It suits single-instance deployments that must survive
// restarts without running external infrastructure.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/pressly/goose/v3"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	// Register the pure-Go sqlite driver
	_ "modernc.org/sqlite"

	"github.com/openkcm/identity-broker/internal/serviceerr"
	"github.com/openkcm/identity-broker/internal/store"
	migrations "github.com/openkcm/identity-broker/sql/sqlite"
)

type Store struct {
	db *sql.DB
}

var _ = store.Store(&Store{})

// New opens the database file and applies the schema migrations.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := otelsql.Open("sqlite", path, otelsql.WithAttributes(semconv.DBSystemNameSQLite))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// A single connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return nil, fmt.Errorf("applying sqlite migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.db.ExecContext(
		ctx, `INSERT INTO entries (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET (value, expires_at) = (excluded.value, excluded.expires_at);`,
		key, value, time.Now().Add(ttl).UnixMilli(),
	); err != nil {
		return unavailable("inserting into entries", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.db.QueryRowContext(
		ctx, `SELECT value FROM entries WHERE key = ? AND expires_at > ?;`,
		key, time.Now().UnixMilli(),
	).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, serviceerr.ErrNotFound
		}

		return nil, unavailable("selecting from entries", err)
	}

	return value, nil
}

func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.db.QueryRowContext(
		ctx, `DELETE FROM entries WHERE key = ? AND expires_at > ? RETURNING value;`,
		key, time.Now().UnixMilli(),
	).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, serviceerr.ErrNotFound
		}

		return nil, unavailable("deleting from entries", err)
	}

	return value, nil
}

func (s *Store) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()

	var count int64
	if err := s.db.QueryRowContext(
		ctx, `INSERT INTO counters (key, count, expires_at) VALUES (?, 1, ?)
ON CONFLICT (key) DO UPDATE SET
	count = CASE WHEN counters.expires_at <= ? THEN 1 ELSE counters.count + 1 END,
	expires_at = CASE WHEN counters.expires_at <= ? THEN excluded.expires_at ELSE counters.expires_at END
RETURNING count;`,
		key, now.Add(ttl).UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	).Scan(&count); err != nil {
		return 0, unavailable("upserting into counters", err)
	}

	return count, nil
}

// Sweep deletes expired rows. The business layer runs it periodically.
func (s *Store) Sweep(ctx context.Context) error {
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE expires_at <= ?;`, now); err != nil {
		return unavailable("sweeping entries", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE expires_at <= ?;`, now); err != nil {
		return unavailable("sweeping counters", err)
	}

	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(err, serviceerr.ErrStoreUnavailable))
}
