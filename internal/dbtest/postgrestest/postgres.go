package postgrestest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"

	slogctx "github.com/veqryn/slog-context"

	migrations "github.com/openkcm/identity-broker/sql/postgres"
)

const (
	DBHost     = "localhost"
	DBUser     = "postgres"
	DBPassword = "secret"
	DBName     = "identity_broker"
	DBSSLMode  = "disable"
)

// Start initialises a database instance with the broker schema applied and
// returns a connection pool, database port, and termination function.
//
// Database credentials are available as exported variables.
func Start(ctx context.Context) (*pgxpool.Pool, nat.Port, func(ctx context.Context)) {
	pgContainer, err := postgres.Run(
		ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(DBName),
		postgres.WithUsername(DBUser),
		postgres.WithPassword(DBPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		slogctx.Error(ctx, "Failed to start PostgreSQL", slog.String("error", err.Error()))
		panic(err)
	}

	port, err := pgContainer.MappedPort(ctx, nat.Port("5432"))
	if err != nil {
		slogctx.Error(ctx, "Failed to get mapped port for the PostgreSQL container", slog.String("error", err.Error()))
		panic(err)
	}

	connStr := ConnStr(port)

	if err := migrate(ctx, connStr); err != nil {
		slogctx.Error(ctx, "Failed to apply migrations", slog.String("error", err.Error()))
		panic(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		slogctx.Error(ctx, "Failed to create a pgx pool", slog.String("error", err.Error()))
		panic(err)
	}

	terminate := func(ctx context.Context) {
		pool.Close()

		if err := pgContainer.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Failed to terminate PostgreSQL container", slog.String("error", err.Error()))
			panic(err)
		}
	}

	return pool, port, terminate
}

// ConnStr builds the connection string for the started container.
func ConnStr(port nat.Port) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		DBUser, DBPassword, net.JoinHostPort(DBHost, port.Port()), DBName, DBSSLMode)
}

func migrate(ctx context.Context, connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("opening DB connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}
