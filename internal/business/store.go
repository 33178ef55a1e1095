package business

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/identity-broker/internal/config"
	"github.com/openkcm/identity-broker/internal/store"
	memorystore "github.com/openkcm/identity-broker/internal/store/memory"
	postgresstore "github.com/openkcm/identity-broker/internal/store/postgres"
	sqlitestore "github.com/openkcm/identity-broker/internal/store/sqlite"
	"github.com/openkcm/identity-broker/internal/store/valkeystore"
)

// buildStore creates the configured backend. The returned close function
// releases the backend's resources and is safe to call on every path.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memorystore.New(), func() {}, nil

	case config.BackendSQLite:
		st, err := sqlitestore.New(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}

		return st, func() { _ = st.Close() }, nil

	case config.BackendPostgres:
		connStr, err := config.MakeConnStr(cfg.Store.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("making dsn from config: %w", err)
		}

		db, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return nil, nil, fmt.Errorf("initialising pgxpool connection: %w", err)
		}

		return postgresstore.New(db), db.Close, nil

	case config.BackendValkey:
		client, err := buildValkeyClient(cfg)
		if err != nil {
			return nil, nil, err
		}

		return valkeystore.New(client, cfg.Store.Valkey.Prefix), client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}
}

func buildValkeyClient(cfg *config.Config) (valkey.Client, error) {
	host, err := commoncfg.LoadValueFromSourceRef(cfg.Store.Valkey.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	username, err := commoncfg.LoadValueFromSourceRef(cfg.Store.Valkey.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	password, err := commoncfg.LoadValueFromSourceRef(cfg.Store.Valkey.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{string(host)},
		Username:    string(username),
		Password:    string(password),
	})
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return client, nil
}
