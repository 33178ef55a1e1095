package business

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-broker/internal/authsession"
	"github.com/openkcm/identity-broker/internal/broker"
	"github.com/openkcm/identity-broker/internal/business/server"
	"github.com/openkcm/identity-broker/internal/config"
	"github.com/openkcm/identity-broker/internal/discovery"
	"github.com/openkcm/identity-broker/internal/keys"
	"github.com/openkcm/identity-broker/internal/ratelimit"
	"github.com/openkcm/identity-broker/internal/store"
)

const sweepInterval = 10 * time.Minute

// Sweeper is implemented by the SQL backends, which need periodic reaping of
// expired rows.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Main wires the broker from the configuration and serves it until the
// context is cancelled.
func Main(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the store: %w", err)
	}

	defer closeStore()

	keyManager, rotating, err := buildKeyManager(ctx, cfg, st)
	if err != nil {
		return fmt.Errorf("initialising the key manager: %w", err)
	}

	b, err := buildBroker(cfg, st, keyManager)
	if err != nil {
		return fmt.Errorf("initialising the broker: %w", err)
	}

	// errChan is used to capture the first error and shutdown the tasks.
	errChan := make(chan error, 1)

	// wg is used to wait for all tasks to shutdown.
	var wg sync.WaitGroup

	// start the public HTTP API server
	wg.Go(func() {
		errChan <- server.StartHTTPServer(ctx, cfg, b, keyManager)
	})

	// start the key rotation task
	if rotating != nil {
		wg.Go(func() {
			errChan <- rotating.Run(ctx)
		})
	}

	// start the expired-row sweeper when the backend needs one
	if sweeper, ok := st.(Sweeper); ok {
		wg.Go(func() {
			errChan <- startSweeper(ctx, sweeper)
		})
	}

	// wait for any error to initiate the shutdown
	if err := <-errChan; err != nil {
		slogctx.Error(ctx, "Shutting down the broker", "error", err)
	}
	cancel()

	// wait for all tasks to shutdown
	wg.Wait()

	return nil
}

func startSweeper(ctx context.Context, sweeper Sweeper) error {
	c := time.Tick(sweepInterval)

	for {
		select {
		case <-c:
		case <-ctx.Done():
			return nil
		}

		if err := sweeper.Sweep(ctx); err != nil {
			slogctx.Error(ctx, "Failed to sweep expired entries", "error", err)
		}
	}
}

// buildKeyManager selects between operator-provided static keys and the
// rotating manager. The returned RotatingManager is nil in static mode.
func buildKeyManager(ctx context.Context, cfg *config.Config, st store.Store) (keys.Manager, *keys.RotatingManager, error) {
	algs, err := signingAlgs(cfg)
	if err != nil {
		return nil, nil, err
	}

	if len(cfg.Broker.Keyfiles) > 0 || cfg.Broker.Keytext != "" {
		manager, err := keys.NewManual(cfg.Broker.Keyfiles, cfg.Broker.Keytext, algs)
		if err != nil {
			return nil, nil, err
		}

		return manager, nil, nil
	}

	generator := &keys.CommandGenerator{
		RSACommand: strings.Fields(cfg.Broker.GenerateRSACommand),
	}

	rotating, err := keys.NewRotating(ctx, st, generator, algs, cfg.Broker.KeysTTL, cfg.Broker.TokenTTL)
	if err != nil {
		return nil, nil, err
	}

	return rotating, rotating, nil
}

func buildBroker(cfg *config.Config, st store.Store, keyManager keys.Manager) (*broker.Broker, error) {
	publicURL, err := url.Parse(cfg.Broker.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("parsing public URL: %w", err)
	}

	algs, err := signingAlgs(cfg)
	if err != nil {
		return nil, err
	}

	overrides, err := discovery.OverridesFromConfig(&cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("loading domain overrides: %w", err)
	}

	resolver := discovery.NewResolver(st, discovery.NewHTTPFetcher(nil), overrides, cfg.Broker.CacheTTL)

	limit, err := config.ParseLimit(cfg.Broker.LimitPerEmail)
	if err != nil {
		return nil, fmt.Errorf("parsing rate limit: %w", err)
	}

	sessions := authsession.NewManager(st, ratelimit.New(st, limit), cfg.Broker.SessionTTL)

	return broker.New(
		sessions,
		resolver,
		keyManager,
		broker.LogMailer{
			FromName:    cfg.Broker.Mail.FromName,
			FromAddress: cfg.Broker.Mail.FromAddress,
		},
		publicURL,
		cfg.Broker.AllowedOrigins,
		algs,
		cfg.Broker.TokenTTL,
	), nil
}

func signingAlgs(cfg *config.Config) ([]keys.Algorithm, error) {
	if len(cfg.Broker.SigningAlgs) == 0 {
		return []keys.Algorithm{keys.RS256}, nil
	}

	algs := make([]keys.Algorithm, 0, len(cfg.Broker.SigningAlgs))

	for _, name := range cfg.Broker.SigningAlgs {
		alg, err := keys.ParseAlgorithm(name)
		if err != nil {
			return nil, err
		}

		algs = append(algs, alg)
	}

	return algs, nil
}
