package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-broker/internal/serviceerr"
	"github.com/openkcm/identity-broker/internal/store"
)

const storeKeyPrefix = "keys:"

// persistedPair is the store encoding of one key pair.
type persistedPair struct {
	PEM       string    `json:"pem"`
	CreatedAt time.Time `json:"created_at"`
}

type persistedSet struct {
	Current  persistedPair  `json:"current"`
	Previous *persistedPair `json:"previous,omitempty"`
}

// RotatingManager generates a key pair per configured algorithm, persists it
// through the store, and replaces it every keysTTL. The published set is
// swapped atomically so concurrent signers always observe a complete set.
type RotatingManager struct {
	store     store.Store
	generator Generator
	algs      []Algorithm
	keysTTL   time.Duration
	tokenTTL  time.Duration

	published atomic.Pointer[keySet]
}

var _ = Manager(&RotatingManager{})

// NewRotating loads any persisted keys and synchronously generates the
// missing ones, so a usable signing key exists before any request is served.
// A generation failure here is fatal to startup.
func NewRotating(
	ctx context.Context,
	st store.Store,
	generator Generator,
	algs []Algorithm,
	keysTTL, tokenTTL time.Duration,
) (*RotatingManager, error) {
	m := &RotatingManager{
		store:     st,
		generator: generator,
		algs:      algs,
		keysTTL:   keysTTL,
		tokenTTL:  tokenTTL,
	}

	pairs := make(map[Algorithm][]KeyPair, len(algs))

	for _, alg := range algs {
		loaded, err := m.load(ctx, alg)
		if err != nil && !errors.Is(err, serviceerr.ErrNotFound) {
			return nil, fmt.Errorf("loading persisted keys for %s: %w", alg, err)
		}

		if len(loaded) == 0 {
			pair, err := m.generate(ctx, alg)
			if err != nil {
				return nil, fmt.Errorf("generating initial key for %s: %w", alg, err)
			}

			loaded = []KeyPair{pair}
			if err := m.persist(ctx, alg, loaded); err != nil {
				return nil, fmt.Errorf("persisting initial key for %s: %w", alg, err)
			}
		}

		pairs[alg] = loaded
	}

	m.published.Store(&keySet{pairs: pairs})

	return m, nil
}

func (m *RotatingManager) Sign(_ context.Context, claims any, alg Algorithm) (string, error) {
	return m.published.Load().sign(claims, alg)
}

func (m *RotatingManager) PublicJWKS() jose.JSONWebKeySet {
	return m.published.Load().jwks(m.algs)
}

// Run rotates keys until the context is cancelled. A failed rotation is
// logged and retried at the next interval; the previous keys keep serving.
func (m *RotatingManager) Run(ctx context.Context) error {
	for {
		select {
		case <-time.After(time.Until(m.nextRotation())):
		case <-ctx.Done():
			return nil
		}

		if err := m.Rotate(ctx); err != nil {
			slogctx.Error(ctx, "Key rotation failed, keeping previous keys", "error", err)

			select {
			case <-time.After(m.keysTTL):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Rotate generates a fresh pair per algorithm and atomically publishes the
// new set. The superseded pair stays published for verification.
func (m *RotatingManager) Rotate(ctx context.Context) error {
	current := m.published.Load()
	pairs := make(map[Algorithm][]KeyPair, len(m.algs))

	for _, alg := range m.algs {
		fresh, err := m.generate(ctx, alg)
		if err != nil {
			return fmt.Errorf("generating key for %s: %w", alg, err)
		}

		next := []KeyPair{fresh}
		if old := current.pairs[alg]; len(old) > 0 {
			// The newest superseded key stays published until no token it
			// signed can still be inside its validity window.
			if time.Since(old[0].CreatedAt) < m.keysTTL+m.tokenTTL {
				next = append(next, old[0])
			}
		}

		if err := m.persist(ctx, alg, next); err != nil {
			return fmt.Errorf("persisting keys for %s: %w", alg, err)
		}

		pairs[alg] = next
	}

	m.published.Store(&keySet{pairs: pairs})
	slogctx.Info(ctx, "Rotated signing keys", "algorithms", m.algs)

	return nil
}

func (m *RotatingManager) nextRotation() time.Time {
	next := time.Now().Add(m.keysTTL)

	for _, pairs := range m.published.Load().pairs {
		if len(pairs) == 0 {
			continue
		}

		if due := pairs[0].CreatedAt.Add(m.keysTTL); due.Before(next) {
			next = due
		}
	}

	return next
}

func (m *RotatingManager) generate(ctx context.Context, alg Algorithm) (KeyPair, error) {
	signer, err := m.generator.Generate(ctx, alg)
	if err != nil {
		return KeyPair{}, err
	}

	return NewKeyPair(alg, signer, time.Now())
}

func (m *RotatingManager) load(ctx context.Context, alg Algorithm) ([]KeyPair, error) {
	raw, err := m.store.Get(ctx, storeKeyPrefix+string(alg))
	if err != nil {
		return nil, err
	}

	var persisted persistedSet
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return nil, fmt.Errorf("decoding persisted keys: %w", err)
	}

	pairs := make([]KeyPair, 0, 2)

	for _, p := range []*persistedPair{&persisted.Current, persisted.Previous} {
		if p == nil {
			continue
		}

		signer, err := DecodePEM([]byte(p.PEM))
		if err != nil {
			return nil, fmt.Errorf("decoding persisted key: %w", err)
		}

		pair, err := NewKeyPair(alg, signer, p.CreatedAt)
		if err != nil {
			return nil, err
		}

		pairs = append(pairs, pair)
	}

	return pairs, nil
}

func (m *RotatingManager) persist(ctx context.Context, alg Algorithm, pairs []KeyPair) error {
	currentPEM, err := EncodePEM(pairs[0].Signer)
	if err != nil {
		return err
	}

	persisted := persistedSet{
		Current: persistedPair{PEM: string(currentPEM), CreatedAt: pairs[0].CreatedAt},
	}

	if len(pairs) > 1 {
		previousPEM, err := EncodePEM(pairs[1].Signer)
		if err != nil {
			return err
		}

		persisted.Previous = &persistedPair{PEM: string(previousPEM), CreatedAt: pairs[1].CreatedAt}
	}

	raw, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("encoding keys: %w", err)
	}

	// Outlive two full rotation periods so a restarted process can always
	// pick up where the previous one left off.
	return m.store.Put(ctx, storeKeyPrefix+string(alg), raw, 2*m.keysTTL+m.tokenTTL)
}
