package keys

import (
	"context"
	"crypto"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// ManualManager serves operator-provided keys and never rotates. The first
// key of each algorithm signs; every further key of that algorithm is
// published for verification only.
type ManualManager struct {
	set  keySet
	algs []Algorithm
}

var _ = Manager(&ManualManager{})

// NewManual builds a manager from PEM key material read from keyfiles plus
// the optional inline keytext. At least one key must be provided, and every
// algorithm in required must be backed by a key so a misconfiguration fails
// at startup instead of on the first token request.
func NewManual(keyfiles []string, keytext string, required []Algorithm) (*ManualManager, error) {
	var signers []crypto.Signer

	for _, path := range keyfiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}

		decoded, err := DecodeAllPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parsing key file %s: %w", path, err)
		}

		signers = append(signers, decoded...)
	}

	if keytext != "" {
		decoded, err := DecodeAllPEM([]byte(keytext))
		if err != nil {
			return nil, fmt.Errorf("parsing keytext: %w", err)
		}

		signers = append(signers, decoded...)
	}

	if len(signers) == 0 {
		return nil, fmt.Errorf("no signing keys configured")
	}

	m := &ManualManager{set: keySet{pairs: map[Algorithm][]KeyPair{}}}

	for _, signer := range signers {
		alg, err := AlgorithmFor(signer)
		if err != nil {
			return nil, err
		}

		pair, err := NewKeyPair(alg, signer, time.Time{})
		if err != nil {
			return nil, err
		}

		if _, seen := m.set.pairs[alg]; !seen {
			m.algs = append(m.algs, alg)
		}

		m.set.pairs[alg] = append(m.set.pairs[alg], pair)
	}

	for _, alg := range required {
		if _, ok := m.set.pairs[alg]; !ok {
			return nil, fmt.Errorf("no key provided for configured algorithm %s", alg)
		}
	}

	return m, nil
}

func (m *ManualManager) Sign(_ context.Context, claims any, alg Algorithm) (string, error) {
	return m.set.sign(claims, alg)
}

func (m *ManualManager) PublicJWKS() jose.JSONWebKeySet {
	return m.set.jwks(m.algs)
}
