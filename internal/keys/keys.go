// Package keys owns the signing key lifecycle: generation, rotation,
// persistence through the store, and JWKS publication. It is the only
// package that touches private key material.
package keys

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/openkcm/identity-broker/internal/serviceerr"
)

type Algorithm string

const (
	RS256 Algorithm = "RS256"
	EdDSA Algorithm = "EdDSA"
)

func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case RS256:
		return RS256, nil
	case EdDSA:
		return EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported signing algorithm: %q", s)
	}
}

func (a Algorithm) jose() jose.SignatureAlgorithm {
	switch a {
	case EdDSA:
		return jose.EdDSA
	default:
		return jose.RS256
	}
}

// Manager is the signing facade the protocol layer talks to.
type Manager interface {
	// Sign mints a token over the claims with the current signing key of
	// the requested algorithm. Returns serviceerr.ErrNoSuchAlgorithm when
	// the algorithm is not configured.
	Sign(ctx context.Context, claims any, alg Algorithm) (string, error)

	// PublicJWKS returns every currently known public key across all
	// configured algorithms.
	PublicJWKS() jose.JSONWebKeySet
}

// KeyPair is one asymmetric signing key with its derived metadata.
type KeyPair struct {
	Algorithm Algorithm
	Signer    crypto.Signer
	KeyID     string
	CreatedAt time.Time
}

func NewKeyPair(alg Algorithm, signer crypto.Signer, createdAt time.Time) (KeyPair, error) {
	id, err := keyID(signer.Public())
	if err != nil {
		return KeyPair{}, err
	}

	return KeyPair{
		Algorithm: alg,
		Signer:    signer,
		KeyID:     id,
		CreatedAt: createdAt,
	}, nil
}

func (p KeyPair) publicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       p.Signer.Public(),
		KeyID:     p.KeyID,
		Algorithm: string(p.Algorithm),
		Use:       "sig",
	}
}

// keyID derives a stable identifier from the public key encoding, so relying
// parties can match a token's kid across rotations.
func keyID(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}

	sum := sha256.Sum256(der)

	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// EncodePEM serialises a private key the way the external generators emit
// them: PKCS#1 for RSA, PKCS#8 for everything else.
func EncodePEM(signer crypto.Signer) ([]byte, error) {
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		return pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}), nil
	default:
		der, err := x509.MarshalPKCS8PrivateKey(signer)
		if err != nil {
			return nil, fmt.Errorf("encoding private key: %w", err)
		}

		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}
}

// DecodePEM parses the first private key block found in the input.
func DecodePEM(data []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block

		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no private key found in PEM data")
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing PKCS#1 private key: %w", err)
			}

			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing PKCS#8 private key: %w", err)
			}

			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type %T", key)
			}

			return signer, nil
		}
	}
}

// DecodeAllPEM parses every private key block found in the input. Blocks of
// other types are skipped.
func DecodeAllPEM(data []byte) ([]crypto.Signer, error) {
	var signers []crypto.Signer

	for {
		var block *pem.Block

		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing PKCS#1 private key: %w", err)
			}

			signers = append(signers, key)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing PKCS#8 private key: %w", err)
			}

			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type %T", key)
			}

			signers = append(signers, signer)
		}
	}

	if len(signers) == 0 {
		return nil, errors.New("no private key found in PEM data")
	}

	return signers, nil
}

// AlgorithmFor reports the algorithm a private key can serve.
func AlgorithmFor(signer crypto.Signer) (Algorithm, error) {
	switch signer.(type) {
	case *rsa.PrivateKey:
		return RS256, nil
	case ed25519.PrivateKey:
		return EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported private key type %T", signer)
	}
}

// keySet is one immutable published snapshot: per algorithm the signing key
// first, older verification-only keys after it.
type keySet struct {
	pairs map[Algorithm][]KeyPair
}

func (ks *keySet) sign(claims any, alg Algorithm) (string, error) {
	pairs, ok := ks.pairs[alg]
	if !ok || len(pairs) == 0 {
		return "", serviceerr.ErrNoSuchAlgorithm
	}

	current := pairs[0]

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: alg.jose(),
		Key:       jose.JSONWebKey{Key: current.Signer, KeyID: current.KeyID},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing claims: %w", err)
	}

	return token, nil
}

func (ks *keySet) jwks(order []Algorithm) jose.JSONWebKeySet {
	var set jose.JSONWebKeySet
	for _, alg := range order {
		for _, pair := range ks.pairs[alg] {
			set.Keys = append(set.Keys, pair.publicJWK())
		}
	}

	return set
}
