package keys

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os/exec"

	"github.com/openkcm/identity-broker/internal/serviceerr"
)

// Generator produces fresh private keys. It is treated as a black box; the
// default implementation shells out for RSA because RSA generation is slow
// and operators may want to pin the tooling that produces their keys.
type Generator interface {
	Generate(ctx context.Context, alg Algorithm) (crypto.Signer, error)
}

// CommandGenerator runs an external command (such as "openssl genrsa 2048")
// to obtain RSA keys and generates Ed25519 keys in-process.
type CommandGenerator struct {
	// RSACommand is the argv of the command emitting a PEM encoded RSA
	// private key on stdout.
	RSACommand []string
}

var _ = Generator(&CommandGenerator{})

func (g *CommandGenerator) Generate(ctx context.Context, alg Algorithm) (crypto.Signer, error) {
	switch alg {
	case RS256:
		return g.generateRSA(ctx)
	case EdDSA:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ed25519 key: %w", errors.Join(err, serviceerr.ErrKeyGeneration))
		}

		return key, nil
	default:
		return nil, fmt.Errorf("generating key for %q: %w", alg, serviceerr.ErrNoSuchAlgorithm)
	}
}

func (g *CommandGenerator) generateRSA(ctx context.Context) (crypto.Signer, error) {
	if len(g.RSACommand) == 0 {
		return nil, fmt.Errorf("no RSA generate command configured: %w", serviceerr.ErrKeyGeneration)
	}

	out, err := exec.CommandContext(ctx, g.RSACommand[0], g.RSACommand[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("running %q: %w", g.RSACommand[0], errors.Join(err, serviceerr.ErrKeyGeneration))
	}

	signer, err := DecodePEM(out)
	if err != nil {
		return nil, fmt.Errorf("parsing generated key: %w", errors.Join(err, serviceerr.ErrKeyGeneration))
	}

	return signer, nil
}
