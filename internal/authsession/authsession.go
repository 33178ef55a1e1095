// Package authsession manages one-time email authentication sessions: a
// nonce-keyed record carrying a confirmation code, consumed atomically on
// the first confirm attempt.
package authsession

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openkcm/identity-broker/internal/ratelimit"
	"github.com/openkcm/identity-broker/internal/serviceerr"
	"github.com/openkcm/identity-broker/internal/store"
)

const keyPrefix = "session:"

// codeAlphabet leaves out characters users confuse when retyping a code
// from a mail client (0/O, 1/I/L, vowels that could spell words).
const (
	codeAlphabet = "BCDFGHJKMNPQRSTVWXYZ23456789"
	codeLength   = 6
)

// Session is one in-flight email authentication attempt.
type Session struct {
	Nonce        string    `json:"nonce"`
	Email        string    `json:"email"`
	ClientID     string    `json:"client_id"`
	RedirectURI  string    `json:"redirect_uri"`
	ResponseMode string    `json:"response_mode,omitempty"`
	SigningAlg   string    `json:"signing_alg,omitempty"`
	Code         string    `json:"code"`
	CreatedAt    time.Time `json:"created_at"`
}

// Claims is what a consumed session contributes to the minted token.
type Claims struct {
	Email        string
	ClientID     string
	RedirectURI  string
	ResponseMode string
	SigningAlg   string
}

// BeginRequest carries the already validated parameters of a fresh attempt.
// An empty Nonce gets a generated one.
type BeginRequest struct {
	Email        string
	ClientID     string
	RedirectURI  string
	ResponseMode string
	SigningAlg   string
	Nonce        string
}

type Manager struct {
	store      store.Store
	limiter    *ratelimit.Limiter
	sessionTTL time.Duration
}

func NewManager(st store.Store, limiter *ratelimit.Limiter, sessionTTL time.Duration) *Manager {
	return &Manager{
		store:      st,
		limiter:    limiter,
		sessionTTL: sessionTTL,
	}
}

// Begin checks the rate limit, then creates and stores a session with a
// fresh confirmation code. A rate-limited address causes no side effects
// beyond its own counter increment.
func (m *Manager) Begin(ctx context.Context, req BeginRequest) (Session, error) {
	if err := m.limiter.Check(ctx, req.Email); err != nil {
		return Session{}, err
	}

	nonce := req.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}

	session := Session{
		Nonce:        nonce,
		Email:        req.Email,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		ResponseMode: req.ResponseMode,
		SigningAlg:   req.SigningAlg,
		Code:         generateCode(),
		CreatedAt:    time.Now().UTC(),
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return Session{}, fmt.Errorf("encoding session: %w", err)
	}

	if err := m.store.Put(ctx, keyPrefix+nonce, raw, m.sessionTTL); err != nil {
		return Session{}, fmt.Errorf("storing session: %w", err)
	}

	return session, nil
}

// Confirm consumes the session and verifies the code. Unknown, expired and
// already-consumed nonces all report the identical ErrSessionNotFound. A
// wrong code reports ErrCodeMismatch with the session already gone, so a
// mismatch never gets a second guess.
func (m *Manager) Confirm(ctx context.Context, nonce, code string) (Claims, error) {
	raw, err := m.store.Take(ctx, keyPrefix+nonce)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return Claims{}, serviceerr.ErrSessionNotFound
		}

		return Claims{}, fmt.Errorf("taking session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Claims{}, fmt.Errorf("decoding session: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(normalizeCode(code)), []byte(session.Code)) != 1 {
		return Claims{}, serviceerr.ErrCodeMismatch
	}

	return Claims{
		Email:        session.Email,
		ClientID:     session.ClientID,
		RedirectURI:  session.RedirectURI,
		ResponseMode: session.ResponseMode,
		SigningAlg:   session.SigningAlg,
	}, nil
}

func generateCode() string {
	buf := make([]byte, codeLength)

	// rand.Read never fails on supported platforms.
	_, _ = rand.Read(buf)

	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	return string(buf)
}

// normalizeCode forgives the retyping slips the code alphabet still allows.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
