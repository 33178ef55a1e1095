package authsession_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/identity-broker/internal/authsession"
	"github.com/openkcm/identity-broker/internal/config"
	"github.com/openkcm/identity-broker/internal/ratelimit"
	"github.com/openkcm/identity-broker/internal/serviceerr"
	memorystore "github.com/openkcm/identity-broker/internal/store/memory"
)

func newManager(t *testing.T, sessionTTL time.Duration, limit config.Limit) *authsession.Manager {
	t.Helper()

	st := memorystore.New()

	return authsession.NewManager(st, ratelimit.New(st, limit), sessionTTL)
}

func beginRequest() authsession.BeginRequest {
	return authsession.BeginRequest{
		Email:       "user@example.com",
		ClientID:    "https://rp.example",
		RedirectURI: "https://rp.example/cb",
		Nonce:       "n1",
	}
}

func TestBegin(t *testing.T) {
	t.Run("creates a session with a confirmation code", func(t *testing.T) {
		// given
		manager := newManager(t, time.Minute, config.Limit{Count: 5, Window: time.Minute})

		// when
		session, err := manager.Begin(t.Context(), beginRequest())

		// then
		require.NoError(t, err)
		assert.Equal(t, "n1", session.Nonce)
		assert.Equal(t, "user@example.com", session.Email)
		assert.Len(t, session.Code, 6)
		assert.Equal(t, strings.ToUpper(session.Code), session.Code)
		assert.False(t, session.CreatedAt.IsZero())
	})

	t.Run("generates a nonce when the caller brings none", func(t *testing.T) {
		// given
		manager := newManager(t, time.Minute, config.Limit{Count: 5, Window: time.Minute})

		req := beginRequest()
		req.Nonce = ""

		// when
		session, err := manager.Begin(t.Context(), req)

		// then
		require.NoError(t, err)
		assert.NotEmpty(t, session.Nonce)
	})

	t.Run("distinct codes per session", func(t *testing.T) {
		// given
		manager := newManager(t, time.Minute, config.Limit{Count: 100, Window: time.Minute})

		codes := map[string]bool{}

		// when
		for range 20 {
			req := beginRequest()
			req.Nonce = ""

			session, err := manager.Begin(t.Context(), req)
			require.NoError(t, err)

			codes[session.Code] = true
		}

		// then
		assert.Greater(t, len(codes), 1)
	})

	t.Run("rate limited address", func(t *testing.T) {
		// given
		manager := newManager(t, time.Minute, config.Limit{Count: 2, Window: time.Minute})

		for range 2 {
			_, err := manager.Begin(t.Context(), beginRequest())
			require.NoError(t, err)
		}

		// when
		req := beginRequest()
		req.Nonce = "limited"
		_, err := manager.Begin(t.Context(), req)

		// then
		assert.ErrorIs(t, err, serviceerr.ErrRateLimited)

		// A limited attempt must not have stored a session.
		_, err = manager.Confirm(t.Context(), "limited", "XXXXXX")
		assert.ErrorIs(t, err, serviceerr.ErrSessionNotFound)
	})
}

func TestConfirm(t *testing.T) {
	t.Run("returns the claims once", func(t *testing.T) {
		// given
		manager := newManager(t, time.Minute, config.Limit{Count: 5, Window: time.Minute})

		session, err := manager.Begin(t.Context(), beginRequest())
		require.NoError(t, err)

		// when
		claims, err := manager.Confirm(t.Context(), session.Nonce, session.Code)

		// then
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", claims.Email)
		assert.Equal(t, "https://rp.example", claims.ClientID)
		assert.Equal(t, "https://rp.example/cb", claims.RedirectURI)

		// Replaying the consumed nonce must look like an unknown nonce.
		_, err = manager.Confirm(t.Context(), session.Nonce, session.Code)
		assert.ErrorIs(t, err, serviceerr.ErrSessionNotFound)
	})

	t.Run("forgives whitespace and case in the typed code", func(t *testing.T) {
		// given
		manager := newManager(t, time.Minute, config.Limit{Count: 5, Window: time.Minute})

		session, err := manager.Begin(t.Context(), beginRequest())
		require.NoError(t, err)

		// when
		_, err = manager.Confirm(t.Context(), session.Nonce, "  "+strings.ToLower(session.Code)+" ")

		// then
		require.NoError(t, err)
	})

	t.Run("wrong code consumes the session", func(t *testing.T) {
		// given
		manager := newManager(t, time.Minute, config.Limit{Count: 5, Window: time.Minute})

		session, err := manager.Begin(t.Context(), beginRequest())
		require.NoError(t, err)

		// when
		_, err = manager.Confirm(t.Context(), session.Nonce, "WRONG1")

		// then
		assert.ErrorIs(t, err, serviceerr.ErrCodeMismatch)

		// The right code gets no second chance.
		_, err = manager.Confirm(t.Context(), session.Nonce, session.Code)
		assert.ErrorIs(t, err, serviceerr.ErrSessionNotFound)
	})

	t.Run("unknown nonce", func(t *testing.T) {
		manager := newManager(t, time.Minute, config.Limit{Count: 5, Window: time.Minute})

		_, err := manager.Confirm(t.Context(), "never-created", "XXXXXX")
		assert.ErrorIs(t, err, serviceerr.ErrSessionNotFound)
	})

	t.Run("expired session", func(t *testing.T) {
		// given
		manager := newManager(t, 50*time.Millisecond, config.Limit{Count: 5, Window: time.Minute})

		session, err := manager.Begin(t.Context(), beginRequest())
		require.NoError(t, err)

		time.Sleep(120 * time.Millisecond)

		// when
		_, err = manager.Confirm(t.Context(), session.Nonce, session.Code)

		// then
		assert.ErrorIs(t, err, serviceerr.ErrSessionNotFound)
	})
}
