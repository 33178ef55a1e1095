package broker_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/identity-broker/internal/authsession"
	"github.com/openkcm/identity-broker/internal/broker"
	"github.com/openkcm/identity-broker/internal/config"
	"github.com/openkcm/identity-broker/internal/discovery"
	"github.com/openkcm/identity-broker/internal/keys"
	"github.com/openkcm/identity-broker/internal/ratelimit"
	"github.com/openkcm/identity-broker/internal/serviceerr"
	memorystore "github.com/openkcm/identity-broker/internal/store/memory"
)

type fakeResolver struct {
	result discovery.Result
	err    error
}

func (r *fakeResolver) Resolve(_ context.Context, _ string) (discovery.Result, error) {
	return r.result, r.err
}

type fakeMailer struct {
	sent []broker.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg broker.Message) error {
	if m.err != nil {
		return m.err
	}

	m.sent = append(m.sent, msg)

	return nil
}

type brokerOptions struct {
	resolver       broker.Resolver
	mailer         broker.Mailer
	allowedOrigins []string
	limit          config.Limit
	tokenTTL       time.Duration
}

func newBroker(t *testing.T, opts brokerOptions) (*broker.Broker, keys.Manager) {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemData, err := keys.EncodePEM(key)
	require.NoError(t, err)

	manager, err := keys.NewManual(nil, string(pemData), nil)
	require.NoError(t, err)

	if opts.resolver == nil {
		opts.resolver = &fakeResolver{}
	}

	if opts.mailer == nil {
		opts.mailer = &fakeMailer{}
	}

	if opts.limit.Count == 0 {
		opts.limit = config.Limit{Count: 5, Window: time.Minute}
	}

	if opts.tokenTTL == 0 {
		opts.tokenTTL = 10 * time.Minute
	}

	st := memorystore.New()
	sessions := authsession.NewManager(st, ratelimit.New(st, opts.limit), 15*time.Minute)

	publicURL, err := url.Parse("https://broker.example")
	require.NoError(t, err)

	return broker.New(
		sessions,
		opts.resolver,
		manager,
		opts.mailer,
		publicURL,
		opts.allowedOrigins,
		[]keys.Algorithm{keys.EdDSA},
		opts.tokenTTL,
	), manager
}

func validRequest() broker.Request {
	return broker.Request{
		Email:       "user@example.com",
		ClientID:    "https://rp.example",
		RedirectURI: "https://rp.example/cb",
		Nonce:       "n1",
	}
}

func TestBeginAuthSelfHandle(t *testing.T) {
	// given
	mailer := &fakeMailer{}
	b, _ := newBroker(t, brokerOptions{mailer: mailer})

	// when
	resp, err := b.BeginAuth(t.Context(), validRequest())

	// then
	require.NoError(t, err)
	assert.Equal(t, broker.KindAwaitEmail, resp.Kind)
	assert.Equal(t, "user@example.com", resp.Email)
	assert.Equal(t, "n1", resp.Nonce)

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, "user@example.com", msg.To)
	assert.Equal(t, "https://rp.example", msg.ClientID)
	assert.NotEmpty(t, msg.Code)
	assert.Contains(t, msg.ConfirmURL, "https://broker.example/confirm?")
	assert.Contains(t, msg.ConfirmURL, "session=n1")
	assert.Contains(t, msg.ConfirmURL, "code="+msg.Code)
}

func TestBeginAuthDelegate(t *testing.T) {
	// given
	mailer := &fakeMailer{}
	b, _ := newBroker(t, brokerOptions{
		resolver: &fakeResolver{result: discovery.Result{
			Delegate: true,
			Link:     discovery.Link{Rel: discovery.RelGoogleIDP, Href: "https://accounts.google.com"},
		}},
		mailer: mailer,
	})

	// when
	resp, err := b.BeginAuth(t.Context(), validRequest())

	// then
	require.NoError(t, err)
	assert.Equal(t, broker.KindRedirect, resp.Kind)
	assert.Contains(t, resp.RedirectURL, "https://accounts.google.com?")
	assert.Contains(t, resp.RedirectURL, "login_hint=user%40example.com")
	assert.Contains(t, resp.RedirectURL, "redirect_uri=https%3A%2F%2Frp.example%2Fcb")
	assert.Contains(t, resp.RedirectURL, "nonce=n1")
	assert.Empty(t, mailer.sent, "delegation must not dispatch mail")

	// No session exists for the nonce.
	_, err = b.CompleteAuth(t.Context(), "n1", "XXXXXX")
	assert.ErrorIs(t, err, serviceerr.ErrSessionNotFound)
}

func TestBeginAuthValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*broker.Request)
		wantErr error
	}{
		{
			name:    "client_id with a path",
			mutate:  func(r *broker.Request) { r.ClientID = "https://rp.example/app" },
			wantErr: serviceerr.ErrInvalidRequest,
		},
		{
			name:    "client_id not a url",
			mutate:  func(r *broker.Request) { r.ClientID = "rp.example" },
			wantErr: serviceerr.ErrInvalidRequest,
		},
		{
			name:    "redirect_uri on a foreign origin",
			mutate:  func(r *broker.Request) { r.RedirectURI = "https://evil.example/cb" },
			wantErr: serviceerr.ErrInvalidRequest,
		},
		{
			name:    "invalid email",
			mutate:  func(r *broker.Request) { r.Email = "not-an-address" },
			wantErr: serviceerr.ErrInvalidRequest,
		},
		{
			name:    "display name form is rejected",
			mutate:  func(r *broker.Request) { r.Email = "Alice <alice@example.com>" },
			wantErr: serviceerr.ErrInvalidRequest,
		},
		{
			name:    "unsupported response mode",
			mutate:  func(r *broker.Request) { r.ResponseMode = "query" },
			wantErr: serviceerr.ErrInvalidRequest,
		},
		{
			name:    "disabled signing algorithm",
			mutate:  func(r *broker.Request) { r.SigningAlg = "RS256" },
			wantErr: serviceerr.ErrNoSuchAlgorithm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// given
			b, _ := newBroker(t, brokerOptions{})

			req := validRequest()
			tt.mutate(&req)

			// when
			_, err := b.BeginAuth(t.Context(), req)

			// then
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBeginAuthOriginAllowList(t *testing.T) {
	t.Run("listed origin passes", func(t *testing.T) {
		b, _ := newBroker(t, brokerOptions{allowedOrigins: []string{"https://rp.example"}})

		_, err := b.BeginAuth(t.Context(), validRequest())
		assert.NoError(t, err)
	})

	t.Run("unlisted origin is rejected", func(t *testing.T) {
		b, _ := newBroker(t, brokerOptions{allowedOrigins: []string{"https://other.example"}})

		_, err := b.BeginAuth(t.Context(), validRequest())
		assert.ErrorIs(t, err, serviceerr.ErrInvalidRequest)
	})
}

func TestBeginAuthNormalizesEmail(t *testing.T) {
	// given
	mailer := &fakeMailer{}
	b, _ := newBroker(t, brokerOptions{mailer: mailer})

	req := validRequest()
	req.Email = "  User@EXAMPLE.COM "

	// when
	resp, err := b.BeginAuth(t.Context(), req)

	// then
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", resp.Email)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "user@example.com", mailer.sent[0].To)
}

func TestBeginAuthRateLimited(t *testing.T) {
	// given
	mailer := &fakeMailer{}
	b, _ := newBroker(t, brokerOptions{mailer: mailer, limit: config.Limit{Count: 2, Window: time.Minute}})

	for range 2 {
		_, err := b.BeginAuth(t.Context(), validRequest())
		require.NoError(t, err)
	}

	// when
	_, err := b.BeginAuth(t.Context(), validRequest())

	// then
	assert.ErrorIs(t, err, serviceerr.ErrRateLimited)
	assert.Len(t, mailer.sent, 2, "a limited attempt must not dispatch mail")
}

func TestBeginAuthDispatchFailure(t *testing.T) {
	b, _ := newBroker(t, brokerOptions{mailer: &fakeMailer{err: assert.AnError}})

	_, err := b.BeginAuth(t.Context(), validRequest())
	assert.ErrorIs(t, err, serviceerr.ErrDispatchFailed)
}

func TestCompleteAuth(t *testing.T) {
	t.Run("mints a verifiable token", func(t *testing.T) {
		// given
		mailer := &fakeMailer{}
		b, keyManager := newBroker(t, brokerOptions{mailer: mailer})

		_, err := b.BeginAuth(t.Context(), validRequest())
		require.NoError(t, err)
		require.Len(t, mailer.sent, 1)

		// when
		redirect, err := b.CompleteAuth(t.Context(), "n1", mailer.sent[0].Code)

		// then
		require.NoError(t, err)
		assert.Equal(t, "https://rp.example/cb", redirect.RedirectURI)
		assert.Equal(t, broker.ModeFragment, redirect.ResponseMode)
		assert.Contains(t, redirect.Location(), "https://rp.example/cb#id_token=")

		parsed, err := jwt.ParseSigned(redirect.Token, []jose.SignatureAlgorithm{jose.EdDSA})
		require.NoError(t, err)

		set := keyManager.PublicJWKS()
		matched := set.Key(parsed.Headers[0].KeyID)
		require.Len(t, matched, 1)

		var claims struct {
			jwt.Claims

			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
			Nonce         string `json:"nonce"`
		}
		require.NoError(t, parsed.Claims(matched[0].Key, &claims))

		assert.Equal(t, "https://broker.example", claims.Issuer)
		assert.Equal(t, jwt.Audience{"https://rp.example"}, claims.Audience)
		assert.Equal(t, "user@example.com", claims.Subject)
		assert.Equal(t, "user@example.com", claims.Email)
		assert.True(t, claims.EmailVerified)
		assert.Equal(t, "n1", claims.Nonce)
		assert.Equal(t, 10*time.Minute, claims.Expiry.Time().Sub(claims.IssuedAt.Time()))
	})

	t.Run("a consumed nonce cannot complete twice", func(t *testing.T) {
		// given
		mailer := &fakeMailer{}
		b, _ := newBroker(t, brokerOptions{mailer: mailer})

		_, err := b.BeginAuth(t.Context(), validRequest())
		require.NoError(t, err)

		_, err = b.CompleteAuth(t.Context(), "n1", mailer.sent[0].Code)
		require.NoError(t, err)

		// when
		_, err = b.CompleteAuth(t.Context(), "n1", mailer.sent[0].Code)

		// then
		assert.ErrorIs(t, err, serviceerr.ErrSessionNotFound)
	})

	t.Run("a wrong code burns the session", func(t *testing.T) {
		// given
		mailer := &fakeMailer{}
		b, _ := newBroker(t, brokerOptions{mailer: mailer})

		_, err := b.BeginAuth(t.Context(), validRequest())
		require.NoError(t, err)

		// when
		_, err = b.CompleteAuth(t.Context(), "n1", "WRONG1")

		// then
		assert.ErrorIs(t, err, serviceerr.ErrCodeMismatch)

		_, err = b.CompleteAuth(t.Context(), "n1", mailer.sent[0].Code)
		assert.ErrorIs(t, err, serviceerr.ErrSessionNotFound)
	})
}

func TestMetadata(t *testing.T) {
	b, _ := newBroker(t, brokerOptions{})

	metadata := b.Metadata()

	assert.Equal(t, "https://broker.example", metadata.Issuer)
	assert.Equal(t, "https://broker.example/auth", metadata.AuthorizationEndpoint)
	assert.Equal(t, "https://broker.example/keys.json", metadata.JWKSURI)
	assert.Equal(t, []string{"id_token"}, metadata.ResponseTypesSupported)
	assert.Equal(t, []string{"EdDSA"}, metadata.IDTokenSigningAlgValuesSupported)
}
