// Package broker implements the authentication protocol state machine: it
// validates relying party requests, routes each address to a delegated
// provider or the broker's own email flow, and mints the identity token on
// confirmation.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/openkcm/identity-broker/internal/authsession"
	"github.com/openkcm/identity-broker/internal/discovery"
	"github.com/openkcm/identity-broker/internal/keys"
	"github.com/openkcm/identity-broker/internal/serviceerr"
)

// Response modes the broker can deliver tokens with.
const (
	ModeFragment = "fragment"
	ModeFormPost = "form_post"
)

// Resolver is the discovery collaborator deciding who authenticates a
// given address.
type Resolver interface {
	Resolve(ctx context.Context, email string) (discovery.Result, error)
}

// Request is one inbound authentication request from a relying party.
type Request struct {
	Email        string
	ClientID     string
	RedirectURI  string
	ResponseMode string
	SigningAlg   string
	Nonce        string
}

// Kind tells the transport layer how to answer a begun authentication.
type Kind int

const (
	// KindRedirect sends the user to a delegated identity provider.
	KindRedirect Kind = iota
	// KindAwaitEmail tells the user to check their inbox.
	KindAwaitEmail
)

type Response struct {
	Kind Kind

	// RedirectURL is set for KindRedirect.
	RedirectURL string

	// Email and Nonce are set for KindAwaitEmail.
	Email string
	Nonce string
}

// Redirect carries a minted token back to the relying party.
type Redirect struct {
	RedirectURI  string
	Token        string
	ResponseMode string
}

// Location renders the fragment-mode redirect target.
func (r Redirect) Location() string {
	return r.RedirectURI + "#id_token=" + url.QueryEscape(r.Token)
}

// Metadata is the discovery document content served at the well-known
// OpenID configuration endpoint.
type Metadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ScopesSupported                  []string `json:"scopes_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	ResponseModesSupported           []string `json:"response_modes_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

type Broker struct {
	sessions *authsession.Manager
	resolver Resolver
	keys     keys.Manager
	mailer   Mailer

	publicURL      *url.URL
	allowedOrigins []string
	signingAlgs    []keys.Algorithm
	tokenTTL       time.Duration
}

func New(
	sessions *authsession.Manager,
	resolver Resolver,
	keyManager keys.Manager,
	mailer Mailer,
	publicURL *url.URL,
	allowedOrigins []string,
	signingAlgs []keys.Algorithm,
	tokenTTL time.Duration,
) *Broker {
	if len(signingAlgs) == 0 {
		signingAlgs = []keys.Algorithm{keys.RS256}
	}

	return &Broker{
		sessions:       sessions,
		resolver:       resolver,
		keys:           keyManager,
		mailer:         mailer,
		publicURL:      publicURL,
		allowedOrigins: allowedOrigins,
		signingAlgs:    signingAlgs,
		tokenTTL:       tokenTTL,
	}
}

// BeginAuth validates the request, resolves the address and either hands
// back a provider redirect (no session is created) or starts the email flow.
func (b *Broker) BeginAuth(ctx context.Context, req Request) (Response, error) {
	if err := b.validateClient(req.ClientID, req.RedirectURI); err != nil {
		return Response{}, err
	}

	mode, err := normalizeResponseMode(req.ResponseMode)
	if err != nil {
		return Response{}, err
	}

	alg, err := b.normalizeSigningAlg(req.SigningAlg)
	if err != nil {
		return Response{}, err
	}

	email, err := NormalizeEmail(req.Email)
	if err != nil {
		return Response{}, errors.Join(err, serviceerr.ErrInvalidRequest)
	}

	resolved, err := b.resolver.Resolve(ctx, email)
	if err != nil {
		return Response{}, fmt.Errorf("resolving %s: %w", email, err)
	}

	if resolved.Delegate {
		redirect, err := delegateURL(resolved.Link, email, req, mode)
		if err != nil {
			return Response{}, err
		}

		return Response{Kind: KindRedirect, RedirectURL: redirect}, nil
	}

	session, err := b.sessions.Begin(ctx, authsession.BeginRequest{
		Email:        email,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		ResponseMode: mode,
		SigningAlg:   string(alg),
		Nonce:        req.Nonce,
	})
	if err != nil {
		return Response{}, err
	}

	err = b.mailer.Send(ctx, Message{
		To:         email,
		ClientID:   req.ClientID,
		Code:       session.Code,
		ConfirmURL: b.confirmURL(session),
	})
	if err != nil {
		return Response{}, errors.Join(err, serviceerr.ErrDispatchFailed)
	}

	return Response{Kind: KindAwaitEmail, Email: email, Nonce: session.Nonce}, nil
}

// CompleteAuth consumes the session and mints the token. Session errors pass
// through unchanged; the transport layer collapses them into one generic
// authentication failure.
func (b *Broker) CompleteAuth(ctx context.Context, nonce, code string) (Redirect, error) {
	claims, err := b.sessions.Confirm(ctx, nonce, code)
	if err != nil {
		return Redirect{}, err
	}

	alg, err := b.normalizeSigningAlg(claims.SigningAlg)
	if err != nil {
		return Redirect{}, err
	}

	now := time.Now()

	token, err := b.keys.Sign(ctx, tokenClaims{
		Claims: jwt.Claims{
			Issuer:   b.publicURL.String(),
			Audience: jwt.Audience{claims.ClientID},
			Subject:  claims.Email,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(b.tokenTTL)),
		},
		Email:         claims.Email,
		EmailVerified: true,
		Nonce:         nonce,
	}, alg)
	if err != nil {
		return Redirect{}, fmt.Errorf("minting token: %w", err)
	}

	mode := claims.ResponseMode
	if mode == "" {
		mode = ModeFragment
	}

	return Redirect{
		RedirectURI:  claims.RedirectURI,
		Token:        token,
		ResponseMode: mode,
	}, nil
}

// Metadata returns the discovery document content for the transport layer
// to serialize.
func (b *Broker) Metadata() Metadata {
	algs := make([]string, 0, len(b.signingAlgs))
	for _, alg := range b.signingAlgs {
		algs = append(algs, string(alg))
	}

	return Metadata{
		Issuer:                           b.publicURL.String(),
		AuthorizationEndpoint:            b.publicURL.JoinPath("auth").String(),
		JWKSURI:                          b.publicURL.JoinPath("keys.json").String(),
		ScopesSupported:                  []string{"openid", "email"},
		ClaimsSupported:                  []string{"aud", "email", "email_verified", "exp", "iat", "iss", "sub"},
		ResponseTypesSupported:           []string{"id_token"},
		ResponseModesSupported:           []string{ModeFragment, ModeFormPost},
		GrantTypesSupported:              []string{"implicit"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: algs,
	}
}

type tokenClaims struct {
	jwt.Claims

	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Nonce         string `json:"nonce,omitempty"`
}

// validateClient requires client_id to be a bare origin on the allow-list
// and redirect_uri to live on that same origin.
func (b *Broker) validateClient(clientID, redirectURI string) error {
	origin, err := url.Parse(clientID)
	if err != nil || !isWebOrigin(origin) || origin.Path != "" || origin.RawQuery != "" || origin.Fragment != "" {
		return fmt.Errorf("client_id is not an origin: %q: %w", clientID, serviceerr.ErrInvalidRequest)
	}

	redirect, err := url.Parse(redirectURI)
	if err != nil || !isWebOrigin(redirect) {
		return fmt.Errorf("redirect_uri is not an absolute URL: %q: %w", redirectURI, serviceerr.ErrInvalidRequest)
	}

	if redirect.Scheme != origin.Scheme || redirect.Host != origin.Host {
		return fmt.Errorf("redirect_uri is not on the client_id origin: %w", serviceerr.ErrInvalidRequest)
	}

	if len(b.allowedOrigins) > 0 && !slices.Contains(b.allowedOrigins, origin.Scheme+"://"+origin.Host) {
		return fmt.Errorf("origin not allowed: %q: %w", clientID, serviceerr.ErrInvalidRequest)
	}

	return nil
}

func (b *Broker) normalizeSigningAlg(requested string) (keys.Algorithm, error) {
	if requested == "" {
		return b.signingAlgs[0], nil
	}

	alg, err := keys.ParseAlgorithm(requested)
	if err != nil || !slices.Contains(b.signingAlgs, alg) {
		return "", fmt.Errorf("signing algorithm %q not enabled: %w", requested, serviceerr.ErrNoSuchAlgorithm)
	}

	return alg, nil
}

func (b *Broker) confirmURL(session authsession.Session) string {
	confirm := b.publicURL.JoinPath("confirm")
	confirm.RawQuery = url.Values{
		"session": {session.Nonce},
		"code":    {session.Code},
	}.Encode()

	return confirm.String()
}

func normalizeResponseMode(mode string) (string, error) {
	switch mode {
	case "":
		return ModeFragment, nil
	case ModeFragment, ModeFormPost:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported response_mode %q: %w", mode, serviceerr.ErrInvalidRequest)
	}
}

// NormalizeEmail validates the address and lowercases it, so rate limiting,
// sessions and token claims all agree on one canonical form.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)

	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid email address: %w", err)
	}

	// Reject display-name forms such as "Alice <alice@example.com>".
	if parsed.Address != trimmed {
		return "", fmt.Errorf("invalid email address: %q", email)
	}

	return strings.ToLower(parsed.Address), nil
}

// delegateURL builds the provider redirect, carrying the original request
// parameters so the provider can hand the user straight back.
func delegateURL(link discovery.Link, email string, req Request, mode string) (string, error) {
	target, err := url.Parse(link.Href)
	if err != nil {
		return "", fmt.Errorf("parsing provider href: %w", err)
	}

	query := target.Query()
	query.Set("login_hint", email)
	query.Set("client_id", req.ClientID)
	query.Set("redirect_uri", req.RedirectURI)
	query.Set("response_mode", mode)

	if req.Nonce != "" {
		query.Set("nonce", req.Nonce)
	}

	target.RawQuery = query.Encode()

	return target.String(), nil
}

func isWebOrigin(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
