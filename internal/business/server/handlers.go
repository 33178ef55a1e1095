package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-broker/internal/broker"
	"github.com/openkcm/identity-broker/internal/config"
	"github.com/openkcm/identity-broker/internal/keys"
	"github.com/openkcm/identity-broker/internal/serviceerr"
)

type handler struct {
	cfg    *config.Config
	broker *broker.Broker
	keys   keys.Manager
}

func newHandler(cfg *config.Config, b *broker.Broker, keyManager keys.Manager) *handler {
	return &handler{
		cfg:    cfg,
		broker: b,
		keys:   keyManager,
	}
}

func (h *handler) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /auth", instrument(h.cfg, "auth", h.handleAuth))
	mux.Handle("GET /confirm", instrument(h.cfg, "confirm", h.handleConfirm))
	mux.Handle("POST /confirm", instrument(h.cfg, "confirm", h.handleConfirm))
	mux.Handle("GET /keys.json", instrument(h.cfg, "keys", h.handleKeys))
	mux.Handle("GET /.well-known/openid-configuration", instrument(h.cfg, "metadata", h.handleMetadata))

	return mux
}

func (h *handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, errors.Join(err, serviceerr.ErrInvalidRequest))

		return
	}

	email := r.PostForm.Get("login_hint")
	if email == "" {
		email = r.PostForm.Get("email")
	}

	resp, err := h.broker.BeginAuth(r.Context(), broker.Request{
		Email:        email,
		ClientID:     r.PostForm.Get("client_id"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ResponseMode: r.PostForm.Get("response_mode"),
		SigningAlg:   r.PostForm.Get("signing_alg"),
		Nonce:        r.PostForm.Get("nonce"),
	})
	if err != nil {
		writeError(w, r, err)

		return
	}

	if resp.Kind == broker.KindRedirect {
		http.Redirect(w, r, resp.RedirectURL, http.StatusSeeOther)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "awaiting_email",
		"email":  resp.Email,
		"nonce":  resp.Nonce,
	})
}

func (h *handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, errors.Join(err, serviceerr.ErrInvalidRequest))

		return
	}

	redirect, err := h.broker.CompleteAuth(r.Context(), r.Form.Get("session"), r.Form.Get("code"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	if redirect.ResponseMode == broker.ModeFormPost {
		writeFormPost(w, redirect)

		return
	}

	http.Redirect(w, r, redirect.Location(), http.StatusSeeOther)
}

func (h *handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", cacheControl(h.cfg.Broker.KeysTTL))
	writeJSON(w, http.StatusOK, h.keys.PublicJWKS())
}

func (h *handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", cacheControl(h.cfg.Broker.DiscoveryTTL))
	writeJSON(w, http.StatusOK, h.broker.Metadata())
}

func cacheControl(ttl time.Duration) string {
	return "public, max-age=" + strconv.Itoa(int(ttl/time.Second))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

// writeFormPost delivers the token with a self-submitting form, as the
// form_post response mode requires.
func writeFormPost(w http.ResponseWriter, redirect broker.Redirect) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>Redirecting</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="%s">
<input type="hidden" name="id_token" value="%s">
<noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>
`, html.EscapeString(redirect.RedirectURI), html.EscapeString(redirect.Token))
}

// writeError maps internal failures to the generic responses of the trust
// boundary. The two confirm failure modes share one message so callers
// cannot tell which one occurred.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *serviceerr.Error
	if !errors.As(err, &svcErr) {
		svcErr = serviceerr.ErrUnknown
	}

	status := svcErr.HTTPStatus()
	code := string(svcErr.Err)
	description := svcErr.Description

	// Collapse the confirm failure modes into one response body as well, so
	// neither the code nor the description betrays which case occurred.
	if errors.Is(err, serviceerr.ErrSessionNotFound) || errors.Is(err, serviceerr.ErrCodeMismatch) {
		code = "access_denied"
		description = "authentication failed"
	}

	if status >= http.StatusInternalServerError {
		slogctx.Error(r.Context(), "Request failed", "error", err)
	} else {
		slogctx.Info(r.Context(), "Request rejected", "error", err)
	}

	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
