// Package discovery resolves an email domain to the party that should
// authenticate it: a native identity provider advertised through the
// domain's webfinger document, or the broker itself.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-broker/internal/config"
	"github.com/openkcm/identity-broker/internal/store"
)

// Relation identifies how a delegated provider speaks to the broker.
type Relation string

const (
	// RelIDP marks a Portier-compatible identity provider.
	RelIDP Relation = "https://portier.io/specs/auth/1.0/idp"
	// RelGoogleIDP marks Google's OpenID Connect endpoint.
	RelGoogleIDP Relation = "https://portier.io/specs/auth/1.0/idp/google"

	// GoogleIDPOrigin is the provider href implied by a configured Google
	// client id.
	GoogleIDPOrigin = "https://accounts.google.com"
)

func ParseRelation(s string) (Relation, error) {
	switch Relation(s) {
	case RelIDP, RelGoogleIDP:
		return Relation(s), nil
	default:
		return "", fmt.Errorf("unsupported link relation: %q", s)
	}
}

// Link is one provider advertisement, from a webfinger document or from
// operator configuration.
type Link struct {
	Rel  Relation
	Href string
}

// Result is the outcome of resolving a domain. A zero Delegate means the
// broker self-handles the address with its own email flow.
type Result struct {
	Delegate bool
	Link     Link
}

var selfHandle = Result{}

// Fetcher performs the outbound webfinger fetch. Implementations report the
// response status, body and the cache lifetime the origin asked for.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResult, error)
}

type FetchResult struct {
	Status int
	Body   []byte
	MaxAge time.Duration
}

const cacheKeyPrefix = "cache:webfinger:"

// cachedRecord is the store encoding of one resolved domain.
type cachedRecord struct {
	Delegate bool   `json:"delegate"`
	Rel      string `json:"rel,omitempty"`
	Href     string `json:"href,omitempty"`
}

// Resolver decides per domain between delegation and self-handling.
// Static overrides win unconditionally; resolved domains are cached through
// the store with a floor TTL so flaky origins are not hammered.
type Resolver struct {
	store     store.Store
	fetcher   Fetcher
	overrides map[string][]Link
	cacheTTL  time.Duration
}

func NewResolver(st store.Store, fetcher Fetcher, overrides map[string][]Link, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		store:     st,
		fetcher:   fetcher,
		overrides: overrides,
		cacheTTL:  cacheTTL,
	}
}

// OverridesFromConfig validates the operator-configured domain overrides and
// supplements the implicit Google domains when a Google client id is set.
// Operator entries for those domains win over the implicit ones.
func OverridesFromConfig(cfg *config.Broker) (map[string][]Link, error) {
	overrides := make(map[string][]Link)

	if cfg.GoogleClientID != "" {
		links := []Link{{Rel: RelGoogleIDP, Href: GoogleIDPOrigin}}
		overrides["gmail.com"] = links
		overrides["googlemail.com"] = links
	}

	for domain, configured := range cfg.DomainOverrides {
		links := make([]Link, 0, len(configured))

		for _, link := range configured {
			rel, err := ParseRelation(link.Rel)
			if err != nil {
				return nil, fmt.Errorf("override for %s: %w", domain, err)
			}

			if u, err := url.Parse(link.Href); err != nil || u.Scheme == "" || u.Host == "" {
				return nil, fmt.Errorf("override for %s: href is not an absolute URL: %q", domain, link.Href)
			}

			links = append(links, Link{Rel: rel, Href: link.Href})
		}

		overrides[strings.ToLower(domain)] = links
	}

	return overrides, nil
}

// Resolve maps the address to either a delegated provider or self-handling.
// Lookup and parse failures resolve to self-handling so authentication keeps
// working when a domain's webfinger endpoint is down.
func (r *Resolver) Resolve(ctx context.Context, email string) (Result, error) {
	domain := domainOf(email)
	if domain == "" {
		return selfHandle, fmt.Errorf("no domain in address: %q", email)
	}

	if links, ok := r.overrides[domain]; ok {
		return pickLink(links), nil
	}

	if cached, ok := r.cachedResult(ctx, domain); ok {
		return cached, nil
	}

	result, ttl, cacheable := r.lookup(ctx, domain, email)

	if cacheable {
		r.cacheResult(ctx, domain, result, ttl)
	}

	return result, nil
}

// lookup fetches and parses the domain's webfinger document. It reports
// whether the outcome may be cached: a transport failure is transient, so the
// next attempt should go to the network again rather than being pinned to
// self-handling for the cache TTL.
func (r *Resolver) lookup(ctx context.Context, domain, email string) (Result, time.Duration, bool) {
	fetched, err := r.fetcher.Fetch(ctx, webfingerURL(domain, email))
	if err != nil {
		slogctx.Debug(ctx, "Webfinger fetch failed, self-handling", "domain", domain, "error", err)

		return selfHandle, 0, false
	}

	if fetched.Status < 200 || fetched.Status > 299 {
		return selfHandle, fetched.MaxAge, true
	}

	var document struct {
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}

	if err := json.Unmarshal(fetched.Body, &document); err != nil {
		slogctx.Debug(ctx, "Malformed webfinger document, self-handling", "domain", domain, "error", err)

		return selfHandle, fetched.MaxAge, true
	}

	links := make([]Link, 0, len(document.Links))

	for _, link := range document.Links {
		rel, err := ParseRelation(link.Rel)
		if err != nil {
			continue
		}

		if u, err := url.Parse(link.Href); err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}

		links = append(links, Link{Rel: rel, Href: link.Href})
	}

	return pickLink(links), fetched.MaxAge, true
}

func (r *Resolver) cachedResult(ctx context.Context, domain string) (Result, bool) {
	raw, err := r.store.Get(ctx, cacheKeyPrefix+domain)
	if err != nil {
		// Cache reads are best effort; a miss or an unavailable store both
		// fall through to a live lookup.
		return selfHandle, false
	}

	var record cachedRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return selfHandle, false
	}

	if !record.Delegate {
		return selfHandle, true
	}

	rel, err := ParseRelation(record.Rel)
	if err != nil {
		return selfHandle, false
	}

	return Result{Delegate: true, Link: Link{Rel: rel, Href: record.Href}}, true
}

func (r *Resolver) cacheResult(ctx context.Context, domain string, result Result, maxAge time.Duration) {
	record := cachedRecord{Delegate: result.Delegate}
	if result.Delegate {
		record.Rel = string(result.Link.Rel)
		record.Href = result.Link.Href
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return
	}

	// Never cache shorter than the configured floor, even when the origin
	// asks for less.
	ttl := r.cacheTTL
	if maxAge > ttl {
		ttl = maxAge
	}

	if err := r.store.Put(ctx, cacheKeyPrefix+domain, raw, ttl); err != nil {
		slogctx.Debug(ctx, "Caching discovery result failed", "domain", domain, "error", err)
	}
}

// pickLink prefers the Google relation, matching how the hosted Google
// bridge outranks the generic provider protocol.
func pickLink(links []Link) Result {
	var fallback *Link

	for i, link := range links {
		if link.Rel == RelGoogleIDP {
			return Result{Delegate: true, Link: link}
		}

		if fallback == nil {
			fallback = &links[i]
		}
	}

	if fallback == nil {
		return selfHandle
	}

	return Result{Delegate: true, Link: *fallback}
}

func webfingerURL(domain, email string) string {
	query := url.Values{
		"resource": {"acct:" + email},
		"rel":      {string(RelIDP), string(RelGoogleIDP)},
	}

	return (&url.URL{
		Scheme:   "https",
		Host:     domain,
		Path:     "/.well-known/webfinger",
		RawQuery: query.Encode(),
	}).String()
}

func domainOf(email string) string {
	_, domain, found := strings.Cut(email, "@")
	if !found {
		return ""
	}

	return strings.ToLower(domain)
}
