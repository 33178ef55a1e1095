package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	fetchTimeout = 5 * time.Second

	// maxBodySize bounds the webfinger documents we are willing to read.
	maxBodySize = 64 * 1024
)

// HTTPFetcher fetches webfinger documents over HTTPS.
type HTTPFetcher struct {
	client *http.Client
}

var _ = Fetcher(&HTTPFetcher{})

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}

	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Accept", "application/jrd+json, application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return FetchResult{}, fmt.Errorf("reading response from %s: %w", rawURL, err)
	}

	return FetchResult{
		Status: resp.StatusCode,
		Body:   body,
		MaxAge: parseMaxAge(resp.Header.Get("Cache-Control")),
	}, nil
}

// parseMaxAge extracts the max-age directive from a Cache-Control header.
// Absent or unparsable directives count as zero.
func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}

		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds < 0 {
			return 0
		}

		return time.Duration(seconds) * time.Second
	}

	return 0
}
