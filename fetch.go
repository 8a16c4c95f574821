package offgate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultUpstreamTimeout bounds a single forwarded request.
const DefaultUpstreamTimeout = 30 * time.Second

// Fetcher forwards requests to the upstream backend. A transport-level
// error means the upstream is unreachable; an HTTP error status does not.
type Fetcher struct {
	base       string
	httpClient *http.Client
}

type FetcherOption func(*Fetcher)

func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) { f.httpClient = client }
}

func WithTimeout(timeout time.Duration) FetcherOption {
	return func(f *Fetcher) { f.httpClient.Timeout = timeout }
}

// NewFetcher creates a forwarder for the given upstream base URL.
func NewFetcher(base string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		base: strings.TrimRight(base, "/"),
		httpClient: &http.Client{
			Timeout: DefaultUpstreamTimeout,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Base returns the upstream base URL.
func (f *Fetcher) Base() string {
	return f.base
}

// Resolve turns a request path into an absolute upstream URL. Absolute
// inputs pass through untouched, so replayed tasks hit the origin they were
// captured against.
func (f *Fetcher) Resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return f.base + target
}

// Do issues a request upstream. Headers are applied as given, minus
// hop-by-hop entries.
func (f *Fetcher) Do(ctx context.Context, method, target string, headers Headers, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.Resolve(target), body)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	for _, pair := range headers {
		if isHopByHop(pair[0]) {
			continue
		}
		req.Header.Add(pair[0], pair[1])
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	return resp, nil
}
