// Package fetch retrieves extension resources (manifests, entry points)
// from sandboxed URLs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Fetch errors.
var (
	// ErrNotFound is returned when the resource does not exist.
	ErrNotFound = errors.New("fetch: resource not found")

	// ErrStatus is returned for any other non-success response.
	ErrStatus = errors.New("fetch: unexpected response status")

	// ErrTooLarge is returned when a response exceeds the size limit.
	ErrTooLarge = errors.New("fetch: response exceeds size limit")

	// ErrRedirect is returned when a redirect leaves the origin of the
	// original request or the redirect chain is too long.
	ErrRedirect = errors.New("fetch: redirect rejected")
)

// Default limits.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 200 * time.Millisecond
	DefaultMaxBytes      = 16 << 20
	maxRedirects         = 10
)

// Fetcher retrieves the bytes at a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// HTTPFetcher fetches over HTTP with bounded exponential retries for
// transient failures (transport errors, 429 and 5xx).
type HTTPFetcher struct {
	client        *http.Client
	maxRetries    uint64
	retryInterval time.Duration
	maxBytes      int64
	logger        *zap.Logger
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithClient sets the HTTP client. A client without a redirect policy is
// copied and given the same-origin policy.
func WithClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		if c.CheckRedirect == nil {
			cp := *c
			cp.CheckRedirect = sameOrigin
			c = &cp
		}
		f.client = c
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n uint64) HTTPOption {
	return func(f *HTTPFetcher) {
		f.maxRetries = n
	}
}

// WithRetryInterval sets the initial retry interval.
func WithRetryInterval(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		f.retryInterval = d
	}
}

// WithMaxBytes limits the accepted response size.
func WithMaxBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		f.maxBytes = n
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) HTTPOption {
	return func(f *HTTPFetcher) {
		f.logger = l
	}
}

// NewHTTPFetcher creates a fetcher with default limits.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:        &http.Client{Timeout: DefaultTimeout, CheckRedirect: sameOrigin},
		maxRetries:    DefaultMaxRetries,
		retryInterval: DefaultRetryInterval,
		maxBytes:      DefaultMaxBytes,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// sameOrigin follows redirects only within the scheme and host of the
// first request.
func sameOrigin(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("%w: stopped after %d redirects", ErrRedirect, maxRedirects)
	}
	first := via[0].URL
	if req.URL.Scheme != first.Scheme || req.URL.Host != first.Host {
		return fmt.Errorf("%w: %s://%s to %s://%s", ErrRedirect, first.Scheme, first.Host, req.URL.Scheme, req.URL.Host)
	}
	return nil
}

// Fetch performs a GET and returns the response body.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("fetch %s: %w", url, err))
		}

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, ErrRedirect) {
				return backoff.Permanent(fmt.Errorf("fetch %s: %w", url, err))
			}
			return fmt.Errorf("fetch %s: %w", url, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, url))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s returned %d", ErrStatus, url, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return backoff.Permanent(fmt.Errorf("%w: %s returned %d", ErrStatus, url, resp.StatusCode))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
		if err != nil {
			return fmt.Errorf("fetch %s: reading body: %w", url, err)
		}
		if int64(len(data)) > f.maxBytes {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrTooLarge, url))
		}
		body = data
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.retryInterval
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		f.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, f.maxRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return body, nil
}

// Memory is an in-memory Fetcher keyed by absolute URL. It records how
// often each URL was requested.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

// NewMemory creates an empty in-memory fetcher.
func NewMemory() *Memory {
	return &Memory{
		files: make(map[string][]byte),
		hits:  make(map[string]int),
	}
}

// Put stores content for a URL.
func (m *Memory) Put(url string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[url] = data
}

// Fetch returns the stored content or ErrNotFound.
func (m *Memory) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[url]++
	data, ok := m.files[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return append([]byte(nil), data...), nil
}

// Hits returns how many times url was fetched.
func (m *Memory) Hits(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[url]
}

// TotalHits returns the number of fetches across all URLs.
func (m *Memory) TotalHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.hits {
		total += n
	}
	return total
}
