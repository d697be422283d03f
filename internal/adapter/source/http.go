package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/retry"
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// HTTPFetcher downloads files and directory listings over HTTP(S).
type HTTPFetcher struct {
	httpClient *http.Client
	policy     retry.Policy
	username   string
	password   string
	logger     *slog.Logger
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithBasicAuth sends credentials with every request (e.g. Earthdata logins).
func WithBasicAuth(username, password string) HTTPOption {
	return func(f *HTTPFetcher) {
		f.username = username
		f.password = password
	}
}

// WithHTTPRetry overrides the retry policy for transient failures.
func WithHTTPRetry(p retry.Policy) HTTPOption {
	return func(f *HTTPFetcher) { f.policy = p }
}

// NewHTTPFetcher creates a fetcher whose requests time out after timeout.
func NewHTTPFetcher(timeout time.Duration, logger *slog.Logger, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.Fixed(3, 5*time.Second),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.policy.Retryable = retryableHTTP
	return f
}

// Fetch downloads rawURL into dest. A 404 yields ErrNotFound without retries.
// Remote .gz files are decompressed unless dest keeps the .gz suffix.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, dest string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	return retry.Do(ctx, f.policy, func(ctx context.Context) error {
		resp, err := f.get(ctx, rawURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return writeFile(dest, resp.Body, needsGunzip(u.Path, dest))
	}, f.notify(rawURL))
}

// List returns the base names linked from an HTML directory index.
func (f *HTTPFetcher) List(ctx context.Context, dirURL string) ([]string, error) {
	var links []string
	err := retry.Do(ctx, f.policy, func(ctx context.Context) error {
		resp, err := f.get(ctx, dirURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		links, err = ParseLinks(resp.Body)
		if err != nil {
			return fmt.Errorf("parse listing %s: %w", dirURL, err)
		}
		return nil
	}, f.notify(dirURL))
	if err != nil {
		return nil, err
	}
	return baseNames(links), nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.username != "" {
		req.SetBasicAuth(f.username, f.password)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %w", rawURL, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	return resp, nil
}

func (f *HTTPFetcher) notify(rawURL string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		f.logger.Warn("fetch failed, retrying", "url", rawURL, "attempt", attempt, "wait", wait, "error", err)
	}
}

// retryableHTTP retries network errors and 5xx/429 responses.
func retryableHTTP(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}
