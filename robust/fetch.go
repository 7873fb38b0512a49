package robust

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for match set fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxMatchSetBytes bounds a downloaded match set; larger bodies are
	// rejected rather than truncated into undecodable JSON.
	maxMatchSetBytes = 32 << 20

	// matchSetAccept lists the encodings DecodeMatchSet understands
	matchSetAccept = "application/json, application/zlib"
)

// FetchOption configures FetchMatchSet.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.timeout = d }
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) { c.maxRetries = n }
}

// WithBaseBackoff sets the base delay of the exponential backoff.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.baseBackoff = d }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) { c.client = client }
}

// IsURL reports whether source names an http(s) resource rather than a file
func IsURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// FetchMatchSet downloads and decodes a match set. Transport failures, 5xx,
// 408 and 429 responses are retried with exponential backoff; other 4xx
// responses (ErrMatchSetUnavailable), oversized bodies and undecodable
// payloads (ErrInvalidDataset) fail on the first attempt. A set without an
// ID takes the last path segment of the URL, minus its extensions.
func FetchMatchSet(ctx context.Context, rawURL string, opts ...FetchOption) (*MatchSet, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("fetch match set: URL is empty")
	}

	cfg := fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.maxRetries = max(cfg.maxRetries, 1)
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	backoff := cfg.baseBackoff
	for attempt := 1; attempt <= cfg.maxRetries; attempt++ {
		m, err := fetchOnce(ctx, client, rawURL)
		if err == nil {
			if m.ID == "" {
				m.ID = matchSetIDFromURL(rawURL)
			}
			return m, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("fetch match set: %w", err)
		}
		lastErr = err
		if attempt == cfg.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch match set: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("fetch match set: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// retryable reports whether a failed attempt may succeed when repeated
func retryable(err error) bool {
	return !errors.Is(err, ErrMatchSetUnavailable) && !errors.Is(err, ErrInvalidDataset)
}

// fetchOnce performs one GET and decodes the body
func fetchOnce(ctx context.Context, client *http.Client, rawURL string) (*MatchSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %v: %w", err, ErrMatchSetUnavailable)
	}
	req.Header.Set("Accept", matchSetAccept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return nil, fmt.Errorf("HTTP GET %s: status %d", rawURL, code)
	default:
		return nil, fmt.Errorf("HTTP GET %s: status %d: %w", rawURL, code, ErrMatchSetUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMatchSetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", rawURL, err)
	}
	if len(body) > maxMatchSetBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes: %w", rawURL, maxMatchSetBytes, ErrInvalidDataset)
	}
	return DecodeMatchSet(body)
}

// matchSetIDFromURL names a set after its resource: .../sets/cam1.json.z -> cam1
func matchSetIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return u.Hostname()
	}
	if i := strings.Index(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}

// OpenMatchSet loads a match set from a file path or an http(s) URL
func OpenMatchSet(ctx context.Context, source string, opts ...FetchOption) (*MatchSet, error) {
	if IsURL(source) {
		return FetchMatchSet(ctx, source, opts...)
	}
	return LoadMatchSet(source)
}
