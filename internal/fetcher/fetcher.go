// Package fetcher downloads raw image bytes over HTTP with URL validation,
// sanitization and a bounded retry loop with fixed backoff.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tphakala/birdimage-go/internal/conf"
	"github.com/tphakala/birdimage-go/internal/errors"
	"github.com/tphakala/birdimage-go/internal/httpclient"
)

// Fixed request header set. Content servers are quick to block anonymous Go
// clients, so the set impersonates a common browser.
var requestHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/118.0 Safari/537.36",
	"Accept":  "image/avif,image/webp,image/apng,image/*,*/*;q=0.8",
	"Referer": "https://en.wikipedia.org/",
}

var (
	// ErrInvalidURL is returned for empty or non-http source URLs.
	// No network attempt is made.
	ErrInvalidURL = errors.NewStd("invalid source url")

	// ErrExhausted is returned when every fetch attempt has failed.
	ErrExhausted = errors.NewStd("fetch attempts exhausted")
)

// Fetcher retrieves raw image payloads for the acquisition pipeline.
type Fetcher struct {
	client *httpclient.Client
	cfg    conf.FetchSettings
	logger *slog.Logger
}

// New creates a Fetcher using the provided HTTP client.
func New(client *httpclient.Client, cfg conf.FetchSettings, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "fetcher"),
	}
}

// NewDefault creates a Fetcher with its own HTTP client carrying the fixed
// header set and the configured per-request timeout.
func NewDefault(cfg conf.FetchSettings, logger *slog.Logger) *Fetcher {
	client := httpclient.New(&httpclient.Config{
		DefaultTimeout: cfg.Timeout,
		DefaultHeaders: RequestHeaders(),
	})
	return New(client, cfg, logger)
}

// RequestHeaders returns a copy of the fixed header set sent with every fetch.
func RequestHeaders() map[string]string {
	headers := make(map[string]string, len(requestHeaders))
	for k, v := range requestHeaders {
		headers[k] = v
	}
	return headers
}

// Client returns the underlying HTTP client, for hook registration and for
// tests that install a mock transport.
func (f *Fetcher) Client() *httpclient.Client {
	return f.client
}

// ValidateURL rejects empty URLs and URLs without an http scheme prefix.
// It performs no network I/O.
func ValidateURL(rawURL string) error {
	if rawURL == "" || !strings.HasPrefix(rawURL, "http") {
		return errors.New(fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)).
			Component("fetcher").
			Category(errors.CategoryValidation).
			Context("url", rawURL).
			Build()
	}
	return nil
}

// urlSafe reports whether the byte may pass through SanitizeURL unescaped.
// The safe set keeps '%' so already-escaped components are not double-escaped.
func urlSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '~', '/', ':', '%', '?', '=', '&':
		return true
	}
	return false
}

// SanitizeURL percent-escapes unsafe bytes (spaces, non-ASCII) while leaving
// the URL structure characters "/:%?=&" intact, so a pre-escaped URL passes
// through unchanged.
func SanitizeURL(rawURL string) string {
	var b strings.Builder
	b.Grow(len(rawURL))
	for i := 0; i < len(rawURL); i++ {
		c := rawURL[i]
		if urlSafe(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// FetchOnce performs a single GET attempt against an already sanitized URL.
// A non-200 status and any transport error are both returned as errors; the
// caller decides whether to retry.
func (f *Fetcher) FetchOnce(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return nil, errors.New(err).
			Component("fetcher").
			Category(errors.CategoryNetwork).
			Context("url", url).
			Build()
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("unexpected status: HTTP %d", resp.StatusCode).
			Component("fetcher").
			Category(errors.CategoryHTTP).
			Context("url", url).
			Context("status_code", resp.StatusCode).
			Build()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(err).
			Component("fetcher").
			Category(errors.CategoryNetwork).
			Context("url", url).
			Context("operation", "read_body").
			Build()
	}

	return body, nil
}

// Fetch validates and sanitizes the URL, then attempts the download up to
// MaxRetries times with a fixed backoff between attempts. On exhaustion the
// returned error wraps both ErrExhausted and the last attempt's error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	safeURL := SanitizeURL(rawURL)

	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		attemptLogger := f.logger.With("url", safeURL, "attempt", attempt+1, "max_attempts", f.cfg.MaxRetries)

		body, err := f.FetchOnce(ctx, safeURL)
		if err == nil {
			attemptLogger.Debug("Fetch succeeded", "bytes", len(body))
			return body, nil
		}

		lastErr = err
		attemptLogger.Warn("Fetch attempt failed",
			"error", err,
			"will_retry", attempt < f.cfg.MaxRetries-1)

		if attempt < f.cfg.MaxRetries-1 {
			time.Sleep(f.cfg.RetryDelay)
		}
	}

	return nil, errors.New(fmt.Errorf("%w after %d attempts: %w", ErrExhausted, f.cfg.MaxRetries, lastErr)).
		Component("fetcher").
		Category(errors.CategoryImageFetch).
		Context("url", safeURL).
		Context("max_retries", f.cfg.MaxRetries).
		Build()
}
