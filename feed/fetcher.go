// Package feed fetches, parses and ingests subscribed feeds.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	rsshubScheme       = "rsshub://"
	maxFeedBytes       = 5 * 1024 * 1024
	maxAttempts        = 3
	defaultRetryDelay  = 500 * time.Millisecond
	defaultHTTPTimeout = 30 * time.Second
	challengePeekBytes = 2048
)

var (
	// ErrChallenge is returned when a site answers with a Cloudflare bot challenge.
	ErrChallenge = errors.New("cloudflare challenge detected")
	// ErrTooLarge is returned when a response exceeds the size cap.
	ErrTooLarge = errors.New("response too large")
)

var userAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// Fetcher downloads feeds and pages with rate limiting and retries.
type Fetcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	rsshubBase string
	retryDelay time.Duration
	uaIndex    atomic.Uint64
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.httpClient.Timeout = d
		}
	}
}

// WithRate limits outgoing requests per second. Zero or less disables limiting.
func WithRate(perSecond float64) Option {
	return func(f *Fetcher) {
		if perSecond <= 0 {
			f.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithRSSHubBase sets the instance rsshub:// URLs resolve to.
func WithRSSHubBase(base string) Option {
	return func(f *Fetcher) {
		if base != "" {
			f.rsshubBase = strings.TrimRight(base, "/")
		}
	}
}

// WithRetryDelay sets the first backoff delay; it doubles on each retry.
func WithRetryDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.retryDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// NewFetcher creates a fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		rsshubBase: "https://rsshub.app",
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ResolveURL rewrites rsshub:// and rsshub.app URLs onto the configured instance
// and validates everything else.
func (f *Fetcher) ResolveURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	for _, prefix := range []string{rsshubScheme, "https://rsshub.app/", "http://rsshub.app/"} {
		if path, ok := strings.CutPrefix(raw, prefix); ok {
			path = strings.TrimLeft(path, "/")
			if path == "" {
				return "", fmt.Errorf("invalid rsshub URL %q", raw)
			}
			return f.rsshubBase + "/" + path, nil
		}
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid URL: %s", raw)
	}
	return raw, nil
}

func (f *Fetcher) nextUserAgent() string {
	i := f.uaIndex.Add(1) - 1
	return userAgents[i%uint64(len(userAgents))]
}

// Fetch downloads rawURL. 429, 503, 403 and transport errors are retried with backoff,
// rotating the User-Agent on each attempt.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := f.ResolveURL(rawURL)
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := f.retryDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}

		body, retry, err := f.fetchOnce(ctx, target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		f.logger.Debug("fetch attempt failed", "url", target, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, target string) (body []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.nextUserAgent())
	req.Header.Set("Accept", "application/rss+xml,application/atom+xml,application/xml;q=0.9,text/html;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, true, fmt.Errorf("fetch %s: unexpected status: %d", target, resp.StatusCode)
	case resp.StatusCode == http.StatusForbidden:
		if resp.Header.Get("cf-mitigated") != "" || strings.Contains(strings.ToLower(resp.Header.Get("Server")), "cloudflare") {
			return nil, false, fmt.Errorf("fetch %s: %w", target, ErrChallenge)
		}
		return nil, true, fmt.Errorf("fetch %s: unexpected status: %d", target, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, false, fmt.Errorf("fetch %s: unexpected status: %d", target, resp.StatusCode)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxFeedBytes {
		return nil, false, fmt.Errorf("fetch %s: %w (over %d bytes)", target, ErrTooLarge, maxFeedBytes)
	}
	if isChallengePage(body) {
		return nil, false, fmt.Errorf("fetch %s: %w", target, ErrChallenge)
	}
	return body, false, nil
}

func isChallengePage(body []byte) bool {
	peek := string(body[:min(len(body), challengePeekBytes)])
	for _, marker := range []string{"Just a moment...", "cf-browser-verification", "_cf_chl_opt", "challenge-platform"} {
		if strings.Contains(peek, marker) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
