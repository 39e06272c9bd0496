package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

const (
	defaultConcurrency     = 2
	defaultLanguage        = "English"
	defaultMaxSummaryLen   = 150
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = time.Minute
)

// AI score given to every article while the user has no interests yet, so nothing is filtered.
const noInterestScore = 1.0

// Observer receives one call per backend request.
type Observer func(backend, op string, elapsed time.Duration, err error)

// Gateway implements the pipeline capabilities on top of a Backend. Every backend call
// passes through one shared concurrency limiter and a circuit breaker.
type Gateway struct {
	backend         Backend
	sem             *semaphore.Weighted
	breaker         *gobreaker.CircuitBreaker[string]
	logger          *slog.Logger
	observer        Observer
	language        string
	maxSummaryLen   int
	minContentLen   int
	concurrency     int
	breakerFailures uint32
	breakerTimeout  time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConcurrency sets how many backend calls may run at once.
func WithConcurrency(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// WithLanguage sets the summary language.
func WithLanguage(lang string) Option {
	return func(g *Gateway) {
		g.language = lang
	}
}

// WithMaxSummaryLength sets the requested summary length in characters.
func WithMaxSummaryLength(n int) Option {
	return func(g *Gateway) {
		g.maxSummaryLen = n
	}
}

// WithMinContentLength sets the shortest content accepted for summarization.
func WithMinContentLength(n int) Option {
	return func(g *Gateway) {
		g.minContentLen = n
	}
}

// WithBreaker sets how many consecutive failures open the breaker and how long it stays open.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(g *Gateway) {
		g.breakerFailures = failures
		g.breakerTimeout = openFor
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithObserver registers a callback for every backend call.
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		g.observer = o
	}
}

// NewGateway wraps backend with the shared limiter and breaker.
func NewGateway(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend:         backend,
		logger:          slog.Default(),
		language:        defaultLanguage,
		maxSummaryLen:   defaultMaxSummaryLen,
		concurrency:     defaultConcurrency,
		breakerFailures: defaultBreakerFailures,
		breakerTimeout:  defaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.sem = semaphore.NewWeighted(int64(g.concurrency))
	g.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        backend.Name(),
		MaxRequests: 1,
		Timeout:     g.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.breakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("provider circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Name returns the backend name.
func (g *Gateway) Name() string {
	return g.backend.Name()
}

// Concurrency returns the limiter size.
func (g *Gateway) Concurrency() int {
	return g.concurrency
}

func (g *Gateway) complete(ctx context.Context, op, prompt string) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire provider slot: %w", err)
	}
	defer g.sem.Release(1)

	start := time.Now()
	out, err := g.breaker.Execute(func() (string, error) {
		text, err := g.backend.Complete(ctx, prompt)
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return "", ErrEmptyResponse
		}
		return text, nil
	})
	if g.observer != nil {
		g.observer(g.backend.Name(), op, time.Since(start), err)
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%s via %s: provider unavailable: %w", op, g.backend.Name(), err)
		}
		return "", fmt.Errorf("%s via %s: %w", op, g.backend.Name(), err)
	}
	return out, nil
}

// BatchSummarize summarizes several articles in one backend call. A returned error means the
// whole batch failed; otherwise each result carries either a summary or its own error.
func (g *Gateway) BatchSummarize(ctx context.Context, items []SummaryInput) ([]SummaryResult, error) {
	results := make([]SummaryResult, len(items))
	valid := make([]SummaryInput, 0, len(items))
	for i, it := range items {
		results[i].ID = it.ID
		if err := g.checkSummarizable(it.Content); err != nil {
			results[i].Err = err
			continue
		}
		valid = append(valid, it)
	}
	if len(valid) == 0 {
		return results, nil
	}

	out, err := g.complete(ctx, "batch_summarize", buildBatchSummaryPrompt(valid, g.language, g.maxSummaryLen))
	if err != nil {
		return nil, err
	}

	summaries := parseIDLines(out)
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		if s, ok := summaries[results[i].ID]; ok {
			results[i].Summary = s
		} else {
			results[i].Err = ErrMissingResult
		}
	}
	return results, nil
}

func (g *Gateway) checkSummarizable(content string) error {
	trimmed := strings.TrimSpace(content)
	if n := utf8.RuneCountInString(trimmed); n < g.minContentLen {
		return fmt.Errorf("%w (%d chars, minimum %d)", ErrContentTooShort, n, g.minContentLen)
	}
	if looksLikeBareURL(trimmed) {
		return fmt.Errorf("%w: content is just a URL", ErrContentTooShort)
	}
	return nil
}

// ExtractTags asks for up to five topic tags. Content under 50 characters yields none.
func (g *Gateway) ExtractTags(ctx context.Context, content string) ([]string, error) {
	if utf8.RuneCountInString(strings.TrimSpace(content)) < minTagContent {
		return nil, nil
	}
	out, err := g.complete(ctx, "extract_tags", buildTagsPrompt(content))
	if err != nil {
		return nil, err
	}
	return ParseTags(out), nil
}

// BatchScoreRelevance scores articles against interests in one backend call.
// With no interests every article scores 1.0 and no call is made.
func (g *Gateway) BatchScoreRelevance(ctx context.Context, items []ScoreInput, interests []string) ([]ScoreResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	results := make([]ScoreResult, len(items))
	for i, it := range items {
		results[i].ID = it.ID
	}
	if len(interests) == 0 {
		for i := range results {
			results[i].Score = noInterestScore
		}
		return results, nil
	}

	out, err := g.complete(ctx, "batch_score", buildBatchScorePrompt(items, interests))
	if err != nil {
		return nil, err
	}

	scores := parseIDLines(out)
	for i := range results {
		raw, ok := scores[results[i].ID]
		if !ok {
			results[i].Err = ErrMissingResult
			continue
		}
		results[i].Score, results[i].Err = ParseScore(raw)
	}
	return results, nil
}

// ClassifyStyle classifies one article's style, tone and length.
func (g *Gateway) ClassifyStyle(ctx context.Context, content string) (Style, error) {
	out, err := g.complete(ctx, "classify_style", buildClassifyPrompt(content))
	if err != nil {
		return Style{}, err
	}
	return ParseStyle(out)
}
