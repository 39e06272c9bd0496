// Package pipeline runs the AI stages over stored articles: summarization,
// relevance scoring with auto-filtering, and style classification.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"feedwise/provider"
	"feedwise/storage"
)

const (
	defaultMinSummarizeLength = 500
	defaultBatchCharLimit     = 200_000
	defaultRelevanceThreshold = 0.3
	defaultCycleLimit         = 500
	defaultClassifyLimit      = 10
	defaultTagWorkers         = 2

	// Content is cut to this many characters before batching.
	contentCeiling = 4000
)

// Store provides the article operations the stages need.
type Store interface {
	ListUnsummarized(ctx context.Context, limit, minLen int) ([]*storage.Article, error)
	ListUnscored(ctx context.Context, limit, minLen int) ([]*storage.Article, error)
	ListUnclassified(ctx context.Context, limit int) ([]*storage.Article, error)
	FilterUnreadIDs(ctx context.Context, ids []string) ([]string, error)
	SetSummary(ctx context.Context, id, summary string) (bool, error)
	AddTags(ctx context.Context, articleID string, tags []string, source string) error
	ApplyScore(ctx context.Context, id string, score float64, markRead bool) error
	UpsertStyle(ctx context.Context, s storage.ArticleStyle) error
}

// Gateway provides the AI capabilities.
type Gateway interface {
	BatchSummarize(ctx context.Context, items []provider.SummaryInput) ([]provider.SummaryResult, error)
	ExtractTags(ctx context.Context, content string) ([]string, error)
	BatchScoreRelevance(ctx context.Context, items []provider.ScoreInput, interests []string) ([]provider.ScoreResult, error)
	ClassifyStyle(ctx context.Context, content string) (provider.Style, error)
}

// Interests yields the user's current top tags.
type Interests interface {
	TopTags(ctx context.Context, window time.Duration, limit int) ([]string, error)
}

// Runner executes pipeline stages.
type Runner struct {
	store              Store
	gateway            Gateway
	interests          Interests
	logger             *slog.Logger
	minSummarizeLength int
	batchCharLimit     int
	relevanceThreshold float64
	cycleLimit         int
	classifyLimit      int
	tagWorkers         int
}

// Option configures a Runner.
type Option func(*Runner)

// WithMinSummarizeLength sets the content length below which articles skip summarization.
func WithMinSummarizeLength(n int) Option {
	return func(r *Runner) {
		r.minSummarizeLength = n
	}
}

// WithBatchCharLimit sets the per-batch character budget.
func WithBatchCharLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchCharLimit = n
		}
	}
}

// WithRelevanceThreshold sets the score below which articles are marked read.
func WithRelevanceThreshold(t float64) Option {
	return func(r *Runner) {
		r.relevanceThreshold = t
	}
}

// WithCycleLimit caps how many candidates one stage run considers.
func WithCycleLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.cycleLimit = n
		}
	}
}

// WithClassifyLimit caps how many articles one classification pass handles.
func WithClassifyLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.classifyLimit = n
		}
	}
}

// WithTagWorkers sets how many tag extractions run in parallel within a batch.
func WithTagWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.tagWorkers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a pipeline runner.
func NewRunner(store Store, gateway Gateway, interests Interests, opts ...Option) *Runner {
	r := &Runner{
		store:              store,
		gateway:            gateway,
		interests:          interests,
		logger:             slog.Default(),
		minSummarizeLength: defaultMinSummarizeLength,
		batchCharLimit:     defaultBatchCharLimit,
		relevanceThreshold: defaultRelevanceThreshold,
		cycleLimit:         defaultCycleLimit,
		classifyLimit:      defaultClassifyLimit,
		tagWorkers:         defaultTagWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FilterOutcome reports one filter cycle.
type FilterOutcome struct {
	Scored     int
	Filtered   int
	Classified int
}

// RunFilterCycle scores and filters, then classifies. Classification only runs
// when scoring completed without a systemic error.
func (r *Runner) RunFilterCycle(ctx context.Context) (FilterOutcome, error) {
	var out FilterOutcome
	var err error

	out.Scored, out.Filtered, err = r.ScoreAndFilter(ctx)
	if err != nil {
		return out, err
	}
	if ctx.Err() != nil {
		return out, nil
	}

	out.Classified, err = r.Classify(ctx)
	return out, err
}

// dropStale keeps only the members that are still unread. On lookup failure the batch is skipped.
func dropStale[T any](ctx context.Context, r *Runner, batch []T, id func(T) string) []T {
	ids := make([]string, len(batch))
	for i, it := range batch {
		ids[i] = id(it)
	}
	unread, err := r.store.FilterUnreadIDs(ctx, ids)
	if err != nil {
		r.logger.Warn("failed to re-check batch read state, skipping batch", "size", len(batch), "error", err)
		return nil
	}
	if len(unread) == len(batch) {
		return batch
	}

	keep := make(map[string]bool, len(unread))
	for _, id := range unread {
		keep[id] = true
	}
	fresh := make([]T, 0, len(unread))
	for _, it := range batch {
		if keep[id(it)] {
			fresh = append(fresh, it)
		}
	}
	r.logger.Debug("dropped stale batch members", "dropped", len(batch)-len(fresh))
	return fresh
}
