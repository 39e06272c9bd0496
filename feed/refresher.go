package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"feedwise/storage"
)

const defaultWorkers = 4

// Store provides the feed and article persistence the refresher needs.
type Store interface {
	GetFeed(ctx context.Context, id string) (*storage.Feed, error)
	ListFeeds(ctx context.Context) ([]*storage.Feed, error)
	ListDueFeeds(ctx context.Context, now time.Time, defaultInterval time.Duration) ([]*storage.Feed, error)
	KnownGUIDs(ctx context.Context, feedID string, guids []string) (map[string]bool, error)
	InsertArticles(ctx context.Context, feedID string, articles []storage.NewArticle) (int, error)
	MarkFeedFetched(ctx context.Context, id string, meta storage.FeedMeta, at time.Time) error
	SetFeedError(ctx context.Context, id, message string) error
}

// Source downloads a feed document.
type Source interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ContentExtractor fetches full article text for entries that only carry a teaser.
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// Refresher fetches due feeds and ingests their new entries.
type Refresher struct {
	store         Store
	source        Source
	extractor     ContentExtractor
	logger        *slog.Logger
	now           func() time.Time
	workers       int
	minContentLen int
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithExtractor enables full-content extraction for entries shorter than minLen.
func WithExtractor(e ContentExtractor, minLen int) RefresherOption {
	return func(r *Refresher) {
		r.extractor = e
		r.minContentLen = minLen
	}
}

// WithWorkers sets how many feeds are refreshed in parallel.
func WithWorkers(n int) RefresherOption {
	return func(r *Refresher) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRefresherLogger sets the logger.
func WithRefresherLogger(l *slog.Logger) RefresherOption {
	return func(r *Refresher) {
		r.logger = l
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) {
		r.now = now
	}
}

// NewRefresher creates a refresher.
func NewRefresher(store Store, source Source, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:   store,
		source:  source,
		logger:  slog.Default(),
		now:     time.Now,
		workers: defaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RefreshDue refreshes every feed that is due under interval, or every feed when interval is zero.
// A per-feed interval takes precedence over interval. A failing feed records its error and
// never stops the others. Returns the number of new articles.
func (r *Refresher) RefreshDue(ctx context.Context, interval time.Duration) (int, error) {
	feeds, err := r.store.ListDueFeeds(ctx, r.now(), interval)
	if err != nil {
		return 0, fmt.Errorf("list due feeds: %w", err)
	}
	return r.refreshFeeds(ctx, feeds), nil
}

// RefreshAll refreshes every feed now, ignoring both the default and per-feed intervals.
func (r *Refresher) RefreshAll(ctx context.Context) (int, error) {
	feeds, err := r.store.ListFeeds(ctx)
	if err != nil {
		return 0, fmt.Errorf("list feeds: %w", err)
	}
	return r.refreshFeeds(ctx, feeds), nil
}

func (r *Refresher) refreshFeeds(ctx context.Context, feeds []*storage.Feed) int {
	if len(feeds) == 0 {
		return 0
	}

	var (
		total  atomic.Int64
		failed atomic.Int64
		g      errgroup.Group
	)
	g.SetLimit(r.workers)
	for _, f := range feeds {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := r.refresh(ctx, f)
			if err != nil {
				failed.Add(1)
				return nil
			}
			total.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("feed refresh complete", "feeds", len(feeds), "failed", failed.Load(), "new_articles", total.Load())
	return int(total.Load())
}

// RefreshFeed refreshes a single feed regardless of its schedule.
func (r *Refresher) RefreshFeed(ctx context.Context, id string) (int, error) {
	f, err := r.store.GetFeed(ctx, id)
	if err != nil {
		return 0, err
	}
	return r.refresh(ctx, f)
}

func (r *Refresher) refresh(ctx context.Context, f *storage.Feed) (int, error) {
	n, meta, err := r.ingest(ctx, f)
	if err != nil {
		r.logger.Warn("feed refresh failed", "feed", f.ID, "url", f.URL, "error", err)
		if serr := r.store.SetFeedError(context.WithoutCancel(ctx), f.ID, err.Error()); serr != nil {
			r.logger.Error("failed to record feed error", "feed", f.ID, "error", serr)
		}
		return 0, err
	}
	if err := r.store.MarkFeedFetched(ctx, f.ID, meta, r.now()); err != nil {
		return n, fmt.Errorf("mark feed fetched: %w", err)
	}
	if n > 0 {
		r.logger.Info("feed refreshed", "feed", f.ID, "new_articles", n)
	}
	return n, nil
}

func (r *Refresher) ingest(ctx context.Context, f *storage.Feed) (int, storage.FeedMeta, error) {
	data, err := r.source.Fetch(ctx, f.URL)
	if err != nil {
		return 0, storage.FeedMeta{}, err
	}
	parsed, err := Parse(data)
	if err != nil {
		return 0, storage.FeedMeta{}, err
	}

	if r.extractor != nil {
		r.enrich(ctx, f.ID, parsed.Entries)
	}

	n, err := r.store.InsertArticles(ctx, f.ID, parsed.Entries)
	if err != nil {
		return 0, parsed.Meta, fmt.Errorf("insert articles: %w", err)
	}
	return n, parsed.Meta, nil
}

// enrich replaces teaser text with the extracted page text for entries not yet stored.
func (r *Refresher) enrich(ctx context.Context, feedID string, entries []storage.NewArticle) {
	guids := make([]string, len(entries))
	for i, e := range entries {
		guids[i] = e.GUID
	}
	known, err := r.store.KnownGUIDs(ctx, feedID, guids)
	if err != nil {
		r.logger.Warn("failed to look up known entries", "feed", feedID, "error", err)
		return
	}

	for i := range entries {
		e := &entries[i]
		if known[e.GUID] || e.URL == "" || utf8.RuneCountInString(e.ContentText) >= r.minContentLen {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		text, err := r.extractor.Extract(ctx, e.URL)
		if err != nil {
			r.logger.Debug("content extraction failed", "url", e.URL, "error", err)
			continue
		}
		if utf8.RuneCountInString(text) > utf8.RuneCountInString(e.ContentText) {
			e.ContentText = text
		}
	}
}
