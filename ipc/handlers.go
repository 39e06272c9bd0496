package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"feedwise/scheduler"
	"feedwise/storage"
)

// Store is the persistence surface the API exposes.
type Store interface {
	ListFeeds(ctx context.Context) ([]*storage.Feed, error)
	GetFeed(ctx context.Context, id string) (*storage.Feed, error)
	CreateFeed(ctx context.Context, url, name string, interval *time.Duration) (*storage.Feed, error)
	DeleteFeed(ctx context.Context, id string) error
	ListArticles(ctx context.Context, f storage.ArticleFilter) ([]*storage.Article, error)
	GetArticle(ctx context.Context, id string) (*storage.Article, error)
	Search(ctx context.Context, text, feedID string) ([]*storage.Article, error)
	MarkRead(ctx context.Context, id string) error
	MarkUnread(ctx context.Context, id string) error
	ToggleSaved(ctx context.Context, id string) (bool, error)
	CountArticles(ctx context.Context) (total, unread int, err error)
}

// Refresher triggers feed fetches on demand.
type Refresher interface {
	RefreshAll(ctx context.Context) (int, error)
	RefreshFeed(ctx context.Context, id string) (int, error)
}

// SchedulerStatus reports scheduler state.
type SchedulerStatus interface {
	Running() bool
	Snapshot() []scheduler.TaskState
}

// Tracker records reader behavior.
type Tracker interface {
	Track(ctx context.Context, kind storage.EventKind, articleID, feedID string) error
	TrackQuietly(ctx context.Context, kind storage.EventKind, articleID, feedID string)
}

// API implements the daemon's methods on top of the store, refresher and scheduler.
type API struct {
	store     Store
	refresher Refresher
	scheduler SchedulerStatus
	tracker   Tracker
	logger    *slog.Logger
	started   time.Time

	feedRefreshInterval time.Duration
}

// APIOption configures an API.
type APIOption func(*API)

// WithFeedRefreshInterval sets the default per-feed interval reported by status.
func WithFeedRefreshInterval(d time.Duration) APIOption {
	return func(a *API) {
		a.feedRefreshInterval = d
	}
}

// NewAPI creates the method set. started is the daemon start time reported by status.
func NewAPI(store Store, refresher Refresher, sched SchedulerStatus, tracker Tracker, logger *slog.Logger, started time.Time, opts ...APIOption) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		store:     store,
		refresher: refresher,
		scheduler: sched,
		tracker:   tracker,
		logger:    logger,
		started:   started,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register installs every method on s.
func (a *API) Register(s *Server) {
	s.Handle(MethodPing, a.ping)
	s.Handle(MethodStatus, a.status)
	s.Handle(MethodFeedList, a.feedList)
	s.Handle(MethodFeedAdd, a.feedAdd)
	s.Handle(MethodFeedDelete, a.feedDelete)
	s.Handle(MethodFeedRefresh, a.feedRefresh)
	s.Handle(MethodArticleList, a.articleList)
	s.Handle(MethodArticleGet, a.articleGet)
	s.Handle(MethodArticleMarkRead, a.articleMarkRead)
	s.Handle(MethodArticleMarkUnread, a.articleMarkUnread)
	s.Handle(MethodArticleToggleSaved, a.articleToggleSaved)
	s.Handle(MethodArticleSearch, a.articleSearch)
	s.Handle(MethodArticleTrack, a.articleTrack)
}

// Params and results.
type (
	IDParams struct {
		ID string `json:"id"`
	}

	OptionalIDParams struct {
		ID string `json:"id,omitempty"`
	}

	FeedAddParams struct {
		URL             string `json:"url"`
		Name            string `json:"name"`
		RefreshInterval string `json:"refresh_interval,omitempty"`
	}

	ArticleListParams struct {
		FeedID     string `json:"feed_id,omitempty"`
		UnreadOnly bool   `json:"unread_only,omitempty"`
		SavedOnly  bool   `json:"saved_only,omitempty"`
		Limit      int    `json:"limit,omitempty"`
	}

	ArticleSearchParams struct {
		Query  string `json:"query"`
		FeedID string `json:"feed_id,omitempty"`
	}

	ArticleTrackParams struct {
		ID   string            `json:"id"`
		Kind storage.EventKind `json:"kind"`
	}

	OKResult struct {
		OK bool `json:"ok"`
	}

	StatusResult struct {
		Running          bool                  `json:"running"`
		UptimeSecs       int64                 `json:"uptime_secs"`
		SchedulerRunning bool                  `json:"scheduler_running"`
		Intervals        map[string]int64      `json:"intervals"`
		Tasks            []scheduler.TaskState `json:"tasks"`
		Articles         int                   `json:"articles"`
		Unread           int                   `json:"unread"`
	}

	FeedListResult struct {
		Feeds []*storage.Feed `json:"feeds"`
	}

	FeedResult struct {
		Feed        *storage.Feed `json:"feed"`
		NewArticles int           `json:"new_articles"`
	}

	DeletedResult struct {
		Deleted bool `json:"deleted"`
	}

	RefreshResult struct {
		NewArticles int `json:"new_articles"`
	}

	ArticlesResult struct {
		Articles []*storage.Article `json:"articles"`
	}

	ArticleResult struct {
		Article *storage.Article `json:"article"`
	}

	SavedResult struct {
		IsSaved bool `json:"is_saved"`
	}
)

func (a *API) ping(context.Context, json.RawMessage) (any, error) {
	return OKResult{OK: true}, nil
}

func (a *API) status(ctx context.Context, _ json.RawMessage) (any, error) {
	tasks := a.scheduler.Snapshot()
	intervals := make(map[string]int64, len(tasks)+1)
	for _, t := range tasks {
		intervals[t.Name] = int64(t.Interval / time.Second)
	}
	intervals[FeedRefreshIntervalKey] = int64(a.feedRefreshInterval / time.Second)

	total, unread, err := a.store.CountArticles(ctx)
	if err != nil {
		return nil, err
	}

	return StatusResult{
		Running:          true,
		UptimeSecs:       int64(time.Since(a.started) / time.Second),
		SchedulerRunning: a.scheduler.Running(),
		Intervals:        intervals,
		Tasks:            tasks,
		Articles:         total,
		Unread:           unread,
	}, nil
}

func (a *API) feedList(ctx context.Context, _ json.RawMessage) (any, error) {
	feeds, err := a.store.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}
	return FeedListResult{Feeds: feeds}, nil
}

func (a *API) feedAdd(ctx context.Context, params json.RawMessage) (any, error) {
	var p FeedAddParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	p.URL = strings.TrimSpace(p.URL)
	if err := validateFeedURL(p.URL); err != nil {
		return nil, InvalidParams(err)
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, InvalidParams(errors.New("name is required"))
	}

	var interval *time.Duration
	if p.RefreshInterval != "" {
		d, err := time.ParseDuration(p.RefreshInterval)
		if err != nil || d < 0 {
			return nil, InvalidParams(fmt.Errorf("refresh_interval %q is not a valid duration", p.RefreshInterval))
		}
		if d%time.Second != 0 {
			return nil, InvalidParams(fmt.Errorf("refresh_interval %q must be whole seconds", p.RefreshInterval))
		}
		interval = &d
	}

	f, err := a.store.CreateFeed(ctx, p.URL, name, interval)
	if err != nil {
		return nil, err
	}
	a.logger.Info("feed added", "feed", f.ID, "url", f.URL)

	// The subscription stands even if the first fetch fails; the error lands in last_error.
	n, err := a.refresher.RefreshFeed(ctx, f.ID)
	if err != nil {
		a.logger.Warn("initial feed refresh failed", "feed", f.ID, "error", err)
	}
	if updated, err := a.store.GetFeed(ctx, f.ID); err == nil {
		f = updated
	}
	return FeedResult{Feed: f, NewArticles: n}, nil
}

func (a *API) feedDelete(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := requireID(params)
	if err != nil {
		return nil, err
	}
	if err := a.store.DeleteFeed(ctx, id); err != nil {
		return nil, err
	}
	a.logger.Info("feed deleted", "feed", id)
	return DeletedResult{Deleted: true}, nil
}

func (a *API) feedRefresh(ctx context.Context, params json.RawMessage) (any, error) {
	var p OptionalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	var (
		n   int
		err error
	)
	if p.ID == "" {
		n, err = a.refresher.RefreshAll(ctx)
	} else {
		if verr := uuid.Validate(p.ID); verr != nil {
			return nil, InvalidParams(fmt.Errorf("id %q: %w", p.ID, verr))
		}
		n, err = a.refresher.RefreshFeed(ctx, p.ID)
	}
	if err != nil {
		return nil, err
	}
	return RefreshResult{NewArticles: n}, nil
}

func (a *API) articleList(ctx context.Context, params json.RawMessage) (any, error) {
	var p ArticleListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit < 0 {
		return nil, InvalidParams(errors.New("limit must not be negative"))
	}
	articles, err := a.store.ListArticles(ctx, storage.ArticleFilter{
		FeedID:     p.FeedID,
		UnreadOnly: p.UnreadOnly,
		SavedOnly:  p.SavedOnly,
		Limit:      p.Limit,
	})
	if err != nil {
		return nil, err
	}
	return ArticlesResult{Articles: articles}, nil
}

func (a *API) articleGet(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := requireID(params)
	if err != nil {
		return nil, err
	}
	article, err := a.store.GetArticle(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("article %s: %w", id, err)
	}
	return ArticleResult{Article: article}, nil
}

func (a *API) articleMarkRead(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := requireID(params)
	if err != nil {
		return nil, err
	}
	article, err := a.store.GetArticle(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("article %s: %w", id, err)
	}
	if err := a.store.MarkRead(ctx, id); err != nil {
		return nil, err
	}
	a.tracker.TrackQuietly(ctx, storage.EventClick, id, article.FeedID)
	return OKResult{OK: true}, nil
}

func (a *API) articleMarkUnread(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := requireID(params)
	if err != nil {
		return nil, err
	}
	if err := a.store.MarkUnread(ctx, id); err != nil {
		return nil, fmt.Errorf("article %s: %w", id, err)
	}
	return OKResult{OK: true}, nil
}

func (a *API) articleToggleSaved(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := requireID(params)
	if err != nil {
		return nil, err
	}
	article, err := a.store.GetArticle(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("article %s: %w", id, err)
	}
	saved, err := a.store.ToggleSaved(ctx, id)
	if err != nil {
		return nil, err
	}
	if saved {
		a.tracker.TrackQuietly(ctx, storage.EventSave, id, article.FeedID)
	}
	return SavedResult{IsSaved: saved}, nil
}

func (a *API) articleSearch(ctx context.Context, params json.RawMessage) (any, error) {
	var p ArticleSearchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return nil, InvalidParams(errors.New("query is required"))
	}
	articles, err := a.store.Search(ctx, query, p.FeedID)
	if err != nil {
		return nil, err
	}
	return ArticlesResult{Articles: articles}, nil
}

func (a *API) articleTrack(ctx context.Context, params json.RawMessage) (any, error) {
	var p ArticleTrackParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := uuid.Validate(p.ID); err != nil {
		return nil, InvalidParams(fmt.Errorf("id %q: %w", p.ID, err))
	}
	if !p.Kind.Valid() {
		return nil, InvalidParams(fmt.Errorf("unknown event kind %q", p.Kind))
	}
	article, err := a.store.GetArticle(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("article %s: %w", p.ID, err)
	}
	if err := a.tracker.Track(ctx, p.Kind, p.ID, article.FeedID); err != nil {
		return nil, err
	}
	return OKResult{OK: true}, nil
}

func requireID(params json.RawMessage) (string, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", InvalidParams(errors.New("id is required"))
	}
	if err := uuid.Validate(p.ID); err != nil {
		return "", InvalidParams(fmt.Errorf("id %q: %w", p.ID, err))
	}
	return p.ID, nil
}

func validateFeedURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("url %q has no host", raw)
		}
	case "rsshub":
	default:
		return fmt.Errorf("url %q: unsupported scheme %q", raw, u.Scheme)
	}
	return nil
}
