package ipc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedwise/feed"
	"feedwise/profile"
	"feedwise/scheduler"
	"feedwise/storage"
)

type fakeRefresher struct {
	mu        sync.Mutex
	allCalls  int
	feedCalls []string
	n         int
	err       error
}

func (f *fakeRefresher) RefreshAll(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allCalls++
	return f.n, f.err
}

func (f *fakeRefresher) RefreshFeed(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedCalls = append(f.feedCalls, id)
	return f.n, f.err
}

func (f *fakeRefresher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRefresher) calls() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allCalls, append([]string(nil), f.feedCalls...)
}

type fakeScheduler struct {
	tasks []scheduler.TaskState
}

func (f *fakeScheduler) Running() bool                   { return true }
func (f *fakeScheduler) Snapshot() []scheduler.TaskState { return f.tasks }

type apiFixture struct {
	db        *storage.DB
	client    *Client
	refresher *fakeRefresher
	feed      *storage.Feed
	articles  []*storage.Article
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "ipc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	feed, err := db.CreateFeed(ctx, "https://example.com/feed.xml", "example", nil)
	require.NoError(t, err)
	_, err = db.InsertArticles(ctx, feed.ID, []storage.NewArticle{
		{GUID: "g1", URL: "https://example.com/1", Title: "Go generics in practice", ContentText: "type parameters"},
		{GUID: "g2", URL: "https://example.com/2", Title: "Gardening notes", ContentText: "tomatoes"},
	})
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, storage.ArticleFilter{FeedID: feed.ID})
	require.NoError(t, err)
	require.Len(t, articles, 2)

	refresher := &fakeRefresher{n: 3}
	sched := &fakeScheduler{tasks: []scheduler.TaskState{
		{Name: "refresh", Interval: time.Hour, Enabled: true},
		{Name: "summarize", Interval: 5 * time.Minute, Enabled: true},
	}}
	logger := slog.New(slog.DiscardHandler)
	api := NewAPI(db, refresher, sched, profile.NewTracker(db, logger), logger, time.Now().Add(-time.Minute),
		WithFeedRefreshInterval(12*time.Hour))

	path := socketPath(t)
	srv := NewServer(path, WithLogger(logger))
	api.Register(srv)
	startServer(t, srv)

	return &apiFixture{
		db:        db,
		client:    dial(t, path),
		refresher: refresher,
		feed:      feed,
		articles:  articles,
	}
}

func (f *apiFixture) call(t *testing.T, method string, params, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.client.Call(ctx, method, params, out)
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr), "expected *Error, got %v", err)
	assert.Equal(t, code, rpcErr.Code, rpcErr.Message)
}

func TestMarkReadIsVisibleToNextGet(t *testing.T) {
	f := newAPIFixture(t)
	id := f.articles[0].ID

	var ok OKResult
	require.NoError(t, f.call(t, MethodArticleMarkRead, IDParams{ID: id}, &ok))
	assert.True(t, ok.OK)

	var got ArticleResult
	require.NoError(t, f.call(t, MethodArticleGet, IDParams{ID: id}, &got))
	require.NotNil(t, got.Article)
	assert.True(t, got.Article.IsRead)
	assert.NotNil(t, got.Article.ReadAt)

	events, err := f.db.CountEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, events, "mark_read records a click")

	require.NoError(t, f.call(t, MethodArticleMarkUnread, IDParams{ID: id}, nil))
	require.NoError(t, f.call(t, MethodArticleGet, IDParams{ID: id}, &got))
	assert.False(t, got.Article.IsRead)
}

func TestToggleSavedRecordsSaveOnlyWhenSaving(t *testing.T) {
	f := newAPIFixture(t)
	id := f.articles[0].ID

	var res SavedResult
	require.NoError(t, f.call(t, MethodArticleToggleSaved, IDParams{ID: id}, &res))
	assert.True(t, res.IsSaved)
	require.NoError(t, f.call(t, MethodArticleToggleSaved, IDParams{ID: id}, &res))
	assert.False(t, res.IsSaved)

	events, err := f.db.CountEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, events)
}

func TestArticleErrors(t *testing.T) {
	f := newAPIFixture(t)
	missing := uuid.NewString()

	tests := []struct {
		name   string
		method string
		params any
		code   int
	}{
		{"get missing", MethodArticleGet, IDParams{ID: missing}, CodeNotFound},
		{"mark read missing", MethodArticleMarkRead, IDParams{ID: missing}, CodeNotFound},
		{"mark unread missing", MethodArticleMarkUnread, IDParams{ID: missing}, CodeNotFound},
		{"toggle missing", MethodArticleToggleSaved, IDParams{ID: missing}, CodeNotFound},
		{"get without id", MethodArticleGet, nil, CodeInvalidParams},
		{"get malformed id", MethodArticleGet, IDParams{ID: "not-a-uuid"}, CodeInvalidParams},
		{"get wrong param type", MethodArticleGet, map[string]int{"id": 5}, CodeInvalidParams},
		{"empty search", MethodArticleSearch, ArticleSearchParams{Query: "  "}, CodeInvalidParams},
		{"negative limit", MethodArticleList, ArticleListParams{Limit: -1}, CodeInvalidParams},
		{"unknown event kind", MethodArticleTrack, ArticleTrackParams{ID: f.articles[0].ID, Kind: "stare"}, CodeInvalidParams},
		{"track missing", MethodArticleTrack, ArticleTrackParams{ID: missing, Kind: storage.EventReadComplete}, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCode(t, f.call(t, tt.method, tt.params, nil), tt.code)
		})
	}
}

func TestArticleTrack(t *testing.T) {
	f := newAPIFixture(t)

	params := ArticleTrackParams{ID: f.articles[1].ID, Kind: storage.EventReadComplete}
	require.NoError(t, f.call(t, MethodArticleTrack, params, nil))

	events, err := f.db.TagEventsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events, "untagged articles contribute no tag events")

	n, err := f.db.CountEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArticleListAndSearch(t *testing.T) {
	f := newAPIFixture(t)

	var list ArticlesResult
	require.NoError(t, f.call(t, MethodArticleList, ArticleListParams{FeedID: f.feed.ID}, &list))
	assert.Len(t, list.Articles, 2)

	require.NoError(t, f.call(t, MethodArticleMarkRead, IDParams{ID: f.articles[0].ID}, nil))
	require.NoError(t, f.call(t, MethodArticleList, ArticleListParams{UnreadOnly: true}, &list))
	require.Len(t, list.Articles, 1)
	assert.Equal(t, f.articles[1].ID, list.Articles[0].ID)

	var found ArticlesResult
	require.NoError(t, f.call(t, MethodArticleSearch, ArticleSearchParams{Query: "generics"}, &found))
	require.Len(t, found.Articles, 1)
	assert.Equal(t, "Go generics in practice", found.Articles[0].Title)

	require.NoError(t, f.call(t, MethodArticleSearch, ArticleSearchParams{Query: "tomatoes", FeedID: uuid.NewString()}, &found))
	assert.Empty(t, found.Articles)
}

func TestFeedAdd(t *testing.T) {
	f := newAPIFixture(t)

	var res FeedResult
	params := FeedAddParams{URL: "https://blog.example.org/rss", Name: "blog", RefreshInterval: "2h"}
	require.NoError(t, f.call(t, MethodFeedAdd, params, &res))
	require.NotNil(t, res.Feed)
	assert.Equal(t, "blog", res.Feed.Name)
	require.NotNil(t, res.Feed.RefreshInterval)
	assert.Equal(t, 2*time.Hour, *res.Feed.RefreshInterval)
	assert.Equal(t, 3, res.NewArticles)
	_, feedCalls := f.refresher.calls()
	assert.Equal(t, []string{res.Feed.ID}, feedCalls)

	requireCode(t, f.call(t, MethodFeedAdd, params, nil), CodeInvalidParams)

	for _, bad := range []FeedAddParams{
		{URL: "", Name: "x"},
		{URL: "ftp://example.com/feed", Name: "x"},
		{URL: "https://example.com/other", Name: ""},
		{URL: "https://example.com/other", Name: "x", RefreshInterval: "soon"},
		{URL: "https://example.com/other", Name: "x", RefreshInterval: "-1m"},
		{URL: "https://example.com/other", Name: "x", RefreshInterval: "1500ms"},
	} {
		requireCode(t, f.call(t, MethodFeedAdd, bad, nil), CodeInvalidParams)
	}
}

func TestFeedAddSurvivesFailedFirstFetch(t *testing.T) {
	f := newAPIFixture(t)
	f.refresher.setErr(errors.New("connection refused"))

	var res FeedResult
	require.NoError(t, f.call(t, MethodFeedAdd, FeedAddParams{URL: "rsshub://github/trending", Name: "trending"}, &res))
	assert.Zero(t, res.NewArticles)

	var list FeedListResult
	require.NoError(t, f.call(t, MethodFeedList, nil, &list))
	assert.Len(t, list.Feeds, 2)
}

func TestFeedRefresh(t *testing.T) {
	f := newAPIFixture(t)

	var res RefreshResult
	require.NoError(t, f.call(t, MethodFeedRefresh, nil, &res))
	assert.Equal(t, 3, res.NewArticles)
	allCalls, _ := f.refresher.calls()
	assert.Equal(t, 1, allCalls, "refresh without an id forces every feed")

	require.NoError(t, f.call(t, MethodFeedRefresh, OptionalIDParams{ID: f.feed.ID}, &res))
	_, feedCalls := f.refresher.calls()
	assert.Equal(t, []string{f.feed.ID}, feedCalls)

	f.refresher.setErr(storage.ErrNotFound)
	requireCode(t, f.call(t, MethodFeedRefresh, OptionalIDParams{ID: uuid.NewString()}, nil), CodeNotFound)
}

const refreshTestFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Overridden</title>
<item><title>One</title><link>https://example.com/one</link><guid>one</guid></item>
</channel></rss>`

func TestFeedRefreshForcesFeedsWithOwnInterval(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, refreshTestFeed)
	}))
	defer origin.Close()

	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "ipc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.DiscardHandler)
	refresher := feed.NewRefresher(db, feed.NewFetcher(), feed.WithRefresherLogger(logger))
	api := NewAPI(db, refresher, &fakeScheduler{}, profile.NewTracker(db, logger), logger, time.Now())

	path := socketPath(t)
	srv := NewServer(path, WithLogger(logger))
	api.Register(srv)
	startServer(t, srv)
	c := dial(t, path)

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var added FeedResult
	require.NoError(t, c.Call(callCtx, MethodFeedAdd,
		FeedAddParams{URL: origin.URL + "/rss", Name: "overridden", RefreshInterval: "24h"}, &added))
	require.NotNil(t, added.Feed.LastFetchedAt)
	require.Equal(t, int32(1), hits.Load())

	var res RefreshResult
	require.NoError(t, c.Call(callCtx, MethodFeedRefresh, nil, &res))
	assert.Equal(t, int32(2), hits.Load(), "a fresh feed with a 24h interval is still fetched")
	assert.Zero(t, res.NewArticles)
}

func TestFeedDelete(t *testing.T) {
	f := newAPIFixture(t)

	var res DeletedResult
	require.NoError(t, f.call(t, MethodFeedDelete, IDParams{ID: f.feed.ID}, &res))
	assert.True(t, res.Deleted)

	requireCode(t, f.call(t, MethodFeedDelete, IDParams{ID: f.feed.ID}, nil), CodeNotFound)
	requireCode(t, f.call(t, MethodArticleGet, IDParams{ID: f.articles[0].ID}, nil), CodeNotFound)

	var list FeedListResult
	require.NoError(t, f.call(t, MethodFeedList, nil, &list))
	assert.Empty(t, list.Feeds)
}

func TestStatusAndPing(t *testing.T) {
	f := newAPIFixture(t)

	var ping OKResult
	require.NoError(t, f.call(t, MethodPing, nil, &ping))
	assert.True(t, ping.OK)

	var st StatusResult
	require.NoError(t, f.call(t, MethodStatus, nil, &st))
	assert.True(t, st.Running)
	assert.True(t, st.SchedulerRunning)
	assert.GreaterOrEqual(t, st.UptimeSecs, int64(60))
	assert.Equal(t, map[string]int64{"refresh": 3600, "summarize": 300, FeedRefreshIntervalKey: 43200}, st.Intervals)
	assert.Len(t, st.Tasks, 2)
	assert.Equal(t, 2, st.Articles)
	assert.Equal(t, 2, st.Unread)
}
