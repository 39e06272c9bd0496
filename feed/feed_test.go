package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedwise/storage"
)

const rssDoc = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Blog</title>
  <link>https://example.com</link>
  <description>Posts &amp; notes</description>
  <image><url>https://example.com/logo.png</url><title>x</title><link>https://example.com</link></image>
  <item>
    <title>First post</title>
    <link>https://example.com/first</link>
    <guid>first-guid</guid>
    <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    <description><![CDATA[<p>Hello <b>world</b> &amp; friends</p><img src="https://example.com/a.png"><script>alert(1)</script>]]></description>
  </item>
  <item>
    <title>Second post</title>
    <link>https://example.com/second</link>
    <description>Plain text body</description>
  </item>
</channel>
</rss>`

const atomDoc = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Feed</title>
  <link href="https://atom.example.com/"/>
  <id>urn:feed</id>
  <updated>2024-01-01T00:00:00Z</updated>
  <entry>
    <title>Atom entry</title>
    <id>urn:entry:1</id>
    <link href="https://atom.example.com/1"/>
    <updated>2024-01-01T00:00:00Z</updated>
    <author><name>Ada</name></author>
    <content type="html">&lt;p&gt;Atom body&lt;/p&gt;</content>
  </entry>
</feed>`

func TestParseRSS(t *testing.T) {
	parsed, err := Parse([]byte(rssDoc))
	require.NoError(t, err)

	assert.Equal(t, "Example Blog", parsed.Meta.Title)
	assert.Equal(t, "Posts & notes", parsed.Meta.Description)
	assert.Equal(t, "https://example.com", parsed.Meta.SiteURL)
	assert.Equal(t, "https://example.com/logo.png", parsed.Meta.IconURL)

	require.Len(t, parsed.Entries, 2)
	first := parsed.Entries[0]
	assert.Equal(t, "first-guid", first.GUID)
	assert.Equal(t, "First post", first.Title)
	assert.Equal(t, "Hello world & friends", first.ContentText)
	assert.NotContains(t, first.Content, "<script>")
	assert.Equal(t, "https://example.com/a.png", first.ImageURL)
	require.NotNil(t, first.PublishedAt)
	assert.Equal(t, 2006, first.PublishedAt.Year())

	// No guid falls back to the link.
	assert.Equal(t, "https://example.com/second", parsed.Entries[1].GUID)
	assert.Equal(t, "Plain text body", parsed.Entries[1].ContentText)
}

func TestParseAtom(t *testing.T) {
	parsed, err := Parse([]byte(atomDoc))
	require.NoError(t, err)

	require.Len(t, parsed.Entries, 1)
	e := parsed.Entries[0]
	assert.Equal(t, "urn:entry:1", e.GUID)
	assert.Equal(t, "Ada", e.Author)
	assert.Equal(t, "Atom body", e.ContentText)
	assert.NotNil(t, e.PublishedAt)
}

func TestParseGarbage(t *testing.T) {
	_, err := Parse([]byte("<html><body>not a feed</body></html>"))
	assert.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	f := NewFetcher(WithRSSHubBase("https://hub.example.org/"))

	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"rsshub://hackernews", "https://hub.example.org/hackernews", false},
		{"rsshub://twitter/user/test", "https://hub.example.org/twitter/user/test", false},
		{"https://rsshub.app/github/issue/x", "https://hub.example.org/github/issue/x", false},
		{"https://example.com/feed.xml", "https://example.com/feed.xml", false},
		{"rsshub://", "", true},
		{"ftp://example.com/feed", "", true},
		{"not a url", "", true},
	}
	for _, tt := range tests {
		got, err := f.ResolveURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestFetchRetriesAndRotatesUserAgent(t *testing.T) {
	var (
		mu     sync.Mutex
		agents []string
		calls  atomic.Int32
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.UserAgent())
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(rssDoc))
	}))
	defer server.Close()

	f := NewFetcher(WithRetryDelay(time.Millisecond))
	body, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, rssDoc, string(body))
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, agents, 3)
	assert.NotEqual(t, agents[0], agents[1])
}

func TestFetchGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewFetcher(WithRetryDelay(time.Millisecond)).Fetch(context.Background(), server.URL)
	assert.ErrorContains(t, err, "429")
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewFetcher(WithRetryDelay(time.Millisecond)).Fetch(context.Background(), server.URL)
	assert.ErrorContains(t, err, "404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchDetectsChallenges(t *testing.T) {
	t.Run("cloudflare 403", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("cf-mitigated", "challenge")
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		_, err := NewFetcher(WithRetryDelay(time.Millisecond)).Fetch(context.Background(), server.URL)
		assert.ErrorIs(t, err, ErrChallenge)
	})

	t.Run("challenge page", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html><title>Just a moment...</title><script src="/cdn-cgi/challenge-platform/x.js"></script></html>`))
		}))
		defer server.Close()

		_, err := NewFetcher().Fetch(context.Background(), server.URL)
		assert.ErrorIs(t, err, ErrChallenge)
	})
}

func TestFetchSizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxFeedBytes+10)))
	}))
	defer server.Close()

	_, err := NewFetcher().Fetch(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewFetcher(WithRetryDelay(time.Second)).Fetch(ctx, server.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExtract(t *testing.T) {
	page := `<!DOCTYPE html><html><head><title>Deep dive</title></head><body>
<nav>Home | About</nav>
<article><h1>Deep dive</h1>
<p>This is the main content of the article. It contains important information that should be extracted by the reader.</p>
<p>Second paragraph with more details about the topic, long enough to be considered real prose by the extractor.</p>
</article></body></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	text, err := NewExtractor(NewFetcher()).Extract(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Contains(t, text, "main content")

	_, err = NewExtractor(NewFetcher()).Extract(context.Background(), "::bad")
	assert.Error(t, err)
}

type feedServer struct {
	*httptest.Server
	hits sync.Map
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := fs.hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		switch r.URL.Path {
		case "/good.xml":
			_, _ = w.Write([]byte(rssDoc))
		case "/atom.xml":
			_, _ = w.Write([]byte(atomDoc))
		case "/broken.xml":
			_, _ = w.Write([]byte("definitely not xml"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) count(path string) int32 {
	n, ok := fs.hits.Load(path)
	if !ok {
		return 0
	}
	return n.(*atomic.Int32).Load()
}

func openStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRefreshDueIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	srv := newFeedServer(t)

	good, err := db.CreateFeed(ctx, srv.URL+"/good.xml", "good", nil)
	require.NoError(t, err)
	broken, err := db.CreateFeed(ctx, srv.URL+"/broken.xml", "broken", nil)
	require.NoError(t, err)
	missing, err := db.CreateFeed(ctx, srv.URL+"/missing.xml", "missing", nil)
	require.NoError(t, err)

	r := NewRefresher(db, NewFetcher(WithRetryDelay(time.Millisecond)))
	n, err := r.RefreshDue(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	g, err := db.GetFeed(ctx, good.ID)
	require.NoError(t, err)
	assert.Empty(t, g.LastError)
	assert.NotNil(t, g.LastFetchedAt)
	assert.Equal(t, "Example Blog", g.Title)
	assert.Equal(t, 2, g.UnreadCount)

	for _, id := range []string{broken.ID, missing.ID} {
		f, err := db.GetFeed(ctx, id)
		require.NoError(t, err)
		assert.NotEmpty(t, f.LastError)
		assert.Nil(t, f.LastFetchedAt)
	}

	// Only the failed feeds are still due within the hour.
	n, err = r.RefreshDue(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(1), srv.count("/good.xml"))
	assert.Equal(t, int32(2), srv.count("/broken.xml"))
}

func TestRefreshDueZeroIntervalRefreshesAll(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	srv := newFeedServer(t)

	_, err := db.CreateFeed(ctx, srv.URL+"/good.xml", "good", nil)
	require.NoError(t, err)
	_, err = db.CreateFeed(ctx, srv.URL+"/atom.xml", "atom", nil)
	require.NoError(t, err)

	r := NewRefresher(db, NewFetcher())
	n, err := r.RefreshDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = r.RefreshDue(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "entries are deduplicated by guid")
	assert.Equal(t, int32(2), srv.count("/good.xml"))
}

func TestRefreshDueHonorsPerFeedInterval(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	srv := newFeedServer(t)

	short := time.Minute
	_, err := db.CreateFeed(ctx, srv.URL+"/good.xml", "good", &short)
	require.NoError(t, err)
	_, err = db.CreateFeed(ctx, srv.URL+"/atom.xml", "atom", nil)
	require.NoError(t, err)

	now := time.Now()
	r := NewRefresher(db, NewFetcher(), WithClock(func() time.Time { return now }))
	_, err = r.RefreshDue(ctx, time.Hour)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = r.RefreshDue(ctx, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, int32(2), srv.count("/good.xml"))
	assert.Equal(t, int32(1), srv.count("/atom.xml"))
}

func TestRefreshAllIgnoresPerFeedInterval(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	srv := newFeedServer(t)

	long := time.Hour
	_, err := db.CreateFeed(ctx, srv.URL+"/good.xml", "good", &long)
	require.NoError(t, err)
	_, err = db.CreateFeed(ctx, srv.URL+"/atom.xml", "atom", nil)
	require.NoError(t, err)

	r := NewRefresher(db, NewFetcher())
	_, err = r.RefreshDue(ctx, 0)
	require.NoError(t, err)

	// The override keeps the fresh feed out of a zero-interval pass.
	_, err = r.RefreshDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.count("/good.xml"))
	assert.Equal(t, int32(2), srv.count("/atom.xml"))

	_, err = r.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.count("/good.xml"))
	assert.Equal(t, int32(3), srv.count("/atom.xml"))
}

func TestRefreshFeed(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	srv := newFeedServer(t)

	f, err := db.CreateFeed(ctx, srv.URL+"/atom.xml", "atom", nil)
	require.NoError(t, err)

	r := NewRefresher(db, NewFetcher())
	n, err := r.RefreshFeed(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.RefreshFeed(ctx, "no-such-feed")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type stubExtractor struct {
	calls atomic.Int32
	text  string
}

func (s *stubExtractor) Extract(context.Context, string) (string, error) {
	s.calls.Add(1)
	return s.text, nil
}

func TestRefreshExtractsShortEntriesOnce(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	srv := newFeedServer(t)

	f, err := db.CreateFeed(ctx, srv.URL+"/good.xml", "good", nil)
	require.NoError(t, err)

	ext := &stubExtractor{text: strings.Repeat("full text ", 100)}
	r := NewRefresher(db, NewFetcher(), WithExtractor(ext, 500))

	_, err = r.RefreshFeed(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ext.calls.Load())

	articles, err := db.ListArticles(ctx, storage.ArticleFilter{FeedID: f.ID})
	require.NoError(t, err)
	for _, a := range articles {
		assert.True(t, strings.HasPrefix(a.ContentText, "full text"))
	}

	_, err = r.RefreshFeed(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ext.calls.Load(), "known entries are not extracted again")
}
