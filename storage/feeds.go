package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Feed is a subscribed content source.
type Feed struct {
	ID              string         `json:"id"`
	URL             string         `json:"url"`
	Name            string         `json:"name"`
	Title           string         `json:"title,omitempty"`
	Description     string         `json:"description,omitempty"`
	SiteURL         string         `json:"site_url,omitempty"`
	IconURL         string         `json:"icon_url,omitempty"`
	RefreshInterval *time.Duration `json:"refresh_interval,omitempty"`
	LastFetchedAt   *time.Time     `json:"last_fetched_at,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	UnreadCount     int            `json:"unread_count"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Due reports whether the feed should be fetched at now.
// Feeds that were never fetched are always due; an interval of zero makes every feed due.
func (f *Feed) Due(now time.Time, defaultInterval time.Duration) bool {
	if f.LastFetchedAt == nil {
		return true
	}
	interval := defaultInterval
	if f.RefreshInterval != nil {
		interval = *f.RefreshInterval
	}
	if interval <= 0 {
		return true
	}
	return now.Sub(*f.LastFetchedAt) >= interval
}

// FeedMeta is channel-level metadata learned from a successful fetch.
type FeedMeta struct {
	Title       string
	Description string
	SiteURL     string
	IconURL     string
}

type feedRow struct {
	ID                  string         `db:"id"`
	URL                 string         `db:"url"`
	LocalName           string         `db:"local_name"`
	Title               sql.NullString `db:"title"`
	Description         sql.NullString `db:"description"`
	SiteURL             sql.NullString `db:"site_url"`
	IconURL             sql.NullString `db:"icon_url"`
	RefreshIntervalSecs *int64         `db:"refresh_interval_secs"`
	LastFetchedAt       *int64         `db:"last_fetched_at"`
	FetchError          sql.NullString `db:"fetch_error"`
	UnreadCount         int            `db:"unread_count"`
	CreatedAt           int64          `db:"created_at"`
}

func (r feedRow) toFeed() *Feed {
	f := &Feed{
		ID:            r.ID,
		URL:           r.URL,
		Name:          r.LocalName,
		Title:         r.Title.String,
		Description:   r.Description.String,
		SiteURL:       r.SiteURL.String,
		IconURL:       r.IconURL.String,
		LastFetchedAt: nullableTime(r.LastFetchedAt),
		LastError:     r.FetchError.String,
		UnreadCount:   r.UnreadCount,
		CreatedAt:     fromMillis(r.CreatedAt),
	}
	if r.RefreshIntervalSecs != nil {
		d := time.Duration(*r.RefreshIntervalSecs) * time.Second
		f.RefreshInterval = &d
	}
	return f
}

const feedSelect = `
	SELECT f.id, f.url, f.local_name, f.title, f.description, f.site_url, f.icon_url,
		f.refresh_interval_secs, f.last_fetched_at, f.fetch_error, f.created_at,
		(SELECT COUNT(*) FROM articles a WHERE a.feed_id = f.id AND a.is_read = 0) AS unread_count
	FROM feeds f
`

// CreateFeed subscribes to a new feed. Returns ErrDuplicate if the URL is already subscribed.
// The interval override is stored in whole seconds; any fraction is dropped.
func (db *DB) CreateFeed(ctx context.Context, url, name string, interval *time.Duration) (*Feed, error) {
	id := uuid.NewString()
	now := toMillis(db.now())

	var intervalSecs *int64
	if interval != nil {
		secs := int64(interval.Seconds())
		intervalSecs = &secs
	}

	err := db.withRetry(ctx, "create feed", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO feeds (id, url, local_name, refresh_interval_secs, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, url, name, intervalSecs, now, now,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("feed %s: %w", url, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert feed: %w", err)
	}

	return db.GetFeed(ctx, id)
}

// GetFeed retrieves a feed by ID.
func (db *DB) GetFeed(ctx context.Context, id string) (*Feed, error) {
	var row feedRow
	err := db.conn.GetContext(ctx, &row, feedSelect+` WHERE f.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	return row.toFeed(), nil
}

// GetFeedByURL retrieves a feed by its URL.
func (db *DB) GetFeedByURL(ctx context.Context, url string) (*Feed, error) {
	var row feedRow
	err := db.conn.GetContext(ctx, &row, feedSelect+` WHERE f.url = ?`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed by url: %w", err)
	}
	return row.toFeed(), nil
}

// ListFeeds returns all feeds ordered by name.
func (db *DB) ListFeeds(ctx context.Context) ([]*Feed, error) {
	var rows []feedRow
	if err := db.conn.SelectContext(ctx, &rows, feedSelect+` ORDER BY f.local_name COLLATE NOCASE`); err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	feeds := make([]*Feed, 0, len(rows))
	for _, r := range rows {
		feeds = append(feeds, r.toFeed())
	}
	return feeds, nil
}

// ListDueFeeds returns feeds that should be fetched at now.
func (db *DB) ListDueFeeds(ctx context.Context, now time.Time, defaultInterval time.Duration) ([]*Feed, error) {
	feeds, err := db.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}
	due := feeds[:0]
	for _, f := range feeds {
		if f.Due(now, defaultInterval) {
			due = append(due, f)
		}
	}
	return due, nil
}

// MarkFeedFetched records a successful fetch, clears the last error and stores metadata.
func (db *DB) MarkFeedFetched(ctx context.Context, id string, meta FeedMeta, at time.Time) error {
	return db.withRetry(ctx, "mark feed fetched", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			UPDATE feeds SET
				title = COALESCE(NULLIF(?, ''), title),
				description = COALESCE(NULLIF(?, ''), description),
				site_url = COALESCE(NULLIF(?, ''), site_url),
				icon_url = COALESCE(NULLIF(?, ''), icon_url),
				last_fetched_at = ?,
				fetch_error = NULL,
				updated_at = ?
			WHERE id = ?`,
			meta.Title, meta.Description, meta.SiteURL, meta.IconURL,
			toMillis(at), toMillis(db.now()), id,
		)
		return err
	})
}

// SetFeedError records a failed fetch. last_fetched_at is left alone so the feed stays due.
func (db *DB) SetFeedError(ctx context.Context, id, message string) error {
	return db.withRetry(ctx, "set feed error", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			UPDATE feeds SET fetch_error = ?, updated_at = ? WHERE id = ?`,
			message, toMillis(db.now()), id,
		)
		return err
	})
}

// DeleteFeed removes a feed and its articles.
func (db *DB) DeleteFeed(ctx context.Context, id string) error {
	var affected int64
	err := db.withRetry(ctx, "delete feed", func(ctx context.Context) error {
		res, err := db.conn.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
