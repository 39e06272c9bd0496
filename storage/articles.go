package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Article is one ingested feed entry.
type Article struct {
	ID                 string     `json:"id"`
	FeedID             string     `json:"feed_id"`
	GUID               string     `json:"guid"`
	URL                string     `json:"url,omitempty"`
	Title              string     `json:"title"`
	Author             string     `json:"author,omitempty"`
	Content            string     `json:"content,omitempty"`
	ContentText        string     `json:"content_text,omitempty"`
	Summary            *string    `json:"summary,omitempty"`
	SummaryGeneratedAt *time.Time `json:"summary_generated_at,omitempty"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	FetchedAt          time.Time  `json:"fetched_at"`
	IsRead             bool       `json:"is_read"`
	ReadAt             *time.Time `json:"read_at,omitempty"`
	IsSaved            bool       `json:"is_saved"`
	ImageURL           string     `json:"image_url,omitempty"`
	RelevanceScore     *float64   `json:"relevance_score,omitempty"`
	Tags               []string   `json:"tags"`
	CreatedAt          time.Time  `json:"created_at"`
}

// NewArticle is a parsed entry ready to be ingested.
type NewArticle struct {
	GUID        string
	URL         string
	Title       string
	Author      string
	Content     string
	ContentText string
	PublishedAt *time.Time
	ImageURL    string
}

// ArticleFilter narrows ListArticles.
type ArticleFilter struct {
	FeedID     string
	UnreadOnly bool
	SavedOnly  bool
	Limit      int
}

type articleRow struct {
	ID                 string          `db:"id"`
	FeedID             string          `db:"feed_id"`
	GUID               string          `db:"guid"`
	URL                sql.NullString  `db:"url"`
	Title              string          `db:"title"`
	Author             sql.NullString  `db:"author"`
	Content            sql.NullString  `db:"content"`
	ContentText        sql.NullString  `db:"content_text"`
	Summary            *string         `db:"summary"`
	SummaryGeneratedAt *int64          `db:"summary_generated_at"`
	PublishedAt        *int64          `db:"published_at"`
	FetchedAt          int64           `db:"fetched_at"`
	IsRead             bool            `db:"is_read"`
	ReadAt             *int64          `db:"read_at"`
	IsSaved            bool            `db:"is_saved"`
	ImageURL           sql.NullString  `db:"image_url"`
	RelevanceScore     sql.NullFloat64 `db:"relevance_score"`
	CreatedAt          int64           `db:"created_at"`
}

func (r articleRow) toArticle() *Article {
	a := &Article{
		ID:                 r.ID,
		FeedID:             r.FeedID,
		GUID:               r.GUID,
		URL:                r.URL.String,
		Title:              r.Title,
		Author:             r.Author.String,
		Content:            r.Content.String,
		ContentText:        r.ContentText.String,
		Summary:            r.Summary,
		SummaryGeneratedAt: nullableTime(r.SummaryGeneratedAt),
		PublishedAt:        nullableTime(r.PublishedAt),
		FetchedAt:          fromMillis(r.FetchedAt),
		IsRead:             r.IsRead,
		ReadAt:             nullableTime(r.ReadAt),
		IsSaved:            r.IsSaved,
		ImageURL:           r.ImageURL.String,
		CreatedAt:          fromMillis(r.CreatedAt),
		Tags:               []string{},
	}
	if r.RelevanceScore.Valid {
		score := r.RelevanceScore.Float64
		a.RelevanceScore = &score
	}
	return a
}

const articleColumns = `id, feed_id, guid, url, title, author, content, content_text, summary,
	summary_generated_at, published_at, fetched_at, is_read, read_at, is_saved, image_url,
	relevance_score, created_at`

// articleListColumns skips the raw HTML body for list views.
const articleListColumns = `id, feed_id, guid, url, title, author, NULL AS content, content_text, summary,
	summary_generated_at, published_at, fetched_at, is_read, read_at, is_saved, image_url,
	relevance_score, created_at`

// InsertArticles ingests entries for a feed, skipping ones already stored under the same GUID.
// Returns how many were new.
func (db *DB) InsertArticles(ctx context.Context, feedID string, articles []NewArticle) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	var created int
	err := db.withRetry(ctx, "insert articles", func(ctx context.Context) error {
		created = 0
		tx, err := db.conn.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := toMillis(db.now())
		for _, a := range articles {
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO articles
					(id, feed_id, guid, url, title, author, content, content_text, published_at, fetched_at, image_url, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), feedID, a.GUID, a.URL, a.Title, a.Author, a.Content, a.ContentText,
				nullableMillis(a.PublishedAt), now, a.ImageURL, now,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			created += int(n)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("insert articles: %w", err)
	}
	return created, nil
}

// GetArticle retrieves an article with its tags.
func (db *DB) GetArticle(ctx context.Context, id string) (*Article, error) {
	var row articleRow
	err := db.conn.GetContext(ctx, &row, `SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}

	article := row.toArticle()
	if err := db.attachTags(ctx, []*Article{article}); err != nil {
		return nil, err
	}
	return article, nil
}

// ListArticles lists articles newest first. Without a feed it defaults to 1000 rows.
func (db *DB) ListArticles(ctx context.Context, f ArticleFilter) ([]*Article, error) {
	var (
		where []string
		args  []any
	)
	if f.FeedID != "" {
		where = append(where, "feed_id = ?")
		args = append(args, f.FeedID)
	}
	if f.UnreadOnly {
		where = append(where, "is_read = 0")
	}
	if f.SavedOnly {
		where = append(where, "is_saved = 1")
	}

	query := `SELECT ` + articleListColumns + ` FROM articles`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY COALESCE(published_at, created_at) DESC, created_at DESC`

	limit := f.Limit
	if limit <= 0 && f.FeedID == "" {
		limit = 1000
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return db.selectArticles(ctx, query, args...)
}

// Search matches title or text, optionally within one feed, capped at 100 results.
func (db *DB) Search(ctx context.Context, text, feedID string) ([]*Article, error) {
	pattern := "%" + text + "%"
	query := `SELECT ` + articleListColumns + ` FROM articles WHERE (title LIKE ? OR content_text LIKE ? OR summary LIKE ?)`
	args := []any{pattern, pattern, pattern}
	if feedID != "" {
		query += ` AND feed_id = ?`
		args = append(args, feedID)
	}
	query += ` ORDER BY COALESCE(published_at, created_at) DESC LIMIT 100`

	return db.selectArticles(ctx, query, args...)
}

// ListUnsummarized returns unread articles without a summary whose text is at least minLen characters.
func (db *DB) ListUnsummarized(ctx context.Context, limit, minLen int) ([]*Article, error) {
	return db.selectArticles(ctx, `
		SELECT `+articleListColumns+` FROM articles
		WHERE summary IS NULL
			AND content_text IS NOT NULL
			AND LENGTH(content_text) >= ?
			AND is_read = 0
		ORDER BY created_at DESC
		LIMIT ?`, minLen, limit)
}

// ListUnscored returns unread, unscored articles that are summarized or shorter than minLen.
func (db *DB) ListUnscored(ctx context.Context, limit, minLen int) ([]*Article, error) {
	return db.selectArticles(ctx, `
		SELECT `+articleListColumns+` FROM articles
		WHERE is_read = 0
			AND relevance_score IS NULL
			AND (summary IS NOT NULL OR LENGTH(COALESCE(content_text, '')) < ?)
		ORDER BY created_at DESC
		LIMIT ?`, minLen, limit)
}

// ListUnclassified returns summarized articles that have no style record yet.
func (db *DB) ListUnclassified(ctx context.Context, limit int) ([]*Article, error) {
	return db.selectArticles(ctx, `
		SELECT `+articleListColumns+` FROM articles a
		WHERE a.summary IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM article_styles s WHERE s.article_id = a.id)
		ORDER BY a.created_at DESC
		LIMIT ?`, limit)
}

// FilterUnreadIDs returns the subset of ids that are still unread, in input order.
func (db *DB) FilterUnreadIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM articles WHERE is_read = 0 AND id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build unread query: %w", err)
	}
	var unread []string
	if err := db.conn.SelectContext(ctx, &unread, db.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("filter unread ids: %w", err)
	}

	set := make(map[string]bool, len(unread))
	for _, id := range unread {
		set[id] = true
	}
	ordered := make([]string, 0, len(unread))
	for _, id := range ids {
		if set[id] {
			ordered = append(ordered, id)
		}
	}
	return ordered, nil
}

// KnownGUIDs returns which of guids are already stored for the feed.
func (db *DB) KnownGUIDs(ctx context.Context, feedID string, guids []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(guids) == 0 {
		return known, nil
	}
	query, args, err := sqlx.In(`SELECT guid FROM articles WHERE feed_id = ? AND guid IN (?)`, feedID, guids)
	if err != nil {
		return nil, fmt.Errorf("build guid query: %w", err)
	}
	var found []string
	if err := db.conn.SelectContext(ctx, &found, db.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select known guids: %w", err)
	}
	for _, g := range found {
		known[g] = true
	}
	return known, nil
}

// SetSummary stores a summary for an article that has none. Returns false if it was already summarized.
func (db *DB) SetSummary(ctx context.Context, id, summary string) (bool, error) {
	var affected int64
	err := db.withRetry(ctx, "set summary", func(ctx context.Context) error {
		res, err := db.conn.ExecContext(ctx, `
			UPDATE articles SET summary = ?, summary_generated_at = ?
			WHERE id = ? AND summary IS NULL`,
			summary, toMillis(db.now()), id,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("set summary: %w", err)
	}
	return affected > 0, nil
}

// ApplyScore stores the relevance score and, when markRead is set, marks the article read
// in the same statement.
func (db *DB) ApplyScore(ctx context.Context, id string, score float64, markRead bool) error {
	return db.withRetry(ctx, "apply score", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			UPDATE articles SET
				relevance_score = ?,
				is_read = CASE WHEN ? THEN 1 ELSE is_read END,
				read_at = CASE WHEN ? AND is_read = 0 THEN ? ELSE read_at END
			WHERE id = ?`,
			score, markRead, markRead, toMillis(db.now()), id,
		)
		return err
	})
}

// MarkRead marks an article read.
func (db *DB) MarkRead(ctx context.Context, id string) error {
	return db.updateArticle(ctx, "mark read",
		`UPDATE articles SET is_read = 1, read_at = COALESCE(read_at, ?) WHERE id = ?`,
		toMillis(db.now()), id)
}

// MarkUnread marks an article unread.
func (db *DB) MarkUnread(ctx context.Context, id string) error {
	return db.updateArticle(ctx, "mark unread",
		`UPDATE articles SET is_read = 0, read_at = NULL WHERE id = ?`, id)
}

// ToggleSaved flips the saved flag and returns the new value.
func (db *DB) ToggleSaved(ctx context.Context, id string) (bool, error) {
	var saved bool
	err := db.withRetry(ctx, "toggle saved", func(ctx context.Context) error {
		return db.conn.GetContext(ctx, &saved,
			`UPDATE articles SET is_saved = 1 - is_saved WHERE id = ? RETURNING is_saved`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("toggle saved: %w", err)
	}
	return saved, nil
}

func (db *DB) updateArticle(ctx context.Context, op, query string, args ...any) error {
	var affected int64
	err := db.withRetry(ctx, op, func(ctx context.Context) error {
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTags attaches tags to an article, ignoring ones it already carries.
func (db *DB) AddTags(ctx context.Context, articleID string, tags []string, source string) error {
	if len(tags) == 0 {
		return nil
	}
	return db.withRetry(ctx, "add tags", func(ctx context.Context) error {
		tx, err := db.conn.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := toMillis(db.now())
		for _, tag := range tags {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO article_tags (article_id, tag, source, created_at) VALUES (?, ?, ?, ?)`,
				articleID, tag, source, now,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetTags returns an article's tags in insertion order.
func (db *DB) GetTags(ctx context.Context, articleID string) ([]string, error) {
	tags := []string{}
	if err := db.conn.SelectContext(ctx, &tags,
		`SELECT tag FROM article_tags WHERE article_id = ? ORDER BY created_at, rowid`, articleID); err != nil {
		return nil, fmt.Errorf("get tags: %w", err)
	}
	return tags, nil
}

// DeleteArticlesOlderThan removes unsaved articles fetched before cutoff.
func (db *DB) DeleteArticlesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var affected int64
	err := db.withRetry(ctx, "delete old articles", func(ctx context.Context) error {
		res, err := db.conn.ExecContext(ctx,
			`DELETE FROM articles WHERE fetched_at < ? AND is_saved = 0`, toMillis(cutoff))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete old articles: %w", err)
	}
	return int(affected), nil
}

// CountArticles returns total and unread article counts.
func (db *DB) CountArticles(ctx context.Context) (total, unread int, err error) {
	var counts struct {
		Total  int `db:"total"`
		Unread int `db:"unread"`
	}
	err = db.conn.GetContext(ctx, &counts,
		`SELECT COUNT(*) AS total, COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0) AS unread FROM articles`)
	if err != nil {
		return 0, 0, fmt.Errorf("count articles: %w", err)
	}
	return counts.Total, counts.Unread, nil
}

func (db *DB) selectArticles(ctx context.Context, query string, args ...any) ([]*Article, error) {
	var rows []articleRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select articles: %w", err)
	}
	articles := make([]*Article, 0, len(rows))
	for _, r := range rows {
		articles = append(articles, r.toArticle())
	}
	if err := db.attachTags(ctx, articles); err != nil {
		return nil, err
	}
	return articles, nil
}

func (db *DB) attachTags(ctx context.Context, articles []*Article) error {
	if len(articles) == 0 {
		return nil
	}
	byID := make(map[string]*Article, len(articles))
	ids := make([]string, 0, len(articles))
	for _, a := range articles {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	query, args, err := sqlx.In(
		`SELECT article_id, tag FROM article_tags WHERE article_id IN (?) ORDER BY created_at, rowid`, ids)
	if err != nil {
		return fmt.Errorf("build tags query: %w", err)
	}
	var rows []struct {
		ArticleID string `db:"article_id"`
		Tag       string `db:"tag"`
	}
	if err := db.conn.SelectContext(ctx, &rows, db.conn.Rebind(query), args...); err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	for _, r := range rows {
		if a, ok := byID[r.ArticleID]; ok {
			a.Tags = append(a.Tags, r.Tag)
		}
	}
	return nil
}
