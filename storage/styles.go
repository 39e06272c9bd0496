package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ArticleStyle is the classified writing style of an article.
type ArticleStyle struct {
	ArticleID      string    `json:"article_id" db:"article_id"`
	StyleType      string    `json:"style_type" db:"style_type"`
	Tone           string    `json:"tone" db:"tone"`
	LengthCategory string    `json:"length_category" db:"length_category"`
	ClassifiedAt   time.Time `json:"classified_at" db:"-"`
}

// UpsertStyle stores a classification, replacing any previous one for the article.
func (db *DB) UpsertStyle(ctx context.Context, s ArticleStyle) error {
	return db.withRetry(ctx, "upsert style", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO article_styles (article_id, style_type, tone, length_category, classified_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(article_id) DO UPDATE SET
				style_type = excluded.style_type,
				tone = excluded.tone,
				length_category = excluded.length_category,
				classified_at = excluded.classified_at`,
			s.ArticleID, s.StyleType, s.Tone, s.LengthCategory, toMillis(db.now()),
		)
		return err
	})
}

// GetStyle returns the classification for an article.
func (db *DB) GetStyle(ctx context.Context, articleID string) (*ArticleStyle, error) {
	var row struct {
		ArticleStyle
		ClassifiedAt int64 `db:"classified_at"`
	}
	err := db.conn.GetContext(ctx, &row, `
		SELECT article_id, style_type, tone, length_category, classified_at
		FROM article_styles WHERE article_id = ?`, articleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get style: %w", err)
	}
	style := row.ArticleStyle
	style.ClassifiedAt = fromMillis(row.ClassifiedAt)
	return &style, nil
}

// CountStyles returns the number of style rows, optionally for one article.
func (db *DB) CountStyles(ctx context.Context, articleID string) (int, error) {
	query := `SELECT COUNT(*) FROM article_styles`
	var args []any
	if articleID != "" {
		query += ` WHERE article_id = ?`
		args = append(args, articleID)
	}
	var n int
	if err := db.conn.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count styles: %w", err)
	}
	return n, nil
}
