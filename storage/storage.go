package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique natural key already exists.
	ErrDuplicate = errors.New("already exists")
)

const (
	defaultMaxOpenConns = 15
	staleSidecarAge     = 30 * time.Second
)

// DB wraps the SQLite connection pool and provides storage operations.
type DB struct {
	conn   *sqlx.DB
	retry  RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithRetryPolicy overrides the busy-retry schedule.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(db *DB) {
		db.retry = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		db.logger = l
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		db.now = now
	}
}

// Open opens the database at path, configures WAL journaling and initializes the schema.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	db := &DB{
		retry:  DefaultRetryPolicy(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	removeStaleSidecars(path, db.logger)

	conn, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(defaultMaxOpenConns)
	conn.SetMaxIdleConns(defaultMaxOpenConns)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	db.conn = conn
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=wal_autocheckpoint(2000)" +
		"&_txlock=immediate"
}

// removeStaleSidecars deletes -wal/-shm files left behind without their database.
func removeStaleSidecars(path string, logger *slog.Logger) {
	if _, err := os.Stat(path); err == nil {
		return
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		sidecar := path + suffix
		info, err := os.Stat(sidecar)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < staleSidecarAge {
			continue
		}
		if err := os.Remove(sidecar); err != nil {
			logger.Warn("failed to remove stale sqlite sidecar", "path", sidecar, "error", err)
			continue
		}
		logger.Info("removed stale sqlite sidecar", "path", sidecar)
	}
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS feeds (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		local_name TEXT NOT NULL,
		title TEXT,
		description TEXT,
		site_url TEXT,
		icon_url TEXT,
		refresh_interval_secs INTEGER,
		last_fetched_at INTEGER,
		fetch_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS articles (
		id TEXT PRIMARY KEY,
		feed_id TEXT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		url TEXT,
		title TEXT NOT NULL,
		author TEXT,
		content TEXT,
		content_text TEXT,
		summary TEXT,
		summary_generated_at INTEGER,
		published_at INTEGER,
		fetched_at INTEGER NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		read_at INTEGER,
		is_saved INTEGER NOT NULL DEFAULT 0,
		image_url TEXT,
		relevance_score REAL,
		created_at INTEGER NOT NULL,
		UNIQUE(feed_id, guid)
	);

	CREATE INDEX IF NOT EXISTS idx_articles_feed_id ON articles(feed_id);
	CREATE INDEX IF NOT EXISTS idx_articles_is_read ON articles(is_read);
	CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at);
	CREATE INDEX IF NOT EXISTS idx_articles_fetched_at ON articles(fetched_at);

	CREATE TABLE IF NOT EXISTS article_tags (
		article_id TEXT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
		tag TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'ai',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (article_id, tag)
	);

	CREATE INDEX IF NOT EXISTS idx_article_tags_tag ON article_tags(tag);

	CREATE TABLE IF NOT EXISTS behavior_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		article_id TEXT REFERENCES articles(id) ON DELETE SET NULL,
		feed_id TEXT,
		event_type TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_behavior_events_created_at ON behavior_events(created_at);

	CREATE TABLE IF NOT EXISTS article_styles (
		article_id TEXT PRIMARY KEY REFERENCES articles(id) ON DELETE CASCADE,
		style_type TEXT NOT NULL,
		tone TEXT NOT NULL,
		length_category TEXT NOT NULL,
		classified_at INTEGER NOT NULL
	);
	`

	return db.withRetry(ctx, "init schema", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, schema)
		return err
	})
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

func nullableMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
