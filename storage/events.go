package storage

import (
	"context"
	"fmt"
	"time"
)

// EventKind is a kind of reader behavior.
type EventKind string

// Behavior event kinds.
const (
	EventExposure     EventKind = "exposure"
	EventClick        EventKind = "click"
	EventReadStart    EventKind = "read_start"
	EventReadComplete EventKind = "read_complete"
	EventSave         EventKind = "save"
	EventViewRepeat   EventKind = "view_repeat"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventExposure, EventClick, EventReadStart, EventReadComplete, EventSave, EventViewRepeat:
		return true
	}
	return false
}

// BehaviorEvent is one append-only entry in the behavior log.
type BehaviorEvent struct {
	ArticleID string
	FeedID    string
	Kind      EventKind
	At        time.Time
}

// TagEvent is a behavior event expanded to one of its article's tags.
type TagEvent struct {
	Tag  string    `db:"tag"`
	Kind EventKind `db:"event_type"`
	At   int64     `db:"created_at"`
}

// RecordEvent appends a behavior event.
func (db *DB) RecordEvent(ctx context.Context, e BehaviorEvent) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("record event: unknown kind %q", e.Kind)
	}
	if e.At.IsZero() {
		e.At = db.now()
	}
	return db.withRetry(ctx, "record event", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO behavior_events (article_id, feed_id, event_type, created_at) VALUES (?, ?, ?, ?)`,
			nullString(e.ArticleID), nullString(e.FeedID), string(e.Kind), toMillis(e.At),
		)
		return err
	})
}

// TagEventsSince returns events at or after since, one row per tag of the referenced article,
// in event order then tag insertion order. Events whose article no longer exists are skipped.
func (db *DB) TagEventsSince(ctx context.Context, since time.Time) ([]TagEvent, error) {
	var events []TagEvent
	err := db.conn.SelectContext(ctx, &events, `
		SELECT t.tag, e.event_type, e.created_at
		FROM behavior_events e
		JOIN articles a ON a.id = e.article_id
		JOIN article_tags t ON t.article_id = a.id
		WHERE e.created_at >= ?
		ORDER BY e.id, t.created_at, t.rowid`,
		toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("tag events since: %w", err)
	}
	return events, nil
}

// CountEvents returns the number of behavior events on record.
func (db *DB) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM behavior_events`); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteEventsOlderThan prunes the behavior log.
func (db *DB) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var affected int64
	err := db.withRetry(ctx, "delete old events", func(ctx context.Context) error {
		res, err := db.conn.ExecContext(ctx, `DELETE FROM behavior_events WHERE created_at < ?`, toMillis(cutoff))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return int(affected), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
