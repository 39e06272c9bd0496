package profile

import (
	"context"
	"fmt"
	"log/slog"

	"feedwise/storage"
)

// EventRecorder appends behavior events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, e storage.BehaviorEvent) error
}

// Tracker records reader behavior that feeds the profile.
type Tracker struct {
	recorder EventRecorder
	logger   *slog.Logger
}

// NewTracker creates a tracker writing to recorder.
func NewTracker(recorder EventRecorder, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{recorder: recorder, logger: logger}
}

// Track records one event for an article.
func (t *Tracker) Track(ctx context.Context, kind storage.EventKind, articleID, feedID string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown event kind %q", kind)
	}
	if err := t.recorder.RecordEvent(ctx, storage.BehaviorEvent{
		ArticleID: articleID,
		FeedID:    feedID,
		Kind:      kind,
	}); err != nil {
		return fmt.Errorf("track %s: %w", kind, err)
	}
	t.logger.Debug("behavior recorded", "kind", kind, "article", articleID)
	return nil
}

// TrackQuietly records an event and only logs on failure. Used where tracking is a side effect.
func (t *Tracker) TrackQuietly(ctx context.Context, kind storage.EventKind, articleID, feedID string) {
	if err := t.Track(ctx, kind, articleID, feedID); err != nil {
		t.logger.Warn("failed to record behavior event", "kind", kind, "article", articleID, "error", err)
	}
}
