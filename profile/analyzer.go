package profile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"feedwise/storage"
)

// Time windows over which affinities are computed.
const (
	ShortTerm = 5 * time.Minute
	Daily     = 24 * time.Hour
	LongTerm  = 30 * 24 * time.Hour
)

// DefaultInterestCount is how many top tags count as interests.
const DefaultInterestCount = 10

var weights = map[storage.EventKind]float64{
	storage.EventExposure:     0.1,
	storage.EventClick:        1.0,
	storage.EventReadStart:    1.5,
	storage.EventReadComplete: 3.0,
	storage.EventSave:         5.0,
	storage.EventViewRepeat:   4.0,
}

// Weight returns the affinity weight of an event kind.
func Weight(kind storage.EventKind) float64 {
	return weights[kind]
}

// TagAffinity is the accumulated weight of one tag.
type TagAffinity struct {
	Tag    string  `json:"tag"`
	Weight float64 `json:"weight"`
	Events int     `json:"events"`
}

// Preferences is a tag-affinity profile ordered by weight, heaviest first.
type Preferences []TagAffinity

// Tags returns the tag names in order.
func (p Preferences) Tags() []string {
	tags := make([]string, len(p))
	for i, a := range p {
		tags[i] = a.Tag
	}
	return tags
}

// EventSource provides the behavior log.
type EventSource interface {
	TagEventsSince(ctx context.Context, since time.Time) ([]storage.TagEvent, error)
}

// Analyzer derives tag affinities from behavior events. It keeps no state between calls.
type Analyzer struct {
	events EventSource
	now    func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock sets the time source that anchors windows.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		a.now = now
	}
}

// NewAnalyzer creates an analyzer over the given event source.
func NewAnalyzer(events EventSource, opts ...Option) *Analyzer {
	a := &Analyzer{
		events: events,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ComputePreferences sums event weights per tag over the trailing window.
// Equal weights keep the order in which tags were first seen.
func (a *Analyzer) ComputePreferences(ctx context.Context, window time.Duration) (Preferences, error) {
	events, err := a.events.TagEventsSince(ctx, a.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("load tag events: %w", err)
	}
	return Aggregate(events), nil
}

// Aggregate folds tag events into an ordered profile.
func Aggregate(events []storage.TagEvent) Preferences {
	index := make(map[string]int)
	var prefs Preferences
	for _, e := range events {
		i, ok := index[e.Tag]
		if !ok {
			i = len(prefs)
			index[e.Tag] = i
			prefs = append(prefs, TagAffinity{Tag: e.Tag})
		}
		prefs[i].Weight += Weight(e.Kind)
		prefs[i].Events++
	}

	sort.SliceStable(prefs, func(i, j int) bool {
		return prefs[i].Weight > prefs[j].Weight
	})
	return prefs
}

// TopTags returns up to limit of the heaviest tags in the window, or nothing if the window is empty.
func (a *Analyzer) TopTags(ctx context.Context, window time.Duration, limit int) ([]string, error) {
	prefs, err := a.ComputePreferences(ctx, window)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && len(prefs) > limit {
		prefs = prefs[:limit]
	}
	return prefs.Tags(), nil
}
