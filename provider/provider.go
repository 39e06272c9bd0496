// Package provider puts interchangeable AI backends behind one capability set:
// batch summarization, tag extraction, batch relevance scoring and style classification.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited is returned when a backend reports quota or rate exhaustion.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrEmptyResponse is returned when a backend answers with no text.
	ErrEmptyResponse = errors.New("provider returned empty response")
	// ErrMalformedResponse is returned when output cannot be parsed.
	ErrMalformedResponse = errors.New("provider returned malformed response")
	// ErrMissingResult marks a batch item the provider did not answer for.
	ErrMissingResult = errors.New("no result for article in provider response")
	// ErrContentTooShort marks content below the summarization floor.
	ErrContentTooShort = errors.New("content too short to summarize")
)

// Backend completes a single prompt. CLI and remote API backends implement it.
type Backend interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// SummaryInput is one article submitted for batch summarization.
type SummaryInput struct {
	ID      string
	Title   string
	Content string
}

// SummaryResult is the per-article outcome of a batch summarization.
type SummaryResult struct {
	ID      string
	Summary string
	Err     error
}

// ScoreInput is one article submitted for batch relevance scoring.
type ScoreInput struct {
	ID   string
	Text string
}

// ScoreResult is the per-article outcome of a batch score, in [0, 1].
type ScoreResult struct {
	ID    string
	Score float64
	Err   error
}

// Style is a style classification.
type Style struct {
	StyleType      string `json:"style_type"`
	Tone           string `json:"tone"`
	LengthCategory string `json:"length_category"`
}

// Allowed style vocabularies.
var (
	StyleTypes       = []string{"tutorial", "news", "opinion", "analysis", "review"}
	Tones            = []string{"formal", "casual", "technical", "humorous"}
	LengthCategories = []string{"short", "medium", "long"}
)
