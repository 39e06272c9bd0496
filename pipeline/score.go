package pipeline

import (
	"context"
	"fmt"
	"unicode/utf8"

	"feedwise/profile"
	"feedwise/provider"
	"feedwise/storage"
)

// ScoreAndFilter scores unread articles against the current interests and marks the ones
// below the relevance threshold read. Returns how many were scored and how many filtered.
func (r *Runner) ScoreAndFilter(ctx context.Context) (scored, filtered int, err error) {
	interests, err := r.interests.TopTags(ctx, profile.LongTerm, profile.DefaultInterestCount)
	if err != nil {
		return 0, 0, fmt.Errorf("compute interests: %w", err)
	}

	candidates, err := r.store.ListUnscored(ctx, r.cycleLimit, r.minSummarizeLength)
	if err != nil {
		return 0, 0, fmt.Errorf("list unscored: %w", err)
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	tags := make(map[string][]string, len(candidates))
	inputs := make([]provider.ScoreInput, len(candidates))
	for i, a := range candidates {
		tags[a.ID] = a.Tags
		inputs[i] = provider.ScoreInput{ID: a.ID, Text: scoringText(a)}
	}
	batches := Pack(inputs, r.batchCharLimit, func(in provider.ScoreInput) int {
		return utf8.RuneCountInString(in.Text)
	})
	r.logger.Info("starting scoring", "candidates", len(candidates), "batches", len(batches), "interests", len(interests))

	for _, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		batch = dropStale(ctx, r, batch, func(in provider.ScoreInput) string { return in.ID })
		if len(batch) == 0 {
			continue
		}

		s, f := r.scoreBatch(context.WithoutCancel(ctx), batch, interests, tags)
		scored += s
		filtered += f
	}

	r.logger.Info("scoring complete", "scored", scored, "filtered", filtered)
	return scored, filtered, nil
}

func (r *Runner) scoreBatch(ctx context.Context, batch []provider.ScoreInput, interests []string, tags map[string][]string) (scored, filtered int) {
	results, err := r.gateway.BatchScoreRelevance(ctx, batch, interests)
	if err != nil {
		r.logger.Warn("batch scoring failed", "size", len(batch), "error", err)
		return 0, 0
	}

	for _, res := range results {
		if res.Err != nil {
			r.logger.Warn("article not scored", "article", res.ID, "error", res.Err)
			continue
		}
		final := profile.Combine(profile.Score(tags[res.ID], interests), res.Score)
		markRead := final < r.relevanceThreshold
		if err := r.store.ApplyScore(ctx, res.ID, final, markRead); err != nil {
			r.logger.Warn("failed to store score", "article", res.ID, "error", err)
			continue
		}
		scored++
		if markRead {
			filtered++
			r.logger.Debug("article filtered", "article", res.ID, "score", final)
		}
	}
	return scored, filtered
}

func scoringText(a *storage.Article) string {
	body := a.ContentText
	if a.Summary != nil && *a.Summary != "" {
		body = *a.Summary
	}
	return provider.Truncate(a.Title+"\n\n"+body, contentCeiling)
}
