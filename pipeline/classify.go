package pipeline

import (
	"context"
	"fmt"

	"feedwise/storage"
)

// Classify classifies the style of up to the classify limit of summarized, unclassified
// articles, one provider call each. Re-running it replaces rather than duplicates styles.
func (r *Runner) Classify(ctx context.Context) (int, error) {
	candidates, err := r.store.ListUnclassified(ctx, r.classifyLimit)
	if err != nil {
		return 0, fmt.Errorf("list unclassified: %w", err)
	}

	classified := 0
	for _, a := range candidates {
		if ctx.Err() != nil {
			break
		}
		callCtx := context.WithoutCancel(ctx)

		style, err := r.gateway.ClassifyStyle(callCtx, classifyText(a))
		if err != nil {
			r.logger.Warn("style classification failed", "article", a.ID, "error", err)
			continue
		}
		if err := r.store.UpsertStyle(callCtx, storage.ArticleStyle{
			ArticleID:      a.ID,
			StyleType:      style.StyleType,
			Tone:           style.Tone,
			LengthCategory: style.LengthCategory,
		}); err != nil {
			r.logger.Warn("failed to store style", "article", a.ID, "error", err)
			continue
		}
		classified++
	}

	if classified > 0 {
		r.logger.Info("classification complete", "classified", classified)
	}
	return classified, nil
}

func classifyText(a *storage.Article) string {
	if a.ContentText != "" {
		return a.Title + "\n\n" + a.ContentText
	}
	if a.Summary != nil {
		return a.Title + "\n\n" + *a.Summary
	}
	return a.Title
}
