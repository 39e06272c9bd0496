package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"feedwise/provider"
)

// Summarize runs one summarization cycle and returns how many articles were summarized.
// Batches stop being formed once ctx is cancelled; a batch already dispatched runs to completion.
func (r *Runner) Summarize(ctx context.Context) (int, error) {
	candidates, err := r.store.ListUnsummarized(ctx, r.cycleLimit, r.minSummarizeLength)
	if err != nil {
		return 0, fmt.Errorf("list unsummarized: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	inputs := make([]provider.SummaryInput, len(candidates))
	for i, a := range candidates {
		inputs[i] = provider.SummaryInput{
			ID:      a.ID,
			Title:   a.Title,
			Content: provider.Truncate(a.ContentText, contentCeiling),
		}
	}
	batches := Pack(inputs, r.batchCharLimit, func(in provider.SummaryInput) int {
		return utf8.RuneCountInString(in.Content)
	})
	r.logger.Info("starting summarization", "candidates", len(candidates), "batches", len(batches))

	summarized := 0
	for i, batch := range batches {
		if ctx.Err() != nil {
			r.logger.Info("summarization interrupted", "remaining_batches", len(batches)-i)
			break
		}
		batch = dropStale(ctx, r, batch, func(in provider.SummaryInput) string { return in.ID })
		if len(batch) == 0 {
			continue
		}
		summarized += r.summarizeBatch(context.WithoutCancel(ctx), batch)
	}

	r.logger.Info("summarization complete", "summarized", summarized)
	return summarized, nil
}

func (r *Runner) summarizeBatch(ctx context.Context, batch []provider.SummaryInput) int {
	results, err := r.gateway.BatchSummarize(ctx, batch)
	if err != nil {
		r.logger.Warn("batch summarization failed", "size", len(batch), "error", err)
		return 0
	}

	content := make(map[string]string, len(batch))
	for _, in := range batch {
		content[in.ID] = in.Content
	}

	var done atomic.Int32
	var g errgroup.Group
	g.SetLimit(r.tagWorkers)
	for _, res := range results {
		if res.Err != nil {
			r.logger.Warn("article not summarized", "article", res.ID, "error", res.Err)
			continue
		}
		stored, err := r.store.SetSummary(ctx, res.ID, res.Summary)
		if err != nil {
			r.logger.Warn("failed to store summary", "article", res.ID, "error", err)
			continue
		}
		if !stored {
			continue
		}
		done.Add(1)

		id, text := res.ID, content[res.ID]
		g.Go(func() error {
			r.tagArticle(ctx, id, text)
			return nil
		})
	}
	_ = g.Wait()
	return int(done.Load())
}

func (r *Runner) tagArticle(ctx context.Context, id, content string) {
	tags, err := r.gateway.ExtractTags(ctx, content)
	if err != nil {
		r.logger.Warn("tag extraction failed", "article", id, "error", err)
		return
	}
	if len(tags) == 0 {
		return
	}
	if err := r.store.AddTags(ctx, id, tags, "ai"); err != nil {
		r.logger.Warn("failed to store tags", "article", id, "error", err)
	}
}
