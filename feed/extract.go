package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
)

const defaultMaxExtractLen = 100_000

// Extractor pulls the readable body text out of an article page.
type Extractor struct {
	fetcher       *Fetcher
	maxContentLen int
}

// NewExtractor creates an extractor that downloads pages through fetcher.
func NewExtractor(fetcher *Fetcher) *Extractor {
	return &Extractor{fetcher: fetcher, maxContentLen: defaultMaxExtractLen}
}

// Extract returns the readable text of the page at rawURL.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	page, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}

	article, err := readability.FromReader(bytes.NewReader(page), parsedURL)
	if err != nil {
		return "", fmt.Errorf("parse content: %w", err)
	}

	content := strings.Join(strings.Fields(article.TextContent), " ")
	if r := []rune(content); len(r) > e.maxContentLen {
		content = string(r[:e.maxContentLen])
	}
	return content, nil
}
