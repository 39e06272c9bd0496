package feed

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"feedwise/storage"
)

// ParsedFeed is the result of parsing one feed document.
type ParsedFeed struct {
	Meta    storage.FeedMeta
	Entries []storage.NewArticle
}

var (
	ugcPolicy   = bluemonday.UGCPolicy()
	stripPolicy = newStripPolicy()
	imgSrcRegex = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)
)

func newStripPolicy() *bluemonday.Policy {
	p := bluemonday.StrictPolicy()
	p.AddSpaceWhenStrippingTag(true)
	return p
}

// Parse parses an RSS, Atom or JSON feed document.
func Parse(data []byte) (*ParsedFeed, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	out := &ParsedFeed{
		Meta: storage.FeedMeta{
			Title:       strings.TrimSpace(parsed.Title),
			Description: HTMLToText(parsed.Description),
			SiteURL:     parsed.Link,
		},
		Entries: make([]storage.NewArticle, 0, len(parsed.Items)),
	}
	if parsed.Image != nil {
		out.Meta.IconURL = parsed.Image.URL
	}

	for _, item := range parsed.Items {
		guid := firstNonEmpty(item.GUID, item.Link, item.Title)
		if guid == "" {
			continue
		}
		body := firstNonEmpty(item.Content, item.Description)

		entry := storage.NewArticle{
			GUID:        guid,
			URL:         item.Link,
			Title:       firstNonEmpty(strings.TrimSpace(item.Title), "Untitled"),
			Content:     ugcPolicy.Sanitize(body),
			ContentText: HTMLToText(body),
			ImageURL:    imageURL(item, body),
		}
		if a := item.Author; a != nil {
			entry.Author = a.Name
		} else if len(item.Authors) > 0 && item.Authors[0] != nil {
			entry.Author = item.Authors[0].Name
		}
		if item.PublishedParsed != nil {
			entry.PublishedAt = item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			entry.PublishedAt = item.UpdatedParsed
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

// HTMLToText strips markup and collapses whitespace.
func HTMLToText(s string) string {
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(html.UnescapeString(stripPolicy.Sanitize(s))), " ")
}

func imageURL(item *gofeed.Item, body string) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	if m := imgSrcRegex.FindStringSubmatch(body); len(m) > 1 {
		return html.UnescapeString(m[1])
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
