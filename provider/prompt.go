package provider

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// Per-item truncation ceilings, in characters.
const (
	batchSummaryChars = 3000
	singleChars       = 4000
	scoreChars        = 1000
	classifyChars     = 2000

	minTagContent = 50
	maxTags       = 5
	maxTagLen     = 50
)

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if n < 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func buildBatchSummaryPrompt(items []SummaryInput, language string, maxLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Below are multiple articles. For EACH article, provide a 2-3 sentence summary (max %d characters) in %s.\n", maxLen, language)
	b.WriteString("Do NOT fetch any URLs. Use ONLY the text provided.\n")
	b.WriteString("Format your response EXACTLY as follows, with each summary on its own line:\n")
	b.WriteString("[ARTICLE_ID]: summary text here\n\n")
	for _, it := range items {
		fmt.Fprintf(&b, "---ARTICLE [%s]: %s---\n%s\n\n", it.ID, it.Title, Truncate(it.Content, batchSummaryChars))
	}
	fmt.Fprintf(&b, "Now provide summaries in %s (max %d chars each) using the format [ARTICLE_ID]: summary\n", language, maxLen)
	return b.String()
}

func buildTagsPrompt(content string) string {
	return "Extract 3-5 topic tags from the article text below. " +
		"Return ONLY the tags as a comma-separated list, nothing else. " +
		"Do NOT try to fetch any URLs.\n\n" +
		"---BEGIN ARTICLE TEXT---\n" + Truncate(content, singleChars) + "\n---END ARTICLE TEXT---\n\nTags:"
}

func buildBatchScorePrompt(items []ScoreInput, interests []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rate how relevant each article is to someone interested in: %s.\n", strings.Join(interests, ", "))
	b.WriteString("For EACH article, respond with a score from 0 to 100.\n")
	b.WriteString("Format your response EXACTLY as follows, one per line:\n")
	b.WriteString("[ARTICLE_ID]: score\n\n")
	for _, it := range items {
		fmt.Fprintf(&b, "---ARTICLE [%s]---\n%s\n\n", it.ID, Truncate(it.Text, scoreChars))
	}
	b.WriteString("Now provide scores using the format [ARTICLE_ID]: score\n")
	return b.String()
}

func buildClassifyPrompt(content string) string {
	return "Classify this article's style. Respond with ONLY valid JSON (no markdown, no code blocks):\n" +
		`{"style_type": "tutorial|news|opinion|analysis|review", "tone": "formal|casual|technical|humorous", "length_category": "short|medium|long"}` +
		"\n\nChoose the most appropriate value for each field based on the article content.\n\n" +
		"Article:\n" + Truncate(content, classifyChars)
}

// parseIDLines collects "[ID]: value" lines. Later duplicates win.
func parseIDLines(output string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-* ")
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "]:")
		if end < 0 {
			continue
		}
		id := strings.TrimSpace(line[1:end])
		value := strings.TrimSpace(line[end+2:])
		if id != "" && value != "" {
			values[id] = value
		}
	}
	return values
}

// ParseScore converts a 0-100 answer into [0, 1].
func ParseScore(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if fields := strings.Fields(s); len(fields) > 0 {
		s = fields[0]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: score %q", ErrMalformedResponse, s)
	}
	v /= 100
	switch {
	case v < 0:
		v = 0
	case v > 1:
		v = 1
	}
	return v, nil
}

// ParseTags splits a comma-separated answer into at most five lowercase tags.
func ParseTags(output string) []string {
	output = strings.TrimPrefix(strings.TrimSpace(output), "Tags:")
	tags := make([]string, 0, maxTags)
	for _, raw := range strings.Split(output, ",") {
		tag := strings.ToLower(strings.Trim(strings.TrimSpace(raw), `"'#.`))
		if tag == "" || len(tag) >= maxTagLen || slices.Contains(tags, tag) {
			continue
		}
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// ParseStyle decodes and validates a style classification.
func ParseStyle(output string) (Style, error) {
	text := stripMarkdownCodeBlock(output)
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}

	var style Style
	if err := json.Unmarshal([]byte(text), &style); err != nil {
		return Style{}, fmt.Errorf("%w: parse style JSON: %v", ErrMalformedResponse, err)
	}
	style.StyleType = strings.ToLower(strings.TrimSpace(style.StyleType))
	style.Tone = strings.ToLower(strings.TrimSpace(style.Tone))
	style.LengthCategory = strings.ToLower(strings.TrimSpace(style.LengthCategory))

	switch {
	case !slices.Contains(StyleTypes, style.StyleType):
		return Style{}, fmt.Errorf("%w: style_type %q", ErrMalformedResponse, style.StyleType)
	case !slices.Contains(Tones, style.Tone):
		return Style{}, fmt.Errorf("%w: tone %q", ErrMalformedResponse, style.Tone)
	case !slices.Contains(LengthCategories, style.LengthCategory):
		return Style{}, fmt.Errorf("%w: length_category %q", ErrMalformedResponse, style.LengthCategory)
	}
	return style, nil
}

var codeBlockRegex = regexp.MustCompile("(?s)^\\s*```(?:json)?\\s*(.+?)\\s*```\\s*$")

func stripMarkdownCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if matches := codeBlockRegex.FindStringSubmatch(s); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return s
}

func looksLikeBareURL(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return false
	}
	return strings.Count(trimmed, "\n") < 2
}
