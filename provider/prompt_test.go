package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "héé", Truncate("hééllo", 3))
	assert.Equal(t, "", Truncate("abc", 0))
}

func TestParseIDLines(t *testing.T) {
	out := `Here you go:
[a1]: First summary.
- [b2]: Second summary: with colon.
[c3]:
garbage line
[a1]: Replaced summary.`

	got := parseIDLines(out)
	assert.Equal(t, map[string]string{
		"a1": "Replaced summary.",
		"b2": "Second summary: with colon.",
	}, got)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"85", 0.85, false},
		{"100", 1.0, false},
		{"0", 0, false},
		{"42%", 0.42, false},
		{"70 (fairly relevant)", 0.70, false},
		{"150", 1.0, false},
		{"-5", 0, false},
		{"high", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseScore(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrMalformedResponse, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
}

func TestParseTags(t *testing.T) {
	assert.Equal(t, []string{"go", "databases", "sqlite"}, ParseTags("Go, Databases, #sqlite, go"))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ParseTags("a,b,c,d,e,f,g"))
	assert.Equal(t, []string{"rust"}, ParseTags("Tags: rust, "+strings.Repeat("x", 60)))
	assert.Empty(t, ParseTags("  "))
}

func TestParseStyle(t *testing.T) {
	style, err := ParseStyle("```json\n{\"style_type\": \"Tutorial\", \"tone\": \"technical\", \"length_category\": \"long\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, Style{StyleType: "tutorial", Tone: "technical", LengthCategory: "long"}, style)

	style, err = ParseStyle(`Sure! {"style_type":"news","tone":"formal","length_category":"short"} Hope this helps.`)
	require.NoError(t, err)
	assert.Equal(t, "news", style.StyleType)

	_, err = ParseStyle(`{"style_type":"poem","tone":"formal","length_category":"short"}`)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseStyle("not json at all")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestBuildBatchSummaryPrompt(t *testing.T) {
	prompt := buildBatchSummaryPrompt([]SummaryInput{
		{ID: "id-1", Title: "First", Content: strings.Repeat("a", 5000)},
		{ID: "id-2", Title: "Second", Content: "short"},
	}, "German", 120)

	assert.Contains(t, prompt, "---ARTICLE [id-1]: First---")
	assert.Contains(t, prompt, "---ARTICLE [id-2]: Second---")
	assert.Contains(t, prompt, "in German")
	assert.Contains(t, prompt, "max 120 characters")
	assert.NotContains(t, prompt, strings.Repeat("a", batchSummaryChars+1))
}

func TestLooksLikeBareURL(t *testing.T) {
	assert.True(t, looksLikeBareURL("https://example.com/post"))
	assert.False(t, looksLikeBareURL("Read more at https://example.com"))
	assert.False(t, looksLikeBareURL("https://example.com\nline two\nline three"))
}
