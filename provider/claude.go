package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultClaudeModel = "claude-sonnet-4-20250514"
	claudeMaxTokens    = 4096
)

// Claude calls the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
	model  string
}

// NewClaude creates a Claude backend. An empty model selects the default.
func NewClaude(apiKey, model string, opts ...option.RequestOption) *Claude {
	if model == "" {
		model = defaultClaudeModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Claude{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

func (c *Claude) Name() string {
	return "claude"
}

// Complete sends prompt as a single user message and joins the text blocks of the reply.
func (c *Claude) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: claudeMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("claude: %w", ErrRateLimited)
		}
		return "", fmt.Errorf("create message: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
