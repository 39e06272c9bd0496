package provider

import (
	"context"
	"fmt"

	"feedwise/config"
)

// NewBackend builds the backend selected by cfg.Provider.
func NewBackend(ctx context.Context, cfg config.AIConfig) (Backend, error) {
	switch cfg.Provider {
	case config.ProviderClaudeCLI:
		return NewClaudeCLI(WithTimeout(cfg.CLITimeout)), nil
	case config.ProviderGeminiCLI:
		return NewGeminiCLI(WithTimeout(cfg.CLITimeout)), nil
	case config.ProviderCodexCLI:
		return NewCodexCLI(WithTimeout(cfg.CLITimeout)), nil
	case config.ProviderOpenAI:
		return NewOpenAI(cfg.OpenAIAPIKey,
			WithOpenAIModel(cfg.OpenAIModel),
			WithOpenAIBaseURL(cfg.OpenAIBaseURL),
		), nil
	case config.ProviderGemini:
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case config.ProviderClaude:
		return NewClaude(cfg.ClaudeAPIKey, cfg.ClaudeModel), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
