package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultCLITimeout = 5 * time.Minute

// CLI runs a locally installed assistant binary once per prompt.
type CLI struct {
	name    string
	command string
	args    []string
	stdin   bool
	timeout time.Duration
}

// CLIOption configures a CLI backend.
type CLIOption func(*CLI)

// WithCommand overrides the binary path.
func WithCommand(path string) CLIOption {
	return func(c *CLI) {
		if path != "" {
			c.command = path
		}
	}
}

// WithTimeout bounds a single invocation.
func WithTimeout(d time.Duration) CLIOption {
	return func(c *CLI) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCLI creates a CLI backend. When stdin is true the prompt is piped to the process,
// otherwise it is appended as the last argument.
func NewCLI(name, command string, args []string, stdin bool, opts ...CLIOption) *CLI {
	c := &CLI{
		name:    name,
		command: command,
		args:    args,
		stdin:   stdin,
		timeout: defaultCLITimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClaudeCLI invokes `claude -p` with tools disabled.
func NewClaudeCLI(opts ...CLIOption) *CLI {
	return NewCLI("claude_cli", "claude", []string{"-p", "--tools", ""}, true, opts...)
}

// NewGeminiCLI invokes `gemini -p`.
func NewGeminiCLI(opts ...CLIOption) *CLI {
	return NewCLI("gemini_cli", "gemini", []string{"-p"}, true, opts...)
}

// NewCodexCLI invokes `codex exec <prompt>`.
func NewCodexCLI(opts ...CLIOption) *CLI {
	return NewCLI("codex_cli", "codex", []string{"exec"}, false, opts...)
}

func (c *CLI) Name() string {
	return c.name
}

// Complete runs the binary and returns its stdout.
func (c *CLI) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append([]string(nil), c.args...)
	if !c.stdin {
		args = append(args, prompt)
	}
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.WaitDelay = time.Second
	if c.stdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s timed out after %v: %w", c.name, c.timeout, ctx.Err())
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", fmt.Errorf("%s canceled: %w", c.name, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if isRateLimitMessage(msg) || isRateLimitMessage(stdout.String()) {
			return "", fmt.Errorf("%s: %w: %s", c.name, ErrRateLimited, msg)
		}
		return "", fmt.Errorf("%s failed: %w (stderr: %s)", c.name, err, msg)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

func isRateLimitMessage(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range []string{"rate limit", "rate_limit", "429", "quota", "too many requests", "usage limit"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
