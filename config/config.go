package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrDataDirConflict is returned when a data directory change would shadow an existing database.
var ErrDataDirConflict = errors.New("data directory conflict")

// DatabaseFile is the database file name inside the data directory.
const DatabaseFile = "feedwise.db"

// Config holds all application configuration.
type Config struct {
	General GeneralConfig `yaml:"general"`
	Sync    SyncConfig    `yaml:"sync"`
	AI      AIConfig      `yaml:"ai"`
	IPC     IPCConfig     `yaml:"ipc"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GeneralConfig holds storage and process settings.
type GeneralConfig struct {
	DataDir       string `yaml:"data_dir"`
	RetentionDays int    `yaml:"retention_days"`
	LogLevel      string `yaml:"log_level"`
	PIDFile       string `yaml:"pid_file"`
}

// SyncConfig holds scheduler and fetch settings.
type SyncConfig struct {
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	FeedRefreshInterval time.Duration `yaml:"feed_refresh_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	SummarizeInterval   time.Duration `yaml:"summarize_interval"`
	FilterInterval      time.Duration `yaml:"filter_interval"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	FetchRate           float64       `yaml:"fetch_rate"`
	FetchFullContent    bool          `yaml:"fetch_full_content"`
	RSSHubBase          string        `yaml:"rsshub_base"`
}

// AIConfig holds provider and pipeline settings.
type AIConfig struct {
	Enabled            *bool         `yaml:"enabled"`
	Provider           string        `yaml:"provider"`
	Concurrency        int           `yaml:"concurrency"`
	Language           string        `yaml:"language"`
	MaxSummaryLength   int           `yaml:"max_summary_length"`
	MinSummarizeLength int           `yaml:"min_summarize_length"`
	RelevanceThreshold float64       `yaml:"relevance_threshold"`
	BatchCharLimit     int           `yaml:"batch_char_limit"`
	CLITimeout         time.Duration `yaml:"cli_timeout"`
	OpenAIAPIKey       string        `yaml:"openai_api_key"`
	OpenAIModel        string        `yaml:"openai_model"`
	OpenAIBaseURL      string        `yaml:"openai_base_url"`
	GeminiAPIKey       string        `yaml:"gemini_api_key"`
	GeminiModel        string        `yaml:"gemini_model"`
	ClaudeAPIKey       string        `yaml:"claude_api_key"`
	ClaudeModel        string        `yaml:"claude_model"`
}

// IPCConfig holds local socket settings.
type IPCConfig struct {
	SocketPath    string `yaml:"socket_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// MetricsConfig holds the optional Prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Provider names accepted in ai.provider.
const (
	ProviderClaudeCLI = "claude_cli"
	ProviderGeminiCLI = "gemini_cli"
	ProviderCodexCLI  = "codex_cli"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderClaude    = "claude"
)

// AIEnabled reports whether the AI pipeline should run.
func (c *Config) AIEnabled() bool {
	return c.AI.Enabled == nil || *c.AI.Enabled
}

// DatabasePath returns the SQLite file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.General.DataDir, DatabaseFile)
}

// Retention returns the article retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.General.RetentionDays) * 24 * time.Hour
}

// Load reads configuration from a YAML file and applies defaults.
// A missing file yields the defaults.
// Values for which 0 is meaningful are seeded before parsing so an explicit 0 survives:
// a zero task interval disables the task, a zero feed_refresh_interval makes every feed
// due on each refresh, and zero thresholds disable filtering or the length floor.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Sync: SyncConfig{
			RefreshInterval:     time.Hour,
			FeedRefreshInterval: 12 * time.Hour,
			CleanupInterval:     time.Hour,
			SummarizeInterval:   time.Minute,
			FilterInterval:      2 * time.Minute,
		},
		AI: AIConfig{
			MinSummarizeLength: 500,
			RelevanceThreshold: 0.3,
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// GetConfigPath returns the config file path from environment or default.
func GetConfigPath() string {
	if path := os.Getenv("FEEDWISE_CONFIG"); path != "" {
		return path
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "feedwise", "config.yaml")
	}
	return "./config.yaml"
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "feedwise")
	}
	return "./data"
}

func applyDefaults(cfg *Config) {
	g := &cfg.General
	if g.DataDir == "" {
		g.DataDir = defaultDataDir()
	}
	if g.RetentionDays == 0 {
		g.RetentionDays = 3
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.PIDFile == "" {
		g.PIDFile = filepath.Join(g.DataDir, "feedwise.pid")
	}

	s := &cfg.Sync
	if s.TickInterval == 0 {
		s.TickInterval = time.Second
	}
	if s.DrainTimeout == 0 {
		s.DrainTimeout = 30 * time.Second
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 30 * time.Second
	}
	if s.FetchRate == 0 {
		s.FetchRate = 4
	}
	if s.RSSHubBase == "" {
		s.RSSHubBase = "https://rsshub.app"
	}

	a := &cfg.AI
	if a.Provider == "" {
		a.Provider = ProviderClaudeCLI
	}
	if a.Concurrency == 0 {
		a.Concurrency = 2
	}
	if a.Language == "" {
		a.Language = "English"
	}
	if a.MaxSummaryLength == 0 {
		a.MaxSummaryLength = 150
	}
	if a.BatchCharLimit == 0 {
		a.BatchCharLimit = 200000
	}
	if a.CLITimeout == 0 {
		a.CLITimeout = 5 * time.Minute
	}
	if a.OpenAIModel == "" {
		a.OpenAIModel = "gpt-4o-mini"
	}
	if a.OpenAIBaseURL == "" {
		a.OpenAIBaseURL = "https://api.openai.com"
	}
	if a.GeminiModel == "" {
		a.GeminiModel = "gemini-2.0-flash"
	}
	if a.ClaudeModel == "" {
		a.ClaudeModel = "claude-sonnet-4-20250514"
	}

	if cfg.IPC.SocketPath == "" {
		cfg.IPC.SocketPath = filepath.Join(g.DataDir, "feedwise.sock")
	}
	if cfg.IPC.MaxConcurrent == 0 {
		cfg.IPC.MaxConcurrent = 10
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if dir := os.Getenv("FEEDWISE_DATA_DIR"); dir != "" {
		cfg.General.DataDir = dir
	}
	if sock := os.Getenv("FEEDWISE_SOCKET"); sock != "" {
		cfg.IPC.SocketPath = sock
	}
	if p := os.Getenv("FEEDWISE_PROVIDER"); p != "" {
		cfg.AI.Provider = p
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.AI.OpenAIAPIKey == "" {
		cfg.AI.OpenAIAPIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.AI.GeminiAPIKey == "" {
		cfg.AI.GeminiAPIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.AI.ClaudeAPIKey == "" {
		cfg.AI.ClaudeAPIKey = key
	}
}

func validate(cfg *Config) error {
	if cfg.General.RetentionDays < 0 {
		return fmt.Errorf("general.retention_days must not be negative, got %d", cfg.General.RetentionDays)
	}
	if cfg.AI.Concurrency < 1 {
		return fmt.Errorf("ai.concurrency must be at least 1, got %d", cfg.AI.Concurrency)
	}
	if cfg.AI.RelevanceThreshold < 0 || cfg.AI.RelevanceThreshold > 1 {
		return fmt.Errorf("ai.relevance_threshold must be within [0, 1], got %v", cfg.AI.RelevanceThreshold)
	}
	if cfg.AI.MinSummarizeLength < 0 {
		return fmt.Errorf("ai.min_summarize_length must not be negative, got %d", cfg.AI.MinSummarizeLength)
	}
	if cfg.AI.BatchCharLimit < 1 {
		return fmt.Errorf("ai.batch_char_limit must be positive, got %d", cfg.AI.BatchCharLimit)
	}
	if cfg.IPC.MaxConcurrent < 1 {
		return fmt.Errorf("ipc.max_concurrent must be at least 1, got %d", cfg.IPC.MaxConcurrent)
	}
	for name, d := range map[string]time.Duration{
		"sync.refresh_interval":      cfg.Sync.RefreshInterval,
		"sync.feed_refresh_interval": cfg.Sync.FeedRefreshInterval,
		"sync.cleanup_interval":      cfg.Sync.CleanupInterval,
		"sync.summarize_interval":    cfg.Sync.SummarizeInterval,
		"sync.filter_interval":       cfg.Sync.FilterInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}

	if !cfg.AIEnabled() {
		return nil
	}
	switch cfg.AI.Provider {
	case ProviderClaudeCLI, ProviderGeminiCLI, ProviderCodexCLI:
	case ProviderOpenAI:
		if cfg.AI.OpenAIAPIKey == "" {
			return fmt.Errorf("ai.openai_api_key is required for provider %q", cfg.AI.Provider)
		}
	case ProviderGemini:
		if cfg.AI.GeminiAPIKey == "" {
			return fmt.Errorf("ai.gemini_api_key is required for provider %q", cfg.AI.Provider)
		}
	case ProviderClaude:
		if cfg.AI.ClaudeAPIKey == "" {
			return fmt.Errorf("ai.claude_api_key is required for provider %q", cfg.AI.Provider)
		}
	default:
		return fmt.Errorf("unknown ai.provider %q", cfg.AI.Provider)
	}
	return nil
}

// CheckDataDir refuses to switch from oldDir to newDir when both already hold a database.
// Starting on top of an existing database would silently orphan the other one.
func CheckDataDir(oldDir, newDir string) error {
	if oldDir == "" || newDir == "" {
		return nil
	}
	oldClean, newClean := filepath.Clean(oldDir), filepath.Clean(newDir)
	if oldClean == newClean {
		return nil
	}
	oldDB := filepath.Join(oldClean, DatabaseFile)
	newDB := filepath.Join(newClean, DatabaseFile)
	if fileExists(oldDB) && fileExists(newDB) {
		return fmt.Errorf("%w: both %s and %s contain a database", ErrDataDirConflict, oldClean, newClean)
	}
	return nil
}

// LastDataDir reads the data directory recorded by a previous run.
func LastDataDir(markerPath string) string {
	data, err := os.ReadFile(markerPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// RecordDataDir stores the data directory so the next start can detect a move.
func RecordDataDir(markerPath, dir string) error {
	if err := os.MkdirAll(filepath.Dir(markerPath), 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	return os.WriteFile(markerPath, []byte(dir+"\n"), 0o644)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
