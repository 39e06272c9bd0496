// Command feedwise runs the feed daemon and talks to it over its local socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"feedwise/config"
	"feedwise/daemon"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "feedwise",
		Short:         "Personal feed reader daemon with AI summaries and relevance filtering",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default from FEEDWISE_CONFIG or the user config dir)")

	root.AddCommand(
		newDaemonCmd(),
		newPingCmd(),
		newStatusCmd(),
		newFeedCmd(),
		newRefreshCmd(),
		newArticlesCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.General.LogLevel)}))
			slog.SetDefault(logger)
			logger.Info("starting feedwise", "data_dir", cfg.General.DataDir, "socket", cfg.IPC.SocketPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []daemon.Option{daemon.WithLogger(logger)}
			if configPath != "" {
				opts = append(opts, daemon.WithMarkerPath(markerPathFor(configPath)))
			}
			d, err := daemon.New(ctx, cfg, opts...)
			if err != nil {
				if errors.Is(err, daemon.ErrAlreadyRunning) {
					logger.Error("another daemon owns this data directory", "error", err)
				}
				return err
			}
			return d.Run(ctx)
		},
	}
}

func markerPathFor(cfgPath string) string {
	return filepath.Join(filepath.Dir(cfgPath), "last_data_dir")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runContext returns the command context, or Background when invoked outside Execute.
func runContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
