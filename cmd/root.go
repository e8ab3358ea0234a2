// Package cmd wires the CLI. Subcommands register themselves in their own
// files' init functions.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sitebrain/sitebrain/internal/app"
	"github.com/sitebrain/sitebrain/internal/config"
	"github.com/sitebrain/sitebrain/internal/log"
)

var (
	flagLogJSON  bool
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "sitebrain",
	Short: "RAG chatbot backend: ingest content, embed it, answer questions over it",
	Long: `sitebrain ingests website content, files and URLs, chunks and embeds
them into a vector store, and answers chat questions grounded in the
retrieved context. Run "sitebrain serve" to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger() log.Logger {
	var level slog.Level
	switch strings.ToLower(flagLogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return log.New(log.Config{Level: level, JSON: flagLogJSON})
}

// setupApp loads configuration and builds the application graph. The caller
// owns Close.
func setupApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	a, err := app.New(ctx, cfg, newLogger())
	if err != nil {
		return nil, fmt.Errorf("initializing application: %w", err)
	}
	return a, nil
}
