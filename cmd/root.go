// Package cmd implements the parchment command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/parchment-ai/parchment/internal/app"
	"github.com/parchment-ai/parchment/internal/config"
	"github.com/parchment-ai/parchment/internal/log"
)

var rootCmd = &cobra.Command{
	Use:          "parchment",
	Short:        "Retrieval-augmented chat over your document corpus",
	Long:         "Parchment ingests documents into a vector index and answers questions\nover them in persistent, cost-accounted conversations.",
	SilenceUsage: true,
}

// Execute runs the root command. Called from main.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the CLI logger. DEBUG in the environment lowers the
// level; stderr keeps stdout clean for command output.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level})
}

// setup loads configuration and builds the application container.
// The returned cleanup must run before the process exits.
func setup(ctx context.Context) (*app.App, func(), error) {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing application: %w", err)
	}

	cleanup := func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}
	return a, cleanup, nil
}
