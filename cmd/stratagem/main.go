// Package main provides the CLI entry point for the Stratagem AI
// orchestration service.
//
// Stratagem sits between a strategy-planning application and its AI
// backends: it assembles prompts through an internal tool-execution
// service, generates content through an LLM provider, streams progress
// to clients over server-sent events and runs scheduled automation
// rules against a SQLite audit store.
//
// # Basic Usage
//
// Start the server:
//
//	stratagem serve --config stratagem.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "stratagem",
		Short:        "Stratagem - AI generation orchestration service",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
	)

	return rootCmd
}
