// Package main is the CLI entry point for loom, a streaming research agent
// that connects an OpenAI-compatible LLM endpoint to MCP tool servers.
//
// # Basic Usage
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Inspect discovered tools:
//
//	loom tools --refresh
//
// Write a starter configuration:
//
//	loom setup
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
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

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - streaming research agent with MCP tool integration",
		Long: `Loom connects an OpenAI-compatible LLM endpoint to MCP tool servers and
serves streaming, tool-augmented conversations over HTTP.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildModelsCmd(),
		buildConfigCmd(),
		buildSetupCmd(),
	)
	return rootCmd
}
