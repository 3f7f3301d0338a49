package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "loom.yaml"

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the loom server",
		Long: `Start the loom server: discover tools from the configured MCP servers,
open the chat store, and serve streaming conversations over HTTP.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  loom serve

  # Start with custom config and debug logging
  loom serve --config /etc/loom/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildToolsCmd creates the "tools" command that lists discovered tools.
func buildToolsCmd() *cobra.Command {
	var (
		configPath string
		refresh    bool
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools discovered from the configured MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.Context(), cmd.OutOrStdout(), configPath, refresh)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVar(&refresh, "refresh", false,
		"Force a fresh discovery pass before listing")
	return cmd
}

// buildModelsCmd creates the "models" command that lists LLM models.
func buildModelsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models served by the configured LLM endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

// buildSetupCmd creates the "setup" command that writes a starter config.
func buildSetupCmd() *cobra.Command {
	var (
		configPath string
		overwrite  bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a starter configuration file",
		Long: `Write a starter configuration file, prompting for the LLM API key
without echoing it to the terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, configPath, overwrite)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to write the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false,
		"Overwrite an existing configuration file")
	return cmd
}
