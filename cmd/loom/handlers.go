package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/chats"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/filter"
	"github.com/loomhq/loom/internal/gateway"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/media"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/prompt"
	"github.com/loomhq/loom/internal/tools"
)

const initialDiscoveryTimeout = 2 * time.Minute

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	logger := newLogger(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)
	tracer, shutdownTracer := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceVersion: version,
		Endpoint:       tracingEndpoint(cfg),
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	registry, scheduler, err := buildRegistry(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}
	defer store.Close()

	promptSrc, err := prompt.New(cfg.LLM.SystemRole, logger)
	if err != nil {
		return fmt.Errorf("system role: %w", err)
	}
	defer promptSrc.Close()

	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger)
	orchestrator := agent.New(llmClient, store, registry, filter.New(cfg.Content.MaxLength), logger, agent.Options{
		MaxRounds: cfg.Tools.MaxRounds,
		Prompt:    promptSrc,
		Metrics:   metrics,
		Tracer:    tracer,
	})

	server := gateway.NewServer(gateway.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.HTTPPort,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Version:      version,
		DefaultModel: cfg.LLM.Model,
	}, store, orchestrator, registry, llmClient,
		media.NewValidator(cfg.Media.MaxBytes, cfg.Media.MaxPixels), metrics, logger)

	return server.Start(ctx)
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Observability.Tracing.Enabled {
		return ""
	}
	return cfg.Observability.Tracing.Endpoint
}

// buildRegistry wires the MCP clients, runs the initial discovery pass, and
// starts the refresh scheduler. Discovery failures are logged, not fatal:
// the server comes up with whatever tools it could find.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*tools.Registry, *tools.Scheduler, error) {
	tokens := mcp.NewTokenCache(logger)
	if metrics != nil {
		tokens.OnLookup(metrics.RecordTokenCacheLookup)
	}
	servers := make([]tools.Server, 0, len(cfg.MCPServers))
	for _, sc := range cfg.MCPServers {
		client := mcp.NewClient(sc, tokens, logger, version)
		if tracer != nil {
			client.SetTracer(tracer)
		}
		servers = append(servers, client)
	}

	registry := tools.New(servers, logger, tools.Options{ValidateArgs: cfg.Tools.ValidateArgs})
	if len(servers) > 0 {
		discoverCtx, cancel := context.WithTimeout(ctx, initialDiscoveryTimeout)
		if err := registry.Refresh(discoverCtx); err != nil {
			logger.Warn("initial tool discovery failed", "error", err)
		}
		cancel()
	}

	scheduler, err := tools.NewScheduler(registry, cfg.Tools.RefreshSchedule, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("tool refresh schedule: %w", err)
	}
	return registry, scheduler, nil
}

func openStore(ctx context.Context, cfg *config.Config) (chats.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return chats.NewMemoryStore(), nil
	case "sqlite":
		return chats.NewSQLiteStore(ctx, cfg.Storage.DSN)
	case "postgres":
		return chats.NewPostgresStore(ctx, cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func runTools(ctx context.Context, out io.Writer, configPath string, refresh bool) error {
	logger := newLogger(false)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.MCPServers) == 0 {
		fmt.Fprintln(out, "no MCP servers configured")
		return nil
	}

	registry, scheduler, err := buildRegistry(ctx, cfg, logger, nil, nil)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}
	if refresh {
		if err := registry.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh tools: %w", err)
		}
	}

	snap := registry.Current()
	if snap == nil || len(snap.Tools) == 0 {
		fmt.Fprintln(out, "no tools discovered")
		return nil
	}
	for _, t := range snap.Tools {
		fmt.Fprintf(out, "%-30s %-20s %s\n", t.Name, t.SourceServer, t.Description)
	}
	return nil
}

func runModels(ctx context.Context, out io.Writer, configPath string) error {
	logger := newLogger(false)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ids, err := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger).Models(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func runConfigSchema(out io.Writer) error {
	data, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is valid: model %s, %d MCP server(s), storage %s\n",
		configPath, cfg.LLM.Model, len(cfg.MCPServers), cfg.Storage.Driver)
	return nil
}

const starterConfig = `llm:
  baseUrl: %s
  apiKey: %s
  model: %s

# mcpServers:
#   - name: search
#     url: http://localhost:9000
#     auth:
#       type: bearer
#       token: ${SEARCH_TOKEN}

storage:
  driver: memory
`

func runSetup(cmd *cobra.Command, configPath string, overwrite bool) error {
	if _, err := os.Stat(configPath); err == nil && !overwrite {
		return fmt.Errorf("%s already exists (use --overwrite to replace it)", configPath)
	}

	out := cmd.OutOrStdout()
	baseURL := promptLine(cmd, "LLM base URL", "http://localhost:11434/v1")
	model := promptLine(cmd, "Default model", "qwen3")

	fmt.Fprint(out, "LLM API key (leave empty for none): ")
	apiKey, err := readSecret(cmd)
	if err != nil {
		return fmt.Errorf("read api key: %w", err)
	}
	fmt.Fprintln(out)

	content := fmt.Sprintf(starterConfig, baseURL, apiKey, model)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", configPath)
	return nil
}

func promptLine(cmd *cobra.Command, label, fallback string) string {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [%s]: ", label, fallback)
	var value string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &value); err != nil || value == "" {
		return fallback
	}
	return value
}

// readSecret reads without echo when stdin is a terminal, falling back to a
// plain line read otherwise (pipes, tests).
func readSecret(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data, err := term.ReadPassword(int(f.Fd()))
		return string(data), err
	}
	var value string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &value); err != nil {
		return "", nil
	}
	return value, nil
}
