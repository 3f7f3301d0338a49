// Package tools maintains the registry of tools discovered from configured
// MCP servers and routes tool calls to the server that owns them.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/pkg/models"
)

// Server is the per-server MCP surface the registry needs. *mcp.Client
// implements it.
type Server interface {
	Name() string
	DiscoverTools(ctx context.Context) ([]mcp.Tool, error)
	InvokeTool(ctx context.Context, name string, args json.RawMessage) (mcp.ToolOutcome, error)
}

// Snapshot is one immutable view of the discovered tools. Readers always see
// a complete snapshot; Refresh publishes a new one atomically.
type Snapshot struct {
	Tools   []models.ToolDescriptor
	byName  map[string]Server
	schemas map[string]*jsonschema.Schema
}

// Options tunes registry behavior.
type Options struct {
	// ValidateArgs checks tool-call arguments against the discovered input
	// schema before contacting the server.
	ValidateArgs bool
}

// Registry resolves tool names to owning servers. Discovery runs across all
// servers concurrently; the merged result is published as an atomic snapshot
// so readers never block writers.
type Registry struct {
	servers  []Server
	logger   *slog.Logger
	opts     Options
	snapshot atomic.Pointer[Snapshot]
}

// New builds a registry over the given servers. The registry is empty until
// the first Refresh.
func New(servers []Server, logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		servers: servers,
		logger:  logger.With("component", "tools"),
		opts:    opts,
	}
	r.snapshot.Store(&Snapshot{byName: map[string]Server{}, schemas: map[string]*jsonschema.Schema{}})
	return r
}

// Refresh re-discovers tools from every server and swaps in the merged
// snapshot. Per-server failures are logged and skipped; the refresh succeeds
// if any server answered, and an unavailable server simply contributes no
// tools until the next refresh.
func (r *Registry) Refresh(ctx context.Context) error {
	results := make([][]mcp.Tool, len(r.servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range r.servers {
		g.Go(func() error {
			tools, err := srv.DiscoverTools(gctx)
			if err != nil {
				r.logger.Warn("tool discovery failed", "mcp_server", srv.Name(), "error", err)
				return nil
			}
			results[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Merge in configuration order so collisions resolve deterministically:
	// the first discovered tool wins.
	next := &Snapshot{
		byName:  make(map[string]Server),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for i, srv := range r.servers {
		for _, tool := range results[i] {
			if prev, taken := next.byName[tool.Name]; taken {
				r.logger.Warn("duplicate tool name, keeping first",
					"tool", tool.Name, "kept", prev.Name(), "dropped", srv.Name())
				continue
			}
			next.byName[tool.Name] = srv
			next.Tools = append(next.Tools, models.ToolDescriptor{
				Name:         tool.Name,
				Description:  tool.Description,
				InputSchema:  tool.InputSchema,
				SourceServer: srv.Name(),
			})
			if r.opts.ValidateArgs && len(tool.InputSchema) > 0 {
				schema, err := compileSchema(tool.Name, tool.InputSchema)
				if err != nil {
					r.logger.Warn("tool schema does not compile, skipping validation",
						"tool", tool.Name, "error", err)
					continue
				}
				next.schemas[tool.Name] = schema
			}
		}
	}

	r.snapshot.Store(next)
	r.logger.Info("tool registry refreshed", "tools", len(next.Tools), "servers", len(r.servers))
	return nil
}

// Current returns the active snapshot.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// Filtered returns the tools visible under the given selection: all of them
// for an empty enabled list, none when tools are disabled.
func (r *Registry) Filtered(sel models.ToolSelection) []models.ToolDescriptor {
	if !sel.EnableTools {
		return nil
	}
	snap := r.snapshot.Load()
	if len(sel.Enabled) == 0 {
		return snap.Tools
	}
	out := make([]models.ToolDescriptor, 0, len(sel.Enabled))
	for _, t := range snap.Tools {
		if sel.Allows(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// ExecuteToolCall routes one tool call to its owning server. Unknown names
// and argument-schema violations come back as error outcomes, not process
// errors, so the model can correct itself.
func (r *Registry) ExecuteToolCall(ctx context.Context, name string, args json.RawMessage) (mcp.ToolOutcome, error) {
	snap := r.snapshot.Load()
	srv, ok := snap.byName[name]
	if !ok {
		return mcp.ToolOutcome{
			Content: fmt.Sprintf("unknown tool %q", name),
			IsError: true,
		}, nil
	}

	if schema := snap.schemas[name]; schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return mcp.ToolOutcome{
				Content: fmt.Sprintf("invalid arguments for %q: %v", name, err),
				IsError: true,
			}, nil
		}
	}

	return srv.InvokeTool(ctx, name, args)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "mcp://" + name + "/input.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(value)
}
