package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/pkg/models"
)

type fakeServer struct {
	name     string
	tools    []mcp.Tool
	discover error
	invoked  []string
	outcome  mcp.ToolOutcome
}

func (f *fakeServer) Name() string { return f.name }

func (f *fakeServer) DiscoverTools(ctx context.Context) ([]mcp.Tool, error) {
	if f.discover != nil {
		return nil, f.discover
	}
	return f.tools, nil
}

func (f *fakeServer) InvokeTool(ctx context.Context, name string, args json.RawMessage) (mcp.ToolOutcome, error) {
	f.invoked = append(f.invoked, name)
	return f.outcome, nil
}

func TestRefreshMergesAndResolves(t *testing.T) {
	a := &fakeServer{name: "alpha", tools: []mcp.Tool{{Name: "search"}, {Name: "fetch"}}}
	b := &fakeServer{name: "beta", tools: []mcp.Tool{{Name: "convert"}}, outcome: mcp.ToolOutcome{Content: "done"}}

	r := New([]Server{a, b}, nil, Options{})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap := r.Current()
	if len(snap.Tools) != 3 {
		t.Fatalf("tools = %d, want 3", len(snap.Tools))
	}
	for _, tool := range snap.Tools {
		if tool.SourceServer == "" {
			t.Errorf("tool %s missing source server", tool.Name)
		}
	}

	out, err := r.ExecuteToolCall(context.Background(), "convert", nil)
	if err != nil {
		t.Fatalf("ExecuteToolCall: %v", err)
	}
	if out.Content != "done" || len(b.invoked) != 1 || b.invoked[0] != "convert" {
		t.Errorf("call routed wrong: outcome=%+v invoked=%v", out, b.invoked)
	}
}

// On a name collision the first configured server keeps the tool.
func TestRefreshCollisionFirstWins(t *testing.T) {
	a := &fakeServer{name: "alpha", tools: []mcp.Tool{{Name: "search"}}, outcome: mcp.ToolOutcome{Content: "from-alpha"}}
	b := &fakeServer{name: "beta", tools: []mcp.Tool{{Name: "search"}}, outcome: mcp.ToolOutcome{Content: "from-beta"}}

	r := New([]Server{a, b}, nil, Options{})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if got := len(r.Current().Tools); got != 1 {
		t.Fatalf("tools = %d, want 1", got)
	}
	out, err := r.ExecuteToolCall(context.Background(), "search", nil)
	if err != nil {
		t.Fatalf("ExecuteToolCall: %v", err)
	}
	if out.Content != "from-alpha" {
		t.Errorf("collision resolved to %q, want first server", out.Content)
	}
}

func TestRefreshSkipsFailedServers(t *testing.T) {
	ok := &fakeServer{name: "alive", tools: []mcp.Tool{{Name: "ping"}}}
	down := &fakeServer{name: "down", discover: errors.New("connect refused")}

	r := New([]Server{down, ok}, nil, Options{})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(r.Current().Tools); got != 1 {
		t.Errorf("tools = %d, want 1 from the healthy server", got)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := New(nil, nil, Options{})
	out, err := r.ExecuteToolCall(context.Background(), "ghost", nil)
	if err != nil {
		t.Fatalf("ExecuteToolCall: %v", err)
	}
	if !out.IsError || !strings.Contains(out.Content, "ghost") {
		t.Errorf("outcome = %+v, want error naming the tool", out)
	}
}

func TestFiltered(t *testing.T) {
	a := &fakeServer{name: "alpha", tools: []mcp.Tool{{Name: "search"}, {Name: "fetch"}, {Name: "convert"}}}
	r := New([]Server{a}, nil, Options{})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	tests := []struct {
		name string
		sel  models.ToolSelection
		want int
	}{
		{"disabled yields none", models.ToolSelection{EnableTools: false}, 0},
		{"empty enabled means all", models.ToolSelection{EnableTools: true}, 3},
		{"subset", models.ToolSelection{EnableTools: true, Enabled: []string{"search", "convert"}}, 2},
		{"unknown names ignored", models.ToolSelection{EnableTools: true, Enabled: []string{"nope"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(r.Filtered(tt.sel)); got != tt.want {
				t.Errorf("Filtered = %d tools, want %d", got, tt.want)
			}
		})
	}
}

func TestValidateArgs(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"q": {"type": "string"}},
		"required": ["q"]
	}`)
	srv := &fakeServer{name: "alpha", tools: []mcp.Tool{{Name: "search", InputSchema: schema}}, outcome: mcp.ToolOutcome{Content: "hit"}}

	r := New([]Server{srv}, nil, Options{ValidateArgs: true})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	ctx := context.Background()

	out, err := r.ExecuteToolCall(ctx, "search", json.RawMessage(`{"q":"go"}`))
	if err != nil {
		t.Fatalf("ExecuteToolCall: %v", err)
	}
	if out.IsError {
		t.Errorf("valid args rejected: %+v", out)
	}

	out, err = r.ExecuteToolCall(ctx, "search", json.RawMessage(`{"q":42}`))
	if err != nil {
		t.Fatalf("ExecuteToolCall: %v", err)
	}
	if !out.IsError {
		t.Errorf("schema violation not reported: %+v", out)
	}
	if len(srv.invoked) != 1 {
		t.Errorf("server invoked %d times, want 1 (violation never sent)", len(srv.invoked))
	}
}
