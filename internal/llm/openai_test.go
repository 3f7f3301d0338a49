package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

// sseServer answers /v1/chat/completions with the given SSE data lines and
// records every request body it sees.
func sseServer(t *testing.T, lines []string) (*httptest.Server, *[]string) {
	t.Helper()
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &bodies
}

func chunk(content, finish string) string {
	return fmt.Sprintf(
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q},"finish_reason":%q}]}`,
		content, finish)
}

func collect(t *testing.T, ch <-chan Delta) []Delta {
	t.Helper()
	var out []Delta
	for d := range ch {
		if d.Err != nil {
			t.Fatalf("stream error: %v", d.Err)
		}
		out = append(out, d)
	}
	return out
}

func TestCompleteStreamText(t *testing.T) {
	srv, _ := sseServer(t, []string{
		chunk("He", ""),
		chunk("llo", ""),
		chunk("", "stop"),
	})
	c := New(srv.URL+"/v1", "test-key", nil)

	ch, err := c.CompleteStream(context.Background(), Request{
		Model:    "test-model",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	deltas := collect(t, ch)
	var text strings.Builder
	finish := ""
	for _, d := range deltas {
		text.WriteString(d.Content)
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
	}
	if text.String() != "Hello" {
		t.Errorf("streamed text = %q, want Hello", text.String())
	}
	if finish != FinishStop {
		t.Errorf("finish reason = %q, want stop", finish)
	}
}

func TestCompleteStreamToolCallFragments(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"search","arguments":"{\"q\":"}}]},"finish_reason":""}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]},"finish_reason":""}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	c := New(srv.URL+"/v1", "test-key", nil)

	ch, err := c.CompleteStream(context.Background(), Request{
		Model:    "test-model",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "search go"}},
		Tools:    []models.ToolDescriptor{{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	var fragments []ToolCallDelta
	finish := ""
	for _, d := range collect(t, ch) {
		fragments = append(fragments, d.ToolCalls...)
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
	}
	if finish != FinishToolCalls {
		t.Errorf("finish reason = %q, want tool_calls", finish)
	}
	if len(fragments) != 2 {
		t.Fatalf("fragments = %d, want 2", len(fragments))
	}
	if fragments[0].ID != "call_1" || fragments[0].Name != "search" {
		t.Errorf("first fragment = %+v", fragments[0])
	}
	assembled := fragments[0].ArgumentsFragment + fragments[1].ArgumentsFragment
	if assembled != `{"q":"go"}` {
		t.Errorf("assembled arguments = %q", assembled)
	}
}

// The request body must never contain a raw-content field or a think tag:
// only the filtered Content of each message travels to the endpoint.
func TestRequestBodyCarriesOnlyFilteredContent(t *testing.T) {
	srv, bodies := sseServer(t, []string{chunk("ok", "stop")})
	c := New(srv.URL+"/v1", "test-key", nil)

	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "question"},
		{
			Role:       models.RoleAssistant,
			Content:    "Answer.",
			RawContent: "<think>internal plan</think>Answer.",
		},
		{Role: models.RoleUser, Content: "follow-up"},
	}

	ch, err := c.CompleteStream(context.Background(), Request{
		Model:    "test-model",
		System:   "be helpful",
		Messages: history,
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	collect(t, ch)

	if len(*bodies) != 1 {
		t.Fatalf("requests = %d, want 1", len(*bodies))
	}
	body := (*bodies)[0]
	if strings.Contains(body, "raw_content") || strings.Contains(body, "rawContent") {
		t.Errorf("request body leaks raw content field: %s", body)
	}
	if strings.Contains(body, "<think>") {
		t.Errorf("request body leaks think tag: %s", body)
	}
	if !strings.Contains(body, "Answer.") {
		t.Errorf("request body missing filtered content: %s", body)
	}
	if !strings.Contains(body, `"role":"system"`) {
		t.Errorf("system role not injected: %s", body)
	}
}

func TestToolAndToolCallMessagesRoundTrip(t *testing.T) {
	srv, bodies := sseServer(t, []string{chunk("ok", "stop")})
	c := New(srv.URL+"/v1", "test-key", nil)

	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "search go"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)},
			},
		},
		{Role: models.RoleTool, Content: "RESULT", ToolCallID: "call_1"},
	}

	ch, err := c.CompleteStream(context.Background(), Request{Model: "m", Messages: history})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	collect(t, ch)

	var req struct {
		Messages []struct {
			Role       string `json:"role"`
			ToolCallID string `json:"tool_call_id"`
			ToolCalls  []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"messages"`
		ToolChoice any `json:"tool_choice"`
	}
	if err := json.Unmarshal([]byte((*bodies)[0]), &req); err != nil {
		t.Fatalf("parse request: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	asst := req.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool_calls = %+v, id must round-trip", asst.ToolCalls)
	}
	if req.Messages[2].Role != "tool" || req.Messages[2].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v, tool_call_id must round-trip", req.Messages[2])
	}
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"m-small","object":"model"},{"id":"m-large","object":"model"}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1", "test-key", nil)
	ids, err := c.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m-small" || ids[1] != "m-large" {
		t.Errorf("ids = %v", ids)
	}
}
