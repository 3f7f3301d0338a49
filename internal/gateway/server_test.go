package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/chats"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

type fakeAgent struct {
	chunks []agent.Chunk
	gotMsg models.ChatMessage
	gotSel models.ToolSelection
}

func (f *fakeAgent) StreamAssistantTurn(ctx context.Context, chatID string, userMsg models.ChatMessage, model string, sel models.ToolSelection) <-chan agent.Chunk {
	f.gotMsg = userMsg
	f.gotSel = sel
	out := make(chan agent.Chunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type fakeCatalog struct {
	snap      *tools.Snapshot
	refreshed int
	err       error
}

func (f *fakeCatalog) Current() *tools.Snapshot { return f.snap }
func (f *fakeCatalog) Refresh(ctx context.Context) error {
	f.refreshed++
	return f.err
}

type fakeModels struct {
	ids []string
	err error
}

func (f *fakeModels) Models(ctx context.Context) ([]string, error) { return f.ids, f.err }

type fixture struct {
	server  *Server
	store   *chats.MemoryStore
	agent   *fakeAgent
	catalog *fakeCatalog
	ts      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := chats.NewMemoryStore()
	ag := &fakeAgent{}
	catalog := &fakeCatalog{snap: &tools.Snapshot{Tools: []models.ToolDescriptor{
		{Name: "search", Description: "web search", SourceServer: "search-mcp"},
	}}}
	srv := NewServer(Options{
		Host:         "127.0.0.1",
		Port:         0,
		CORSOrigins:  []string{"*"},
		Version:      "test",
		DefaultModel: "qwen3",
	}, store, ag, catalog, &fakeModels{ids: []string{"qwen3", "llama3"}}, nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: srv, store: store, agent: ag, catalog: catalog, ts: ts}
}

func (f *fixture) createChat(t *testing.T) models.Chat {
	t.Helper()
	resp, err := http.Post(f.ts.URL+"/v1/chats", "application/json", strings.NewReader(`{"title":"research"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat status = %d", resp.StatusCode)
	}
	var chat models.Chat
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		t.Fatal(err)
	}
	return chat
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAgentCard(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/.well-known/agent-card.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var card struct {
		Name         string `json:"name"`
		Version      string `json:"version"`
		Model        string `json:"model"`
		Capabilities struct {
			Streaming bool     `json:"streaming"`
			Tools     []string `json:"tools"`
		} `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatal(err)
	}
	if card.Name != "loom" || card.Version != "test" || card.Model != "qwen3" {
		t.Errorf("card = %+v", card)
	}
	if !card.Capabilities.Streaming || len(card.Capabilities.Tools) != 1 || card.Capabilities.Tools[0] != "search" {
		t.Errorf("capabilities = %+v", card.Capabilities)
	}
}

func TestChatLifecycle(t *testing.T) {
	f := newFixture(t)
	chat := f.createChat(t)
	if chat.Title != "research" {
		t.Errorf("title = %q", chat.Title)
	}

	resp, err := http.Get(f.ts.URL + "/v1/chats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list struct {
		Chats []models.Chat `json:"chats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Chats) != 1 || list.Chats[0].ID != chat.ID {
		t.Errorf("chats = %+v", list.Chats)
	}
}

func TestGetMessagesUnknownChat(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/v1/chats/missing/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetMessagesMarksRead(t *testing.T) {
	f := newFixture(t)
	chat := f.createChat(t)

	resp, err := http.Get(f.ts.URL + "/v1/chats/" + chat.ID + "/messages")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	got, err := f.store.GetChat(context.Background(), chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastReadAt == nil {
		t.Error("chat not marked read")
	}
}

func TestPostMessageStreamsNDJSON(t *testing.T) {
	f := newFixture(t)
	f.agent.chunks = []agent.Chunk{{Text: "He"}, {Text: "llo"}}
	chat := f.createChat(t)

	resp, err := http.Post(f.ts.URL+"/v1/chats/"+chat.ID+"/messages", "application/json",
		strings.NewReader(`{"content":"Hi","toolSelection":{"enable_tools":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	var lines []map[string]string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var obj map[string]string
		if err := json.Unmarshal(scanner.Bytes(), &obj); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, obj)
	}
	if len(lines) != 2 || lines[0]["content"] != "He" || lines[1]["content"] != "llo" {
		t.Errorf("lines = %v", lines)
	}

	// The user message was persisted before streaming began.
	msgs, _ := f.store.GetMessages(context.Background(), chat.ID)
	if len(msgs) != 1 || msgs[0].Content != "Hi" || msgs[0].Role != models.RoleUser {
		t.Errorf("persisted = %+v", msgs)
	}
	if !f.agent.gotSel.EnableTools {
		t.Error("tool selection not forwarded")
	}
}

func TestPostMessageStreamErrorLine(t *testing.T) {
	f := newFixture(t)
	f.agent.chunks = []agent.Chunk{
		{Text: "partial"},
		{Err: errors.New("tool-call rounds exceeded")},
	}
	chat := f.createChat(t)

	resp, err := http.Post(f.ts.URL+"/v1/chats/"+chat.ID+"/messages", "application/json",
		strings.NewReader(`{"content":"Hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var lines []map[string]string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var obj map[string]string
		json.Unmarshal(scanner.Bytes(), &obj)
		lines = append(lines, obj)
	}
	last := lines[len(lines)-1]
	if last["error"] != "tool-call rounds exceeded" {
		t.Errorf("last line = %v", last)
	}
}

func TestPostMessageValidation(t *testing.T) {
	f := newFixture(t)
	chat := f.createChat(t)

	cases := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"blank content", `{"content":"   "}`},
		{"content and blocks", `{"content":"hi","blocks":[{"type":"text","text":"x"}]}`},
		{"unknown field", `{"content":"hi","temperature":0.7}`},
		{"wrong type", `{"content":42}`},
		{"not json", `content=hi`},
		{"bad image block", `{"blocks":[{"type":"image_url","image_url":{"url":"https://example.com/x.png"}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(f.ts.URL+"/v1/chats/"+chat.ID+"/messages", "application/json",
				strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	// Nothing was persisted by the rejected requests.
	msgs, _ := f.store.GetMessages(context.Background(), chat.ID)
	if len(msgs) != 0 {
		t.Errorf("persisted = %+v", msgs)
	}
}

func TestPostMessageUnknownChat(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.ts.URL+"/v1/chats/missing/messages", "application/json",
		strings.NewReader(`{"content":"Hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestToolEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/v1/tools")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Tools []models.ToolDescriptor `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(list.Tools) != 1 || list.Tools[0].Name != "search" {
		t.Errorf("tools = %+v", list.Tools)
	}

	resp, err = http.Post(f.ts.URL+"/v1/tools/refresh", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || f.catalog.refreshed != 1 {
		t.Errorf("refresh status = %d, refreshed = %d", resp.StatusCode, f.catalog.refreshed)
	}
}

func TestModelsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Models) != 2 || got.Models[0] != "qwen3" {
		t.Errorf("models = %v", got.Models)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/v1/chats", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}
