package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/loomhq/loom/internal/chats"
	"github.com/loomhq/loom/pkg/models"
)

const maxRequestBody = 32 << 20

type createChatRequest struct {
	Title string `json:"title,omitempty"`
}

// postMessageRequest is the body of POST /v1/chats/{id}/messages. Exactly one
// of Content or Blocks must be present.
type postMessageRequest struct {
	Content       string                `json:"content,omitempty"`
	Blocks        []models.ContentBlock `json:"blocks,omitempty"`
	Model         string                `json:"model,omitempty"`
	ToolSelection *models.ToolSelection `json:"toolSelection,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	var toolNames []string
	if snap := s.catalog.Current(); snap != nil {
		for _, t := range snap.Tools {
			toolNames = append(toolNames, t.Name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "loom",
		"description": "Streaming research agent with MCP tool integration",
		"version":     s.opts.Version,
		"model":       s.opts.DefaultModel,
		"capabilities": map[string]any{
			"streaming": true,
			"tools":     toolNames,
		},
	})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	chat, err := s.store.CreateChat(r.Context(), req.Title)
	if err != nil {
		s.writeError(w, fmt.Errorf("create chat: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListChats(r.Context())
	if err != nil {
		s.writeError(w, fmt.Errorf("list chats: %w", err))
		return
	}
	if list == nil {
		list = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": list})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	msgs, err := s.store.GetMessages(r.Context(), chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.MarkRead(r.Context(), chatID); err != nil {
		s.logger.Warn("mark read failed", "chat_id", chatID, "error", err)
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := s.store.GetChat(r.Context(), chatID); err != nil {
		s.writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: read body: %v", ErrValidation, err))
		return
	}
	req, err := s.parseMessageRequest(body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	userMsg := models.ChatMessage{
		Role:        models.RoleUser,
		ContentType: models.ContentTypeText,
		Content:     req.Content,
	}
	if len(req.Blocks) > 0 {
		if err := s.media.Validate(req.Blocks); err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", ErrValidation, err))
			return
		}
		userMsg.ContentType = models.ContentTypeMultimodal
		userMsg.Blocks = req.Blocks
	}

	persisted, err := s.store.Append(r.Context(), chatID, userMsg)
	if err != nil {
		s.writeError(w, fmt.Errorf("persist user message: %w", err))
		return
	}

	model := req.Model
	if model == "" {
		model = s.opts.DefaultModel
	}
	var sel models.ToolSelection
	if req.ToolSelection != nil {
		sel = *req.ToolSelection
	}

	s.streamTurn(w, r, chatID, persisted, model, sel)
}

// streamTurn relays agent chunks as NDJSON, flushing per line. Once the
// first byte is written all failures become terminal error lines.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, chatID string, userMsg models.ChatMessage, model string, sel models.ToolSelection) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	writeLine := func(v any) {
		if err := enc.Encode(v); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	for chunk := range s.agent.StreamAssistantTurn(r.Context(), chatID, userMsg, model, sel) {
		if chunk.Err != nil {
			writeLine(map[string]string{"error": chunk.Err.Error()})
			return
		}
		writeLine(map[string]string{"content": chunk.Text})
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	var list []models.ToolDescriptor
	if snap := s.catalog.Current(); snap != nil {
		list = snap.Tools
	}
	if list == nil {
		list = []models.ToolDescriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": list})
}

func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Refresh(r.Context()); err != nil {
		s.writeError(w, fmt.Errorf("refresh tools: %w", err))
		return
	}
	s.handleListTools(w, r)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ids, err := s.llm.Models(r.Context())
	if err != nil {
		s.writeError(w, fmt.Errorf("list models: %w", err))
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": ids})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds to status codes. Streaming handlers must not
// use it after the first write.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, chats.ErrNotFound):
		status = http.StatusNotFound
	}
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
