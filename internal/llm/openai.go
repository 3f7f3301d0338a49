package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/pkg/models"
)

// readTimeout covers one complete completion exchange, streaming included.
const readTimeout = 360 * time.Second

// Client wraps the go-openai SDK for one configured endpoint.
type Client struct {
	api    *openai.Client
	logger *slog.Logger
}

// New builds a client for an OpenAI-compatible endpoint. baseURL is the API
// root (the /chat/completions and /models paths are appended by the SDK).
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: readTimeout}
	return &Client{
		api:    openai.NewClientWithConfig(cfg),
		logger: logger.With("component", "llm"),
	}
}

// Complete performs a non-streaming completion.
func (c *Client) Complete(ctx context.Context, req Request) (Message, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		return Message{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, errors.New("chat completion: no choices in response")
	}
	choice := resp.Choices[0]
	msg := Message{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg, nil
}

// CompleteStream opens a streaming completion and returns the delta channel.
// Deltas surface exactly what the wire carries: content chunks immediately,
// tool-call argument fragments unassembled. The channel is closed after the
// final chunk; a transport failure mid-stream arrives as a Delta with Err
// set, never as a panic or an unclosed channel.
func (c *Client) CompleteStream(ctx context.Context, req Request) (<-chan Delta, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				select {
				case out <- Delta{Err: fmt.Errorf("read completion stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			delta := Delta{Content: choice.Delta.Content}
			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
					Index:             index,
					ID:                tc.ID,
					Name:              tc.Function.Name,
					ArgumentsFragment: tc.Function.Arguments,
				})
			}
			delta.FinishReason = string(choice.FinishReason)
			if delta.Content == "" && len(delta.ToolCalls) == 0 && delta.FinishReason == "" {
				continue
			}

			select {
			case out <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Models lists the model identifiers the endpoint serves.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	resp, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *Client) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: c.convertMessages(req.Messages, req.System),
		Stream:   stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = convertTools(req.Tools)
		out.ToolChoice = "auto"
	}
	return out
}

// convertMessages serializes chat history for the wire. Only the filtered
// Content (or the multimodal blocks) of each message is used; assistant
// tool_calls and tool results round-trip with their original IDs.
func (c *Client) convertMessages(messages []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{Role: string(msg.Role)}
		switch msg.Role {
		case models.RoleTool:
			converted.Content = msg.Content
			converted.ToolCallID = msg.ToolCallID
		case models.RoleAssistant:
			converted.Content = msg.Content
			for _, tc := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: rawArguments(tc.Arguments),
					},
				})
			}
		default:
			if msg.ContentType == models.ContentTypeMultimodal && len(msg.Blocks) > 0 {
				converted.MultiContent = convertBlocks(msg.Blocks)
			} else {
				converted.Content = msg.Content
			}
		}
		out = append(out, converted)
	}
	return out
}

func convertBlocks(blocks []models.ContentBlock) []openai.ChatMessagePart {
	parts := make([]openai.ChatMessagePart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case models.BlockTypeText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: b.Text,
			})
		case models.BlockTypeImageURL:
			if b.ImageURL == nil {
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: b.ImageURL.URL},
			})
		}
	}
	return parts
}

func convertTools(tools []models.ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var params map[string]any
		if err := json.Unmarshal(tool.InputSchema, &params); err != nil || params == nil {
			// One malformed schema must not break function calling for the
			// rest; the tool degrades to a parameterless function.
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return out
}
