// Package llm talks to an OpenAI-compatible chat completions endpoint. The
// request types here deliberately carry only the persisted content of a
// message: there is no field a raw, unfiltered transcript could travel in.
package llm

import (
	"encoding/json"

	"github.com/loomhq/loom/pkg/models"
)

// Request is one chat completion call.
type Request struct {
	Model    string
	System   string
	Messages []models.ChatMessage
	Tools    []models.ToolDescriptor
}

// ToolCallDelta is one streamed fragment of a tool call. The arguments arrive
// as string fragments keyed by Index and are concatenated by the caller; ID
// and Name appear on the first fragment for that index.
type ToolCallDelta struct {
	Index             int
	ID                string
	Name              string
	ArgumentsFragment string
}

// Delta is one chunk of a streaming completion. Exactly one concern is
// populated per chunk: text content, tool-call fragments, a finish reason, or
// a terminal error. The producer closes the channel after the final chunk.
type Delta struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Err          error
}

// Finish reasons the orchestrator dispatches on.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Message is a non-streaming completion result.
type Message struct {
	Content   string
	ToolCalls []models.ToolCall
}

// rawArguments normalizes possibly-empty tool call arguments for requests.
func rawArguments(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	return string(args)
}
