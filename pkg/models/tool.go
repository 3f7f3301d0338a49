package models

import (
	"encoding/json"
)

// ToolCall represents an LLM's request to execute a tool. The ID is an opaque
// string assigned by the LLM and round-trips unchanged through execution and
// the follow-up tool message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one tool execution, fed back to the LLM as a
// role=tool message. IsError results are not fatal: the model gets to react.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDescriptor describes a tool discovered from an MCP server.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	SourceServer string          `json:"source_server"`
}

// ToolSelection narrows the tools offered to the model for one turn. A nil or
// empty Enabled list with EnableTools true means all tools.
type ToolSelection struct {
	EnableTools bool     `json:"enable_tools"`
	Enabled     []string `json:"enabled,omitempty"`
}

// Allows reports whether the selection permits the named tool.
func (s ToolSelection) Allows(name string) bool {
	if !s.EnableTools {
		return false
	}
	if len(s.Enabled) == 0 {
		return true
	}
	for _, n := range s.Enabled {
		if n == name {
			return true
		}
	}
	return false
}
