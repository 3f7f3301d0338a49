package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentType distinguishes plain text messages from multimodal ones.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeMultimodal ContentType = "multimodal"
)

// Content block kinds for multimodal messages.
const (
	BlockTypeText     = "text"
	BlockTypeImageURL = "image_url"
)

// ContentBlock is one element of a multimodal user message. Exactly one of
// Text or ImageURL is set, selected by Type.
type ContentBlock struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline image as a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// Chat is a conversation thread.
type Chat struct {
	ID         string     `json:"id"`
	Title      string     `json:"title,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
}

// ChatMessage is a single persisted message within a chat.
//
// Content is the filtered, persisted form of the text. RawContent is set only
// when filtering removed something from the original stream; it exists for
// audit and display purposes and must never be sent to an LLM.
type ChatMessage struct {
	ID          string         `json:"id"`
	ChatID      string         `json:"chat_id"`
	Role        Role           `json:"role"`
	ContentType ContentType    `json:"content_type"`
	Content     string         `json:"content"`
	Blocks      []ContentBlock `json:"blocks,omitempty"`
	RawContent  string         `json:"raw_content,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
