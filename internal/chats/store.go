// Package chats persists conversation threads and their messages. The
// orchestrator consumes the narrow Store interface; memory, sqlite, and
// postgres implementations live here.
package chats

import (
	"context"
	"errors"

	"github.com/loomhq/loom/pkg/models"
)

// ErrNotFound reports an unknown chat or message id.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface the engine requires. Messages are
// returned in chronological ascending order; Append assigns the id and
// creation timestamp.
type Store interface {
	CreateChat(ctx context.Context, title string) (models.Chat, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	ListChats(ctx context.Context) ([]models.Chat, error)

	GetMessages(ctx context.Context, chatID string) ([]models.ChatMessage, error)
	Append(ctx context.Context, chatID string, msg models.ChatMessage) (models.ChatMessage, error)
	UpdateRawContent(ctx context.Context, messageID, raw string) error
	MarkRead(ctx context.Context, chatID string) error

	Close() error
}
