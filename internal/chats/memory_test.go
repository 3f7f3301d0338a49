package chats

import (
	"context"
	"errors"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, "research")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if chat.ID == "" || chat.CreatedAt.IsZero() {
		t.Fatalf("chat = %+v, want generated id and timestamp", chat)
	}

	first, err := s.Append(ctx, chat.ID, models.ChatMessage{Role: models.RoleUser, Content: "Hi"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := s.Append(ctx, chat.ID, models.ChatMessage{Role: models.RoleAssistant, Content: "Hello"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.ID == second.ID {
		t.Error("messages share an id")
	}

	msgs, err := s.GetMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "Hi" || msgs[1].Content != "Hello" {
		t.Fatalf("messages = %+v, want chronological order", msgs)
	}
}

func TestMemoryStoreUpdateRawContent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	chat, _ := s.CreateChat(ctx, "")
	msg, _ := s.Append(ctx, chat.ID, models.ChatMessage{Role: models.RoleAssistant, Content: "Answer."})

	if err := s.UpdateRawContent(ctx, msg.ID, "<think>plan</think>Answer."); err != nil {
		t.Fatalf("UpdateRawContent: %v", err)
	}
	msgs, _ := s.GetMessages(ctx, chat.ID)
	if msgs[0].RawContent != "<think>plan</think>Answer." {
		t.Errorf("raw content = %q", msgs[0].RawContent)
	}
	if msgs[0].Content != "Answer." {
		t.Errorf("content = %q, must stay filtered", msgs[0].Content)
	}

	if err := s.UpdateRawContent(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown message: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreMarkRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	chat, _ := s.CreateChat(ctx, "")
	if err := s.MarkRead(ctx, chat.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	got, _ := s.GetChat(ctx, chat.ID)
	if got.LastReadAt == nil {
		t.Error("LastReadAt not set")
	}

	if err := s.MarkRead(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown chat: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUnknownChat(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetChat(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChat: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMessages(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessages: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Append(ctx, "missing", models.ChatMessage{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Append: err = %v, want ErrNotFound", err)
	}
}

// Reads must return copies: mutating a returned slice or message cannot
// change stored state.
func TestMemoryStoreCloneOnRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	chat, _ := s.CreateChat(ctx, "")
	s.Append(ctx, chat.ID, models.ChatMessage{Role: models.RoleUser, Content: "original"})

	msgs, _ := s.GetMessages(ctx, chat.ID)
	msgs[0].Content = "mutated"

	again, _ := s.GetMessages(ctx, chat.ID)
	if again[0].Content != "original" {
		t.Errorf("stored content = %q, reader mutation leaked", again[0].Content)
	}
}
