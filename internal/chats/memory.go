package chats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

// MemoryStore is the in-memory Store used for tests and development. All
// reads return clones, so callers can never mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]models.Chat
	messages map[string][]models.ChatMessage // chatID -> chronological
	byID     map[string]messageRef
	now      func() time.Time
}

type messageRef struct {
	chatID string
	index  int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]models.Chat),
		messages: make(map[string][]models.ChatMessage),
		byID:     make(map[string]messageRef),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateChat(ctx context.Context, title string) (models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat := models.Chat{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	s.chats[chat.ID] = chat
	return chat, nil
}

func (s *MemoryStore) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return models.Chat{}, ErrNotFound
	}
	return chat, nil
}

func (s *MemoryStore) ListChats(ctx context.Context) ([]models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		out = append(out, chat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, ErrNotFound
	}
	stored := s.messages[chatID]
	out := make([]models.ChatMessage, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, chatID string, msg models.ChatMessage) (models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return models.ChatMessage{}, ErrNotFound
	}
	msg.ID = uuid.NewString()
	msg.ChatID = chatID
	msg.CreatedAt = s.now().UTC()
	s.byID[msg.ID] = messageRef{chatID: chatID, index: len(s.messages[chatID])}
	s.messages[chatID] = append(s.messages[chatID], msg)
	return msg, nil
}

func (s *MemoryStore) UpdateRawContent(ctx context.Context, messageID, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byID[messageID]
	if !ok {
		return ErrNotFound
	}
	s.messages[ref.chatID][ref.index].RawContent = raw
	return nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	chat.LastReadAt = &now
	s.chats[chatID] = chat
	return nil
}

func (s *MemoryStore) Close() error { return nil }
