package chats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

// sqlStore implements Store over database/sql. The sqlite and postgres
// constructors differ only in driver, DSN handling, and placeholder style.
type sqlStore struct {
	db       *sql.DB
	rebind   func(query string) string
	now      func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_read_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id),
	role TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'text',
	content TEXT NOT NULL DEFAULT '',
	blocks TEXT,
	raw_content TEXT,
	tool_calls TEXT,
	tool_call_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
`

func (s *sqlStore) init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) CreateChat(ctx context.Context, title string) (models.Chat, error) {
	chat := models.Chat{ID: uuid.NewString(), Title: title, CreatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO chats (id, title, created_at) VALUES (?, ?, ?)`),
		chat.ID, chat.Title, chat.CreatedAt)
	if err != nil {
		return models.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

func (s *sqlStore) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, title, created_at, last_read_at FROM chats WHERE id = ?`), chatID)
	var chat models.Chat
	var lastRead sql.NullTime
	if err := row.Scan(&chat.ID, &chat.Title, &chat.CreatedAt, &lastRead); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Chat{}, ErrNotFound
		}
		return models.Chat{}, fmt.Errorf("select chat: %w", err)
	}
	if lastRead.Valid {
		chat.LastReadAt = &lastRead.Time
	}
	return chat, nil
}

func (s *sqlStore) ListChats(ctx context.Context) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_read_at FROM chats ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("select chats: %w", err)
	}
	defer rows.Close()

	var out []models.Chat
	for rows.Next() {
		var chat models.Chat
		var lastRead sql.NullTime
		if err := rows.Scan(&chat.ID, &chat.Title, &chat.CreatedAt, &lastRead); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if lastRead.Valid {
			chat.LastReadAt = &lastRead.Time
		}
		out = append(out, chat)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetMessages(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, chat_id, role, content_type, content, blocks, raw_content, tool_calls, tool_call_id, created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC`), chatID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *sqlStore) Append(ctx context.Context, chatID string, msg models.ChatMessage) (models.ChatMessage, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return models.ChatMessage{}, err
	}
	msg.ID = uuid.NewString()
	msg.ChatID = chatID
	msg.CreatedAt = s.now().UTC()

	blocks, err := marshalNullable(msg.Blocks, len(msg.Blocks) > 0)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("marshal blocks: %w", err)
	}
	toolCalls, err := marshalNullable(msg.ToolCalls, len(msg.ToolCalls) > 0)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("marshal tool calls: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, chat_id, role, content_type, content, blocks, raw_content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ChatID, string(msg.Role), string(msg.ContentType), msg.Content,
		blocks, nullString(msg.RawContent), toolCalls, msg.ToolCallID, msg.CreatedAt)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *sqlStore) UpdateRawContent(ctx context.Context, messageID, raw string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE messages SET raw_content = ? WHERE id = ?`), raw, messageID)
	if err != nil {
		return fmt.Errorf("update raw content: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) MarkRead(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE chats SET last_read_at = ? WHERE id = ?`), s.now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.ChatMessage, error) {
	var msg models.ChatMessage
	var role, contentType string
	var blocks, rawContent, toolCalls sql.NullString
	err := row.Scan(&msg.ID, &msg.ChatID, &role, &contentType, &msg.Content,
		&blocks, &rawContent, &toolCalls, &msg.ToolCallID, &msg.CreatedAt)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = models.Role(role)
	msg.ContentType = models.ContentType(contentType)
	msg.RawContent = rawContent.String
	if blocks.Valid && blocks.String != "" {
		if err := json.Unmarshal([]byte(blocks.String), &msg.Blocks); err != nil {
			return models.ChatMessage{}, fmt.Errorf("unmarshal blocks: %w", err)
		}
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return models.ChatMessage{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return msg, nil
}

func marshalNullable(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rebindPositional rewrites ? placeholders to $1..$n for postgres.
func rebindPositional(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func rebindNone(query string) string { return query }
