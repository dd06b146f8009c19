package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// UpsertConversation inserts or updates a conversation summary. The
// last-message fields only move forward in time.
func (db *DB) UpsertConversation(ctx context.Context, c *chat.Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	names := c.ParticipantNames
	if names == nil {
		names = map[string]string{}
	}
	rawNames, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode participant names: %w", err)
	}
	var lastAt int64
	if !c.LastMessageAt.IsZero() {
		lastAt = c.LastMessageAt.UnixMilli()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (id, participants, participant_names, last_message, last_message_at, last_sender_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			participant_names = excluded.participant_names,
			last_message = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message ELSE conversations.last_message END,
			last_sender_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_sender_id ELSE conversations.last_sender_id END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, string(participants), string(rawNames), c.LastMessage, lastAt, c.LastSenderID, time.Now().UnixMilli())
	return err
}

// UpdateSummary records a new last message for a conversation, creating the
// row if needed. Older summaries never overwrite newer ones.
func (db *DB) UpdateSummary(ctx context.Context, m *chat.Message) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, last_message, last_message_at, last_sender_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message ELSE conversations.last_message END,
			last_sender_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_sender_id ELSE conversations.last_sender_id END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		m.ConversationID, truncate(m.Text, 100), m.Timestamp.UnixMilli(), m.SenderID, time.Now().UnixMilli())
	return err
}

// ListConversations returns conversations sorted by last message timestamp descending.
func (db *DB) ListConversations(ctx context.Context, limit, offset int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, participants, participant_names, last_message, last_message_at, last_sender_id
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil if absent.
func (db *DB) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, participants, participant_names, last_message, last_message_at, last_sender_id
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DisplayName resolves a participant's name from the cached conversation.
func (db *DB) DisplayName(conversationID, userID string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var name sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT json_extract(participant_names, ?) FROM conversations WHERE id = ?`,
		jsonKey(userID), conversationID).Scan(&name)
	if err != nil || !name.Valid || name.String == "" {
		return "", false
	}
	return name.String, true
}

func scanConversation(row scanner) (chat.Conversation, error) {
	var c chat.Conversation
	var participants, names string
	var lastAt int64
	if err := row.Scan(&c.ID, &participants, &names, &c.LastMessage, &lastAt, &c.LastSenderID); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return c, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal([]byte(names), &c.ParticipantNames); err != nil {
		return c, fmt.Errorf("decode participant names: %w", err)
	}
	if lastAt > 0 {
		c.LastMessageAt = time.UnixMilli(lastAt)
	}
	return c, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
