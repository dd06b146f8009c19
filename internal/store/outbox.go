package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// SaveQueueEntry inserts or updates an offline queue entry.
func (db *DB) SaveQueueEntry(ctx context.Context, e *chat.QueueEntry) error {
	raw, err := json.Marshal(e.Message)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}
	now := time.Now().UnixMilli()
	var next int64
	if !e.NextAttemptAt.IsZero() {
		next = e.NextAttemptAt.UnixMilli()
	}
	created := now
	if !e.EnqueuedAt.IsZero() {
		created = e.EnqueuedAt.UnixMilli()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO outbox (local_id, conversation_id, message, attempts, last_error, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			message = excluded.message,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			next_attempt_at = excluded.next_attempt_at,
			updated_at = excluded.updated_at`,
		e.Message.LocalID, e.Message.ConversationID, string(raw), e.Attempts, e.LastError, next, created, now)
	return err
}

// DeleteQueueEntry removes an entry once its message is confirmed or discarded.
func (db *DB) DeleteQueueEntry(ctx context.Context, localID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE local_id = ?`, localID)
	return err
}

// LoadQueue returns all queued entries, oldest first.
func (db *DB) LoadQueue(ctx context.Context) ([]chat.QueueEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message, attempts, last_error, next_attempt_at, created_at
		FROM outbox ORDER BY created_at ASC, local_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []chat.QueueEntry
	for rows.Next() {
		var e chat.QueueEntry
		var raw string
		var next, created int64
		if err := rows.Scan(&raw, &e.Attempts, &e.LastError, &next, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Message); err != nil {
			return nil, fmt.Errorf("decode queued message: %w", err)
		}
		if next > 0 {
			e.NextAttemptAt = time.UnixMilli(next)
		}
		e.EnqueuedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
