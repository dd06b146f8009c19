package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
)

// Receipt selects which receipt map MergeReceipt writes.
type Receipt string

const (
	DeliveredReceipt Receipt = "delivered_to"
	ReadReceipt      Receipt = "read_by"
)

const messageColumns = `id, local_id, conversation_id, sender_id, sender_name, sender_photo_ref,
	text, timestamp, status, delivered_to, read_by`

// SaveMessage inserts or replaces a message keyed by its id. When a
// confirmed message carries a local id, the optimistic row stored under
// that local id is dropped in the same transaction.
func (db *DB) SaveMessage(ctx context.Context, m *chat.Message) error {
	delivered, err := encodeReceipts(m.DeliveredTo)
	if err != nil {
		return err
	}
	read, err := encodeReceipts(m.ReadBy)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.LocalID != "" && m.LocalID != m.ID {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, m.LocalID); err != nil {
			return fmt.Errorf("drop optimistic row: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_id = excluded.local_id,
			sender_name = excluded.sender_name,
			sender_photo_ref = excluded.sender_photo_ref,
			text = excluded.text,
			timestamp = excluded.timestamp,
			status = excluded.status,
			delivered_to = excluded.delivered_to,
			read_by = excluded.read_by,
			updated_at = excluded.updated_at`,
		m.ID, m.LocalID, m.ConversationID, m.SenderID, m.SenderName, m.SenderPhotoRef,
		m.Text, m.Timestamp.UnixMilli(), string(m.Status), delivered, read, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return tx.Commit()
}

// FetchMessages returns the cached messages of a conversation in timestamp order.
func (db *DB) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single cached message, or nil if absent.
func (db *DB) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateStatus sets the status of a cached message.
func (db *DB) UpdateStatus(ctx context.Context, id string, st status.MessageStatus) error {
	_, err := db.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(st), time.Now().UnixMilli(), id)
	return err
}

// UpdateID re-keys an optimistic row under its remote id. If the remote row
// was already cached by a snapshot, the optimistic row is simply dropped.
func (db *DB) UpdateID(ctx context.Context, localID, remoteID string, st status.MessageStatus) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, remoteID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("lookup remote row: %w", err)
	}
	now := time.Now().UnixMilli()
	if exists > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, localID); err != nil {
			return fmt.Errorf("drop optimistic row: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET id = ?, local_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		remoteID, localID, string(st), now, localID); err != nil {
		return fmt.Errorf("rekey message: %w", err)
	}
	return tx.Commit()
}

// MergeReceipt sets one user's key in a receipt map and the aggregate
// status in a single statement, so concurrent receipts for different users
// never drop each other. Writes for the same user are last-write-wins.
func (db *DB) MergeReceipt(ctx context.Context, id string, r Receipt, userID string, at time.Time, st status.MessageStatus) error {
	if r != DeliveredReceipt && r != ReadReceipt {
		return fmt.Errorf("unknown receipt %q", r)
	}
	_, err := db.ExecContext(ctx,
		`UPDATE messages SET `+string(r)+` = json_set(`+string(r)+`, ?, ?), status = ?, updated_at = ? WHERE id = ?`,
		jsonKey(userID), at.UnixMilli(), string(st), time.Now().UnixMilli(), id)
	return err
}

// DeleteMessage removes a cached message.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (chat.Message, error) {
	var m chat.Message
	var ts int64
	var st, delivered, read string
	if err := row.Scan(&m.ID, &m.LocalID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.SenderPhotoRef,
		&m.Text, &ts, &st, &delivered, &read); err != nil {
		return m, err
	}
	m.Timestamp = time.UnixMilli(ts)
	m.Status = status.MessageStatus(st)
	var err error
	if m.DeliveredTo, err = decodeReceipts(delivered); err != nil {
		return m, err
	}
	if m.ReadBy, err = decodeReceipts(read); err != nil {
		return m, err
	}
	return m, nil
}

func jsonKey(userID string) string {
	return `$."` + strings.ReplaceAll(userID, `"`, ``) + `"`
}

func encodeReceipts(in map[string]time.Time) (string, error) {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v.UnixMilli()
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode receipts: %w", err)
	}
	return string(raw), nil
}

func decodeReceipts(raw string) (map[string]time.Time, error) {
	var in map[string]int64
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		out[k] = time.UnixMilli(v)
	}
	return out, nil
}
