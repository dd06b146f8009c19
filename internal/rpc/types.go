package rpc

import (
	"encoding/json"
	"slices"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Message is the wire form of a chat message.
type Message struct {
	ID              string   `json:"id"`
	LocalID         string   `json:"localId,omitempty"`
	ConversationID  string   `json:"conversationId"`
	SenderID        string   `json:"senderId"`
	SenderName      string   `json:"senderName,omitempty"`
	Text            string   `json:"text"`
	TimestampUnixMs int64    `json:"timestampUnixMs"`
	Status          string   `json:"status"`
	DeliveredTo     []string `json:"deliveredTo,omitempty"`
	ReadBy          []string `json:"readBy,omitempty"`
}

type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// SendResponse carries the message as it is now visible. Queued is set when
// the message waits in the offline queue; Error explains a failed attempt.
type SendResponse struct {
	Message Message `json:"message"`
	Queued  bool    `json:"queued"`
	Error   string  `json:"error,omitempty"`
}

// MarkReadRequest marks MessageIDs read. An empty list marks every message
// from others not yet read by the local user.
type MarkReadRequest struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

type MarkReadResponse struct {
	Marked []string `json:"marked"`
	Failed []string `json:"failed,omitempty"`
}

// FocusRequest makes a conversation the active one. An empty id clears it.
type FocusRequest struct {
	ConversationID string `json:"conversationId"`
}

type FocusResponse struct {
	Messages []Message `json:"messages"`
}

type SetTypingRequest struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

type DiscardRequest struct {
	LocalID string `json:"localId"`
}

type StatusRequest struct{}

type StatusResponse struct {
	State   string `json:"state"`
	Queued  int    `json:"queued"`
	Active  string `json:"active,omitempty"`
	Dropped uint64 `json:"droppedEvents"`
}

// WatchEventsRequest selects events by kind prefix ("message.", "sync.",
// "typing.", "notify." or a full kind). Empty streams everything.
type WatchEventsRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

type Event struct {
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurredAtUnixMs"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

type Empty struct{}

func messageToWire(m chat.Message) Message {
	return Message{
		ID:              m.ID,
		LocalID:         m.LocalID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		Text:            m.Text,
		TimestampUnixMs: m.Timestamp.UnixMilli(),
		Status:          string(m.Status),
		DeliveredTo:     sortedKeys(m.DeliveredTo),
		ReadBy:          sortedKeys(m.ReadBy),
	}
}

func messagesToWire(msgs []chat.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToWire(m))
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
