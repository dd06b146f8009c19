// Package chat holds the data model shared by the sync engine, the typing
// tracker and the notification gate.
package chat

import (
	"maps"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
)

// Message is a chat message.
//
// Before remote confirmation ID equals LocalID. Afterwards ID is the remote
// document id and LocalID stays as the correlation key.
//
// DeliveredTo and ReadBy are multi-writer maps: every participant writes only
// its own key, last write per key wins. They are not a consensus value.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	SenderName     string
	SenderPhotoRef string
	Text           string
	Timestamp      time.Time
	Status         status.MessageStatus
	DeliveredTo    map[string]time.Time
	ReadBy         map[string]time.Time
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.DeliveredTo = maps.Clone(m.DeliveredTo)
	m.ReadBy = maps.Clone(m.ReadBy)
	return m
}

// DeliveredToUser reports whether userID has acknowledged delivery.
func (m Message) DeliveredToUser(userID string) bool {
	_, ok := m.DeliveredTo[userID]
	return ok
}

// ReadByUser reports whether userID has read the message.
func (m Message) ReadByUser(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// Conversation is the summary of a conversation document.
type Conversation struct {
	ID               string
	Participants     []string
	ParticipantNames map[string]string
	LastMessage      string
	LastMessageAt    time.Time
	LastSenderID     string
}

// TypingSignal is an ephemeral "user is typing" record.
type TypingSignal struct {
	UserID          string
	ConversationID  string
	LastRefreshedAt time.Time
}

// NameResolver looks up participant display names.
type NameResolver interface {
	DisplayName(conversationID, userID string) (string, bool)
}

// QueueEntry is a message that has not reached the remote store, plus retry
// bookkeeping.
type QueueEntry struct {
	Message       Message
	Attempts      int
	LastError     string
	EnqueuedAt    time.Time
	NextAttemptAt time.Time
}
