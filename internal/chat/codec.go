package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
)

// ErrMalformed is returned for documents that do not satisfy the schema.
var ErrMalformed = errors.New("malformed document")

type messageDoc struct {
	LocalID        string           `json:"localId"`
	ConversationID string           `json:"conversationId"`
	SenderID       string           `json:"senderId"`
	SenderName     string           `json:"senderName"`
	SenderPhotoRef string           `json:"senderPhotoRef,omitempty"`
	Text           string           `json:"text"`
	Timestamp      *int64           `json:"timestamp"`
	Status         string           `json:"status"`
	DeliveredTo    map[string]int64 `json:"deliveredTo"`
	ReadBy         map[string]int64 `json:"readBy"`
}

type conversationDoc struct {
	Participants     []string          `json:"participants"`
	ParticipantNames map[string]string `json:"participantNames"`
	LastMessage      string            `json:"lastMessage"`
	LastMessageAt    int64             `json:"lastMessageAt"`
	LastSenderID     string            `json:"lastSenderId"`
}

type typingDoc struct {
	UserID          string `json:"userId"`
	ConversationID  string `json:"conversationId"`
	LastRefreshedAt *int64 `json:"lastRefreshedAt"`
}

// decode re-encodes loosely typed document fields into a typed struct. A
// field of the wrong type fails the whole document.
func decode(doc remote.Document, v any) error {
	raw, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, doc.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, doc.ID, err)
	}
	return nil
}

// DecodeMessage converts a remote document into a Message. The document id
// becomes Message.ID.
func DecodeMessage(doc remote.Document) (Message, error) {
	var d messageDoc
	if err := decode(doc, &d); err != nil {
		return Message{}, err
	}
	switch {
	case doc.ID == "":
		return Message{}, fmt.Errorf("%w: missing id", ErrMalformed)
	case d.ConversationID == "":
		return Message{}, fmt.Errorf("%w: %s: missing conversationId", ErrMalformed, doc.ID)
	case d.SenderID == "":
		return Message{}, fmt.Errorf("%w: %s: missing senderId", ErrMalformed, doc.ID)
	case d.Timestamp == nil:
		return Message{}, fmt.Errorf("%w: %s: missing timestamp", ErrMalformed, doc.ID)
	}
	// Sending and failed never leave the client; a document without a
	// status was written before receipts existed and counts as sent.
	st := status.MessageStatus(d.Status)
	if d.Status == "" {
		st = status.Sent
	}
	if !st.Confirmed() {
		return Message{}, fmt.Errorf("%w: %s: status %q", ErrMalformed, doc.ID, d.Status)
	}
	return Message{
		ID:             doc.ID,
		LocalID:        d.LocalID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		SenderPhotoRef: d.SenderPhotoRef,
		Text:           d.Text,
		Timestamp:      time.UnixMilli(*d.Timestamp),
		Status:         st,
		DeliveredTo:    fromMillis(d.DeliveredTo),
		ReadBy:         fromMillis(d.ReadBy),
	}, nil
}

// MessageFields renders m for a remote write. The timestamp is left to the
// server clock.
func MessageFields(m Message) map[string]any {
	fields := map[string]any{
		"localId":        m.LocalID,
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"senderName":     m.SenderName,
		"text":           m.Text,
		"timestamp":      remote.ServerTimestamp,
		"status":         string(status.Sent),
		"deliveredTo":    toMillis(m.DeliveredTo),
		"readBy":         toMillis(m.ReadBy),
	}
	if m.SenderPhotoRef != "" {
		fields["senderPhotoRef"] = m.SenderPhotoRef
	}
	return fields
}

// DecodeConversation converts a conversation summary document.
func DecodeConversation(doc remote.Document) (Conversation, error) {
	var d conversationDoc
	if err := decode(doc, &d); err != nil {
		return Conversation{}, err
	}
	if doc.ID == "" || len(d.Participants) == 0 {
		return Conversation{}, fmt.Errorf("%w: %s: missing participants", ErrMalformed, doc.ID)
	}
	c := Conversation{
		ID:               doc.ID,
		Participants:     d.Participants,
		ParticipantNames: d.ParticipantNames,
		LastMessage:      d.LastMessage,
		LastSenderID:     d.LastSenderID,
	}
	if d.LastMessageAt > 0 {
		c.LastMessageAt = time.UnixMilli(d.LastMessageAt)
	}
	return c, nil
}

// SummaryFields renders the last-message summary update for a conversation.
func SummaryFields(m Message) map[string]any {
	return map[string]any{
		"lastMessage":   m.Text,
		"lastMessageAt": m.Timestamp.UnixMilli(),
		"lastSenderId":  m.SenderID,
	}
}

// DecodeTyping converts a typing document.
func DecodeTyping(doc remote.Document) (TypingSignal, error) {
	var d typingDoc
	if err := decode(doc, &d); err != nil {
		return TypingSignal{}, err
	}
	if d.UserID == "" {
		d.UserID = doc.ID
	}
	if d.LastRefreshedAt == nil {
		return TypingSignal{}, fmt.Errorf("%w: %s: missing lastRefreshedAt", ErrMalformed, doc.ID)
	}
	return TypingSignal{
		UserID:          d.UserID,
		ConversationID:  d.ConversationID,
		LastRefreshedAt: time.UnixMilli(*d.LastRefreshedAt),
	}, nil
}

// TypingFields renders a typing refresh for userID.
func TypingFields(conversationID, userID string) map[string]any {
	return map[string]any{
		"userId":          userID,
		"conversationId":  conversationID,
		"lastRefreshedAt": remote.ServerTimestamp,
	}
}

func fromMillis(in map[string]int64) map[string]time.Time {
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		out[k] = time.UnixMilli(v)
	}
	return out
}

func toMillis(in map[string]time.Time) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v.UnixMilli()
	}
	return out
}
