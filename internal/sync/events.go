package sync

import (
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
)

// BufferUpdate is the payload of message.buffer_updated events. Messages is
// a copy of the visible buffer.
type BufferUpdate struct {
	ConversationID string
	Messages       []chat.Message
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	ConversationID string
	LocalID        string
	Err            error
}

// Queued is the payload of message.send_queued events.
type Queued struct {
	ConversationID string
	LocalID        string
}

// ReceiptUpdate is the payload of message.receipt_updated events.
type ReceiptUpdate struct {
	ConversationID string
	MessageID      string
	UserID         string
	Status         status.MessageStatus
}

// Degradation is the payload of sync.degraded events.
type Degradation struct {
	ConversationID string
	Err            error
}
