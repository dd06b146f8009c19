package notify

import (
	"context"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Alert is the payload of notify.shown events.
type Alert struct {
	SenderName     string
	Text           string
	ConversationID string
}

// LogDisplay writes alerts to the log and the bus. The daemon uses it in
// place of a platform notification service.
type LogDisplay struct {
	logger *zap.Logger
	bus    *bus.Bus
}

// NewLogDisplay creates a LogDisplay.
func NewLogDisplay(logger *zap.Logger, b *bus.Bus) *LogDisplay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDisplay{logger: logger, bus: b}
}

func (d *LogDisplay) Show(_ context.Context, senderName, text, conversationID string) error {
	d.logger.Info("new message",
		zap.String("conversation_id", conversationID),
		zap.String("sender", senderName),
		zap.Int("length", len(text)))
	d.bus.Emit(bus.KindNotificationShown, Alert{SenderName: senderName, Text: text, ConversationID: conversationID})
	return nil
}
