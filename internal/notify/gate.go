// Package notify decides which incoming messages surface a user-visible alert.
package notify

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

// Display shows an alert. Failures are logged by the gate, never propagated.
type Display interface {
	Show(ctx context.Context, senderName, text, conversationID string) error
}

// Gate suppresses alerts for the active conversation.
type Gate struct {
	userID  string
	display Display
	names   chat.NameResolver
	logger  *zap.Logger

	mu     sync.RWMutex
	active string
}

// NewGate creates a gate. names may be nil.
func NewGate(userID string, display Display, names chat.NameResolver, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{userID: userID, display: display, names: names, logger: logger}
}

// SetActive marks the conversation the user is viewing.
func (g *Gate) SetActive(conversationID string) {
	g.mu.Lock()
	g.active = conversationID
	g.mu.Unlock()
}

// ClearActive marks no conversation as viewed.
func (g *Gate) ClearActive() {
	g.SetActive("")
}

// Active returns the conversation being viewed, or "".
func (g *Gate) Active() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// Consider raises one alert per message authored by someone else, unless
// the conversation is active.
func (g *Gate) Consider(ctx context.Context, conversationID string, msgs []chat.Message) {
	if conversationID != "" && conversationID == g.Active() {
		g.logger.Debug("alerts suppressed for active conversation",
			zap.String("conversation_id", conversationID),
			zap.Int("count", len(msgs)))
		return
	}
	for _, m := range msgs {
		if m.SenderID == g.userID {
			continue
		}
		if err := g.display.Show(ctx, g.senderName(conversationID, m), m.Text, conversationID); err != nil {
			g.logger.Warn("failed to show notification",
				zap.String("conversation_id", conversationID),
				zap.String("msg_id", m.ID),
				zap.Error(err))
		}
	}
}

func (g *Gate) senderName(conversationID string, m chat.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	if g.names != nil {
		if name, ok := g.names.DisplayName(conversationID, m.SenderID); ok && name != "" {
			return name
		}
	}
	return m.SenderID
}
