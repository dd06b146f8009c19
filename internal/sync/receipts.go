package sync

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errNotConfirmed = errors.New("message not confirmed")

// stageOrder ranks the stored statuses.
var stageOrder = []string{string(status.Sent), string(status.Delivered), string(status.Read)}

// receipt describes one of the per-user receipt maps.
type receipt struct {
	field string // remote map field
	cache store.Receipt
	stage status.MessageStatus
}

var (
	deliveredReceipt = receipt{field: "deliveredTo", cache: store.DeliveredReceipt, stage: status.Delivered}
	readReceipt      = receipt{field: "readBy", cache: store.ReadReceipt, stage: status.Read}
)

// MarkAsDelivered records that the local user received a message. Only the
// local user's key of deliveredTo is written, so concurrent recipients do not
// overwrite each other.
func (e *Engine) MarkAsDelivered(ctx context.Context, conversationID, messageID string) error {
	return e.mark(ctx, conversationID, messageID, deliveredReceipt)
}

// MarkAsRead records that the local user read each message. A failure for
// one id does not stop the others; the returned error combines every
// *StatusUpdateError and can be split with multierr.Errors.
func (e *Engine) MarkAsRead(ctx context.Context, conversationID string, messageIDs []string) error {
	var errs error
	for _, id := range messageIDs {
		errs = multierr.Append(errs, e.mark(ctx, conversationID, id, readReceipt))
	}
	return errs
}

func (e *Engine) mark(ctx context.Context, conversationID, messageID string, r receipt) error {
	c := e.conv(conversationID)
	now := e.clock()

	current := status.Sent
	c.mu.Lock()
	for _, m := range c.buffer {
		if m.ID == messageID {
			current = m.Status
			break
		}
	}
	c.mu.Unlock()
	if current.Pending() {
		return &StatusUpdateError{MessageID: messageID, Err: errNotConfirmed}
	}
	next := status.Max(current, r.stage)

	// The buffer may lag behind the store, so the stage comparison is left
	// to the store.
	fields := map[string]any{
		r.field + "." + e.userID: now.UnixMilli(),
		"status":                 remote.AtLeast(string(r.stage), stageOrder...),
	}
	path := remote.Join(remote.MessagesCollection(conversationID), messageID)
	if err := e.remote.UpdateDocument(ctx, path, fields); err != nil {
		e.logger.Warn("status update failed",
			zap.String("conversation_id", conversationID),
			zap.String("msg_id", messageID),
			zap.String("stage", string(r.stage)),
			zap.Error(err))
		return &StatusUpdateError{MessageID: messageID, Err: err}
	}

	e.withCache(ctx, "merge receipt", func(cache Cache) error {
		return cache.MergeReceipt(ctx, messageID, r.cache, e.userID, now, next)
	})

	c.mu.Lock()
	for i := range c.buffer {
		m := &c.buffer[i]
		if m.ID != messageID {
			continue
		}
		applyReceipt(m, r, e.userID, now)
		e.publishLocked(c)
		break
	}
	c.mu.Unlock()

	e.bus.Emit(bus.KindReceiptUpdated, ReceiptUpdate{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         e.userID,
		Status:         next,
	})
	return nil
}

func applyReceipt(m *chat.Message, r receipt, userID string, at time.Time) {
	switch r.stage {
	case status.Delivered:
		m.DeliveredTo = maps.Clone(m.DeliveredTo)
		if m.DeliveredTo == nil {
			m.DeliveredTo = map[string]time.Time{}
		}
		m.DeliveredTo[userID] = at
	case status.Read:
		m.ReadBy = maps.Clone(m.ReadBy)
		if m.ReadBy == nil {
			m.ReadBy = map[string]time.Time{}
		}
		m.ReadBy[userID] = at
	}
	m.Status = status.Max(m.Status, r.stage)
}
