package sync

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// monitor follows the local user's conversation list.
type monitor struct {
	cancel   func()
	done     chan struct{}
	started  map[string]bool // listeners started by the monitor
	caughtUp bool            // the first conversation snapshot was applied
	broken   atomic.Bool     // the feed reported an error or closed
}

// MonitorConversations subscribes to every conversation the local user
// participates in. Summaries are cached for display-name lookups and each
// conversation gets a background listener, so alerts fire for conversations
// that are not open. History of the conversations present in the first
// snapshot raises no alerts; a conversation that appears later alerts for
// all of its messages. Calling it again restarts the monitor.
func (e *Engine) MonitorConversations(ctx context.Context) error {
	e.StopMonitoring()

	subCtx, cancel := context.WithCancel(e.ctx)
	q := remote.Query{Collection: remote.ConversationsCollection, OrderBy: "lastMessageAt", Descending: true}.
		Where("participants", remote.ArrayContains, e.userID)
	ch, unsubscribe, err := e.remote.Subscribe(subCtx, q)
	if err != nil {
		cancel()
		err = fmt.Errorf("%w: subscribe conversations: %w", ErrListener, err)
		e.degrade("", err)
		return err
	}

	m := &monitor{
		cancel: func() {
			unsubscribe()
			cancel()
		},
		done:    make(chan struct{}),
		started: make(map[string]bool),
	}
	e.mu.Lock()
	e.monitor = m
	e.mu.Unlock()

	go e.runMonitor(subCtx, m, ch)
	return nil
}

// StopMonitoring stops the conversation monitor and the listeners it started.
func (e *Engine) StopMonitoring() {
	e.mu.Lock()
	m := e.monitor
	e.monitor = nil
	e.mu.Unlock()
	if m == nil {
		return
	}
	m.cancel()
	<-m.done
	for id := range m.started {
		e.StopListening(id)
	}
}

func (e *Engine) runMonitor(ctx context.Context, m *monitor, ch <-chan remote.Snapshot) {
	defer close(m.done)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					m.broken.Store(true)
				}
				return
			}
			m.broken.Store(snap.Err != nil)
			if snap.Err != nil {
				e.degrade("", fmt.Errorf("%w: %w", ErrListener, snap.Err))
				continue
			}
			e.applyConversations(ctx, m, snap.Documents)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) applyConversations(ctx context.Context, m *monitor, docs []remote.Document) {
	e.recover()
	present := make(map[string]bool, len(docs))
	for _, doc := range docs {
		conv, err := chat.DecodeConversation(doc)
		if err != nil {
			e.logger.Warn("dropping malformed conversation", zap.Error(err))
			continue
		}
		present[conv.ID] = true
		e.withCache(ctx, "upsert conversation", func(cache Cache) error { return cache.UpsertConversation(ctx, &conv) })

		if m.started[conv.ID] || e.Listening(conv.ID) {
			continue
		}
		if err := e.startListening(ctx, conv.ID, !m.caughtUp); err != nil {
			continue
		}
		m.started[conv.ID] = true
	}
	m.caughtUp = true
	for id := range m.started {
		if !present[id] {
			e.StopListening(id)
			delete(m.started, id)
		}
	}
}
