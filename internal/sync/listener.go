package sync

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// listener is one live subscription to a conversation's messages.
type listener struct {
	cancel  func()
	done    chan struct{}
	stopped atomic.Bool
	broken  atomic.Bool // the feed reported an error or closed
}

// StartListening subscribes to the conversation's messages ordered by
// timestamp. Any previous listener for the conversation is stopped first.
// Before the first snapshot the buffer is seeded from the cache. Every
// message of the first snapshot that was not already visible raises an
// alert.
func (e *Engine) StartListening(ctx context.Context, conversationID string) error {
	return e.startListening(ctx, conversationID, false)
}

// startListening with quiet set makes the first snapshot over an empty
// buffer a baseline that raises no alerts. The monitor uses it for the
// conversations present when it starts.
func (e *Engine) startListening(ctx context.Context, conversationID string, quiet bool) error {
	c := e.conv(conversationID)
	c.life.Lock()
	defer c.life.Unlock()

	e.stopLocked(c)
	c.mu.Lock()
	c.quiet = quiet
	c.mu.Unlock()
	e.seed(ctx, c)

	subCtx, cancel := context.WithCancel(e.ctx)
	q := remote.Query{Collection: remote.MessagesCollection(conversationID), OrderBy: "timestamp"}
	ch, unsubscribe, err := e.remote.Subscribe(subCtx, q)
	if err != nil {
		cancel()
		err = fmt.Errorf("%w: subscribe %s: %w", ErrListener, conversationID, err)
		e.degrade(conversationID, err)
		return err
	}

	l := &listener{done: make(chan struct{})}
	l.cancel = func() {
		unsubscribe()
		cancel()
	}
	c.listener = l

	if e.presence != nil {
		if err := e.presence.Watch(subCtx, conversationID); err != nil {
			e.logger.Warn("failed to watch typing", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	go e.listen(subCtx, c, l, ch)
	e.logger.Info("listening", zap.String("conversation_id", conversationID))
	return nil
}

// StopListening releases the conversation's subscription and returns once
// no further snapshot will be applied. The buffer is kept.
func (e *Engine) StopListening(conversationID string) {
	e.mu.Lock()
	c, ok := e.convs[conversationID]
	e.mu.Unlock()
	if ok {
		e.stop(c)
	}
}

// Listening reports whether the conversation has an active listener.
func (e *Engine) Listening(conversationID string) bool {
	c := e.conv(conversationID)
	c.life.Lock()
	defer c.life.Unlock()
	return c.listener != nil
}

func (e *Engine) stop(c *conversation) {
	c.life.Lock()
	defer c.life.Unlock()
	e.stopLocked(c)
}

// stopLocked requires c.life.
func (e *Engine) stopLocked(c *conversation) {
	l := c.listener
	if l == nil {
		return
	}
	c.listener = nil
	l.stopped.Store(true)
	l.cancel()
	<-l.done
	if e.presence != nil {
		e.presence.Unwatch(c.id)
	}
	e.logger.Info("stopped listening", zap.String("conversation_id", c.id))
}

// seed loads cached messages into a buffer that has not seen a snapshot yet.
func (e *Engine) seed(ctx context.Context, c *conversation) {
	var cached []chat.Message
	e.withCache(ctx, "fetch messages", func(cache Cache) error {
		var err error
		cached, err = cache.FetchMessages(ctx, c.id)
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.synced || len(cached) == 0 {
		return
	}
	c.buffer = union(c.buffer, cached)
	c.seeded = true
	e.publishLocked(c)
}

func (e *Engine) listen(ctx context.Context, c *conversation, l *listener, ch <-chan remote.Snapshot) {
	defer close(l.done)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				if !l.stopped.Load() && ctx.Err() == nil {
					l.broken.Store(true)
					e.degrade(c.id, fmt.Errorf("%w: change feed closed", ErrListener))
				}
				return
			}
			if l.stopped.Load() {
				return
			}
			l.broken.Store(snap.Err != nil)
			e.apply(ctx, c, snap)
		case <-ctx.Done():
			return
		}
	}
}

// apply merges one snapshot into the buffer, then hands newly appeared
// messages to the notifier, refreshes the cache and acknowledges delivery.
func (e *Engine) apply(ctx context.Context, c *conversation, snap remote.Snapshot) {
	if snap.Err != nil {
		e.degrade(c.id, fmt.Errorf("%w: %w", ErrListener, snap.Err))
		return
	}

	msgs := make([]chat.Message, 0, len(snap.Documents))
	for _, doc := range snap.Documents {
		m, err := chat.DecodeMessage(doc)
		if err != nil {
			e.logger.Warn("dropping malformed message", zap.String("conversation_id", c.id), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	e.recover()

	c.mu.Lock()
	baseline := !c.synced && !c.seeded && c.quiet
	c.synced = true
	var delivered []string // own sends the feed now carries
	for _, m := range msgs {
		delete(c.acked, m.ID)
		if m.SenderID == e.userID && m.LocalID != "" {
			delivered = append(delivered, m.LocalID)
		}
	}
	prev := c.buffer
	c.buffer = reconcile(prev, msgs, c.acked)
	var fresh []chat.Message
	if !baseline {
		fresh = appeared(prev, c.buffer, e.userID)
	}
	var undelivered []string
	for _, m := range c.buffer {
		if m.SenderID == e.userID || !m.Status.Confirmed() || m.DeliveredToUser(e.userID) || c.inflight[m.ID] {
			continue
		}
		c.inflight[m.ID] = true
		undelivered = append(undelivered, m.ID)
	}
	e.publishLocked(c)
	c.mu.Unlock()

	// A send whose acknowledgement was lost is already stored remotely;
	// resending it would store a second copy.
	for _, localID := range delivered {
		if e.queue.Remove(ctx, localID) {
			e.logger.Info("queued message already stored remotely",
				zap.String("conversation_id", c.id),
				zap.String("local_id", localID))
		}
	}

	if len(fresh) > 0 && e.notifier != nil {
		e.notifier.Consider(ctx, c.id, fresh)
	}

	e.goBackground(func(ctx context.Context) {
		for i := range msgs {
			e.withCache(ctx, "save message", func(cache Cache) error { return cache.SaveMessage(ctx, &msgs[i]) })
		}
	})

	if len(undelivered) > 0 {
		e.goBackground(func(ctx context.Context) {
			e.autoDeliver(ctx, c, undelivered)
		})
	}
}

// autoDeliver marks others' messages delivered with bounded concurrency.
// Failures are logged only; the next snapshot retries them.
func (e *Engine) autoDeliver(ctx context.Context, c *conversation, ids []string) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanout)
	for _, id := range ids {
		g.Go(func() error {
			defer func() {
				c.mu.Lock()
				delete(c.inflight, id)
				c.mu.Unlock()
			}()
			if err := e.MarkAsDelivered(ctx, c.id, id); err != nil {
				e.logger.Debug("auto-delivery failed", zap.String("conversation_id", c.id), zap.String("msg_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// degrade reports a listener failure. The buffer is left untouched.
func (e *Engine) degrade(conversationID string, err error) {
	e.logger.Error("listener error", zap.String("conversation_id", conversationID), zap.Error(err))
	if e.machine.Current() != status.Offline {
		if terr := e.machine.Transition(status.Degraded); terr != nil {
			e.logger.Debug("sync state unchanged", zap.Error(terr))
		}
	}
	e.bus.Emit(bus.KindSyncDegraded, Degradation{ConversationID: conversationID, Err: err})
}

// recover returns a degraded or connecting client to Online after a good
// snapshot.
func (e *Engine) recover() {
	switch e.machine.Current() {
	case status.Degraded, status.Connecting:
		if err := e.machine.Transition(status.Online); err != nil {
			e.logger.Debug("sync state unchanged", zap.Error(err))
		}
	}
}
