// Package sync reconciles the local cache, the outbound send pipeline and the
// remote change feed into one ordered view per conversation.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Cache is the local message cache. *store.DB implements it.
type Cache interface {
	SaveMessage(ctx context.Context, m *chat.Message) error
	FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	UpdateStatus(ctx context.Context, id string, st status.MessageStatus) error
	UpdateID(ctx context.Context, localID, remoteID string, st status.MessageStatus) error
	MergeReceipt(ctx context.Context, id string, r store.Receipt, userID string, at time.Time, st status.MessageStatus) error
	DeleteMessage(ctx context.Context, id string) error
	UpsertConversation(ctx context.Context, c *chat.Conversation) error
	UpdateSummary(ctx context.Context, m *chat.Message) error
	Reset(ctx context.Context) error
}

// Notifier receives the newly appeared messages of each snapshot.
type Notifier interface {
	Consider(ctx context.Context, conversationID string, msgs []chat.Message)
}

// Presence is the typing indicator attached to a listener.
type Presence interface {
	Watch(ctx context.Context, conversationID string) error
	Unwatch(conversationID string)
	SetTyping(ctx context.Context, conversationID string, typing bool) error
}

// Options configures an Engine. UserID and Remote are required.
type Options struct {
	UserID   string
	Remote   remote.Store
	Cache    Cache // nil runs remote-only
	Queue    *outbox.Queue
	Machine  *status.Machine
	Notifier Notifier
	Presence Presence
	Bus      *bus.Bus
	Logger   *zap.Logger
	Backoff  outbox.Backoff
	Clock    func() time.Time

	// DeliveryConcurrency bounds auto-delivery writes per snapshot.
	DeliveryConcurrency int
}

// Outgoing is a message composed by the local user.
type Outgoing struct {
	ConversationID string
	Text           string
	SenderName     string
	SenderPhotoRef string
}

// Engine is the message sync engine.
type Engine struct {
	userID   string
	remote   remote.Store
	queue    *outbox.Queue
	retrier  *outbox.Retrier
	machine  *status.Machine
	notifier Notifier
	presence Presence
	bus      *bus.Bus
	logger   *zap.Logger
	clock    func() time.Time
	backoff  outbox.Backoff
	newID    func() string
	fanout   int

	cacheMu sync.RWMutex
	cache   Cache

	mu      sync.Mutex
	convs   map[string]*conversation
	monitor *monitor

	ctx     context.Context
	cancel  context.CancelFunc
	unwatch func()
	bg      sync.WaitGroup
}

// conversation is the live state of one conversation. mu serializes every
// buffer mutation; life serializes listener start and stop.
type conversation struct {
	id string

	life     sync.Mutex
	listener *listener

	mu       sync.Mutex
	buffer   []chat.Message
	acked    map[string]bool // confirmed by a send ack, not yet seen in a snapshot
	synced   bool            // at least one snapshot applied
	seeded   bool            // buffer was loaded from the cache
	quiet    bool            // first snapshot is a baseline without alerts
	inflight map[string]bool // auto-delivery writes in progress
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Machine == nil {
		opts.Machine = status.NewMachine(status.Online, opts.Bus)
	}
	if opts.Queue == nil {
		opts.Queue = outbox.NewQueue(nil, opts.Logger)
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = outbox.DefaultBackoff
	}
	if opts.DeliveryConcurrency <= 0 {
		opts.DeliveryConcurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		userID:   opts.UserID,
		remote:   opts.Remote,
		cache:    opts.Cache,
		queue:    opts.Queue,
		machine:  opts.Machine,
		notifier: opts.Notifier,
		presence: opts.Presence,
		bus:      opts.Bus,
		logger:   opts.Logger,
		clock:    opts.Clock,
		backoff:  opts.Backoff,
		newID:    uuid.NewString,
		fanout:   opts.DeliveryConcurrency,
		convs:    make(map[string]*conversation),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.retrier = outbox.NewRetrier(e.queue, e, e.bus, e.logger, outbox.RetrierOptions{
		Backoff: e.backoff,
		Online:  e.machine.Online,
		Clock:   e.clock,
	})
	return e
}

// Start restores the persisted offline queue and runs the retry loop. A
// transition to Online triggers an immediate queue pass.
func (e *Engine) Start(ctx context.Context, pollInterval time.Duration) {
	if err := e.queue.Restore(ctx); err != nil {
		e.logger.Warn("failed to restore offline queue", zap.Error(fmt.Errorf("%w: %w", ErrLocalCacheUnavailable, err)))
	} else if n := e.queue.Len(); n > 0 {
		e.logger.Info("offline queue restored", zap.Int("entries", n))
	}
	e.retrier.Start(e.ctx, pollInterval)

	if e.bus == nil {
		return
	}
	ch, unsub := e.bus.Subscribe(bus.KindSyncStatusChanged, 16)
	e.mu.Lock()
	e.unwatch = unsub
	e.mu.Unlock()
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Online {
					e.retrier.Kick()
				}
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// Close stops every listener and background task.
func (e *Engine) Close() {
	e.StopMonitoring()
	e.mu.Lock()
	convs := make([]*conversation, 0, len(e.convs))
	for _, c := range e.convs {
		convs = append(convs, c)
	}
	unwatch := e.unwatch
	e.mu.Unlock()

	for _, c := range convs {
		e.stop(c)
	}
	e.retrier.Stop()
	e.cancel()
	if unwatch != nil {
		unwatch()
	}
	e.bg.Wait()
}

// Queue returns the offline queue.
func (e *Engine) Queue() *outbox.Queue {
	return e.queue
}

// Messages returns a copy of the visible buffer for a conversation.
func (e *Engine) Messages(conversationID string) []chat.Message {
	c := e.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.buffer)
}

// SendMessage appends the message to the visible buffer, then writes it to
// the remote store. While offline the message is queued with status sending
// and no error is returned. A failed remote write leaves the message visible
// as failed, queues it, and returns a *SendError.
func (e *Engine) SendMessage(ctx context.Context, out Outgoing) (chat.Message, error) {
	if strings.TrimSpace(out.Text) == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	now := e.clock()
	localID := e.newID()
	m := chat.Message{
		ID:             localID,
		LocalID:        localID,
		ConversationID: out.ConversationID,
		SenderID:       e.userID,
		SenderName:     out.SenderName,
		SenderPhotoRef: out.SenderPhotoRef,
		Text:           out.Text,
		Timestamp:      now,
		Status:         status.Sending,
		DeliveredTo:    map[string]time.Time{},
		ReadBy:         map[string]time.Time{},
	}

	e.withCache(ctx, "save message", func(c Cache) error { return c.SaveMessage(ctx, &m) })

	c := e.conv(out.ConversationID)
	c.mu.Lock()
	c.buffer = sortUnique(append(c.buffer, m.Clone()))
	e.publishLocked(c)
	c.mu.Unlock()

	if e.presence != nil {
		e.goBackground(func(ctx context.Context) {
			if err := e.presence.SetTyping(ctx, out.ConversationID, false); err != nil {
				e.logger.Debug("failed to clear typing indicator", zap.String("conversation_id", out.ConversationID), zap.Error(err))
			}
		})
	}

	if !e.machine.Online() {
		e.queue.Enqueue(ctx, chat.QueueEntry{Message: m, EnqueuedAt: now})
		e.bus.Emit(bus.KindSendQueued, Queued{ConversationID: m.ConversationID, LocalID: localID})
		e.logger.Info("offline, message queued", zap.String("conversation_id", m.ConversationID), zap.String("local_id", localID))
		return m, nil
	}

	remoteID, err := e.remote.AddDocument(ctx, remote.MessagesCollection(m.ConversationID), chat.MessageFields(m))
	if err != nil {
		failed := e.markFailed(ctx, c, m, err)
		e.queue.Enqueue(ctx, chat.QueueEntry{
			Message:       failed,
			Attempts:      1,
			LastError:     err.Error(),
			EnqueuedAt:    now,
			NextAttemptAt: e.clock().Add(e.backoff.Delay(1)),
		})
		e.bus.Emit(bus.KindSendFailed, SendFailure{ConversationID: m.ConversationID, LocalID: localID, Err: err})
		e.logger.Warn("send failed, message queued",
			zap.String("conversation_id", m.ConversationID),
			zap.String("local_id", localID),
			zap.Error(err))
		return failed, &SendError{LocalID: localID, Err: err}
	}

	confirmed := e.confirm(ctx, c, m, remoteID)
	e.bus.Emit(bus.KindSendAck, outbox.SendAck{ConversationID: m.ConversationID, LocalID: localID, RemoteID: remoteID})
	return confirmed, nil
}

// Resend retries the remote write of a queued message. It implements
// outbox.Resender.
func (e *Engine) Resend(ctx context.Context, entry chat.QueueEntry) (string, error) {
	if !e.machine.Online() {
		return "", ErrOffline
	}
	m := entry.Message.Clone()
	c := e.conv(m.ConversationID)
	if id, ok := e.storedCopy(c, m.LocalID); ok {
		return id, nil
	}
	e.setPendingStatus(c, m.LocalID, status.Sending)

	remoteID, err := e.remote.AddDocument(ctx, remote.MessagesCollection(m.ConversationID), chat.MessageFields(m))
	if err != nil {
		e.markFailed(ctx, c, m, err)
		return "", err
	}
	e.confirm(ctx, c, m, remoteID)
	return remoteID, nil
}

// storedCopy returns the remote id of a confirmed buffer entry carrying
// localID, left by a snapshot after an acknowledgement was lost.
func (e *Engine) storedCopy(c *conversation, localID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.buffer {
		if b.LocalID == localID && b.ID != localID && b.Status.Confirmed() {
			return b.ID, true
		}
	}
	return "", false
}

// ProcessOfflineQueue resends every queued message whose backoff has
// elapsed. Failures stay queued; the returned error combines them.
func (e *Engine) ProcessOfflineQueue(ctx context.Context) error {
	return e.retrier.Process(ctx)
}

// Discard abandons a queued message: it leaves the queue, the buffer and the
// cache.
func (e *Engine) Discard(ctx context.Context, localID string) error {
	entry, ok := e.queue.Get(localID)
	if !ok || !e.queue.Remove(ctx, localID) {
		return fmt.Errorf("discard %s: %w", localID, ErrNotQueued)
	}
	c := e.conv(entry.Message.ConversationID)
	c.mu.Lock()
	n := len(c.buffer)
	c.buffer = deleteLocal(c.buffer, localID)
	if len(c.buffer) != n {
		e.publishLocked(c)
	}
	c.mu.Unlock()
	e.withCache(ctx, "delete message", func(cache Cache) error { return cache.DeleteMessage(ctx, localID) })
	return nil
}

// markFailed moves a pending message to failed in the buffer and the cache.
func (e *Engine) markFailed(ctx context.Context, c *conversation, m chat.Message, cause error) chat.Message {
	e.setPendingStatus(c, m.LocalID, status.Failed)
	e.withCache(ctx, "update status", func(cache Cache) error { return cache.UpdateStatus(ctx, m.LocalID, status.Failed) })
	m.Status = status.Failed
	return m
}

// setPendingStatus changes the status of a still-optimistic buffer entry.
func (e *Engine) setPendingStatus(c *conversation, localID string, st status.MessageStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buffer {
		b := &c.buffer[i]
		if b.ID != localID || !b.Status.Pending() {
			continue
		}
		next, err := status.Advance(b.Status, st)
		if err != nil {
			return
		}
		b.Status = next
		e.publishLocked(c)
		return
	}
}

// confirm re-keys the optimistic entry to the remote id. When a snapshot has
// already superseded the entry the buffer is left alone.
func (e *Engine) confirm(ctx context.Context, c *conversation, m chat.Message, remoteID string) chat.Message {
	m.ID = remoteID
	m.Status = status.Sent

	c.mu.Lock()
	for i := range c.buffer {
		b := &c.buffer[i]
		if b.ID == m.LocalID && b.Status.Pending() {
			b.ID = remoteID
			b.Status = status.Sent
			c.acked[remoteID] = true
			c.buffer = sortUnique(c.buffer)
			e.publishLocked(c)
			break
		}
	}
	c.mu.Unlock()

	e.withCache(ctx, "update id", func(cache Cache) error { return cache.UpdateID(ctx, m.LocalID, remoteID, status.Sent) })
	e.logger.Info("message sent",
		zap.String("conversation_id", m.ConversationID),
		zap.String("local_id", m.LocalID),
		zap.String("msg_id", remoteID))

	summary := m.Clone()
	e.goBackground(func(ctx context.Context) {
		err := e.remote.UpdateDocument(ctx, remote.ConversationPath(summary.ConversationID), chat.SummaryFields(summary))
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			e.logger.Warn("failed to update conversation summary", zap.String("conversation_id", summary.ConversationID), zap.Error(err))
		}
		e.withCache(ctx, "update summary", func(cache Cache) error { return cache.UpdateSummary(ctx, &summary) })
	})
	return m
}

func deleteLocal(buf []chat.Message, localID string) []chat.Message {
	out := buf[:0]
	for _, m := range buf {
		if m.ID == localID && m.Status.Pending() {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (e *Engine) conv(id string) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[id]
	if !ok {
		c = &conversation{
			id:       id,
			acked:    make(map[string]bool),
			inflight: make(map[string]bool),
		}
		e.convs[id] = c
	}
	return c
}

// publishLocked emits a copy of the buffer. Callers hold c.mu.
func (e *Engine) publishLocked(c *conversation) {
	e.bus.Emit(bus.KindBufferUpdated, BufferUpdate{ConversationID: c.id, Messages: cloneAll(c.buffer)})
}

// goBackground runs fn on the engine context. Close waits for it.
func (e *Engine) goBackground(fn func(ctx context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn(e.ctx)
	}()
}

// withCache runs fn against the cache if one is attached. Failures are
// logged and absorbed. A corrupted cache is cleared, and detached if
// clearing fails.
func (e *Engine) withCache(ctx context.Context, op string, fn func(Cache) error) {
	e.cacheMu.RLock()
	cache := e.cache
	e.cacheMu.RUnlock()
	if cache == nil {
		return
	}
	err := fn(cache)
	if err == nil {
		return
	}
	e.logger.Warn("local cache operation failed",
		zap.String("op", op),
		zap.Error(fmt.Errorf("%w: %w", ErrLocalCacheUnavailable, err)))
	if store.IsCorrupt(err) {
		e.recoverCache(ctx, cache)
	}
}

func (e *Engine) recoverCache(ctx context.Context, cache Cache) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.cache != cache {
		return
	}
	if err := cache.Reset(ctx); err != nil {
		e.logger.Error("local cache unrecoverable, continuing remote-only", zap.Error(err))
		e.cache = nil
		return
	}
	e.logger.Warn("local cache cleared after corruption")
	e.bus.Emit(bus.KindCacheRecovered, nil)
}

// CacheAttached reports whether a local cache is in use.
func (e *Engine) CacheAttached() bool {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	return e.cache != nil
}
