// Package typing publishes the local user's typing indicator and tracks
// other participants' indicators with a liveness window.
package typing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

const (
	DefaultRefreshInterval = 3 * time.Second
	DefaultWindow          = 5 * time.Second
	DefaultPruneInterval   = time.Second
)

// Options configures a Tracker. UserID and Remote are required.
type Options struct {
	UserID          string
	Remote          remote.Store
	Names           chat.NameResolver
	Bus             *bus.Bus
	Logger          *zap.Logger
	Clock           func() time.Time
	RefreshInterval time.Duration
	Window          time.Duration
	PruneInterval   time.Duration
}

// Change is the payload of typing.changed events.
type Change struct {
	ConversationID string
	UserIDs        []string
	Names          []string
}

// Tracker is the typing indicator subsystem. Nothing it holds is persisted.
type Tracker struct {
	userID  string
	remote  remote.Store
	names   chat.NameResolver
	bus     *bus.Bus
	logger  *zap.Logger
	clock   func() time.Time
	refresh time.Duration
	window  time.Duration
	prune   time.Duration

	mu         sync.Mutex
	signals    map[string]map[string]chat.TypingSignal // conversation -> user -> signal
	published  map[string][]string
	watches    map[string]*loop
	refreshers map[string]*loop
}

type loop struct {
	cancel func()
	done   chan struct{}
}

func (l *loop) stop() {
	l.cancel()
	<-l.done
}

// New creates a tracker.
func New(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	return &Tracker{
		userID:     opts.UserID,
		remote:     opts.Remote,
		names:      opts.Names,
		bus:        opts.Bus,
		logger:     opts.Logger,
		clock:      opts.Clock,
		refresh:    opts.RefreshInterval,
		window:     opts.Window,
		prune:      opts.PruneInterval,
		signals:    make(map[string]map[string]chat.TypingSignal),
		published:  make(map[string][]string),
		watches:    make(map[string]*loop),
		refreshers: make(map[string]*loop),
	}
}

// SetTyping publishes or clears the local user's indicator. While typing is
// true the record is re-sent every refresh interval so it outlives the
// liveness window; false deletes it immediately, including a record left
// by an earlier run.
func (t *Tracker) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	path := remote.Join(remote.TypingCollection(conversationID), t.userID)

	if !typing {
		t.mu.Lock()
		r := t.refreshers[conversationID]
		delete(t.refreshers, conversationID)
		t.mu.Unlock()
		if r != nil {
			r.stop()
		}
		if err := t.remote.DeleteDocument(ctx, path); err != nil {
			return fmt.Errorf("clear typing: %w", err)
		}
		return nil
	}

	t.mu.Lock()
	_, running := t.refreshers[conversationID]
	t.mu.Unlock()
	if running {
		return nil
	}
	if err := t.remote.SetDocument(ctx, path, chat.TypingFields(conversationID, t.userID)); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &loop{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	if _, running := t.refreshers[conversationID]; running {
		t.mu.Unlock()
		cancel()
		return nil
	}
	t.refreshers[conversationID] = r
	t.mu.Unlock()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(t.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.remote.SetDocument(loopCtx, path, chat.TypingFields(conversationID, t.userID)); err != nil {
					t.logger.Warn("typing refresh failed", zap.String("conversation_id", conversationID), zap.Error(err))
				}
			case <-loopCtx.Done():
				return
			}
		}
	}()
	return nil
}

// Watch subscribes to the conversation's typing records and starts the prune
// timer. A previous watch on the conversation is replaced.
func (t *Tracker) Watch(ctx context.Context, conversationID string) error {
	t.Unwatch(conversationID)

	subCtx, cancel := context.WithCancel(ctx)
	ch, unsubscribe, err := t.remote.Subscribe(subCtx, remote.Query{Collection: remote.TypingCollection(conversationID)})
	if err != nil {
		cancel()
		return fmt.Errorf("watch typing %s: %w", conversationID, err)
	}
	w := &loop{
		cancel: func() {
			unsubscribe()
			cancel()
		},
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.watches[conversationID] = w
	t.mu.Unlock()

	go t.run(subCtx, conversationID, w, ch)
	return nil
}

// Unwatch stops the subscription and the prune timer and forgets the
// conversation's signals.
func (t *Tracker) Unwatch(conversationID string) {
	t.mu.Lock()
	w := t.watches[conversationID]
	delete(t.watches, conversationID)
	t.mu.Unlock()
	if w == nil {
		return
	}
	w.stop()

	t.mu.Lock()
	delete(t.signals, conversationID)
	t.mu.Unlock()
	t.publish(conversationID)
}

// Close stops every watch and refresh loop. Remote typing records are left
// to expire.
func (t *Tracker) Close() {
	t.mu.Lock()
	loops := make([]*loop, 0, len(t.watches)+len(t.refreshers))
	for _, w := range t.watches {
		loops = append(loops, w)
	}
	for _, r := range t.refreshers {
		loops = append(loops, r)
	}
	t.watches = make(map[string]*loop)
	t.refreshers = make(map[string]*loop)
	t.mu.Unlock()
	for _, l := range loops {
		l.stop()
	}
}

func (t *Tracker) run(ctx context.Context, conversationID string, w *loop, ch <-chan remote.Snapshot) {
	defer close(w.done)
	ticker := time.NewTicker(t.prune)
	defer ticker.Stop()
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if snap.Err != nil {
				t.logger.Warn("typing feed error", zap.String("conversation_id", conversationID), zap.Error(snap.Err))
				continue
			}
			t.apply(conversationID, snap.Documents)
		case <-ticker.C:
			t.pruneStale(conversationID)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) apply(conversationID string, docs []remote.Document) {
	signals := make(map[string]chat.TypingSignal, len(docs))
	for _, doc := range docs {
		sig, err := chat.DecodeTyping(doc)
		if err != nil {
			t.logger.Debug("dropping malformed typing record", zap.Error(err))
			continue
		}
		if sig.UserID == t.userID {
			continue
		}
		sig.ConversationID = conversationID
		signals[sig.UserID] = sig
	}
	t.mu.Lock()
	t.signals[conversationID] = signals
	t.mu.Unlock()
	t.publish(conversationID)
}

// pruneStale drops signals older than the liveness window.
func (t *Tracker) pruneStale(conversationID string) {
	now := t.clock()
	t.mu.Lock()
	for uid, sig := range t.signals[conversationID] {
		if now.Sub(sig.LastRefreshedAt) >= t.window {
			delete(t.signals[conversationID], uid)
		}
	}
	t.mu.Unlock()
	t.publish(conversationID)
}

// Typing returns the sorted ids of users currently typing in the
// conversation, never including the local user.
func (t *Tracker) Typing(conversationID string) []string {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []string
	for uid, sig := range t.signals[conversationID] {
		if uid != t.userID && now.Sub(sig.LastRefreshedAt) < t.window {
			users = append(users, uid)
		}
	}
	slices.Sort(users)
	return users
}

// Names resolves the display names of the users currently typing.
func (t *Tracker) Names(conversationID string) []string {
	users := t.Typing(conversationID)
	names := make([]string, len(users))
	for i, uid := range users {
		names[i] = t.displayName(conversationID, uid)
	}
	return names
}

func (t *Tracker) displayName(conversationID, userID string) string {
	if t.names != nil {
		if name, ok := t.names.DisplayName(conversationID, userID); ok && name != "" {
			return name
		}
	}
	return userID
}

// publish emits typing.changed when the live set differs from the last one
// published.
func (t *Tracker) publish(conversationID string) {
	users := t.Typing(conversationID)
	t.mu.Lock()
	if slices.Equal(users, t.published[conversationID]) {
		t.mu.Unlock()
		return
	}
	if len(users) == 0 {
		delete(t.published, conversationID)
	} else {
		t.published[conversationID] = users
	}
	t.mu.Unlock()

	names := make([]string, len(users))
	for i, uid := range users {
		names[i] = t.displayName(conversationID, uid)
	}
	t.bus.Emit(bus.KindTypingChanged, Change{ConversationID: conversationID, UserIDs: users, Names: names})
}
