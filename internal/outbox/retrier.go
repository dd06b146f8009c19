package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Resender re-attempts the remote write of a queued message and reconciles
// any visible state for it.
type Resender interface {
	Resend(ctx context.Context, e chat.QueueEntry) (remoteID string, err error)
}

// Retrier drains the offline queue with exponential backoff. Entries are
// never abandoned automatically; only an explicit Remove drops them.
type Retrier struct {
	queue    *Queue
	resender Resender
	backoff  Backoff
	online   func() bool
	bus      *bus.Bus
	logger   *zap.Logger
	clock    func() time.Time

	pass   sync.Mutex
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// RetrierOptions configures a Retrier. Zero values select defaults.
type RetrierOptions struct {
	Backoff Backoff
	Online  func() bool
	Clock   func() time.Time
}

// NewRetrier creates a retrier over queue.
func NewRetrier(queue *Queue, resender Resender, b *bus.Bus, logger *zap.Logger, opts RetrierOptions) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Retrier{
		queue:    queue,
		resender: resender,
		backoff:  opts.Backoff,
		online:   opts.Online,
		bus:      b,
		logger:   logger,
		clock:    opts.Clock,
		kick:     make(chan struct{}, 1),
	}
}

// Process runs one pass over the entries whose backoff has elapsed. It
// returns the combined resend errors; failed entries stay queued with their
// next attempt pushed back.
func (r *Retrier) Process(ctx context.Context) error {
	r.pass.Lock()
	defer r.pass.Unlock()

	var errs error
	for _, e := range r.queue.Entries() {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		if !r.online() {
			break
		}
		if e.NextAttemptAt.After(r.clock()) {
			continue
		}

		remoteID, err := r.resender.Resend(ctx, e)
		if err != nil {
			e.Attempts++
			e.LastError = err.Error()
			e.NextAttemptAt = r.clock().Add(r.backoff.Delay(e.Attempts))
			r.queue.Update(ctx, e)
			r.logger.Warn("resend failed",
				zap.String("local_id", e.Message.LocalID),
				zap.Int("attempts", e.Attempts),
				zap.Time("next_attempt_at", e.NextAttemptAt),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("resend %s: %w", e.Message.LocalID, err))
			continue
		}

		r.queue.Remove(ctx, e.Message.LocalID)
		r.logger.Info("queued message sent",
			zap.String("local_id", e.Message.LocalID),
			zap.String("msg_id", remoteID))
		r.bus.Emit(bus.KindSendAck, SendAck{
			ConversationID: e.Message.ConversationID,
			LocalID:        e.Message.LocalID,
			RemoteID:       remoteID,
		})
	}
	return errs
}

// Kick requests an immediate pass from the background loop.
func (r *Retrier) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Start runs passes every interval and on Kick until Stop.
func (r *Retrier) Start(ctx context.Context, interval time.Duration) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, interval)
}

// Stop stops the background loop and waits for the current pass.
func (r *Retrier) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Retrier) loop(ctx context.Context, interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.kick:
		case <-ctx.Done():
			return
		}
		if r.queue.Len() == 0 || !r.online() {
			continue
		}
		if err := r.Process(ctx); err != nil && ctx.Err() == nil {
			r.logger.Debug("offline queue pass incomplete", zap.Error(err))
		}
	}
}

// SendAck is the payload of send acknowledgement events.
type SendAck struct {
	ConversationID string
	LocalID        string
	RemoteID       string
}
