package sync

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// Pinger is implemented by stores that can report whether they are
// reachable. Both remote stores implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WatchConnectivity pings the remote store every interval. A failed ping
// moves the client Offline, so sends queue instead of failing. The first
// good ping afterwards moves it to Connecting, restarts the change feeds
// that broke, and then to Online, which drains the queue. Stores that are
// not a Pinger are assumed reachable.
func (e *Engine) WatchConnectivity(interval, timeout time.Duration) {
	p, ok := e.remote.(Pinger)
	if !ok || interval <= 0 {
		return
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.check(p, timeout)
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) check(p Pinger, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(e.ctx, timeout)
	err := p.Ping(ctx)
	cancel()
	if e.ctx.Err() != nil {
		return
	}

	offline := e.machine.Current() == status.Offline
	switch {
	case err != nil && !offline:
		e.logger.Warn("remote store unreachable, going offline", zap.Error(err))
		e.transition(status.Offline)
	case err == nil && offline:
		e.logger.Info("remote store reachable, reconnecting")
		e.transition(status.Connecting)
		e.resubscribe(e.ctx)
		if e.machine.Current() == status.Connecting {
			e.transition(status.Online)
		}
	}
}

func (e *Engine) transition(to status.State) {
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("sync state unchanged", zap.Error(err))
	}
}

// resubscribe restarts the conversation monitor and every listener whose
// change feed failed. Buffers are kept, so messages that arrived meanwhile
// alert as usual.
func (e *Engine) resubscribe(ctx context.Context) {
	e.mu.Lock()
	m := e.monitor
	convs := make([]*conversation, 0, len(e.convs))
	for _, c := range e.convs {
		convs = append(convs, c)
	}
	e.mu.Unlock()

	if m != nil && m.broken.Load() {
		if err := e.MonitorConversations(ctx); err != nil {
			e.logger.Warn("failed to restart conversation monitor", zap.Error(err))
		}
	}
	for _, c := range convs {
		c.life.Lock()
		broken := c.listener != nil && c.listener.broken.Load()
		c.life.Unlock()
		if !broken {
			continue
		}
		if err := e.StartListening(ctx, c.id); err != nil {
			e.logger.Warn("failed to restart listener", zap.String("conversation_id", c.id), zap.Error(err))
		}
	}
}
