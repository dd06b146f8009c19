package outbox

import (
	"context"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

// Persister stores queue entries across restarts. The local cache
// implements it; persistence failures never block the in-memory queue.
type Persister interface {
	SaveQueueEntry(ctx context.Context, e *chat.QueueEntry) error
	DeleteQueueEntry(ctx context.Context, localID string) error
	LoadQueue(ctx context.Context) ([]chat.QueueEntry, error)
}

// Queue is the shared offline queue. All mutations are serialized, so
// concurrent sends never corrupt each other's entries. Entries are keyed by
// the message local id.
type Queue struct {
	mu      sync.Mutex
	entries []chat.QueueEntry
	persist Persister
	logger  *zap.Logger
}

// NewQueue creates an empty queue. persist may be nil.
func NewQueue(persist Persister, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{persist: persist, logger: logger}
}

// Restore loads persisted entries, keeping any already enqueued in memory.
func (q *Queue) Restore(ctx context.Context) error {
	if q.persist == nil {
		return nil
	}
	stored, err := q.persist.LoadQueue(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range stored {
		if q.indexLocked(e.Message.LocalID) < 0 {
			q.entries = append(q.entries, e)
		}
	}
	return nil
}

// Enqueue adds e, replacing an existing entry with the same local id.
func (q *Queue) Enqueue(ctx context.Context, e chat.QueueEntry) {
	e.Message = e.Message.Clone()
	q.mu.Lock()
	if i := q.indexLocked(e.Message.LocalID); i >= 0 {
		q.entries[i] = e
	} else {
		q.entries = append(q.entries, e)
	}
	q.mu.Unlock()
	q.save(ctx, &e)
}

// Update replaces the bookkeeping of an existing entry. It reports false if
// the entry was removed in the meantime.
func (q *Queue) Update(ctx context.Context, e chat.QueueEntry) bool {
	q.mu.Lock()
	i := q.indexLocked(e.Message.LocalID)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	q.entries[i] = e
	q.mu.Unlock()
	q.save(ctx, &e)
	return true
}

// Remove deletes the entry for localID and reports whether it existed.
func (q *Queue) Remove(ctx context.Context, localID string) bool {
	q.mu.Lock()
	i := q.indexLocked(localID)
	if i >= 0 {
		q.entries = slices.Delete(q.entries, i, i+1)
	}
	q.mu.Unlock()
	if i < 0 {
		return false
	}
	if q.persist != nil {
		if err := q.persist.DeleteQueueEntry(ctx, localID); err != nil {
			q.logger.Warn("failed to delete persisted queue entry", zap.String("local_id", localID), zap.Error(err))
		}
	}
	return true
}

// Get returns the entry for localID.
func (q *Queue) Get(localID string) (chat.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(localID); i >= 0 {
		return q.entries[i], true
	}
	return chat.QueueEntry{}, false
}

// Contains reports whether localID is queued.
func (q *Queue) Contains(localID string) bool {
	_, ok := q.Get(localID)
	return ok
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of all entries in enqueue order.
func (q *Queue) Entries() []chat.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]chat.QueueEntry, len(q.entries))
	for i, e := range q.entries {
		e.Message = e.Message.Clone()
		out[i] = e
	}
	return out
}

func (q *Queue) indexLocked(localID string) int {
	return slices.IndexFunc(q.entries, func(e chat.QueueEntry) bool {
		return e.Message.LocalID == localID
	})
}

func (q *Queue) save(ctx context.Context, e *chat.QueueEntry) {
	if q.persist == nil {
		return
	}
	if err := q.persist.SaveQueueEntry(ctx, e); err != nil {
		q.logger.Warn("failed to persist queue entry", zap.String("local_id", e.Message.LocalID), zap.Error(err))
	}
}
