// Package memstore is an in-process remote.Store with a live change feed.
// Documents round-trip through JSON so readers see the same value shapes a
// networked store would deliver.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Operation names passed to a Fault hook.
const (
	OpAdd    = "add"
	OpSet    = "set"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ErrUnreachable is returned by every operation while the store is marked
// unreachable.
var ErrUnreachable = errors.New("remote store unreachable")

// Fault is consulted before every write. A non-nil error aborts the write.
type Fault func(op, path string) error

// Store is a goroutine-safe in-memory document store.
type Store struct {
	mu          sync.Mutex
	clock       func() time.Time
	collections map[string]map[string]map[string]any
	subs        map[int]*subscription
	next        int
	fault       Fault
	unreachable bool
}

type subscription struct {
	query remote.Query
	ch    chan remote.Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to resolve remote.ServerTimestamp.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:       time.Now,
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault installs a write fault hook. Pass nil to clear it.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// SetReachable simulates losing and regaining the connection. Going
// unreachable fails every live subscription.
func (s *Store) SetReachable(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = !reachable
	if reachable {
		return
	}
	for _, sub := range s.subs {
		push(sub.ch, remote.Snapshot{Err: ErrUnreachable})
	}
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return ErrUnreachable
	}
	return nil
}

func (s *Store) checkFault(op, path string) error {
	if s.unreachable {
		return ErrUnreachable
	}
	if s.fault == nil {
		return nil
	}
	return s.fault(op, path)
}

// AddDocument stores fields under a new generated id.
func (s *Store) AddDocument(_ context.Context, collection string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	if err := s.checkFault(OpAdd, remote.Join(collection, id)); err != nil {
		return "", err
	}
	doc, err := s.normalize(fields)
	if err != nil {
		return "", err
	}
	s.collection(collection)[id] = doc
	s.notify(collection)
	return id, nil
}

// SetDocument creates or replaces the document at path.
func (s *Store) SetDocument(_ context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFault(OpSet, path); err != nil {
		return err
	}
	doc, err := s.normalize(fields)
	if err != nil {
		return err
	}
	collection, id := remote.Split(path)
	s.collection(collection)[id] = doc
	s.notify(collection)
	return nil
}

// UpdateDocument merges fields into an existing document. Dotted names set
// nested keys.
func (s *Store) UpdateDocument(_ context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFault(OpUpdate, path); err != nil {
		return err
	}
	collection, id := remote.Split(path)
	doc, ok := s.collection(collection)[id]
	if !ok {
		return fmt.Errorf("update %s: %w", path, remote.ErrNotFound)
	}
	raised := make(map[string]any, len(fields))
	for name, v := range fields {
		raised[name] = remote.Raise(v, lookup(doc, name))
	}
	patch, err := s.normalize(raised)
	if err != nil {
		return err
	}
	for name, v := range patch {
		setPath(doc, strings.Split(name, "."), v)
	}
	s.notify(collection)
	return nil
}

// DeleteDocument removes the document at path. Deleting a missing document is not an error.
func (s *Store) DeleteDocument(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFault(OpDelete, path); err != nil {
		return err
	}
	collection, id := remote.Split(path)
	delete(s.collection(collection), id)
	s.notify(collection)
	return nil
}

// Get returns a copy of the document at path.
func (s *Store) Get(path string) (remote.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection, id := remote.Split(path)
	doc, ok := s.collections[collection][id]
	if !ok {
		return remote.Document{}, false
	}
	return remote.Document{ID: id, Fields: deepCopy(doc)}, true
}

// Subscribe streams the result set of q. The current result set is
// delivered immediately; later snapshots coalesce so a slow reader only
// ever sees the latest state.
func (s *Store) Subscribe(ctx context.Context, q remote.Query) (<-chan remote.Snapshot, func(), error) {
	s.mu.Lock()
	if s.unreachable {
		s.mu.Unlock()
		return nil, nil, ErrUnreachable
	}
	id := s.next
	s.next++
	sub := &subscription{query: q, ch: make(chan remote.Snapshot, 1)}
	s.subs[id] = sub
	push(sub.ch, remote.Snapshot{Documents: s.evaluate(q)})
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(sub.ch)
			s.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return sub.ch, func() {
		stop()
		cancel()
	}, nil
}

// Documents returns copies of every document in collection, ordered by id.
func (s *Store) Documents(collection string) []remote.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluate(remote.Query{Collection: collection})
}

// Subscribers returns the number of live subscriptions on a collection.
func (s *Store) Subscribers(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.query.Collection == collection {
			n++
		}
	}
	return n
}

// BreakFeed delivers err to every subscription on collection.
func (s *Store) BreakFeed(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.query.Collection == collection {
			push(sub.ch, remote.Snapshot{Err: err})
		}
	}
}

func (s *Store) collection(name string) map[string]map[string]any {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]map[string]any)
		s.collections[name] = c
	}
	return c
}

// notify must be called with s.mu held.
func (s *Store) notify(collection string) {
	for _, sub := range s.subs {
		if sub.query.Collection == collection {
			push(sub.ch, remote.Snapshot{Documents: s.evaluate(sub.query)})
		}
	}
}

// push replaces any undelivered snapshot with snap. Callers hold s.mu, so
// there is exactly one sender per channel at a time.
func push(ch chan remote.Snapshot, snap remote.Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- snap
}

func (s *Store) evaluate(q remote.Query) []remote.Document {
	var docs []remote.Document
	for id, fields := range s.collections[q.Collection] {
		if matches(fields, q.Filters) {
			docs = append(docs, remote.Document{ID: id, Fields: deepCopy(fields)})
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			a, b := lookup(docs[i].Fields, q.OrderBy), lookup(docs[j].Fields, q.OrderBy)
			if c := compare(a, b); c != 0 {
				if q.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return docs[i].ID < docs[j].ID
	})
	return docs
}

func matches(fields map[string]any, filters []remote.Filter) bool {
	for _, f := range filters {
		want := normalizeValue(f.Value)
		got := lookup(fields, f.Field)
		switch f.Op {
		case remote.Equal:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		case remote.ArrayContains:
			arr, ok := got.([]any)
			if !ok {
				return false
			}
			found := false
			for _, v := range arr {
				if reflect.DeepEqual(v, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func compare(a, b any) int {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 1
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv, ok := b.(string)
		if !ok {
			return 1
		}
		return strings.Compare(av, bv)
	}
	if b == nil {
		return 0
	}
	return -1
}

func lookup(fields map[string]any, name string) any {
	var cur any = fields
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func setPath(m map[string]any, parts []string, v any) {
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

// normalize resolves server timestamps and ranked values, and round-trips fields through JSON.
func (s *Store) normalize(fields map[string]any) (map[string]any, error) {
	now := s.clock().UnixMilli()
	resolved := make(map[string]any, len(fields))
	for k, v := range fields {
		if remote.IsServerTimestamp(v) {
			v = now
		}
		resolved[k] = remote.Raise(v, nil)
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		arr := make([]any, len(t))
		for i, e := range t {
			arr[i] = copyValue(e)
		}
		return arr
	}
	return v
}
