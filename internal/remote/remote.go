// Package remote defines the contract for the real-time document store that
// is the source of truth for message content and receipts.
package remote

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a document path does not exist.
var ErrNotFound = errors.New("document not found")

// serverTimestamp is the type of the ServerTimestamp sentinel.
type serverTimestamp struct{}

// ServerTimestamp may be used as a field value in writes. The store replaces
// it with its own clock, in unix milliseconds.
var ServerTimestamp = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// atLeast is the type of values built by AtLeast.
type atLeast struct {
	value string
	order []string
}

// AtLeast may be used as a field value in UpdateDocument. The store writes
// value only when the field's current value ranks below it in order; a
// missing or unranked current value is replaced. The comparison happens in
// the store, so a concurrent writer's further stage is never lowered.
// In AddDocument and SetDocument it stands for value.
func AtLeast(value string, order ...string) any {
	return atLeast{value: value, order: order}
}

// Ranked returns the parts of an AtLeast value.
func Ranked(v any) (value string, order []string, ok bool) {
	a, ok := v.(atLeast)
	return a.value, a.order, ok
}

// Raise returns what a write of v leaves in a field holding current. Values
// that are not AtLeast are returned unchanged.
func Raise(v, current any) any {
	a, ok := v.(atLeast)
	if !ok {
		return v
	}
	if cur, ok := current.(string); ok && rank(a.order, cur) >= rank(a.order, a.value) {
		return cur
	}
	return a.value
}

func rank(order []string, v string) int {
	for i, o := range order {
		if o == v {
			return i + 1
		}
	}
	return 0
}

// Document is one record of a collection. Fields holds JSON-compatible
// values: string, bool, float64/int64, []any, map[string]any.
type Document struct {
	ID     string
	Fields map[string]any
}

// Op is a filter operator.
type Op string

const (
	Equal         Op = "=="
	ArrayContains Op = "array-contains"
)

// Filter restricts a query to documents whose Field matches Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of a single collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
}

// Where returns a copy of q with an additional filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Snapshot is the full result set of a query at a point in time. A snapshot
// with a non-nil Err reports a listener failure; the stream may continue.
type Snapshot struct {
	Documents []Document
	Err       error
}

// Store is the remote document store.
//
// UpdateDocument treats dotted field names ("deliveredTo.u1") as nested
// paths, so concurrent writers touching different keys of the same map do
// not overwrite each other.
type Store interface {
	AddDocument(ctx context.Context, collection string, fields map[string]any) (string, error)
	SetDocument(ctx context.Context, path string, fields map[string]any) error
	UpdateDocument(ctx context.Context, path string, fields map[string]any) error
	DeleteDocument(ctx context.Context, path string) error
	Subscribe(ctx context.Context, q Query) (<-chan Snapshot, func(), error)
}

// Join builds a slash separated path.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Split separates a document path into its collection and document id.
func Split(path string) (collection, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ConversationsCollection holds conversation summaries.
const ConversationsCollection = "conversations"

// MessagesCollection returns the messages collection of a conversation.
func MessagesCollection(conversationID string) string {
	return Join(ConversationsCollection, conversationID, "messages")
}

// TypingCollection returns the typing collection of a conversation.
func TypingCollection(conversationID string) string {
	return Join(ConversationsCollection, conversationID, "typing")
}

// ConversationPath returns the document path of a conversation summary.
func ConversationPath(conversationID string) string {
	return Join(ConversationsCollection, conversationID)
}
