package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
)

func next(t *testing.T, ch <-chan remote.Snapshot) remote.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("snapshot channel closed")
		}
		return snap
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot")
	}
	return remote.Snapshot{}
}

func TestSubscribeDeliversOrderedSnapshots(t *testing.T) {
	s := New()
	ctx := context.Background()
	col := remote.MessagesCollection("c1")

	ch, cancel, err := s.Subscribe(ctx, remote.Query{Collection: col, OrderBy: "timestamp"})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if snap := next(t, ch); len(snap.Documents) != 0 {
		t.Fatalf("initial snapshot has %d docs, want 0", len(snap.Documents))
	}

	if _, err := s.AddDocument(ctx, col, map[string]any{"text": "late", "timestamp": 2000}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddDocument(ctx, col, map[string]any{"text": "early", "timestamp": 1000}); err != nil {
		t.Fatal(err)
	}

	// Snapshots coalesce; the latest one holds both documents.
	var snap remote.Snapshot
	for len(snap.Documents) < 2 {
		snap = next(t, ch)
	}
	if snap.Documents[0].Fields["text"] != "early" || snap.Documents[1].Fields["text"] != "late" {
		t.Errorf("order = %v, %v; want early, late", snap.Documents[0].Fields["text"], snap.Documents[1].Fields["text"])
	}
}

func TestFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.SetDocument(ctx, "conversations/a", map[string]any{"participants": []string{"u1", "u2"}, "kind": "dm"})
	_ = s.SetDocument(ctx, "conversations/b", map[string]any{"participants": []string{"u2", "u3"}, "kind": "group"})

	q := remote.Query{Collection: remote.ConversationsCollection}.Where("participants", remote.ArrayContains, "u1")
	ch, cancel, _ := s.Subscribe(ctx, q)
	defer cancel()
	snap := next(t, ch)
	if len(snap.Documents) != 1 || snap.Documents[0].ID != "a" {
		t.Errorf("array-contains got %v, want [a]", snap.Documents)
	}

	q = remote.Query{Collection: remote.ConversationsCollection}.Where("kind", remote.Equal, "group")
	ch2, cancel2, _ := s.Subscribe(ctx, q)
	defer cancel2()
	snap = next(t, ch2)
	if len(snap.Documents) != 1 || snap.Documents[0].ID != "b" {
		t.Errorf("equality got %v, want [b]", snap.Documents)
	}
}

// TestUpdateNestedKeysDoNotClobber verifies two writers updating different
// keys of the same map both survive.
func TestUpdateNestedKeysDoNotClobber(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.SetDocument(ctx, "col/m1", map[string]any{"deliveredTo": map[string]any{}})

	if err := s.UpdateDocument(ctx, "col/m1", map[string]any{"deliveredTo.u1": 100}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateDocument(ctx, "col/m1", map[string]any{"deliveredTo.u2": 200}); err != nil {
		t.Fatal(err)
	}

	doc, ok := s.Get("col/m1")
	if !ok {
		t.Fatal("document missing")
	}
	m := doc.Fields["deliveredTo"].(map[string]any)
	if m["u1"] != float64(100) || m["u2"] != float64(200) {
		t.Errorf("deliveredTo = %v, want both keys", m)
	}
}

func TestRankedUpdateNeverLowers(t *testing.T) {
	s := New()
	ctx := context.Background()
	order := []string{"sent", "delivered", "read"}
	_ = s.SetDocument(ctx, "col/m1", map[string]any{"status": remote.AtLeast("sent", order...)})

	steps := []struct{ write, want string }{
		{"delivered", "delivered"},
		{"read", "read"},
		{"delivered", "read"},
	}
	for _, st := range steps {
		if err := s.UpdateDocument(ctx, "col/m1", map[string]any{"status": remote.AtLeast(st.write, order...)}); err != nil {
			t.Fatal(err)
		}
		doc, _ := s.Get("col/m1")
		if doc.Fields["status"] != st.want {
			t.Errorf("after %s status = %v, want %s", st.write, doc.Fields["status"], st.want)
		}
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	s := New()
	err := s.UpdateDocument(context.Background(), "col/missing", map[string]any{"a": 1})
	if !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestServerTimestamp(t *testing.T) {
	fixed := time.UnixMilli(424242)
	s := New(WithClock(func() time.Time { return fixed }))
	_ = s.SetDocument(context.Background(), "col/x", map[string]any{"at": remote.ServerTimestamp})
	doc, _ := s.Get("col/x")
	if doc.Fields["at"] != float64(424242) {
		t.Errorf("at = %v, want 424242", doc.Fields["at"])
	}
}

func TestCancelReleasesSubscription(t *testing.T) {
	s := New()
	ch, cancel, _ := s.Subscribe(context.Background(), remote.Query{Collection: "col"})
	if s.Subscribers("col") != 1 {
		t.Fatalf("subscribers = %d, want 1", s.Subscribers("col"))
	}
	cancel()
	cancel() // idempotent
	if s.Subscribers("col") != 0 {
		t.Errorf("subscribers = %d after cancel, want 0", s.Subscribers("col"))
	}
	// Drain the initial snapshot, then the channel must be closed.
	for range ch {
	}
}

func TestContextCancelReleasesSubscription(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	_, unsub, _ := s.Subscribe(ctx, remote.Query{Collection: "col"})
	defer unsub()
	cancel()

	deadline := time.Now().Add(time.Second)
	for s.Subscribers("col") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFaultAbortsWrite(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.SetFault(func(op, _ string) error {
		if op == OpAdd {
			return boom
		}
		return nil
	})
	if _, err := s.AddDocument(context.Background(), "col", map[string]any{}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	s.SetFault(nil)
	if _, err := s.AddDocument(context.Background(), "col", map[string]any{}); err != nil {
		t.Errorf("err = %v after clearing fault", err)
	}
}

func TestBreakFeed(t *testing.T) {
	s := New()
	ch, cancel, _ := s.Subscribe(context.Background(), remote.Query{Collection: "col"})
	defer cancel()
	_ = next(t, ch)

	s.BreakFeed("col", errors.New("permission denied"))
	if snap := next(t, ch); snap.Err == nil {
		t.Error("expected snapshot error")
	}
}

func TestUnreachable(t *testing.T) {
	s := New()
	ctx := context.Background()
	ch, cancel, err := s.Subscribe(ctx, remote.Query{Collection: "col"})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	next(t, ch)

	s.SetReachable(false)
	if snap := next(t, ch); !errors.Is(snap.Err, ErrUnreachable) {
		t.Errorf("snapshot err = %v, want ErrUnreachable", snap.Err)
	}
	if err := s.Ping(ctx); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Ping() = %v, want ErrUnreachable", err)
	}
	if _, err := s.AddDocument(ctx, "col", map[string]any{"a": 1}); !errors.Is(err, ErrUnreachable) {
		t.Errorf("AddDocument() = %v, want ErrUnreachable", err)
	}
	if _, _, err := s.Subscribe(ctx, remote.Query{Collection: "col"}); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Subscribe() = %v, want ErrUnreachable", err)
	}

	s.SetReachable(true)
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() after reconnect = %v", err)
	}
	if _, err := s.AddDocument(ctx, "col", map[string]any{"a": 1}); err != nil {
		t.Errorf("AddDocument() after reconnect = %v", err)
	}
}
