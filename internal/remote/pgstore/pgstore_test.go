package pgstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
)

func TestBuildSelect(t *testing.T) {
	q := remote.Query{Collection: "conversations", OrderBy: "lastMessageAt", Descending: true}.
		Where("participants", remote.ArrayContains, "u1").
		Where("kind", remote.Equal, "group")

	sql, args, err := buildSelect(q)
	if err != nil {
		t.Fatal(err)
	}
	want := `SELECT id, data FROM documents WHERE collection = $1` +
		` AND data #> string_to_array($2, '.') @> $3::jsonb` +
		` AND data #> string_to_array($4, '.') = $5::jsonb` +
		` ORDER BY data #> string_to_array($6, '.') DESC, id`
	if sql != want {
		t.Errorf("sql =\n%s\nwant\n%s", sql, want)
	}
	wantArgs := []any{"conversations", "participants", `["u1"]`, "kind", `"group"`, "lastMessageAt"}
	if len(args) != len(wantArgs) {
		t.Fatalf("args = %v, want %v", args, wantArgs)
	}
	for i := range args {
		if args[i] != wantArgs[i] {
			t.Errorf("args[%d] = %v, want %v", i, args[i], wantArgs[i])
		}
	}
}

func TestBuildSelectRejectsUnknownOp(t *testing.T) {
	q := remote.Query{Collection: "c", Filters: []remote.Filter{{Field: "a", Op: "like", Value: "x"}}}
	if _, _, err := buildSelect(q); err == nil {
		t.Error("expected error for unsupported op")
	}
}

func TestDocumentExprServerTimestamp(t *testing.T) {
	args := []any{"col", "id"}
	expr, err := documentExpr(map[string]any{"at": remote.ServerTimestamp}, &args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(expr, "jsonb_set($3::jsonb, ARRAY[$4::text]") {
		t.Errorf("expr = %s", expr)
	}
	if args[2] != "{}" || args[3] != "at" {
		t.Errorf("args = %v", args)
	}
}

func TestPatchExprNestedPath(t *testing.T) {
	args := []any{"col", "id"}
	expr, err := patchExpr(map[string]any{"deliveredTo.u1": 100}, &args)
	if err != nil {
		t.Fatal(err)
	}
	want := "jsonb_set(data, string_to_array($3, '.'), $4::jsonb, true)"
	if expr != want {
		t.Errorf("expr = %s, want %s", expr, want)
	}
	if _, err := patchExpr(nil, &args); err == nil {
		t.Error("expected error for empty update")
	}
}

func TestPatchExprRanked(t *testing.T) {
	args := []any{"col", "id"}
	expr, err := patchExpr(map[string]any{"status": remote.AtLeast("read", "sent", "delivered", "read")}, &args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(expr, "jsonb_set(data, string_to_array($3, '.'), CASE WHEN") {
		t.Errorf("expr = %s", expr)
	}
	if !strings.Contains(expr, "$4::text[]") || !strings.Contains(expr, "to_jsonb($5::text)") {
		t.Errorf("expr = %s", expr)
	}
	if len(args) != 5 || args[4] != "read" {
		t.Errorf("args = %v", args)
	}
}

// TestChangeFeed runs against a real database when CHATSYNC_TEST_PG_DSN is set.
func TestChangeFeed(t *testing.T) {
	dsn := os.Getenv("CHATSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CHATSYNC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	s := New(pool, nil)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	col := remote.MessagesCollection("pgtest-" + time.Now().Format("150405.000"))

	ch, cancel, err := s.Subscribe(ctx, remote.Query{Collection: col, OrderBy: "timestamp"})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	id, err := s.AddDocument(ctx, col, map[string]any{"text": "hi", "timestamp": remote.ServerTimestamp, "deliveredTo": map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateDocument(ctx, remote.Join(col, id), map[string]any{"deliveredTo.u2": 5}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.Err != nil {
				t.Fatal(snap.Err)
			}
			if len(snap.Documents) == 1 {
				d := snap.Documents[0].Fields["deliveredTo"].(map[string]any)
				if d["u2"] == float64(5) {
					if _, ok := snap.Documents[0].Fields["timestamp"].(float64); !ok {
						t.Errorf("timestamp not stamped: %v", snap.Documents[0].Fields)
					}
					return
				}
			}
		case <-deadline:
			t.Fatal("timeout waiting for change feed")
		}
	}
}

// TestRankedUpdate runs against a real database when CHATSYNC_TEST_PG_DSN is set.
func TestRankedUpdate(t *testing.T) {
	dsn := os.Getenv("CHATSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CHATSYNC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	s := New(pool, nil)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	col := remote.MessagesCollection("pgrank-" + time.Now().Format("150405.000"))
	id, err := s.AddDocument(ctx, col, map[string]any{"text": "hi", "status": "read"})
	if err != nil {
		t.Fatal(err)
	}
	order := []string{"sent", "delivered", "read"}
	if err := s.UpdateDocument(ctx, remote.Join(col, id), map[string]any{"status": remote.AtLeast("delivered", order...)}); err != nil {
		t.Fatal(err)
	}
	docs, err := s.query(ctx, remote.Query{Collection: col})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Fields["status"] != "read" {
		t.Errorf("docs = %v, want status read", docs)
	}
}
