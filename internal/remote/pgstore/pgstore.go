// Package pgstore implements remote.Store on PostgreSQL. Documents live in a
// single JSONB table; a row trigger publishes the collection name on a
// notification channel, which drives the change feed.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

const channel = "chatsync_documents"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`,
	`CREATE OR REPLACE FUNCTION chatsync_notify() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + channel + `', COALESCE(NEW.collection, OLD.collection));
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS documents_notify ON documents`,
	`CREATE TRIGGER documents_notify AFTER INSERT OR UPDATE OR DELETE ON documents
		FOR EACH ROW EXECUTE FUNCTION chatsync_notify()`,
}

// nowMillis is the server clock in unix milliseconds.
const nowMillis = `to_jsonb((extract(epoch from clock_timestamp()) * 1000)::bigint)`

// Store is a PostgreSQL backed remote.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect opens a pool for dsn and verifies the connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// EnsureSchema creates the documents table and notification trigger.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// AddDocument inserts fields under a new generated id.
func (s *Store) AddDocument(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.write(ctx, collection, id, fields, false); err != nil {
		return "", err
	}
	return id, nil
}

// SetDocument creates or replaces the document at path.
func (s *Store) SetDocument(ctx context.Context, path string, fields map[string]any) error {
	collection, id := remote.Split(path)
	return s.write(ctx, collection, id, fields, true)
}

func (s *Store) write(ctx context.Context, collection, id string, fields map[string]any, upsert bool) error {
	args := []any{collection, id}
	expr, err := documentExpr(fields, &args)
	if err != nil {
		return err
	}
	sql := `INSERT INTO documents (collection, id, data) VALUES ($1, $2, ` + expr + `)`
	if upsert {
		sql += ` ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = now()`
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	return nil
}

// UpdateDocument merges fields into the document at path; dotted names set nested keys.
func (s *Store) UpdateDocument(ctx context.Context, path string, fields map[string]any) error {
	collection, id := remote.Split(path)
	args := []any{collection, id}
	expr, err := patchExpr(fields, &args)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET data = `+expr+`, updated_at = now() WHERE collection = $1 AND id = $2`, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", path, remote.ErrNotFound)
	}
	return nil
}

// DeleteDocument removes the document at path.
func (s *Store) DeleteDocument(ctx context.Context, path string) error {
	collection, id := remote.Split(path)
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Subscribe streams the result set of q, re-querying whenever the trigger
// reports a change to q.Collection. Cancel blocks until the dedicated
// listening connection is released.
func (s *Store) Subscribe(ctx context.Context, q remote.Query) (<-chan remote.Snapshot, func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("listen: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan remote.Snapshot, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(ch)
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			conn.Release()
		}()

		emit := func() {
			docs, err := s.query(subCtx, q)
			if subCtx.Err() != nil {
				return
			}
			push(ch, remote.Snapshot{Documents: docs, Err: err})
		}
		emit()
		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					s.logger.Error("change feed lost", zap.String("collection", q.Collection), zap.Error(err))
					push(ch, remote.Snapshot{Err: fmt.Errorf("wait for notification: %w", err)})
				}
				return
			}
			if n.Payload == q.Collection {
				emit()
			}
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *Store) query(ctx context.Context, q remote.Query) ([]remote.Document, error) {
	sql, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []remote.Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", q.Collection, id, err)
		}
		docs = append(docs, remote.Document{ID: id, Fields: fields})
	}
	return docs, rows.Err()
}

// push replaces any undelivered snapshot. The listener goroutine is the only sender.
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

// buildSelect renders q as SQL. Field names are always bound as parameters.
func buildSelect(q remote.Query) (string, []any, error) {
	var b strings.Builder
	args := []any{q.Collection}
	b.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)

	for _, f := range q.Filters {
		var value any
		var op string
		switch f.Op {
		case remote.Equal:
			value, op = f.Value, "="
		case remote.ArrayContains:
			value, op = []any{f.Value}, "@>"
		default:
			return "", nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return "", nil, fmt.Errorf("encode filter %s: %w", f.Field, err)
		}
		args = append(args, f.Field, string(raw))
		fmt.Fprintf(&b, ` AND data #> string_to_array($%d, '.') %s $%d::jsonb`, len(args)-1, op, len(args))
	}

	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		fmt.Fprintf(&b, ` ORDER BY data #> string_to_array($%d, '.')`, len(args))
		if q.Descending {
			b.WriteString(" DESC")
		}
		b.WriteString(", id")
	} else {
		b.WriteString(" ORDER BY id")
	}
	return b.String(), args, nil
}

// documentExpr renders fields as a JSONB expression, substituting the server
// clock for remote.ServerTimestamp values.
func documentExpr(fields map[string]any, args *[]any) (string, error) {
	plain := make(map[string]any, len(fields))
	var stamped []string
	for k, v := range fields {
		if remote.IsServerTimestamp(v) {
			stamped = append(stamped, k)
			continue
		}
		plain[k] = remote.Raise(v, nil)
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	*args = append(*args, string(raw))
	expr := fmt.Sprintf("$%d::jsonb", len(*args))
	for _, k := range stamped {
		*args = append(*args, k)
		expr = fmt.Sprintf("jsonb_set(%s, ARRAY[$%d::text], %s, true)", expr, len(*args), nowMillis)
	}
	return expr, nil
}

// rankedExpr keeps the current value of a path when it ranks at or above
// the new one. Placeholders: path, order, value.
const rankedExpr = `CASE WHEN COALESCE(array_position($%[2]d::text[], data #>> string_to_array($%[1]d, '.')), 0)
	>= array_position($%[2]d::text[], $%[3]d::text)
	THEN data #> string_to_array($%[1]d, '.') ELSE to_jsonb($%[3]d::text) END`

// patchExpr renders a nested jsonb_set chain over the existing data column.
func patchExpr(fields map[string]any, args *[]any) (string, error) {
	if len(fields) == 0 {
		return "", errors.New("empty update")
	}
	expr := "data"
	for k, v := range fields {
		*args = append(*args, k)
		pathArg := len(*args)
		var value string
		if ranked, order, ok := remote.Ranked(v); ok {
			*args = append(*args, order, ranked)
			value = fmt.Sprintf(rankedExpr, pathArg, len(*args)-1, len(*args))
		} else if remote.IsServerTimestamp(v) {
			value = nowMillis
		} else {
			raw, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("encode field %s: %w", k, err)
			}
			*args = append(*args, string(raw))
			value = fmt.Sprintf("$%d::jsonb", len(*args))
		}
		expr = fmt.Sprintf("jsonb_set(%s, string_to_array($%d, '.'), %s, true)", expr, pathArg, value)
	}
	return expr, nil
}
