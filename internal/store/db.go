package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the SQLite connection of the per-device local cache. The cache is
// never the source of truth; recovering it means clearing it.
type DB struct {
	*sql.DB
	path string
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, path: path}, nil
}

// OpenCache opens and migrates the cache at path. A corrupted or
// half-migrated file is deleted and recreated empty.
func OpenCache(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := openMigrated(path, logger)
	if err == nil {
		return db, nil
	}
	if !IsCorrupt(err) {
		return nil, err
	}

	logger.Warn("local cache corrupted, recreating", zap.String("path", path), zap.Error(err))
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove corrupt cache: %w", rmErr)
		}
	}
	return openMigrated(path, logger)
}

func openMigrated(path string, logger *zap.Logger) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	res, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if res.Changed() {
		logger.Info("cache migrations applied", zap.Uint("from", res.From), zap.Uint("to", res.To))
	}
	return db, nil
}

// IsCorrupt reports whether err indicates an unreadable cache file.
func IsCorrupt(err error) bool {
	if errors.Is(err, ErrDirtySchema) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB
	}
	// Migration drivers do not always preserve the driver error chain.
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "database disk image is malformed")
}

// Reset clears every cached row.
func (db *DB) Reset(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"messages", "conversations", "outbox"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Path returns the cache file path.
func (db *DB) Path() string {
	return db.path
}
