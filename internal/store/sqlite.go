// Package store persists adapter state (poll cursors, seen message IDs)
// in SQLite so restarts resume where the previous process stopped.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// seenRetention bounds how long delivered message IDs are remembered.
const seenRetention = 7 * 24 * time.Hour

// SQLiteStore implements domain.StateStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	store.sweepSeen()

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cursors (
		key         TEXT PRIMARY KEY,
		value       INTEGER NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS seen_messages (
		message_id  TEXT PRIMARY KEY,
		seen_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_seen_time ON seen_messages(seen_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// LoadCursor returns the stored cursor for key, or 0 when none exists.
func (s *SQLiteStore) LoadCursor(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cursors WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	return err
}

// MarkSeen records a delivered message ID and reports whether it was new.
func (s *SQLiteStore) MarkSeen(ctx context.Context, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_messages (message_id, seen_at) VALUES (?, ?)`,
		messageID, time.Now(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) sweepSeen() {
	cutoff := time.Now().Add(-seenRetention)
	res, err := s.db.Exec(`DELETE FROM seen_messages WHERE seen_at < ?`, cutoff)
	if err != nil {
		s.logger.Warn("seen message sweep failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("swept seen messages", "removed", n)
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
