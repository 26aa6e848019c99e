package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer keeps timestamp updates from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS timestamps (
		key TEXT PRIMARY KEY,
		value_ms INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetTimestamp returns the stored time for key.
func (s *SQLiteStore) GetTimestamp(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT value_ms FROM timestamps WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get timestamp %s: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

// SetTimestamp stores t under key.
func (s *SQLiteStore) SetTimestamp(ctx context.Context, key string, t time.Time) error {
	query := `
	INSERT INTO timestamps (key, value_ms, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value_ms = excluded.value_ms,
		updated_at = excluded.updated_at`

	return withBusyRetry(ctx, "set timestamp "+key, func() error {
		_, err := s.db.ExecContext(ctx, query, key, t.UnixMilli(), time.Now().Unix())
		return err
	})
}

// DeleteTimestamp removes key.
func (s *SQLiteStore) DeleteTimestamp(ctx context.Context, key string) error {
	return withBusyRetry(ctx, "delete timestamp "+key, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM timestamps WHERE key = ?`, key)
		return err
	})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withBusyRetry retries op with exponential backoff while SQLite reports lock
// contention.
func withBusyRetry(ctx context.Context, what string, op func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
