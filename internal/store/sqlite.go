// ABOUTME: SQLite-backed session snapshot store using modernc.org/sqlite.
// ABOUTME: Provides put/get/expire for session state with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/ember-relay/internal/session"
)

// SQLiteStore implements session.SnapshotStore backed by SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path, creating the schema and
// any parent directories as needed. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode improves concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			email            TEXT NOT NULL,
			page             TEXT NOT NULL DEFAULT '',
			thread_id        TEXT NOT NULL,
			created_at       DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL,
			message_count    INTEGER NOT NULL DEFAULT 0,
			history_json     TEXT NOT NULL DEFAULT '[]'
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
			ON sessions(last_activity_at);

		CREATE INDEX IF NOT EXISTS idx_sessions_thread_id
			ON sessions(thread_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// PutSession upserts a session snapshot.
func (s *SQLiteStore) PutSession(ctx context.Context, snap *session.Snapshot) error {
	historyJSON, err := json.Marshal(snap.History)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, email, page, thread_id, created_at, last_activity_at, message_count, history_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity_at = excluded.last_activity_at,
			message_count    = excluded.message_count,
			history_json     = excluded.history_json`,
		snap.ID, snap.Name, snap.Email, snap.Page, snap.ThreadID,
		snap.CreatedAt.UTC(), snap.LastActivityAt.UTC(), snap.MessageCount, string(historyJSON),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession loads a session snapshot by id. Returns ErrNotFound if no
// snapshot exists.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*session.Snapshot, error) {
	var snap session.Snapshot
	var historyJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, page, thread_id, created_at, last_activity_at, message_count, history_json
		FROM sessions WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.Name, &snap.Email, &snap.Page, &snap.ThreadID,
		&snap.CreatedAt, &snap.LastActivityAt, &snap.MessageCount, &historyJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if err := json.Unmarshal([]byte(historyJSON), &snap.History); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	return &snap, nil
}

// DeleteExpiredSessions removes snapshots whose last activity predates the
// cutoff. Returns the number of rows deleted.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted sessions: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
