// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: WAL mode, foreign keys, automatic schema creation on open

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL lets audit reads proceed while a writer is active.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized", "path", path)
	return s, nil
}

// createSchema creates tables if they do not exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			public_key TEXT NOT NULL,
			encrypted_private_key BLOB NOT NULL,
			fingerprint TEXT NOT NULL UNIQUE,
			algorithm TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used_at TEXT
		);

		CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			type TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT,
			revoked INTEGER NOT NULL DEFAULT 0,
			revoke_reason TEXT,
			revoked_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_project ON tokens(project_id);

		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			event_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			success INTEGER NOT NULL,
			metadata_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events(subject);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
