// ABOUTME: Identity table operations for the SQLite store
// ABOUTME: Create enforces fingerprint uniqueness, Touch updates last-used

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateIdentity inserts a new identity. Generates ID and CreatedAt if unset.
// Returns ErrDuplicateFingerprint when the fingerprint is already stored.
func (s *SQLiteStore) CreateIdentity(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = uuid.New().String()
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO identities (id, name, public_key, encrypted_private_key, fingerprint, algorithm, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		id.ID,
		id.Name,
		id.PublicKey,
		id.EncryptedPrivateKey,
		id.Fingerprint,
		id.Algorithm,
		id.CreatedAt.UTC().Format(time.RFC3339),
		formatNullableTime(id.LastUsedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateFingerprint
		}
		return fmt.Errorf("inserting identity: %w", err)
	}

	s.logger.Debug("identity created", "id", id.ID, "fingerprint", id.Fingerprint, "algorithm", id.Algorithm)
	return nil
}

const identityColumns = "id, name, public_key, encrypted_private_key, fingerprint, algorithm, created_at, last_used_at"

// GetIdentity returns the identity with the given id, or ErrNotFound.
func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+identityColumns+" FROM identities WHERE id = ?", id)
	return scanIdentity(row)
}

// GetIdentityByFingerprint returns the identity with the given fingerprint,
// or ErrNotFound.
func (s *SQLiteStore) GetIdentityByFingerprint(ctx context.Context, fingerprint string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+identityColumns+" FROM identities WHERE fingerprint = ?", fingerprint)
	return scanIdentity(row)
}

// ListIdentities returns all identities ordered by creation time.
func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+identityColumns+" FROM identities ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// DeleteIdentity removes an identity. Returns ErrNotFound when absent.
func (s *SQLiteStore) DeleteIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM identities WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("identity deleted", "id", id)
	return nil
}

// TouchIdentity updates the last-used timestamp.
func (s *SQLiteStore) TouchIdentity(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE identities SET last_used_at = ? WHERE id = ?",
		usedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("touching identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking touch result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface{ Scan(dest ...any) error }

// scanIdentity scans one identity row.
func scanIdentity(scanner rowScanner) (*Identity, error) {
	var ident Identity
	var createdAt string
	var lastUsedAt *string

	err := scanner.Scan(
		&ident.ID,
		&ident.Name,
		&ident.PublicKey,
		&ident.EncryptedPrivateKey,
		&ident.Fingerprint,
		&ident.Algorithm,
		&createdAt,
		&lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning identity: %w", err)
	}

	if ident.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if ident.LastUsedAt, err = parseNullableTime(lastUsedAt); err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
	}
	return &ident, nil
}

// formatNullableTime renders an optional time as RFC3339 or nil.
func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// parseNullableTime parses an optional RFC3339 column.
func parseNullableTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
