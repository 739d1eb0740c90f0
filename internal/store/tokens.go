// ABOUTME: Token table operations for the SQLite store
// ABOUTME: Usage tracking and revocation are the only mutations after insert

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateToken inserts a new token row. Generates ID and CreatedAt if unset.
func (s *SQLiteStore) CreateToken(ctx context.Context, tok *Token) error {
	if tok.ID == "" {
		tok.ID = uuid.New().String()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tokens (id, project_id, type, ciphertext, created_at, expires_at, usage_count, last_used_at, revoked, revoke_reason, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		tok.ID,
		tok.ProjectID,
		string(tok.Type),
		tok.Ciphertext,
		tok.CreatedAt.UTC().Format(time.RFC3339),
		formatNullableTime(tok.ExpiresAt),
		tok.UsageCount,
		formatNullableTime(tok.LastUsedAt),
		tok.Revoked,
		string(tok.RevokeReason),
		formatNullableTime(tok.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}

	s.logger.Debug("token stored", "id", tok.ID, "project_id", tok.ProjectID, "type", tok.Type)
	return nil
}

const tokenColumns = "id, project_id, type, ciphertext, created_at, expires_at, usage_count, last_used_at, revoked, revoke_reason, revoked_at"

// GetToken returns the token with the given id, or ErrNotFound.
func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tokenColumns+" FROM tokens WHERE id = ?", id)
	return scanToken(row)
}

// ListTokens returns all tokens for a project, newest first.
func (s *SQLiteStore) ListTokens(ctx context.Context, projectID string) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tokenColumns+" FROM tokens WHERE project_id = ? ORDER BY created_at DESC", projectID)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// RecordTokenUse increments the usage count and updates last-used in one
// statement so concurrent retrievals cannot lose an increment.
func (s *SQLiteStore) RecordTokenUse(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?",
		usedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("recording token use: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeToken marks a token revoked. Revoking an already revoked token is a
// no-op that preserves the original reason.
func (s *SQLiteStore) RevokeToken(ctx context.Context, id string, reason RevokeReason, revokedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET revoked = 1, revoke_reason = ?, revoked_at = ? WHERE id = ? AND revoked = 0",
		string(reason), revokedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking revoke result: %w", err)
	}
	if n == 0 {
		// Distinguish absent from already-revoked.
		if _, getErr := s.GetToken(ctx, id); getErr != nil {
			return getErr
		}
		return nil
	}
	s.logger.Debug("token revoked", "id", id, "reason", reason)
	return nil
}

// DeleteRevokedTokensBefore removes revoked tokens whose revocation is older
// than cutoff. Bounds storage growth; live tokens are never deleted.
func (s *SQLiteStore) DeleteRevokedTokensBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tokens WHERE revoked = 1 AND revoked_at < ?",
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sweeping revoked tokens: %w", err)
	}
	return res.RowsAffected()
}

// scanToken scans one token row.
func scanToken(scanner rowScanner) (*Token, error) {
	var tok Token
	var typ, createdAt string
	var reason *string
	var expiresAt, lastUsedAt, revokedAt *string

	err := scanner.Scan(
		&tok.ID,
		&tok.ProjectID,
		&typ,
		&tok.Ciphertext,
		&createdAt,
		&expiresAt,
		&tok.UsageCount,
		&lastUsedAt,
		&tok.Revoked,
		&reason,
		&revokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token: %w", err)
	}

	tok.Type = TokenType(typ)
	if reason != nil {
		tok.RevokeReason = RevokeReason(*reason)
	}
	if tok.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if tok.ExpiresAt, err = parseNullableTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if tok.LastUsedAt, err = parseNullableTime(lastUsedAt); err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
	}
	if tok.RevokedAt, err = parseNullableTime(revokedAt); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	return &tok, nil
}
