// ABOUTME: TokenVault implementation over the SQLite store and signing capability
// ABOUTME: Retrieve is the only path that counts usage; revoked reads as absent

package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketagent/pocketagent/internal/signer"
	"github.com/pocketagent/pocketagent/internal/store"
)

// Vault errors.
var (
	ErrNotFound      = errors.New("token not found")
	ErrExpired       = errors.New("token expired")
	ErrDecryptFailed = errors.New("token decryption failed")
)

// Auditor is the audit surface the vault needs.
type Auditor interface {
	Append(ctx context.Context, typ store.EventType, subject string, success bool, metadata map[string]any) error
}

// Vault manages encrypted token storage.
type Vault struct {
	db         store.Store
	capability signer.Capability
	audit      Auditor
	logger     *slog.Logger
}

// New creates a vault.
func New(db store.Store, capability signer.Capability, auditor Auditor) *Vault {
	return &Vault{
		db:         db,
		capability: capability,
		audit:      auditor,
		logger:     slog.Default().With("component", "vault"),
	}
}

// Store seals a token value and persists it, returning the token id.
// expiresAt may be nil for tokens without an expiry.
func (v *Vault) Store(ctx context.Context, projectID string, value []byte, typ store.TokenType, expiresAt *time.Time) (string, error) {
	unlock, err := v.capability.Unlock(ctx, signer.StorageKeyRef, signer.UnlockOptions{})
	if err != nil {
		return "", fmt.Errorf("unlocking storage key: %w", err)
	}
	ciphertext, err := v.capability.Encrypt(ctx, unlock, value)
	if err != nil {
		return "", fmt.Errorf("sealing token: %w", err)
	}

	tok := &store.Token{
		ProjectID:  projectID,
		Type:       typ,
		Ciphertext: ciphertext,
		ExpiresAt:  expiresAt,
	}
	if err := v.db.CreateToken(ctx, tok); err != nil {
		return "", fmt.Errorf("persisting token: %w", err)
	}

	if err := v.audit.Append(ctx, store.EventTokenStored, tok.ID, true, map[string]any{
		"project_id": projectID,
		"type":       string(typ),
	}); err != nil {
		return "", err
	}
	return tok.ID, nil
}

// Retrieve unseals a token value. This is the only path that increments the
// usage count and updates the last-used time. A token past its expiry is
// revoked (reason expired) on this first access and ErrExpired returned.
// Revoked tokens read as ErrNotFound.
func (v *Vault) Retrieve(ctx context.Context, tokenID string, unlock *signer.UnlockToken) ([]byte, error) {
	tok, err := v.db.GetToken(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	if tok.Revoked {
		return nil, ErrNotFound
	}

	if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
		if err := v.db.RevokeToken(ctx, tokenID, store.RevokeReasonExpired, time.Now()); err != nil {
			return nil, fmt.Errorf("revoking expired token: %w", err)
		}
		if err := v.audit.Append(ctx, store.EventTokenRevoked, tokenID, true, map[string]any{
			"reason": string(store.RevokeReasonExpired),
		}); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	value, err := v.capability.Decrypt(ctx, unlock, tok.Ciphertext)
	if err != nil {
		_ = v.audit.Append(ctx, store.EventTokenRetrieved, tokenID, false, map[string]any{"error": "decrypt failed"})
		return nil, ErrDecryptFailed
	}

	if err := v.db.RecordTokenUse(ctx, tokenID, time.Now()); err != nil {
		return nil, fmt.Errorf("recording token use: %w", err)
	}
	if err := v.audit.Append(ctx, store.EventTokenRetrieved, tokenID, true, nil); err != nil {
		return nil, err
	}
	return value, nil
}

// Revoke marks a token revoked with the given reason.
func (v *Vault) Revoke(ctx context.Context, tokenID string, reason store.RevokeReason) error {
	if err := v.db.RevokeToken(ctx, tokenID, reason, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("revoking token: %w", err)
	}
	return v.audit.Append(ctx, store.EventTokenRevoked, tokenID, true, map[string]any{"reason": string(reason)})
}

// Rotate revokes the old token (reason rotated) and stores newValue under a
// fresh id, preserving project, type, and expiry.
func (v *Vault) Rotate(ctx context.Context, tokenID string, newValue []byte) (string, error) {
	old, err := v.db.GetToken(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading token: %w", err)
	}
	if old.Revoked {
		return "", ErrNotFound
	}

	if err := v.db.RevokeToken(ctx, tokenID, store.RevokeReasonRotated, time.Now()); err != nil {
		return "", fmt.Errorf("revoking rotated token: %w", err)
	}

	newID, err := v.Store(ctx, old.ProjectID, newValue, old.Type, old.ExpiresAt)
	if err != nil {
		return "", err
	}

	if err := v.audit.Append(ctx, store.EventTokenRotated, tokenID, true, map[string]any{
		"replacement": newID,
	}); err != nil {
		return "", err
	}
	return newID, nil
}

// List returns a project's tokens, newest first. Values stay sealed; only
// Retrieve decrypts.
func (v *Vault) List(ctx context.Context, projectID string) ([]*store.Token, error) {
	return v.db.ListTokens(ctx, projectID)
}

// Sweep removes revoked token rows older than keepRevoked, bounding storage
// growth. Live tokens are untouched.
func (v *Vault) Sweep(ctx context.Context, keepRevoked time.Duration) (int64, error) {
	n, err := v.db.DeleteRevokedTokensBefore(ctx, time.Now().Add(-keepRevoked))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		v.logger.Debug("vault sweep", "removed", n)
	}
	return n, nil
}
