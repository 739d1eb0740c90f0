// ABOUTME: Record types, sentinel errors, and the Store interface
// ABOUTME: Defines Identity, Token, and AuditEvent rows and their contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateFingerprint is returned when an identity with the same
// fingerprint already exists.
var ErrDuplicateFingerprint = errors.New("fingerprint already exists")

// Identity is a stored SSH identity. EncryptedPrivateKey is the sealed blob
// produced by the signing capability; this package never decrypts it.
type Identity struct {
	ID                  string
	Name                string
	PublicKey           string // authorized_keys format
	EncryptedPrivateKey []byte
	Fingerprint         string // lowercase hex SHA-256 of the public key
	Algorithm           string // ssh key type, e.g. "ssh-ed25519"
	CreatedAt           time.Time
	LastUsedAt          *time.Time
}

// TokenType classifies a vaulted token.
type TokenType string

const (
	TokenTypeSession   TokenType = "session"
	TokenTypeAPIKey    TokenType = "api_key"
	TokenTypeRefresh   TokenType = "refresh"
	TokenTypeTemporary TokenType = "temporary"
)

// RevokeReason explains why a token was revoked.
type RevokeReason string

const (
	RevokeReasonManual           RevokeReason = "manual"
	RevokeReasonExpired          RevokeReason = "expired"
	RevokeReasonRotated          RevokeReason = "rotated"
	RevokeReasonSecurityIncident RevokeReason = "security_incident"
)

// Token is a vaulted credential. Ciphertext is the sealed token value.
// Rows are immutable after insert except usage tracking and revocation.
type Token struct {
	ID           string
	ProjectID    string
	Type         TokenType
	Ciphertext   []byte
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	UsageCount   int
	LastUsedAt   *time.Time
	Revoked      bool
	RevokeReason RevokeReason
	RevokedAt    *time.Time
}

// EventType classifies an audit event.
type EventType string

const (
	EventHandshakeSucceeded EventType = "handshake_succeeded"
	EventHandshakeFailed    EventType = "handshake_failed"
	EventHandshakeTimeout   EventType = "handshake_timeout"
	EventInvalidSignature   EventType = "invalid_signature"
	EventKeyImported        EventType = "key_imported"
	EventKeyDeleted         EventType = "key_deleted"
	EventKeyUsed            EventType = "key_used"
	EventTokenStored        EventType = "token_stored"
	EventTokenRetrieved     EventType = "token_retrieved"
	EventTokenRevoked       EventType = "token_revoked"
	EventTokenRotated       EventType = "token_rotated"
	EventPermissionGranted  EventType = "permission_granted"
	EventPermissionDenied   EventType = "permission_denied"
	EventPermissionPending  EventType = "permission_pending"
	EventSecurityAlert      EventType = "security_alert"
	EventSessionOpened      EventType = "session_opened"
	EventSessionClosed      EventType = "session_closed"
)

// AuditEvent is one row in the append-only audit trail. Subject identifies
// the key, session, token, or request the event concerns. Metadata must
// already be redacted by the caller; the store persists it verbatim.
type AuditEvent struct {
	ID        string
	Timestamp time.Time
	Type      EventType
	Subject   string
	Success   bool
	Metadata  map[string]any
}

// AuditFilter selects audit events for listing.
type AuditFilter struct {
	Since   *time.Time
	Until   *time.Time
	Type    *EventType
	Subject *string
	Success *bool
	Limit   int // default 100, max 1000
}

// Store is the persistence contract consumed by the identity, vault, and
// audit packages. SQLiteStore is the production implementation.
type Store interface {
	// Identities
	CreateIdentity(ctx context.Context, id *Identity) error
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	GetIdentityByFingerprint(ctx context.Context, fingerprint string) (*Identity, error)
	ListIdentities(ctx context.Context) ([]*Identity, error)
	DeleteIdentity(ctx context.Context, id string) error
	TouchIdentity(ctx context.Context, id string, usedAt time.Time) error

	// Tokens
	CreateToken(ctx context.Context, tok *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	ListTokens(ctx context.Context, projectID string) ([]*Token, error)
	RecordTokenUse(ctx context.Context, id string, usedAt time.Time) error
	RevokeToken(ctx context.Context, id string, reason RevokeReason, revokedAt time.Time) error
	DeleteRevokedTokensBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Audit
	AppendAuditEvent(ctx context.Context, e *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
