// ABOUTME: IdentityStore implementation over the SQLite store and signing capability
// ABOUTME: Import parses, fingerprints, seals, persists; Delete guards active sessions

package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pocketagent/pocketagent/internal/signer"
	"github.com/pocketagent/pocketagent/internal/store"
)

// Identity store errors.
var (
	ErrNotFound             = errors.New("identity not found")
	ErrUnsupportedFormat    = errors.New("unsupported key format")
	ErrInvalidPassphrase    = errors.New("invalid passphrase")
	ErrDuplicateFingerprint = errors.New("identity with this fingerprint already exists")
	ErrInUse                = errors.New("identity is referenced by an active session")
)

// supportedAlgorithms lists the SSH key types Import accepts.
var supportedAlgorithms = map[string]bool{
	ssh.KeyAlgoED25519:  true,
	ssh.KeyAlgoRSA:      true,
	ssh.KeyAlgoECDSA256: true,
	ssh.KeyAlgoECDSA384: true,
	ssh.KeyAlgoECDSA521: true,
}

// SessionChecker reports whether an identity is currently backing an active
// session. Wired in by the session manager after construction to keep the
// dependency one-directional.
type SessionChecker interface {
	IdentityInUse(identityID string) bool
}

// Auditor is the audit surface the identity store needs.
type Auditor interface {
	Append(ctx context.Context, typ store.EventType, subject string, success bool, metadata map[string]any) error
}

// Store manages SSH identities.
type Store struct {
	db         store.Store
	capability signer.Capability
	audit      Auditor
	sessions   SessionChecker
	logger     *slog.Logger
}

// New creates an identity store.
func New(db store.Store, capability signer.Capability, auditor Auditor) *Store {
	return &Store{
		db:         db,
		capability: capability,
		audit:      auditor,
		logger:     slog.Default().With("component", "identity"),
	}
}

// SetSessionChecker wires in the active-session check used by Delete.
func (s *Store) SetSessionChecker(checker SessionChecker) {
	s.sessions = checker
}

// Import parses raw private key material, seals it, and persists the
// identity. passphrase may be nil for unencrypted keys.
func (s *Store) Import(ctx context.Context, rawKey, passphrase []byte, name string) (*store.Identity, error) {
	priv, err := parsePrivateKey(rawKey, passphrase)
	if err != nil {
		s.auditImportFailure(ctx, name, err)
		return nil, err
	}

	sshSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		s.auditImportFailure(ctx, name, ErrUnsupportedFormat)
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	pub := sshSigner.PublicKey()
	if !supportedAlgorithms[pub.Type()] {
		s.auditImportFailure(ctx, name, ErrUnsupportedFormat)
		return nil, fmt.Errorf("%w: key type %s", ErrUnsupportedFormat, pub.Type())
	}

	sealed, err := s.sealPrivateKey(ctx, priv, name)
	if err != nil {
		s.auditImportFailure(ctx, name, err)
		return nil, err
	}

	ident := &store.Identity{
		Name:                name,
		PublicKey:           string(ssh.MarshalAuthorizedKey(pub)),
		EncryptedPrivateKey: sealed,
		Fingerprint:         Fingerprint(pub),
		Algorithm:           pub.Type(),
	}

	if err := s.db.CreateIdentity(ctx, ident); err != nil {
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			s.auditImportFailure(ctx, name, ErrDuplicateFingerprint)
			return nil, ErrDuplicateFingerprint
		}
		return nil, fmt.Errorf("persisting identity: %w", err)
	}

	if err := s.audit.Append(ctx, store.EventKeyImported, ident.ID, true, map[string]any{
		"name":        name,
		"fingerprint": ident.Fingerprint,
		"algorithm":   ident.Algorithm,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("identity imported", "id", ident.ID, "fingerprint", ident.Fingerprint, "algorithm", ident.Algorithm)
	return ident, nil
}

// Get returns an identity by id.
func (s *Store) Get(ctx context.Context, id string) (*store.Identity, error) {
	ident, err := s.db.GetIdentity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return ident, err
}

// GetByFingerprint returns the identity whose public key has the given
// fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*store.Identity, error) {
	ident, err := s.db.GetIdentityByFingerprint(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return ident, err
}

// List returns all identities.
func (s *Store) List(ctx context.Context) ([]*store.Identity, error) {
	return s.db.ListIdentities(ctx)
}

// Delete removes an identity unless an active session references it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.sessions != nil && s.sessions.IdentityInUse(id) {
		return ErrInUse
	}

	if err := s.db.DeleteIdentity(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting identity: %w", err)
	}

	return s.audit.Append(ctx, store.EventKeyDeleted, id, true, nil)
}

// Touch records that the identity was used for signing.
func (s *Store) Touch(ctx context.Context, id string) error {
	return s.db.TouchIdentity(ctx, id, time.Now())
}

// SealedKey implements signer.KeySource: the key reference handed to Unlock
// is the identity id.
func (s *Store) SealedKey(ctx context.Context, keyRef string) ([]byte, error) {
	ident, err := s.db.GetIdentity(ctx, keyRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ident.EncryptedPrivateKey, nil
}

// sealPrivateKey normalizes the key to an unencrypted OpenSSH PEM block and
// seals it through the capability's encryption entry point.
func (s *Store) sealPrivateKey(ctx context.Context, priv any, comment string) ([]byte, error) {
	// ParseRawPrivateKey yields *ed25519.PrivateKey; MarshalPrivateKey wants
	// the value form.
	if p, ok := priv.(*ed25519.PrivateKey); ok {
		priv = *p
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	plaintext := pem.EncodeToMemory(block)
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()

	unlock, err := s.capability.Unlock(ctx, signer.StorageKeyRef, signer.UnlockOptions{})
	if err != nil {
		return nil, fmt.Errorf("unlocking storage key: %w", err)
	}
	sealed, err := s.capability.Encrypt(ctx, unlock, plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}
	return sealed, nil
}

// auditImportFailure records a failed import without leaking key material.
func (s *Store) auditImportFailure(ctx context.Context, name string, cause error) {
	_ = s.audit.Append(ctx, store.EventKeyImported, name, false, map[string]any{"error": cause.Error()})
}

// parsePrivateKey parses OpenSSH and PEM private key encodings, honoring an
// optional passphrase.
func parsePrivateKey(rawKey, passphrase []byte) (any, error) {
	if len(passphrase) == 0 {
		priv, err := ssh.ParseRawPrivateKey(rawKey)
		if err == nil {
			return priv, nil
		}
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: key is encrypted and no passphrase was given", ErrInvalidPassphrase)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	priv, err := ssh.ParseRawPrivateKeyWithPassphrase(rawKey, passphrase)
	if err == nil {
		return priv, nil
	}
	if errors.Is(err, x509.IncorrectPasswordError) {
		return nil, ErrInvalidPassphrase
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
}

// Fingerprint computes the stable identity fingerprint: lowercase hex
// SHA-256 over the SSH wire encoding of the public key, no colons.
func Fingerprint(pub ssh.PublicKey) string {
	sum := sha256.Sum256(pub.Marshal())
	return hex.EncodeToString(sum[:])
}

// FingerprintFromAuthorizedKey parses an authorized_keys line and returns
// its fingerprint.
func FingerprintFromAuthorizedKey(pubkey string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkey))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return Fingerprint(pub), nil
}
