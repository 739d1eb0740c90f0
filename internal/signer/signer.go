// ABOUTME: Capability interface, unlock token semantics, and sentinel errors
// ABOUTME: Unlock tokens are single-use unless explicitly issued reusable

package signer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capability errors.
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrUnlockTimeout = errors.New("unlock timed out waiting for user presence")
	ErrUnlockDenied  = errors.New("unlock denied")
	ErrTokenSpent    = errors.New("unlock token already used")
	ErrTokenExpired  = errors.New("unlock token expired")
	ErrDecryptFailed = errors.New("decryption failed")
)

// StorageKeyRef is the reserved key reference for the sealing key used by
// Encrypt and Decrypt. It unlocks without user presence so that routine
// persistence does not prompt the user.
const StorageKeyRef = "storage"

// UnlockOptions controls unlock token issuance.
type UnlockOptions struct {
	// Reusable tokens stay valid for Validity instead of being consumed by
	// the first operation.
	Reusable bool
	Validity time.Duration
}

// UnlockToken is proof that a key was unlocked. Single-use by default.
type UnlockToken struct {
	id        string
	keyRef    string
	reusable  bool
	expiresAt time.Time // zero for single-use tokens

	mu    sync.Mutex
	spent bool
}

// newUnlockToken issues a token for keyRef per opts.
func newUnlockToken(keyRef string, opts UnlockOptions) *UnlockToken {
	t := &UnlockToken{
		id:       uuid.New().String(),
		keyRef:   keyRef,
		reusable: opts.Reusable,
	}
	if opts.Reusable {
		t.expiresAt = time.Now().Add(opts.Validity)
	}
	return t
}

// KeyRef returns the key reference this token unlocks.
func (t *UnlockToken) KeyRef() string { return t.keyRef }

// consume validates the token for one operation. Single-use tokens are
// marked spent; reusable tokens are checked against their validity window.
func (t *UnlockToken) consume() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reusable {
		if time.Now().After(t.expiresAt) {
			return ErrTokenExpired
		}
		return nil
	}
	if t.spent {
		return ErrTokenSpent
	}
	t.spent = true
	return nil
}

// Capability is the boundary for all private-key operations. Raw key
// material never leaves an implementation.
type Capability interface {
	// Unlock prepares keyRef for use. It may block on a user-presence check;
	// callers must bound it with a context deadline. Deadline expiry maps to
	// ErrUnlockTimeout, a recoverable failure.
	Unlock(ctx context.Context, keyRef string, opts UnlockOptions) (*UnlockToken, error)

	// Sign signs data with the key the token unlocked and returns the
	// signature in SSH wire encoding. The hash algorithm follows the key
	// type: SHA-256 for RSA and ECDSA, native for Ed25519.
	Sign(ctx context.Context, token *UnlockToken, data []byte) ([]byte, error)

	// Encrypt seals plaintext under the storage key. The token must have
	// been issued for StorageKeyRef.
	Encrypt(ctx context.Context, token *UnlockToken, plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt. Tampered or foreign ciphertext returns
	// ErrDecryptFailed.
	Decrypt(ctx context.Context, token *UnlockToken, ciphertext []byte) ([]byte, error)
}
