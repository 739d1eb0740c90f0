// ABOUTME: In-memory Capability implementation for tests and development
// ABOUTME: Seals with XChaCha20-Poly1305, signs via SSH signers resolved on demand

package signer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ssh"
)

// KeySource resolves a key reference to its sealed private key blob.
// The identity store implements this; the signer unseals the blob, uses it,
// and drops it before returning.
type KeySource interface {
	SealedKey(ctx context.Context, keyRef string) ([]byte, error)
}

// KeySourceFunc adapts a function to the KeySource interface. Useful when
// the key source is constructed after the signer it feeds.
type KeySourceFunc func(ctx context.Context, keyRef string) ([]byte, error)

// SealedKey calls f.
func (f KeySourceFunc) SealedKey(ctx context.Context, keyRef string) ([]byte, error) {
	return f(ctx, keyRef)
}

// PresenceFunc models the local user-presence check (biometric prompt,
// device PIN). It must honor ctx cancellation. A nil PresenceFunc approves
// immediately.
type PresenceFunc func(ctx context.Context, keyRef string) error

// MemorySigner implements Capability entirely in process. The sealing key
// is generated at construction and never exposed.
type MemorySigner struct {
	keys       KeySource
	presence   PresenceFunc
	sealingKey []byte
}

// NewMemorySigner creates a signer with a fresh random sealing key.
// Blobs sealed by one instance cannot be opened by another; production
// adapters derive the sealing key from hardware instead.
func NewMemorySigner(keys KeySource, presence PresenceFunc) (*MemorySigner, error) {
	sealingKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, sealingKey); err != nil {
		return nil, fmt.Errorf("generating sealing key: %w", err)
	}
	return NewMemorySignerWithKey(keys, presence, sealingKey)
}

// NewMemorySignerWithKey creates a signer with a caller-provided sealing key,
// so sealed state survives process restarts.
func NewMemorySignerWithKey(keys KeySource, presence PresenceFunc, sealingKey []byte) (*MemorySigner, error) {
	if len(sealingKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", chacha20poly1305.KeySize, len(sealingKey))
	}
	return &MemorySigner{keys: keys, presence: presence, sealingKey: sealingKey}, nil
}

// Unlock runs the user-presence check for signing keys and issues an unlock
// token. The storage key unlocks without presence.
func (m *MemorySigner) Unlock(ctx context.Context, keyRef string, opts UnlockOptions) (*UnlockToken, error) {
	if keyRef != StorageKeyRef && m.presence != nil {
		if err := m.presence(ctx, keyRef); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, ErrUnlockTimeout
			}
			return nil, fmt.Errorf("%w: %v", ErrUnlockDenied, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrUnlockTimeout
	}
	return newUnlockToken(keyRef, opts), nil
}

// Sign resolves the sealed key behind the token, unseals it, and signs data.
// RSA and ECDSA keys sign with SHA-256; Ed25519 signs natively.
func (m *MemorySigner) Sign(ctx context.Context, token *UnlockToken, data []byte) ([]byte, error) {
	if err := token.consume(); err != nil {
		return nil, err
	}

	sealed, err := m.keys.SealedKey(ctx, token.keyRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, token.keyRef)
	}

	keyBytes, err := m.open(sealed)
	if err != nil {
		return nil, err
	}
	defer zero(keyBytes)

	priv, err := ssh.ParseRawPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing unsealed key: %w", err)
	}

	sshSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating ssh signer: %w", err)
	}

	var sig *ssh.Signature
	// Plain ssh-rsa would sign with SHA-1; force the SHA-256 variant.
	if as, ok := sshSigner.(ssh.AlgorithmSigner); ok && sshSigner.PublicKey().Type() == ssh.KeyAlgoRSA {
		sig, err = as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA256)
	} else {
		sig, err = sshSigner.Sign(rand.Reader, data)
	}
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}

	return ssh.Marshal(sig), nil
}

// Encrypt seals plaintext under the storage key.
func (m *MemorySigner) Encrypt(ctx context.Context, token *UnlockToken, plaintext []byte) ([]byte, error) {
	if token.keyRef != StorageKeyRef {
		return nil, fmt.Errorf("encrypt requires a %q unlock, got %q", StorageKeyRef, token.keyRef)
	}
	if err := token.consume(); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(m.sealingKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (m *MemorySigner) Decrypt(ctx context.Context, token *UnlockToken, ciphertext []byte) ([]byte, error) {
	if token.keyRef != StorageKeyRef {
		return nil, fmt.Errorf("decrypt requires a %q unlock, got %q", StorageKeyRef, token.keyRef)
	}
	if err := token.consume(); err != nil {
		return nil, err
	}
	return m.open(ciphertext)
}

// open unseals a blob with the storage key.
func (m *MemorySigner) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.sealingKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// zero overwrites sensitive bytes once they are no longer needed.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
