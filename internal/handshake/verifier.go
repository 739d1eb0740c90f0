// ABOUTME: Server-side verification of signed challenge responses
// ABOUTME: Checks signature, timestamp freshness, and nonce replay

package handshake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pocketagent/pocketagent/internal/identity"
	"github.com/pocketagent/pocketagent/internal/protocol"
	"github.com/pocketagent/pocketagent/internal/replay"
)

// Verifier limits for nonce tracking.
const (
	verifierNonceCapacity = 10000

	// maxClockSkew tolerates response timestamps slightly in the future.
	maxClockSkew = time.Minute
)

// Verifier validates AuthResponse messages on the server side of the
// handshake. A nonce may authenticate at most once within the freshness
// window.
type Verifier struct {
	maxAge time.Duration
	nonces *replay.NonceCache
}

// NewVerifier creates a verifier. maxAge bounds response timestamp age;
// zero uses DefaultChallengeMaxAge.
func NewVerifier(maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultChallengeMaxAge
	}
	return &Verifier{
		maxAge: maxAge,
		nonces: replay.NewNonceCache(maxAge, verifierNonceCapacity),
	}
}

// Close releases the nonce cache.
func (v *Verifier) Close() {
	v.nonces.Close()
}

// Verify checks the response signature over the challenge payload and
// returns the public key's fingerprint on success.
func (v *Verifier) Verify(resp *protocol.AuthResponse) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(resp.PublicKey))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}

	age := time.Since(time.Unix(resp.Timestamp, 0))
	if age < -maxClockSkew {
		return "", errors.New("timestamp is in the future")
	}
	if age > v.maxAge {
		return "", fmt.Errorf("signature expired (age %v, max %v)", age.Round(time.Second), v.maxAge)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("invalid signature format: %w", err)
	}

	payload := protocol.ChallengePayload(resp.Timestamp, resp.Nonce)
	if err := pubkey.Verify(payload, sig); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	// The nonce key includes the fingerprint so one key's nonce cannot be
	// replayed under another key.
	fp := identity.Fingerprint(pubkey)
	nonceKey := fmt.Sprintf("%s:%d:%x", fp, resp.Timestamp, resp.Nonce)
	if v.nonces.Consume(nonceKey) {
		return "", errors.New("nonce already used")
	}
	return fp, nil
}
