// ABOUTME: Tests for the client handshake state machine and server verifier
// ABOUTME: Runs both ends over an in-memory pipe with real signatures

package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pocketagent/pocketagent/internal/audit"
	"github.com/pocketagent/pocketagent/internal/identity"
	"github.com/pocketagent/pocketagent/internal/protocol"
	"github.com/pocketagent/pocketagent/internal/signer"
	"github.com/pocketagent/pocketagent/internal/store"
	"github.com/pocketagent/pocketagent/internal/transport"
)

type fixture struct {
	auth   *Authenticator
	idents *identity.Store
	trail  *audit.Trail
	keyID  string
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	trail := audit.New(db)

	var idents *identity.Store
	capability, err := signer.NewMemorySigner(signer.KeySourceFunc(func(ctx context.Context, keyRef string) ([]byte, error) {
		return idents.SealedKey(ctx, keyRef)
	}), nil)
	require.NoError(t, err)
	idents = identity.New(db, capability, trail)

	ident, err := idents.Import(context.Background(), ed25519PEM(t), nil, "laptop")
	require.NoError(t, err)

	return &fixture{
		auth:   New(capability, idents, trail),
		idents: idents,
		trail:  trail,
		keyID:  ident.ID,
	}
}

func ed25519PEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return pem.EncodeToMemory(block)
}

func newChallenge(t *testing.T) *protocol.AuthChallenge {
	t.Helper()
	nonce := make([]byte, 32)
	_, err := rand.Read(nonce)
	require.NoError(t, err)
	return &protocol.AuthChallenge{Nonce: nonce, IssuedAt: time.Now().Unix()}
}

func (f *fixture) countEvents(t *testing.T, typ store.EventType) int {
	t.Helper()
	events, err := f.trail.Query(context.Background(), store.AuditFilter{Type: &typ})
	require.NoError(t, err)
	return len(events)
}

func TestAuthenticate_Success(t *testing.T) {
	f := setup(t)
	client, server := transport.Pipe()
	defer client.Close()
	defer server.Close()

	verifier := NewVerifier(0)
	defer verifier.Close()

	sessionKey := make([]byte, 32)
	_, err := rand.Read(sessionKey)
	require.NoError(t, err)

	challenge := newChallenge(t)
	serverErr := make(chan error, 1)
	go func() {
		ctx := context.Background()
		if err := server.Send(ctx, challenge); err != nil {
			serverErr <- err
			return
		}
		msg, err := server.Receive(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		resp := msg.(*protocol.AuthResponse)
		if _, err := verifier.Verify(resp); err != nil {
			serverErr <- err
			return
		}
		serverErr <- server.Send(ctx, &protocol.AuthResult{
			SessionID:    "sess-1",
			SessionToken: "token-1",
			SessionKey:   base64.StdEncoding.EncodeToString(sessionKey),
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		})
	}()

	result, err := f.auth.Authenticate(context.Background(), client, f.keyID, "proj-1")
	require.NoError(t, err)
	require.NoError(t, <-serverErr)

	assert.Equal(t, "sess-1", result.SessionID)
	assert.Equal(t, "token-1", result.SessionToken)
	assert.Equal(t, sessionKey, result.SessionKey)
	assert.False(t, result.ExpiresAt.IsZero())

	assert.Equal(t, 1, f.countEvents(t, store.EventHandshakeSucceeded))
	assert.Equal(t, 1, f.countEvents(t, store.EventKeyUsed))

	ident, err := f.idents.Get(context.Background(), f.keyID)
	require.NoError(t, err)
	assert.NotNil(t, ident.LastUsedAt)
}

func TestAuthenticate_Rejected(t *testing.T) {
	f := setup(t)
	client, server := transport.Pipe()
	defer client.Close()
	defer server.Close()

	challenge := newChallenge(t)
	go func() {
		ctx := context.Background()
		_ = server.Send(ctx, challenge)
		_, _ = server.Receive(ctx)
		_ = server.Send(ctx, &protocol.AuthReject{Code: RejectCodeInvalidSignature, Reason: "signature mismatch"})
	}()

	result, err := f.auth.Authenticate(context.Background(), client, f.keyID, "proj-1")
	require.ErrorIs(t, err, ErrRejected)
	assert.Nil(t, result)

	assert.Equal(t, 1, f.countEvents(t, store.EventInvalidSignature))
	assert.Equal(t, 1, f.countEvents(t, store.EventHandshakeFailed))
	assert.Zero(t, f.countEvents(t, store.EventHandshakeSucceeded))
}

func TestAuthenticate_StaleChallenge(t *testing.T) {
	f := setup(t)
	client, server := transport.Pipe()
	defer client.Close()
	defer server.Close()

	stale := newChallenge(t)
	stale.IssuedAt = time.Now().Add(-time.Hour).Unix()
	go func() {
		_ = server.Send(context.Background(), stale)
	}()

	_, err := f.auth.Authenticate(context.Background(), client, f.keyID, "proj-1")
	assert.ErrorIs(t, err, ErrStaleChallenge)
}

func TestAuthenticate_Timeout(t *testing.T) {
	f := setup(t)
	client, server := transport.Pipe()
	defer client.Close()
	defer server.Close()

	// Server never sends a challenge.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.auth.Authenticate(ctx, client, f.keyID, "proj-1")
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, f.countEvents(t, store.EventHandshakeTimeout))
}

func TestAuthenticate_OutOfSequence(t *testing.T) {
	f := setup(t)
	client, server := transport.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = server.Send(context.Background(), &protocol.HeartbeatAck{SessionID: "s", Seq: 1})
	}()

	_, err := f.auth.Authenticate(context.Background(), client, f.keyID, "proj-1")
	assert.ErrorIs(t, err, ErrProtocol)
}

func signedResponse(t *testing.T, nonce []byte) (*protocol.AuthResponse, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshSigner, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	timestamp := time.Now().Unix()
	sig, err := sshSigner.Sign(rand.Reader, protocol.ChallengePayload(timestamp, nonce))
	require.NoError(t, err)

	return &protocol.AuthResponse{
		ProjectID: "proj-1",
		PublicKey: string(ssh.MarshalAuthorizedKey(sshPub)),
		Signature: base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		Timestamp: timestamp,
		Nonce:     nonce,
	}, sshPub
}

func TestVerifier_Valid(t *testing.T) {
	v := NewVerifier(0)
	defer v.Close()

	resp, pub := signedResponse(t, []byte("nonce-1"))
	fp, err := v.Verify(resp)
	require.NoError(t, err)
	assert.Equal(t, identity.Fingerprint(pub), fp)
}

func TestVerifier_NonceReplay(t *testing.T) {
	v := NewVerifier(0)
	defer v.Close()

	resp, _ := signedResponse(t, []byte("nonce-1"))
	_, err := v.Verify(resp)
	require.NoError(t, err)

	_, err = v.Verify(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce already used")
}

func TestVerifier_TamperedSignature(t *testing.T) {
	v := NewVerifier(0)
	defer v.Close()

	resp, _ := signedResponse(t, []byte("nonce-1"))
	raw, err := base64.StdEncoding.DecodeString(resp.Signature)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	resp.Signature = base64.StdEncoding.EncodeToString(raw)

	_, err = v.Verify(resp)
	assert.Error(t, err)
}

func TestVerifier_ExpiredTimestamp(t *testing.T) {
	v := NewVerifier(time.Minute)
	defer v.Close()

	resp, _ := signedResponse(t, []byte("nonce-1"))
	resp.Timestamp = time.Now().Add(-time.Hour).Unix()

	_, err := v.Verify(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}
