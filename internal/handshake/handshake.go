// ABOUTME: Client-side handshake state machine over a transport connection
// ABOUTME: Signs the server's nonce challenge and interprets the verdict

package handshake

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketagent/pocketagent/internal/protocol"
	"github.com/pocketagent/pocketagent/internal/signer"
	"github.com/pocketagent/pocketagent/internal/store"
	"github.com/pocketagent/pocketagent/internal/transport"
)

var (
	// ErrRejected means the server refused the handshake.
	ErrRejected = errors.New("handshake rejected")

	// ErrTimeout means the handshake deadline expired before a verdict.
	ErrTimeout = errors.New("handshake timed out")

	// ErrStaleChallenge means the server's challenge was issued too long ago
	// to sign safely.
	ErrStaleChallenge = errors.New("challenge too old")

	// ErrProtocol means the server sent a message out of sequence.
	ErrProtocol = errors.New("unexpected handshake message")
)

// RejectCodeInvalidSignature is the server's code for a failed signature
// check. It drives a distinct audit event because it can indicate tampering.
const RejectCodeInvalidSignature = "invalid_signature"

// DefaultChallengeMaxAge bounds how old a server challenge may be.
const DefaultChallengeMaxAge = 5 * time.Minute

// State tracks handshake progress. Transitions are strictly linear.
type State int

const (
	StateIdle State = iota
	StateChallengeReceived
	StateSignatureComputed
	StateResponseSent
	StateAuthenticated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChallengeReceived:
		return "challenge_received"
	case StateSignatureComputed:
		return "signature_computed"
	case StateResponseSent:
		return "response_sent"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is a successful handshake outcome.
type Result struct {
	SessionID    string
	SessionToken string
	SessionKey   []byte
	ExpiresAt    time.Time // zero when the grant has no expiry
}

// IdentitySource resolves identities and records their use.
type IdentitySource interface {
	Get(ctx context.Context, id string) (*store.Identity, error)
	Touch(ctx context.Context, id string) error
}

// Auditor records handshake outcomes.
type Auditor interface {
	Append(ctx context.Context, typ store.EventType, subject string, success bool, metadata map[string]any) error
}

// Authenticator performs the client side of the handshake.
type Authenticator struct {
	capability      signer.Capability
	identities      IdentitySource
	audit           Auditor
	challengeMaxAge time.Duration
	logger          *slog.Logger
}

// New creates an authenticator.
func New(capability signer.Capability, identities IdentitySource, auditor Auditor) *Authenticator {
	return &Authenticator{
		capability:      capability,
		identities:      identities,
		audit:           auditor,
		challengeMaxAge: DefaultChallengeMaxAge,
		logger:          slog.Default().With("component", "handshake"),
	}
}

// Authenticate runs one handshake attempt on conn using the given identity.
// The caller bounds the whole exchange with ctx; on deadline expiry the
// attempt is recorded as a timeout. A failed attempt never yields a partial
// result.
func (a *Authenticator) Authenticate(ctx context.Context, conn transport.Conn, identityID, projectID string) (*Result, error) {
	state := StateIdle

	msg, err := conn.Receive(ctx)
	if err != nil {
		return nil, a.fail(ctx, identityID, state, err)
	}
	challenge, ok := msg.(*protocol.AuthChallenge)
	if !ok {
		return nil, a.fail(ctx, identityID, state, fmt.Errorf("%w: got %T before challenge", ErrProtocol, msg))
	}
	state = StateChallengeReceived

	if age := time.Since(time.Unix(challenge.IssuedAt, 0)); age > a.challengeMaxAge {
		return nil, a.fail(ctx, identityID, state, fmt.Errorf("%w: issued %v ago", ErrStaleChallenge, age.Round(time.Second)))
	}

	ident, err := a.identities.Get(ctx, identityID)
	if err != nil {
		return nil, a.fail(ctx, identityID, state, fmt.Errorf("resolving identity: %w", err))
	}

	timestamp := time.Now().Unix()
	signature, err := a.sign(ctx, identityID, protocol.ChallengePayload(timestamp, challenge.Nonce))
	if err != nil {
		return nil, a.fail(ctx, identityID, state, err)
	}
	state = StateSignatureComputed

	response := &protocol.AuthResponse{
		ProjectID: projectID,
		PublicKey: ident.PublicKey,
		Signature: base64.StdEncoding.EncodeToString(signature),
		Timestamp: timestamp,
		Nonce:     challenge.Nonce,
	}
	if err := conn.Send(ctx, response); err != nil {
		return nil, a.fail(ctx, identityID, state, err)
	}
	state = StateResponseSent

	verdict, err := conn.Receive(ctx)
	if err != nil {
		return nil, a.fail(ctx, identityID, state, err)
	}

	switch m := verdict.(type) {
	case *protocol.AuthResult:
		return a.accept(ctx, identityID, m)
	case *protocol.AuthReject:
		return nil, a.reject(ctx, identityID, m)
	default:
		return nil, a.fail(ctx, identityID, state, fmt.Errorf("%w: got %T as verdict", ErrProtocol, verdict))
	}
}

// sign unlocks the identity's key and signs the challenge payload. The
// unlock is single-use; one handshake consumes one token.
func (a *Authenticator) sign(ctx context.Context, identityID string, payload []byte) ([]byte, error) {
	token, err := a.capability.Unlock(ctx, identityID, signer.UnlockOptions{})
	if err != nil {
		return nil, fmt.Errorf("unlocking key: %w", err)
	}
	signature, err := a.capability.Sign(ctx, token, payload)
	if err != nil {
		return nil, fmt.Errorf("signing challenge: %w", err)
	}
	return signature, nil
}

func (a *Authenticator) accept(ctx context.Context, identityID string, grant *protocol.AuthResult) (*Result, error) {
	key, err := base64.StdEncoding.DecodeString(grant.SessionKey)
	if err != nil {
		return nil, a.fail(ctx, identityID, StateResponseSent, fmt.Errorf("decoding session key: %w", err))
	}

	result := &Result{
		SessionID:    grant.SessionID,
		SessionToken: grant.SessionToken,
		SessionKey:   key,
	}
	if grant.ExpiresAt > 0 {
		result.ExpiresAt = time.Unix(grant.ExpiresAt, 0)
	}

	if err := a.identities.Touch(ctx, identityID); err != nil {
		a.logger.Warn("recording key use failed", "identity_id", identityID, "error", err)
	}
	a.append(ctx, store.EventKeyUsed, identityID, true, map[string]any{"session_id": grant.SessionID})
	a.append(ctx, store.EventHandshakeSucceeded, identityID, true, map[string]any{"session_id": grant.SessionID})

	a.logger.Info("handshake succeeded", "identity_id", identityID, "session_id", grant.SessionID)
	return result, nil
}

func (a *Authenticator) reject(ctx context.Context, identityID string, rej *protocol.AuthReject) error {
	if rej.Code == RejectCodeInvalidSignature {
		a.append(ctx, store.EventInvalidSignature, identityID, false, map[string]any{"reason": rej.Reason})
	}
	a.append(ctx, store.EventHandshakeFailed, identityID, false, map[string]any{
		"code":   rej.Code,
		"reason": rej.Reason,
	})
	a.logger.Warn("handshake rejected", "identity_id", identityID, "code", rej.Code)
	return fmt.Errorf("%w: %s (%s)", ErrRejected, rej.Reason, rej.Code)
}

// fail classifies a local failure, audits it, and returns the error the
// caller sees. Deadline expiry becomes ErrTimeout.
func (a *Authenticator) fail(ctx context.Context, identityID string, state State, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		a.append(ctx, store.EventHandshakeTimeout, identityID, false, map[string]any{"state": state.String()})
		a.logger.Warn("handshake timed out", "identity_id", identityID, "state", state.String())
		return fmt.Errorf("%w in state %s", ErrTimeout, state)
	}
	a.append(ctx, store.EventHandshakeFailed, identityID, false, map[string]any{
		"state": state.String(),
		"error": cause.Error(),
	})
	return cause
}

// append writes an audit event on a background context so audit records
// survive the handshake context being past its deadline.
func (a *Authenticator) append(ctx context.Context, typ store.EventType, subject string, success bool, metadata map[string]any) {
	auditCtx := context.WithoutCancel(ctx)
	if err := a.audit.Append(auditCtx, typ, subject, success, metadata); err != nil {
		a.logger.Error("audit append failed", "event_type", typ, "error", err)
	}
}
