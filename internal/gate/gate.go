// ABOUTME: VerifyAndAuthorize pipeline for incoming permission requests
// ABOUTME: Constant-time HMAC checks with brute-force detection and audit

package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketagent/pocketagent/internal/policy"
	"github.com/pocketagent/pocketagent/internal/protocol"
	"github.com/pocketagent/pocketagent/internal/replay"
	"github.com/pocketagent/pocketagent/internal/store"
)

var (
	// ErrInvalidSession means the request names no live session.
	ErrInvalidSession = errors.New("invalid session")

	// ErrInvalidSignature means the request HMAC did not verify.
	ErrInvalidSignature = errors.New("invalid request signature")

	// ErrExpired means the request timestamp is outside the freshness window.
	ErrExpired = errors.New("request expired")

	// ErrPolicyDenied means a policy refused the request.
	ErrPolicyDenied = errors.New("denied by policy")
)

// Defaults for Config zero values.
const (
	DefaultMaxRequestAge       = 60 * time.Second
	DefaultBruteForceWindow    = 5 * time.Minute
	DefaultBruteForceThreshold = 5

	// maxFutureSkew tolerates request timestamps slightly ahead of us.
	maxFutureSkew = 5 * time.Second
)

// Config tunes freshness and brute-force detection.
type Config struct {
	MaxRequestAge       time.Duration
	BruteForceWindow    time.Duration
	BruteForceThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxRequestAge <= 0 {
		c.MaxRequestAge = DefaultMaxRequestAge
	}
	if c.BruteForceWindow <= 0 {
		c.BruteForceWindow = DefaultBruteForceWindow
	}
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = DefaultBruteForceThreshold
	}
	return c
}

// UserDecision is the user's answer to a surfaced permission request.
type UserDecision struct {
	Allow     bool
	Confirmed bool // explicit confirmation, required for critical risk
	Reason    string
}

// Outcome is the gate's verdict. When RequiresConfirmation is set the
// request must be re-submitted with a confirmed user decision and Response
// is nil; otherwise Response carries the signed reply for the server.
type Outcome struct {
	Decision             string // protocol.DecisionAllow or DecisionDeny
	RequiresConfirmation bool
	Risk                 policy.RiskLevel
	PolicyID             string
	Reason               string
	Response             *protocol.PermissionResponse
}

// KeyResolver resolves a live session's HMAC key.
type KeyResolver interface {
	SessionKey(sessionID string) ([]byte, error)
}

// Auditor records gate verdicts.
type Auditor interface {
	Append(ctx context.Context, typ store.EventType, subject string, success bool, metadata map[string]any) error
}

// Gate verifies and authorizes permission requests. Safe for concurrent use.
type Gate struct {
	keys     KeyResolver
	engine   *policy.Engine
	audit    Auditor
	cfg      Config
	failures *replay.FailureWindow // per-session invalid-signature counter
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a gate.
func New(keys KeyResolver, engine *policy.Engine, auditor Auditor, cfg Config) *Gate {
	cfg = cfg.withDefaults()
	return &Gate{
		keys:     keys,
		engine:   engine,
		audit:    auditor,
		cfg:      cfg,
		failures: replay.NewFailureWindow(cfg.BruteForceWindow),
		logger:   slog.Default().With("component", "gate"),
		now:      time.Now,
	}
}

// VerifyAndAuthorize runs the full pipeline on one request: session lookup,
// signature verification, freshness, risk scoring, policy evaluation, and
// the user decision. The audit record is written before any verdict is
// returned. user may be nil when no decision has been collected yet.
func (g *Gate) VerifyAndAuthorize(ctx context.Context, req *protocol.PermissionRequest, user *UserDecision) (*Outcome, error) {
	key, err := g.keys.SessionKey(req.SessionID)
	if err != nil {
		g.append(ctx, store.EventPermissionDenied, req, false, map[string]any{"reason": "unknown session"})
		return nil, fmt.Errorf("%w: %s", ErrInvalidSession, req.SessionID)
	}

	if !g.verifySignature(req, key) {
		g.recordSignatureFailure(ctx, req)
		return nil, ErrInvalidSignature
	}

	if age := g.now().Sub(time.Unix(req.Timestamp, 0)); age > g.cfg.MaxRequestAge || age < -maxFutureSkew {
		g.append(ctx, store.EventPermissionDenied, req, false, map[string]any{
			"reason": "stale request",
			"age":    age.Round(time.Second).String(),
		})
		return nil, fmt.Errorf("%w: issued %v ago", ErrExpired, age.Round(time.Second))
	}

	risk := AssessRisk(req)
	verdict := g.engine.Evaluate(policy.Request{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Tool:      req.Tool,
		Action:    req.Action,
		Params:    req.Params,
		Timestamp: time.Unix(req.Timestamp, 0),
		Risk:      risk,
	})

	if verdict.Decision == policy.Deny {
		outcome := g.deny(ctx, req, key, risk, verdict.PolicyID, verdict.Reason, user != nil && user.Confirmed)
		return outcome, fmt.Errorf("%w: %s", ErrPolicyDenied, verdict.Reason)
	}

	needsConfirmation := verdict.Decision == policy.RequireConfirmation || risk == policy.RiskCritical
	if needsConfirmation && (user == nil || !user.Confirmed) {
		g.append(ctx, store.EventPermissionPending, req, true, map[string]any{
			"risk":      risk.String(),
			"policy_id": verdict.PolicyID,
		})
		return &Outcome{
			RequiresConfirmation: true,
			Risk:                 risk,
			PolicyID:             verdict.PolicyID,
			Reason:               confirmationReason(risk, verdict),
		}, nil
	}

	if user != nil && !user.Allow {
		return g.deny(ctx, req, key, risk, verdict.PolicyID, user.Reason, user.Confirmed), nil
	}

	g.append(ctx, store.EventPermissionGranted, req, true, map[string]any{
		"risk":      risk.String(),
		"policy_id": verdict.PolicyID,
	})
	return &Outcome{
		Decision: protocol.DecisionAllow,
		Risk:     risk,
		PolicyID: verdict.PolicyID,
		Response: g.signResponse(req.ID, protocol.DecisionAllow, "", user != nil && user.Confirmed, key),
	}, nil
}

// verifySignature recomputes the request HMAC and compares in constant
// time.
func (g *Gate) verifySignature(req *protocol.PermissionRequest, key []byte) bool {
	provided, err := hex.DecodeString(req.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(req.CanonicalString()))
	return subtle.ConstantTimeCompare(provided, mac.Sum(nil)) == 1
}

// recordSignatureFailure audits the bad signature and raises a brute-force
// alert when one session accumulates too many failures in the window.
func (g *Gate) recordSignatureFailure(ctx context.Context, req *protocol.PermissionRequest) {
	g.append(ctx, store.EventSecurityAlert, req, false, map[string]any{
		"alert":      "invalid_signature",
		"request_id": req.ID,
	})
	count := g.failures.Record(req.SessionID)
	if count >= g.cfg.BruteForceThreshold {
		g.append(ctx, store.EventSecurityAlert, req, false, map[string]any{
			"alert":    "brute_force_suspected",
			"failures": count,
			"window":   g.cfg.BruteForceWindow.String(),
		})
		g.logger.Warn("possible brute force on session",
			"session_id", req.SessionID,
			"failures", count,
		)
	}
}

func (g *Gate) deny(ctx context.Context, req *protocol.PermissionRequest, key []byte, risk policy.RiskLevel, policyID, reason string, confirmed bool) *Outcome {
	g.append(ctx, store.EventPermissionDenied, req, false, map[string]any{
		"risk":      risk.String(),
		"policy_id": policyID,
		"reason":    reason,
	})
	return &Outcome{
		Decision: protocol.DecisionDeny,
		Risk:     risk,
		PolicyID: policyID,
		Reason:   reason,
		Response: g.signResponse(req.ID, protocol.DecisionDeny, reason, confirmed, key),
	}
}

// signResponse builds a PermissionResponse with an HMAC over its canonical
// form.
func (g *Gate) signResponse(requestID, decision, reason string, confirmed bool, key []byte) *protocol.PermissionResponse {
	resp := &protocol.PermissionResponse{
		RequestID: requestID,
		Decision:  decision,
		Reason:    reason,
		Confirmed: confirmed,
		Timestamp: g.now().Unix(),
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(resp.CanonicalString()))
	resp.Signature = hex.EncodeToString(mac.Sum(nil))
	return resp
}

func confirmationReason(risk policy.RiskLevel, verdict policy.Result) string {
	if risk == policy.RiskCritical {
		return "critical risk requires explicit confirmation"
	}
	return verdict.Reason
}

// append writes one audit event; failures are logged, never fatal.
func (g *Gate) append(ctx context.Context, typ store.EventType, req *protocol.PermissionRequest, success bool, metadata map[string]any) {
	metadata["tool"] = req.Tool
	metadata["action"] = req.Action
	if err := g.audit.Append(ctx, typ, req.SessionID, success, metadata); err != nil {
		g.logger.Error("audit append failed", "event_type", typ, "error", err)
	}
}
