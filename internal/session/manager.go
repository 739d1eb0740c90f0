// ABOUTME: Registry of live sessions and entry point for opening them
// ABOUTME: Vaults session tokens and answers identity-in-use queries

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketagent/pocketagent/internal/protocol"
	"github.com/pocketagent/pocketagent/internal/store"
	"github.com/pocketagent/pocketagent/internal/transport"
)

// ErrSessionNotFound means no live session has the given ID.
var ErrSessionNotFound = errors.New("session not found")

// Defaults applied by Config.withDefaults.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultHandshakeTimeout     = 30 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = time.Minute
	DefaultReconnectMaxAttempts = 10
)

// Config tunes heartbeat and reconnect behavior.
type Config struct {
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HandshakeTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts uint
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	return c
}

// Auditor records session lifecycle events.
type Auditor interface {
	Append(ctx context.Context, typ store.EventType, subject string, success bool, metadata map[string]any) error
}

// Manager opens sessions and tracks the live ones.
type Manager struct {
	dialer transport.Dialer
	auth   Handshaker
	tokens TokenStore
	audit  Auditor
	cfg    Config

	mu       sync.RWMutex
	sessions map[string]*Session

	logger *slog.Logger
}

// NewManager creates a session manager.
func NewManager(dialer transport.Dialer, auth Handshaker, tokens TokenStore, auditor Auditor, cfg Config) *Manager {
	return &Manager{
		dialer:   dialer,
		auth:     auth,
		tokens:   tokens,
		audit:    auditor,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		logger:   slog.Default().With("component", "session"),
	}
}

// Open dials url, authenticates with the given identity, vaults the session
// token, and starts the session's background loops. The returned session is
// Active.
func (m *Manager) Open(ctx context.Context, url, identityID, projectID string) (*Session, error) {
	conn, err := m.dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	result, err := m.auth.Authenticate(ctx, conn, identityID, projectID)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	var expiresAt *time.Time
	if !result.ExpiresAt.IsZero() {
		expiresAt = &result.ExpiresAt
	}
	tokenID, err := m.tokens.Store(ctx, projectID, []byte(result.SessionToken), store.TokenTypeSession, expiresAt)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("vaulting session token: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Session{
		id:         result.SessionID,
		identityID: identityID,
		projectID:  projectID,
		url:        url,
		dialer:     m.dialer,
		auth:       m.auth,
		tokens:     m.tokens,
		cfg:        m.cfg,
		logger:     m.logger,
		onClose:    m.remove,
		state:      StateActive,
		conn:       conn,
		key:        result.SessionKey,
		token:      result.SessionToken,
		tokenID:    tokenID,
		runCtx:     runCtx,
		runCancel:  runCancel,
		done:       make(chan struct{}),
		requests:   make(chan *protocol.PermissionRequest, 8),
		acks:       make(chan uint64, 8),
		connLost:   make(chan struct{}, 1),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if err := m.audit.Append(ctx, store.EventSessionOpened, identityID, true, map[string]any{
		"session_id": s.id,
		"project_id": projectID,
	}); err != nil {
		m.logger.Error("audit append failed", "event_type", store.EventSessionOpened, "error", err)
	}
	m.logger.Info("session opened", "session_id", s.id, "identity_id", identityID, "project_id", projectID)

	go s.run()
	return s, nil
}

// Get returns a live session by ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// SessionKey returns a copy of the HMAC key for a live session.
func (m *Manager) SessionKey(sessionID string) ([]byte, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Key(), nil
}

// Sessions returns the live sessions in no particular order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// IdentityInUse reports whether any live session authenticated with the
// identity. Satisfies the identity store's delete guard.
func (m *Manager) IdentityInUse(identityID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.identityID == identityID {
			return true
		}
	}
	return false
}

// CloseAll closes every live session.
func (m *Manager) CloseAll(ctx context.Context) {
	for _, s := range m.Sessions() {
		_ = s.Close(ctx)
	}
}

// remove unregisters a closed session, revokes its vaulted token, and
// records the closure.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	s.mu.Lock()
	tokenID := s.tokenID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.tokens.Revoke(ctx, tokenID, store.RevokeReasonManual); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("revoking session token failed", "session_id", s.id, "error", err)
	}
	if err := m.audit.Append(ctx, store.EventSessionClosed, s.identityID, true, map[string]any{
		"session_id": s.id,
	}); err != nil {
		m.logger.Error("audit append failed", "event_type", store.EventSessionClosed, "error", err)
	}
}
