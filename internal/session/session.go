// ABOUTME: Session state machine with heartbeat and reconnect loops
// ABOUTME: One goroutine per session; close is idempotent and aborts retries

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/pocketagent/pocketagent/internal/handshake"
	"github.com/pocketagent/pocketagent/internal/protocol"
	"github.com/pocketagent/pocketagent/internal/store"
	"github.com/pocketagent/pocketagent/internal/transport"
)

// State of a session. Closed is terminal.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateReconnecting
	StateReauthenticating
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateReauthenticating:
		return "reauthenticating"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Session is one authenticated connection to an agent host.
type Session struct {
	id         string
	identityID string
	projectID  string
	url        string

	dialer transport.Dialer
	auth   Handshaker
	tokens TokenStore
	cfg    Config
	logger *slog.Logger

	// onClose unregisters the session from its manager.
	onClose func(*Session)

	mu      sync.Mutex
	state   State
	conn    transport.Conn
	key     []byte // session HMAC key, replaced on reconnect
	token   string
	tokenID string
	seq     uint64

	runCtx    context.Context
	runCancel context.CancelFunc

	// readers tracks live readLoop goroutines so Close can drain them
	// before closing the requests channel.
	readers sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}

	// requests delivers permission requests read off the connection.
	requests chan *protocol.PermissionRequest

	// acks carries heartbeat ack sequence numbers from the reader to the
	// heartbeat loop.
	acks chan uint64

	// connLost wakes the heartbeat loop when the reader hits an error.
	connLost chan struct{}
}

// ID returns the server-assigned session ID.
func (s *Session) ID() string { return s.id }

// IdentityID returns the identity backing this session.
func (s *Session) IdentityID() string { return s.identityID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Key returns a copy of the session HMAC key.
func (s *Session) Key() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := make([]byte, len(s.key))
	copy(key, s.key)
	return key
}

// Requests returns the channel of permission requests read off the
// connection. The channel closes when the session closes.
func (s *Session) Requests() <-chan *protocol.PermissionRequest {
	return s.requests
}

// Send writes a message on the session's current connection.
func (s *Session) Send(ctx context.Context, msg protocol.Message) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state == StateClosing || state == StateClosed {
		return ErrSessionClosed
	}
	return conn.Send(ctx, msg)
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// setState transitions the state; transitions out of Closing or Closed are
// refused so Close wins every race.
func (s *Session) setState(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || (s.state == StateClosing && next != StateClosed) {
		return false
	}
	s.logger.Debug("session state change", "session_id", s.id, "from", s.state.String(), "to", next.String())
	s.state = next
	return true
}

// run is the session's background loop: it starts the reader and drives
// heartbeats until the session closes.
func (s *Session) run() {
	s.startReader(s.currentConn())
	s.heartbeatLoop()
}

func (s *Session) startReader(conn transport.Conn) {
	s.readers.Add(1)
	go func() {
		defer s.readers.Done()
		s.readLoop(conn)
	}()
}

func (s *Session) currentConn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// readLoop drains one connection, routing messages until it fails or the
// session stops. A new readLoop starts for each reconnected connection.
func (s *Session) readLoop(conn transport.Conn) {
	for {
		msg, err := conn.Receive(s.runCtx)
		if err != nil {
			// Only the reader of the session's current connection reports a
			// loss; readers of replaced connections just exit.
			if s.runCtx.Err() == nil && s.currentConn() == conn {
				select {
				case s.connLost <- struct{}{}:
				default:
				}
			}
			return
		}
		switch m := msg.(type) {
		case *protocol.HeartbeatAck:
			select {
			case s.acks <- m.Seq:
			case <-s.runCtx.Done():
				return
			}
		case *protocol.PermissionRequest:
			select {
			case s.requests <- m:
			case <-s.runCtx.Done():
				return
			}
		case *protocol.SessionClose:
			s.logger.Info("server closed session", "session_id", s.id, "reason", m.Reason)
			go s.Close(context.Background())
			return
		default:
			s.logger.Warn("unexpected message on active session", "session_id", s.id, "type", fmt.Sprintf("%T", msg))
		}
	}
}

// heartbeatLoop probes the server at the configured interval while the
// session is Active. A missed ack or a lost connection triggers reconnect.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-s.connLost:
			if !s.reconnect() {
				return
			}
		case <-ticker.C:
			if s.State() != StateActive {
				continue
			}
			if err := s.probe(); err != nil {
				s.logger.Warn("heartbeat failed", "session_id", s.id, "error", err)
				if !s.reconnect() {
					return
				}
			}
		}
	}
}

// probe sends one heartbeat and waits for its ack within the timeout.
// Acks are cumulative: any ack at or past the probed sequence counts.
func (s *Session) probe() error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	conn := s.conn
	s.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(s.runCtx, s.cfg.HeartbeatTimeout)
	defer cancel()
	if err := conn.Send(sendCtx, &protocol.HeartbeatProbe{
		SessionID: s.id,
		Seq:       seq,
		SentAt:    time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("sending probe: %w", err)
	}

	deadline := time.NewTimer(s.cfg.HeartbeatTimeout)
	defer deadline.Stop()
	for {
		select {
		case acked := <-s.acks:
			if acked >= seq {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("no ack for probe %d within %v", seq, s.cfg.HeartbeatTimeout)
		case <-s.runCtx.Done():
			return s.runCtx.Err()
		}
	}
}

// reconnect tears down the current connection and re-establishes the
// session with capped exponential backoff and bounded attempts. Returns
// false when the session is closed, either by the caller during a pending
// retry or by reconnect itself after the attempt budget is spent.
func (s *Session) reconnect() bool {
	if !s.setState(StateReconnecting) {
		return false
	}
	s.logger.Info("reconnecting", "session_id", s.id, "url", s.url)

	s.mu.Lock()
	old := s.conn
	s.mu.Unlock()
	_ = old.Close()

	r := retry.New(
		retry.Context(s.runCtx),
		retry.Attempts(s.cfg.ReconnectMaxAttempts),
		retry.Delay(s.cfg.ReconnectBaseDelay),
		retry.MaxDelay(s.cfg.ReconnectMaxDelay),
		retry.MaxJitter(s.cfg.ReconnectBaseDelay/4),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
	err := r.Do(func() error {
		return s.attemptReconnect()
	})
	if err != nil {
		if s.runCtx.Err() != nil {
			// Close raced the retry loop and won.
			return false
		}
		s.logger.Error("reconnect gave up", "session_id", s.id, "error", err)
		go s.Close(context.Background())
		return false
	}

	// Drop any loss signal the replaced reader raced in.
	select {
	case <-s.connLost:
	default:
	}
	return true
}

// attemptReconnect performs one dial plus handshake. On success the
// session's connection and key material are swapped and a fresh reader
// starts.
func (s *Session) attemptReconnect() error {
	dialCtx, cancel := context.WithTimeout(s.runCtx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, s.url)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}

	if !s.setState(StateReauthenticating) {
		_ = conn.Close()
		return ErrSessionClosed
	}
	result, err := s.auth.Authenticate(dialCtx, conn, s.identityID, s.projectID)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.key = result.SessionKey
	minted := result.SessionToken != "" && result.SessionToken != s.token
	if minted {
		s.token = result.SessionToken
	}
	tokenID := s.tokenID
	s.mu.Unlock()

	if minted {
		newID, err := s.tokens.Rotate(s.runCtx, tokenID, []byte(result.SessionToken))
		if err != nil {
			s.logger.Warn("rotating session token failed", "session_id", s.id, "error", err)
		} else {
			s.mu.Lock()
			s.tokenID = newID
			s.mu.Unlock()
		}
	}

	if !s.setState(StateActive) {
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.logger.Info("reconnected", "session_id", s.id)
	s.startReader(conn)
	return nil
}

// Close tears the session down: it cancels background work (including any
// pending reconnect delay), tells the server, closes the connection, and
// unregisters from the manager. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		conn := s.conn
		s.mu.Unlock()

		s.runCancel()

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = conn.Send(closeCtx, &protocol.SessionClose{SessionID: s.id, Reason: "client closed"})
		_ = conn.Close()

		// Readers must be gone before the requests channel closes.
		s.readers.Wait()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose(s)
		}
		close(s.requests)
		close(s.done)
		s.logger.Info("session closed", "session_id", s.id)
	})
	<-s.done
	return nil
}

// Handshaker is the authentication dependency of a session.
type Handshaker interface {
	Authenticate(ctx context.Context, conn transport.Conn, identityID, projectID string) (*handshake.Result, error)
}

// TokenStore is the vault surface sessions need. Rotate replaces the
// vaulted token when the server mints a fresh one during re-auth.
type TokenStore interface {
	Store(ctx context.Context, projectID string, value []byte, typ store.TokenType, expiresAt *time.Time) (string, error)
	Rotate(ctx context.Context, tokenID string, newValue []byte) (string, error)
	Revoke(ctx context.Context, tokenID string, reason store.RevokeReason) error
}
