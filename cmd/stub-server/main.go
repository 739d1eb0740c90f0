// ABOUTME: Development server speaking the wire protocol over WebSocket
// ABOUTME: Issues challenges, verifies signatures, mints JWTs, sends requests

package main

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pocketagent/pocketagent/internal/handshake"
	"github.com/pocketagent/pocketagent/internal/identity"
	"github.com/pocketagent/pocketagent/internal/protocol"
	"github.com/pocketagent/pocketagent/internal/transport"
)

const banner = `
     _         _
 ___| |_ _   _| |__        ___  ___ _ ____   _____ _ __
/ __| __| | | | '_ \ _____/ __|/ _ \ '__\ \ / / _ \ '__|
\__ \ |_| |_| | |_) |_____\__ \  __/ |   \ V /  __/ |
|___/\__|\__,_|_.__/      |___/\___|_|    \_/ \___|_|
`

// scenario is one synthetic permission request sent to connected clients.
type scenario struct {
	tool   string
	action string
	params map[string]any
}

var scenarios = []scenario{
	{"search", "query", map[string]any{"q": "release notes"}},
	{"file", "read", map[string]any{"path": "/workspace/main.go"}},
	{"file", "write", map[string]any{"path": "/workspace/main.go", "bytes": 2048}},
	{"system", "execute", map[string]any{"cmd": "go test ./..."}},
	{"file", "delete", map[string]any{"path": "/workspace/tmp", "args": "rm -rf /workspace/tmp"}},
}

func main() {
	addr := flag.String("addr", ":8443", "listen address")
	keysFile := flag.String("keys", "", "authorized_keys file; empty accepts any key")
	interval := flag.Duration("interval", 15*time.Second, "synthetic permission request interval")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "session token lifetime")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := newServer(*keysFile, *interval, *tokenTTL, logger)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	defer srv.verifier.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)

	httpSrv := &http.Server{Addr: *addr, Handler: mux}

	color.New(color.FgCyan).Print(banner)
	fmt.Println()
	color.Green("Listening on %s (endpoint /ws)", *addr)
	if *keysFile == "" {
		color.Yellow("No --keys file: accepting any valid signature")
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

type server struct {
	verifier *handshake.Verifier
	allowed  map[string]bool // fingerprints; nil accepts all
	interval time.Duration
	tokenTTL time.Duration
	secret   []byte
	logger   *slog.Logger
}

func newServer(keysFile string, interval, tokenTTL time.Duration, logger *slog.Logger) (*server, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating token secret: %w", err)
	}

	var allowed map[string]bool
	if keysFile != "" {
		var err error
		allowed, err = loadAuthorizedKeys(keysFile)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded authorized keys", "count", len(allowed))
	}

	return &server{
		verifier: handshake.NewVerifier(0),
		allowed:  allowed,
		interval: interval,
		tokenTTL: tokenTTL,
		secret:   secret,
		logger:   logger,
	}, nil
}

// loadAuthorizedKeys reads fingerprints from an authorized_keys file.
func loadAuthorizedKeys(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keys file: %w", err)
	}
	allowed := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fp, err := identity.FingerprintFromAuthorizedKey(line)
		if err != nil {
			return nil, fmt.Errorf("parsing key %q: %w", line[:min(len(line), 40)], err)
		}
		allowed[fp] = true
	}
	return allowed, nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn := transport.NewWSConn(wsConn)
	defer conn.Close()

	ctx := r.Context()
	sess, err := s.authenticate(ctx, conn)
	if err != nil {
		s.logger.Warn("handshake failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.logger.Info("session established", "session_id", sess.id, "fingerprint", sess.fingerprint)
	sess.serve(ctx)
}

type clientSession struct {
	id          string
	fingerprint string
	key         []byte
	conn        transport.Conn
	interval    time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	pending  map[string]scenario
	nextScen int
}

// authenticate drives the server side of the challenge-response exchange.
func (s *server) authenticate(ctx context.Context, conn transport.Conn) (*clientSession, error) {
	handshakeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	if err := conn.Send(handshakeCtx, &protocol.AuthChallenge{Nonce: nonce, IssuedAt: time.Now().Unix()}); err != nil {
		return nil, err
	}

	msg, err := conn.Receive(handshakeCtx)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*protocol.AuthResponse)
	if !ok {
		return nil, fmt.Errorf("expected auth_response, got %T", msg)
	}

	fingerprint, err := s.verifier.Verify(resp)
	if err != nil {
		_ = conn.Send(handshakeCtx, &protocol.AuthReject{
			Code:   handshake.RejectCodeInvalidSignature,
			Reason: err.Error(),
		})
		return nil, err
	}
	if s.allowed != nil && !s.allowed[fingerprint] {
		_ = conn.Send(handshakeCtx, &protocol.AuthReject{
			Code:   "unknown_key",
			Reason: "public key not registered",
		})
		return nil, fmt.Errorf("unregistered fingerprint %s", fingerprint)
	}

	sessionID := uuid.New().String()
	token, err := s.mintToken(fingerprint, sessionID)
	if err != nil {
		return nil, err
	}
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, err
	}

	if err := conn.Send(handshakeCtx, &protocol.AuthResult{
		SessionID:    sessionID,
		SessionToken: token,
		SessionKey:   base64.StdEncoding.EncodeToString(sessionKey),
		ExpiresAt:    time.Now().Add(s.tokenTTL).Unix(),
	}); err != nil {
		return nil, err
	}

	return &clientSession{
		id:          sessionID,
		fingerprint: fingerprint,
		key:         sessionKey,
		conn:        conn,
		interval:    s.interval,
		logger:      s.logger,
		pending:     make(map[string]scenario),
	}, nil
}

// mintToken issues an HS256 JWT bound to the key fingerprint and session.
func (s *server) mintToken(fingerprint, sessionID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": fingerprint,
		"sid": sessionID,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// serve answers heartbeats and responses, and sends synthetic permission
// requests at the configured interval.
func (c *clientSession) serve(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	incoming := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := c.conn.Receive(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			c.logger.Info("connection ended", "session_id", c.id, "error", err)
			return
		case <-ticker.C:
			if err := c.sendRequest(ctx); err != nil {
				c.logger.Warn("sending permission request failed", "session_id", c.id, "error", err)
			}
		case msg := <-incoming:
			switch m := msg.(type) {
			case *protocol.HeartbeatProbe:
				_ = c.conn.Send(ctx, &protocol.HeartbeatAck{SessionID: m.SessionID, Seq: m.Seq})
			case *protocol.PermissionResponse:
				c.handleResponse(m)
			case *protocol.SessionClose:
				c.logger.Info("client closed session", "session_id", c.id, "reason", m.Reason)
				return
			default:
				c.logger.Warn("unexpected message", "session_id", c.id, "type", fmt.Sprintf("%T", msg))
			}
		}
	}
}

// sendRequest signs and sends the next scenario.
func (c *clientSession) sendRequest(ctx context.Context) error {
	c.mu.Lock()
	scen := scenarios[c.nextScen%len(scenarios)]
	c.nextScen++
	c.mu.Unlock()

	req := &protocol.PermissionRequest{
		ID:        uuid.New().String(),
		SessionID: c.id,
		Tool:      scen.tool,
		Action:    scen.action,
		Params:    scen.params,
		Timestamp: time.Now().Unix(),
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(req.CanonicalString()))
	req.Signature = hex.EncodeToString(mac.Sum(nil))

	c.mu.Lock()
	c.pending[req.ID] = scen
	c.mu.Unlock()

	c.logger.Info("permission request sent", "session_id", c.id, "tool", scen.tool, "action", scen.action)
	return c.conn.Send(ctx, req)
}

// handleResponse checks the response HMAC and logs the verdict.
func (c *clientSession) handleResponse(resp *protocol.PermissionResponse) {
	c.mu.Lock()
	scen, known := c.pending[resp.RequestID]
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()
	if !known {
		c.logger.Warn("response for unknown request", "session_id", c.id, "request_id", resp.RequestID)
		return
	}

	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(resp.CanonicalString()))
	if !hmac.Equal([]byte(resp.Signature), []byte(hex.EncodeToString(mac.Sum(nil)))) {
		c.logger.Warn("response signature mismatch", "session_id", c.id, "request_id", resp.RequestID)
		return
	}

	c.logger.Info("verdict received",
		"session_id", c.id,
		"tool", scen.tool,
		"action", scen.action,
		"decision", resp.Decision,
		"confirmed", resp.Confirmed,
		"reason", resp.Reason,
	)
}
