// ABOUTME: WebSocket transport carrying protocol envelopes as text frames
// ABOUTME: Wraps coder/websocket with idempotent close semantics

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/pocketagent/pocketagent/internal/protocol"
)

// WSConn is a Conn backed by a WebSocket connection.
type WSConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an accepted or dialed WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Send encodes the message into an envelope and writes it as one text frame.
func (c *WSConn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if websocket.CloseStatus(err) != -1 {
			return ErrClosed
		}
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Receive reads the next frame and decodes its envelope.
func (c *WSConn) Receive(ctx context.Context) (protocol.Message, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return protocol.Decode(data)
}

// Close performs the closing handshake. Safe to call more than once.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "closed")
	})
	return c.closeErr
}

// WSDialer dials agent hosts over WebSocket.
type WSDialer struct {
	// Opts is passed through to the underlying dial. Nil uses defaults.
	Opts *websocket.DialOptions
}

// Dial opens a WebSocket connection to url.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, d.Opts)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWSConn(conn), nil
}
