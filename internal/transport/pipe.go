// ABOUTME: In-memory connected Conn pair for tests
// ABOUTME: Messages pass through the envelope codec like real frames do

package transport

import (
	"context"
	"sync"

	"github.com/pocketagent/pocketagent/internal/protocol"
)

// Pipe returns two connected in-memory connections. A message sent on one
// end is received on the other. Closing either end unblocks both.
func Pipe() (Conn, Conn) {
	aToB := make(chan []byte, 16)
	bToA := make(chan []byte, 16)
	done := make(chan struct{})
	closeOnce := &sync.Once{}
	a := &pipeConn{send: aToB, recv: bToA, done: done, closeOnce: closeOnce}
	b := &pipeConn{send: bToA, recv: aToB, done: done, closeOnce: closeOnce}
	return a, b
}

type pipeConn struct {
	send chan []byte
	recv chan []byte

	done      chan struct{}
	closeOnce *sync.Once
}

// Send encodes the message so pipe traffic exercises the same codec path
// as a real connection.
func (c *pipeConn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case data := <-c.recv:
		return protocol.Decode(data)
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
