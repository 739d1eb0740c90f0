// ABOUTME: Conn and Dialer interfaces shared by all transports
// ABOUTME: Sentinel errors for closed connections

package transport

import (
	"context"
	"errors"

	"github.com/pocketagent/pocketagent/internal/protocol"
)

// ErrClosed is returned by Send and Receive after the connection closes.
var ErrClosed = errors.New("connection closed")

// Conn is a message-oriented connection to the agent host. Implementations
// must support one concurrent sender and one concurrent receiver; Close may
// be called from any goroutine and is idempotent.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

// Dialer opens connections to an agent host URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
