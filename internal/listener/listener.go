// Package listener accepts players over TCP and WebSocket, pairs arrivals
// into seats 0 and 1, and runs one session per pair.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/philsphicas/turnrelay/internal/player"
)

// BindError reports that a listening address could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// AcceptError reports that a source failed to accept a player.
type AcceptError struct {
	Addr string
	Err  error
}

func (e *AcceptError) Error() string { return fmt.Sprintf("accept on %s: %v", e.Addr, e.Err) }
func (e *AcceptError) Unwrap() error { return e.Err }

// Source produces connected players.
type Source interface {
	// Accept blocks until a player connects, the source is closed or
	// ctx is done.
	Accept(ctx context.Context) (player.Transport, error)
	Addr() net.Addr
	Close() error
}

// TCPListener accepts newline-framed players on a TCP address.
type TCPListener struct {
	ln        net.Listener
	opts      player.Options
	keepAlive time.Duration
}

// Listen binds addr.
func Listen(addr string, opts player.Options) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	return &TCPListener{ln: ln, opts: opts}, nil
}

// Accept waits for the next player.
func (l *TCPListener) Accept(ctx context.Context) (player.Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &AcceptError{Addr: l.ln.Addr().String(), Err: err}
	}
	SetTCPKeepAlive(conn, l.keepAlive)
	return player.NewLineTransport(conn, l.opts), nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting. Accepted players are unaffected.
func (l *TCPListener) Close() error { return l.ln.Close() }

// isClosed reports whether an accept error means the source is gone for
// good rather than a transient failure.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
