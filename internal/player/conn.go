// Package player wraps the transport of one connected party with its
// seat index and line-oriented read/write operations.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/turnrelay/internal/protocol"
)

var (
	// ErrTimeout is matched by reads and writes that exceed Options.Timeout.
	ErrTimeout = errors.New("player i/o timed out")

	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("player connection closed")

	// ErrLineTooLong is returned when a message exceeds Options.MaxLineBytes.
	ErrLineTooLong = errors.New("line exceeds maximum length")

	// ErrBinaryFrame is returned when a WebSocket player sends a binary frame.
	ErrBinaryFrame = errors.New("binary frames are not supported")
)

// Options tune a transport.
type Options struct {
	// Timeout bounds each read and write. Zero blocks forever.
	Timeout time.Duration

	// MaxLineBytes bounds one message. Zero means protocol.DefaultMaxLineBytes.
	MaxLineBytes int
}

func (o Options) maxLine() int {
	if o.MaxLineBytes <= 0 {
		return protocol.DefaultMaxLineBytes
	}
	return o.MaxLineBytes
}

// Transport moves whole messages over one connection. Implementations
// need not be safe for concurrent reads or concurrent writes; a session
// never issues two operations on the same player at once.
type Transport interface {
	ReadMessage(ctx context.Context) (string, error)
	WriteMessage(ctx context.Context, msg string) error
	Close() error
	RemoteAddr() string
	Network() string
}

// Alive reports whether the peer behind t is still connected, without
// consuming any of its input. Transports that cannot tell report true.
func Alive(t Transport) bool {
	if a, ok := t.(interface{ Alive() bool }); ok {
		return a.Alive()
	}
	return true
}

// Conn is a transport bound to a seat. The seat never changes and the
// transport is closed at most once.
type Conn struct {
	seat int
	t    Transport

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// New binds t to seat, which must be 0 or 1.
func New(seat int, t Transport) *Conn {
	if seat != 0 && seat != 1 {
		panic(fmt.Sprintf("player: invalid seat %d", seat))
	}
	return &Conn{seat: seat, t: t}
}

// Seat returns the seat index assigned at accept time.
func (c *Conn) Seat() int { return c.seat }

// RemoteAddr describes the peer.
func (c *Conn) RemoteAddr() string { return c.t.RemoteAddr() }

// Network names the transport, e.g. "tcp" or "websocket".
func (c *Conn) Network() string { return c.t.Network() }

// ReadLine blocks until the player sends one message.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	line, err := c.t.ReadMessage(ctx)
	if err != nil && c.closed.Load() && ctx.Err() == nil {
		return "", fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return line, err
}

// WriteLine sends one message. The line must not contain separators.
func (c *Conn) WriteLine(ctx context.Context, line string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := protocol.CheckPayload(line); err != nil {
		return err
	}
	err := c.t.WriteMessage(ctx, line)
	if err != nil && c.closed.Load() && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

// Close closes the transport. Only the first call has any effect; later
// calls return the first call's result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.t.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }
