package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/coder/websocket"
)

// wsTransport carries one message per WebSocket text frame.
type wsTransport struct {
	ws     *websocket.Conn
	remote string
	opts   Options

	closeOnce sync.Once
	done      chan struct{}
}

// WSTransport is a Transport backed by a WebSocket. Done is closed once
// the transport is closed, so an HTTP handler can hold the request open
// for the transport's lifetime.
type WSTransport interface {
	Transport
	Done() <-chan struct{}
}

// NewWSTransport wraps an established WebSocket connection.
func NewWSTransport(ws *websocket.Conn, remote string, opts Options) WSTransport {
	ws.SetReadLimit(int64(opts.maxLine()))
	return &wsTransport{
		ws:     ws,
		remote: remote,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

func (t *wsTransport) ReadMessage(ctx context.Context) (string, error) {
	opCtx, cancel := t.opContext(ctx)
	defer cancel()
	typ, data, err := t.ws.Read(opCtx)
	if err != nil {
		return "", t.classify(ctx, err)
	}
	if typ != websocket.MessageText {
		return "", ErrBinaryFrame
	}
	return string(trimEOL(data)), nil
}

func (t *wsTransport) WriteMessage(ctx context.Context, msg string) error {
	opCtx, cancel := t.opContext(ctx)
	defer cancel()
	if err := t.ws.Write(opCtx, websocket.MessageText, []byte(msg)); err != nil {
		return t.classify(ctx, err)
	}
	return nil
}

func (t *wsTransport) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opts.Timeout > 0 {
		return context.WithTimeout(ctx, t.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (t *wsTransport) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return io.EOF
	}
	// A peer that drops the connection without a close frame.
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}

// Close tears the connection down without a close handshake, so pending
// reads and writes fail at once even if the peer has stopped reading.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.ws.CloseNow()
		close(t.done)
	})
	return err
}

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) RemoteAddr() string { return t.remote }

func (t *wsTransport) Network() string { return "websocket" }
