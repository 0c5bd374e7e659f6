package player

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// aLongTimeAgo is a deadline that has already passed; setting it aborts
// any blocked read or write.
var aLongTimeAgo = time.Unix(1, 0)

// lineTransport frames messages with '\n' over a stream connection.
type lineTransport struct {
	conn net.Conn
	r    *bufio.Reader
	opts Options
}

// NewLineTransport wraps a stream connection with newline framing.
func NewLineTransport(conn net.Conn, opts Options) Transport {
	return &lineTransport{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
		opts: opts,
	}
}

func (t *lineTransport) ReadMessage(ctx context.Context) (string, error) {
	stop := t.abortOnDone(ctx)
	defer stop()
	if t.opts.Timeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.Timeout))
	}
	line, err := t.readLine()
	if err != nil {
		return "", t.classify(ctx, err)
	}
	return line, nil
}

// readLine returns the next line without its terminator. A final line
// without a terminator is still a line; EOF with nothing buffered is
// io.EOF.
func (t *lineTransport) readLine() (string, error) {
	var buf []byte
	max := t.opts.maxLine()
	for {
		frag, err := t.r.ReadSlice('\n')
		buf = append(buf, frag...)
		// Leave room for a "\r\n" terminator until the line is complete.
		if len(buf) > max+2 {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			break
		}
		return "", err
	}
	line := trimEOL(buf)
	if len(line) > max {
		return "", ErrLineTooLong
	}
	return string(line), nil
}

// trimEOL removes one trailing "\n" and then one trailing "\r".
func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

func (t *lineTransport) WriteMessage(ctx context.Context, msg string) error {
	stop := t.abortOnDone(ctx)
	defer stop()
	if t.opts.Timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.Timeout))
	}
	if _, err := io.WriteString(t.conn, msg+"\n"); err != nil {
		return t.classify(ctx, err)
	}
	return nil
}

// abortOnDone unblocks in-flight I/O when ctx is cancelled.
func (t *lineTransport) abortOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		_ = t.conn.SetDeadline(aLongTimeAgo)
	})
}

func (t *lineTransport) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// aliveWait bounds how long Alive waits for the peer's EOF to show up.
const aliveWait = time.Millisecond

// Alive peeks at the stream: an EOF or error means the peer is gone, a
// timeout means it is connected and silent. Peeked bytes stay buffered.
func (t *lineTransport) Alive() bool {
	_ = t.conn.SetReadDeadline(time.Now().Add(aliveWait))
	_, err := t.r.Peek(1)
	_ = t.conn.SetReadDeadline(time.Time{})
	if err == nil {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (t *lineTransport) Close() error { return t.conn.Close() }

func (t *lineTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *lineTransport) Network() string { return "tcp" }
