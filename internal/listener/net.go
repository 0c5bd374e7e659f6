package listener

import (
	"context"
	"net"
	"time"
)

// SetTCPKeepAlive enables TCP keepalive on the connection if it is a
// *net.TCPConn and d > 0.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}

// sessionSemaphore limits concurrent sessions. A nil channel (from
// newSessionSemaphore(0)) imposes no limit.
type sessionSemaphore struct {
	ch chan struct{}
}

func newSessionSemaphore(max int) *sessionSemaphore {
	if max <= 0 {
		return &sessionSemaphore{}
	}
	return &sessionSemaphore{ch: make(chan struct{}, max)}
}

// acquire waits for a free slot. It returns false if ctx is done first.
func (s *sessionSemaphore) acquire(ctx context.Context) bool {
	if s.ch == nil {
		return ctx.Err() == nil
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *sessionSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
