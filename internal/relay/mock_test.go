package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/philsphicas/turnrelay/internal/engine"
	"github.com/philsphicas/turnrelay/internal/player"
)

var errWriteFailed = errors.New("write: broken pipe")

// mockTransport is a scripted player. Lines queued on in are returned by
// reads; closing in makes the next read return io.EOF.
type mockTransport struct {
	addr string
	in   chan string

	mu         sync.Mutex
	out        []string
	reads      int
	writes     int
	failWrite  int // 1-based index of the write that fails; 0 never fails
	closes     atomic.Int32
	closed     chan struct{}
	closedOnce sync.Once
}

func newMockTransport(addr string) *mockTransport {
	return &mockTransport{addr: addr, in: make(chan string, 16), closed: make(chan struct{})}
}

func (m *mockTransport) ReadMessage(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
	select {
	case line, ok := <-m.in:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-m.closed:
		return "", net.ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *mockTransport) WriteMessage(ctx context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writes == m.failWrite {
		return errWriteFailed
	}
	m.out = append(m.out, msg)
	return nil
}

func (m *mockTransport) Close() error {
	m.closes.Add(1)
	m.closedOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockTransport) RemoteAddr() string { return m.addr }
func (m *mockTransport) Network() string    { return "mock" }

func (m *mockTransport) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.out...)
}

func (m *mockTransport) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func newPlayers() (*player.Conn, *player.Conn, *mockTransport, *mockTransport) {
	t0, t1 := newMockTransport("seat0:1"), newMockTransport("seat1:1")
	return player.New(0, t0), player.New(1, t1), t0, t1
}

// scriptedEngine returns the configured results in order and records the
// seats that acted.
type scriptedEngine struct {
	initial [2]string
	initErr error
	results [][2]string

	mu         sync.Mutex
	handshakes [2]string
	seats      []int
	actions    []string
}

func (e *scriptedEngine) Initialize(_ context.Context, h [2]string) ([2]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handshakes = h
	return e.initial, e.initErr
}

func (e *scriptedEngine) ApplyAction(_ context.Context, seat int, action string) ([2]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.seats)
	e.seats = append(e.seats, seat)
	e.actions = append(e.actions, action)
	if n >= len(e.results) {
		return [2]string{}, errors.New("no more scripted results")
	}
	return e.results[n], nil
}

var _ engine.Engine = (*scriptedEngine)(nil)

// recordingReporter keeps every event.
type recordingReporter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingReporter) Report(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingReporter) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ks []EventKind
	for _, ev := range r.events {
		ks = append(ks, ev.Kind)
	}
	return ks
}

func assertClosedOnce(t *testing.T, ts ...*mockTransport) {
	t.Helper()
	for i, m := range ts {
		if n := m.closes.Load(); n != 1 {
			t.Errorf("transport %d closed %d times, want 1", i, n)
		}
	}
}

func assertSent(t *testing.T, name string, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s received %q, want %q", name, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s message %d = %q, want %q", name, i, got[i], want[i])
		}
	}
}
