//go:build e2e

package e2e

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// turnrelayBinary builds the turnrelay binary once and returns its path.
func turnrelayBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			// Try current dir if we're running from root.
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "turnrelay")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/turnrelay")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build turnrelay: %v", buildErr)
	}
	return builtBinary
}

// turnrelayProcess represents a running turnrelay process with log capture.
type turnrelayProcess struct {
	cmd  *exec.Cmd
	logs *logBuffer
	done chan struct{}
	err  error
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		// Check if any waiters match.
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	// Check existing lines first.
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}


// waitCount blocks until at least n log lines contain substr. It reports
// whether the count was reached before the timeout.
func (lb *logBuffer) waitCount(substr string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		lb.mu.Lock()
		count := 0
		for _, line := range lb.lines {
			if strings.Contains(line, substr) {
				count++
			}
		}
		lb.mu.Unlock()
		if count >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// startTurnrelay starts a turnrelay process with the given args and returns
// a handle. The process is killed on test cleanup.
func startTurnrelay(t *testing.T, args ...string) *turnrelayProcess {
	t.Helper()
	binary := turnrelayBinary(t)

	cmd := exec.Command(binary, args...)
	cmd.Env = os.Environ()

	logs := &logBuffer{}
	cmd.Stderr = logs // turnrelay logs to stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start turnrelay %v: %v", args, err)
	}

	proc := &turnrelayProcess{
		cmd:  cmd,
		logs: logs,
		done: make(chan struct{}),
	}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	t.Cleanup(func() {
		select {
		case <-proc.done:
		default:
			cmd.Process.Kill()
			<-proc.done
		}
	})

	return proc
}

// wait blocks until the process exits and returns its exit error.
func (p *turnrelayProcess) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case <-p.done:
		return p.err
	case <-time.After(timeout):
		t.Fatalf("turnrelay did not exit within %v\nlogs:\n%s", timeout, p.logs.String())
		return nil
	}
}

// startServer starts "turnrelay serve" on an ephemeral TCP port and returns
// the process and the player address.
func startServer(t *testing.T, extraArgs ...string) (*turnrelayProcess, string) {
	t.Helper()
	args := append([]string{
		"serve",
		"--host", "127.0.0.1",
		"--port", "0",
		"--log-level", "debug",
	}, extraArgs...)
	proc := startTurnrelay(t, args...)
	addr := waitForLogAddr(t, proc, "transport=tcp", 15*time.Second)
	return proc, addr
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *turnrelayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q\nlogs:\n%s", substr, proc.logs.String())
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *turnrelayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// tcpPlayer is one seat speaking the line protocol to the relay.
type tcpPlayer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// dialPlayer connects a player and waits until the server has logged its
// arrival, so seat order follows call order.
func dialPlayer(t *testing.T, proc *turnrelayProcess, addr string, arrivals int) *tcpPlayer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	if !proc.logs.waitCount("player connected", arrivals, 10*time.Second) {
		t.Fatalf("server did not seat player %d\nlogs:\n%s", arrivals, proc.logs.String())
	}
	return &tcpPlayer{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (p *tcpPlayer) send(line string) {
	p.t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(p.conn, "%s\n", line); err != nil {
		p.t.Fatalf("send %q: %v", line, err)
	}
}

func (p *tcpPlayer) recv() string {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := p.r.ReadString('\n')
	if err != nil {
		p.t.Fatalf("recv: %v (partial %q)", err, line)
	}
	return strings.TrimRight(line, "\r\n")
}

// expectClosed asserts that the relay closes the connection.
func (p *tcpPlayer) expectClosed() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := p.r.ReadString('\n')
	if err == nil {
		p.t.Fatalf("expected connection closed, got %q", line)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		p.t.Fatal("connection still open after 10s")
	}
}
