package listener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/turnrelay/internal/metrics"
	"github.com/philsphicas/turnrelay/internal/player"
)

// DefaultWSPath is where WebSocket players connect.
const DefaultWSPath = "/play"

// WSOptions configure a WebSocket source.
type WSOptions struct {
	Path           string   // upgrade path; DefaultWSPath when empty
	OriginPatterns []string // extra allowed Origin hosts, see websocket.AcceptOptions
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
}

// WSListener accepts players over WebSocket, one text frame per message.
type WSListener struct {
	ln     net.Listener
	srv    *http.Server
	opts   player.Options
	wsOpts WSOptions

	conns     chan player.Transport
	done      chan struct{}
	closeOnce sync.Once
}

// ListenWS binds addr and starts serving WebSocket upgrades on the
// configured path, plus a /healthz probe.
func ListenWS(addr string, wsOpts WSOptions, opts player.Options) (*WSListener, error) {
	if wsOpts.Path == "" {
		wsOpts.Path = DefaultWSPath
	}
	if wsOpts.Logger == nil {
		wsOpts.Logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	l := &WSListener{
		ln:     ln,
		opts:   opts,
		wsOpts: wsOpts,
		conns:  make(chan player.Transport),
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsOpts.Path, l.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	})
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wsOpts.Logger.Warn("websocket server stopped", "addr", ln.Addr(), "error", err)
		}
	}()
	return l, nil
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: l.wsOpts.OriginPatterns,
	})
	if err != nil {
		l.wsOpts.Logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		l.wsOpts.Metrics.ConnectionError("websocket", metrics.ReasonUpgradeFailed)
		return
	}

	t := player.NewWSTransport(ws, r.RemoteAddr, l.opts)
	select {
	case l.conns <- t:
	case <-l.done:
		_ = t.Close()
		return
	}
	// The session owns the connection now; keep the handler alive until
	// it is released.
	<-t.Done()
}

// Accept waits for the next WebSocket player.
func (l *WSListener) Accept(ctx context.Context) (player.Transport, error) {
	select {
	case t := <-l.conns:
		return t, nil
	case <-l.done:
		return nil, &AcceptError{Addr: l.ln.Addr().String(), Err: net.ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WSListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting upgrades. Players already handed out are
// unaffected.
func (l *WSListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}
