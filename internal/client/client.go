// Package client connects a terminal or script to a turnrelay server:
// stdin lines are sent as messages and received messages are printed.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/turnrelay/internal/player"
)

// Config holds client configuration.
type Config struct {
	Addr        string // host:port for TCP, or a ws:// or wss:// URL
	Stdin       io.Reader
	Stdout      io.Writer
	Logger      *slog.Logger
	DialTimeout time.Duration // 0 = no timeout beyond ctx
	Options     player.Options
}

// IsWebSocket reports whether addr names a WebSocket endpoint.
func IsWebSocket(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// Dial connects to addr using the transport its form implies.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts player.Options) (player.Transport, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if IsWebSocket(addr) {
		ws, _, err := websocket.Dial(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return player.NewWSTransport(ws, addr, opts), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return player.NewLineTransport(conn, opts), nil
}

// Run connects to the server and relays lines until the server closes
// the connection or ctx is done. End of stdin stops sending but keeps
// receiving.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t, err := Dial(ctx, cfg.Addr, cfg.DialTimeout, cfg.Options)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()
	cfg.Logger.Debug("connected", "addr", cfg.Addr, "transport", t.Network())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sendErr := make(chan error, 1)
	go func() { sendErr <- send(ctx, t, cfg.Stdin) }()

	recvErr := make(chan error, 1)
	go func() { recvErr <- receive(ctx, t, cfg.Stdout) }()

	for {
		select {
		case err := <-recvErr:
			return err
		case err := <-sendErr:
			if err != nil {
				return err
			}
			cfg.Logger.Debug("stdin closed; waiting for server")
			sendErr = nil
		}
	}
}

func send(ctx context.Context, t player.Transport, in io.Reader) error {
	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			if werr := t.WriteMessage(ctx, strings.TrimRight(line, "\r\n")); werr != nil {
				return fmt.Errorf("send: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
}

func receive(ctx context.Context, t player.Transport, out io.Writer) error {
	for {
		msg, err := t.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if _, err := fmt.Fprintln(out, msg); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
	}
}
