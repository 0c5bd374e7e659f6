package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/philsphicas/turnrelay/internal/engine"
	"github.com/philsphicas/turnrelay/internal/history"
	"github.com/philsphicas/turnrelay/internal/listener"
	"github.com/philsphicas/turnrelay/internal/metrics"
	"github.com/philsphicas/turnrelay/internal/player"
	"github.com/philsphicas/turnrelay/internal/protocol"
	"github.com/philsphicas/turnrelay/internal/record"
	"github.com/philsphicas/turnrelay/internal/relay"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept players and relay their games",
		Long: `Listen for players over TCP (one JSON message per line) and, optionally,
WebSocket (one JSON message per text frame). Every two arrivals form a
session: seat 0 is the first arrival, seat 1 the second. Each player sends
one handshake line; the engine answers with an initial condition per seat;
then seat 0 and seat 1 alternate actions until the acting seat receives a
result carrying an "outcome" field.

The host flag is --host only: -h is reserved for help, so "-h <host>"
from older tools does not select the listen host.

Example:
  turnrelay serve --port 5000 --engine tictactoe
  turnrelay serve --once --engine-script ./rules.lua`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().AddFlagSet(serveFlags())
	return cmd
}

func serveFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	// -h stays with help, so the host has no shorthand.
	fs.String("host", "localhost", "host to listen on for TCP players")
	fs.IntP("port", "p", 5000, "port to listen on for TCP players")
	fs.String("ws-addr", "", "address for WebSocket players (e.g. :8080); disabled if empty")
	fs.String("ws-path", listener.DefaultWSPath, "HTTP path upgraded to WebSocket")
	fs.StringSlice("ws-origin", nil, "additional allowed Origin host patterns for WebSocket players")
	fs.String("engine", "tictactoe", "built-in game engine (see 'turnrelay engines')")
	fs.String("engine-script", "", "path to a Lua engine script; overrides --engine")
	fs.Duration("io-timeout", 0, "per-message read/write timeout (0 = wait forever)")
	fs.Int("max-line-bytes", protocol.DefaultMaxLineBytes, "maximum size of one message")
	fs.Int("max-sessions", 1, "max concurrent sessions (0 = unlimited)")
	fs.Bool("once", false, "serve a single session, then exit with its result")
	fs.Bool("notify-abort", false, "tell players when their session is aborted by the other side")
	fs.Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	fs.String("record-db", "", "SQLite file recording every session transcript; disabled if empty")
	fs.Duration("history-ttl", time.Hour, "how long ended sessions stay listed at /sessions on the metrics server")
	return fs
}

func runServe(cmd *cobra.Command, args []string) error {
	v, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(v.GetString("log-level"))

	if n := v.GetInt("max-line-bytes"); n < 0 {
		return fmt.Errorf("--max-line-bytes must be >= 0, got %d", n)
	}
	if n := v.GetInt("max-sessions"); n < 0 {
		return fmt.Errorf("--max-sessions must be >= 0, got %d", n)
	}
	script, err := resolveEngine(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := player.Options{
		Timeout:      v.GetDuration("io-timeout"),
		MaxLineBytes: v.GetInt("max-line-bytes"),
	}

	reporters := relay.Reporters{relay.LogReporter{Logger: logger}}
	var routes []metrics.Route
	if v.GetString("metrics-addr") != "" {
		hist := history.New(v.GetDuration("history-ttl"))
		reporters = append(reporters, hist)
		routes = append(routes, metrics.Route{Pattern: "/sessions", Handler: hist})
	}
	if path := v.GetString("record-db"); path != "" {
		rec, err := record.Open(path, logger)
		if err != nil {
			return err
		}
		defer rec.Close() //nolint:errcheck // best-effort cleanup
		reporters = append(reporters, rec)
		logger.Info("recording sessions", "path", path)
	}

	m, err := resolveMetrics(ctx, v, logger, routes...)
	if err != nil {
		return err
	}

	sources, err := listen(v, opts, logger, m)
	if err != nil {
		return err
	}

	logger.Info("engine loaded", "engine", script.Name())
	cfg := listener.Config{
		MaxSessions:  v.GetInt("max-sessions"),
		Once:         v.GetBool("once"),
		TCPKeepAlive: v.GetDuration("tcp-keepalive"),
		Logger:       logger,
		Metrics:      m,
		Handler: relay.Handler(script.Factory(), relay.Config{
			Logger:      logger,
			Metrics:     m,
			Reporter:    reporters,
			NotifyAbort: v.GetBool("notify-abort"),
		}),
	}
	return listener.Serve(ctx, cfg, sources...)
}

func resolveEngine(v *viper.Viper) (*engine.Script, error) {
	if path := v.GetString("engine-script"); path != "" {
		return engine.LoadScript(path)
	}
	return engine.Builtin(v.GetString("engine"))
}

func listen(v *viper.Viper, opts player.Options, logger *slog.Logger, m *metrics.Metrics) ([]listener.Source, error) {
	addr := net.JoinHostPort(v.GetString("host"), strconv.Itoa(v.GetInt("port")))
	tcp, err := listener.Listen(addr, opts)
	if err != nil {
		return nil, err
	}
	sources := []listener.Source{tcp}

	if wsAddr := v.GetString("ws-addr"); wsAddr != "" {
		ws, err := listener.ListenWS(wsAddr, listener.WSOptions{
			Path:           v.GetString("ws-path"),
			OriginPatterns: v.GetStringSlice("ws-origin"),
			Logger:         logger,
			Metrics:        m,
		}, opts)
		if err != nil {
			_ = tcp.Close()
			return nil, err
		}
		sources = append(sources, ws)
	}
	return sources, nil
}
