package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/philsphicas/turnrelay/internal/engine"
	"github.com/philsphicas/turnrelay/internal/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "turnrelay",
		Short:        "Turn-synchronized relay for two-player games",
		Long:         "Pair two players, hand their handshakes to a game engine, and relay actions and results in strict alternation until the game ends.",
		SilenceUsage: true,
	}

	// Global flags.
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	cmd.PersistentFlags().String("config", "", "config file (yaml, toml, json); flags and TURNRELAY_* env vars take precedence")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(clientCmd())
	cmd.AddCommand(enginesCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func enginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List the built-in game engines",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range engine.Builtins() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// metrics-addr is configured. Returns nil if metrics are disabled. The
// provided context controls the server's lifetime; when cancelled the
// server shuts down gracefully.
func resolveMetrics(ctx context.Context, v *viper.Viper, logger *slog.Logger, routes ...metrics.Route) (*metrics.Metrics, error) {
	addr := v.GetString("metrics-addr")
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger, routes...); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}
