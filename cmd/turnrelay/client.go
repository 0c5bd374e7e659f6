package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/philsphicas/turnrelay/internal/client"
	"github.com/philsphicas/turnrelay/internal/player"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client <host:port | ws://host:port/play>",
		Short: "Play from stdin/stdout",
		Long: `Connect to a turnrelay server, send each stdin line as one message and
print each received message on its own line. Exits when the server closes
the connection.

Example:
  turnrelay client localhost:5000
  echo '{"name":"bot"}' | turnrelay client ws://localhost:8080/play`,
		Args: cobra.ExactArgs(1),
		RunE: runClient,
	}
	cmd.Flags().Duration("dial-timeout", 10*time.Second, "timeout for connecting to the server (0 = no timeout)")
	cmd.Flags().Int("max-line-bytes", 0, "maximum size of one received message (0 = default)")
	return cmd
}

func runClient(cmd *cobra.Command, args []string) error {
	v, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(v.GetString("log-level"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("type one JSON message per line; end of input stops sending")
	}

	return client.Run(ctx, client.Config{
		Addr:        args[0],
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Logger:      logger,
		DialTimeout: v.GetDuration("dial-timeout"),
		Options:     player.Options{MaxLineBytes: v.GetInt("max-line-bytes")},
	})
}
