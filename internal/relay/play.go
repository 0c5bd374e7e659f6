package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/turnrelay/internal/engine"
	"github.com/philsphicas/turnrelay/internal/listener"
	"github.com/philsphicas/turnrelay/internal/player"
)

// Play runs a whole session: handshake, relay until an outcome, and
// shutdown. Both players are closed when Play returns.
func Play(ctx context.Context, cfg Config, seat0, seat1 *player.Conn) (Summary, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	start := time.Now()
	s, err := Handshake(ctx, cfg, seat0, seat1)
	if err != nil {
		// Handshake leaves the players open only when called with bad arguments.
		seat0.Close()
		seat1.Close()
		return Summary{ID: cfg.ID, Duration: time.Since(start), Err: err}, err
	}
	err = s.Run(ctx)
	return s.Summary(), err
}

// Handler adapts Play to listener.Handler, building one engine per
// session from factory.
func Handler(factory engine.Factory, cfg Config) listener.Handler {
	return func(ctx context.Context, seat0, seat1 *player.Conn) error {
		eng, err := factory()
		if err != nil {
			seat0.Close()
			seat1.Close()
			return fmt.Errorf("create engine: %w", err)
		}
		defer engine.Close(eng) //nolint:errcheck // best-effort cleanup

		sc := cfg
		sc.ID = ""
		sc.Engine = eng
		_, err = Play(ctx, sc, seat0, seat1)
		return err
	}
}
