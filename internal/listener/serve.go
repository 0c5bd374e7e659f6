package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/philsphicas/turnrelay/internal/metrics"
	"github.com/philsphicas/turnrelay/internal/player"
)

var errPairerClosed = errors.New("pairer closed")

// Handler runs one session between the two seated players and must close
// both before returning.
type Handler func(ctx context.Context, seat0, seat1 *player.Conn) error

// Config holds accept-loop configuration.
type Config struct {
	MaxSessions  int           // 0 = unlimited; pairing waits for a free slot
	Once         bool          // serve exactly one session, then return its error
	TCPKeepAlive time.Duration // applied to accepted TCP players
	Logger       *slog.Logger
	Metrics      *metrics.Metrics // optional; nil disables metrics
	Handler      Handler
}

// Serve pairs players from sources and runs cfg.Handler for each pair. It
// blocks until ctx is cancelled, a source fails for good, or, with
// cfg.Once, the single session ends. Sources are closed on return and
// running sessions are cancelled and waited for.
func Serve(ctx context.Context, cfg Config, sources ...Source) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		return errors.New("listener: no session handler")
	}
	if len(sources) == 0 {
		return errors.New("listener: no sources")
	}
	for _, src := range sources {
		if tl, ok := src.(*TCPListener); ok {
			tl.keepAlive = cfg.TCPKeepAlive
		}
		cfg.Logger.Info("listening", "addr", src.Addr(), "transport", networkOf(src))
	}

	ctx, cancel := context.WithCancel(ctx)
	pairer := NewPairer(ctx, cfg.Logger, cfg.Metrics, sources...)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = pairer.Close()
		wg.Wait()
	}()

	sem := newSessionSemaphore(cfg.MaxSessions)
	for {
		if !sem.acquire(ctx) {
			return nil
		}
		seat0, seat1, err := pair(ctx, pairer, cfg)
		if err != nil {
			sem.release()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if cfg.Once {
			_ = pairer.Close()
			err := cfg.Handler(ctx, seat0, seat1)
			sem.release()
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.release()
			if err := cfg.Handler(ctx, seat0, seat1); err != nil {
				cfg.Logger.Debug("session handler returned", "error", err)
			}
		}()
	}
}

// pair waits for two players. A seat-0 player left waiting when pairing
// fails is closed.
func pair(ctx context.Context, p *Pairer, cfg Config) (*player.Conn, *player.Conn, error) {
	seat0, err := p.Accept(ctx)
	if err != nil {
		return nil, nil, err
	}
	cfg.Metrics.SetWaitingPlayers(1)
	defer cfg.Metrics.SetWaitingPlayers(0)
	cfg.Logger.Info("waiting for opponent", "seat", seat0.Seat(), "addr", seat0.RemoteAddr())

	seat1, err := p.Accept(ctx)
	if err != nil {
		cfg.Metrics.ConnectionError(seat0.Network(), metrics.ReasonAbandoned)
		_ = seat0.Close()
		return nil, nil, err
	}
	return seat0, seat1, nil
}
