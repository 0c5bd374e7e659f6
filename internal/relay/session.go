// Package relay runs turn-synchronized sessions between two seated
// players: the handshake that creates a session, the alternating relay
// of actions and results, and the shutdown that releases both players.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/turnrelay/internal/engine"
	"github.com/philsphicas/turnrelay/internal/metrics"
	"github.com/philsphicas/turnrelay/internal/player"
	"github.com/philsphicas/turnrelay/internal/protocol"
)

// abortNoticeTimeout bounds the best-effort abort notification.
const abortNoticeTimeout = time.Second

// Config holds the collaborators of one session.
type Config struct {
	ID          string // session ID; a random UUID when empty
	Engine      engine.Engine
	Logger      *slog.Logger
	Metrics     *metrics.Metrics // optional; nil disables metrics
	Reporter    Reporter         // optional
	NotifyAbort bool             // send an abort notice to players that did not cause a failure
}

// Session is a paired game between seat 0 and seat 1. The engine is
// referenced, not owned.
type Session struct {
	id        string
	cfg       Config
	logger    *slog.Logger
	players   [2]*player.Conn
	reportCtx context.Context
	tracker   *metrics.SessionTracker
	started   time.Time
	stop      func() bool

	mu       sync.Mutex
	active   int
	terminal bool
	cycles   int
	outcome  string
	err      error
	ended    time.Time

	shutdownOnce sync.Once
}

// Handshake reads one line from seat 0 and then one from seat 1, creates
// the game through the engine and sends each seat its own initial
// condition. On failure the players are shut down and nothing has been
// sent unless the failure is a KindHandshakeWrite.
func Handshake(ctx context.Context, cfg Config, seat0, seat1 *player.Conn) (*Session, error) {
	if seat0.Seat() != 0 || seat1.Seat() != 1 {
		return nil, fmt.Errorf("handshake: players in seats %d and %d, want 0 and 1", seat0.Seat(), seat1.Seat())
	}
	if cfg.Engine == nil {
		return nil, errors.New("handshake: no engine")
	}
	s := newSession(ctx, cfg, seat0, seat1)

	var lines [2]string
	for seat, p := range s.players {
		line, err := p.ReadLine(ctx)
		if err != nil {
			return nil, s.fail(ctx, &Error{Kind: KindHandshakeRead, Seat: seat, Err: err})
		}
		lines[seat] = line
	}
	s.report(ctx, Event{Kind: EventHandshake, Payloads: lines})

	start := time.Now()
	initial, err := s.cfg.Engine.Initialize(ctx, lines)
	s.cfg.Metrics.ObserveEngine("initialize", time.Since(start).Seconds())
	if err == nil {
		err = checkPayloads(initial)
	}
	if err != nil {
		return nil, s.fail(ctx, &Error{Kind: KindEngineInit, Seat: NoSeat, Err: err})
	}

	for seat, p := range s.players {
		if err := p.WriteLine(ctx, initial[seat]); err != nil {
			return nil, s.fail(ctx, &Error{Kind: KindHandshakeWrite, Seat: seat, Err: err})
		}
	}
	s.report(ctx, Event{Kind: EventInitial, Payloads: initial})
	s.logger.Debug("handshake complete")
	return s, nil
}

func newSession(ctx context.Context, cfg Config, seat0, seat1 *player.Conn) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	s := &Session{
		id:        cfg.ID,
		cfg:       cfg,
		logger:    cfg.Logger.With("session", cfg.ID),
		players:   [2]*player.Conn{seat0, seat1},
		reportCtx: context.WithoutCancel(ctx),
		tracker:   cfg.Metrics.SessionOpened(),
		started:   time.Now(),
	}
	// Cancellation closes both players, which unblocks any pending I/O.
	s.stop = context.AfterFunc(ctx, s.closePlayers)

	s.logger.Info("session started",
		"seat0", seat0.RemoteAddr(), "seat1", seat1.RemoteAddr())
	s.report(ctx, Event{
		Kind:   EventStarted,
		Remote: [2]string{seat0.RemoteAddr(), seat1.RemoteAddr()},
	})
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// ActiveSeat returns the seat whose action is awaited.
func (s *Session) ActiveSeat() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Terminal reports whether the session reached an outcome.
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Run relays actions and results until the active seat receives a payload
// carrying an outcome, or until a step fails. The session is shut down
// when Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.Shutdown()
	for !s.Terminal() {
		if err := s.cycle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// cycle performs one AwaitingAction step: read from the active seat,
// apply, deliver to the active seat then the passive seat, then either
// become terminal or hand the turn over.
func (s *Session) cycle(ctx context.Context) error {
	active := s.ActiveSeat()
	passive := 1 - active

	action, err := s.players[active].ReadLine(ctx)
	if err != nil {
		return s.fail(ctx, &Error{Kind: KindActionRead, Seat: active, Err: err})
	}

	start := time.Now()
	results, err := s.cfg.Engine.ApplyAction(ctx, active, action)
	s.cfg.Metrics.ObserveEngine("action", time.Since(start).Seconds())
	if err == nil {
		err = checkPayloads(results)
	}
	if err != nil {
		return s.fail(ctx, &Error{Kind: KindEngineAction, Seat: NoSeat, Err: err})
	}

	for _, seat := range [2]int{active, passive} {
		if err := s.players[seat].WriteLine(ctx, results[seat]); err != nil {
			return s.fail(ctx, &Error{Kind: KindResultWrite, Seat: seat, Err: err})
		}
	}

	// Only the active seat's payload decides termination.
	raw, done := protocol.Outcome(results[active])

	s.mu.Lock()
	s.cycles++
	cycle := s.cycles
	if done {
		s.terminal = true
		s.outcome = protocol.OutcomeText(raw)
	} else {
		s.active = passive
	}
	s.mu.Unlock()

	s.tracker.Cycle()
	s.report(ctx, Event{
		Kind:     EventCycle,
		Cycle:    cycle,
		Seat:     active,
		Action:   action,
		Payloads: results,
		Terminal: done,
	})
	return nil
}

func checkPayloads(p [2]string) error {
	for seat, payload := range p {
		if err := protocol.CheckPayload(payload); err != nil {
			return fmt.Errorf("payload for seat %d: %w", seat, err)
		}
	}
	return nil
}

// fail records err as the session's error, optionally notifies the
// players that did not cause it, and shuts the session down.
func (s *Session) fail(ctx context.Context, err *Error) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	if s.cfg.NotifyAbort && ctx.Err() == nil {
		s.notifyAbort(ctx, err)
	}
	s.Shutdown()
	return err
}

func (s *Session) notifyAbort(ctx context.Context, cause *Error) {
	line := protocol.AbortNotice{Aborted: cause.Kind.String(), Session: s.id}.Line()
	for seat, p := range s.players {
		if seat == cause.Seat {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, abortNoticeTimeout)
		if err := p.WriteLine(wctx, line); err != nil {
			s.logger.Debug("abort notice not delivered", "seat", seat, "error", err)
		}
		cancel()
	}
}

// Shutdown closes both players and reports the end of the session. It
// is safe to call more than once and from any goroutine; only the first
// call has any effect.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.stop()
		s.closePlayers()

		s.mu.Lock()
		if s.err == nil && !s.terminal {
			s.err = ErrShutdown
		}
		s.ended = time.Now()
		sum := s.summaryLocked()
		s.mu.Unlock()

		s.tracker.Done(sum.Duration.Seconds(), sum.Cycles, kindLabel(sum.Err), sum.Err)
		s.report(s.reportCtx, Event{
			Kind:     EventEnded,
			Outcome:  sum.Outcome,
			Cycles:   sum.Cycles,
			Duration: sum.Duration,
			Err:      sum.Err,
		})

		if sum.Err != nil {
			var re *Error
			if errors.As(sum.Err, &re) {
				s.logger.Warn("session aborted",
					"kind", re.Kind.String(), "seat", re.Seat, "cycles", sum.Cycles, "error", re.Err)
			} else {
				s.logger.Warn("session aborted", "cycles", sum.Cycles, "error", sum.Err)
			}
			return
		}
		s.logger.Info("session ended",
			"outcome", sum.Outcome, "cycles", sum.Cycles, "duration", sum.Duration)
	})
}

func (s *Session) closePlayers() {
	for seat, p := range s.players {
		if err := p.Close(); err != nil {
			s.logger.Debug("close player", "seat", seat, "error", err)
		}
	}
}

func (s *Session) report(ctx context.Context, ev Event) {
	if s.cfg.Reporter == nil {
		return
	}
	ev.Session = s.id
	ev.Time = time.Now()
	s.cfg.Reporter.Report(ctx, ev)
}

// Summary describes a session at the time of the call.
type Summary struct {
	ID       string
	Cycles   int
	Outcome  string
	Duration time.Duration
	Err      error
}

// Summary returns the current state of the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *Session) summaryLocked() Summary {
	end := s.ended
	if end.IsZero() {
		end = time.Now()
	}
	return Summary{
		ID:       s.id,
		Cycles:   s.cycles,
		Outcome:  s.outcome,
		Duration: end.Sub(s.started),
		Err:      s.err,
	}
}
