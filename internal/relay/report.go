package relay

import (
	"context"
	"log/slog"
	"time"
)

// EventKind names a point in a session's life.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventHandshake EventKind = "handshake"
	EventInitial   EventKind = "initial"
	EventCycle     EventKind = "cycle"
	EventEnded     EventKind = "ended"
)

// Event describes one step of a session. Payloads are seat-indexed: the
// handshake lines for EventHandshake, the initial conditions for
// EventInitial and the results for EventCycle. Terminal marks the cycle
// whose active payload carried the outcome.
type Event struct {
	Session  string
	Kind     EventKind
	Time     time.Time
	Remote   [2]string
	Cycle    int
	Seat     int
	Action   string
	Payloads [2]string
	Outcome  string
	Terminal bool
	Cycles   int
	Duration time.Duration
	Err      error
}

// Reporter observes session events. Report is called synchronously from
// the session goroutine and must not block for long.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, ev Event)

func (f ReporterFunc) Report(ctx context.Context, ev Event) { f(ctx, ev) }

// Reporters fans one event out to every non-nil reporter in order.
type Reporters []Reporter

func (rs Reporters) Report(ctx context.Context, ev Event) {
	for _, r := range rs {
		if r != nil {
			r.Report(ctx, ev)
		}
	}
}

// LogReporter logs every event at debug level.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(ctx context.Context, ev Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"session", ev.Session, "event", string(ev.Kind)}
	switch ev.Kind {
	case EventStarted:
		attrs = append(attrs, "seat0", ev.Remote[0], "seat1", ev.Remote[1])
	case EventHandshake, EventInitial:
		attrs = append(attrs, "seat0", ev.Payloads[0], "seat1", ev.Payloads[1])
	case EventCycle:
		attrs = append(attrs, "cycle", ev.Cycle, "seat", ev.Seat, "action", ev.Action,
			"result0", ev.Payloads[0], "result1", ev.Payloads[1])
		if ev.Terminal {
			attrs = append(attrs, "terminal", true)
		}
	case EventEnded:
		attrs = append(attrs, "cycles", ev.Cycles, "duration", ev.Duration)
		if ev.Outcome != "" {
			attrs = append(attrs, "outcome", ev.Outcome)
		}
		if ev.Err != nil {
			attrs = append(attrs, "error", ev.Err)
		}
	}
	logger.DebugContext(ctx, "session event", attrs...)
}
