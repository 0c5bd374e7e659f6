package relay

import (
	"errors"
	"fmt"
)

// Kind names the step of a session that failed.
type Kind int

const (
	// KindHandshakeRead: a handshake line could not be read.
	KindHandshakeRead Kind = iota + 1
	// KindHandshakeWrite: an initial condition could not be delivered.
	KindHandshakeWrite
	// KindEngineInit: the engine rejected the handshakes.
	KindEngineInit
	// KindActionRead: the active seat's action could not be read.
	KindActionRead
	// KindEngineAction: the engine failed to apply an action.
	KindEngineAction
	// KindResultWrite: a result could not be delivered.
	KindResultWrite
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeRead:
		return "handshake_read"
	case KindHandshakeWrite:
		return "handshake_write"
	case KindEngineInit:
		return "engine_init"
	case KindActionRead:
		return "action_read"
	case KindEngineAction:
		return "engine_action"
	case KindResultWrite:
		return "result_write"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// NoSeat marks an Error not attributable to one player.
const NoSeat = -1

// Error is a session failure. Every Error is fatal to its session.
type Error struct {
	Kind Kind
	Seat int // NoSeat for engine failures
	Err  error
}

func (e *Error) Error() string {
	if e.Seat == NoSeat {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (seat %d): %v", e.Kind, e.Seat, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == k
}

// ErrShutdown is recorded for a session shut down before reaching an
// outcome without a failing step of its own.
var ErrShutdown = errors.New("session shut down before an outcome")

func kindLabel(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind.String()
	}
	return "shutdown"
}
