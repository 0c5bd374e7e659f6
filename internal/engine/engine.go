// Package engine defines the game-rules collaborator consumed by the turn
// relay, plus a Lua implementation for scripted rules.
package engine

import (
	"context"
	"errors"
	"io"
)

// Engine computes per-seat payloads. Results are always indexed by seat,
// never by active or passive role.
type Engine interface {
	// Initialize creates the game from the two handshake lines, in seat
	// order, and returns the initial condition for each seat.
	Initialize(ctx context.Context, handshakes [2]string) ([2]string, error)

	// ApplyAction applies the action of seat and returns the result for
	// each seat.
	ApplyAction(ctx context.Context, seat int, action string) ([2]string, error)
}

// Factory builds one engine per session.
type Factory func() (Engine, error)

// Close releases e if it holds resources.
func Close(e Engine) error {
	if c, ok := e.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var errNotImplemented = errors.New("engine function not set")

// Funcs adapts plain functions to Engine.
type Funcs struct {
	InitFn   func(ctx context.Context, handshakes [2]string) ([2]string, error)
	ActionFn func(ctx context.Context, seat int, action string) ([2]string, error)
}

func (f Funcs) Initialize(ctx context.Context, handshakes [2]string) ([2]string, error) {
	if f.InitFn == nil {
		return [2]string{}, errNotImplemented
	}
	return f.InitFn(ctx, handshakes)
}

func (f Funcs) ApplyAction(ctx context.Context, seat int, action string) ([2]string, error) {
	if f.ActionFn == nil {
		return [2]string{}, errNotImplemented
	}
	return f.ActionFn(ctx, seat, action)
}
