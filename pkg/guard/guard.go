// Package guard rejects re-entrant calls into dispatch and manifest mutation.
// Governance mutators share tagged {Idle, Busy} state that fails fast instead
// of blocking; handler invocations are tracked per call chain through a
// context mark, so unrelated dispatches run concurrently while a handler
// calling back into the engine is rejected.
package guard

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrReentrant is returned when a guarded section is already executing.
var ErrReentrant = errors.New("guard: re-entrant call rejected")

const (
	idle int32 = iota
	busy
)

// Guard is an {Idle, Busy} flag entered and exited atomically.
type Guard struct {
	state atomic.Int32
}

// Enter transitions Idle -> Busy or fails with ErrReentrant.
func (g *Guard) Enter() error {
	if !g.state.CompareAndSwap(idle, busy) {
		return ErrReentrant
	}
	return nil
}

// Exit releases the guard. Safe to call only after a successful Enter.
func (g *Guard) Exit() {
	g.state.Store(idle)
}

// Busy reports whether a guarded section is executing.
func (g *Guard) Busy() bool {
	return g.state.Load() == busy
}

type markKey struct{}

// Mark tags ctx as executing inside a handler invocation. Independent calls
// never share a marked context, so dispatches stay concurrent while a handler
// calling back into dispatch or manifest mutation is rejected.
func Mark(ctx context.Context) context.Context {
	return context.WithValue(ctx, markKey{}, true)
}

// Inside reports whether ctx descends from a marked handler invocation.
func Inside(ctx context.Context) bool {
	inside, _ := ctx.Value(markKey{}).(bool)
	return inside
}
