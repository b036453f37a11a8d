// Package access implements the role-gated governor guarding every mutating
// entry point of the dispatch engine. Pause is reversible operational control;
// freeze is a one-way governance lock that leaves pause/unpause usable.
package access

import (
	"errors"
	"fmt"
	"sync"
)

// Role names the governance capabilities.
type Role string

const (
	RoleCommit    Role = "COMMIT"
	RoleApply     Role = "APPLY"
	RoleEmergency Role = "EMERGENCY"
	RoleAdmin     Role = "ADMIN"
)

var (
	ErrForbidden   = errors.New("access: forbidden")
	ErrFrozen      = errors.New("access: governance is frozen")
	ErrPaused      = errors.New("access: system is paused")
	ErrUnknownRole = errors.New("access: unknown role")
)

func validRole(r Role) bool {
	switch r {
	case RoleCommit, RoleApply, RoleEmergency, RoleAdmin:
		return true
	default:
		return false
	}
}

// Governor tracks role membership, the pause flag, and the frozen flag.
type Governor struct {
	mu     sync.RWMutex
	grants map[Role]map[string]struct{}
	paused bool
	frozen bool
}

// NewGovernor seeds the genesis admin, who may grant any role including admin.
func NewGovernor(admin string) *Governor {
	g := &Governor{grants: map[Role]map[string]struct{}{
		RoleCommit:    {},
		RoleApply:     {},
		RoleEmergency: {},
		RoleAdmin:     {},
	}}
	if admin != "" {
		g.grants[RoleAdmin][admin] = struct{}{}
	}
	return g
}

// Has reports whether actor holds role.
func (g *Governor) Has(actor string, role Role) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.grants[role][actor]
	return ok
}

// Require returns ErrForbidden context if actor lacks role.
func (g *Governor) Require(actor string, role Role) error {
	if !g.Has(actor, role) {
		return fmt.Errorf("actor %q lacks role %s: %w", actor, role, ErrForbidden)
	}
	return nil
}

// Grant assigns role to target. Only admins may grant.
func (g *Governor) Grant(actor, target string, role Role) error {
	if !validRole(role) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if err := g.Require(actor, RoleAdmin); err != nil {
		return err
	}
	if target == "" {
		return errors.New("access: empty grant target")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return ErrFrozen
	}
	g.grants[role][target] = struct{}{}
	return nil
}

// Revoke removes role from target. Only admins may revoke.
func (g *Governor) Revoke(actor, target string, role Role) error {
	if !validRole(role) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if err := g.Require(actor, RoleAdmin); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return ErrFrozen
	}
	delete(g.grants[role], target)
	return nil
}

// Pause halts dispatch. EMERGENCY-gated and reversible, usable while frozen.
func (g *Governor) Pause(actor string) error {
	if err := g.Require(actor, RoleEmergency); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
	return nil
}

// Unpause resumes dispatch.
func (g *Governor) Unpause(actor string) error {
	if err := g.Require(actor, RoleEmergency); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = false
	return nil
}

// Paused reports the operational pause flag.
func (g *Governor) Paused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// Freeze permanently disables all governance mutators. ADMIN-gated, one-way.
func (g *Governor) Freeze(actor string) error {
	if err := g.Require(actor, RoleAdmin); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return ErrFrozen
	}
	g.frozen = true
	return nil
}

// Frozen reports the one-way governance lock.
func (g *Governor) Frozen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.frozen
}

// RequireActive fails with ErrFrozen once Freeze has succeeded.
func (g *Governor) RequireActive() error {
	if g.Frozen() {
		return ErrFrozen
	}
	return nil
}

// Members lists the actors holding role, for the read-only governance view.
func (g *Governor) Members(role Role) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.grants[role]))
	for actor := range g.grants[role] {
		out = append(out, actor)
	}
	return out
}
