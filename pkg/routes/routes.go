// Package routes holds the selector-to-handler routing table and the fixed
// width identifier types shared across the dispatch engine.
package routes

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	// SelectorSize is the width of an operation identifier in bytes.
	SelectorSize = 4
	// HandlerRefSize is the width of a handler reference in bytes.
	HandlerRefSize = 20
)

var (
	ErrZeroHandler = errors.New("routes: zero handler reference")
	ErrSelfHandler = errors.New("routes: handler must not reference the dispatcher itself")
)

// Selector is a fixed-width operation identifier.
type Selector [SelectorSize]byte

// HandlerRef addresses an independently staged unit of handler code.
type HandlerRef [HandlerRefSize]byte

// Route binds a handler reference to the content fingerprint committed for it.
type Route struct {
	Handler  HandlerRef
	Codehash [32]byte
}

func (s Selector) String() string { return "0x" + hex.EncodeToString(s[:]) }

func (h HandlerRef) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h HandlerRef) IsZero() bool { return h == HandlerRef{} }

// ParseSelector decodes an 8-hex-digit selector, with or without 0x prefix.
func ParseSelector(raw string) (Selector, error) {
	var s Selector
	b, err := parseFixedHex(raw, SelectorSize)
	if err != nil {
		return s, fmt.Errorf("routes: invalid selector %q: %w", raw, err)
	}
	copy(s[:], b)
	return s, nil
}

// ParseHandlerRef decodes a 40-hex-digit handler reference.
func ParseHandlerRef(raw string) (HandlerRef, error) {
	var h HandlerRef
	b, err := parseFixedHex(raw, HandlerRefSize)
	if err != nil {
		return h, fmt.Errorf("routes: invalid handler ref %q: %w", raw, err)
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a 64-hex-digit hash.
func ParseHash(raw string) ([32]byte, error) {
	var out [32]byte
	b, err := parseFixedHex(raw, 32)
	if err != nil {
		return out, fmt.Errorf("routes: invalid hash %q: %w", raw, err)
	}
	copy(out[:], b)
	return out, nil
}

// HashHex formats a 32-byte hash for the HTTP surface.
func HashHex(h [32]byte) string { return "0x" + hex.EncodeToString(h[:]) }

func parseFixedHex(raw string, size int) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("want %d bytes, got %d", size, len(b))
	}
	return b, nil
}

// ChangeKind identifies a routing table mutation for event listeners.
type ChangeKind string

const (
	RouteAdded   ChangeKind = "route_added"
	RouteUpdated ChangeKind = "route_updated"
	RouteRemoved ChangeKind = "route_removed"
)

// Table is the single owned routing map. Governance components mutate it one
// call at a time; dispatch reads concurrently. Proof validation is the
// caller's responsibility.
type Table struct {
	mu       sync.RWMutex
	self     HandlerRef
	routes   map[Selector]Route
	onChange func(ChangeKind, Selector, Route)
}

// NewTable builds an empty table. self is the dispatcher's own reference;
// Set rejects routes pointing at it. onChange, if non-nil, fires after every
// successful mutation while the table lock is still held.
func NewTable(self HandlerRef, onChange func(ChangeKind, Selector, Route)) *Table {
	return &Table{
		self:     self,
		routes:   make(map[Selector]Route),
		onChange: onChange,
	}
}

// Get returns the route for sel if one exists.
func (t *Table) Get(sel Selector) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[sel]
	return r, ok
}

// Set upserts a route. Adding a new selector and updating an existing one are
// reported as distinct changes.
func (t *Table) Set(sel Selector, r Route) error {
	if r.Handler.IsZero() {
		return ErrZeroHandler
	}
	if !t.self.IsZero() && r.Handler == t.self {
		return ErrSelfHandler
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	kind := RouteUpdated
	if _, exists := t.routes[sel]; !exists {
		kind = RouteAdded
	}
	t.routes[sel] = r
	if t.onChange != nil {
		t.onChange(kind, sel, r)
	}
	return nil
}

// Binding pairs a selector with its route for batch writes.
type Binding struct {
	Selector Selector
	Route    Route
}

// SetBatch upserts every binding under one write lock, so a concurrent reader
// observes either none of the batch or all of it. Validation runs up front; a
// bad binding leaves the table untouched.
func (t *Table) SetBatch(bindings []Binding) error {
	for i, b := range bindings {
		if b.Route.Handler.IsZero() {
			return fmt.Errorf("binding %d selector %s: %w", i, b.Selector, ErrZeroHandler)
		}
		if !t.self.IsZero() && b.Route.Handler == t.self {
			return fmt.Errorf("binding %d selector %s: %w", i, b.Selector, ErrSelfHandler)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range bindings {
		kind := RouteUpdated
		if _, exists := t.routes[b.Selector]; !exists {
			kind = RouteAdded
		}
		t.routes[b.Selector] = b.Route
		if t.onChange != nil {
			t.onChange(kind, b.Selector, b.Route)
		}
	}
	return nil
}

// RemoveBatch deletes every present selector under one write lock and returns
// the ones that existed.
func (t *Table) RemoveBatch(sels []Selector) []Selector {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := make([]Selector, 0, len(sels))
	for _, sel := range sels {
		r, ok := t.routes[sel]
		if !ok {
			continue
		}
		delete(t.routes, sel)
		if t.onChange != nil {
			t.onChange(RouteRemoved, sel, r)
		}
		removed = append(removed, sel)
	}
	return removed
}

// Remove deletes the route for sel and reports whether one existed.
func (t *Table) Remove(sel Selector) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[sel]
	if !ok {
		return false
	}
	delete(t.routes, sel)
	if t.onChange != nil {
		t.onChange(RouteRemoved, sel, r)
	}
	return true
}

// Count returns the number of registered selectors.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Snapshot returns a copy of the table for read-only listing.
func (t *Table) Snapshot() map[Selector]Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Selector]Route, len(t.routes))
	for k, v := range t.routes {
		out[k] = v
	}
	return out
}

// Self returns the dispatcher's own handler reference.
func (t *Table) Self() HandlerRef { return t.self }
