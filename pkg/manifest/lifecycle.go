// Package manifest governs the commit -> apply -> activate lifecycle of the
// routing table. Every route written through Apply must carry an ordered
// Merkle proof against the committed pending root, and every handler's live
// content fingerprint is re-checked before the route lands.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/access"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/audit"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/guard"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/merkle"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/stream"
)

var (
	ErrZeroRoot            = errors.New("manifest: zero root")
	ErrEpochMismatch       = errors.New("manifest: epoch mismatch")
	ErrPendingExists       = errors.New("manifest: a pending manifest already exists")
	ErrNoPending           = errors.New("manifest: no pending manifest")
	ErrNoEntries           = errors.New("manifest: no entries")
	ErrInvalidProof        = errors.New("manifest: invalid route proof")
	ErrFingerprintMismatch = errors.New("manifest: live content fingerprint mismatch")
	ErrPayloadTooLarge     = errors.New("manifest: payload exceeds size ceiling")
	ErrHashMismatch        = errors.New("manifest: payload hash mismatch")
	ErrVersionMismatch     = errors.New("manifest: stale batch version")
)

// ActivationDelayError reports the earliest time Activate will succeed.
type ActivationDelayError struct {
	ReadyAt time.Time
}

func (e *ActivationDelayError) Error() string {
	return fmt.Sprintf("manifest: activation delayed until %s", e.ReadyAt.UTC().Format(time.RFC3339))
}

// Pending is a committed-but-not-yet-active manifest root.
type Pending struct {
	Root        [32]byte
	Epoch       uint64
	CommittedAt time.Time
}

// Active is the manifest currently serving dispatch.
type Active struct {
	Root  [32]byte
	Epoch uint64
}

// Info is the read-only manifest summary exposed to the orchestrator.
type Info struct {
	Hash          [32]byte
	Epoch         uint64
	Version       uint64
	Timestamp     time.Time
	SelectorCount int
}

// Entry is one proven route for Apply.
type Entry struct {
	Selector  routes.Selector
	Handler   routes.HandlerRef
	Codehash  [32]byte
	Proof     [][32]byte
	Positions uint64
}

// FingerprintFunc resolves the live content fingerprint of a handler.
type FingerprintFunc func(ctx context.Context, ref routes.HandlerRef) ([32]byte, error)

// Auditor persists the governance trail. Append failures are logged, never
// rolled into the mutation result.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) error
}

// DefaultMaxBatchBytes caps the bulk-manifest payload (1024 records).
const DefaultMaxBatchBytes = RecordSize * 1024

// Config wires a Lifecycle. Table, Governor, Guard, and Fingerprint are
// required; the rest default sensibly.
type Config struct {
	Table           *routes.Table
	Governor        *access.Governor
	Guard           *guard.Guard
	Fingerprint     FingerprintFunc
	Audit           Auditor
	Events          *stream.Hub
	Clock           func() time.Time
	ActivationDelay time.Duration
	MaxBatchBytes   int
}

// Lifecycle is the single state owner for manifest governance. Mutators
// serialize on an internal mutex; the re-entrancy guard additionally rejects
// guarded sections re-entered from handler code.
type Lifecycle struct {
	table       *routes.Table
	governor    *access.Governor
	guard       *guard.Guard
	fingerprint FingerprintFunc
	auditor     Auditor
	events      *stream.Hub
	clock       func() time.Time
	maxBatch    int

	mu          sync.Mutex
	pending     *Pending
	active      Active
	version     uint64
	delay       time.Duration
	lastUpdated time.Time
}

func New(cfg Config) (*Lifecycle, error) {
	if cfg.Table == nil || cfg.Governor == nil || cfg.Guard == nil || cfg.Fingerprint == nil {
		return nil, errors.New("manifest: table, governor, guard, and fingerprint are required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	maxBatch := cfg.MaxBatchBytes
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchBytes
	}
	return &Lifecycle{
		table:       cfg.Table,
		governor:    cfg.Governor,
		guard:       cfg.Guard,
		fingerprint: cfg.Fingerprint,
		auditor:     cfg.Audit,
		events:      cfg.Events,
		clock:       clock,
		maxBatch:    maxBatch,
		active:      Active{Root: merkle.EmptyRoot},
		delay:       cfg.ActivationDelay,
	}, nil
}

// Commit registers the root of the next epoch's manifest. The pending slot
// holds at most one root and is only ever cleared by Activate; there is no
// cancel path.
func (l *Lifecycle) Commit(ctx context.Context, actor string, root [32]byte, epoch uint64) error {
	if err := l.governor.Require(actor, access.RoleCommit); err != nil {
		return err
	}
	if err := l.governor.RequireActive(); err != nil {
		return err
	}
	if root == ([32]byte{}) {
		return ErrZeroRoot
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending != nil {
		return fmt.Errorf("%w: epoch %d committed at %s", ErrPendingExists, l.pending.Epoch, l.pending.CommittedAt.Format(time.RFC3339))
	}
	if epoch != l.active.Epoch+1 {
		return fmt.Errorf("%w: want %d, got %d", ErrEpochMismatch, l.active.Epoch+1, epoch)
	}
	now := l.clock()
	l.pending = &Pending{Root: root, Epoch: epoch, CommittedAt: now}
	l.emit(ctx, stream.TypeManifestCommitted, audit.Record{
		Actor:  actor,
		Action: audit.ActionCommit,
		Epoch:  epoch,
		Root:   routes.HashHex(root),
	}, map[string]any{"epoch": epoch, "root": routes.HashHex(root)})
	return nil
}

// Apply proves each entry against the pending root and upserts the routes
// atomically: a failure on any entry leaves the table untouched.
func (l *Lifecycle) Apply(ctx context.Context, actor string, entries []Entry) error {
	if guard.Inside(ctx) {
		return guard.ErrReentrant
	}
	if err := l.guard.Enter(); err != nil {
		return err
	}
	defer l.guard.Exit()
	if err := l.governor.Require(actor, access.RoleApply); err != nil {
		return err
	}
	if err := l.governor.RequireActive(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return ErrNoEntries
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return ErrNoPending
	}
	self := l.table.Self()
	for i, e := range entries {
		if e.Handler.IsZero() {
			return fmt.Errorf("entry %d selector %s: %w", i, e.Selector, routes.ErrZeroHandler)
		}
		if !self.IsZero() && e.Handler == self {
			return fmt.Errorf("entry %d selector %s: %w", i, e.Selector, routes.ErrSelfHandler)
		}
		leaf := merkle.LeafHash(e.Selector, e.Handler, e.Codehash)
		ok, err := merkle.Verify(leaf, e.Proof, e.Positions, l.pending.Root)
		if err != nil {
			return fmt.Errorf("entry %d selector %s: %w", i, e.Selector, err)
		}
		if !ok {
			return fmt.Errorf("entry %d selector %s handler %s: %w", i, e.Selector, e.Handler, ErrInvalidProof)
		}
		// Fail fast if the staged code already drifted from the manifest,
		// independent of the proof check.
		live, err := l.fingerprint(ctx, e.Handler)
		if err != nil {
			return fmt.Errorf("entry %d selector %s handler %s: %w", i, e.Selector, e.Handler, err)
		}
		if live != e.Codehash {
			return fmt.Errorf("entry %d selector %s handler %s: %w", i, e.Selector, e.Handler, ErrFingerprintMismatch)
		}
	}
	bindings := make([]routes.Binding, len(entries))
	selectors := make([]string, 0, len(entries))
	for i, e := range entries {
		bindings[i] = routes.Binding{Selector: e.Selector, Route: routes.Route{Handler: e.Handler, Codehash: e.Codehash}}
		selectors = append(selectors, e.Selector.String())
	}
	if err := l.table.SetBatch(bindings); err != nil {
		// Unreachable after validation above; surface it rather than hide it.
		return err
	}
	l.lastUpdated = l.clock()
	l.emit(ctx, stream.TypeManifestApplied, audit.Record{
		Actor:     actor,
		Action:    audit.ActionApply,
		Epoch:     l.pending.Epoch,
		Root:      routes.HashHex(l.pending.Root),
		Selectors: selectors,
	}, map[string]any{"epoch": l.pending.Epoch, "routes": len(entries)})
	return nil
}

// UpdateBatch is the proof-less bulk path: the caller vouches for the whole
// payload with claimedHash and the live fingerprint of every handler is
// captured as the route's expectation. A non-nil expectedVersion pins the
// write to the table version the caller last observed, rejecting stale
// resubmissions.
func (l *Lifecycle) UpdateBatch(ctx context.Context, actor string, claimedHash [32]byte, raw []byte, expectedVersion *uint64) error {
	if guard.Inside(ctx) {
		return guard.ErrReentrant
	}
	if err := l.guard.Enter(); err != nil {
		return err
	}
	defer l.guard.Exit()
	if err := l.governor.Require(actor, access.RoleApply); err != nil {
		return err
	}
	if err := l.governor.RequireActive(); err != nil {
		return err
	}
	if len(raw) == 0 {
		return ErrNoEntries
	}
	if len(raw) > l.maxBatch {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(raw), l.maxBatch)
	}
	if len(raw)%RecordSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(raw))
	}
	if sha256.Sum256(raw) != claimedHash {
		return ErrHashMismatch
	}
	records, err := DecodeBatch(raw)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if expectedVersion != nil && *expectedVersion != l.version {
		return fmt.Errorf("%w: table at version %d, caller expected %d", ErrVersionMismatch, l.version, *expectedVersion)
	}
	self := l.table.Self()
	staged := make([]routes.Route, len(records))
	for i, rec := range records {
		if !self.IsZero() && rec.Handler == self {
			return fmt.Errorf("record %d selector %s: %w", i, rec.Selector, routes.ErrSelfHandler)
		}
		live, err := l.fingerprint(ctx, rec.Handler)
		if err != nil {
			return fmt.Errorf("record %d selector %s handler %s: %w", i, rec.Selector, rec.Handler, err)
		}
		staged[i] = routes.Route{Handler: rec.Handler, Codehash: live}
	}
	bindings := make([]routes.Binding, len(records))
	selectors := make([]string, 0, len(records))
	for i, rec := range records {
		bindings[i] = routes.Binding{Selector: rec.Selector, Route: staged[i]}
		selectors = append(selectors, rec.Selector.String())
	}
	if err := l.table.SetBatch(bindings); err != nil {
		return err
	}
	l.version++
	l.lastUpdated = l.clock()
	l.emit(ctx, stream.TypeManifestBatch, audit.Record{
		Actor:     actor,
		Action:    audit.ActionBatchUpdate,
		Epoch:     l.active.Epoch,
		Root:      routes.HashHex(claimedHash),
		Version:   l.version,
		Selectors: selectors,
	}, map[string]any{"version": l.version, "routes": len(records)})
	return nil
}

// Activate promotes the pending manifest. With an activation delay configured
// the call fails with *ActivationDelayError until the delay elapses.
func (l *Lifecycle) Activate(ctx context.Context, actor string) error {
	if guard.Inside(ctx) {
		return guard.ErrReentrant
	}
	if err := l.guard.Enter(); err != nil {
		return err
	}
	defer l.guard.Exit()
	if err := l.governor.Require(actor, access.RoleApply); err != nil {
		return err
	}
	if err := l.governor.RequireActive(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return ErrNoPending
	}
	now := l.clock()
	if l.delay > 0 {
		readyAt := l.pending.CommittedAt.Add(l.delay)
		if now.Before(readyAt) {
			return &ActivationDelayError{ReadyAt: readyAt}
		}
	}
	epoch := l.pending.Epoch
	root := l.pending.Root
	l.active = Active{Root: root, Epoch: epoch}
	l.pending = nil
	l.lastUpdated = now
	l.emit(ctx, stream.TypeManifestActivated, audit.Record{
		Actor:  actor,
		Action: audit.ActionActivate,
		Epoch:  epoch,
		Root:   routes.HashHex(root),
	}, map[string]any{"epoch": epoch, "root": routes.HashHex(root)})
	return nil
}

// RemoveRoutes deletes routes under emergency powers. Absent selectors are
// skipped silently.
func (l *Lifecycle) RemoveRoutes(ctx context.Context, actor string, sels []routes.Selector) error {
	if err := l.governor.Require(actor, access.RoleEmergency); err != nil {
		return err
	}
	if err := l.governor.RequireActive(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := make([]string, 0, len(sels))
	for _, sel := range l.table.RemoveBatch(sels) {
		removed = append(removed, sel.String())
	}
	if len(removed) == 0 {
		return nil
	}
	l.lastUpdated = l.clock()
	l.emit(ctx, stream.TypeRouteRemoved, audit.Record{
		Actor:     actor,
		Action:    audit.ActionRemove,
		Epoch:     l.active.Epoch,
		Root:      routes.HashHex(l.active.Root),
		Selectors: removed,
	}, map[string]any{"removed": len(removed)})
	return nil
}

// SetActivationDelay adjusts the commit-to-activate delay.
func (l *Lifecycle) SetActivationDelay(ctx context.Context, actor string, d time.Duration) error {
	if err := l.governor.Require(actor, access.RoleAdmin); err != nil {
		return err
	}
	if err := l.governor.RequireActive(); err != nil {
		return err
	}
	if d < 0 {
		return errors.New("manifest: negative activation delay")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
	l.emit(ctx, "", audit.Record{
		Actor:  actor,
		Action: audit.ActionDelay,
		Epoch:  l.active.Epoch,
		Root:   routes.HashHex(l.active.Root),
	}, map[string]any{"delay_sec": int64(d.Seconds())})
	return nil
}

// Freeze permanently locks governance. Dispatch and pause/unpause survive.
func (l *Lifecycle) Freeze(ctx context.Context, actor string) error {
	if err := l.governor.Freeze(actor); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emit(ctx, stream.TypeGovernanceFrozen, audit.Record{
		Actor:  actor,
		Action: audit.ActionFreeze,
		Epoch:  l.active.Epoch,
		Root:   routes.HashHex(l.active.Root),
	}, nil)
	return nil
}

// Route exposes the table for the read-only surface.
func (l *Lifecycle) Route(sel routes.Selector) (routes.Route, bool) {
	return l.table.Get(sel)
}

// RouteCount returns the number of registered selectors.
func (l *Lifecycle) RouteCount() int { return l.table.Count() }

// PendingInfo returns a copy of the pending manifest, if any.
func (l *Lifecycle) PendingInfo() (Pending, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return Pending{}, false
	}
	return *l.pending, true
}

// Info summarizes the active manifest.
func (l *Lifecycle) Info() Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Info{
		Hash:          l.active.Root,
		Epoch:         l.active.Epoch,
		Version:       l.version,
		Timestamp:     l.lastUpdated,
		SelectorCount: l.table.Count(),
	}
}

// ActivationDelay returns the configured delay.
func (l *Lifecycle) ActivationDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

func (l *Lifecycle) emit(ctx context.Context, eventType string, rec audit.Record, data map[string]any) {
	if l.events != nil && eventType != "" {
		l.events.Publish(stream.NewEvent(eventType, data))
	}
	if l.auditor == nil {
		return
	}
	rec.EventID = uuid.NewString()
	if rec.Detail == nil && data != nil {
		if b, err := json.Marshal(data); err == nil {
			rec.Detail = b
		}
	}
	if err := l.auditor.Append(ctx, rec); err != nil {
		log.Printf("manifest: audit append failed for %s: %v", rec.Action, err)
	}
}
