package manifest

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/access"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/audit"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/guard"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/merkle"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
)

type fixture struct {
	lc       *Lifecycle
	table    *routes.Table
	governor *access.Governor
	guard    *guard.Guard
	contents map[routes.HandlerRef][]byte
	now      time.Time
	auditLog []audit.Record
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOnChange(t, nil)
}

func newFixtureOnChange(t *testing.T, onChange func(routes.ChangeKind, routes.Selector, routes.Route)) *fixture {
	t.Helper()
	f := &fixture{
		contents: map[routes.HandlerRef][]byte{},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	var self routes.HandlerRef
	self[19] = 0xFF
	f.table = routes.NewTable(self, onChange)
	f.governor = access.NewGovernor("root")
	for _, grant := range []struct {
		actor string
		role  access.Role
	}{
		{"committer", access.RoleCommit},
		{"applier", access.RoleApply},
		{"guardian", access.RoleEmergency},
	} {
		if err := f.governor.Grant("root", grant.actor, grant.role); err != nil {
			t.Fatalf("grant %s: %v", grant.role, err)
		}
	}
	f.guard = &guard.Guard{}
	lc, err := New(Config{
		Table:    f.table,
		Governor: f.governor,
		Guard:    f.guard,
		Fingerprint: func(_ context.Context, ref routes.HandlerRef) ([32]byte, error) {
			content, ok := f.contents[ref]
			if !ok {
				return [32]byte{}, errors.New("unknown handler")
			}
			return sha256.Sum256(content), nil
		},
		Audit: auditFunc(func(_ context.Context, rec audit.Record) error {
			f.auditLog = append(f.auditLog, rec)
			return nil
		}),
		Clock: func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.lc = lc
	return f
}

type auditFunc func(ctx context.Context, rec audit.Record) error

func (fn auditFunc) Append(ctx context.Context, rec audit.Record) error { return fn(ctx, rec) }

func (f *fixture) handler(n byte, content string) (routes.HandlerRef, [32]byte) {
	var ref routes.HandlerRef
	ref[0] = n
	f.contents[ref] = []byte(content)
	return ref, sha256.Sum256([]byte(content))
}

func sel(n byte) routes.Selector { return routes.Selector{0xAA, 0, 0, n} }

// manifestFor builds leaves, a root, and fully proven entries for the routes.
func manifestFor(entries []Entry) ([32]byte, []Entry, error) {
	leaves := make([][32]byte, len(entries))
	for i, e := range entries {
		leaves[i] = merkle.LeafHash(e.Selector, e.Handler, e.Codehash)
	}
	root := merkle.BuildRoot(leaves)
	out := make([]Entry, len(entries))
	for i, e := range entries {
		proof, positions, err := merkle.BuildProof(leaves, i)
		if err != nil {
			return root, nil, err
		}
		e.Proof = proof
		e.Positions = positions
		out[i] = e
	}
	return root, out, nil
}

func (f *fixture) commitAndApply(t *testing.T, epoch uint64, entries []Entry) [32]byte {
	t.Helper()
	root, proven, err := manifestFor(entries)
	if err != nil {
		t.Fatalf("manifestFor: %v", err)
	}
	if err := f.lc.Commit(context.Background(), "committer", root, epoch); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.lc.Apply(context.Background(), "applier", proven); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return root
}

func TestCommitValidations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := sha256.Sum256([]byte("manifest"))

	if err := f.lc.Commit(ctx, "stranger", root, 1); !errors.Is(err, access.ErrForbidden) {
		t.Errorf("unauthorized commit err = %v, want ErrForbidden", err)
	}
	if err := f.lc.Commit(ctx, "committer", [32]byte{}, 1); !errors.Is(err, ErrZeroRoot) {
		t.Errorf("zero root err = %v, want ErrZeroRoot", err)
	}
	if err := f.lc.Commit(ctx, "committer", root, 2); !errors.Is(err, ErrEpochMismatch) {
		t.Errorf("epoch 2 err = %v, want ErrEpochMismatch", err)
	}
	if err := f.lc.Commit(ctx, "committer", root, 0); !errors.Is(err, ErrEpochMismatch) {
		t.Errorf("epoch 0 err = %v, want ErrEpochMismatch", err)
	}
	if err := f.lc.Commit(ctx, "committer", root, 1); err != nil {
		t.Fatalf("valid commit: %v", err)
	}
	if err := f.lc.Commit(ctx, "committer", root, 1); !errors.Is(err, ErrPendingExists) {
		t.Errorf("second commit err = %v, want ErrPendingExists", err)
	}
	pending, ok := f.lc.PendingInfo()
	if !ok || pending.Epoch != 1 || pending.Root != root {
		t.Errorf("pending = (%+v, %v)", pending, ok)
	}
}

func TestApplyHappyPath(t *testing.T) {
	f := newFixture(t)
	h1, c1 := f.handler(1, "handler one")
	h2, c2 := f.handler(2, "handler two")
	f.commitAndApply(t, 1, []Entry{
		{Selector: sel(1), Handler: h1, Codehash: c1},
		{Selector: sel(2), Handler: h2, Codehash: c2},
	})
	if f.lc.RouteCount() != 2 {
		t.Errorf("route count = %d, want 2", f.lc.RouteCount())
	}
	r, ok := f.lc.Route(sel(1))
	if !ok || r.Handler != h1 || r.Codehash != c1 {
		t.Errorf("route = (%+v, %v)", r, ok)
	}
}

func TestApplyAtomicOnBadProof(t *testing.T) {
	f := newFixture(t)
	h1, c1 := f.handler(1, "one")
	h2, c2 := f.handler(2, "two")
	h3, c3 := f.handler(3, "three")
	root, proven, err := manifestFor([]Entry{
		{Selector: sel(1), Handler: h1, Codehash: c1},
		{Selector: sel(2), Handler: h2, Codehash: c2},
		{Selector: sel(3), Handler: h3, Codehash: c3},
	})
	if err != nil {
		t.Fatalf("manifestFor: %v", err)
	}
	if err := f.lc.Commit(context.Background(), "committer", root, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Corrupt the middle entry's proof.
	proven[1].Proof[0][0] ^= 0x01
	if err := f.lc.Apply(context.Background(), "applier", proven); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("err = %v, want ErrInvalidProof", err)
	}
	if f.lc.RouteCount() != 0 {
		t.Errorf("route count = %d, want 0 (atomicity)", f.lc.RouteCount())
	}
}

func TestApplyAtomicOnFingerprintDrift(t *testing.T) {
	f := newFixture(t)
	h1, c1 := f.handler(1, "one")
	h2, c2 := f.handler(2, "two")
	root, proven, err := manifestFor([]Entry{
		{Selector: sel(1), Handler: h1, Codehash: c1},
		{Selector: sel(2), Handler: h2, Codehash: c2},
	})
	if err != nil {
		t.Fatalf("manifestFor: %v", err)
	}
	if err := f.lc.Commit(context.Background(), "committer", root, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Live content drifts between commit and apply.
	f.contents[h2] = []byte("tampered")
	if err := f.lc.Apply(context.Background(), "applier", proven); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("err = %v, want ErrFingerprintMismatch", err)
	}
	if f.lc.RouteCount() != 0 {
		t.Errorf("route count = %d, want 0", f.lc.RouteCount())
	}
}

func TestApplyRejectsSelfAndZeroHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var self routes.HandlerRef
	self[19] = 0xFF
	codehash := sha256.Sum256([]byte("x"))
	root, proven, err := manifestFor([]Entry{{Selector: sel(1), Handler: self, Codehash: codehash}})
	if err != nil {
		t.Fatalf("manifestFor: %v", err)
	}
	if err := f.lc.Commit(ctx, "committer", root, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.lc.Apply(ctx, "applier", proven); !errors.Is(err, routes.ErrSelfHandler) {
		t.Errorf("self handler err = %v, want ErrSelfHandler", err)
	}
	if err := f.lc.Apply(ctx, "applier", []Entry{{Selector: sel(2)}}); !errors.Is(err, routes.ErrZeroHandler) {
		t.Errorf("zero handler err = %v, want ErrZeroHandler", err)
	}
	if err := f.lc.Apply(ctx, "applier", nil); !errors.Is(err, ErrNoEntries) {
		t.Errorf("empty apply err = %v, want ErrNoEntries", err)
	}
}

func TestApplyRequiresPendingAndRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h1, c1 := f.handler(1, "one")
	_, proven, err := manifestFor([]Entry{{Selector: sel(1), Handler: h1, Codehash: c1}})
	if err != nil {
		t.Fatalf("manifestFor: %v", err)
	}
	if err := f.lc.Apply(ctx, "applier", proven); !errors.Is(err, ErrNoPending) {
		t.Errorf("no pending err = %v, want ErrNoPending", err)
	}
	if err := f.lc.Apply(ctx, "committer", proven); !errors.Is(err, access.ErrForbidden) {
		t.Errorf("wrong role err = %v, want ErrForbidden", err)
	}
}

func TestActivatePromotesAndClearsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h1, c1 := f.handler(1, "one")
	root := f.commitAndApply(t, 1, []Entry{{Selector: sel(1), Handler: h1, Codehash: c1}})
	if err := f.lc.Activate(ctx, "applier"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	info := f.lc.Info()
	if info.Hash != root || info.Epoch != 1 || info.SelectorCount != 1 {
		t.Errorf("info = %+v", info)
	}
	if _, ok := f.lc.PendingInfo(); ok {
		t.Error("pending must be cleared by activate")
	}
	if err := f.lc.Activate(ctx, "applier"); !errors.Is(err, ErrNoPending) {
		t.Errorf("second activate err = %v, want ErrNoPending", err)
	}
	// Next epoch must be exactly active+1.
	next := sha256.Sum256([]byte("next"))
	if err := f.lc.Commit(ctx, "committer", next, 1); !errors.Is(err, ErrEpochMismatch) {
		t.Errorf("replayed epoch err = %v, want ErrEpochMismatch", err)
	}
	if err := f.lc.Commit(ctx, "committer", next, 2); err != nil {
		t.Errorf("epoch 2 commit: %v", err)
	}
}

func TestActivationDelayGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.lc.SetActivationDelay(ctx, "root", time.Hour); err != nil {
		t.Fatalf("SetActivationDelay: %v", err)
	}
	h1, c1 := f.handler(1, "one")
	f.commitAndApply(t, 1, []Entry{{Selector: sel(1), Handler: h1, Codehash: c1}})

	err := f.lc.Activate(ctx, "applier")
	var delayErr *ActivationDelayError
	if !errors.As(err, &delayErr) {
		t.Fatalf("err = %v, want ActivationDelayError", err)
	}
	if want := f.now.Add(time.Hour); !delayErr.ReadyAt.Equal(want) {
		t.Errorf("ReadyAt = %v, want %v", delayErr.ReadyAt, want)
	}
	f.now = f.now.Add(time.Hour)
	if err := f.lc.Activate(ctx, "applier"); err != nil {
		t.Errorf("Activate at ReadyAt: %v", err)
	}
}

func TestSetActivationDelayValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.lc.SetActivationDelay(ctx, "applier", time.Minute); !errors.Is(err, access.ErrForbidden) {
		t.Errorf("non-admin err = %v, want ErrForbidden", err)
	}
	if err := f.lc.SetActivationDelay(ctx, "root", -time.Minute); err == nil {
		t.Error("negative delay must fail")
	}
}

func TestRemoveRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h1, c1 := f.handler(1, "one")
	h2, c2 := f.handler(2, "two")
	f.commitAndApply(t, 1, []Entry{
		{Selector: sel(1), Handler: h1, Codehash: c1},
		{Selector: sel(2), Handler: h2, Codehash: c2},
	})
	if err := f.lc.RemoveRoutes(ctx, "applier", []routes.Selector{sel(1)}); !errors.Is(err, access.ErrForbidden) {
		t.Errorf("non-emergency err = %v, want ErrForbidden", err)
	}
	// Absent selectors are a no-op mixed with a live removal.
	if err := f.lc.RemoveRoutes(ctx, "guardian", []routes.Selector{sel(1), sel(9)}); err != nil {
		t.Fatalf("RemoveRoutes: %v", err)
	}
	if f.lc.RouteCount() != 1 {
		t.Errorf("route count = %d, want 1", f.lc.RouteCount())
	}
}

func TestUpdateBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h1, _ := f.handler(1, "one")
	h2, _ := f.handler(2, "two")
	raw := EncodeBatch([]BatchRecord{
		{Selector: sel(1), Handler: h1},
		{Selector: sel(2), Handler: h2},
	})
	if err := f.lc.UpdateBatch(ctx, "applier", sha256.Sum256(raw), raw, nil); err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	if f.lc.RouteCount() != 2 {
		t.Errorf("route count = %d, want 2", f.lc.RouteCount())
	}
	if got := f.lc.Info().Version; got != 1 {
		t.Errorf("version = %d, want 1", got)
	}
	// Stored expectation is the live fingerprint captured at batch time.
	r, _ := f.lc.Route(sel(1))
	if r.Codehash != sha256.Sum256([]byte("one")) {
		t.Error("batch route must capture the live fingerprint")
	}
	// Second batch bumps the version again.
	if err := f.lc.UpdateBatch(ctx, "applier", sha256.Sum256(raw), raw, nil); err != nil {
		t.Fatalf("second UpdateBatch: %v", err)
	}
	if got := f.lc.Info().Version; got != 2 {
		t.Errorf("version = %d, want 2", got)
	}
}

func TestUpdateBatchValidations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h1, _ := f.handler(1, "one")
	raw := EncodeBatch([]BatchRecord{{Selector: sel(1), Handler: h1}})
	hash := sha256.Sum256(raw)

	if err := f.lc.UpdateBatch(ctx, "committer", hash, raw, nil); !errors.Is(err, access.ErrForbidden) {
		t.Errorf("wrong role err = %v, want ErrForbidden", err)
	}
	if err := f.lc.UpdateBatch(ctx, "applier", hash, nil, nil); !errors.Is(err, ErrNoEntries) {
		t.Errorf("empty payload err = %v, want ErrNoEntries", err)
	}
	if err := f.lc.UpdateBatch(ctx, "applier", hash, raw[:RecordSize-1], nil); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("ragged payload err = %v, want ErrMalformedPayload", err)
	}
	wrong := hash
	wrong[0] ^= 0xFF
	if err := f.lc.UpdateBatch(ctx, "applier", wrong, raw, nil); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("hash mismatch err = %v, want ErrHashMismatch", err)
	}
	big := make([]byte, DefaultMaxBatchBytes+RecordSize)
	if err := f.lc.UpdateBatch(ctx, "applier", sha256.Sum256(big), big, nil); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversized err = %v, want ErrPayloadTooLarge", err)
	}
	if f.lc.RouteCount() != 0 {
		t.Errorf("route count = %d, want 0 after rejected batches", f.lc.RouteCount())
	}
	if got := f.lc.Info().Version; got != 0 {
		t.Errorf("version = %d, want 0 after rejected batches", got)
	}
}

func TestFreezeDisablesAllGovernanceMutators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h1, c1 := f.handler(1, "one")
	f.commitAndApply(t, 1, []Entry{{Selector: sel(1), Handler: h1, Codehash: c1}})

	if err := f.lc.Freeze(ctx, "applier"); !errors.Is(err, access.ErrForbidden) {
		t.Errorf("non-admin freeze err = %v, want ErrForbidden", err)
	}
	if err := f.lc.Freeze(ctx, "root"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	root := sha256.Sum256([]byte("late"))
	raw := EncodeBatch([]BatchRecord{{Selector: sel(2), Handler: h1}})
	checks := []struct {
		name string
		err  error
	}{
		{"commit", f.lc.Commit(ctx, "committer", root, 2)},
		{"apply", f.lc.Apply(ctx, "applier", []Entry{{Selector: sel(1), Handler: h1, Codehash: c1}})},
		{"activate", f.lc.Activate(ctx, "applier")},
		{"batch", f.lc.UpdateBatch(ctx, "applier", sha256.Sum256(raw), raw, nil)},
		{"remove", f.lc.RemoveRoutes(ctx, "guardian", []routes.Selector{sel(1)})},
		{"delay", f.lc.SetActivationDelay(ctx, "root", time.Minute)},
	}
	for _, c := range checks {
		if !errors.Is(c.err, access.ErrFrozen) {
			t.Errorf("%s after freeze err = %v, want ErrFrozen", c.name, c.err)
		}
	}
	// The route table keeps serving reads.
	if f.lc.RouteCount() != 1 {
		t.Errorf("route count = %d, want 1", f.lc.RouteCount())
	}
}

func TestGuardRejectsReentrantApply(t *testing.T) {
	f := newFixture(t)
	if err := f.guard.Enter(); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer f.guard.Exit()
	h1, c1 := f.handler(1, "one")
	_, proven, err := manifestFor([]Entry{{Selector: sel(1), Handler: h1, Codehash: c1}})
	if err != nil {
		t.Fatalf("manifestFor: %v", err)
	}
	if err := f.lc.Apply(context.Background(), "applier", proven); !errors.Is(err, guard.ErrReentrant) {
		t.Errorf("apply err = %v, want ErrReentrant", err)
	}
	if err := f.lc.Activate(context.Background(), "applier"); !errors.Is(err, guard.ErrReentrant) {
		t.Errorf("activate err = %v, want ErrReentrant", err)
	}
	raw := EncodeBatch([]BatchRecord{{Selector: sel(1), Handler: h1}})
	if err := f.lc.UpdateBatch(context.Background(), "applier", sha256.Sum256(raw), raw, nil); !errors.Is(err, guard.ErrReentrant) {
		t.Errorf("batch err = %v, want ErrReentrant", err)
	}
}

func TestMutatorsRejectHandlerContext(t *testing.T) {
	f := newFixture(t)
	h1, c1 := f.handler(1, "one")
	root, proven, err := manifestFor([]Entry{{Selector: sel(1), Handler: h1, Codehash: c1}})
	if err != nil {
		t.Fatalf("manifestFor: %v", err)
	}
	if err := f.lc.Commit(context.Background(), "committer", root, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A context marked as a handler invocation must not drive governance.
	ctx := guard.Mark(context.Background())
	if err := f.lc.Apply(ctx, "applier", proven); !errors.Is(err, guard.ErrReentrant) {
		t.Errorf("apply err = %v, want ErrReentrant", err)
	}
	if err := f.lc.Activate(ctx, "applier"); !errors.Is(err, guard.ErrReentrant) {
		t.Errorf("activate err = %v, want ErrReentrant", err)
	}
	raw := EncodeBatch([]BatchRecord{{Selector: sel(1), Handler: h1}})
	if err := f.lc.UpdateBatch(ctx, "applier", sha256.Sum256(raw), raw, nil); !errors.Is(err, guard.ErrReentrant) {
		t.Errorf("batch err = %v, want ErrReentrant", err)
	}

	// The unmarked parent context still works.
	if err := f.lc.Apply(context.Background(), "applier", proven); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func TestApplyBatchIsAtomicForReaders(t *testing.T) {
	// Widen the write window so a racing reader would catch a half-applied
	// batch if the table released its lock between entries.
	f := newFixtureOnChange(t, func(routes.ChangeKind, routes.Selector, routes.Route) {
		time.Sleep(2 * time.Millisecond)
	})
	h1, c1 := f.handler(1, "one")
	h2, c2 := f.handler(2, "two")
	root, proven, err := manifestFor([]Entry{
		{Selector: sel(1), Handler: h1, Codehash: c1},
		{Selector: sel(2), Handler: h2, Codehash: c2},
	})
	if err != nil {
		t.Fatalf("manifestFor: %v", err)
	}
	if err := f.lc.Commit(context.Background(), "committer", root, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.lc.Apply(context.Background(), "applier", proven) }()
	for {
		snap := f.table.Snapshot()
		_, ok1 := snap[sel(1)]
		_, ok2 := snap[sel(2)]
		if ok1 != ok2 {
			t.Fatalf("reader saw half-applied batch: sel1=%v sel2=%v", ok1, ok2)
		}
		if ok1 && ok2 {
			break
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func TestUpdateBatchVersionPin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h1, _ := f.handler(1, "one")
	raw := EncodeBatch([]BatchRecord{{Selector: sel(1), Handler: h1}})
	hash := sha256.Sum256(raw)

	stale := uint64(7)
	if err := f.lc.UpdateBatch(ctx, "applier", hash, raw, &stale); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("stale pin err = %v, want ErrVersionMismatch", err)
	}
	if got := f.lc.Info().Version; got != 0 {
		t.Errorf("version = %d, want 0 after rejected batch", got)
	}

	current := uint64(0)
	if err := f.lc.UpdateBatch(ctx, "applier", hash, raw, &current); err != nil {
		t.Fatalf("pinned UpdateBatch: %v", err)
	}
	if got := f.lc.Info().Version; got != 1 {
		t.Errorf("version = %d, want 1", got)
	}

	// The pin is against the version observed before the batch, so reusing
	// the old value must now fail.
	if err := f.lc.UpdateBatch(ctx, "applier", hash, raw, &current); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("reused pin err = %v, want ErrVersionMismatch", err)
	}
}

func TestAuditTrailWritten(t *testing.T) {
	f := newFixture(t)
	h1, c1 := f.handler(1, "one")
	f.commitAndApply(t, 1, []Entry{{Selector: sel(1), Handler: h1, Codehash: c1}})
	if err := f.lc.Activate(context.Background(), "applier"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	var actions []string
	for _, rec := range f.auditLog {
		actions = append(actions, rec.Action)
		if rec.EventID == "" {
			t.Error("audit record missing event id")
		}
	}
	want := []string{audit.ActionCommit, audit.ActionApply, audit.ActionActivate}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}
