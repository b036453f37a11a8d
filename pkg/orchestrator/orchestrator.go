// Package orchestrator sequences multi-step rollouts: stage handler content,
// apply a proven manifest, activate it, all under a named plan with a byte
// budget. The budget is a resource ceiling on staged content, not an
// accounting ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/factory"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/manifest"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/metrics"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
)

var (
	ErrPlanExists     = errors.New("orchestrator: plan id already exists")
	ErrPlanNotFound   = errors.New("orchestrator: plan not found")
	ErrPlanCompleted  = errors.New("orchestrator: plan is completed")
	ErrBudgetExceeded = errors.New("orchestrator: staging budget exceeded")
	ErrZeroBudget     = errors.New("orchestrator: plan budget must be positive")
)

// Plan states reported to the metrics registry.
const (
	StateStarted   = "STARTED"
	StateStaged    = "STAGED"
	StateApplied   = "APPLIED"
	StateActivated = "ACTIVATED"
	StateSucceeded = "SUCCEEDED"
	StateFailed    = "FAILED"
)

// Plan is the read view of one rollout.
type Plan struct {
	ID          string
	Initiator   string
	Budget      uint64
	Spent       uint64
	Staged      []routes.HandlerRef
	Applied     int
	Activated   bool
	Completed   bool
	Success     bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// Orchestrator drives plans against the factory and the manifest lifecycle.
type Orchestrator struct {
	factory   *factory.Factory
	lifecycle *manifest.Lifecycle
	metrics   *metrics.Registry
	clock     func() time.Time

	mu    sync.Mutex
	plans map[string]*Plan
}

func New(f *factory.Factory, lc *manifest.Lifecycle, reg *metrics.Registry) (*Orchestrator, error) {
	if f == nil || lc == nil {
		return nil, errors.New("orchestrator: factory and lifecycle are required")
	}
	return &Orchestrator{
		factory:   f,
		lifecycle: lc,
		metrics:   reg,
		clock:     func() time.Time { return time.Now().UTC() },
		plans:     map[string]*Plan{},
	}, nil
}

// Start opens a plan. An empty id gets a generated one; the id is returned
// either way.
func (o *Orchestrator) Start(id, initiator string, budget uint64) (string, error) {
	if budget == 0 {
		return "", ErrZeroBudget
	}
	if initiator == "" {
		return "", errors.New("orchestrator: empty initiator")
	}
	if id == "" {
		id = uuid.NewString()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.plans[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrPlanExists, id)
	}
	o.plans[id] = &Plan{
		ID:        id,
		Initiator: initiator,
		Budget:    budget,
		StartedAt: o.clock(),
	}
	o.incState(StateStarted)
	return id, nil
}

// StageContent stages each content blob through the factory and debits the
// plan's budget by the total byte size. The budget check runs before any
// staging, so a rejected call stages nothing.
func (o *Orchestrator) StageContent(ctx context.Context, id string, contents [][]byte) ([]routes.HandlerRef, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, err := o.openPlanLocked(id)
	if err != nil {
		return nil, err
	}
	var total uint64
	for _, c := range contents {
		total += uint64(len(c))
	}
	if p.Spent+total > p.Budget {
		return nil, fmt.Errorf("%w: %d + %d > %d bytes", ErrBudgetExceeded, p.Spent, total, p.Budget)
	}
	refs, _, err := o.factory.StageBatch(ctx, contents)
	if err != nil {
		return nil, err
	}
	p.Spent += total
	p.Staged = append(p.Staged, refs...)
	o.incState(StateStaged)
	return refs, nil
}

// ApplyManifest applies proven entries through the lifecycle, acting as the
// plan's initiator. The initiator must hold the APPLY role.
func (o *Orchestrator) ApplyManifest(ctx context.Context, id string, entries []manifest.Entry) error {
	initiator, err := o.initiator(id)
	if err != nil {
		return err
	}
	if err := o.lifecycle.Apply(ctx, initiator, entries); err != nil {
		return err
	}
	o.mu.Lock()
	if p, ok := o.plans[id]; ok {
		p.Applied += len(entries)
	}
	o.mu.Unlock()
	o.incState(StateApplied)
	return nil
}

// Activate promotes the pending manifest on behalf of the plan's initiator.
func (o *Orchestrator) Activate(ctx context.Context, id string) error {
	initiator, err := o.initiator(id)
	if err != nil {
		return err
	}
	if err := o.lifecycle.Activate(ctx, initiator); err != nil {
		return err
	}
	o.mu.Lock()
	if p, ok := o.plans[id]; ok {
		p.Activated = true
	}
	o.mu.Unlock()
	o.incState(StateActivated)
	return nil
}

// Complete closes the plan. Completed is terminal: every later operation on
// the plan fails with ErrPlanCompleted.
func (o *Orchestrator) Complete(id string, success bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, err := o.openPlanLocked(id)
	if err != nil {
		return err
	}
	p.Completed = true
	p.Success = success
	p.CompletedAt = o.clock()
	if success {
		o.incState(StateSucceeded)
	} else {
		o.incState(StateFailed)
	}
	return nil
}

// Plan returns a copy of the plan's current state.
func (o *Orchestrator) Plan(id string) (Plan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	out := *p
	out.Staged = append([]routes.HandlerRef(nil), p.Staged...)
	return out, nil
}

// Plans lists all plan ids.
func (o *Orchestrator) Plans() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.plans))
	for id := range o.plans {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) openPlanLocked(id string) (*Plan, error) {
	p, ok := o.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if p.Completed {
		return nil, fmt.Errorf("%w: %s", ErrPlanCompleted, id)
	}
	return p, nil
}

func (o *Orchestrator) initiator(id string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, err := o.openPlanLocked(id)
	if err != nil {
		return "", err
	}
	return p.Initiator, nil
}

func (o *Orchestrator) incState(state string) {
	if o.metrics != nil {
		o.metrics.IncPlanState(state)
	}
}
