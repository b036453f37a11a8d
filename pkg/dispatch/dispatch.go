// Package dispatch routes payloads to staged handlers through the manifest
// route table. Every dispatch re-checks the handler's live content
// fingerprint against the expectation recorded when the route was applied,
// so content mutated out of band stops executing immediately.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/access"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/guard"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/metrics"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/store"
)

var (
	ErrNoRoute             = errors.New("dispatch: no route for selector")
	ErrFingerprintMismatch = errors.New("dispatch: live content fingerprint mismatch")
	ErrResultTooLarge      = errors.New("dispatch: handler result exceeds size bound")
)

// HandlerError carries a handler failure back to the caller with the
// selector and handler that produced it. The underlying error is preserved
// verbatim; a handler that fails without one gets a generic cause.
type HandlerError struct {
	Selector routes.Selector
	Handler  routes.HandlerRef
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("dispatch: handler %s for selector %s failed: %v", e.Handler, e.Selector, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Handler is one executable unit. All handlers share the engine's state
// store: same storage, different code.
type Handler interface {
	Invoke(ctx context.Context, state store.Cache, payload []byte) ([]byte, error)
}

// Resolver maps a handler reference to its executable form.
type Resolver interface {
	Resolve(ctx context.Context, ref routes.HandlerRef) (Handler, error)
}

// FingerprintFunc resolves the live content fingerprint of a handler.
type FingerprintFunc func(ctx context.Context, ref routes.HandlerRef) ([32]byte, error)

// DefaultMaxResultBytes bounds what a handler may return.
const DefaultMaxResultBytes = 1 << 20

// Outcome labels for the per-selector dispatch counters.
const (
	OutcomeOK                  = "OK"
	OutcomePaused              = "PAUSED"
	OutcomeNoRoute             = "NO_ROUTE"
	OutcomeFingerprintMismatch = "FINGERPRINT_MISMATCH"
	OutcomeHandlerError        = "HANDLER_ERROR"
	OutcomeResultTooLarge      = "RESULT_TOO_LARGE"
	OutcomeReentrant           = "REENTRANT"
)

// Config wires an Engine. Table, Governor, Fingerprint, and Resolver are
// required; State defaults to an in-memory cache.
type Config struct {
	Table          *routes.Table
	Governor       *access.Governor
	Fingerprint    FingerprintFunc
	Resolver       Resolver
	State          store.Cache
	Metrics        *metrics.Registry
	MaxResultBytes int
}

// Engine executes dispatches against the active route table. Dispatches run
// concurrently with each other and with table reads; re-entrancy is detected
// per call chain through the handler's context.
type Engine struct {
	table       *routes.Table
	governor    *access.Governor
	fingerprint FingerprintFunc
	resolver    Resolver
	state       store.Cache
	metrics     *metrics.Registry
	maxResult   int
}

func New(cfg Config) (*Engine, error) {
	if cfg.Table == nil || cfg.Governor == nil || cfg.Fingerprint == nil || cfg.Resolver == nil {
		return nil, errors.New("dispatch: table, governor, fingerprint, and resolver are required")
	}
	state := cfg.State
	if state == nil {
		state = store.NewMemoryCache()
	}
	maxResult := cfg.MaxResultBytes
	if maxResult <= 0 {
		maxResult = DefaultMaxResultBytes
	}
	return &Engine{
		table:       cfg.Table,
		governor:    cfg.Governor,
		fingerprint: cfg.Fingerprint,
		resolver:    cfg.Resolver,
		state:       state,
		metrics:     cfg.Metrics,
		maxResult:   maxResult,
	}, nil
}

// State exposes the shared handler state store.
func (e *Engine) State() store.Cache { return e.state }

// Dispatch routes payload to the handler bound to selector. The route's
// stored fingerprint expectation is re-checked against the live content
// before the handler runs; any drift fails closed.
func (e *Engine) Dispatch(ctx context.Context, selector routes.Selector, payload []byte) ([]byte, error) {
	start := time.Now()
	result, err := e.dispatch(ctx, selector, payload)
	e.record(selector, err, time.Since(start))
	return result, err
}

func (e *Engine) dispatch(ctx context.Context, selector routes.Selector, payload []byte) ([]byte, error) {
	if guard.Inside(ctx) {
		return nil, guard.ErrReentrant
	}
	if e.governor.Paused() {
		return nil, access.ErrPaused
	}
	route, ok := e.table.Get(selector)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, selector)
	}
	live, err := e.fingerprint(ctx, route.Handler)
	if err != nil {
		return nil, fmt.Errorf("selector %s handler %s: %w", selector, route.Handler, err)
	}
	if live != route.Codehash {
		return nil, fmt.Errorf("selector %s handler %s: %w", selector, route.Handler, ErrFingerprintMismatch)
	}
	handler, err := e.resolver.Resolve(ctx, route.Handler)
	if err != nil {
		return nil, fmt.Errorf("selector %s: %w", selector, err)
	}
	result, err := handler.Invoke(guard.Mark(ctx), e.state, payload)
	if err != nil {
		return nil, &HandlerError{Selector: selector, Handler: route.Handler, Err: err}
	}
	if len(result) > e.maxResult {
		return nil, fmt.Errorf("selector %s: %w: %d > %d bytes", selector, ErrResultTooLarge, len(result), e.maxResult)
	}
	return result, nil
}

func (e *Engine) record(selector routes.Selector, err error, d time.Duration) {
	if e.metrics == nil {
		return
	}
	outcome := OutcomeOK
	var herr *HandlerError
	switch {
	case err == nil:
	case errors.Is(err, access.ErrPaused):
		outcome = OutcomePaused
	case errors.Is(err, ErrNoRoute):
		outcome = OutcomeNoRoute
	case errors.Is(err, ErrFingerprintMismatch):
		outcome = OutcomeFingerprintMismatch
	case errors.Is(err, ErrResultTooLarge):
		outcome = OutcomeResultTooLarge
	case errors.Is(err, guard.ErrReentrant):
		outcome = OutcomeReentrant
	case errors.As(err, &herr):
		outcome = OutcomeHandlerError
	default:
		outcome = OutcomeHandlerError
	}
	e.metrics.IncOutcome(outcome)
	e.metrics.IncDispatch(selector.String(), outcome)
	e.metrics.ObserveDispatchLatency(d)
	if outcome != OutcomeOK {
		e.metrics.IncReason(outcome)
	}
}
