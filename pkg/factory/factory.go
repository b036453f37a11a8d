// Package factory stages immutable handler content under content-addressed
// references and serves as the live fingerprint source for both apply-time
// and dispatch-time integrity checks.
package factory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
)

var (
	ErrEmptyContent    = errors.New("factory: empty content")
	ErrContentTooLarge = errors.New("factory: content exceeds size cap")
	ErrUnknownHandler  = errors.New("factory: unknown handler reference")
)

// addressDomain separates staged-handler addresses from other sha256 uses.
var addressDomain = []byte("payrox.stage.v1")

// ContentStore persists staged content keyed by handler reference.
type ContentStore interface {
	Put(ctx context.Context, ref routes.HandlerRef, content []byte) error
	Get(ctx context.Context, ref routes.HandlerRef) ([]byte, bool, error)
}

// Factory derives deterministic handler references from content and stages
// the content behind them. Staging the same content twice yields the same
// reference and is idempotent.
type Factory struct {
	Store           ContentStore
	MaxContentBytes int
}

const DefaultMaxContentBytes = 1 << 20

func New(store ContentStore) *Factory {
	return &Factory{Store: store, MaxContentBytes: DefaultMaxContentBytes}
}

// Predict computes the reference content would be staged under, without side
// effects: the last 20 bytes of sha256(domain || sha256(content)).
func (f *Factory) Predict(content []byte) routes.HandlerRef {
	contentHash := sha256.Sum256(content)
	full := sha256.Sum256(append(append([]byte{}, addressDomain...), contentHash[:]...))
	var ref routes.HandlerRef
	copy(ref[:], full[32-routes.HandlerRefSize:])
	return ref
}

// Stage persists content and returns its reference and content hash.
func (f *Factory) Stage(ctx context.Context, content []byte) (routes.HandlerRef, [32]byte, error) {
	var zero [32]byte
	if len(content) == 0 {
		return routes.HandlerRef{}, zero, ErrEmptyContent
	}
	max := f.MaxContentBytes
	if max <= 0 {
		max = DefaultMaxContentBytes
	}
	if len(content) > max {
		return routes.HandlerRef{}, zero, fmt.Errorf("%w: %d > %d bytes", ErrContentTooLarge, len(content), max)
	}
	ref := f.Predict(content)
	existing, ok, err := f.Store.Get(ctx, ref)
	if err != nil {
		return routes.HandlerRef{}, zero, err
	}
	if ok && !bytes.Equal(existing, content) {
		// Content-addressed collisions cannot happen without a broken store.
		return routes.HandlerRef{}, zero, fmt.Errorf("factory: reference %s already bound to different content", ref)
	}
	if !ok {
		if err := f.Store.Put(ctx, ref, content); err != nil {
			return routes.HandlerRef{}, zero, err
		}
	}
	return ref, sha256.Sum256(content), nil
}

// StageBatch stages each content unit in order. The batch is not atomic:
// contents staged before a failure remain staged, matching the idempotent
// single-unit semantics.
func (f *Factory) StageBatch(ctx context.Context, contents [][]byte) ([]routes.HandlerRef, [][32]byte, error) {
	refs := make([]routes.HandlerRef, 0, len(contents))
	hashes := make([][32]byte, 0, len(contents))
	for i, content := range contents {
		ref, hash, err := f.Stage(ctx, content)
		if err != nil {
			return nil, nil, fmt.Errorf("stage batch entry %d: %w", i, err)
		}
		refs = append(refs, ref)
		hashes = append(hashes, hash)
	}
	return refs, hashes, nil
}

// Content returns the live staged content for ref.
func (f *Factory) Content(ctx context.Context, ref routes.HandlerRef) ([]byte, error) {
	content, ok, err := f.Store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, ref)
	}
	return content, nil
}

// Fingerprint hashes the live staged content for ref. This is the pluggable
// fingerprint_of capability the lifecycle and dispatch engine re-check.
func (f *Factory) Fingerprint(ctx context.Context, ref routes.HandlerRef) ([32]byte, error) {
	content, err := f.Content(ctx, ref)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(content), nil
}
