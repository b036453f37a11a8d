package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/store"
)

// Handler content staged through the factory is a JSON descriptor naming one
// of the built-in behaviors. Because the descriptor bytes ARE the staged
// content, mutating them changes both the live fingerprint and the behavior.
type Descriptor struct {
	Kind   string `json:"kind"`
	Prefix string `json:"prefix,omitempty"`
}

// Built-in descriptor kinds.
const (
	KindEcho    = "echo"
	KindKVGet   = "kv.get"
	KindKVPut   = "kv.put"
	KindCounter = "counter"
)

var ErrUnknownKind = errors.New("dispatch: unknown descriptor kind")

// ContentSource yields the staged content bytes for a handler reference.
// The factory satisfies this.
type ContentSource interface {
	Content(ctx context.Context, ref routes.HandlerRef) ([]byte, error)
}

// DescriptorResolver decodes staged descriptor content into built-in
// handlers on every resolve, so descriptor edits take effect immediately.
type DescriptorResolver struct {
	Source ContentSource
}

func (r *DescriptorResolver) Resolve(ctx context.Context, ref routes.HandlerRef) (Handler, error) {
	content, err := r.Source.Content(ctx, ref)
	if err != nil {
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(content, &desc); err != nil {
		return nil, fmt.Errorf("dispatch: handler %s descriptor: %w", ref, err)
	}
	switch desc.Kind {
	case KindEcho:
		return echoHandler{prefix: desc.Prefix}, nil
	case KindKVGet:
		return kvGetHandler{prefix: desc.Prefix}, nil
	case KindKVPut:
		return kvPutHandler{prefix: desc.Prefix}, nil
	case KindCounter:
		return counterHandler{prefix: desc.Prefix}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, desc.Kind)
	}
}

type echoHandler struct{ prefix string }

func (h echoHandler) Invoke(_ context.Context, _ store.Cache, payload []byte) ([]byte, error) {
	out := make([]byte, 0, len(h.prefix)+len(payload))
	out = append(out, h.prefix...)
	out = append(out, payload...)
	return out, nil
}

type kvRequest struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	TTLSec int64  `json:"ttl_sec,omitempty"`
	Delta  int64  `json:"delta,omitempty"`
}

func decodeKV(payload []byte) (kvRequest, error) {
	var req kvRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("dispatch: kv payload: %w", err)
	}
	if req.Key == "" {
		return req, errors.New("dispatch: kv payload missing key")
	}
	return req, nil
}

type kvGetHandler struct{ prefix string }

func (h kvGetHandler) Invoke(ctx context.Context, state store.Cache, payload []byte) ([]byte, error) {
	req, err := decodeKV(payload)
	if err != nil {
		return nil, err
	}
	value, err := state.Get(ctx, h.prefix+req.Key)
	if errors.Is(err, store.ErrNotFound) {
		return json.Marshal(map[string]any{"found": false})
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"found": true, "value": value})
}

type kvPutHandler struct{ prefix string }

func (h kvPutHandler) Invoke(ctx context.Context, state store.Cache, payload []byte) ([]byte, error) {
	req, err := decodeKV(payload)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(req.TTLSec) * time.Second
	if err := state.Set(ctx, h.prefix+req.Key, req.Value, ttl); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"stored": true})
}

type counterHandler struct{ prefix string }

func (h counterHandler) Invoke(ctx context.Context, state store.Cache, payload []byte) ([]byte, error) {
	req, err := decodeKV(payload)
	if err != nil {
		return nil, err
	}
	delta := req.Delta
	if delta == 0 {
		delta = 1
	}
	total, err := state.Incr(ctx, h.prefix+req.Key, delta)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"value": total})
}
