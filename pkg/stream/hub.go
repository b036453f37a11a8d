// Package stream fans governance and dispatch events out to live subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the dispatch engine and manifest lifecycle.
const (
	TypeReady             = "ready"
	TypeRouteAdded        = "route_added"
	TypeRouteUpdated      = "route_updated"
	TypeRouteRemoved      = "route_removed"
	TypeManifestCommitted = "manifest_committed"
	TypeManifestApplied   = "manifest_applied"
	TypeManifestActivated = "manifest_activated"
	TypeManifestBatch     = "manifest_batch_updated"
	TypeGovernanceFrozen  = "governance_frozen"
	TypeDispatchRejected  = "dispatch_rejected"
)

type Event struct {
	Seq  uint64          `json:"seq"`
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time. The hub assigns Seq on
// publish.
func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub delivers events to subscriber channels, dropping on full buffers so a
// slow consumer can never stall a governance mutation.
type Hub struct {
	mu   sync.Mutex
	seq  uint64
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	h.seq++
	evt.Seq = h.seq
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
