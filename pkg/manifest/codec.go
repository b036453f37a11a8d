package manifest

import (
	"errors"
	"fmt"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
)

// RecordSize is the width of one bulk-manifest record: a 4-byte selector
// concatenated with a 20-byte handler reference.
const RecordSize = routes.SelectorSize + routes.HandlerRefSize

var (
	ErrMalformedPayload  = errors.New("manifest: payload length is not a multiple of the record size")
	ErrZeroSelector      = errors.New("manifest: zero selector in payload")
	ErrSelectorCollision = errors.New("manifest: selector bound to conflicting handlers")
)

// BatchRecord is one decoded (selector, handler) pair.
type BatchRecord struct {
	Selector routes.Selector
	Handler  routes.HandlerRef
}

// DecodeBatch splits raw into fixed-width records, rejecting zero selectors,
// zero handlers, and the same selector bound to two different handlers.
// A selector repeated with an identical handler decodes to a single record.
func DecodeBatch(raw []byte) ([]BatchRecord, error) {
	if len(raw)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(raw))
	}
	count := len(raw) / RecordSize
	records := make([]BatchRecord, 0, count)
	seen := make(map[routes.Selector]routes.HandlerRef, count)
	for i := 0; i < count; i++ {
		chunk := raw[i*RecordSize : (i+1)*RecordSize]
		var rec BatchRecord
		copy(rec.Selector[:], chunk[:routes.SelectorSize])
		copy(rec.Handler[:], chunk[routes.SelectorSize:])
		if rec.Selector == (routes.Selector{}) {
			return nil, fmt.Errorf("%w: record %d", ErrZeroSelector, i)
		}
		if rec.Handler.IsZero() {
			return nil, fmt.Errorf("record %d: %w", i, routes.ErrZeroHandler)
		}
		if prev, ok := seen[rec.Selector]; ok {
			if prev != rec.Handler {
				return nil, fmt.Errorf("%w: selector %s", ErrSelectorCollision, rec.Selector)
			}
			continue
		}
		seen[rec.Selector] = rec.Handler
		records = append(records, rec)
	}
	return records, nil
}

// EncodeBatch is the inverse of DecodeBatch, used by governance tooling and
// tests to build bulk payloads.
func EncodeBatch(records []BatchRecord) []byte {
	out := make([]byte, 0, len(records)*RecordSize)
	for _, rec := range records {
		out = append(out, rec.Selector[:]...)
		out = append(out, rec.Handler[:]...)
	}
	return out
}
