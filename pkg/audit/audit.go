// Package audit persists the append-only governance trail: every successful
// commit, apply, activation, batch update, route removal, and freeze.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Actions recorded against the trail.
const (
	ActionCommit      = "MANIFEST_COMMIT"
	ActionApply       = "MANIFEST_APPLY"
	ActionActivate    = "MANIFEST_ACTIVATE"
	ActionBatchUpdate = "MANIFEST_BATCH_UPDATE"
	ActionRemove      = "ROUTES_REMOVE"
	ActionFreeze      = "GOVERNANCE_FREEZE"
	ActionDelay       = "ACTIVATION_DELAY_SET"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Record struct {
	EventID   string          `json:"event_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Epoch     uint64          `json:"epoch"`
	Root      string          `json:"root"`
	Version   uint64          `json:"version"`
	Selectors []string        `json:"selectors,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Writer appends records to postgres. With Redact set, actor identities are
// replaced by salted HMAC digests before they leave the process.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

const Schema = `
CREATE TABLE IF NOT EXISTS governance_audit (
	event_id   TEXT PRIMARY KEY,
	actor      TEXT NOT NULL,
	action     TEXT NOT NULL,
	epoch      BIGINT NOT NULL,
	root       TEXT NOT NULL,
	version    BIGINT NOT NULL,
	selectors  JSONB,
	detail     JSONB,
	created_at TIMESTAMPTZ NOT NULL
)`

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec.Actor = hashActor(rec.Actor, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	selectors, _ := json.Marshal(rec.Selectors)
	_, err := w.DB.Exec(ctx, `
		INSERT INTO governance_audit
		(event_id, actor, action, epoch, root, version, selectors, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.EventID, rec.Actor, rec.Action, int64(rec.Epoch), rec.Root, int64(rec.Version), selectors, rec.Detail, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, eventID string) (Record, error) {
	var rec Record
	var epoch, version int64
	var selectors []byte
	row := w.DB.QueryRow(ctx, `
		SELECT event_id, actor, action, epoch, root, version, selectors, detail, created_at
		FROM governance_audit WHERE event_id=$1
	`, eventID)
	if err := row.Scan(&rec.EventID, &rec.Actor, &rec.Action, &epoch, &rec.Root, &version, &selectors, &rec.Detail, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Epoch = uint64(epoch)
	rec.Version = uint64(version)
	if len(selectors) > 0 {
		_ = json.Unmarshal(selectors, &rec.Selectors)
	}
	return rec, nil
}

// Recent returns the latest records, newest first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT event_id, actor, action, epoch, root, version, selectors, detail, created_at
		FROM governance_audit ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var epoch, version int64
		var selectors []byte
		if err := rows.Scan(&rec.EventID, &rec.Actor, &rec.Action, &epoch, &rec.Root, &version, &selectors, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Epoch = uint64(epoch)
		rec.Version = uint64(version)
		if len(selectors) > 0 {
			_ = json.Unmarshal(selectors, &rec.Selectors)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func hashActor(actor string, salt []byte) string {
	if actor == "" {
		return ""
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(actor))
	return "hmac:" + hex.EncodeToString(mac.Sum(nil))
}
