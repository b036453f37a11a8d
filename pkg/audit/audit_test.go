package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execSQL  string
	execArgs []any
	execErr  error
	row      pgx.Row
	rows     pgx.Rows
	queryErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return f.rows, f.queryErr
}

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(dest, r.values)
}

type fakeRows struct {
	fakeRow
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.values = r.rows[r.pos]
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return r.fakeRow.Scan(dest...) }
func (r *fakeRows) Close()                 {}
func (r *fakeRows) Err() error             { return nil }

func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func scanInto(dest, values []any) error {
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int64:
			*d = v.(int64)
		case *[]byte:
			if v == nil {
				*d = nil
			} else {
				*d = v.([]byte)
			}
		case *json.RawMessage:
			if v == nil {
				*d = nil
			} else {
				*d = json.RawMessage(v.([]byte))
			}
		case *time.Time:
			*d = v.(time.Time)
		}
	}
	return nil
}

func auditRowValues(eventID string) []any {
	return []any{
		eventID, "ops@example", ActionApply, int64(2), "0xroot", int64(5),
		[]byte(`["0x01020304"]`), []byte(nil), time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAppendWritesAllColumns(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	rec := Record{
		EventID:   "evt-1",
		Actor:     "ops@example",
		Action:    ActionCommit,
		Epoch:     3,
		Root:      "0xabc",
		Version:   7,
		Selectors: []string{"0xaabbccdd"},
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !strings.Contains(db.execSQL, "INSERT INTO governance_audit") {
		t.Errorf("sql = %q", db.execSQL)
	}
	if len(db.execArgs) != 9 {
		t.Fatalf("args = %d, want 9", len(db.execArgs))
	}
	if db.execArgs[1] != "ops@example" {
		t.Errorf("actor arg = %v, want plain actor without redaction", db.execArgs[1])
	}
	if db.execArgs[3] != int64(3) {
		t.Errorf("epoch arg = %v, want 3", db.execArgs[3])
	}
}

func TestAppendRedactsActor(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db, Redact: true, HashSalt: []byte("salt")}
	if err := w.Append(context.Background(), Record{EventID: "evt-2", Actor: "ops@example", Action: ActionFreeze}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	actor, _ := db.execArgs[1].(string)
	if !strings.HasPrefix(actor, "hmac:") || strings.Contains(actor, "ops@example") {
		t.Errorf("actor arg = %q, want salted hmac digest", actor)
	}
	// Same actor and salt must redact identically for correlation.
	db2 := &fakeDB{}
	w2 := &Writer{DB: db2, Redact: true, HashSalt: []byte("salt")}
	_ = w2.Append(context.Background(), Record{EventID: "evt-3", Actor: "ops@example", Action: ActionFreeze})
	if db2.execArgs[1] != db.execArgs[1] {
		t.Error("redaction must be deterministic per salt")
	}
}

func TestAppendStampsCreatedAt(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	before := time.Now().UTC()
	if err := w.Append(context.Background(), Record{EventID: "evt-4", Action: ActionActivate}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	at, ok := db.execArgs[8].(time.Time)
	if !ok || at.Before(before.Add(-time.Second)) {
		t.Errorf("created_at arg = %v", db.execArgs[8])
	}
}

func TestGetDecodesRecord(t *testing.T) {
	db := &fakeDB{row: &fakeRow{values: auditRowValues("evt-5")}}
	w := &Writer{DB: db}
	rec, err := w.Get(context.Background(), "evt-5")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.EventID != "evt-5" || rec.Action != ActionApply {
		t.Errorf("record = %+v", rec)
	}
	if rec.Epoch != 2 || rec.Version != 5 {
		t.Errorf("epoch/version = %d/%d, want 2/5", rec.Epoch, rec.Version)
	}
	if len(rec.Selectors) != 1 || rec.Selectors[0] != "0x01020304" {
		t.Errorf("selectors = %v", rec.Selectors)
	}
}

func TestGetMiss(t *testing.T) {
	db := &fakeDB{row: &fakeRow{err: pgx.ErrNoRows}}
	w := &Writer{DB: db}
	if _, err := w.Get(context.Background(), "evt-missing"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("Get miss err = %v, want pgx.ErrNoRows", err)
	}
}

func TestRecentDecodesRows(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{rows: [][]any{auditRowValues("evt-7"), auditRowValues("evt-6")}}}
	w := &Writer{DB: db}
	out, err := w.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].EventID != "evt-7" || out[1].EventID != "evt-6" {
		t.Errorf("order = [%s, %s]", out[0].EventID, out[1].EventID)
	}
}

func TestRecentQueryError(t *testing.T) {
	queryErr := errors.New("connection reset")
	db := &fakeDB{queryErr: queryErr}
	w := &Writer{DB: db}
	if _, err := w.Recent(context.Background(), 10); !errors.Is(err, queryErr) {
		t.Fatalf("Recent err = %v, want %v", err, queryErr)
	}
}
