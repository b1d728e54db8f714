package callrec

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

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func TestStore_SaveUpsertsByLinkedID(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			gotSQL = sql
			gotArgs = args
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*time.Time)) = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
				return nil
			}}
		},
	}

	rec := &Record{
		LinkedID:  "call-1",
		Domain:    "clinica",
		RUT:       "14348258-8",
		Specialty: "pediatria",
		Outcome:   OutcomeScheduled,
		Turns:     6,
		Marks:     []Mark{{Type: "RECORDING_START", OffsetMs: 0}},
		StartedAt: time.Date(2026, 8, 24, 11, 55, 0, 0, time.UTC),
	}
	if err := New(db).Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !strings.Contains(gotSQL, "ON CONFLICT (linked_id)") {
		t.Error("save is not an upsert")
	}
	if gotArgs[0] != "call-1" || gotArgs[7] != OutcomeScheduled {
		t.Errorf("args = %v", gotArgs)
	}
	var marks []Mark
	if err := json.Unmarshal(gotArgs[11].([]byte), &marks); err != nil || len(marks) != 1 {
		t.Errorf("marks arg = %s, %v", gotArgs[11], err)
	}
	if rec.EndedAt.IsZero() {
		t.Error("EndedAt not populated from RETURNING")
	}
}

func TestStore_SaveRejectsMissingLinkedID(t *testing.T) {
	t.Parallel()

	if err := New(&mockDB{}).Save(context.Background(), &Record{}); err == nil {
		t.Fatal("Save accepted a record without linked_id")
	}
}

func TestStore_SaveMarshalsNilMarksAsEmptyArray(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{
		queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
			gotArgs = args
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*time.Time)) = time.Now()
				return nil
			}}
		},
	}
	rec := &Record{LinkedID: "call-1", StartedAt: time.Now()}
	if err := New(db).Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if string(gotArgs[11].([]byte)) != "[]" {
		t.Errorf("marks arg = %s, want []", gotArgs[11])
	}
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	t.Parallel()

	rec, err := New(&mockDB{}).Get(context.Background(), "nope")
	if err != nil || rec != nil {
		t.Fatalf("Get = %+v, %v, want nil, nil", rec, err)
	}
}

func TestStore_GetDecodesMarks(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*string)) = "call-1"
				*(dest[11].(*[]byte)) = []byte(`[{"type":"TALK_START","offset_ms":1200}]`)
				*(dest[12].(*time.Time)) = time.Now()
				*(dest[13].(*time.Time)) = time.Now()
				return nil
			}}
		},
	}

	rec, err := New(db).Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rec.Marks) != 1 || rec.Marks[0].Type != "TALK_START" || rec.Marks[0].OffsetMs != 1200 {
		t.Errorf("marks = %+v", rec.Marks)
	}
}

func TestStore_GetPropagatesQueryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	db := &mockDB{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return &mockRow{scanFunc: func(...any) error { return boom }}
		},
	}
	if _, err := New(db).Get(context.Background(), "call-1"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}
