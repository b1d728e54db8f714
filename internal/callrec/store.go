// Package callrec persists finished call records. The engine's finalize
// callback writes one row per call; reporting reads them out-of-process.
package callrec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the call_records table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_records (
    linked_id      TEXT PRIMARY KEY,
    domain         TEXT NOT NULL DEFAULT '',
    ani            TEXT NOT NULL DEFAULT '',
    dnis           TEXT NOT NULL DEFAULT '',
    rut            TEXT NOT NULL DEFAULT '',
    specialty      TEXT NOT NULL DEFAULT '',
    confirmed_slot TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL DEFAULT '',
    turns          INTEGER NOT NULL DEFAULT 0,
    silent_turns   INTEGER NOT NULL DEFAULT 0,
    recording_path TEXT NOT NULL DEFAULT '',
    marks          JSONB NOT NULL DEFAULT '[]',
    started_at     TIMESTAMPTZ NOT NULL,
    ended_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_records_domain_day ON call_records(domain, started_at);
CREATE INDEX IF NOT EXISTS idx_call_records_rut ON call_records(rut);
`

// Outcome values for a finished call.
const (
	OutcomeScheduled    = "scheduled"
	OutcomeNoAgreement  = "no_agreement"
	OutcomeUnidentified = "unidentified"
	OutcomeAbandoned    = "abandoned"
)

// Record is one finished call.
type Record struct {
	LinkedID      string
	Domain        string
	ANI           string
	DNIS          string
	RUT           string
	Specialty     string
	ConfirmedSlot string
	Outcome       string
	Turns         int
	SilentTurns   int
	RecordingPath string
	Marks         []Mark
	StartedAt     time.Time
	EndedAt       time.Time
}

// Mark is the persisted form of one audio-ledger entry.
type Mark struct {
	Type     string            `json:"type"`
	OffsetMs int64             `json:"offset_ms"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store writes and reads call records.
type Store struct {
	db DB
}

// New creates a Store over the given connection or pool. The caller is
// responsible for calling [Store.Migrate] before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("callrec: migrate: %w", err)
	}
	return nil
}

// Save upserts the record. A retried finalize after a crash overwrites the
// earlier partial row, so the write is idempotent per linkedId.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec.LinkedID == "" {
		return errors.New("callrec: record without linked_id")
	}
	marksJSON, err := json.Marshal(emptyMarks(rec.Marks))
	if err != nil {
		return fmt.Errorf("callrec: marshal marks: %w", err)
	}

	const query = `
		INSERT INTO call_records (
			linked_id, domain, ani, dnis, rut, specialty, confirmed_slot,
			outcome, turns, silent_turns, recording_path, marks,
			started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (linked_id) DO UPDATE SET
			rut = EXCLUDED.rut,
			specialty = EXCLUDED.specialty,
			confirmed_slot = EXCLUDED.confirmed_slot,
			outcome = EXCLUDED.outcome,
			turns = EXCLUDED.turns,
			silent_turns = EXCLUDED.silent_turns,
			recording_path = EXCLUDED.recording_path,
			marks = EXCLUDED.marks,
			ended_at = EXCLUDED.ended_at
		RETURNING ended_at`

	err = s.db.QueryRow(ctx, query,
		rec.LinkedID, rec.Domain, rec.ANI, rec.DNIS, rec.RUT,
		rec.Specialty, rec.ConfirmedSlot, rec.Outcome,
		rec.Turns, rec.SilentTurns, rec.RecordingPath, marksJSON,
		rec.StartedAt, endedAt(rec.EndedAt),
	).Scan(&rec.EndedAt)
	if err != nil {
		return fmt.Errorf("callrec: save %q: %w", rec.LinkedID, err)
	}
	return nil
}

// Get retrieves a record by linkedId. It returns (nil, nil) when the call was
// never finalized.
func (s *Store) Get(ctx context.Context, linkedID string) (*Record, error) {
	const query = `
		SELECT linked_id, domain, ani, dnis, rut, specialty, confirmed_slot,
		       outcome, turns, silent_turns, recording_path, marks,
		       started_at, ended_at
		FROM call_records
		WHERE linked_id = $1`

	var rec Record
	var marksJSON []byte
	err := s.db.QueryRow(ctx, query, linkedID).Scan(
		&rec.LinkedID, &rec.Domain, &rec.ANI, &rec.DNIS, &rec.RUT,
		&rec.Specialty, &rec.ConfirmedSlot, &rec.Outcome,
		&rec.Turns, &rec.SilentTurns, &rec.RecordingPath, &marksJSON,
		&rec.StartedAt, &rec.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("callrec: get %q: %w", linkedID, err)
	}
	if err := json.Unmarshal(marksJSON, &rec.Marks); err != nil {
		return nil, fmt.Errorf("callrec: unmarshal marks: %w", err)
	}
	return &rec, nil
}

// emptyMarks returns m if non-nil, otherwise an empty non-nil slice, so JSON
// marshalling produces "[]" instead of "null".
func emptyMarks(m []Mark) []Mark {
	if m == nil {
		return []Mark{}
	}
	return m
}

func endedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
