// Package store is the dialect-abstracted persistence layer: event/run/step
// writers, permission-scoped admin reads, shared across the SQLite and
// PostgreSQL dialects in the sqlite/ and postgres/ subpackages. Modeled on
// the teacher's run/mongo and runlog/mongo stores (constructor takes a
// client, exposes narrow verbs), translated from a document store onto SQL
// per the spec's explicit redesign.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/dispatcher"
)

// Dialect isolates the SQL differences between SQLite and PostgreSQL: bind
// placeholder style, upsert syntax, and JSON column type affinity.
type Dialect interface {
	// Placeholder returns the bind placeholder for the i-th (1-based)
	// argument in a query ("?" for SQLite, "$1"/"$2"/... for PostgreSQL).
	Placeholder(i int) string
	// UpsertRunSQL returns the INSERT .. ON CONFLICT statement for
	// chronicle_runs, with info shallow-merged and tags replaced.
	UpsertRunSQL() string
	// UpsertStepSQL returns the INSERT .. ON CONFLICT statement for
	// chronicle_steps.
	UpsertStepSQL() string
	// NotifyRunUpdate is a no-op for SQLite; PostgreSQL emits NOTIFY on the
	// per-run channel after committing a run:update or terminal step event.
	NotifyRunUpdate(ctx context.Context, tx *sql.Tx, runID string) error
}

// Store is the shared SQL implementation; only the Dialect varies per
// backend.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an already-opened *sql.DB with the dialect's SQL differences.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) ph(i int) string { return s.dialect.Placeholder(i) }

// InsertLogEvent persists one ProxyLogEntry as a chronicle_events row.
func (s *Store) InsertLogEvent(ctx context.Context, entry dispatcher.ProxyLogEntry) error {
	query := fmt.Sprintf(
		`INSERT INTO chronicle_events (id, org, type, provider, model, attempts, was_rate_limited, status, request, response, error, request_latency_ms, total_latency_ms, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12), s.ph(13), s.ph(14))
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Org, string(canon.EventChatCompleted), entry.Provider, entry.Model, entry.Attempts, entry.WasRateLimited, nullableString(entry.Status),
		nullableJSON(entry.RequestJSON), nullableJSON(entry.ResponseJSON), nullableString(entry.Error),
		entry.RequestLatencyMS, entry.TotalLatencyMS, entry.CreatedAt)
	return err
}

// insertLogEventTx is InsertLogEvent's column set, bound to an in-flight
// transaction so a batch containing a chat-log event (wrapped by
// eventqueue.LogSink as a generic ChronicleEvent) lands in the same
// dedicated columns a direct dispatcher call would use, instead of the
// narrower generic-event insert.
func (s *Store) insertLogEventTx(ctx context.Context, tx *sql.Tx, org string, ev canon.ChronicleEvent, now time.Time) error {
	d := ev.Data
	query := fmt.Sprintf(
		`INSERT INTO chronicle_events (id, org, type, provider, model, attempts, was_rate_limited, status, request, response, error, request_latency_ms, total_latency_ms, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12), s.ph(13), s.ph(14))
	var errStr any
	if ev.Error != nil {
		errStr = *ev.Error
	}
	_, err := tx.ExecContext(ctx, query,
		canon.NewEventID(), org, string(canon.EventChatCompleted), stringField(d, "provider"), stringField(d, "model"),
		intField(d, "attempts"), boolField(d, "was_rate_limited"), stringField(d, "status"),
		jsonField(d, "request"), jsonField(d, "response"), errStr,
		int64Field(d, "request_latency_ms"), int64Field(d, "total_latency_ms"), ev.At(now))
	return err
}

func stringField(d map[string]any, key string) any {
	s, _ := d[key].(string)
	if s == "" {
		return nil
	}
	return s
}

func jsonField(d map[string]any, key string) any {
	s, _ := d[key].(string)
	if s == "" {
		return nil
	}
	return s
}

// jsonOrNil marshals an arbitrary event-data value (input/output/tags; maps,
// slices, or scalars) for a jsonb/json column, or returns nil when the
// caller didn't set the field.
func jsonOrNil(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func boolField(d map[string]any, key string) bool {
	b, _ := d[key].(bool)
	return b
}

func intField(d map[string]any, key string) int {
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func int64Field(d map[string]any, key string) int64 {
	switch v := d[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// ApplyEventBatch groups a batch by target table and upserts runs/steps as
// needed, per §4.6: info is shallow-merged, tags/arrays replaced, no FK
// between steps and runs so out-of-order arrival never fails a write.
func (s *Store) ApplyEventBatch(ctx context.Context, org string, batch canon.EventBatch, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	touchedRuns := make(map[string]bool)
	for _, ev := range batch.Events {
		if err := s.applyOne(ctx, tx, org, ev, now); err != nil {
			return err
		}
		if notifiesRun(ev) {
			touchedRuns[ev.RunID] = true
		}
	}
	if err := s.insertGenericEvents(ctx, tx, org, batch.Events, now); err != nil {
		return err
	}
	for runID := range touchedRuns {
		if err := s.dialect.NotifyRunUpdate(ctx, tx, runID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ApplyEvent applies a single event the same way ApplyEventBatch does and
// returns the id assigned to it: the generated row id for a generic event, or
// RunID/StepID for a workflow event, which already names its own aggregate.
func (s *Store) ApplyEvent(ctx context.Context, org string, ev canon.ChronicleEvent, now time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if err := s.applyOne(ctx, tx, org, ev, now); err != nil {
		return "", err
	}
	if notifiesRun(ev) {
		if err := s.dialect.NotifyRunUpdate(ctx, tx, ev.RunID); err != nil {
			return "", err
		}
	}
	if ev.Type.IsWorkflowEvent() {
		id := ev.StepID
		if id == "" {
			id = ev.RunID
		}
		return id, tx.Commit()
	}
	id, err := s.insertGenericEvent(ctx, tx, org, ev, now)
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

// notifiesRun reports whether ev is a run:update or terminal step event that
// names a run: the events after which NotifyRunUpdate is called.
func notifiesRun(ev canon.ChronicleEvent) bool {
	switch ev.Type {
	case canon.EventRunUpdate, canon.EventStepEnd, canon.EventStepError:
		return ev.RunID != ""
	}
	return false
}

func (s *Store) applyOne(ctx context.Context, tx *sql.Tx, org string, ev canon.ChronicleEvent, now time.Time) error {
	if !ev.Type.IsWorkflowEvent() {
		return nil
	}
	switch ev.Type {
	case canon.EventRunStart, canon.EventRunUpdate:
		return s.upsertRun(ctx, tx, org, ev, now)
	case canon.EventStepStart, canon.EventStepEnd, canon.EventStepError, canon.EventStepState:
		return s.upsertStep(ctx, tx, org, ev, now)
	}
	return nil
}

// upsertRun writes both the typed chronicle_runs columns (name, application,
// trace_id, ...) and the raw info blob, so admin reads can query the typed
// columns directly instead of unpacking info for every lookup.
func (s *Store) upsertRun(ctx context.Context, tx *sql.Tx, org string, ev canon.ChronicleEvent, now time.Time) error {
	d := ev.Data
	info, _ := json.Marshal(d)
	status := "running"
	if v, ok := d["status"].(string); ok {
		status = v
	}
	at := ev.At(now)
	_, err := tx.ExecContext(ctx, s.dialect.UpsertRunSQL(),
		ev.RunID, org,
		stringField(d, "name"), stringField(d, "description"),
		stringField(d, "application"), stringField(d, "environment"),
		jsonOrNil(d["input"]), jsonOrNil(d["output"]),
		status,
		stringField(d, "trace_id"), stringField(d, "span_id"),
		jsonOrNil(d["tags"]),
		info, at, at)
	return err
}

// upsertStep mirrors upsertRun for chronicle_steps. end_time is only set for
// terminal events; across conflicting writes start_time keeps its
// first-written value and end_time keeps its stored value unless the
// incoming write sets one, so an out-of-order step:start can't clobber an
// end_time a step:end already recorded, and vice versa.
func (s *Store) upsertStep(ctx context.Context, tx *sql.Tx, org string, ev canon.ChronicleEvent, now time.Time) error {
	d := ev.Data
	info, _ := json.Marshal(d)
	status := "running"
	var endTime any
	switch ev.Type {
	case canon.EventStepEnd:
		status = "finished"
		endTime = ev.At(now)
	case canon.EventStepError:
		status = "error"
		endTime = ev.At(now)
	}
	if v, ok := d["status"].(string); ok {
		status = v
	}
	_, err := tx.ExecContext(ctx, s.dialect.UpsertStepSQL(),
		ev.StepID, ev.RunID, org,
		stringField(d, "type"), stringField(d, "parent_step"), stringField(d, "name"),
		jsonOrNil(d["input"]), jsonOrNil(d["output"]),
		status, jsonOrNil(d["tags"]), info,
		stringField(d, "span_id"),
		ev.At(now), endTime)
	return err
}

func (s *Store) insertGenericEvents(ctx context.Context, tx *sql.Tx, org string, events []canon.ChronicleEvent, now time.Time) error {
	for _, ev := range events {
		if ev.Type.IsWorkflowEvent() {
			continue
		}
		if _, err := s.insertGenericEvent(ctx, tx, org, ev, now); err != nil {
			return err
		}
	}
	return nil
}

// insertGenericEvent inserts one non-workflow event and returns its assigned
// id. ev must not be a workflow event; callers check IsWorkflowEvent first.
func (s *Store) insertGenericEvent(ctx context.Context, tx *sql.Tx, org string, ev canon.ChronicleEvent, now time.Time) (string, error) {
	if ev.Type == canon.EventChatCompleted {
		return s.insertLogEventTx(ctx, tx, org, ev, now)
	}
	id := canon.NewEventID()
	data, _ := json.Marshal(ev.Data)
	query := fmt.Sprintf(
		`INSERT INTO chronicle_events (id, org, type, run_id, step_id, request, error, created_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	if _, err := tx.ExecContext(ctx, query, id, org, string(ev.Type), ev.RunID, ev.StepID, data, nullableErrPtr(ev.Error), ev.At(now)); err != nil {
		return "", err
	}
	return id, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableErrPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
