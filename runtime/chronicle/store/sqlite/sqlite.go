// Package sqlite implements store.Dialect against modernc.org/sqlite, the
// pure-Go SQLite driver, for single-node and embedded Chronicle deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"chronicle.dev/chronicle/runtime/chronicle/store"
)

// Open opens a SQLite database at dsn (a file path, or ":memory:") and
// returns a store.Store wired to this dialect.
func Open(dsn string) (*store.Store, *sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms
	return store.New(db, Dialect{}), db, nil
}

// Dialect implements store.Dialect for SQLite's "?" placeholders and
// INSERT ... ON CONFLICT upsert syntax. NotifyRunUpdate is a no-op: SQLite
// has no cross-connection notification mechanism.
type Dialect struct{}

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) UpsertRunSQL() string {
	// Typed columns are written alongside info so admin reads can query
	// name/application/trace_id directly; a field omitted from a later event
	// (COALESCE against the existing column) doesn't erase one set earlier.
	return `INSERT INTO chronicle_runs (id, org, name, description, application, environment, input, output, status, trace_id, span_id, tags, info, updated_at, created_at)
	        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	        ON CONFLICT(id) DO UPDATE SET
	          name = COALESCE(excluded.name, chronicle_runs.name),
	          description = COALESCE(excluded.description, chronicle_runs.description),
	          application = COALESCE(excluded.application, chronicle_runs.application),
	          environment = COALESCE(excluded.environment, chronicle_runs.environment),
	          input = COALESCE(excluded.input, chronicle_runs.input),
	          output = COALESCE(excluded.output, chronicle_runs.output),
	          status = excluded.status,
	          trace_id = COALESCE(excluded.trace_id, chronicle_runs.trace_id),
	          span_id = COALESCE(excluded.span_id, chronicle_runs.span_id),
	          tags = COALESCE(excluded.tags, chronicle_runs.tags),
	          info = json_patch(chronicle_runs.info, excluded.info),
	          updated_at = excluded.updated_at`
}

func (Dialect) UpsertStepSQL() string {
	// A later-arriving step:start (or any event defaulting to "running")
	// must not downgrade a step a terminal event already finished, so
	// out-of-order arrival still lands on the correct final row. start_time
	// keeps whichever value was written first and end_time keeps the stored
	// value unless the incoming write sets one, since a step:end can arrive
	// before its step:start.
	return `INSERT INTO chronicle_steps (id, run_id, org, type, parent_step, name, input, output, status, tags, info, span_id, start_time, end_time)
	        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	        ON CONFLICT(id) DO UPDATE SET
	          type = COALESCE(excluded.type, chronicle_steps.type),
	          parent_step = COALESCE(excluded.parent_step, chronicle_steps.parent_step),
	          name = COALESCE(excluded.name, chronicle_steps.name),
	          input = COALESCE(excluded.input, chronicle_steps.input),
	          output = COALESCE(excluded.output, chronicle_steps.output),
	          status = CASE
	            WHEN chronicle_steps.status IN ('finished', 'error') AND excluded.status = 'running'
	            THEN chronicle_steps.status
	            ELSE excluded.status
	          END,
	          tags = COALESCE(excluded.tags, chronicle_steps.tags),
	          info = json_patch(chronicle_steps.info, excluded.info),
	          span_id = COALESCE(excluded.span_id, chronicle_steps.span_id),
	          start_time = COALESCE(chronicle_steps.start_time, excluded.start_time),
	          end_time = COALESCE(excluded.end_time, chronicle_steps.end_time)`
}

func (Dialect) NotifyRunUpdate(context.Context, *sql.Tx, string) error { return nil }

// Schema is the forward-only schema migrate applies for this dialect. Column
// types use SQLite's dynamic typing with json() functions for validation
// rather than a native jsonb type.
const Schema = `
CREATE TABLE IF NOT EXISTS chronicle_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chronicle_events (
	id TEXT PRIMARY KEY,
	org TEXT NOT NULL,
	type TEXT NOT NULL,
	run_id TEXT,
	step_id TEXT,
	provider TEXT,
	model TEXT,
	attempts INTEGER,
	was_rate_limited INTEGER,
	status TEXT,
	request TEXT,
	response TEXT,
	error TEXT,
	request_latency_ms INTEGER,
	total_latency_ms INTEGER,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chronicle_events_org_created ON chronicle_events(org, created_at);

CREATE TABLE IF NOT EXISTS chronicle_runs (
	id TEXT PRIMARY KEY,
	org TEXT NOT NULL,
	name TEXT,
	description TEXT,
	application TEXT,
	environment TEXT,
	input TEXT,
	output TEXT,
	status TEXT NOT NULL,
	trace_id TEXT,
	span_id TEXT,
	tags TEXT,
	info TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT,
	created_at TEXT
);

CREATE TABLE IF NOT EXISTS chronicle_steps (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	org TEXT NOT NULL,
	type TEXT,
	parent_step TEXT,
	name TEXT,
	input TEXT,
	output TEXT,
	status TEXT NOT NULL,
	tags TEXT,
	info TEXT NOT NULL DEFAULT '{}',
	span_id TEXT,
	start_time TEXT,
	end_time TEXT
);
CREATE INDEX IF NOT EXISTS idx_chronicle_steps_run ON chronicle_steps(run_id);

CREATE TABLE IF NOT EXISTS chronicle_custom_providers (
	id TEXT PRIMARY KEY,
	org TEXT NOT NULL,
	name TEXT NOT NULL,
	label TEXT,
	url TEXT NOT NULL,
	token TEXT,
	api_key TEXT,
	api_key_source TEXT,
	format TEXT NOT NULL,
	headers TEXT,
	prefix TEXT,
	UNIQUE(org, name)
);

CREATE TABLE IF NOT EXISTS chronicle_aliases (
	id TEXT PRIMARY KEY,
	org TEXT NOT NULL,
	name TEXT NOT NULL,
	random_order INTEGER NOT NULL DEFAULT 0,
	UNIQUE(org, name)
);

CREATE TABLE IF NOT EXISTS chronicle_alias_providers (
	id TEXT PRIMARY KEY,
	alias_id TEXT NOT NULL,
	sort INTEGER NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	api_key_name TEXT
);
CREATE INDEX IF NOT EXISTS idx_chronicle_alias_providers_alias ON chronicle_alias_providers(alias_id);

CREATE TABLE IF NOT EXISTS chronicle_api_keys (
	id TEXT PRIMARY KEY,
	org TEXT NOT NULL,
	name TEXT NOT NULL,
	source TEXT NOT NULL,
	value TEXT NOT NULL,
	UNIQUE(org, name)
);

CREATE TABLE IF NOT EXISTS chronicle_pricing_plans (
	id TEXT PRIMARY KEY,
	org TEXT NOT NULL,
	name TEXT NOT NULL,
	UNIQUE(org, name)
);

CREATE TABLE IF NOT EXISTS chronicle_permission_grants (
	org TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	permission TEXT NOT NULL,
	PRIMARY KEY (org, actor_id, resource, resource_id)
);
CREATE INDEX IF NOT EXISTS idx_chronicle_grants_lookup ON chronicle_permission_grants(resource, resource_id, org);
`
