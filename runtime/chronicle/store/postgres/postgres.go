// Package postgres implements store.Dialect against PostgreSQL via pgx's
// database/sql driver shim, including the per-run NOTIFY the spec requires
// after committing a run:update or terminal step event.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"chronicle.dev/chronicle/runtime/chronicle/store"
)

// Open opens a PostgreSQL database at dsn and returns a store.Store wired
// to this dialect.
func Open(dsn string) (*store.Store, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: open: %w", err)
	}
	return store.New(db, Dialect{}), db, nil
}

// Dialect implements store.Dialect for PostgreSQL's "$n" placeholders,
// jsonb upserts, and per-run NOTIFY.
type Dialect struct{}

func (Dialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (Dialect) UpsertRunSQL() string {
	// Typed columns are written alongside info so admin reads can query
	// name/application/trace_id directly; a field omitted from a later event
	// (COALESCE against the existing column) doesn't erase one set earlier.
	return `INSERT INTO chronicle_runs (id, org, name, description, application, environment, input, output, status, trace_id, span_id, tags, info, updated_at, created_at)
	        VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12::jsonb, $13::jsonb, $14, $15)
	        ON CONFLICT (id) DO UPDATE SET
	          name = COALESCE(EXCLUDED.name, chronicle_runs.name),
	          description = COALESCE(EXCLUDED.description, chronicle_runs.description),
	          application = COALESCE(EXCLUDED.application, chronicle_runs.application),
	          environment = COALESCE(EXCLUDED.environment, chronicle_runs.environment),
	          input = COALESCE(EXCLUDED.input, chronicle_runs.input),
	          output = COALESCE(EXCLUDED.output, chronicle_runs.output),
	          status = EXCLUDED.status,
	          trace_id = COALESCE(EXCLUDED.trace_id, chronicle_runs.trace_id),
	          span_id = COALESCE(EXCLUDED.span_id, chronicle_runs.span_id),
	          tags = COALESCE(EXCLUDED.tags, chronicle_runs.tags),
	          info = chronicle_runs.info || EXCLUDED.info,
	          updated_at = EXCLUDED.updated_at`
}

func (Dialect) UpsertStepSQL() string {
	// A later-arriving step:start (or any event defaulting to "running")
	// must not downgrade a step a terminal event already finished, so
	// out-of-order arrival still lands on the correct final row. start_time
	// keeps whichever value was written first and end_time keeps the stored
	// value unless the incoming write sets one, since a step:end can arrive
	// before its step:start.
	return `INSERT INTO chronicle_steps (id, run_id, org, type, parent_step, name, input, output, status, tags, info, span_id, start_time, end_time)
	        VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10::jsonb, $11::jsonb, $12, $13, $14)
	        ON CONFLICT (id) DO UPDATE SET
	          type = COALESCE(EXCLUDED.type, chronicle_steps.type),
	          parent_step = COALESCE(EXCLUDED.parent_step, chronicle_steps.parent_step),
	          name = COALESCE(EXCLUDED.name, chronicle_steps.name),
	          input = COALESCE(EXCLUDED.input, chronicle_steps.input),
	          output = COALESCE(EXCLUDED.output, chronicle_steps.output),
	          status = CASE
	            WHEN chronicle_steps.status IN ('finished', 'error') AND EXCLUDED.status = 'running'
	            THEN chronicle_steps.status
	            ELSE EXCLUDED.status
	          END,
	          tags = COALESCE(EXCLUDED.tags, chronicle_steps.tags),
	          info = chronicle_steps.info || EXCLUDED.info,
	          span_id = COALESCE(EXCLUDED.span_id, chronicle_steps.span_id),
	          start_time = COALESCE(chronicle_steps.start_time, EXCLUDED.start_time),
	          end_time = COALESCE(EXCLUDED.end_time, chronicle_steps.end_time)`
}

// NotifyRunUpdate emits NOTIFY on a per-run channel so downstream consumers
// can LISTEN for changes to a specific run, per §4.6.
func (Dialect) NotifyRunUpdate(ctx context.Context, tx *sql.Tx, runID string) error {
	channel := "chronicle_run_" + sanitizeChannel(runID)
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`SELECT pg_notify('%s', $1)`, channel), runID)
	return err
}

// sanitizeChannel strips characters pg_notify's unquoted channel name
// doesn't accept, since run ids are caller-supplied.
func sanitizeChannel(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Schema is the forward-only schema migrate applies for this dialect.
const Schema = `
CREATE TABLE IF NOT EXISTS chronicle_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL
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
	was_rate_limited BOOLEAN,
	status TEXT,
	request JSONB,
	response JSONB,
	error TEXT,
	request_latency_ms BIGINT,
	total_latency_ms BIGINT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chronicle_events_org_created ON chronicle_events(org, created_at);

CREATE TABLE IF NOT EXISTS chronicle_runs (
	id TEXT PRIMARY KEY,
	org TEXT NOT NULL,
	name TEXT,
	description TEXT,
	application TEXT,
	environment TEXT,
	input JSONB,
	output JSONB,
	status TEXT NOT NULL,
	trace_id TEXT,
	span_id TEXT,
	tags JSONB,
	info JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS chronicle_steps (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	org TEXT NOT NULL,
	type TEXT,
	parent_step TEXT,
	name TEXT,
	input JSONB,
	output JSONB,
	status TEXT NOT NULL,
	tags JSONB,
	info JSONB NOT NULL DEFAULT '{}'::jsonb,
	span_id TEXT,
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ
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
	headers JSONB,
	prefix TEXT,
	UNIQUE(org, name)
);

CREATE TABLE IF NOT EXISTS chronicle_aliases (
	id TEXT PRIMARY KEY,
	org TEXT NOT NULL,
	name TEXT NOT NULL,
	random_order BOOLEAN NOT NULL DEFAULT false,
	UNIQUE(org, name)
);

CREATE TABLE IF NOT EXISTS chronicle_alias_providers (
	id TEXT PRIMARY KEY,
	alias_id TEXT NOT NULL REFERENCES chronicle_aliases(id) ON DELETE CASCADE,
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
