package store

// Schema bootstrap for the Postgres store. Init executes the whole
// block; every statement is idempotent so repeated runs are safe.
//
// audit_events carries a row-level trigger that rejects UPDATE and
// DELETE outright: committed events are immutable and sealing never
// rewrites rows, so nothing legitimate ever issues either statement.
const pgSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id UUID PRIMARY KEY,
	external_id VARCHAR(1024),
	action VARCHAR(255) NOT NULL,
	crud VARCHAR(16) NOT NULL,
	actor_id VARCHAR(1024),
	actor_name VARCHAR(1024),
	actor_href VARCHAR(1024),
	actor_fields JSONB,
	target_id VARCHAR(1024),
	target_name VARCHAR(1024),
	target_href VARCHAR(1024),
	target_type VARCHAR(1024),
	target_fields JSONB,
	group_id VARCHAR(1024),
	group_name VARCHAR(1024),
	description TEXT,
	component VARCHAR(1024),
	version VARCHAR(1024),
	source_ip VARCHAR(64),
	is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
	is_failure BOOLEAN NOT NULL DEFAULT FALSE,
	fields JSONB,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	hash VARCHAR(128) NOT NULL,
	previous_hash VARCHAR(128),
	signature TEXT NOT NULL,
	project_id VARCHAR(255) NOT NULL,
	environment_id VARCHAR(255) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_stream
	ON audit_events (project_id, environment_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_stream_received
	ON audit_events (project_id, environment_id, received_at, id);
CREATE INDEX IF NOT EXISTS idx_audit_events_created_at
	ON audit_events (created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor_id
	ON audit_events (actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_target_id
	ON audit_events (target_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_action
	ON audit_events (action);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_events_external_id_stream
	ON audit_events (project_id, environment_id, external_id)
	WHERE external_id IS NOT NULL;

CREATE OR REPLACE FUNCTION audit_events_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'audit_events is append-only';
END
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_events_no_rewrite ON audit_events;
CREATE TRIGGER audit_events_no_rewrite
	BEFORE UPDATE OR DELETE ON audit_events
	FOR EACH ROW EXECUTE FUNCTION audit_events_immutable();

CREATE TABLE IF NOT EXISTS ingest_task (
	id UUID PRIMARY KEY,
	original_event JSONB NOT NULL,
	project_id VARCHAR(255) NOT NULL,
	environment_id VARCHAR(255) NOT NULL,
	new_event_id UUID NOT NULL,
	received TIMESTAMPTZ NOT NULL,
	processed BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_ingest_task_pending
	ON ingest_task (received) WHERE processed = FALSE;

CREATE TABLE IF NOT EXISTS backlog (
	id BIGSERIAL PRIMARY KEY,
	project_id VARCHAR(255) NOT NULL,
	environment_id VARCHAR(255) NOT NULL,
	new_event_id UUID NOT NULL,
	received TIMESTAMPTZ NOT NULL,
	original_event JSONB NOT NULL,
	processed BOOLEAN NOT NULL DEFAULT FALSE,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt TIMESTAMPTZ,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_backlog_pending
	ON backlog (project_id, environment_id, id) WHERE processed = FALSE;

CREATE TABLE IF NOT EXISTS seal_markers (
	id BIGSERIAL PRIMARY KEY,
	project_id VARCHAR(255) NOT NULL,
	environment_id VARCHAR(255) NOT NULL,
	up_to_time TIMESTAMPTZ NOT NULL,
	event_count BIGINT NOT NULL,
	tip_hash VARCHAR(128),
	sealed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seal_markers_stream
	ON seal_markers (project_id, environment_id, up_to_time);
`

// Schema bootstrap for the SQLite store. Timestamps are stored as
// fixed-width ISO-8601 text (millisecond precision) so lexicographic
// order equals chronological order for keyset pagination.
const liteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	external_id TEXT,
	action TEXT NOT NULL,
	crud TEXT NOT NULL,
	actor_id TEXT,
	actor_name TEXT,
	actor_href TEXT,
	actor_fields TEXT,
	target_id TEXT,
	target_name TEXT,
	target_href TEXT,
	target_type TEXT,
	target_fields TEXT,
	group_id TEXT,
	group_name TEXT,
	description TEXT,
	component TEXT,
	version TEXT,
	source_ip TEXT,
	is_anonymous INTEGER NOT NULL DEFAULT 0,
	is_failure INTEGER NOT NULL DEFAULT 0,
	fields TEXT,
	metadata TEXT,
	created_at TEXT NOT NULL,
	received_at TEXT NOT NULL,
	hash TEXT NOT NULL,
	previous_hash TEXT,
	signature TEXT NOT NULL,
	project_id TEXT NOT NULL,
	environment_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_stream
	ON audit_events (project_id, environment_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_stream_received
	ON audit_events (project_id, environment_id, received_at, id);
CREATE INDEX IF NOT EXISTS idx_audit_events_created_at
	ON audit_events (created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor_id
	ON audit_events (actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_target_id
	ON audit_events (target_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_action
	ON audit_events (action);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_events_external_id_stream
	ON audit_events (project_id, environment_id, external_id)
	WHERE external_id IS NOT NULL;

CREATE TRIGGER IF NOT EXISTS audit_events_no_update
	BEFORE UPDATE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
	BEFORE DELETE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit_events is append-only');
END;

CREATE TABLE IF NOT EXISTS ingest_task (
	id TEXT PRIMARY KEY,
	original_event TEXT NOT NULL,
	project_id TEXT NOT NULL,
	environment_id TEXT NOT NULL,
	new_event_id TEXT NOT NULL,
	received TEXT NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS backlog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	environment_id TEXT NOT NULL,
	new_event_id TEXT NOT NULL,
	received TEXT NOT NULL,
	original_event TEXT NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt TEXT,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_backlog_pending
	ON backlog (project_id, environment_id, id);

CREATE TABLE IF NOT EXISTS seal_markers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	environment_id TEXT NOT NULL,
	up_to_time TEXT NOT NULL,
	event_count INTEGER NOT NULL,
	tip_hash TEXT,
	sealed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seal_markers_stream
	ON seal_markers (project_id, environment_id, up_to_time);
`
