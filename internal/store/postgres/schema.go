package postgres

import "context"

// schemaStatements is the queue schema. Statements are idempotent so a fleet
// of workers can race through EnsureSchema at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id                  BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		pipeline_id         BIGINT,
		kind                TEXT NOT NULL,
		subject_ref         TEXT NOT NULL DEFAULT '',
		priority            INTEGER NOT NULL DEFAULT 0,
		status              TEXT NOT NULL DEFAULT 'queued',
		retries             INTEGER NOT NULL DEFAULT 0,
		max_retries         INTEGER NOT NULL DEFAULT 3,
		next_earliest_start TIMESTAMPTZ NOT NULL DEFAULT now(),
		leased_by           TEXT,
		lease_expires_at    TIMESTAMPTZ,
		lease_epoch         BIGINT NOT NULL DEFAULT 0,
		payload             BYTEA,
		result              BYTEA,
		error               TEXT NOT NULL DEFAULT '',
		weight              INTEGER NOT NULL DEFAULT 1,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at          TIMESTAMPTZ,
		finished_at         TIMESTAMPTZ
	)`,
	`CREATE SEQUENCE IF NOT EXISTS pipeline_ids`,
	`CREATE TABLE IF NOT EXISTS task_deps (
		upstream_id   BIGINT NOT NULL REFERENCES tasks(id),
		downstream_id BIGINT NOT NULL REFERENCES tasks(id),
		PRIMARY KEY (upstream_id, downstream_id)
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id                TEXT PRIMARY KEY,
		capabilities      TEXT[] NOT NULL DEFAULT '{}',
		max_concurrent    INTEGER NOT NULL DEFAULT 1,
		status            TEXT NOT NULL DEFAULT 'active',
		last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS progress (
		task_id    BIGINT PRIMARY KEY REFERENCES tasks(id),
		percent    INTEGER NOT NULL DEFAULT 0,
		step       TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// Drives the claim query: status first, then dispatch order.
	`CREATE INDEX IF NOT EXISTS tasks_dispatch_idx
		ON tasks (status, priority DESC, next_earliest_start ASC, created_at ASC)`,
	// Recovery scans only processing rows.
	`CREATE INDEX IF NOT EXISTS tasks_lease_expiry_idx
		ON tasks (lease_expires_at) WHERE status = 'processing'`,
	`CREATE INDEX IF NOT EXISTS tasks_pipeline_idx ON tasks (pipeline_id)`,
	`CREATE INDEX IF NOT EXISTS tasks_leased_by_idx ON tasks (leased_by)`,
}

// ensureSchema creates tables and indexes if they do not exist.
func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
