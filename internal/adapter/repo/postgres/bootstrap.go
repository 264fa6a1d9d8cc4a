package postgres

import (
	"context"
	"fmt"
)

// bootstrapStatements is the full schema, written to be idempotent so every
// replica can run it at startup without coordination.
var bootstrapStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		status             TEXT NOT NULL,
		problem_context    TEXT NOT NULL,
		preferences        JSONB NOT NULL,
		evolution_config   JSONB NOT NULL,
		current_generation INT NOT NULL DEFAULT 0,
		current_phase      TEXT NOT NULL DEFAULT '',
		top_solutions      JSONB,
		all_solutions      JSONB,
		generation_history JSONB,
		error              TEXT NOT NULL DEFAULT '',
		idempotency_key    TEXT,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		completed_at       TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency_key_idx
		ON jobs (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS jobs_status_updated_idx ON jobs (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS generations (
		job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		generation INT NOT NULL,
		state      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, generation)
	)`,
	`CREATE TABLE IF NOT EXISTS api_calls (
		job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		call_id    TEXT NOT NULL,
		entry      JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, call_id)
	)`,
	`CREATE TABLE IF NOT EXISTS api_call_debug (
		job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		call_id    TEXT NOT NULL,
		data       JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, call_id)
	)`,
	`CREATE TABLE IF NOT EXISTS quota_buckets (
		bucket_key  TEXT PRIMARY KEY,
		capacity    BIGINT NOT NULL,
		refill_rate DOUBLE PRECISION NOT NULL,
		tokens      DOUBLE PRECISION NOT NULL,
		last_refill TIMESTAMPTZ NOT NULL
	)`,
}

// Bootstrap applies the schema.
func Bootstrap(ctx context.Context, pool PgxPool) error {
	for _, stmt := range bootstrapStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.bootstrap: %w", err)
		}
	}
	return nil
}
