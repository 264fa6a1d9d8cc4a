// Package postgres persists jobs, generation state and call telemetry.
//
// The job document is split over three tables: jobs carries the scalar
// fields plus final results, generations holds one jsonb state document per
// (job_id, generation), and api_calls/api_call_debug are append-only. All
// phase-state mutations run inside a transaction holding the generation row
// lock, which is what makes redelivered worker tasks safe.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool the repos need; tests stub it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}
