package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

// JobRepo implements domain.JobStore over a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

var tracer = otel.Tracer("repo.jobs")

// CreateJob inserts a fresh job document. Re-inserting an existing id is a
// no-op, which makes submit retries harmless.
func (r *JobRepo) CreateJob(ctx domain.Context, j *domain.Job) error {
	ctx, span := tracer.Start(ctx, "jobs.CreateJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", j.ID))

	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	prefs, err := json.Marshal(j.Preferences)
	if err != nil {
		return fmt.Errorf("op=job.create.marshal: %w", err)
	}
	cfg, err := json.Marshal(j.EvolutionConfig)
	if err != nil {
		return fmt.Errorf("op=job.create.marshal: %w", err)
	}
	q := `INSERT INTO jobs (id, status, problem_context, preferences, evolution_config, current_generation, current_phase, error, idempotency_key, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	      ON CONFLICT (id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q, j.ID, j.Status, j.ProblemContext, prefs, cfg,
		j.CurrentGeneration, string(j.CurrentPhase), j.Error, j.IdemKey, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// A different job already claimed this idempotency key.
			return fmt.Errorf("op=job.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetJob loads the whole job document: scalars, all generation states and
// the telemetry log.
func (r *JobRepo) GetJob(ctx domain.Context, id string) (*domain.Job, error) {
	ctx, span := tracer.Start(ctx, "jobs.GetJob")
	defer span.End()

	q := `SELECT id, status, problem_context, preferences, evolution_config,
	             current_generation, current_phase,
	             top_solutions, all_solutions, generation_history,
	             error, idempotency_key, created_at, updated_at, completed_at
	      FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=job.get: %w", err)
	}
	if err := r.loadGenerations(ctx, j); err != nil {
		return nil, err
	}
	if err := r.loadAPICalls(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// FindByIdempotencyKey resolves a prior submission to its full document.
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, key string) (*domain.Job, error) {
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()

	var id string
	err := r.Pool.QueryRow(ctx, `SELECT id FROM jobs WHERE idempotency_key=$1 LIMIT 1`, key).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return r.GetJob(ctx, id)
}

// UpdateJobStatus applies a status transition. Terminal statuses stamp
// completed_at.
func (r *JobRepo) UpdateJobStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	ctx, span := tracer.Start(ctx, "jobs.UpdateJobStatus")
	defer span.End()

	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}
	tag, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status=$2, error=$3, updated_at=$4, completed_at=COALESCE($5, completed_at) WHERE id=$1`,
		id, status, errVal, now, completedAt)
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdatePhaseStatus applies started|reset to one phase under the generation
// row lock. The generation record is created lazily on first touch; started
// also moves the job's currentGeneration/currentPhase and flips pending jobs
// to processing.
func (r *JobRepo) UpdatePhaseStatus(ctx domain.Context, jobID string, gen int, phase domain.Phase, action domain.PhaseAction) error {
	ctx, span := tracer.Start(ctx, "jobs.UpdatePhaseStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("generation", gen),
		attribute.String("phase", string(phase)),
		attribute.String("action", string(action)),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.phase_status.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state, err := lockGeneration(ctx, tx, jobID, gen)
	if err != nil {
		return fmt.Errorf("op=job.phase_status: %w", err)
	}
	now := time.Now().UTC()
	switch action {
	case domain.PhaseActionStarted:
		state.MarkPhaseStarted(phase, now)
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET current_generation=$2, current_phase=$3,
			        status=CASE WHEN status='pending' THEN 'processing' ELSE status END,
			        updated_at=$4
			 WHERE id=$1`,
			jobID, gen, string(phase), now)
		if err != nil {
			return fmt.Errorf("op=job.phase_status.job: %w", err)
		}
	case domain.PhaseActionReset:
		state.ResetPhase(phase)
		if _, err := touchJob(ctx, tx, jobID, now); err != nil {
			return fmt.Errorf("op=job.phase_status.job: %w", err)
		}
	default:
		return fmt.Errorf("op=job.phase_status: unknown action %q: %w", action, domain.ErrInvalidArgument)
	}
	if err := saveGeneration(ctx, tx, jobID, state, now); err != nil {
		return fmt.Errorf("op=job.phase_status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.phase_status.commit: %w", err)
	}
	return nil
}

// RecordPhaseError persists the phase error marker without touching result
// fields, so the orchestrator can see the failure on its next check.
func (r *JobRepo) RecordPhaseError(ctx domain.Context, jobID string, gen int, phase domain.Phase, msg string, parseFailure bool) error {
	ctx, span := tracer.Start(ctx, "jobs.RecordPhaseError")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.phase_error.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state, err := lockGeneration(ctx, tx, jobID, gen)
	if err != nil {
		return fmt.Errorf("op=job.phase_error: %w", err)
	}
	state.SetPhaseError(phase, msg, parseFailure)
	now := time.Now().UTC()
	if err := saveGeneration(ctx, tx, jobID, state, now); err != nil {
		return fmt.Errorf("op=job.phase_error: %w", err)
	}
	if _, err := touchJob(ctx, tx, jobID, now); err != nil {
		return fmt.Errorf("op=job.phase_error.job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.phase_error.commit: %w", err)
	}
	return nil
}

// SavePhaseResults writes a phase's output and marks it complete. A replayed
// task that finds the phase already complete commits nothing, which is the
// at-least-once delivery contract with the queue.
func (r *JobRepo) SavePhaseResults(ctx domain.Context, jobID string, gen int, phase domain.Phase, res domain.PhaseResults) error {
	ctx, span := tracer.Start(ctx, "jobs.SavePhaseResults")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("generation", gen),
		attribute.String("phase", string(phase)),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.save_phase.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state, err := lockGeneration(ctx, tx, jobID, gen)
	if err != nil {
		return fmt.Errorf("op=job.save_phase: %w", err)
	}
	if state.PhaseComplete(phase) {
		return tx.Commit(ctx)
	}
	switch phase {
	case domain.PhaseVariator:
		state.Ideas = res.Ideas
	case domain.PhaseEnricher:
		state.EnrichedIdeas = res.EnrichedIdeas
	case domain.PhaseRanker:
		state.Solutions = res.Solutions
		state.TopPerformers = res.TopPerformers
		state.TopScore = res.TopScore
		state.AvgScore = res.AvgScore
	default:
		return fmt.Errorf("op=job.save_phase: unknown phase %q: %w", phase, domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	state.MarkPhaseComplete(phase, now)
	if err := saveGeneration(ctx, tx, jobID, state, now); err != nil {
		return fmt.Errorf("op=job.save_phase: %w", err)
	}
	if _, err := touchJob(ctx, tx, jobID, now); err != nil {
		return fmt.Errorf("op=job.save_phase.job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.save_phase.commit: %w", err)
	}
	return nil
}

// AddAPICallTelemetry appends one telemetry entry, keyed by call id so a
// replayed worker cannot double-count a call.
func (r *JobRepo) AddAPICallTelemetry(ctx domain.Context, jobID string, entry domain.APICallMeta) error {
	ctx, span := tracer.Start(ctx, "jobs.AddAPICallTelemetry")
	defer span.End()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=job.api_call.marshal: %w", err)
	}
	_, err = r.Pool.Exec(ctx,
		`INSERT INTO api_calls (job_id, call_id, entry, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (job_id, call_id) DO NOTHING`,
		jobID, entry.CallID, b, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=job.api_call: %w", err)
	}
	return nil
}

// SaveAPICallDebug stores the full prompt/response blob for one call.
func (r *JobRepo) SaveAPICallDebug(ctx domain.Context, jobID string, d domain.CallDebug) error {
	ctx, span := tracer.Start(ctx, "jobs.SaveAPICallDebug")
	defer span.End()

	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("op=job.api_debug.marshal: %w", err)
	}
	_, err = r.Pool.Exec(ctx,
		`INSERT INTO api_call_debug (job_id, call_id, data, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (job_id, call_id) DO NOTHING`,
		jobID, d.CallID, b, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.api_debug: %w", err)
	}
	return nil
}

// CompleteJob persists final results and status=completed in one statement.
func (r *JobRepo) CompleteJob(ctx domain.Context, jobID string, res domain.FinalResults) error {
	ctx, span := tracer.Start(ctx, "jobs.CompleteJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	top, err := json.Marshal(res.TopSolutions)
	if err != nil {
		return fmt.Errorf("op=job.complete.marshal: %w", err)
	}
	all, err := json.Marshal(res.AllSolutions)
	if err != nil {
		return fmt.Errorf("op=job.complete.marshal: %w", err)
	}
	hist, err := json.Marshal(res.GenerationHistory)
	if err != nil {
		return fmt.Errorf("op=job.complete.marshal: %w", err)
	}
	now := time.Now().UTC()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status='completed', top_solutions=$2, all_solutions=$3,
		        generation_history=$4, error='', updated_at=$5, completed_at=$5
		 WHERE id=$1`,
		jobID, top, all, hist, now)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete: %w", domain.ErrNotFound)
	}
	return nil
}

// ListByStatus pages through jobs in a status, oldest update first. The
// returned documents carry scalars only; callers needing generations load
// the job by id.
func (r *JobRepo) ListByStatus(ctx domain.Context, status domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	ctx, span := tracer.Start(ctx, "jobs.ListByStatus")
	defer span.End()

	q := `SELECT id, status, problem_context, preferences, evolution_config,
	             current_generation, current_phase,
	             top_solutions, all_solutions, generation_history,
	             error, idempotency_key, created_at, updated_at, completed_at
	      FROM jobs WHERE status=$1 ORDER BY updated_at ASC OFFSET $2 LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, status, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list.scan: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// scanJob decodes one jobs row; works for both QueryRow and Query because
// pgx.Rows satisfies pgx.Row.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var phase string
	var prefs, cfg []byte
	var top, all, hist []byte
	if err := row.Scan(&j.ID, &j.Status, &j.ProblemContext, &prefs, &cfg,
		&j.CurrentGeneration, &phase, &top, &all, &hist,
		&j.Error, &j.IdemKey, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	j.CurrentPhase = domain.Phase(phase)
	if err := json.Unmarshal(prefs, &j.Preferences); err != nil {
		return nil, fmt.Errorf("preferences: %w", err)
	}
	if err := json.Unmarshal(cfg, &j.EvolutionConfig); err != nil {
		return nil, fmt.Errorf("evolution_config: %w", err)
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{top, &j.TopSolutions}, {all, &j.AllSolutions}, {hist, &j.GenerationHistory}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("results: %w", err)
		}
	}
	return &j, nil
}

func (r *JobRepo) loadGenerations(ctx domain.Context, j *domain.Job) error {
	rows, err := r.Pool.Query(ctx,
		`SELECT state FROM generations WHERE job_id=$1 ORDER BY generation ASC`, j.ID)
	if err != nil {
		return fmt.Errorf("op=job.get.generations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("op=job.get.generations: %w", err)
		}
		var g domain.GenerationState
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("op=job.get.generations: %w", err)
		}
		j.Generations = append(j.Generations, g)
	}
	return rows.Err()
}

func (r *JobRepo) loadAPICalls(ctx domain.Context, j *domain.Job) error {
	rows, err := r.Pool.Query(ctx,
		`SELECT entry FROM api_calls WHERE job_id=$1 ORDER BY created_at ASC, call_id ASC`, j.ID)
	if err != nil {
		return fmt.Errorf("op=job.get.api_calls: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("op=job.get.api_calls: %w", err)
		}
		var m domain.APICallMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("op=job.get.api_calls: %w", err)
		}
		j.APICalls = append(j.APICalls, m)
	}
	return rows.Err()
}

// lockGeneration loads generation state FOR UPDATE, creating the row on
// first touch so phase tracking never races on insert.
func lockGeneration(ctx domain.Context, tx pgx.Tx, jobID string, gen int) (*domain.GenerationState, error) {
	empty := domain.GenerationState{Generation: gen}
	b, err := json.Marshal(empty)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO generations (job_id, generation, state, updated_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (job_id, generation) DO NOTHING`,
		jobID, gen, b, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT state FROM generations WHERE job_id=$1 AND generation=$2 FOR UPDATE`,
		jobID, gen).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var g domain.GenerationState
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func saveGeneration(ctx domain.Context, tx pgx.Tx, jobID string, g *domain.GenerationState, now time.Time) error {
	b, err := json.Marshal(g)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE generations SET state=$3, updated_at=$4 WHERE job_id=$1 AND generation=$2`,
		jobID, g.Generation, b, now)
	return err
}

func touchJob(ctx domain.Context, tx pgx.Tx, jobID string, now time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `UPDATE jobs SET updated_at=$2 WHERE id=$1`, jobID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
