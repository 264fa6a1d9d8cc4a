package postgres_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

func TestCreateJob(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewJobRepo(pool)

	j := &domain.Job{
		ID:             "job-1",
		Status:         domain.JobPending,
		ProblemContext: "urban food waste",
		EvolutionConfig: domain.EvolutionConfig{
			Generations: 3, PopulationSize: 8, TopSelectCount: 3,
			OffspringRatio: 0.5, DiversificationFactor: 1.0,
		},
	}
	require.NoError(t, repo.CreateJob(t.Context(), j))
	assert.False(t, j.CreatedAt.IsZero())
	require.Len(t, pool.execs, 1)
	assert.Contains(t, pool.execs[0].sql, "ON CONFLICT (id) DO NOTHING")

	pool.execErr = assert.AnError
	err := repo.CreateJob(t.Context(), j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.create")
}

func TestGetJobNotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.GetJob(t.Context(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindByIdempotencyKeyNotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.FindByIdempotencyKey(t.Context(), "idem-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateJobStatus(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewJobRepo(pool)

	msg := "ranker exploded"
	require.NoError(t, repo.UpdateJobStatus(t.Context(), "job-1", domain.JobFailed, &msg))
	require.Len(t, pool.execs, 1)
	args := pool.execs[0].args
	assert.Equal(t, domain.JobFailed, args[1])
	assert.Equal(t, "ranker exploded", args[2])
	// Terminal status stamps completed_at.
	assert.NotNil(t, args[4])

	pool.execs = nil
	require.NoError(t, repo.UpdateJobStatus(t.Context(), "job-1", domain.JobProcessing, nil))
	args = pool.execs[0].args
	assert.Equal(t, "", args[2])
	completedAt, ok := args[4].(*time.Time)
	require.True(t, ok)
	assert.Nil(t, completedAt)
}

func TestUpdateJobStatusNotFound(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewJobRepo(pool)

	err := repo.UpdateJobStatus(t.Context(), "missing", domain.JobProcessing, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func genStateRaw(t *testing.T, mutate func(*domain.GenerationState)) []byte {
	t.Helper()
	g := domain.GenerationState{Generation: 1}
	if mutate != nil {
		mutate(&g)
	}
	return mustJSON(t, g)
}

func savedState(t *testing.T, tx *txStub) domain.GenerationState {
	t.Helper()
	for _, c := range tx.execs {
		if len(c.sql) > 0 && hasExec([]execCall{c}, "UPDATE generations SET state") {
			var g domain.GenerationState
			require.NoError(t, json.Unmarshal(c.args[2].([]byte), &g))
			return g
		}
	}
	t.Fatal("no generation state written")
	return domain.GenerationState{}
}

func TestUpdatePhaseStatusStarted(t *testing.T) {
	tx := &txStub{stateRaw: genStateRaw(t, nil)}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	require.NoError(t, repo.UpdatePhaseStatus(t.Context(), "job-1", 1, domain.PhaseVariator, domain.PhaseActionStarted))
	assert.True(t, tx.committed)

	g := savedState(t, tx)
	assert.True(t, g.VariatorStarted)
	require.NotNil(t, g.VariatorStartedAt)
	assert.True(t, hasExec(tx.execs, "current_generation"), "job pointer must move on started")
}

func TestUpdatePhaseStatusReset(t *testing.T) {
	tx := &txStub{stateRaw: genStateRaw(t, func(g *domain.GenerationState) {
		g.MarkPhaseStarted(domain.PhaseEnricher, time.Now().UTC())
		g.SetPhaseError(domain.PhaseEnricher, "timeout", false)
	})}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	require.NoError(t, repo.UpdatePhaseStatus(t.Context(), "job-1", 1, domain.PhaseEnricher, domain.PhaseActionReset))

	g := savedState(t, tx)
	assert.False(t, g.EnricherStarted)
	assert.Nil(t, g.EnricherStartedAt)
	// The recorded error stays as history.
	require.NotNil(t, g.EnricherError)
	assert.Equal(t, "timeout", *g.EnricherError)
}

func TestRecordPhaseError(t *testing.T) {
	tx := &txStub{stateRaw: genStateRaw(t, nil)}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	require.NoError(t, repo.RecordPhaseError(t.Context(), "job-1", 1, domain.PhaseVariator, "bad json", true))

	g := savedState(t, tx)
	require.NotNil(t, g.VariatorError)
	assert.Equal(t, "bad json", *g.VariatorError)
	assert.True(t, g.VariatorParseFailure)
	assert.False(t, g.VariatorComplete)
}

func TestSavePhaseResultsVariator(t *testing.T) {
	tx := &txStub{stateRaw: genStateRaw(t, nil)}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	res := domain.PhaseResults{Ideas: []domain.Idea{{IdeaID: "VAR_GEN1_001", Title: "x"}}}
	require.NoError(t, repo.SavePhaseResults(t.Context(), "job-1", 1, domain.PhaseVariator, res))

	g := savedState(t, tx)
	assert.True(t, g.VariatorComplete)
	require.Len(t, g.Ideas, 1)
	assert.False(t, g.GenerationComplete)
}

func TestSavePhaseResultsRankerCompletesGeneration(t *testing.T) {
	tx := &txStub{stateRaw: genStateRaw(t, nil)}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	res := domain.PhaseResults{
		Solutions:     []domain.Solution{{Idea: domain.Idea{IdeaID: "VAR_GEN1_001"}, Score: 1.2, Rank: 1}},
		TopPerformers: []domain.Solution{{Idea: domain.Idea{IdeaID: "VAR_GEN1_001"}, Score: 1.2, Rank: 1}},
		TopScore:      1.2,
		AvgScore:      1.2,
	}
	require.NoError(t, repo.SavePhaseResults(t.Context(), "job-1", 1, domain.PhaseRanker, res))

	g := savedState(t, tx)
	assert.True(t, g.RankerComplete)
	assert.True(t, g.GenerationComplete)
	assert.Equal(t, 1.2, g.TopScore)
}

func TestSavePhaseResultsReplayIsNoop(t *testing.T) {
	tx := &txStub{stateRaw: genStateRaw(t, func(g *domain.GenerationState) {
		g.Ideas = []domain.Idea{{IdeaID: "VAR_GEN1_001"}}
		g.MarkPhaseComplete(domain.PhaseVariator, time.Now().UTC())
	})}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	res := domain.PhaseResults{Ideas: []domain.Idea{{IdeaID: "VAR_GEN1_999"}}}
	require.NoError(t, repo.SavePhaseResults(t.Context(), "job-1", 1, domain.PhaseVariator, res))

	assert.True(t, tx.committed)
	assert.False(t, hasExec(tx.execs, "UPDATE generations SET state"), "replay must not overwrite results")
}

func TestAddAPICallTelemetry(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewJobRepo(pool)

	entry := domain.APICallMeta{CallID: "job-1_gen1_variator_17000", Phase: domain.PhaseVariator, Generation: 1, Model: "stub", Success: true}
	require.NoError(t, repo.AddAPICallTelemetry(t.Context(), "job-1", entry))
	require.Len(t, pool.execs, 1)
	assert.Contains(t, pool.execs[0].sql, "ON CONFLICT (job_id, call_id) DO NOTHING")
}

func TestCompleteJob(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewJobRepo(pool)

	res := domain.FinalResults{
		TopSolutions:      []domain.Solution{{Idea: domain.Idea{IdeaID: "VAR_GEN2_001"}, Rank: 1}},
		AllSolutions:      []domain.Solution{{Idea: domain.Idea{IdeaID: "VAR_GEN2_001"}, Rank: 1}},
		GenerationHistory: []domain.GenerationSummary{{Generation: 1, TopScore: 2.0}},
	}
	require.NoError(t, repo.CompleteJob(t.Context(), "job-1", res))
	require.Len(t, pool.execs, 1)
	assert.Contains(t, pool.execs[0].sql, "status='completed'")
}

func TestCompleteJobNotFound(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewJobRepo(pool)

	err := repo.CompleteJob(t.Context(), "missing", domain.FinalResults{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListByStatusQueryError(t *testing.T) {
	pool := &poolStub{queryErr: errors.New("conn reset")}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.ListByStatus(t.Context(), domain.JobProcessing, 0, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.list")
}
