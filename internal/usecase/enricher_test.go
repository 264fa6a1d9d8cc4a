package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

func enricherJob(mode domain.EnrichMode, ideas ...domain.Idea) *domain.Job {
	now := time.Now().UTC()
	st := domain.GenerationState{Generation: 1, Ideas: ideas}
	st.MarkPhaseStarted(domain.PhaseVariator, now)
	st.MarkPhaseComplete(domain.PhaseVariator, now)
	st.MarkPhaseStarted(domain.PhaseEnricher, now)
	job := startedJob(1, st)
	job.EvolutionConfig.EnrichMode = mode
	job.ProblemContext = "Cut idle energy use in commercial buildings."
	return job
}

func freshIdeas(n int) []domain.Idea {
	out := make([]domain.Idea, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, domain.Idea{
			IdeaID:      "VAR_GEN1_00" + string(rune('0'+i)),
			Title:       "Idea " + string(rune('0'+i)),
			Description: "A candidate idea.",
		})
	}
	return out
}

func TestEnricherBatchAttachesAllCases(t *testing.T) {
	store := newMemStore()
	counting := &countingAI{inner: stub.New()}
	e := NewEnricher(testConfig(), store, counting, newMemCache())

	job := enricherJob(domain.EnrichBatch, freshIdeas(3)...)
	require.NoError(t, store.CreateJob(t.Context(), job))

	task := domain.WorkerTask{JobID: job.ID, Type: domain.PhaseEnricher, Generation: 1}
	require.NoError(t, e.Run(t.Context(), task))

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	gen := got.Generation(1)
	assert.True(t, gen.EnricherComplete)
	require.Len(t, gen.EnrichedIdeas, 3)
	for i, idea := range gen.EnrichedIdeas {
		assert.Equal(t, gen.Ideas[i].IdeaID, idea.IdeaID, "population order preserved")
		require.NotNil(t, idea.BusinessCase)
		assert.GreaterOrEqual(t, idea.BusinessCase.CapexEst, 0.05)
		assert.Len(t, idea.BusinessCase.YearlyCashflows, 5)
	}
	assert.Equal(t, 1, counting.callCount(), "batch mode spends one call")
}

func TestEnricherPerIdeaUsesCache(t *testing.T) {
	store := newMemStore()
	counting := &countingAI{inner: stub.New()}
	cache := newMemCache()
	e := NewEnricher(testConfig(), store, counting, cache)

	job := enricherJob(domain.EnrichPerIdea, freshIdeas(3)...)
	require.NoError(t, store.CreateJob(t.Context(), job))

	task := domain.WorkerTask{JobID: job.ID, Type: domain.PhaseEnricher, Generation: 1}
	require.NoError(t, e.Run(t.Context(), task))
	assert.Equal(t, 3, counting.callCount())
	assert.Equal(t, 3, cache.sets)

	// Same population on a second job: every case comes from the cache.
	job2 := enricherJob(domain.EnrichPerIdea, freshIdeas(3)...)
	job2.ID = "job-2"
	require.NoError(t, store.CreateJob(t.Context(), job2))
	task2 := domain.WorkerTask{JobID: job2.ID, Type: domain.PhaseEnricher, Generation: 1}
	require.NoError(t, e.Run(t.Context(), task2))

	assert.Equal(t, 3, counting.callCount(), "cache hits spend no calls")
	assert.Equal(t, 3, cache.hits)

	got, _ := store.GetJob(t.Context(), job2.ID)
	assert.True(t, got.Generation(1).EnricherComplete)
	assert.Empty(t, store.apiCalls(job2.ID), "cache hits leave no telemetry")
}

func TestEnricherCarriedIdeasKeepTheirCases(t *testing.T) {
	store := newMemStore()
	counting := &countingAI{inner: stub.New()}
	e := NewEnricher(testConfig(), store, counting, newMemCache())

	carried := domain.Idea{
		IdeaID: "VAR_GEN1_001", Title: "Keeper",
		BusinessCase: &domain.BusinessCase{NPVSuccess: 2, CapexEst: 0.5, TimelineMonths: 12,
			Likelihood: 0.5, RiskFactors: []string{"x"}, YearlyCashflows: []float64{-0.5, 0.2, 0.4, 0.6, 0.8}},
	}
	fresh := domain.Idea{IdeaID: "VAR_GEN2_001", Title: "Fresh", Description: "new"}
	job := enricherJob(domain.EnrichBatch, carried, fresh)
	require.NoError(t, store.CreateJob(t.Context(), job))

	require.NoError(t, e.Run(t.Context(), domain.WorkerTask{JobID: job.ID, Type: domain.PhaseEnricher, Generation: 1}))

	got, _ := store.GetJob(t.Context(), job.ID)
	gen := got.Generation(1)
	require.Len(t, gen.EnrichedIdeas, 2)
	assert.Equal(t, 0.5, gen.EnrichedIdeas[0].BusinessCase.CapexEst, "carried case untouched")
	require.NotNil(t, gen.EnrichedIdeas[1].BusinessCase)
}

func TestEnricherNothingToEnrichSkipsLLM(t *testing.T) {
	store := newMemStore()
	counting := &countingAI{inner: stub.New()}
	e := NewEnricher(testConfig(), store, counting, newMemCache())

	carried := domain.Idea{
		IdeaID: "VAR_GEN1_001",
		BusinessCase: &domain.BusinessCase{NPVSuccess: 2, CapexEst: 0.5, TimelineMonths: 12,
			Likelihood: 0.5, RiskFactors: []string{"x"}, YearlyCashflows: []float64{-0.5, 0.2, 0.4, 0.6, 0.8}},
	}
	job := enricherJob(domain.EnrichBatch, carried)
	require.NoError(t, store.CreateJob(t.Context(), job))

	require.NoError(t, e.Run(t.Context(), domain.WorkerTask{JobID: job.ID, Type: domain.PhaseEnricher, Generation: 1}))
	assert.Zero(t, counting.callCount())

	got, _ := store.GetJob(t.Context(), job.ID)
	assert.True(t, got.Generation(1).EnricherComplete)
}

func TestEnricherReplaySkipsLLM(t *testing.T) {
	store := newMemStore()
	counting := &countingAI{inner: stub.New()}
	e := NewEnricher(testConfig(), store, counting, newMemCache())

	job := startedJob(1, completeState(1))
	require.NoError(t, store.CreateJob(t.Context(), job))

	require.NoError(t, e.Run(t.Context(), domain.WorkerTask{JobID: job.ID, Type: domain.PhaseEnricher, Generation: 1}))
	assert.Zero(t, counting.callCount())
}

func TestEnricherFailurePersistsOnlyPhaseError(t *testing.T) {
	store := newMemStore()
	e := NewEnricher(testConfig(), store, erroringAI{err: domain.ErrUpstreamRateLimit}, newMemCache())

	job := enricherJob(domain.EnrichBatch, freshIdeas(2)...)
	require.NoError(t, store.CreateJob(t.Context(), job))

	require.NoError(t, e.Run(t.Context(), domain.WorkerTask{JobID: job.ID, Type: domain.PhaseEnricher, Generation: 1}))

	got, _ := store.GetJob(t.Context(), job.ID)
	gen := got.Generation(1)
	assert.False(t, gen.EnricherComplete)
	assert.Empty(t, gen.EnrichedIdeas, "no partial results reach the store")
	require.NotNil(t, gen.EnricherError)
	assert.False(t, gen.EnricherParseFailure)
}

func TestEnricherParseFailureSetsFlag(t *testing.T) {
	store := newMemStore()
	e := NewEnricher(testConfig(), store, &cannedAI{content: "not json at all"}, newMemCache())

	job := enricherJob(domain.EnrichBatch, freshIdeas(2)...)
	require.NoError(t, store.CreateJob(t.Context(), job))

	require.NoError(t, e.Run(t.Context(), domain.WorkerTask{JobID: job.ID, Type: domain.PhaseEnricher, Generation: 1}))

	got, _ := store.GetJob(t.Context(), job.ID)
	gen := got.Generation(1)
	require.NotNil(t, gen.EnricherError)
	assert.True(t, gen.EnricherParseFailure)
}

func TestEnricherRejectsOutOfBoundsCase(t *testing.T) {
	store := newMemStore()
	bad := `{"enriched_ideas":[{"idea_id":"VAR_GEN1_001","business_case":{"npv_success":1,"capex_est":0.01,"timeline_months":6,"likelihood":0.5,"risk_factors":["x"],"yearly_cashflows":[0,0,0,0,0]}},{"idea_id":"VAR_GEN1_002","business_case":{"npv_success":1,"capex_est":0.5,"timeline_months":6,"likelihood":0.5,"risk_factors":["x"],"yearly_cashflows":[0,0,0,0,0]}}]}`
	e := NewEnricher(testConfig(), store, &cannedAI{content: bad}, newMemCache())

	job := enricherJob(domain.EnrichBatch, freshIdeas(2)...)
	require.NoError(t, store.CreateJob(t.Context(), job))

	require.NoError(t, e.Run(t.Context(), domain.WorkerTask{JobID: job.ID, Type: domain.PhaseEnricher, Generation: 1}))

	got, _ := store.GetJob(t.Context(), job.ID)
	gen := got.Generation(1)
	assert.False(t, gen.EnricherComplete)
	require.NotNil(t, gen.EnricherError)
	assert.Contains(t, *gen.EnricherError, "capex_est")
	assert.True(t, gen.EnricherParseFailure, "bounds violations are llm output errors")
}

func TestEnricherMissingIdeaIsFailure(t *testing.T) {
	store := newMemStore()
	partial := `{"enriched_ideas":[{"idea_id":"VAR_GEN1_001","business_case":{"npv_success":1,"capex_est":0.5,"timeline_months":6,"likelihood":0.5,"risk_factors":["x"],"yearly_cashflows":[0,0,0,0,0]}}]}`
	e := NewEnricher(testConfig(), store, &cannedAI{content: partial}, newMemCache())

	job := enricherJob(domain.EnrichBatch, freshIdeas(2)...)
	require.NoError(t, store.CreateJob(t.Context(), job))

	require.NoError(t, e.Run(t.Context(), domain.WorkerTask{JobID: job.ID, Type: domain.PhaseEnricher, Generation: 1}))

	got, _ := store.GetJob(t.Context(), job.ID)
	gen := got.Generation(1)
	assert.False(t, gen.EnricherComplete)
	require.NotNil(t, gen.EnricherError)
	assert.Contains(t, *gen.EnricherError, "VAR_GEN1_002")
}
