package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	"github.com/fairyhunter13/ai-idea-evolver/internal/evolution"
)

func jobDoc(status domain.JobStatus, gens int, states ...domain.GenerationState) *domain.Job {
	j := &domain.Job{
		ID:     "job-1",
		Status: status,
		EvolutionConfig: domain.EvolutionConfig{
			Generations:           gens,
			PopulationSize:        3,
			TopSelectCount:        2,
			OffspringRatio:        0.5,
			DiversificationFactor: 0.05,
			Model:                 "stub",
			EnrichMode:            domain.EnrichBatch,
		},
		Generations: states,
	}
	for _, st := range states {
		if st.Generation > j.CurrentGeneration {
			j.CurrentGeneration = st.Generation
		}
	}
	return j
}

func completeState(g int) domain.GenerationState {
	now := time.Now().UTC()
	st := domain.GenerationState{Generation: g}
	for _, p := range domain.PhaseOrder {
		st.MarkPhaseStarted(p, now)
		st.MarkPhaseComplete(p, now)
	}
	st.Solutions = []domain.Solution{
		{Idea: domain.Idea{IdeaID: evolution.IdeaID(g, 1)}, Score: float64(g), Rank: 1},
	}
	st.TopPerformers = st.Solutions
	st.TopScore = float64(g)
	return st
}

func TestDecideTerminalIsNoop(t *testing.T) {
	d := Decide(jobDoc(domain.JobCompleted, 1), time.Now(), 5*time.Minute, 100, 3)
	assert.Equal(t, DecideAlreadyComplete, d.Kind)

	d = Decide(jobDoc(domain.JobFailed, 1), time.Now(), 5*time.Minute, 100, 3)
	assert.Equal(t, DecideAlreadyComplete, d.Kind)
}

func TestDecideMaxAttemptsExceeded(t *testing.T) {
	d := Decide(jobDoc(domain.JobProcessing, 1), time.Now(), 5*time.Minute, 100, 101)
	require.Equal(t, DecideMarkFailed, d.Kind)
	assert.Equal(t, "max orchestration attempts exceeded", d.Reason)
}

func TestDecidePendingStartsVariator(t *testing.T) {
	d := Decide(jobDoc(domain.JobPending, 2), time.Now(), 5*time.Minute, 100, 0)
	require.Equal(t, DecideCreateTask, d.Kind)
	assert.Equal(t, domain.PhaseVariator, d.Phase)
	assert.Equal(t, 1, d.Generation)
}

func TestDecideMissingGenerationRecord(t *testing.T) {
	j := jobDoc(domain.JobProcessing, 1)
	j.CurrentGeneration = 1
	d := Decide(j, time.Now(), 5*time.Minute, 100, 1)
	require.Equal(t, DecideCreateTask, d.Kind)
	assert.Equal(t, domain.PhaseVariator, d.Phase)
}

func TestDecideWaitWhileRunning(t *testing.T) {
	now := time.Now().UTC()
	st := domain.GenerationState{Generation: 1}
	st.MarkPhaseStarted(domain.PhaseVariator, now.Add(-time.Minute))
	d := Decide(jobDoc(domain.JobProcessing, 1, st), now, 5*time.Minute, 100, 1)
	require.Equal(t, DecideWait, d.Kind)
	assert.Equal(t, domain.PhaseVariator, d.Phase)
}

func TestDecideRetryOnPhaseError(t *testing.T) {
	now := time.Now().UTC()
	st := domain.GenerationState{Generation: 1}
	st.MarkPhaseStarted(domain.PhaseVariator, now.Add(-time.Second))
	st.SetPhaseError(domain.PhaseVariator, "llm timeout", false)
	d := Decide(jobDoc(domain.JobProcessing, 1, st), now, 5*time.Minute, 100, 1)
	require.Equal(t, DecideRetryTask, d.Kind)
	assert.Equal(t, domain.PhaseVariator, d.Phase)
	assert.Equal(t, "llm timeout", d.Reason)
}

func TestDecideRetryOnTimeout(t *testing.T) {
	now := time.Now().UTC()
	st := domain.GenerationState{Generation: 1}
	st.MarkPhaseStarted(domain.PhaseVariator, now.Add(-6*time.Minute))
	d := Decide(jobDoc(domain.JobProcessing, 1, st), now, 5*time.Minute, 100, 1)
	require.Equal(t, DecideRetryTask, d.Kind)
	assert.Equal(t, "phase timed out", d.Reason)
}

func TestDecideNextPhaseAfterComplete(t *testing.T) {
	now := time.Now().UTC()
	st := domain.GenerationState{Generation: 1}
	st.MarkPhaseStarted(domain.PhaseVariator, now)
	st.MarkPhaseComplete(domain.PhaseVariator, now)
	d := Decide(jobDoc(domain.JobProcessing, 1, st), now, 5*time.Minute, 100, 1)
	require.Equal(t, DecideCreateTask, d.Kind)
	assert.Equal(t, domain.PhaseEnricher, d.Phase)
	assert.Equal(t, 1, d.Generation)
}

func TestDecideAdvanceGeneration(t *testing.T) {
	d := Decide(jobDoc(domain.JobProcessing, 3, completeState(1)), time.Now(), 5*time.Minute, 100, 4)
	require.Equal(t, DecideAdvanceGeneration, d.Kind)
	assert.Equal(t, domain.PhaseVariator, d.Phase)
	assert.Equal(t, 2, d.Generation)
}

func TestDecideMarkCompleteOnFinalGeneration(t *testing.T) {
	j := jobDoc(domain.JobProcessing, 2, completeState(1), completeState(2))
	d := Decide(j, time.Now(), 5*time.Minute, 100, 9)
	assert.Equal(t, DecideMarkComplete, d.Kind)
}

func TestDelayBounds(t *testing.T) {
	o := Orchestrator{Cfg: testConfig()}
	for attempt := 0; attempt <= 110; attempt++ {
		d := o.delay(attempt)
		assert.GreaterOrEqual(t, d, 5*time.Second, "attempt %d", attempt)
		assert.Less(t, d, 61*time.Second, "attempt %d", attempt)
	}
	// Cap reached well before the attempt ceiling.
	base := o.delay(100)
	assert.GreaterOrEqual(t, base, 60*time.Second)
}

func TestCheckPendingDispatchesVariator(t *testing.T) {
	store := newMemStore()
	queue := &memQueue{}
	o := NewOrchestrator(testConfig(), store, queue)

	job := jobDoc(domain.JobPending, 1)
	require.NoError(t, store.CreateJob(t.Context(), job))

	mustCheck(t, o, domain.OrchestratorTask{JobID: job.ID})

	tasks := queue.drainTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.PhaseVariator, tasks[0].Type)
	assert.Equal(t, 1, tasks[0].Generation)

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
	require.NotNil(t, got.Generation(1))
	assert.True(t, got.Generation(1).VariatorStarted)

	checks := queue.drainChecks()
	require.Len(t, checks, 1)
	assert.Equal(t, 1, checks[0].CheckAttempt)
	assert.False(t, checks[0].ScheduleTime.IsZero())
}

func TestCheckRetryResetsPhase(t *testing.T) {
	store := newMemStore()
	queue := &memQueue{}
	o := NewOrchestrator(testConfig(), store, queue)

	st := domain.GenerationState{Generation: 1}
	st.MarkPhaseStarted(domain.PhaseVariator, time.Now().UTC().Add(-time.Minute))
	st.SetPhaseError(domain.PhaseVariator, "parse failed", true)
	job := jobDoc(domain.JobProcessing, 1, st)
	require.NoError(t, store.CreateJob(t.Context(), job))

	mustCheck(t, o, domain.OrchestratorTask{JobID: job.ID, CheckAttempt: 2})

	tasks := queue.drainTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.PhaseVariator, tasks[0].Type)

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	gen := got.Generation(1)
	assert.True(t, gen.VariatorStarted, "retry re-marks the phase started")
	assert.Nil(t, gen.VariatorError, "the new attempt starts clean")
	assert.False(t, gen.VariatorParseFailure)
}

func TestCheckMarkFailedStopsRescheduling(t *testing.T) {
	store := newMemStore()
	queue := &memQueue{}
	o := NewOrchestrator(testConfig(), store, queue)

	job := jobDoc(domain.JobProcessing, 1)
	require.NoError(t, store.CreateJob(t.Context(), job))

	mustCheck(t, o, domain.OrchestratorTask{JobID: job.ID, CheckAttempt: 101})

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "max orchestration attempts exceeded", got.Error)
	assert.Empty(t, queue.drainChecks())
	assert.Empty(t, queue.drainTasks())
}

func TestCheckCompletionGathersAcrossGenerations(t *testing.T) {
	store := newMemStore()
	queue := &memQueue{}
	o := NewOrchestrator(testConfig(), store, queue)

	job := jobDoc(domain.JobProcessing, 2, completeState(1), completeState(2))
	require.NoError(t, store.CreateJob(t.Context(), job))

	mustCheck(t, o, domain.OrchestratorTask{JobID: job.ID, CheckAttempt: 8})

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	require.Len(t, got.AllSolutions, 2)
	assert.Equal(t, float64(2), got.AllSolutions[0].Score, "best score first")
	assert.Len(t, got.GenerationHistory, 2)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, queue.drainChecks(), "terminal outcome does not reschedule")
}

func TestCheckUnknownJobIsDropped(t *testing.T) {
	store := newMemStore()
	queue := &memQueue{}
	o := NewOrchestrator(testConfig(), store, queue)

	mustCheck(t, o, domain.OrchestratorTask{JobID: "nope"})
	assert.Empty(t, queue.drainChecks())
}

func TestCheckStoreFaultReturnsError(t *testing.T) {
	store := newMemStore()
	store.failGet = domain.ErrInternal
	o := NewOrchestrator(testConfig(), store, &memQueue{})

	_, err := o.Check(t.Context(), domain.OrchestratorTask{JobID: "job-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
}
