package usecase

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

// memStore is an in-memory JobStore mirroring the repository semantics:
// lazy generation records, replay-safe SavePhaseResults, append-only
// telemetry. GetJob returns deep copies so workers see snapshots.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	debug map[string]domain.CallDebug

	failGet  error
	failSave error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*domain.Job{}, debug: map[string]domain.CallDebug{}}
}

func (s *memStore) CreateJob(_ domain.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return nil
	}
	if j.IdemKey != nil {
		for _, other := range s.jobs {
			if other.IdemKey != nil && *other.IdemKey == *j.IdemKey {
				return domain.ErrConflict
			}
		}
	}
	s.jobs[j.ID] = copyJob(j)
	return nil
}

func (s *memStore) GetJob(_ domain.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return copyJob(j), nil
}

func (s *memStore) FindByIdempotencyKey(_ domain.Context, key string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.IdemKey != nil && *j.IdemKey == key {
			return copyJob(j), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) UpdateJobStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	if errMsg != nil {
		j.Error = *errMsg
	}
	j.UpdatedAt = time.Now().UTC()
	if status.Terminal() && j.CompletedAt == nil {
		now := j.UpdatedAt
		j.CompletedAt = &now
	}
	return nil
}

func (s *memStore) UpdatePhaseStatus(_ domain.Context, jobID string, gen int, phase domain.Phase, action domain.PhaseAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	state := j.Generation(gen)
	if state == nil {
		j.Generations = append(j.Generations, domain.GenerationState{Generation: gen})
		state = &j.Generations[len(j.Generations)-1]
	}
	switch action {
	case domain.PhaseActionStarted:
		state.MarkPhaseStarted(phase, time.Now().UTC())
		j.CurrentGeneration = gen
		j.CurrentPhase = phase
		if j.Status == domain.JobPending {
			j.Status = domain.JobProcessing
		}
	case domain.PhaseActionReset:
		state.ResetPhase(phase)
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) RecordPhaseError(_ domain.Context, jobID string, gen int, phase domain.Phase, msg string, parseFailure bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	state := j.Generation(gen)
	if state == nil {
		return domain.ErrNotFound
	}
	state.SetPhaseError(phase, msg, parseFailure)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) SavePhaseResults(_ domain.Context, jobID string, gen int, phase domain.Phase, res domain.PhaseResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	state := j.Generation(gen)
	if state == nil {
		return domain.ErrNotFound
	}
	if state.PhaseComplete(phase) {
		return nil
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
	}
	state.MarkPhaseComplete(phase, time.Now().UTC())
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) AddAPICallTelemetry(_ domain.Context, jobID string, entry domain.APICallMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.APICalls = append(j.APICalls, entry)
	return nil
}

func (s *memStore) SaveAPICallDebug(_ domain.Context, jobID string, d domain.CallDebug) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debug[jobID+"/"+d.CallID] = d
	return nil
}

func (s *memStore) CompleteJob(_ domain.Context, jobID string, res domain.FinalResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobCompleted
	j.TopSolutions = res.TopSolutions
	j.AllSolutions = res.AllSolutions
	j.GenerationHistory = res.GenerationHistory
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *memStore) ListByStatus(_ domain.Context, status domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, *copyJob(j))
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// apiCalls returns the telemetry entries for a job.
func (s *memStore) apiCalls(jobID string) []domain.APICallMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	return append([]domain.APICallMeta(nil), j.APICalls...)
}

func copyJob(j *domain.Job) *domain.Job {
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	var out domain.Job
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	if j.IdemKey != nil {
		k := *j.IdemKey
		out.IdemKey = &k
	}
	return &out
}

// memQueue records enqueued tasks for the test to pump.
type memQueue struct {
	mu     sync.Mutex
	checks []domain.OrchestratorTask
	tasks  []domain.WorkerTask

	failEnqueue error
}

func (q *memQueue) EnqueueOrchestratorCheck(_ domain.Context, t domain.OrchestratorTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnqueue != nil {
		return q.failEnqueue
	}
	q.checks = append(q.checks, t)
	return nil
}

func (q *memQueue) EnqueueWorkerTask(_ domain.Context, t domain.WorkerTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnqueue != nil {
		return q.failEnqueue
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *memQueue) drainChecks() []domain.OrchestratorTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.checks
	q.checks = nil
	return out
}

func (q *memQueue) drainTasks() []domain.WorkerTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

// memCache is an in-memory EnrichmentCache; TTLs are ignored.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
	sets int
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(_ domain.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *memCache) Set(_ domain.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; !ok {
		c.data[key] = value
		c.sets++
	}
	return nil
}

// erroringAI fails every call; countingAI wraps another client and counts.
type erroringAI struct{ err error }

func (a erroringAI) ChatJSON(domain.Context, domain.ChatRequest) (domain.ChatResult, error) {
	return domain.ChatResult{}, a.err
}

type cannedAI struct {
	content string
	calls   int
}

func (a *cannedAI) ChatJSON(domain.Context, domain.ChatRequest) (domain.ChatResult, error) {
	a.calls++
	return domain.ChatResult{Content: a.content, Model: "canned"}, nil
}

type countingAI struct {
	inner domain.AIClient
	mu    sync.Mutex
	calls int
}

func (a *countingAI) ChatJSON(ctx domain.Context, req domain.ChatRequest) (domain.ChatResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.inner.ChatJSON(ctx, req)
}

func (a *countingAI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// mustCheck runs one orchestrator pass and returns the decision.
func mustCheck(t *testing.T, o Orchestrator, task domain.OrchestratorTask) Decision {
	t.Helper()
	d, err := o.Check(t.Context(), task)
	require.NoError(t, err)
	return d
}

// testConfig holds tight timings so tests never sleep.
func testConfig() config.Config {
	return config.Config{
		AppEnv:                "test",
		ChatModel:             "stub",
		ChatMaxTokens:         2048,
		ChatTemperature:       0.7,
		CheckBaseDelay:        5 * time.Second,
		CheckBackoffFactor:    1.5,
		CheckMaxDelay:         60 * time.Second,
		CheckJitterMax:        time.Second,
		MaxCheckAttempts:      100,
		PhaseTimeout:          5 * time.Minute,
		DefaultGenerations:    1,
		DefaultPopulationSize: 5,
		DefaultTopSelectCount: 2,
		DefaultOffspringRatio: 0.5,
		DiversificationFloor:  0.05,
		MaxGenerations:        10,
		MaxPopulationSize:     50,
		TopSolutionsCap:       10,
		EnrichMode:            "batch",
		EnrichConcurrency:     4,
		EnrichCacheTTL:        time.Hour,
	}
}
