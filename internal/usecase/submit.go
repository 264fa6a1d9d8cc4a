// Package usecase contains application business logic services: job
// submission, the orchestrator decision loop, and the three phase workers.
package usecase

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	obsctx "github.com/fairyhunter13/ai-idea-evolver/internal/observability"
)

// SubmitRequest is the adapter-usecase DTO for job creation. Transport-level
// validation (lengths, bounds) happens in the HTTP layer; this service applies
// defaults and semantic caps.
type SubmitRequest struct {
	ProblemContext  string
	Preferences     domain.Preferences
	EvolutionConfig domain.EvolutionConfig
	IdempotencyKey  string
}

// SubmitService creates jobs and schedules their first orchestrator check.
type SubmitService struct {
	Cfg   config.Config
	Jobs  domain.JobStore
	Queue domain.TaskQueue
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(cfg config.Config, jobs domain.JobStore, queue domain.TaskQueue) SubmitService {
	return SubmitService{Cfg: cfg, Jobs: jobs, Queue: queue}
}

// Submit validates semantics, applies defaults, persists a pending job and
// enqueues an immediate orchestrator check. An Idempotency-Key resolves to
// the prior job when one exists.
func (s SubmitService) Submit(ctx domain.Context, req SubmitRequest) (*domain.Job, error) {
	if len(req.ProblemContext) < 10 || len(req.ProblemContext) > 5000 {
		return nil, fmt.Errorf("%w: problemContext length must be in [10, 5000]", domain.ErrInvalidArgument)
	}
	if req.IdempotencyKey != "" {
		if prior, err := s.Jobs.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			return prior, nil
		}
	}
	cfgd, err := s.applyDefaults(ctx, req.EvolutionConfig)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:              uuid.NewString(),
		Status:          domain.JobPending,
		ProblemContext:  req.ProblemContext,
		Preferences:     req.Preferences,
		EvolutionConfig: cfgd,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.IdempotencyKey != "" {
		k := req.IdempotencyKey
		job.IdemKey = &k
	}
	if err := s.Jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("op=usecase.Submit: %w", err)
	}
	if err := s.Queue.EnqueueOrchestratorCheck(ctx, domain.OrchestratorTask{JobID: job.ID}); err != nil {
		// The sweeper will pick the job up, but surface the fault.
		return nil, fmt.Errorf("op=usecase.Submit enqueue: %w", err)
	}
	return job, nil
}

// applyDefaults fills unset knobs from config and enforces semantic bounds.
// topSelectCount above populationSize is capped, not rejected.
func (s SubmitService) applyDefaults(ctx domain.Context, c domain.EvolutionConfig) (domain.EvolutionConfig, error) {
	if c.Generations == 0 {
		c.Generations = s.Cfg.DefaultGenerations
	}
	if c.PopulationSize == 0 {
		c.PopulationSize = s.Cfg.DefaultPopulationSize
	}
	if c.TopSelectCount == 0 {
		c.TopSelectCount = s.Cfg.DefaultTopSelectCount
	}
	// OffspringRatio keeps its value: zero is a legitimate all-wildcards
	// setting, so the omitted-field default lives in the transport DTO.
	if c.DiversificationFactor == 0 {
		c.DiversificationFactor = s.Cfg.DiversificationFloor
	}
	if c.Model == "" {
		c.Model = s.Cfg.ChatModel
	}
	if c.EnrichMode == "" {
		c.EnrichMode = domain.EnrichMode(s.Cfg.EnrichMode)
	}
	switch {
	case c.Generations < 1 || c.Generations > s.Cfg.MaxGenerations:
		return c, fmt.Errorf("%w: generations must be in [1, %d]", domain.ErrInvalidArgument, s.Cfg.MaxGenerations)
	case c.PopulationSize < 1 || c.PopulationSize > s.Cfg.MaxPopulationSize:
		return c, fmt.Errorf("%w: populationSize must be in [1, %d]", domain.ErrInvalidArgument, s.Cfg.MaxPopulationSize)
	case c.TopSelectCount < 1:
		return c, fmt.Errorf("%w: topSelectCount must be >= 1", domain.ErrInvalidArgument)
	case c.OffspringRatio < 0 || c.OffspringRatio > 1:
		return c, fmt.Errorf("%w: offspringRatio must be in [0, 1]", domain.ErrInvalidArgument)
	case c.DiversificationFactor <= 0:
		return c, fmt.Errorf("%w: diversificationFactor must be > 0", domain.ErrInvalidArgument)
	case c.EnrichMode != domain.EnrichBatch && c.EnrichMode != domain.EnrichPerIdea:
		return c, fmt.Errorf("%w: enrichMode must be batch or per_idea", domain.ErrInvalidArgument)
	}
	if c.TopSelectCount > c.PopulationSize {
		obsctx.LoggerFromContext(ctx).Warn("topSelectCount capped at populationSize",
			"requested", c.TopSelectCount, "populationSize", c.PopulationSize)
		c.TopSelectCount = c.PopulationSize
	}
	return c, nil
}
