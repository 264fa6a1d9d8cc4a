package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	"github.com/fairyhunter13/ai-idea-evolver/internal/evolution"
	obsctx "github.com/fairyhunter13/ai-idea-evolver/internal/observability"
)

// Ranker scores and orders a generation's enriched ideas. Pure computation,
// zero LLM calls.
type Ranker struct {
	Cfg  config.Config
	Jobs domain.JobStore
}

// NewRanker constructs a Ranker.
func NewRanker(cfg config.Config, jobs domain.JobStore) Ranker {
	return Ranker{Cfg: cfg, Jobs: jobs}
}

// Run executes the ranker phase and completes the generation.
func (r Ranker) Run(ctx domain.Context, t domain.WorkerTask) error {
	lg := obsctx.LoggerFromContext(ctx)
	job, err := r.Jobs.GetJob(ctx, t.JobID)
	if err != nil {
		return fmt.Errorf("op=usecase.Ranker get: %w", err)
	}
	g := t.Generation
	state := job.Generation(g)
	if state == nil || !state.EnricherComplete {
		return fmt.Errorf("op=usecase.Ranker: %w: enricher output missing for generation %d", domain.ErrInternal, g)
	}
	if state.RankerComplete {
		lg.Info("ranker replay skipped", "job_id", job.ID, "generation", g)
		return nil
	}

	c0 := job.EvolutionConfig.DiversificationFactor
	solutions, topScore, avgScore, err := evolution.Rank(state.EnrichedIdeas, job.Preferences, c0)
	if err != nil {
		if rerr := r.Jobs.RecordPhaseError(ctx, job.ID, g, domain.PhaseRanker, err.Error(), false); rerr != nil {
			return fmt.Errorf("op=usecase.Ranker record error: %w", rerr)
		}
		observability.ObservePhase(string(domain.PhaseRanker), "error")
		return nil
	}
	tops := evolution.SelectTopPerformers(solutions, job.EvolutionConfig.TopSelectCount)

	res := domain.PhaseResults{
		Solutions:     solutions,
		TopPerformers: tops,
		TopScore:      topScore,
		AvgScore:      avgScore,
	}
	if err := r.Jobs.SavePhaseResults(ctx, job.ID, g, domain.PhaseRanker, res); err != nil {
		return fmt.Errorf("op=usecase.Ranker save: %w", err)
	}
	observability.ObservePhase(string(domain.PhaseRanker), "success")
	observability.ObserveGeneration(topScore)
	lg.Info("generation ranked", "job_id", job.ID, "generation", g,
		"solutions", len(solutions), "top_score", topScore)
	return nil
}
