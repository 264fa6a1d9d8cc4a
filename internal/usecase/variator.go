package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	"github.com/fairyhunter13/ai-idea-evolver/internal/evolution"
	obsctx "github.com/fairyhunter13/ai-idea-evolver/internal/observability"
	"github.com/fairyhunter13/ai-idea-evolver/pkg/jsonx"
)

// Variator builds generation populations: carried top performers from the
// previous generation plus LLM-generated fresh ideas, split into offspring
// and wildcards.
type Variator struct {
	Cfg  config.Config
	Jobs domain.JobStore
	AI   domain.AIClient
}

// NewVariator constructs a Variator.
func NewVariator(cfg config.Config, jobs domain.JobStore, client domain.AIClient) Variator {
	return Variator{Cfg: cfg, Jobs: jobs, AI: client}
}

// Run executes the variator phase for one generation. Replays of a completed
// phase exit without an LLM call. LLM and parse failures become persisted
// phase errors; the orchestrator owns retries, so the task itself succeeds.
func (v Variator) Run(ctx domain.Context, t domain.WorkerTask) error {
	lg := obsctx.LoggerFromContext(ctx)
	job, err := v.Jobs.GetJob(ctx, t.JobID)
	if err != nil {
		return fmt.Errorf("op=usecase.Variator get: %w", err)
	}
	g := t.Generation
	if state := job.Generation(g); state != nil && state.VariatorComplete {
		lg.Info("variator replay skipped", "job_id", job.ID, "generation", g)
		return nil
	}
	evo := job.EvolutionConfig

	var carried []domain.Solution
	if g > 1 {
		prev := job.Generation(g - 1)
		if prev == nil || !prev.GenerationComplete {
			return fmt.Errorf("op=usecase.Variator: %w: generation %d not complete before %d", domain.ErrInternal, g-1, g)
		}
		carried = prev.TopPerformers
	}
	fresh := evo.PopulationSize - len(carried)
	if fresh < 0 {
		fresh = 0
	}
	offspring, wildcards := evolution.OffspringCounts(evo.PopulationSize, evo.OffspringRatio, len(carried), fresh)

	if fresh == 0 {
		// The carried block already fills the population; no model call.
		population := evolution.ComposePopulation(carried, nil, g, evo.ReenrichCarried)
		return v.save(ctx, job.ID, g, population)
	}

	schemaName, schema := ai.SchemaFor(domain.PhaseVariator)
	prompt := variatorPrompt(job.ProblemContext, g, fresh, offspring, wildcards, carried)
	call := startModelCall(job.ID, g, domain.PhaseVariator, evo.Model, prompt)
	res, err := v.AI.ChatJSON(ctx, domain.ChatRequest{
		Model:        evo.Model,
		Phase:        domain.PhaseVariator,
		SystemPrompt: variatorSystem,
		UserPrompt:   prompt,
		SchemaName:   schemaName,
		Schema:       schema,
		MaxTokens:    v.Cfg.ChatMaxTokens,
		Temperature:  v.Cfg.ChatTemperature,
	})
	if err != nil {
		call.errMsg = err.Error()
		call.flush(ctx, v.Jobs)
		return v.failPhase(ctx, job.ID, g, err.Error(), false)
	}
	call.raw = res.Content
	call.usage = res.Usage
	if res.Model != "" {
		call.model = res.Model
	}

	var vr ai.VariatorResponse
	steps, perr := jsonx.Decode(res.Content, &vr)
	call.parserSteps = steps
	if perr == nil && len(vr.Ideas) < fresh {
		perr = fmt.Errorf("%w: got %d ideas, need %d", domain.ErrParseFailed, len(vr.Ideas), fresh)
	}
	if perr != nil {
		call.errMsg = perr.Error()
		call.flush(ctx, v.Jobs)
		return v.failPhase(ctx, job.ID, g, perr.Error(), true)
	}

	ideas := vr.Ideas[:fresh]
	for i := range ideas {
		ideas[i].IsOffspring = i < offspring
	}
	population := evolution.ComposePopulation(carried, ideas, g, evo.ReenrichCarried)

	call.success = true
	call.parsed = fmt.Sprintf("%d ideas", len(ideas))
	call.flush(ctx, v.Jobs)
	return v.save(ctx, job.ID, g, population)
}

func (v Variator) save(ctx domain.Context, jobID string, g int, population []domain.Idea) error {
	res := domain.PhaseResults{Ideas: population}
	if err := v.Jobs.SavePhaseResults(ctx, jobID, g, domain.PhaseVariator, res); err != nil {
		return fmt.Errorf("op=usecase.Variator save: %w", err)
	}
	observability.ObservePhase(string(domain.PhaseVariator), "success")
	return nil
}

func (v Variator) failPhase(ctx domain.Context, jobID string, g int, msg string, parseFailure bool) error {
	if err := v.Jobs.RecordPhaseError(ctx, jobID, g, domain.PhaseVariator, msg, parseFailure); err != nil {
		return fmt.Errorf("op=usecase.Variator record error: %w", err)
	}
	observability.ObservePhase(string(domain.PhaseVariator), "error")
	return nil
}
