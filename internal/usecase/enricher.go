package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	"github.com/fairyhunter13/ai-idea-evolver/internal/evolution"
	obsctx "github.com/fairyhunter13/ai-idea-evolver/internal/observability"
	"github.com/fairyhunter13/ai-idea-evolver/pkg/jsonx"
)

// Enricher attaches business cases to a generation's ideas, either in one
// batch call or fanned out per idea through the content-addressed cache.
type Enricher struct {
	Cfg   config.Config
	Jobs  domain.JobStore
	AI    domain.AIClient
	Cache domain.EnrichmentCache
}

// NewEnricher constructs an Enricher.
func NewEnricher(cfg config.Config, jobs domain.JobStore, client domain.AIClient, cache domain.EnrichmentCache) Enricher {
	return Enricher{Cfg: cfg, Jobs: jobs, AI: client, Cache: cache}
}

// Run executes the enricher phase. No partial results reach the store: on
// any failure only the phase error is persisted, while per-idea successes
// survive in the cache to make the retry cheap.
func (e Enricher) Run(ctx domain.Context, t domain.WorkerTask) error {
	lg := obsctx.LoggerFromContext(ctx)
	job, err := e.Jobs.GetJob(ctx, t.JobID)
	if err != nil {
		return fmt.Errorf("op=usecase.Enricher get: %w", err)
	}
	g := t.Generation
	state := job.Generation(g)
	if state == nil || !state.VariatorComplete {
		return fmt.Errorf("op=usecase.Enricher: %w: variator output missing for generation %d", domain.ErrInternal, g)
	}
	if state.EnricherComplete {
		lg.Info("enricher replay skipped", "job_id", job.ID, "generation", g)
		return nil
	}

	// Carried ideas keep their prior enrichment unless the variator cleared
	// it (reenrichCarried); only nil-case ideas need a model call.
	population := make([]domain.Idea, len(state.Ideas))
	copy(population, state.Ideas)
	var need []int
	for i := range population {
		if population[i].BusinessCase == nil {
			need = append(need, i)
		}
	}
	if len(need) == 0 {
		return e.save(ctx, job.ID, g, population)
	}

	mode := job.EvolutionConfig.EnrichMode
	var cases map[string]*domain.BusinessCase
	var runErr error
	if mode == domain.EnrichPerIdea {
		cases, runErr = e.enrichPerIdea(ctx, job, g, population, need)
	} else {
		cases, runErr = e.enrichBatch(ctx, job, g, population, need)
	}
	if runErr != nil {
		parseFailure := errors.Is(runErr, domain.ErrParseFailed) ||
			errors.Is(runErr, jsonx.ErrParseFailed) ||
			errors.Is(runErr, domain.ErrSchemaInvalid)
		return e.failPhase(ctx, job.ID, g, runErr.Error(), parseFailure)
	}

	for _, i := range need {
		bc, ok := cases[population[i].IdeaID]
		if !ok || bc == nil {
			return e.failPhase(ctx, job.ID, g,
				fmt.Sprintf("enrichment missing for %s", population[i].IdeaID), true)
		}
		population[i].BusinessCase = bc
	}
	return e.save(ctx, job.ID, g, population)
}

// enrichBatch asks for every needed case in one call.
func (e Enricher) enrichBatch(ctx domain.Context, job *domain.Job, g int, population []domain.Idea, need []int) (map[string]*domain.BusinessCase, error) {
	ideas := make([]domain.Idea, 0, len(need))
	for _, i := range need {
		ideas = append(ideas, population[i])
	}
	schemaName, schema := ai.SchemaFor(domain.PhaseEnricher)
	prompt := enricherBatchPrompt(job.ProblemContext, ideas)
	call := startModelCall(job.ID, g, domain.PhaseEnricher, job.EvolutionConfig.Model, prompt)
	res, err := e.AI.ChatJSON(ctx, domain.ChatRequest{
		Model:        job.EvolutionConfig.Model,
		Phase:        domain.PhaseEnricher,
		SystemPrompt: enricherSystem,
		UserPrompt:   prompt,
		SchemaName:   schemaName,
		Schema:       schema,
		MaxTokens:    e.Cfg.ChatMaxTokens,
		Temperature:  e.Cfg.ChatTemperature,
	})
	if err != nil {
		call.errMsg = err.Error()
		call.flush(ctx, e.Jobs)
		return nil, err
	}
	call.raw = res.Content
	call.usage = res.Usage

	var er ai.EnricherResponse
	steps, perr := jsonx.Decode(res.Content, &er)
	call.parserSteps = steps
	if perr != nil {
		call.errMsg = perr.Error()
		call.flush(ctx, e.Jobs)
		return nil, perr
	}
	cases := make(map[string]*domain.BusinessCase, len(er.EnrichedIdeas))
	for _, ei := range er.EnrichedIdeas {
		if verr := evolution.ValidateBusinessCase(ei.BusinessCase); verr != nil {
			call.errMsg = verr.Error()
			call.flush(ctx, e.Jobs)
			return nil, fmt.Errorf("idea %s: %w", ei.IdeaID, verr)
		}
		cases[ei.IdeaID] = ei.BusinessCase
		e.cachePut(ctx, job, ideaByID(population, ei.IdeaID), ei.BusinessCase)
	}
	call.success = true
	call.parsed = fmt.Sprintf("%d cases", len(cases))
	call.flush(ctx, e.Jobs)
	return cases, nil
}

// enrichPerIdea fans out one call per idea with bounded concurrency,
// consulting the cache before spending a call.
func (e Enricher) enrichPerIdea(ctx domain.Context, job *domain.Job, g int, population []domain.Idea, need []int) (map[string]*domain.BusinessCase, error) {
	results := make([]*domain.BusinessCase, len(need))
	grp, gctx := errgroup.WithContext(ctx)
	limit := e.Cfg.EnrichConcurrency
	if limit <= 0 {
		limit = 1
	}
	grp.SetLimit(limit)
	for slot, idx := range need {
		idea := population[idx]
		grp.Go(func() error {
			bc, err := e.enrichOne(gctx, job, g, idea)
			if err != nil {
				return err
			}
			results[slot] = bc
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	cases := make(map[string]*domain.BusinessCase, len(need))
	for slot, idx := range need {
		cases[population[idx].IdeaID] = results[slot]
	}
	return cases, nil
}

func (e Enricher) enrichOne(ctx domain.Context, job *domain.Job, g int, idea domain.Idea) (*domain.BusinessCase, error) {
	if bc := e.cacheGet(ctx, job, idea); bc != nil {
		obsctx.LoggerFromContext(ctx).Debug("enrichment cache hit",
			"job_id", job.ID, "idea_id", idea.IdeaID)
		return bc, nil
	}
	schemaName, schema := ai.SchemaFor(domain.PhaseEnricher)
	prompt := enricherIdeaPrompt(job.ProblemContext, idea)
	call := startModelCall(job.ID, g, domain.PhaseEnricher, job.EvolutionConfig.Model, prompt)
	res, err := e.AI.ChatJSON(ctx, domain.ChatRequest{
		Model:        job.EvolutionConfig.Model,
		Phase:        domain.PhaseEnricher,
		SystemPrompt: enricherSystem,
		UserPrompt:   prompt,
		SchemaName:   schemaName,
		Schema:       schema,
		MaxTokens:    e.Cfg.ChatMaxTokens,
		Temperature:  e.Cfg.ChatTemperature,
	})
	if err != nil {
		call.errMsg = err.Error()
		call.flush(ctx, e.Jobs)
		return nil, err
	}
	call.raw = res.Content
	call.usage = res.Usage

	var er ai.EnricherResponse
	steps, perr := jsonx.Decode(res.Content, &er)
	call.parserSteps = steps
	if perr == nil && len(er.EnrichedIdeas) == 0 {
		perr = fmt.Errorf("%w: empty enrichment for %s", domain.ErrParseFailed, idea.IdeaID)
	}
	if perr != nil {
		call.errMsg = perr.Error()
		call.flush(ctx, e.Jobs)
		return nil, perr
	}
	// Prefer the entry matching our id; a single-idea prompt sometimes comes
	// back without one.
	entry := er.EnrichedIdeas[0]
	for _, ei := range er.EnrichedIdeas {
		if ei.IdeaID == idea.IdeaID {
			entry = ei
			break
		}
	}
	if verr := evolution.ValidateBusinessCase(entry.BusinessCase); verr != nil {
		call.errMsg = verr.Error()
		call.flush(ctx, e.Jobs)
		return nil, fmt.Errorf("idea %s: %w", idea.IdeaID, verr)
	}
	call.success = true
	call.parsed = fmt.Sprintf("case for %s", idea.IdeaID)
	call.flush(ctx, e.Jobs)
	e.cachePut(ctx, job, &idea, entry.BusinessCase)
	return entry.BusinessCase, nil
}

// enrichmentKey addresses a cached case by everything that could change it.
func enrichmentKey(problemContext string, idea domain.Idea, model string) string {
	text := strings.Join([]string{idea.Title, idea.Description, idea.CoreMechanism}, "\n")
	sum := sha256.Sum256([]byte(problemContext + "|" + text + "|" + model + "|" + ai.SchemaVersion))
	return hex.EncodeToString(sum[:])
}

// cacheGet is fail-open: any cache fault reads as a miss.
func (e Enricher) cacheGet(ctx domain.Context, job *domain.Job, idea domain.Idea) *domain.BusinessCase {
	if e.Cache == nil {
		return nil
	}
	raw, ok, err := e.Cache.Get(ctx, enrichmentKey(job.ProblemContext, idea, job.EvolutionConfig.Model))
	if err != nil || !ok {
		return nil
	}
	var bc domain.BusinessCase
	if json.Unmarshal(raw, &bc) != nil || evolution.ValidateBusinessCase(&bc) != nil {
		return nil
	}
	return &bc
}

func (e Enricher) cachePut(ctx domain.Context, job *domain.Job, idea *domain.Idea, bc *domain.BusinessCase) {
	if e.Cache == nil || idea == nil || bc == nil {
		return
	}
	raw, err := json.Marshal(bc)
	if err != nil {
		return
	}
	key := enrichmentKey(job.ProblemContext, *idea, job.EvolutionConfig.Model)
	if err := e.Cache.Set(ctx, key, raw, e.Cfg.EnrichCacheTTL); err != nil {
		obsctx.LoggerFromContext(ctx).Debug("enrichment cache write failed",
			"job_id", job.ID, "idea_id", idea.IdeaID, "error", err)
	}
}

func ideaByID(population []domain.Idea, id string) *domain.Idea {
	for i := range population {
		if population[i].IdeaID == id {
			return &population[i]
		}
	}
	return nil
}

func (e Enricher) save(ctx domain.Context, jobID string, g int, enriched []domain.Idea) error {
	res := domain.PhaseResults{EnrichedIdeas: enriched}
	if err := e.Jobs.SavePhaseResults(ctx, jobID, g, domain.PhaseEnricher, res); err != nil {
		return fmt.Errorf("op=usecase.Enricher save: %w", err)
	}
	observability.ObservePhase(string(domain.PhaseEnricher), "success")
	return nil
}

func (e Enricher) failPhase(ctx domain.Context, jobID string, g int, msg string, parseFailure bool) error {
	if err := e.Jobs.RecordPhaseError(ctx, jobID, g, domain.PhaseEnricher, msg, parseFailure); err != nil {
		return fmt.Errorf("op=usecase.Enricher record error: %w", err)
	}
	observability.ObservePhase(string(domain.PhaseEnricher), "error")
	return nil
}
