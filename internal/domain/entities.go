package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrParseFailed       = errors.New("response parse failed")
	ErrInternal          = errors.New("internal error")
)

//go:generate mockery --name=JobStore --with-expecter --filename=job_store_mock.go
//go:generate mockery --name=TaskQueue --with-expecter --filename=task_queue_mock.go
//go:generate mockery --name=AIClient --with-expecter --filename=aiclient_mock.go
//go:generate mockery --name=EnrichmentCache --with-expecter --filename=enrichment_cache_mock.go

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Phase enumerates the worker phases of a generation, in execution order.
type Phase string

const (
	PhaseVariator Phase = "variator"
	PhaseEnricher Phase = "enricher"
	PhaseRanker   Phase = "ranker"
)

// PhaseOrder is the fixed execution order within a generation.
var PhaseOrder = [3]Phase{PhaseVariator, PhaseEnricher, PhaseRanker}

// ValidPhase reports whether p names a known phase.
func ValidPhase(p Phase) bool {
	return p == PhaseVariator || p == PhaseEnricher || p == PhaseRanker
}

// EnrichMode selects how the enricher spends LLM calls on a population.
type EnrichMode string

const (
	// EnrichBatch asks for business cases of the whole population in one call.
	EnrichBatch EnrichMode = "batch"
	// EnrichPerIdea fans out one bounded-concurrency call per idea.
	EnrichPerIdea EnrichMode = "per_idea"
)

// Preferences are the submitter's economic constraints. Monetary values are
// millions USD.
type Preferences struct {
	MaxCapex       float64 `json:"maxCapex"`
	MinProfits     float64 `json:"minProfits"`
	TargetReturn   float64 `json:"targetReturn"`
	TimelineMonths int     `json:"timelineMonths"`
}

// EvolutionConfig are the search knobs for a job.
// Invariants: Generations >= 1; PopulationSize >= 1; TopSelectCount in
// [1, PopulationSize] (capped at submit time, never rejected);
// OffspringRatio in [0,1]; DiversificationFactor > 0.
type EvolutionConfig struct {
	Generations           int        `json:"generations"`
	PopulationSize        int        `json:"populationSize"`
	TopSelectCount        int        `json:"topSelectCount"`
	OffspringRatio        float64    `json:"offspringRatio"`
	DiversificationFactor float64    `json:"diversificationFactor"`
	Model                 string     `json:"model,omitempty"`
	EnrichMode            EnrichMode `json:"enrichMode,omitempty"`
	// ReenrichCarried forces carried top performers through the enricher and
	// ranker again. Default false: carry with prior enrichment.
	ReenrichCarried bool `json:"reenrichCarried,omitempty"`
}

// BusinessCase is the enricher's economic projection for one idea.
// Invariants: CapexEst >= 0.05 (a $50K floor); Likelihood in [0,1];
// len(RiskFactors) >= 1; len(YearlyCashflows) == 5. Monetary values are
// millions USD.
type BusinessCase struct {
	NPVSuccess      float64   `json:"npv_success"`
	CapexEst        float64   `json:"capex_est"`
	TimelineMonths  int       `json:"timeline_months"`
	Likelihood      float64   `json:"likelihood"`
	RiskFactors     []string  `json:"risk_factors"`
	YearlyCashflows []float64 `json:"yearly_cashflows"`
}

// Idea is one candidate. BusinessCase stays nil until the enricher ran.
// IdeaID matches VAR_GEN{g}_{nnn} for ideas born in generation g; carried
// top performers keep the id of their birth generation.
type Idea struct {
	IdeaID        string        `json:"idea_id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	CoreMechanism string        `json:"core_mechanism,omitempty"`
	IsOffspring   bool          `json:"is_offspring"`
	BusinessCase  *BusinessCase `json:"business_case,omitempty"`
}

// Solution is a scored, ranked idea. Violating ideas keep their score and
// sort behind the non-violating block.
type Solution struct {
	Idea
	ExpectedValue          float64 `json:"expectedValue"`
	DiversificationPenalty float64 `json:"diversificationPenalty"`
	Score                  float64 `json:"score"`
	Rank                   int     `json:"rank"`
	ViolatesPreferences    bool    `json:"violatesPreferences,omitempty"`
	PreferenceNote         string  `json:"preferenceNote,omitempty"`
}

// GenerationSummary is one generationHistory entry persisted on completion.
type GenerationSummary struct {
	Generation      int      `json:"generation"`
	TopScore        float64  `json:"topScore"`
	AvgScore        float64  `json:"avgScore"`
	IdeaCount       int      `json:"ideaCount"`
	SolutionCount   int      `json:"solutionCount"`
	TopPerformerIDs []string `json:"topPerformerIds,omitempty"`
}

// GenerationState is the durable record of one generation. Phase tracking
// fields are flat because their names are part of the persisted contract.
type GenerationState struct {
	Generation int `json:"generation"`

	VariatorStarted      bool       `json:"variatorStarted"`
	VariatorStartedAt    *time.Time `json:"variatorStartedAt,omitempty"`
	VariatorComplete     bool       `json:"variatorComplete"`
	VariatorCompletedAt  *time.Time `json:"variatorCompletedAt,omitempty"`
	VariatorError        *string    `json:"variatorError,omitempty"`
	VariatorParseFailure bool       `json:"variatorParseFailure,omitempty"`

	Ideas []Idea `json:"ideas,omitempty"`

	EnricherStarted      bool       `json:"enricherStarted"`
	EnricherStartedAt    *time.Time `json:"enricherStartedAt,omitempty"`
	EnricherComplete     bool       `json:"enricherComplete"`
	EnricherCompletedAt  *time.Time `json:"enricherCompletedAt,omitempty"`
	EnricherError        *string    `json:"enricherError,omitempty"`
	EnricherParseFailure bool       `json:"enricherParseFailure,omitempty"`

	EnrichedIdeas []Idea `json:"enrichedIdeas,omitempty"`

	RankerStarted     bool       `json:"rankerStarted"`
	RankerStartedAt   *time.Time `json:"rankerStartedAt,omitempty"`
	RankerComplete    bool       `json:"rankerComplete"`
	RankerCompletedAt *time.Time `json:"rankerCompletedAt,omitempty"`
	RankerError       *string    `json:"rankerError,omitempty"`

	Solutions     []Solution `json:"solutions,omitempty"`
	TopPerformers []Solution `json:"topPerformers,omitempty"`
	TopScore      float64    `json:"topScore,omitempty"`
	AvgScore      float64    `json:"avgScore,omitempty"`

	GenerationComplete bool `json:"generationComplete"`
}

// PhaseStarted reports whether phase p was dispatched.
func (g *GenerationState) PhaseStarted(p Phase) bool {
	switch p {
	case PhaseVariator:
		return g.VariatorStarted
	case PhaseEnricher:
		return g.EnricherStarted
	case PhaseRanker:
		return g.RankerStarted
	}
	return false
}

// PhaseStartedAt returns the dispatch timestamp of phase p, or nil.
func (g *GenerationState) PhaseStartedAt(p Phase) *time.Time {
	switch p {
	case PhaseVariator:
		return g.VariatorStartedAt
	case PhaseEnricher:
		return g.EnricherStartedAt
	case PhaseRanker:
		return g.RankerStartedAt
	}
	return nil
}

// PhaseComplete reports whether phase p finished successfully.
func (g *GenerationState) PhaseComplete(p Phase) bool {
	switch p {
	case PhaseVariator:
		return g.VariatorComplete
	case PhaseEnricher:
		return g.EnricherComplete
	case PhaseRanker:
		return g.RankerComplete
	}
	return false
}

// PhaseError returns the recorded error of phase p, or nil.
func (g *GenerationState) PhaseError(p Phase) *string {
	switch p {
	case PhaseVariator:
		return g.VariatorError
	case PhaseEnricher:
		return g.EnricherError
	case PhaseRanker:
		return g.RankerError
	}
	return nil
}

// MarkPhaseStarted sets {phase}Started and its timestamp. A fresh attempt
// starts clean: the prior attempt's error is cleared here so the orchestrator
// does not re-fire retries while the new attempt runs. The failure history
// lives in apiCalls.
func (g *GenerationState) MarkPhaseStarted(p Phase, at time.Time) {
	switch p {
	case PhaseVariator:
		g.VariatorStarted, g.VariatorStartedAt = true, &at
		g.VariatorError, g.VariatorParseFailure = nil, false
	case PhaseEnricher:
		g.EnricherStarted, g.EnricherStartedAt = true, &at
		g.EnricherError, g.EnricherParseFailure = nil, false
	case PhaseRanker:
		g.RankerStarted, g.RankerStartedAt = true, &at
		g.RankerError = nil
	}
}

// ResetPhase clears {phase}Started so a fresh worker task can run. The
// recorded error is kept as history.
func (g *GenerationState) ResetPhase(p Phase) {
	switch p {
	case PhaseVariator:
		g.VariatorStarted, g.VariatorStartedAt = false, nil
	case PhaseEnricher:
		g.EnricherStarted, g.EnricherStartedAt = false, nil
	case PhaseRanker:
		g.RankerStarted, g.RankerStartedAt = false, nil
	}
}

// SetPhaseError records the failure message for phase p; parseFailure marks
// errors produced by the tolerant parser as opposed to transport failures.
func (g *GenerationState) SetPhaseError(p Phase, msg string, parseFailure bool) {
	switch p {
	case PhaseVariator:
		g.VariatorError = &msg
		g.VariatorParseFailure = parseFailure
	case PhaseEnricher:
		g.EnricherError = &msg
		g.EnricherParseFailure = parseFailure
	case PhaseRanker:
		g.RankerError = &msg
	}
}

// MarkPhaseComplete sets {phase}Complete and its timestamp. The ranker also
// completes the generation.
func (g *GenerationState) MarkPhaseComplete(p Phase, at time.Time) {
	switch p {
	case PhaseVariator:
		g.VariatorComplete, g.VariatorCompletedAt = true, &at
	case PhaseEnricher:
		g.EnricherComplete, g.EnricherCompletedAt = true, &at
	case PhaseRanker:
		g.RankerComplete, g.RankerCompletedAt = true, &at
		g.GenerationComplete = true
	}
}

// APICallMeta is one append-only telemetry entry for an upstream model call.
type APICallMeta struct {
	CallID           string    `json:"callId"`
	Phase            Phase     `json:"phase"`
	Generation       int       `json:"generation"`
	Attempt          int       `json:"attempt,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
	DurationMs       int64     `json:"durationMs"`
	TokensEstimated  bool      `json:"tokensEstimated,omitempty"`
	ParserSteps      int       `json:"parserSteps,omitempty"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// CallDebug is the full prompt/response blob stored per call, best-effort.
type CallDebug struct {
	CallID         string    `json:"callId"`
	Phase          Phase     `json:"phase"`
	Generation     int       `json:"generation"`
	Attempt        int       `json:"attempt,omitempty"`
	Prompt         string    `json:"prompt"`
	RawResponse    string    `json:"rawResponse"`
	ParsedResponse string    `json:"parsedResponse,omitempty"`
	Usage          ChatUsage `json:"usage"`
	DurationMs     int64     `json:"durationMs"`
}

// Job is the root durable entity, the whole state machine document.
type Job struct {
	ID                string              `json:"jobId"`
	Status            JobStatus           `json:"status"`
	ProblemContext    string              `json:"problemContext"`
	Preferences       Preferences         `json:"preferences"`
	EvolutionConfig   EvolutionConfig     `json:"evolutionConfig"`
	CurrentGeneration int                 `json:"currentGeneration"`
	CurrentPhase      Phase               `json:"currentPhase,omitempty"`
	Generations       []GenerationState   `json:"generations,omitempty"`
	APICalls          []APICallMeta       `json:"apiCalls,omitempty"`
	TopSolutions      []Solution          `json:"topSolutions,omitempty"`
	AllSolutions      []Solution          `json:"allSolutions,omitempty"`
	GenerationHistory []GenerationSummary `json:"generationHistory,omitempty"`
	Error             string              `json:"error,omitempty"`
	IdemKey           *string             `json:"-"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
}

// Generation returns the record for generation n (1-based), or nil.
func (j *Job) Generation(n int) *GenerationState {
	for i := range j.Generations {
		if j.Generations[i].Generation == n {
			return &j.Generations[i]
		}
	}
	return nil
}

// PhaseAction names the atomic phase-tracking transitions of the store.
type PhaseAction string

const (
	// PhaseActionStarted marks {phase}Started with a timestamp and moves
	// currentGeneration/currentPhase.
	PhaseActionStarted PhaseAction = "started"
	// PhaseActionReset clears {phase}Started so the phase can run again.
	PhaseActionReset PhaseAction = "reset"
)

// PhaseResults carries one phase's output fields for savePhaseResults.
// Variator fills Ideas; enricher fills EnrichedIdeas; ranker fills
// Solutions, TopPerformers and the summary scalars.
type PhaseResults struct {
	Ideas         []Idea
	EnrichedIdeas []Idea
	Solutions     []Solution
	TopPerformers []Solution
	TopScore      float64
	AvgScore      float64
}

// FinalResults is the completion payload persisted by completeJob.
type FinalResults struct {
	TopSolutions      []Solution
	AllSolutions      []Solution
	GenerationHistory []GenerationSummary
}

// Repositories (ports)

type JobStore interface {
	// CreateJob persists a fresh job document; idempotent on existing id.
	CreateJob(ctx Context, j *Job) error
	// GetJob returns a snapshot of the document or ErrNotFound.
	GetJob(ctx Context, id string) (*Job, error)
	// FindByIdempotencyKey resolves a prior submission, ErrNotFound if none.
	FindByIdempotencyKey(ctx Context, key string) (*Job, error)
	// UpdateJobStatus is the generic status transition; errMsg sets the
	// user-visible failure reason.
	UpdateJobStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	// UpdatePhaseStatus atomically applies started|reset to one phase and,
	// for started, moves currentGeneration/currentPhase. The generation
	// record is created lazily.
	UpdatePhaseStatus(ctx Context, jobID string, gen int, phase Phase, action PhaseAction) error
	// RecordPhaseError persists the {phase}Error marker without touching
	// any result fields.
	RecordPhaseError(ctx Context, jobID string, gen int, phase Phase, msg string, parseFailure bool) error
	// SavePhaseResults writes the phase output fields and marks the phase
	// complete. Replays with identical content are no-ops.
	SavePhaseResults(ctx Context, jobID string, gen int, phase Phase, res PhaseResults) error
	// AddAPICallTelemetry appends one apiCalls entry; entries are never
	// rewritten.
	AddAPICallTelemetry(ctx Context, jobID string, entry APICallMeta) error
	// SaveAPICallDebug stores the full prompt/response blob. Best-effort:
	// callers must not fail on its error.
	SaveAPICallDebug(ctx Context, jobID string, d CallDebug) error
	// CompleteJob atomically persists final results and status=completed.
	CompleteJob(ctx Context, jobID string, res FinalResults) error
	// ListByStatus pages through jobs in a given status, oldest update first.
	ListByStatus(ctx Context, status JobStatus, offset, limit int) ([]Job, error)
}

// Queue (port)

// OrchestratorTask asks for one orchestrator decision pass over a job.
// ScheduleTime zero means deliverable immediately.
type OrchestratorTask struct {
	JobID        string    `json:"jobId"`
	CheckAttempt int       `json:"checkAttempt"`
	ScheduleTime time.Time `json:"scheduleTime"`
}

// WorkerTask dispatches one phase of one generation.
type WorkerTask struct {
	JobID      string `json:"jobId"`
	Type       Phase  `json:"type"`
	Generation int    `json:"generation"`
}

// TaskID is the idempotency token for a worker task.
func (t WorkerTask) TaskID() string {
	return fmt.Sprintf("%s_gen%d_%s", t.JobID, t.Generation, t.Type)
}

type TaskQueue interface {
	// EnqueueOrchestratorCheck schedules a decision pass, deliverable no
	// earlier than t.ScheduleTime (zero means immediately).
	EnqueueOrchestratorCheck(ctx Context, t OrchestratorTask) error
	// EnqueueWorkerTask dispatches one phase task.
	EnqueueWorkerTask(ctx Context, t WorkerTask) error
}

// AIClient (port)

// ChatRequest asks the model for a single JSON document. Schema, when
// non-empty, is a JSON Schema the response must satisfy; SchemaName labels
// it for providers that bind schemas by name.
type ChatRequest struct {
	Model        string
	Phase        Phase
	SystemPrompt string
	UserPrompt   string
	SchemaName   string
	Schema       []byte
	MaxTokens    int
	Temperature  float64
}

// ChatUsage is token accounting for one call. Estimated is set when the
// provider omitted usage and counts were derived locally.
type ChatUsage struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	TotalTokens      int  `json:"totalTokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// ChatResult is the raw model output; callers run tolerant JSON decoding on
// Content themselves.
type ChatResult struct {
	Content string
	Model   string
	Usage   ChatUsage
}

type AIClient interface {
	// ChatJSON performs exactly one upstream call within the adapter's
	// deadline; retries are the orchestrator's business.
	ChatJSON(ctx Context, req ChatRequest) (ChatResult, error)
}

// EnrichmentCache (port)
// Content-addressed, write-once memo for enricher outputs shared across jobs.

type EnrichmentCache interface {
	Get(ctx Context, key string) ([]byte, bool, error)
	Set(ctx Context, key string, value []byte, ttl time.Duration) error
}

// Context is an alias to allow decoupling from std context in domain
// Adapters and usecases should pass context.Context through.

type Context = context.Context
