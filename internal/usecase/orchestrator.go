package usecase

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	"github.com/fairyhunter13/ai-idea-evolver/internal/evolution"
	obsctx "github.com/fairyhunter13/ai-idea-evolver/internal/observability"
)

// DecisionKind enumerates the outcomes of one orchestrator pass.
type DecisionKind string

const (
	DecideAlreadyComplete   DecisionKind = "already_complete"
	DecideWait              DecisionKind = "wait"
	DecideCreateTask        DecisionKind = "create_task"
	DecideRetryTask         DecisionKind = "retry_task"
	DecideAdvanceGeneration DecisionKind = "advance_generation"
	DecideMarkComplete      DecisionKind = "mark_complete"
	DecideMarkFailed        DecisionKind = "mark_failed"
)

// Decision is the pure output of one orchestration pass. Phase and
// Generation are set for task-producing kinds; Reason for MarkFailed and
// RetryTask.
type Decision struct {
	Kind       DecisionKind
	Phase      domain.Phase
	Generation int
	Reason     string
}

// Decide derives the next action from the persisted job document alone. It
// performs no I/O and is deterministic in (job, now), which makes every
// duplicate or replayed check converge on the same action.
func Decide(job *domain.Job, now time.Time, phaseTimeout time.Duration, maxAttempts, attempt int) Decision {
	if job.Status.Terminal() {
		return Decision{Kind: DecideAlreadyComplete}
	}
	if attempt > maxAttempts {
		return Decision{Kind: DecideMarkFailed, Reason: "max orchestration attempts exceeded"}
	}
	if job.Status == domain.JobPending {
		return Decision{Kind: DecideCreateTask, Phase: domain.PhaseVariator, Generation: 1}
	}

	g := job.CurrentGeneration
	if g < 1 {
		g = 1
	}
	state := job.Generation(g)
	if state == nil {
		return Decision{Kind: DecideCreateTask, Phase: domain.PhaseVariator, Generation: g}
	}
	for _, p := range domain.PhaseOrder {
		if state.PhaseComplete(p) {
			continue
		}
		if !state.PhaseStarted(p) {
			return Decision{Kind: DecideCreateTask, Phase: p, Generation: g}
		}
		if msg := state.PhaseError(p); msg != nil {
			return Decision{Kind: DecideRetryTask, Phase: p, Generation: g, Reason: *msg}
		}
		if at := state.PhaseStartedAt(p); at != nil && now.Sub(*at) > phaseTimeout {
			return Decision{Kind: DecideRetryTask, Phase: p, Generation: g, Reason: "phase timed out"}
		}
		return Decision{Kind: DecideWait, Phase: p, Generation: g}
	}
	if g < job.EvolutionConfig.Generations {
		return Decision{Kind: DecideAdvanceGeneration, Phase: domain.PhaseVariator, Generation: g + 1}
	}
	return Decision{Kind: DecideMarkComplete, Generation: g}
}

// Orchestrator runs decision passes: load the document, decide, execute the
// decision, and re-enqueue the next check on non-terminal outcomes.
type Orchestrator struct {
	Cfg   config.Config
	Jobs  domain.JobStore
	Queue domain.TaskQueue
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg config.Config, jobs domain.JobStore, queue domain.TaskQueue) Orchestrator {
	return Orchestrator{Cfg: cfg, Jobs: jobs, Queue: queue}
}

// Check executes one orchestration pass. Store and queue faults are returned
// to the caller for queue redelivery; decisions themselves are idempotent.
func (o Orchestrator) Check(ctx domain.Context, t domain.OrchestratorTask) (Decision, error) {
	lg := obsctx.LoggerFromContext(ctx)
	job, err := o.Jobs.GetJob(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			lg.Warn("orchestrator check for unknown job", "job_id", t.JobID)
			return Decision{Kind: DecideAlreadyComplete}, nil
		}
		return Decision{}, fmt.Errorf("op=usecase.Check get: %w", err)
	}

	now := time.Now().UTC()
	d := Decide(job, now, o.Cfg.PhaseTimeout, o.Cfg.MaxCheckAttempts, t.CheckAttempt)
	lg.Info("orchestrator decision",
		"job_id", job.ID, "kind", string(d.Kind), "phase", string(d.Phase),
		"generation", d.Generation, "attempt", t.CheckAttempt)

	switch d.Kind {
	case DecideAlreadyComplete:
		return d, nil

	case DecideMarkFailed:
		reason := d.Reason
		if err := o.Jobs.UpdateJobStatus(ctx, job.ID, domain.JobFailed, &reason); err != nil {
			return d, fmt.Errorf("op=usecase.Check fail: %w", err)
		}
		observability.FailJob()
		return d, nil

	case DecideMarkComplete:
		return d, o.finalize(ctx, job)

	case DecideWait:
		return d, o.reschedule(ctx, t, now)

	case DecideCreateTask, DecideAdvanceGeneration:
		if job.Status == domain.JobPending {
			observability.StartProcessingJob()
		}
		if err := o.dispatch(ctx, job.ID, d.Generation, d.Phase, false); err != nil {
			return d, err
		}
		return d, o.reschedule(ctx, t, now)

	case DecideRetryTask:
		lg.Warn("phase retry", "job_id", job.ID, "phase", string(d.Phase),
			"generation", d.Generation, "reason", d.Reason)
		if err := o.dispatch(ctx, job.ID, d.Generation, d.Phase, true); err != nil {
			return d, err
		}
		return d, o.reschedule(ctx, t, now)
	}
	return d, fmt.Errorf("op=usecase.Check: %w: decision %q", domain.ErrInternal, d.Kind)
}

// dispatch marks the phase started (resetting it first on retries) and
// enqueues the worker task.
func (o Orchestrator) dispatch(ctx domain.Context, jobID string, gen int, phase domain.Phase, retry bool) error {
	if retry {
		if err := o.Jobs.UpdatePhaseStatus(ctx, jobID, gen, phase, domain.PhaseActionReset); err != nil {
			return fmt.Errorf("op=usecase.dispatch reset: %w", err)
		}
	}
	if err := o.Jobs.UpdatePhaseStatus(ctx, jobID, gen, phase, domain.PhaseActionStarted); err != nil {
		return fmt.Errorf("op=usecase.dispatch start: %w", err)
	}
	if err := o.Queue.EnqueueWorkerTask(ctx, domain.WorkerTask{JobID: jobID, Type: phase, Generation: gen}); err != nil {
		return fmt.Errorf("op=usecase.dispatch enqueue: %w", err)
	}
	return nil
}

// finalize gathers all generations into the completion payload.
func (o Orchestrator) finalize(ctx domain.Context, job *domain.Job) error {
	all := evolution.GatherSolutions(job.Generations)
	res := domain.FinalResults{
		TopSolutions:      evolution.TopN(all, o.Cfg.TopSolutionsCap),
		AllSolutions:      all,
		GenerationHistory: evolution.Summaries(job.Generations),
	}
	if err := o.Jobs.CompleteJob(ctx, job.ID, res); err != nil {
		return fmt.Errorf("op=usecase.finalize: %w", err)
	}
	observability.CompleteJob()
	return nil
}

func (o Orchestrator) reschedule(ctx domain.Context, t domain.OrchestratorTask, now time.Time) error {
	next := domain.OrchestratorTask{
		JobID:        t.JobID,
		CheckAttempt: t.CheckAttempt + 1,
		ScheduleTime: now.Add(o.delay(t.CheckAttempt)),
	}
	if err := o.Queue.EnqueueOrchestratorCheck(ctx, next); err != nil {
		return fmt.Errorf("op=usecase.reschedule: %w", err)
	}
	return nil
}

// delay is the check backoff: base*factor^attempt capped, plus jitter.
func (o Orchestrator) delay(attempt int) time.Duration {
	base := float64(o.Cfg.CheckBaseDelay) * math.Pow(o.Cfg.CheckBackoffFactor, float64(attempt))
	if ceiling := float64(o.Cfg.CheckMaxDelay); base > ceiling {
		base = ceiling
	}
	d := time.Duration(base)
	if o.Cfg.CheckJitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(o.Cfg.CheckJitterMax)))
	}
	return d
}
