package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	obsctx "github.com/fairyhunter13/ai-idea-evolver/internal/observability"
)

// newCallID builds the apiCalls correlation id for one upstream model call.
func newCallID(jobID string, gen int, phase domain.Phase, at time.Time) string {
	return fmt.Sprintf("%s_gen%d_%s_%d", jobID, gen, phase, at.UnixMilli())
}

// modelCall captures one upstream call for telemetry. Workers fill it as the
// call progresses and flush it exactly once, win or lose.
type modelCall struct {
	jobID   string
	gen     int
	phase   domain.Phase
	attempt int
	model   string
	prompt  string
	started time.Time

	raw         string
	parsed      string
	usage       domain.ChatUsage
	parserSteps int
	success     bool
	errMsg      string
}

func startModelCall(jobID string, gen int, phase domain.Phase, model, prompt string) *modelCall {
	return &modelCall{
		jobID:   jobID,
		gen:     gen,
		phase:   phase,
		model:   model,
		prompt:  prompt,
		started: time.Now().UTC(),
	}
}

// flush appends the telemetry entry and stores the debug blob. Both writes
// are best-effort: a telemetry fault must never fail the phase.
func (c *modelCall) flush(ctx domain.Context, store domain.JobStore) {
	dur := time.Since(c.started)
	meta := domain.APICallMeta{
		CallID:           newCallID(c.jobID, c.gen, c.phase, c.started),
		Phase:            c.phase,
		Generation:       c.gen,
		Attempt:          c.attempt,
		Model:            c.model,
		PromptTokens:     c.usage.PromptTokens,
		CompletionTokens: c.usage.CompletionTokens,
		TotalTokens:      c.usage.TotalTokens,
		DurationMs:       dur.Milliseconds(),
		TokensEstimated:  c.usage.Estimated,
		ParserSteps:      c.parserSteps,
		Success:          c.success,
		Error:            c.errMsg,
		CreatedAt:        c.started,
	}
	if err := store.AddAPICallTelemetry(ctx, c.jobID, meta); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("api call telemetry write failed",
			"job_id", c.jobID, "call_id", meta.CallID, "error", err)
	}
	if err := store.SaveAPICallDebug(ctx, c.jobID, domain.CallDebug{
		CallID:         meta.CallID,
		Phase:          c.phase,
		Generation:     c.gen,
		Attempt:        c.attempt,
		Prompt:         c.prompt,
		RawResponse:    c.raw,
		ParsedResponse: c.parsed,
		Usage:          c.usage,
		DurationMs:     dur.Milliseconds(),
	}); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("api call debug write failed",
			"job_id", c.jobID, "call_id", meta.CallID, "error", err)
	}
	if c.parserSteps > 0 {
		observability.ObserveParserSteps(c.parserSteps)
	}
}
