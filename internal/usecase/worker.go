package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

// PhaseWorker dispatches queued worker tasks to the phase implementations.
// It satisfies the queue consumer's phase handler contract.
type PhaseWorker struct {
	Variator Variator
	Enricher Enricher
	Ranker   Ranker
}

// NewPhaseWorker constructs a PhaseWorker.
func NewPhaseWorker(v Variator, e Enricher, r Ranker) PhaseWorker {
	return PhaseWorker{Variator: v, Enricher: e, Ranker: r}
}

// HandlePhase routes one task by its phase type.
func (w PhaseWorker) HandlePhase(ctx domain.Context, t domain.WorkerTask) error {
	if t.JobID == "" || t.Generation < 1 {
		return fmt.Errorf("%w: malformed worker task %+v", domain.ErrInvalidArgument, t)
	}
	switch t.Type {
	case domain.PhaseVariator:
		return w.Variator.Run(ctx, t)
	case domain.PhaseEnricher:
		return w.Enricher.Run(ctx, t)
	case domain.PhaseRanker:
		return w.Ranker.Run(ctx, t)
	}
	return fmt.Errorf("%w: unknown phase %q", domain.ErrInvalidArgument, t.Type)
}
