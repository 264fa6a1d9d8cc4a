package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

// StuckJobSweeper re-covers processing jobs whose orchestrator check chain
// was lost (crashed worker, dropped record). Jobs that merely stalled get a
// fresh check; jobs past the wall-clock limit are failed.
type StuckJobSweeper struct {
	jobs           domain.JobStore
	queue          domain.TaskQueue
	lostCheckAge   time.Duration
	wallClockLimit time.Duration
	interval       time.Duration
}

// NewStuckJobSweeper constructs a sweeper. Nil stores make it a no-op.
func NewStuckJobSweeper(jobs domain.JobStore, queue domain.TaskQueue, lostCheckAge, wallClockLimit, interval time.Duration) *StuckJobSweeper {
	if jobs == nil || queue == nil {
		return nil
	}
	if lostCheckAge <= 0 {
		lostCheckAge = 2 * time.Minute
	}
	if wallClockLimit <= 0 {
		wallClockLimit = 14 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		jobs:           jobs,
		queue:          queue,
		lostCheckAge:   lostCheckAge,
		wallClockLimit: wallClockLimit,
		interval:       interval,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce pages through processing jobs and re-covers or fails the stale
// ones. Exported so operators can trigger a sweep on demand.
func (s *StuckJobSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.SweepOnce")
	defer span.End()

	now := time.Now().UTC()
	lostCutoff := now.Add(-s.lostCheckAge)
	deadCutoff := now.Add(-s.wallClockLimit)
	const pageSize = 100

	totalChecked := 0
	totalRequeued := 0
	totalFailed := 0

	for offset := 0; ; {
		jobs, err := s.jobs.ListByStatus(ctx, domain.JobProcessing, offset, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		totalChecked += len(jobs)
		if len(jobs) == 0 {
			break
		}

		failedThisPage := 0
		for _, j := range jobs {
			switch {
			case j.CreatedAt.Before(deadCutoff):
				msg := fmt.Sprintf("job exceeded wall clock limit %v", s.wallClockLimit)
				if err := s.jobs.UpdateJobStatus(ctx, j.ID, domain.JobFailed, &msg); err != nil {
					slog.Error("stuck job sweep failed to fail job",
						slog.String("job_id", j.ID), slog.Any("error", err))
					continue
				}
				totalFailed++
				failedThisPage++
			case j.UpdatedAt.Before(lostCutoff):
				// Attempt zero restarts the check backoff from its base delay.
				if err := s.queue.EnqueueOrchestratorCheck(ctx, domain.OrchestratorTask{JobID: j.ID}); err != nil {
					slog.Error("stuck job sweep failed to re-enqueue check",
						slog.String("job_id", j.ID), slog.Any("error", err))
					continue
				}
				slog.Warn("re-enqueued orchestrator check for stalled job",
					slog.String("job_id", j.ID), slog.Time("updated_at", j.UpdatedAt))
				totalRequeued++
			}
		}

		if len(jobs) < pageSize {
			break
		}
		// Failed jobs left the processing set, shifting later rows toward the
		// front of the listing; advance only past the rows still in the set.
		offset += len(jobs) - failedThisPage
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_requeued", totalRequeued),
		attribute.Int("jobs.total_failed", totalFailed),
	)
}
