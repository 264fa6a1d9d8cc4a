package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

// QueryService serves job status and result projections for the HTTP layer.
type QueryService struct {
	Jobs domain.JobStore
}

// NewQueryService constructs a QueryService.
func NewQueryService(jobs domain.JobStore) QueryService {
	return QueryService{Jobs: jobs}
}

// ResultsView is the completed-job projection returned by the results
// endpoint. Failed jobs carry Error instead of solutions.
type ResultsView struct {
	JobID             string                     `json:"jobId"`
	Status            domain.JobStatus           `json:"status"`
	TopSolutions      []domain.Solution          `json:"topSolutions,omitempty"`
	AllSolutions      []domain.Solution          `json:"allSolutions,omitempty"`
	GenerationHistory []domain.GenerationSummary `json:"generationHistory,omitempty"`
	Error             string                     `json:"error,omitempty"`
}

// Get returns the full job document.
func (s QueryService) Get(ctx domain.Context, id string) (*domain.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}
	return s.Jobs.GetJob(ctx, id)
}

// Results returns the final projection. Until the job reaches a terminal
// status the call fails with ErrConflict so clients keep polling.
func (s QueryService) Results(ctx domain.Context, id string) (ResultsView, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return ResultsView{}, err
	}
	switch job.Status {
	case domain.JobCompleted:
		return ResultsView{
			JobID:             job.ID,
			Status:            job.Status,
			TopSolutions:      job.TopSolutions,
			AllSolutions:      job.AllSolutions,
			GenerationHistory: job.GenerationHistory,
		}, nil
	case domain.JobFailed:
		return ResultsView{JobID: job.ID, Status: job.Status, Error: job.Error}, nil
	default:
		return ResultsView{}, fmt.Errorf("%w: job %s is %s", domain.ErrConflict, job.ID, job.Status)
	}
}
