package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	"github.com/fairyhunter13/ai-idea-evolver/internal/usecase"
	"github.com/fairyhunter13/ai-idea-evolver/pkg/textx"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg          config.Config
	Submit       usecase.SubmitService
	Queries      usecase.QueryService
	Orchestrator usecase.Orchestrator
	Worker       usecase.PhaseWorker
	DBCheck      func(ctx context.Context) error
	RedisCheck   func(ctx context.Context) error
	QueueCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, queries usecase.QueryService, orch usecase.Orchestrator, worker usecase.PhaseWorker, dbCheck, redisCheck, queueCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submit: submit, Queries: queries, Orchestrator: orch, Worker: worker, DBCheck: dbCheck, RedisCheck: redisCheck, QueueCheck: queueCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// submitPayload is the wire DTO for job submission. Evolution knobs are
// pointers so an omitted field and an explicit zero stay distinguishable;
// offspringRatio in particular means all-wildcards at zero.
type submitPayload struct {
	ProblemContext string             `json:"problemContext" validate:"required,min=10,max=5000"`
	Preferences    domain.Preferences `json:"preferences"`
	Evolution      *evolutionPayload  `json:"evolutionConfig"`
}

type evolutionPayload struct {
	Generations           *int     `json:"generations" validate:"omitempty,min=1"`
	PopulationSize        *int     `json:"populationSize" validate:"omitempty,min=1"`
	TopSelectCount        *int     `json:"topSelectCount" validate:"omitempty,min=1"`
	OffspringRatio        *float64 `json:"offspringRatio" validate:"omitempty,min=0,max=1"`
	DiversificationFactor *float64 `json:"diversificationFactor" validate:"omitempty,gt=0"`
	Model                 *string  `json:"model"`
	EnrichMode            *string  `json:"enrichMode" validate:"omitempty,oneof=batch per_idea"`
	ReenrichCarried       *bool    `json:"reenrichCarried"`
}

// toConfig maps the DTO onto the domain config. Unset integer and string
// knobs stay zero so the submit service fills them from configuration; the
// ratio default is applied here because zero is a meaningful value.
func (p *evolutionPayload) toConfig(defaultRatio float64) domain.EvolutionConfig {
	c := domain.EvolutionConfig{OffspringRatio: defaultRatio}
	if p == nil {
		return c
	}
	if p.Generations != nil {
		c.Generations = *p.Generations
	}
	if p.PopulationSize != nil {
		c.PopulationSize = *p.PopulationSize
	}
	if p.TopSelectCount != nil {
		c.TopSelectCount = *p.TopSelectCount
	}
	if p.OffspringRatio != nil {
		c.OffspringRatio = *p.OffspringRatio
	}
	if p.DiversificationFactor != nil {
		c.DiversificationFactor = *p.DiversificationFactor
	}
	if p.Model != nil {
		c.Model = *p.Model
	}
	if p.EnrichMode != nil {
		c.EnrichMode = domain.EnrichMode(*p.EnrichMode)
	}
	if p.ReenrichCarried != nil {
		c.ReenrichCarried = *p.ReenrichCarried
	}
	return c
}

// SubmitHandler creates a job and schedules its first orchestrator check.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
		var req submitPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		job, err := s.Submit.Submit(r.Context(), usecase.SubmitRequest{
			ProblemContext:  textx.SanitizeText(req.ProblemContext),
			Preferences:     req.Preferences,
			EvolutionConfig: req.Evolution.toConfig(s.Cfg.DefaultOffspringRatio),
			IdempotencyKey:  r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"jobId": job.ID, "status": string(job.Status)})
	}
}

// JobHandler returns the full job document.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		if vr := ValidateJobID(id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		job, err := s.Queries.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// ResultsHandler returns the final projection once the job is terminal.
func (s *Server) ResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		if vr := ValidateJobID(id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		view, err := s.Queries.Results(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// OrchestrateHandler runs one orchestration pass inline. It exists for
// operational poking and for environments without the queue consumer.
func (s *Server) OrchestrateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
		var req struct {
			JobID        string `json:"jobId" validate:"required"`
			CheckAttempt int    `json:"checkAttempt" validate:"min=0"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), nil)
			return
		}
		d, err := s.Orchestrator.Check(r.Context(), domain.OrchestratorTask{
			JobID:        req.JobID,
			CheckAttempt: req.CheckAttempt,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"action": string(d.Kind)})
	}
}

// WorkerHandler runs one phase task inline. Replays are no-ops and still 200.
func (s *Server) WorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
		var req struct {
			JobID      string `json:"jobId" validate:"required"`
			Type       string `json:"type" validate:"required,oneof=variator enricher ranker"`
			Generation int    `json:"generation" validate:"min=1"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), nil)
			return
		}
		task := domain.WorkerTask{JobID: req.JobID, Type: domain.Phase(req.Type), Generation: req.Generation}
		if err := s.Worker.HandlePhase(r.Context(), task); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"taskId": task.TaskID(), "status": "done"})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes Postgres, Redis and the queue.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"queue", s.QueueCheck},
		}
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			c := check{Name: p.name, OK: true}
			if err := p.fn(ctx); err != nil {
				c.OK, c.Details = false, err.Error()
				ok = false
			}
			checks = append(checks, c)
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
