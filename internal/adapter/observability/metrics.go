package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and phase",
		},
		[]string{"provider", "phase"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "phase"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued by kind",
		},
		[]string{"kind"},
	)
	TasksConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_consumed_total",
			Help: "Total number of tasks consumed by kind",
		},
		[]string{"kind"},
	)
	TasksDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_dropped_total",
			Help: "Total number of tasks dropped after exhausting deliveries",
		},
		[]string{"topic"},
	)

	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of evolution jobs currently processing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of evolution jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of evolution jobs failed",
		},
	)

	PhasesCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phases_completed_total",
			Help: "Total number of phase tasks completed by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)
	GenerationsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "generations_completed_total",
			Help: "Total number of generations completed across all jobs",
		},
	)

	// Search outcome distributions.
	TopScoreHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evolution_generation_top_score",
			Help:    "Distribution of per-generation top scores",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	ParserStepHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llm_parser_steps",
			Help:    "Distribution of tolerant-parser steps needed per LLM response",
			Buckets: []float64{1, 2, 3, 4},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksConsumedTotal)
	prometheus.MustRegister(TasksDroppedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(PhasesCompletedTotal)
	prometheus.MustRegister(GenerationsCompletedTotal)
	prometheus.MustRegister(TopScoreHistogram)
	prometheus.MustRegister(ParserStepHistogram)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueTask(kind string) {
	TasksEnqueuedTotal.WithLabelValues(kind).Inc()
}

func ConsumeTask(kind string) {
	TasksConsumedTotal.WithLabelValues(kind).Inc()
}

func DropTask(topic string) {
	TasksDroppedTotal.WithLabelValues(topic).Inc()
}

func StartProcessingJob() {
	JobsProcessing.Inc()
}

func CompleteJob() {
	JobsProcessing.Dec()
	JobsCompletedTotal.Inc()
}

func FailJob() {
	JobsProcessing.Dec()
	JobsFailedTotal.Inc()
}

// ObservePhase records one finished phase task.
func ObservePhase(phase, outcome string) {
	PhasesCompletedTotal.WithLabelValues(phase, outcome).Inc()
}

// ObserveGeneration records a completed generation's top score.
func ObserveGeneration(topScore float64) {
	GenerationsCompletedTotal.Inc()
	if topScore > 0 {
		TopScoreHistogram.Observe(topScore)
	}
}

// ObserveParserSteps records how hard the tolerant parser had to work.
func ObserveParserSteps(steps int) {
	if steps >= 1 {
		ParserStepHistogram.Observe(float64(steps))
	}
}
