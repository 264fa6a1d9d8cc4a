// Command worker consumes orchestrator checks and phase tasks from the
// Redpanda queue and runs the evolution pipeline against the LLM provider.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	ai "github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai/real"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai/stub"
	rediscache "github.com/fairyhunter13/ai-idea-evolver/internal/adapter/cache/redis"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-idea-evolver/internal/app"
	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	"github.com/fairyhunter13/ai-idea-evolver/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-idea-evolver/internal/usecase"
)

// checkAdapter narrows the orchestrator to the consumer's handler interface;
// the decision itself only matters to the inline HTTP endpoint.
type checkAdapter struct{ orch usecase.Orchestrator }

func (a checkAdapter) Check(ctx context.Context, t domain.OrchestratorTask) error {
	_, err := a.orch.Check(ctx, t)
	return err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose worker metrics on a dedicated endpoint so Prometheus can scrape
	// queue and phase instrumentation.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(bootstrapBackoff(cfg), ctx)); err != nil {
		slog.Error("database unreachable", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	// Distinct transactional ID from the server's producer so the two
	// processes never fence each other.
	producer, err := redpanda.NewProducerWithTopics(cfg.KafkaBrokers, "idea-evolver-worker-producer", cfg.TopicOrchestrate, cfg.TopicWorker)
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	aiClient, err := buildAIClient(ctx, cfg, rdb, pool)
	if err != nil {
		slog.Error("ai client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobs := postgres.NewJobRepo(pool)
	cache := rediscache.New(rdb)

	orch := usecase.NewOrchestrator(cfg, jobs, producer)
	phases := usecase.NewPhaseWorker(
		usecase.NewVariator(cfg, jobs, aiClient),
		usecase.NewEnricher(cfg, jobs, aiClient, cache),
		usecase.NewRanker(cfg, jobs),
	)

	consumer, err := redpanda.NewConsumer(redpanda.ConsumerConfig{
		Brokers:          cfg.KafkaBrokers,
		GroupID:          cfg.ConsumerGroup,
		TransactionalID:  "idea-evolver-consumer",
		OrchestrateTopic: cfg.TopicOrchestrate,
		WorkerTopic:      cfg.TopicWorker,
		Concurrency:      cfg.ConsumerMaxConcurrency,
		MaxDeliveries:    cfg.TaskMaxDeliveries,
	}, producer, checkAdapter{orch: orch}, phases)
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
	}

	if sweeper := app.NewStuckJobSweeper(jobs, producer, cfg.LostCheckAge, cfg.JobWallClockLimit, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	slog.Info("starting redpanda consumer")
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("consumer error", slog.Any("error", err))
		}
	}()

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
}

func buildAIClient(ctx context.Context, cfg config.Config, rdb *redis.Client, pool *pgxpool.Pool) (domain.AIClient, error) {
	if cfg.StubAI() {
		slog.Info("using stub AI client")
		return stub.New(), nil
	}
	catalog, err := ai.LoadCatalog(cfg.ModelCatalogPath)
	if err != nil {
		return nil, err
	}
	quota := ratelimiter.NewRedisLuaLimiter(rdb, pool, ratelimiter.BucketConfig{
		Capacity:   cfg.QuotaCapacity,
		RefillRate: cfg.QuotaRefillPerSec,
	})
	if err := quota.WarmFromPostgres(ctx); err != nil {
		slog.Warn("quota warm-up failed", slog.Any("error", err))
	}
	return real.New(cfg, catalog, quota), nil
}

func bootstrapBackoff(cfg config.Config) backoff.BackOff {
	maxElapsed, initial, maxInterval := cfg.GetBootstrapBackoff()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = maxElapsed
	return bo
}
