// Command server starts the idea evolution HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	ai "github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai/real"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai/stub"
	rediscache "github.com/fairyhunter13/ai-idea-evolver/internal/adapter/cache/redis"
	httpserver "github.com/fairyhunter13/ai-idea-evolver/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-idea-evolver/internal/app"
	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	"github.com/fairyhunter13/ai-idea-evolver/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-idea-evolver/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, AI, and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The schema bootstrap retries so the server survives racing the database
	// container on startup.
	if err := backoff.Retry(func() error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return postgres.Bootstrap(ctx, pool)
	}, backoff.WithContext(bootstrapBackoff(cfg), ctx)); err != nil {
		slog.Error("db bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	producer, err := redpanda.NewProducerWithTopics(cfg.KafkaBrokers, "idea-evolver-server-producer", cfg.TopicOrchestrate, cfg.TopicWorker)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
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

	submitSvc := usecase.NewSubmitService(cfg, jobs, producer)
	querySvc := usecase.NewQueryService(jobs)
	orch := usecase.NewOrchestrator(cfg, jobs, producer)
	worker := usecase.NewPhaseWorker(
		usecase.NewVariator(cfg, jobs, aiClient),
		usecase.NewEnricher(cfg, jobs, aiClient, cache),
		usecase.NewRanker(cfg, jobs),
	)

	dbCheck, redisCheck, queueCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb}, producer)
	srv := httpserver.NewServer(cfg, submitSvc, querySvc, orch, worker, dbCheck, redisCheck, queueCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// buildAIClient selects the provider: the deterministic stub for offline
// runs, otherwise the OpenRouter-compatible client behind the Redis quota
// bucket.
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

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ rdb *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult {
	return r.rdb.Ping(ctx)
}
