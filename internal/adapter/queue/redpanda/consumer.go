package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	obsctx "github.com/fairyhunter13/ai-idea-evolver/internal/observability"
)

// OrchestratorHandler runs one decision pass for a job.
type OrchestratorHandler interface {
	Check(ctx context.Context, task domain.OrchestratorTask) error
}

// PhaseHandler runs one phase worker task.
type PhaseHandler interface {
	HandlePhase(ctx context.Context, task domain.WorkerTask) error
}

// Consumer reads both task topics through one transactional group session
// and fans records out to a bounded worker pool. Orchestrator tasks carry a
// schedule_time header; a task arriving early parks its worker until due,
// which is what turns Kafka into a delayed queue without broker support.
type Consumer struct {
	session  *kgo.GroupTransactSession
	producer *Producer

	orchestrator OrchestratorHandler
	phases       PhaseHandler

	groupID       string
	topics        []string
	maxDeliveries int
	concurrency   int

	jobQueue chan *kgo.Record
	poller   *adaptivePoller
	shutdown chan struct{}

	// mark feeds processed offsets to the group autocommit.
	mark func(...*kgo.Record)
}

// ConsumerConfig collects the knobs the worker binary wires in.
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	TransactionalID  string
	OrchestrateTopic string
	WorkerTopic      string
	Concurrency      int
	MaxDeliveries    int
}

// NewConsumer constructs a Consumer with exactly-once consumption semantics.
// producer is used to requeue failed tasks with an incremented deliveries
// header.
func NewConsumer(cfg ConsumerConfig, producer *Producer, orch OrchestratorHandler, phases PhaseHandler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if cfg.OrchestrateTopic == "" {
		cfg.OrchestrateTopic = TopicOrchestrate
	}
	if cfg.WorkerTopic == "" {
		cfg.WorkerTopic = TopicWorker
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.TransactionalID(cfg.TransactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.OrchestrateTopic, cfg.WorkerTopic),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.RequestTimeoutOverhead(5 * time.Second),
		kgo.RetryTimeout(30 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),

		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.FetchMaxWait(10 * time.Second),
		kgo.FetchMinBytes(512),
		kgo.FetchMaxPartitionBytes(2 * 1024 * 1024),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}
	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda transactional session: %w", err)
	}

	slog.Info("redpanda consumer created",
		slog.String("group_id", cfg.GroupID),
		slog.Any("topics", []string{cfg.OrchestrateTopic, cfg.WorkerTopic}),
		slog.Int("concurrency", cfg.Concurrency))
	return &Consumer{
		session:       session,
		producer:      producer,
		orchestrator:  orch,
		phases:        phases,
		groupID:       cfg.GroupID,
		topics:        []string{cfg.OrchestrateTopic, cfg.WorkerTopic},
		maxDeliveries: cfg.MaxDeliveries,
		concurrency:   cfg.Concurrency,
		jobQueue:      make(chan *kgo.Record, cfg.Concurrency*2),
		poller:        newAdaptivePoller(100 * time.Millisecond),
		shutdown:      make(chan struct{}),
		mark:          session.Client().MarkCommitRecords,
	}, nil
}

// Start runs the fetch loop and worker pool until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting redpanda consumer",
		slog.String("group_id", c.groupID),
		slog.Int("workers", c.concurrency))
	for i := 0; i < c.concurrency; i++ {
		go c.worker(ctx, i)
	}
	go c.fetchLoop(ctx)

	<-ctx.Done()
	close(c.shutdown)
	return ctx.Err()
}

func (c *Consumer) fetchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				slog.Error("fetch error",
					slog.String("topic", err.Topic),
					slog.Int("partition", int(err.Partition)),
					slog.Any("error", err.Err))
			}
			c.poller.RecordFailure()
			sleepCtx(ctx, c.poller.NextInterval())
			continue
		}
		if fetches.NumRecords() == 0 {
			c.poller.RecordEmpty()
			sleepCtx(ctx, c.poller.NextInterval())
			continue
		}
		c.poller.RecordRecords()
		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.jobQueue <- record:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record := <-c.jobQueue:
			if record == nil {
				return
			}
			c.handleRecord(ctx, record, workerID)
		}
	}
}

// handleRecord processes one record and marks its offset in both outcomes:
// a failed record was either requeued as a new record or dropped at the
// delivery cap, so the original offset must advance either way. Without the
// mark, AutoCommitMarks never commits and every rebalance replays the topic
// from the last committed offset.
func (c *Consumer) handleRecord(ctx context.Context, record *kgo.Record, workerID int) {
	if err := c.processRecord(ctx, record); err != nil {
		slog.Error("task processing failed",
			slog.Int("worker_id", workerID),
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		c.requeue(ctx, record)
	}
	if c.mark != nil {
		c.mark(record)
	}
}

// processRecord dispatches one record by topic. The schedule gate runs
// before dispatch so delayed orchestrator checks do not fire early.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v\n%s", rec, debug.Stack())
		}
	}()

	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessTask")
	defer span.End()

	if due := parseScheduleTime(header(record, headerScheduleTime)); !due.IsZero() {
		if wait := time.Until(due); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
		}
	}

	jobID := header(record, headerJobID)
	if jobID == "" {
		jobID = string(record.Key)
	}
	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("job_id", jobID),
		slog.String("topic", record.Topic))
	ctx = obsctx.ContextWithLogger(ctx, lg)

	switch record.Topic {
	case c.topics[0]:
		var task domain.OrchestratorTask
		if err := json.Unmarshal(record.Value, &task); err != nil {
			return fmt.Errorf("unmarshal orchestrator task: %w", err)
		}
		observability.ConsumeTask("orchestrate")
		return c.orchestrator.Check(ctx, task)
	case c.topics[1]:
		var task domain.WorkerTask
		if err := json.Unmarshal(record.Value, &task); err != nil {
			return fmt.Errorf("unmarshal worker task: %w", err)
		}
		observability.ConsumeTask(string(task.Type))
		return c.phases.HandlePhase(ctx, task)
	default:
		return fmt.Errorf("record from unexpected topic %q", record.Topic)
	}
}

// requeue re-publishes a failed record with deliveries+1, dropping it once
// the cap is reached. Worker phase errors are already persisted by the
// handler, so the orchestrator recovers dropped tasks through its timeout
// path.
func (c *Consumer) requeue(ctx context.Context, record *kgo.Record) {
	deliveries := 1
	if v := header(record, headerDeliveries); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			deliveries = n
		}
	}
	if deliveries >= c.maxDeliveries {
		slog.Error("task exhausted deliveries, dropping",
			slog.String("topic", record.Topic),
			slog.String("job_id", header(record, headerJobID)),
			slog.Int("deliveries", deliveries))
		observability.DropTask(record.Topic)
		return
	}

	retry := &kgo.Record{
		Topic: record.Topic,
		Key:   record.Key,
		Value: record.Value,
	}
	for _, h := range record.Headers {
		if h.Key == headerDeliveries {
			continue
		}
		retry.Headers = append(retry.Headers, h)
	}
	retry.Headers = append(retry.Headers, kgo.RecordHeader{
		Key: headerDeliveries, Value: []byte(strconv.Itoa(deliveries + 1)),
	})
	if err := c.producer.produce(ctx, retry); err != nil {
		slog.Error("requeue failed",
			slog.String("topic", record.Topic),
			slog.String("job_id", header(record, headerJobID)),
			slog.Any("error", err))
	}
}

// Close closes the consumer session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	return nil
}

func header(record *kgo.Record, key string) string {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// sleepCtx waits d or until ctx is done; reports whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
