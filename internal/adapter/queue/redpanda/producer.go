// Package redpanda carries the two task streams of the evolution pipeline:
// orchestrator checks and phase worker tasks. Publishing is transactional so
// a task is either fully visible or not at all, and consumption runs through
// a group transact session with read-committed isolation.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

const (
	// TopicOrchestrate carries orchestrator check tasks.
	TopicOrchestrate = "idea.orchestrate"
	// TopicWorker carries phase worker tasks.
	TopicWorker = "idea.work"

	headerJobID        = "job_id"
	headerTaskID       = "task_id"
	headerPhase        = "phase"
	headerGeneration   = "generation"
	headerCheckAttempt = "check_attempt"
	headerScheduleTime = "schedule_time"
	headerDeliveries   = "deliveries"
)

// Producer implements domain.TaskQueue on a transactional kgo client.
type Producer struct {
	client          *kgo.Client
	orchestrate     string
	work            string
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics and ensures
// both topics exist.
func NewProducer(brokers []string, transactionalID string) (*Producer, error) {
	return NewProducerWithTopics(brokers, transactionalID, TopicOrchestrate, TopicWorker)
}

// NewProducerWithTopics lets tests run against isolated topics.
func NewProducerWithTopics(brokers []string, transactionalID, orchestrate, work string) (*Producer, error) {
	slog.Info("creating redpanda producer",
		slog.Any("brokers", brokers),
		slog.String("transactional_id", transactionalID))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx := context.Background()
	for _, topic := range []string{orchestrate, work} {
		if err := createTopicIfNotExists(ctx, client, topic, 8, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}

	return &Producer{
		client:          client,
		orchestrate:     orchestrate,
		work:            work,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// EnqueueOrchestratorCheck schedules a decision pass. ScheduleTime travels in
// a header; the consumer gates delivery on it.
func (p *Producer) EnqueueOrchestratorCheck(ctx domain.Context, t domain.OrchestratorTask) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal orchestrator task: %w", err)
	}
	record := &kgo.Record{
		Topic: p.orchestrate,
		Key:   []byte(t.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerJobID, Value: []byte(t.JobID)},
			{Key: headerCheckAttempt, Value: []byte(strconv.Itoa(t.CheckAttempt))},
			{Key: headerScheduleTime, Value: []byte(formatScheduleTime(t.ScheduleTime))},
			{Key: headerDeliveries, Value: []byte("1")},
		},
	}
	if err := p.produce(ctx, record); err != nil {
		return err
	}
	observability.EnqueueTask("orchestrate")
	slog.Info("orchestrator check enqueued",
		slog.String("job_id", t.JobID),
		slog.Int("check_attempt", t.CheckAttempt),
		slog.Time("schedule_time", t.ScheduleTime))
	return nil
}

// EnqueueWorkerTask dispatches one phase of one generation. The task id
// header is the idempotency token consumers and stores key on.
func (p *Producer) EnqueueWorkerTask(ctx domain.Context, t domain.WorkerTask) error {
	if !domain.ValidPhase(t.Type) {
		return fmt.Errorf("invalid phase %q: %w", t.Type, domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal worker task: %w", err)
	}
	record := &kgo.Record{
		Topic: p.work,
		Key:   []byte(t.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerJobID, Value: []byte(t.JobID)},
			{Key: headerTaskID, Value: []byte(t.TaskID())},
			{Key: headerPhase, Value: []byte(t.Type)},
			{Key: headerGeneration, Value: []byte(strconv.Itoa(t.Generation))},
			{Key: headerDeliveries, Value: []byte("1")},
		},
	}
	if err := p.produce(ctx, record); err != nil {
		return err
	}
	observability.EnqueueTask(string(t.Type))
	slog.Info("worker task enqueued",
		slog.String("job_id", t.JobID),
		slog.String("task_id", t.TaskID()))
	return nil
}

// produce publishes one record inside its own transaction. Transactions are
// serialized through a channel because a kgo client holds at most one open
// transaction.
func (p *Producer) produce(ctx domain.Context, record *kgo.Record) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping verifies broker connectivity, used by readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

func formatScheduleTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseScheduleTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
