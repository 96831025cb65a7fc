package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/resilience"
)

const (
	workerQueueGroup   = "generation-workers"
	defaultConcurrency = 8
)

// TaskQueue hands generation jobs to exactly one worker of the queue group.
type TaskQueue struct {
	conn        *nats.Conn
	subject     string
	concurrency int
	executor    *resilience.Executor
	logger      *zap.Logger
}

// NewTaskQueue builds a queue whose subscribers run up to concurrency jobs
// at once. concurrency <= 0 falls back to 8.
func NewTaskQueue(conn *nats.Conn, subject string, concurrency int, executor *resilience.Executor, logger *zap.Logger) *TaskQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &TaskQueue{
		conn:        conn,
		subject:     subject,
		concurrency: concurrency,
		executor:    executor,
		logger:      logger,
	}
}

func (q *TaskQueue) PublishTask(ctx context.Context, job domain.GenerationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal generation job: %w", err)
	}
	return publish(ctx, q.conn, q.executor, "nats.task_publish", q.subject, payload)
}

// SubscribeTasks runs every delivered job on its own goroutine and blocks
// until ctx is done. It then drains the subscription and waits for started
// jobs before returning.
func (q *TaskQueue) SubscribeTasks(ctx context.Context, handler func(context.Context, domain.GenerationJob) error) error {
	runner := newJobRunner(q.concurrency, handler, q.logger)

	sub, err := q.conn.QueueSubscribe(q.subject, workerQueueGroup, func(msg *nats.Msg) {
		var job domain.GenerationJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.logger.Error("generation_job_decode_failed", zap.Error(err), zap.Int("bytes", len(msg.Data)))
			return
		}
		// Blocks while all slots are busy, so undelivered jobs stay in the
		// subscription's pending buffer.
		runner.start(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	drainErr := sub.Drain()
	runner.close()
	runner.wait()
	if drainErr != nil {
		return fmt.Errorf("nats drain subscription: %w", drainErr)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// jobRunner starts jobs on their own goroutines, at most cap(slots) at a
// time. After close it refuses new jobs; wait returns once started ones end.
type jobRunner struct {
	slots   chan struct{}
	handler func(context.Context, domain.GenerationJob) error
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newJobRunner(limit int, handler func(context.Context, domain.GenerationJob) error, logger *zap.Logger) *jobRunner {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &jobRunner{
		slots:   make(chan struct{}, limit),
		handler: handler,
		logger:  logger,
	}
}

// start reports whether the job was started. It waits for a free slot
// unless ctx ends first.
func (r *jobRunner) start(ctx context.Context, job domain.GenerationJob) bool {
	if ctx.Err() != nil {
		r.skip(job, "shutdown")
		return false
	}
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		r.skip(job, "shutdown")
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.slots
		r.skip(job, "closed")
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := r.handler(handlerCtx, job); err != nil {
			r.logger.Error("generation_job_failed", zap.String("task_id", job.TaskID), zap.Error(err))
		}
	}()
	return true
}

func (r *jobRunner) skip(job domain.GenerationJob, reason string) {
	r.logger.Warn("generation_job_skipped", zap.String("task_id", job.TaskID), zap.String("reason", reason))
}

func (r *jobRunner) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *jobRunner) wait() {
	r.wg.Wait()
}

// MessageCreatedNotifier announces finalized messages on a subject for
// downstream consumers (analytics, conversation naming).
type MessageCreatedNotifier struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
}

func NewMessageCreatedNotifier(conn *nats.Conn, subject string, executor *resilience.Executor) *MessageCreatedNotifier {
	return &MessageCreatedNotifier{conn: conn, subject: subject, executor: executor}
}

func (n *MessageCreatedNotifier) MessageCreated(ctx context.Context, event domain.MessageCreated) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal message created: %w", err)
	}
	return publish(ctx, n.conn, n.executor, "nats.message_created", n.subject, payload)
}

func publish(ctx context.Context, conn *nats.Conn, executor *resilience.Executor, operation, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if executor != nil {
		err = executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}
