package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
)

// InlineDispatcher runs each job on its own goroutine in the calling process.
type InlineDispatcher struct {
	runner ports.GenerationRunner
	logger *zap.Logger
}

func NewInlineDispatcher(runner ports.GenerationRunner, logger *zap.Logger) *InlineDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InlineDispatcher{runner: runner, logger: logger}
}

// Dispatch returns as soon as the job is started. The job outlives the
// request context.
func (d *InlineDispatcher) Dispatch(ctx context.Context, job domain.GenerationJob) error {
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := d.runner.Run(runCtx, job); err != nil && !errors.Is(err, domain.ErrTaskStopped) {
			d.logger.Warn("inline_task_failed", zap.String("task_id", job.TaskID), zap.Error(err))
		}
	}()
	return nil
}

// QueueDispatcher hands jobs to workers through the task queue.
type QueueDispatcher struct {
	queue ports.TaskQueue
}

func NewQueueDispatcher(queue ports.TaskQueue) *QueueDispatcher {
	return &QueueDispatcher{queue: queue}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job domain.GenerationJob) error {
	if err := d.queue.PublishTask(ctx, job); err != nil {
		return domain.WrapError(domain.ErrTemporary, "dispatch task", err)
	}
	return nil
}
