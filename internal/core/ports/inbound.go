package ports

import (
	"context"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

// GenerationRunner runs one generation job end to end.
type GenerationRunner interface {
	Run(ctx context.Context, job domain.GenerationJob) error
}

// TaskDispatcher hands a job to whatever executes it (queue or goroutine).
type TaskDispatcher interface {
	Dispatch(ctx context.Context, job domain.GenerationJob) error
}

// TaskControl is the out-of-band side of the channel protocol.
type TaskControl interface {
	RequestStop(ctx context.Context, principal domain.Principal, taskID string) error
	Ping(ctx context.Context, principal domain.Principal, taskID string) error
	PublishError(ctx context.Context, principal domain.Principal, taskID string, cause error) error
	ChannelName(principal domain.Principal, taskID string) (string, error)
}
