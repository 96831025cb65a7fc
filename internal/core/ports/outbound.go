package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

// Publisher broadcasts a payload on a named channel. Publishing to a channel
// without subscribers succeeds silently.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscription delivers payloads published after it was opened.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// FlagStore is the shared key-value store holding expiring flags.
type FlagStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
}

// ModelClient is the language-model collaborator bound to one provider/model.
type ModelClient interface {
	Provider() string
	Name() string
	// Generate runs the prompt and calls onText for every streamed fragment.
	// An error returned by onText aborts generation and is returned as is.
	Generate(ctx context.Context, messages []domain.PromptMessage, stop []string, onText func(string) error) (domain.LLMResult, error)
	TokenCount(ctx context.Context, messages []domain.PromptMessage) (int, error)
	UnitPrice(role domain.MessageRole) decimal.Decimal
	Currency() string
}

// ModelProvider resolves model clients by provider and model name.
type ModelProvider interface {
	Model(ctx context.Context, spec domain.ModelSpec, streaming bool) (ModelClient, error)
}

// AuditStore persists the durable record of a task. Every call commits on its
// own.
type AuditStore interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	CreateMessage(ctx context.Context, msg *domain.Message) error
	FinalizeMessage(ctx context.Context, id string, patch domain.MessageFinalization) error
	CreateChain(ctx context.Context, chain *domain.MessageChain) error
	CompleteChain(ctx context.Context, id, output string) error
	CreateAgentThought(ctx context.Context, thought *domain.AgentThought) error
	CompleteAgentThought(ctx context.Context, id string, patch domain.AgentThoughtCompletion) error
	CreateDatasetQuery(ctx context.Context, query *domain.DatasetQuery) error
}

// MessageCreatedHook is fired once per finalized message.
type MessageCreatedHook interface {
	MessageCreated(ctx context.Context, event domain.MessageCreated) error
}

// TemplateRenderer substitutes {{name}} placeholders from inputs.
type TemplateRenderer interface {
	Render(template string, inputs map[string]any) (string, error)
}

// AppCatalog resolves an app and its active model configuration.
type AppCatalog interface {
	GetApp(ctx context.Context, appID string) (*domain.App, *domain.AppModelConfig, error)
}

// DatasetSearcher looks up passages in a named dataset.
type DatasetSearcher interface {
	SearchDataset(ctx context.Context, datasetID, query string, limit int) ([]domain.DatasetHit, error)
}

// TaskQueue carries generation jobs from the API to workers.
type TaskQueue interface {
	PublishTask(ctx context.Context, job domain.GenerationJob) error
	SubscribeTasks(ctx context.Context, handler func(context.Context, domain.GenerationJob) error) error
}

// TaskMetrics observes task lifecycle; implementations must be safe for
// concurrent use.
type TaskMetrics interface {
	TaskStarted()
	TaskFinished(status string, duration time.Duration)
	EventPublished(kind domain.EventKind)
	StopRequested()
	Billed(currency string, model string, promptTokens, completionTokens int, total decimal.Decimal)
}
