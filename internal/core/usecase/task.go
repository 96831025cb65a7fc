package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
)

// TaskFactory builds Task orchestrators sharing one set of collaborators.
type TaskFactory struct {
	audit     *AuditRecorder
	publisher ports.Publisher
	flags     ports.FlagStore
	hook      ports.MessageCreatedHook
	renderer  ports.TemplateRenderer
	metrics   ports.TaskMetrics
	logger    *zap.Logger
	options   StreamOptions
}

type TaskFactoryDeps struct {
	Store     ports.AuditStore
	Publisher ports.Publisher
	Flags     ports.FlagStore
	Hook      ports.MessageCreatedHook
	Renderer  ports.TemplateRenderer
	Metrics   ports.TaskMetrics
	Logger    *zap.Logger
	Options   StreamOptions
}

func NewTaskFactory(deps TaskFactoryDeps) *TaskFactory {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskFactory{
		audit:     NewAuditRecorder(deps.Store),
		publisher: deps.Publisher,
		flags:     deps.Flags,
		hook:      deps.Hook,
		renderer:  deps.Renderer,
		metrics:   deps.Metrics,
		logger:    logger,
		options:   deps.Options,
	}
}

// TaskParams is everything a task needs at construction. Conversation is nil
// when the task starts a new dialogue.
type TaskParams struct {
	TaskID       string
	App          domain.App
	ModelConfig  domain.AppModelConfig
	Principal    domain.Principal
	Inputs       map[string]any
	Query        string
	Streaming    bool
	Model        ports.ModelClient
	Conversation *domain.Conversation
	IsOverride   bool
}

// Task owns one generation request from creation to its terminal event. Its
// methods are called sequentially by a single generation loop.
type Task struct {
	id        string
	app       domain.App
	config    domain.AppModelConfig
	principal domain.Principal
	inputs    map[string]any
	query     string
	streaming bool
	model     ports.ModelClient

	conversation    *domain.Conversation
	message         *domain.Message
	newConversation bool

	audit   *AuditRecorder
	stream  *TaskStream
	hook    ports.MessageCreatedHook
	metrics ports.TaskMetrics
	logger  *zap.Logger

	streamed  strings.Builder
	finalized bool
}

func (f *TaskFactory) NewTask(ctx context.Context, params TaskParams) (*Task, error) {
	if strings.TrimSpace(params.TaskID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "new task", errors.New("task id is required"))
	}
	if params.Model == nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "new task", errors.New("model client is required"))
	}
	if err := params.ModelConfig.Validate(); err != nil {
		return nil, err
	}

	stream, err := NewTaskStream(f.publisher, f.flags, f.metrics, f.logger, params.Principal, params.TaskID, f.options)
	if err != nil {
		return nil, err
	}

	var overrideConfigs *string
	if params.IsOverride {
		raw, err := json.Marshal(params.ModelConfig.OverrideSnapshot())
		if err != nil {
			return nil, domain.WrapError(domain.ErrConfiguration, "serialize override config", err)
		}
		s := string(raw)
		overrideConfigs = &s
	}

	task := &Task{
		id:        params.TaskID,
		app:       params.App,
		config:    params.ModelConfig,
		principal: params.Principal,
		inputs:    params.Inputs,
		query:     params.Query,
		streaming: params.Streaming,
		model:     params.Model,
		audit:     f.audit,
		stream:    stream,
		hook:      f.hook,
		metrics:   f.metrics,
	}

	conv := params.Conversation
	if conv == nil {
		conv, err = f.createConversation(ctx, params, overrideConfigs)
		if err != nil {
			return nil, err
		}
		task.newConversation = true
	}
	task.conversation = conv

	msg, err := f.audit.CreateMessage(ctx, messageDraft{
		conversation:    conv,
		config:          params.ModelConfig,
		principal:       params.Principal,
		inputs:          params.Inputs,
		query:           params.Query,
		overrideConfigs: overrideConfigs,
		currency:        params.Model.Currency(),
	})
	if err != nil {
		return nil, err
	}
	task.message = msg
	task.logger = f.logger.With(
		zap.String("task_id", params.TaskID),
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conv.ID),
	)
	task.logger.Info("task_created", zap.Bool("new_conversation", task.newConversation))
	return task, nil
}

func (f *TaskFactory) createConversation(ctx context.Context, params TaskParams, overrideConfigs *string) (*domain.Conversation, error) {
	draft := conversationDraft{
		app:             params.App,
		config:          params.ModelConfig,
		principal:       params.Principal,
		inputs:          params.Inputs,
		overrideConfigs: overrideConfigs,
	}

	if params.App.Mode == domain.AppModeChat {
		introduction, err := f.render(params.ModelConfig.OpeningStatement, params.Inputs)
		if err != nil {
			return nil, domain.WrapError(domain.ErrConfiguration, "render opening statement", err)
		}
		draft.introduction = introduction

		if strings.TrimSpace(params.ModelConfig.PrePrompt) != "" {
			instruction, err := f.render(params.ModelConfig.PrePrompt, params.Inputs)
			if err != nil {
				return nil, domain.WrapError(domain.ErrConfiguration, "render system instruction", err)
			}
			tokens, err := params.Model.TokenCount(ctx, []domain.PromptMessage{{Role: domain.RoleSystem, Content: instruction}})
			if err != nil {
				return nil, domain.WrapError(domain.ErrConfiguration, "count system instruction tokens", err)
			}
			draft.systemInstruction = instruction
			draft.systemInstructionTokens = tokens
		}
	}

	return f.audit.CreateConversation(ctx, draft)
}

func (f *TaskFactory) render(template string, inputs map[string]any) (string, error) {
	if template == "" || f.renderer == nil {
		return template, nil
	}
	return f.renderer.Render(template, inputs)
}

func (t *Task) ID() string { return t.id }

func (t *Task) Conversation() *domain.Conversation { return t.conversation }

func (t *Task) Message() *domain.Message { return t.message }

func (t *Task) Model() ports.ModelClient { return t.model }

func (t *Task) ModelConfig() domain.AppModelConfig { return t.config }

func (t *Task) Streaming() bool { return t.streaming }

// NewConversation reports whether this task created its conversation.
func (t *Task) NewConversation() bool { return t.newConversation }

func (t *Task) Channel() string { return t.stream.Channel() }

// StreamedText is everything passed to AppendText so far.
func (t *Task) StreamedText() string { return t.streamed.String() }

func (t *Task) IsStopped(ctx context.Context) (bool, error) {
	return t.stream.IsStopped(ctx)
}

// AppendText relays a generated fragment. It returns domain.ErrTaskStopped
// after the fragment and a terminal end event went out if a stop was requested.
func (t *Task) AppendText(ctx context.Context, text string) error {
	t.streamed.WriteString(text)
	return t.stream.PublishText(ctx, t.message, t.conversation, text)
}

// Finalize prices and persists the result, fires the message-created hook and
// ends the stream. Pass stoppedEarly when AppendText already ended it.
func (t *Task) Finalize(ctx context.Context, result domain.LLMResult, stoppedEarly bool) error {
	if t.finalized {
		return domain.WrapError(domain.ErrAlreadyFinalized, "finalize", fmt.Errorf("message %s", t.message.ID))
	}

	patch, err := t.audit.FinalizeMessage(ctx, t.message, t.model, result)
	if err != nil {
		return err
	}
	t.finalized = true

	if t.metrics != nil {
		t.metrics.Billed(t.message.Currency, t.model.Name(), patch.PromptTokens, patch.AnswerTokens, patch.TotalPrice)
	}

	if t.hook != nil {
		err := t.hook.MessageCreated(ctx, domain.MessageCreated{
			Message:        *t.message,
			Conversation:   *t.conversation,
			IsFirstMessage: t.newConversation,
		})
		if err != nil {
			t.logger.Warn("message_created_hook_failed", zap.Error(err))
		}
	}

	t.logger.Info("task_finalized",
		zap.Bool("stopped_early", stoppedEarly),
		zap.Int("prompt_tokens", patch.PromptTokens),
		zap.Int("answer_tokens", patch.AnswerTokens),
		zap.String("total_price", patch.TotalPrice.String()),
	)

	if stoppedEarly {
		return nil
	}
	return t.stream.PublishEnd(ctx)
}

func (t *Task) StartChain(ctx context.Context, result domain.ChainResult) (domain.MessageChain, error) {
	return t.audit.StartChain(ctx, t.message, result)
}

// EndChain records the chain output and publishes a chain event when chain
// events are enabled.
func (t *Task) EndChain(ctx context.Context, chain domain.MessageChain, result domain.ChainResult) (domain.MessageChain, error) {
	chain, err := t.audit.EndChain(ctx, chain, result)
	if err != nil {
		return domain.MessageChain{}, err
	}
	return chain, t.stream.PublishChain(ctx, t.message, t.conversation, chain)
}

// StartAgentThought persists the thought and publishes it before the tool
// runs. On domain.ErrTaskStopped the persisted thought is still returned.
func (t *Task) StartAgentThought(ctx context.Context, chain domain.MessageChain, loop domain.AgentLoop) (domain.AgentThought, error) {
	thought, err := t.audit.StartAgentThought(ctx, t.message, chain, t.principal, loop)
	if err != nil {
		return domain.AgentThought{}, err
	}
	return thought, t.stream.PublishAgentThought(ctx, t.message, t.conversation, thought)
}

func (t *Task) EndAgentThought(ctx context.Context, thought domain.AgentThought, toolModel ports.ModelClient, loop domain.AgentLoop) (domain.AgentThought, error) {
	if toolModel == nil {
		toolModel = t.model
	}
	return t.audit.EndAgentThought(ctx, thought, toolModel, loop)
}

func (t *Task) RecordDatasetQuery(ctx context.Context, lookup domain.DatasetLookup) error {
	return t.audit.RecordDatasetQuery(ctx, t.app, t.principal, lookup)
}

func trimAnswer(completion string) string {
	return strings.TrimSpace(completion)
}
