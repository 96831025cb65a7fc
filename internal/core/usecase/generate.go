package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
)

const (
	taskStatusSucceeded = "succeeded"
	taskStatusStopped   = "stopped"
	taskStatusFailed    = "failed"
)

// GenerateUseCase is the generation loop: it sets up a Task, drives the model
// and maps the outcome onto finalization or an error event.
type GenerateUseCase struct {
	catalog  ports.AppCatalog
	store    ports.AuditStore
	models   ports.ModelProvider
	tasks    *TaskFactory
	agent    *AgentRunner
	control  ports.TaskControl
	renderer ports.TemplateRenderer
	metrics  ports.TaskMetrics
	logger   *zap.Logger
	timeout  time.Duration
}

type GenerateDeps struct {
	Catalog  ports.AppCatalog
	Store    ports.AuditStore
	Models   ports.ModelProvider
	Tasks    *TaskFactory
	Agent    *AgentRunner
	Control  ports.TaskControl
	Renderer ports.TemplateRenderer
	Metrics  ports.TaskMetrics
	Logger   *zap.Logger
	Timeout  time.Duration
}

func NewGenerateUseCase(deps GenerateDeps) *GenerateUseCase {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &GenerateUseCase{
		catalog:  deps.Catalog,
		store:    deps.Store,
		models:   deps.Models,
		tasks:    deps.Tasks,
		agent:    deps.Agent,
		control:  deps.Control,
		renderer: deps.Renderer,
		metrics:  deps.Metrics,
		logger:   logger,
		timeout:  timeout,
	}
}

func (uc *GenerateUseCase) Run(ctx context.Context, job domain.GenerationJob) error {
	started := time.Now()
	status := taskStatusFailed
	if uc.metrics != nil {
		uc.metrics.TaskStarted()
		defer func() { uc.metrics.TaskFinished(status, time.Since(started)) }()
	}

	ctx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()

	logger := uc.logger.With(zap.String("task_id", job.TaskID), zap.String("app_id", job.AppID))

	task, err := uc.setup(ctx, job)
	if err != nil {
		logger.Warn("task_setup_failed", zap.Error(err))
		uc.publishError(ctx, logger, job, err)
		return err
	}

	var observations []string
	if uc.agent != nil && task.ModelConfig().AgentMode.Enabled {
		outcome, err := uc.agent.Run(ctx, task, job.Query)
		switch {
		case errors.Is(err, domain.ErrTaskStopped):
			status = taskStatusStopped
			return uc.finalizeStopped(ctx, task, nil)
		case err != nil:
			uc.publishError(ctx, logger, job, err)
			return err
		}
		observations = outcome.Observations
	}

	prompt, err := uc.buildPrompt(task, job, observations)
	if err != nil {
		uc.publishError(ctx, logger, job, err)
		return err
	}

	result, err := task.Model().Generate(ctx, prompt, nil, func(text string) error {
		return task.AppendText(ctx, text)
	})
	switch {
	case errors.Is(err, domain.ErrTaskStopped):
		status = taskStatusStopped
		return uc.finalizeStopped(ctx, task, prompt)
	case err != nil:
		logger.Warn("generation_failed", zap.String("error_kind", domain.ErrorName(err)), zap.Error(err))
		uc.publishError(ctx, logger, job, err)
		return err
	}

	if err := task.Finalize(ctx, result, false); err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}
	status = taskStatusSucceeded
	return nil
}

func (uc *GenerateUseCase) setup(ctx context.Context, job domain.GenerationJob) (*Task, error) {
	if !job.Principal.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "generate", errors.New("principal is required"))
	}
	app, config, err := uc.catalog.GetApp(ctx, job.AppID)
	if err != nil {
		return nil, fmt.Errorf("resolve app: %w", err)
	}

	var conv *domain.Conversation
	if id := strings.TrimSpace(job.ConversationID); id != "" {
		conv, err = uc.store.GetConversation(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		if conv.AppID != app.ID {
			return nil, domain.WrapError(domain.ErrInvalidInput, "load conversation", fmt.Errorf("conversation %s belongs to another app", id))
		}
	}

	modelConfig := *config
	if job.ModelConfig != nil {
		modelConfig = config.WithOverride(*job.ModelConfig)
		if err := modelConfig.Validate(); err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "override model config", err)
		}
	}

	model, err := uc.models.Model(ctx, modelConfig.Model, job.Streaming)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "resolve model", err)
	}

	return uc.tasks.NewTask(ctx, TaskParams{
		TaskID:       job.TaskID,
		App:          *app,
		ModelConfig:  modelConfig,
		Principal:    job.Principal,
		Inputs:       job.Inputs,
		Query:        job.Query,
		Streaming:    job.Streaming,
		Model:        model,
		Conversation: conv,
		IsOverride:   job.ModelConfig != nil,
	})
}

// buildPrompt places the conversation's system instruction (or the rendered
// pre-prompt for completion apps) ahead of the query. Completion-style models
// get a single flat human message.
func (uc *GenerateUseCase) buildPrompt(task *Task, job domain.GenerationJob, observations []string) ([]domain.PromptMessage, error) {
	system := task.Conversation().SystemInstruction
	if task.Conversation().Mode != domain.AppModeChat && task.ModelConfig().PrePrompt != "" {
		rendered, err := uc.render(task.ModelConfig().PrePrompt, job.Inputs)
		if err != nil {
			return nil, domain.WrapError(domain.ErrConfiguration, "render pre-prompt", err)
		}
		system = rendered
	}

	query := job.Query
	if len(observations) > 0 {
		query = fmt.Sprintf("Tool outputs:\n%s\n\nQuestion:\n%s", strings.Join(observations, "\n"), job.Query)
	}

	if domain.IsCompletionModel(task.Model().Name()) {
		content := query
		if system != "" {
			content = system + "\n\n" + query
		}
		return []domain.PromptMessage{{Role: domain.RoleHuman, Content: content}}, nil
	}

	messages := make([]domain.PromptMessage, 0, 2)
	if system != "" {
		messages = append(messages, domain.PromptMessage{Role: domain.RoleSystem, Content: system})
	}
	messages = append(messages, domain.PromptMessage{Role: domain.RoleHuman, Content: query})
	return messages, nil
}

func (uc *GenerateUseCase) render(template string, inputs map[string]any) (string, error) {
	if uc.renderer == nil {
		return template, nil
	}
	return uc.renderer.Render(template, inputs)
}

// finalizeStopped records what was streamed before the stop. The end event
// was already published by the stop checkpoint.
func (uc *GenerateUseCase) finalizeStopped(ctx context.Context, task *Task, prompt []domain.PromptMessage) error {
	ctx = context.WithoutCancel(ctx)
	completion := task.StreamedText()
	result := domain.LLMResult{
		Prompt:     flattenPrompt(prompt),
		Completion: completion,
	}
	if len(prompt) > 0 {
		if n, err := task.Model().TokenCount(ctx, prompt); err == nil {
			result.PromptTokens = n
		}
	}
	if completion != "" {
		if n, err := task.Model().TokenCount(ctx, []domain.PromptMessage{{Role: domain.RoleAssistant, Content: completion}}); err == nil {
			result.CompletionTokens = n
		}
	}
	if err := task.Finalize(ctx, result, true); err != nil {
		return fmt.Errorf("finalize stopped task: %w", err)
	}
	return nil
}

func (uc *GenerateUseCase) publishError(ctx context.Context, logger *zap.Logger, job domain.GenerationJob, cause error) {
	if uc.control == nil || !job.Principal.Valid() {
		return
	}
	if err := uc.control.PublishError(context.WithoutCancel(ctx), job.Principal, job.TaskID, cause); err != nil {
		logger.Error("publish_error_event_failed", zap.Error(err))
	}
}

func flattenPrompt(messages []domain.PromptMessage) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n\n")
}
