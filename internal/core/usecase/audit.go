package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
	"github.com/kirillkom/generation-orchestrator/internal/core/pricing"
)

// AuditRecorder turns task events into durable rows. It owns id generation,
// timestamps, JSON serialization and pricing; the store only persists.
type AuditRecorder struct {
	store ports.AuditStore
	now   func() time.Time
}

func NewAuditRecorder(store ports.AuditStore) *AuditRecorder {
	return &AuditRecorder{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

type conversationDraft struct {
	app                     domain.App
	config                  domain.AppModelConfig
	principal               domain.Principal
	inputs                  map[string]any
	overrideConfigs         *string
	introduction            string
	systemInstruction       string
	systemInstructionTokens int
}

func (r *AuditRecorder) CreateConversation(ctx context.Context, draft conversationDraft) (*domain.Conversation, error) {
	now := r.now()
	conv := &domain.Conversation{
		ID:                      uuid.NewString(),
		AppID:                   draft.config.AppID,
		AppModelConfigID:        draft.config.ID,
		ModelProvider:           draft.config.Model.Provider,
		ModelID:                 draft.config.Model.Name,
		OverrideModelConfigs:    draft.overrideConfigs,
		Mode:                    draft.app.Mode,
		Name:                    "",
		Inputs:                  draft.inputs,
		Introduction:            draft.introduction,
		SystemInstruction:       draft.systemInstruction,
		SystemInstructionTokens: draft.systemInstructionTokens,
		Status:                  domain.ConversationStatusNormal,
		FromSource:              draft.principal.FromSource(),
		FromEndUserID:           draft.principal.EndUserID(),
		FromAccountID:           draft.principal.AccountID(),
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

type messageDraft struct {
	conversation    *domain.Conversation
	config          domain.AppModelConfig
	principal       domain.Principal
	inputs          map[string]any
	query           string
	overrideConfigs *string
	currency        string
}

func (r *AuditRecorder) CreateMessage(ctx context.Context, draft messageDraft) (*domain.Message, error) {
	msg := &domain.Message{
		ID:                   uuid.NewString(),
		AppID:                draft.config.AppID,
		ConversationID:       draft.conversation.ID,
		ModelProvider:        draft.config.Model.Provider,
		ModelID:              draft.config.Model.Name,
		OverrideModelConfigs: draft.overrideConfigs,
		Inputs:               draft.inputs,
		Query:                draft.query,
		Currency:             draft.currency,
		FromSource:           draft.principal.FromSource(),
		FromEndUserID:        draft.principal.EndUserID(),
		FromAccountID:        draft.principal.AccountID(),
		AgentBased:           draft.config.AgentMode.Enabled,
		CreatedAt:            r.now(),
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// FinalizeMessage prices the result with the model's unit prices and writes
// every mutable message field in one call.
func (r *AuditRecorder) FinalizeMessage(ctx context.Context, msg *domain.Message, model ports.ModelClient, result domain.LLMResult) (domain.MessageFinalization, error) {
	promptUnitPrice := model.UnitPrice(domain.RoleHuman)
	answerUnitPrice := model.UnitPrice(domain.RoleAssistant)

	patch := domain.MessageFinalization{
		Prompt:                  result.Prompt,
		PromptTokens:            result.PromptTokens,
		PromptUnitPrice:         promptUnitPrice,
		Answer:                  trimAnswer(result.Completion),
		AnswerTokens:            result.CompletionTokens,
		AnswerUnitPrice:         answerUnitPrice,
		ProviderResponseLatency: result.Latency.Seconds(),
		TotalPrice:              pricing.Total(result.PromptTokens, promptUnitPrice, result.CompletionTokens, answerUnitPrice),
		FinalizedAt:             r.now(),
	}
	if err := r.store.FinalizeMessage(ctx, msg.ID, patch); err != nil {
		return domain.MessageFinalization{}, fmt.Errorf("finalize message: %w", err)
	}
	msg.Apply(patch)
	return patch, nil
}

func (r *AuditRecorder) StartChain(ctx context.Context, msg *domain.Message, result domain.ChainResult) (domain.MessageChain, error) {
	input, err := json.Marshal(result.Prompt)
	if err != nil {
		return domain.MessageChain{}, fmt.Errorf("marshal chain input: %w", err)
	}
	chain := domain.MessageChain{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		Type:      result.Type,
		Input:     string(input),
		Output:    "",
		CreatedAt: r.now(),
	}
	if err := r.store.CreateChain(ctx, &chain); err != nil {
		return domain.MessageChain{}, fmt.Errorf("create chain: %w", err)
	}
	return chain, nil
}

func (r *AuditRecorder) EndChain(ctx context.Context, chain domain.MessageChain, result domain.ChainResult) (domain.MessageChain, error) {
	output, err := json.Marshal(result.Completion)
	if err != nil {
		return domain.MessageChain{}, fmt.Errorf("marshal chain output: %w", err)
	}
	if err := r.store.CompleteChain(ctx, chain.ID, string(output)); err != nil {
		return domain.MessageChain{}, fmt.Errorf("complete chain: %w", err)
	}
	chain.Output = string(output)
	return chain, nil
}

func (r *AuditRecorder) StartAgentThought(ctx context.Context, msg *domain.Message, chain domain.MessageChain, principal domain.Principal, loop domain.AgentLoop) (domain.AgentThought, error) {
	thought := domain.AgentThought{
		ID:             uuid.NewString(),
		MessageID:      msg.ID,
		MessageChainID: chain.ID,
		Position:       loop.Position,
		Thought:        loop.Thought,
		Tool:           loop.ToolName,
		ToolInput:      loop.ToolInput,
		Prompt:         loop.Prompt,
		Answer:         loop.Completion,
		CreatedByRole:  principal.CreatedByRole(),
		CreatedBy:      principal.ID,
		CreatedAt:      r.now(),
	}
	if err := r.store.CreateAgentThought(ctx, &thought); err != nil {
		return domain.AgentThought{}, fmt.Errorf("create agent thought: %w", err)
	}
	return thought, nil
}

// EndAgentThought prices the tool invocation with the tool's own model client.
func (r *AuditRecorder) EndAgentThought(ctx context.Context, thought domain.AgentThought, toolModel ports.ModelClient, loop domain.AgentLoop) (domain.AgentThought, error) {
	promptUnitPrice := toolModel.UnitPrice(domain.RoleHuman)
	answerUnitPrice := toolModel.UnitPrice(domain.RoleAssistant)

	patch := domain.AgentThoughtCompletion{
		Observation:     loop.ToolOutput,
		ToolProcessData: "",
		PromptTokens:    loop.PromptTokens,
		PromptUnitPrice: promptUnitPrice,
		AnswerTokens:    loop.CompletionTokens,
		AnswerUnitPrice: answerUnitPrice,
		Latency:         loop.Latency.Seconds(),
		Tokens:          loop.PromptTokens + loop.CompletionTokens,
		TotalPrice:      pricing.Total(loop.PromptTokens, promptUnitPrice, loop.CompletionTokens, answerUnitPrice),
		Currency:        toolModel.Currency(),
		CompletedAt:     r.now(),
	}
	if err := r.store.CompleteAgentThought(ctx, thought.ID, patch); err != nil {
		return domain.AgentThought{}, fmt.Errorf("complete agent thought: %w", err)
	}
	thought.Apply(patch)
	return thought, nil
}

func (r *AuditRecorder) RecordDatasetQuery(ctx context.Context, app domain.App, principal domain.Principal, lookup domain.DatasetLookup) error {
	query := &domain.DatasetQuery{
		ID:            uuid.NewString(),
		DatasetID:     lookup.DatasetID,
		Content:       lookup.Query,
		Source:        "app",
		SourceAppID:   app.ID,
		CreatedByRole: principal.CreatedByRole(),
		CreatedBy:     principal.ID,
		CreatedAt:     r.now(),
	}
	if err := r.store.CreateDatasetQuery(ctx, query); err != nil {
		return fmt.Errorf("create dataset query: %w", err)
	}
	return nil
}
