package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/pubsub/memory"
)

type generateFixture struct {
	store     *fakeStore
	publisher ports.Publisher
	flags     ports.FlagStore
	model     *fakeModel
	hook      *fakeHook
	metrics   *fakeMetrics
	catalog   *fakeCatalog
	datasets  *fakeDatasets
	control   *StreamControl
	models    *fakeModelProvider
	uc        *GenerateUseCase
}

func newGenerateFixture(t *testing.T, publisher ports.Publisher, flags ports.FlagStore, options StreamOptions) *generateFixture {
	t.Helper()
	f := &generateFixture{
		store:     newFakeStore(),
		publisher: publisher,
		flags:     flags,
		model:     newFakeModel(),
		hook:      &fakeHook{},
		metrics:   newFakeMetrics(),
		models:    &fakeModelProvider{},
		datasets:  &fakeDatasets{hits: []domain.DatasetHit{{DatasetID: "faq", Content: "Refunds take 5 days.", Score: 1}}},
		catalog: &fakeCatalog{
			app: domain.App{ID: "app-1", Mode: domain.AppModeChat},
			config: domain.AppModelConfig{
				ID:        "cfg-1",
				AppID:     "app-1",
				Model:     domain.ModelSpec{Provider: "openai", Name: "gpt-4"},
				PrePrompt: "Be brief.",
			},
		},
	}
	f.models.model = f.model
	logger := zaptest.NewLogger(t)
	f.control = NewStreamControl(publisher, flags, f.metrics, 0)
	tasks := NewTaskFactory(TaskFactoryDeps{
		Store:     f.store,
		Publisher: publisher,
		Flags:     flags,
		Hook:      f.hook,
		Renderer:  plainRenderer{},
		Metrics:   f.metrics,
		Logger:    logger,
		Options:   options,
	})
	f.uc = NewGenerateUseCase(GenerateDeps{
		Catalog:  f.catalog,
		Store:    f.store,
		Models:   f.models,
		Tasks:    tasks,
		Agent:    NewAgentRunner(f.datasets, domain.AgentLimits{MaxIterations: 3}, logger),
		Control:  f.control,
		Renderer: plainRenderer{},
		Metrics:  f.metrics,
		Logger:   logger,
		Timeout:  5 * time.Second,
	})
	return f
}

func collect(t *testing.T, sub ports.Subscription) []domain.ReceivedEvent {
	t.Helper()
	var out []domain.ReceivedEvent
	for {
		select {
		case payload, ok := <-sub.Messages():
			if !ok {
				return out
			}
			event, err := domain.DecodeEvent(payload)
			require.NoError(t, err)
			out = append(out, event)
			if event.Terminal() {
				return out
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for terminal event, got %d events", len(out))
		}
	}
}

func TestGenerateStreamsFragmentsThenEnd(t *testing.T) {
	broker := memory.NewBroker()
	f := newGenerateFixture(t, broker, memory.NewFlagStore(), StreamOptions{})
	f.model.fragments = []string{"Hel", "lo"}
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, "generate_result:account-7-t1")
	require.NoError(t, err)
	defer sub.Close()

	err = f.uc.Run(ctx, domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "greet", Streaming: true})
	require.NoError(t, err)

	events := collect(t, sub)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventMessage, events[0].Kind)
	assert.Equal(t, "Hel", decodeData[domain.MessageEventData](events[0]).Text)
	assert.Equal(t, domain.EventMessage, events[1].Kind)
	assert.Equal(t, "lo", decodeData[domain.MessageEventData](events[1]).Text)
	assert.Equal(t, domain.EventEnd, events[2].Kind)

	messageID := decodeData[domain.MessageEventData](events[0]).MessageID
	stored := f.store.message(messageID)
	assert.Equal(t, "Hello", stored.Answer)
	assert.NotNil(t, stored.FinalizedAt)
	assert.Equal(t, []string{taskStatusSucceeded}, f.metrics.finished)

	require.Len(t, f.model.prompts, 1)
	assert.Equal(t, []domain.PromptMessage{
		{Role: domain.RoleSystem, Content: "Be brief."},
		{Role: domain.RoleHuman, Content: "greet"},
	}, f.model.prompts[0])
}

func TestGenerateStopMidStreamFinalizesPartialAnswer(t *testing.T) {
	publisher := &recordingPublisher{}
	flags := newFakeFlags()
	f := newGenerateFixture(t, publisher, flags, StreamOptions{})
	f.model.fragments = []string{"a", "b", "c"}
	f.model.tokenCount = 3

	publisher.onPublish = func(_ string, payload []byte) {
		event, _ := domain.DecodeEvent(payload)
		if event.Kind == domain.EventMessage && decodeData[domain.MessageEventData](event).Text == "a" {
			require.NoError(t, f.control.RequestStop(context.Background(), domain.Account("7"), "t1"))
		}
	}

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, []string{"message", "end"}, publisher.kinds())
	messageID := decodeData[domain.MessageEventData](publisher.events()[0]).MessageID
	stored := f.store.message(messageID)
	assert.Equal(t, "a", stored.Answer)
	assert.Equal(t, 3, stored.AnswerTokens)
	assert.NotNil(t, stored.FinalizedAt)
	assert.Equal(t, []string{taskStatusStopped}, f.metrics.finished)
	assert.Len(t, f.hook.events, 1)
}

func TestGenerateSetupFailurePublishesOnlyErrorEvent(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newGenerateFixture(t, publisher, newFakeFlags(), StreamOptions{})
	f.model.tokenErr = errors.New("tokenizer down")

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.EndUser("u1"), Query: "q"})

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrConfiguration))
	assert.Equal(t, []string{"error:configuration_error"}, publisher.kinds())
	assert.Equal(t, []string{"generate_result:end-user-u1-t1"}, publisher.channels())
	assert.Empty(t, f.store.messages)
}

func TestGenerateUnknownAppPublishesNotFound(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newGenerateFixture(t, publisher, newFakeFlags(), StreamOptions{})

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "missing", Principal: domain.Account("7")})

	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []string{"error:not_found"}, publisher.kinds())
}

func TestGenerateProviderErrorIsRelayedWithoutFinalize(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newGenerateFixture(t, publisher, newFakeFlags(), StreamOptions{})
	f.model.fragments = []string{"par"}
	f.model.generateErr = domain.NewProviderError(domain.ProviderRateLimited, "rate limit exceeded", nil)

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "q"})

	require.Error(t, err)
	assert.True(t, domain.IsProviderKind(err, domain.ProviderRateLimited))
	assert.Equal(t, []string{"message", "error:provider_rate_limited"}, publisher.kinds())
	assert.NotContains(t, f.store.calls, "finalize_message")
	assert.Equal(t, []string{taskStatusFailed}, f.metrics.finished)
}

func TestGenerateReusesConversationOfSameApp(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newGenerateFixture(t, publisher, newFakeFlags(), StreamOptions{})
	f.store.conversations["conv-1"] = &domain.Conversation{ID: "conv-1", AppID: "app-1", Mode: domain.AppModeChat, SystemInstruction: "Stored instruction."}
	f.model.fragments = []string{"ok"}

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "q", ConversationID: "conv-1"})
	require.NoError(t, err)

	assert.NotContains(t, f.store.calls, "create_conversation")
	assert.Equal(t, "Stored instruction.", f.model.prompts[0][0].Content)
	require.Len(t, f.hook.events, 1)
	assert.False(t, f.hook.events[0].IsFirstMessage)

	f.store.conversations["conv-2"] = &domain.Conversation{ID: "conv-2", AppID: "other-app"}
	err = f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t2", AppID: "app-1", Principal: domain.Account("7"), Query: "q", ConversationID: "conv-2"})
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))
}

func TestGenerateWithModelConfigOverride(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newGenerateFixture(t, publisher, newFakeFlags(), StreamOptions{})
	f.model.fragments = []string{"ok"}
	override := &domain.AppModelConfig{
		Model:     domain.ModelSpec{Provider: "openai", Name: "gpt-3.5-turbo"},
		PrePrompt: "Answer in French.",
	}

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "q", ModelConfig: override})
	require.NoError(t, err)

	require.Len(t, f.models.specs, 1)
	assert.Equal(t, "gpt-3.5-turbo", f.models.specs[0].Name)

	messageID := decodeData[domain.MessageEventData](publisher.events()[0]).MessageID
	stored := f.store.message(messageID)
	assert.Equal(t, "gpt-3.5-turbo", stored.ModelID)
	assert.Equal(t, "app-1", stored.AppID)
	require.NotNil(t, stored.OverrideModelConfigs)
	var snapshot map[string]any
	require.NoError(t, json.Unmarshal([]byte(*stored.OverrideModelConfigs), &snapshot))
	assert.Equal(t, "Answer in French.", snapshot["pre_prompt"])
	assert.Equal(t, "gpt-3.5-turbo", snapshot["model"].(map[string]any)["name"])

	for _, conv := range f.store.conversations {
		assert.Equal(t, "cfg-1", conv.AppModelConfigID)
		require.NotNil(t, conv.OverrideModelConfigs)
	}
	assert.Equal(t, "Answer in French.", f.model.prompts[0][0].Content)
}

func TestGenerateWithoutOverrideLeavesSnapshotEmpty(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newGenerateFixture(t, publisher, newFakeFlags(), StreamOptions{})
	f.model.fragments = []string{"ok"}

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "q"})
	require.NoError(t, err)

	messageID := decodeData[domain.MessageEventData](publisher.events()[0]).MessageID
	assert.Nil(t, f.store.message(messageID).OverrideModelConfigs)
	assert.Equal(t, "gpt-4", f.models.specs[0].Name)
}

func TestGenerateRejectsIncompleteOverride(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newGenerateFixture(t, publisher, newFakeFlags(), StreamOptions{})
	override := &domain.AppModelConfig{Model: domain.ModelSpec{Provider: "openai"}}

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "q", ModelConfig: override})

	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))
	assert.Equal(t, []string{"error:invalid_request"}, publisher.kinds())
	assert.Empty(t, f.store.messages)
	assert.Empty(t, f.models.specs)
}

func TestGenerateCompletionModelGetsFlatPrompt(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newGenerateFixture(t, publisher, newFakeFlags(), StreamOptions{})
	f.catalog.app.Mode = domain.AppModeCompletion
	f.catalog.config.PrePrompt = "Translate for {{name}}:"
	f.model.name = "text-davinci-003"
	f.model.fragments = []string{"Bonjour"}

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "Hello", Inputs: map[string]any{"name": "Ann"}})
	require.NoError(t, err)

	assert.Equal(t, []domain.PromptMessage{{Role: domain.RoleHuman, Content: "Translate for Ann:\n\nHello"}}, f.model.prompts[0])
}

func TestGenerateAgentModeRecordsChainAndThoughts(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newGenerateFixture(t, publisher, newFakeFlags(), StreamOptions{})
	f.catalog.config.AgentMode = domain.AgentModeConfig{
		Enabled: true,
		Tools:   []map[string]any{{"dataset": map[string]any{"enabled": true, "id": "faq"}}},
	}
	f.model.plannerReplies = []string{
		`{"type":"tool","tool":"dataset_search","thought":"check the faq","input":{"dataset_id":"faq","query":"refund time"}}`,
		`{"type":"final","thought":"enough"}`,
	}
	f.model.fragments = []string{"Five days."}

	err := f.uc.Run(context.Background(), domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "How long do refunds take?"})
	require.NoError(t, err)

	assert.Equal(t, []string{"agent_thought", "message", "end"}, publisher.kinds())
	assert.Equal(t, []string{
		"create_conversation",
		"create_message",
		"create_chain",
		"create_agent_thought",
		"create_dataset_query",
		"complete_agent_thought",
		"complete_chain",
		"finalize_message",
	}, f.store.calls)
	assert.Equal(t, []string{"faq:refund time"}, f.datasets.queries)

	final := f.model.prompts[len(f.model.prompts)-1]
	assert.Contains(t, final[len(final)-1].Content, "Refunds take 5 days.")

	for _, thought := range f.store.thoughts {
		assert.Equal(t, 1, thought.Position)
		assert.Contains(t, thought.Observation, "Refunds take 5 days.")
		assert.NotNil(t, thought.CompletedAt)
	}
}

func TestInlineDispatcherRunsJobInBackground(t *testing.T) {
	broker := memory.NewBroker()
	f := newGenerateFixture(t, broker, memory.NewFlagStore(), StreamOptions{})
	f.model.fragments = []string{"done"}
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := broker.Subscribe(ctx, "generate_result:account-7-t1")
	require.NoError(t, err)
	defer sub.Close()

	dispatcher := NewInlineDispatcher(f.uc, zaptest.NewLogger(t))
	require.NoError(t, dispatcher.Dispatch(ctx, domain.GenerationJob{TaskID: "t1", AppID: "app-1", Principal: domain.Account("7"), Query: "q"}))
	cancel()

	events := collect(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventEnd, events[len(events)-1].Kind)
}
