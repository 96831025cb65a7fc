package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
)

type publishedPayload struct {
	channel string
	payload []byte
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedPayload
	err       error
	// onPublish runs after a payload is recorded.
	onPublish func(channel string, payload []byte)
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.published = append(p.published, publishedPayload{channel: channel, payload: append([]byte(nil), payload...)})
	hook := p.onPublish
	p.mu.Unlock()
	if hook != nil {
		hook(channel, payload)
	}
	return nil
}

func (p *recordingPublisher) events() []domain.ReceivedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ReceivedEvent, 0, len(p.published))
	for _, item := range p.published {
		event, err := domain.DecodeEvent(item.payload)
		if err != nil {
			panic(err)
		}
		out = append(out, event)
	}
	return out
}

func (p *recordingPublisher) kinds() []string {
	events := p.events()
	out := make([]string, 0, len(events))
	for _, e := range events {
		if e.IsError() {
			out = append(out, "error:"+e.Error)
			continue
		}
		out = append(out, string(e.Kind))
	}
	return out
}

func (p *recordingPublisher) channels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, item := range p.published {
		out = append(out, item.channel)
	}
	return out
}

type fakeFlags struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newFakeFlags() *fakeFlags {
	return &fakeFlags{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeFlags) Get(_ context.Context, key string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeFlags) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	f.ttls[key] = ttl
	return nil
}

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	messages      map[string]*domain.Message
	chains        map[string]*domain.MessageChain
	thoughts      map[string]*domain.AgentThought
	datasetQuery  []domain.DatasetQuery
	calls         []string

	createConversationErr error
	createMessageErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[string]*domain.Conversation{},
		messages:      map[string]*domain.Message{},
		chains:        map[string]*domain.MessageChain{},
		thoughts:      map[string]*domain.AgentThought{},
	}
}

func (s *fakeStore) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeStore) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create_conversation")
	if s.createConversationErr != nil {
		return s.createConversationErr
	}
	copyConv := *conv
	s.conversations[conv.ID] = &copyConv
	return nil
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get conversation", fmt.Errorf("conversation %s", id))
	}
	copyConv := *conv
	return &copyConv, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create_message")
	if s.createMessageErr != nil {
		return s.createMessageErr
	}
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("conversation %s does not exist", msg.ConversationID)
	}
	copyMsg := *msg
	s.messages[msg.ID] = &copyMsg
	return nil
}

func (s *fakeStore) FinalizeMessage(_ context.Context, id string, patch domain.MessageFinalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("finalize_message")
	msg, ok := s.messages[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "finalize message", fmt.Errorf("message %s", id))
	}
	if msg.FinalizedAt != nil {
		return domain.WrapError(domain.ErrAlreadyFinalized, "finalize message", fmt.Errorf("message %s", id))
	}
	msg.Apply(patch)
	return nil
}

func (s *fakeStore) CreateChain(_ context.Context, chain *domain.MessageChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create_chain")
	copyChain := *chain
	s.chains[chain.ID] = &copyChain
	return nil
}

func (s *fakeStore) CompleteChain(_ context.Context, id, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("complete_chain")
	chain, ok := s.chains[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "complete chain", fmt.Errorf("chain %s", id))
	}
	chain.Output = output
	return nil
}

func (s *fakeStore) CreateAgentThought(_ context.Context, thought *domain.AgentThought) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create_agent_thought")
	copyThought := *thought
	s.thoughts[thought.ID] = &copyThought
	return nil
}

func (s *fakeStore) CompleteAgentThought(_ context.Context, id string, patch domain.AgentThoughtCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("complete_agent_thought")
	thought, ok := s.thoughts[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "complete agent thought", fmt.Errorf("thought %s", id))
	}
	thought.Apply(patch)
	return nil
}

func (s *fakeStore) CreateDatasetQuery(_ context.Context, query *domain.DatasetQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create_dataset_query")
	s.datasetQuery = append(s.datasetQuery, *query)
	return nil
}

func (s *fakeStore) message(id string) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

// fakeModel streams fragments through onText and reports a fixed result.
// Planner replies are consumed in order when onText is nil.
type fakeModel struct {
	provider         string
	name             string
	fragments        []string
	plannerReplies   []string
	generateErr      error
	promptTokens     int
	completionTokens int
	tokenCount       int
	tokenErr         error
	promptPrice      decimal.Decimal
	completionPrice  decimal.Decimal
	currency         string

	prompts [][]domain.PromptMessage
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		provider:         "openai",
		name:             "gpt-4",
		promptTokens:     1500,
		completionTokens: 500,
		tokenCount:       12,
		promptPrice:      decimal.RequireFromString("0.03"),
		completionPrice:  decimal.RequireFromString("0.06"),
		currency:         "USD",
	}
}

func (m *fakeModel) Provider() string { return m.provider }

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) Generate(ctx context.Context, messages []domain.PromptMessage, _ []string, onText func(string) error) (domain.LLMResult, error) {
	m.prompts = append(m.prompts, messages)
	if onText == nil {
		if len(m.plannerReplies) == 0 {
			return domain.LLMResult{Completion: `{"type":"final"}`}, nil
		}
		reply := m.plannerReplies[0]
		m.plannerReplies = m.plannerReplies[1:]
		return domain.LLMResult{Prompt: messages[0].Content, Completion: reply, PromptTokens: 10, CompletionTokens: 5, Latency: time.Millisecond}, nil
	}

	completion := ""
	for _, fragment := range m.fragments {
		completion += fragment
		if err := onText(fragment); err != nil {
			return domain.LLMResult{Completion: completion}, err
		}
	}
	if m.generateErr != nil {
		return domain.LLMResult{}, m.generateErr
	}
	return domain.LLMResult{
		Prompt:           flattenPrompt(messages),
		PromptTokens:     m.promptTokens,
		Completion:       completion,
		CompletionTokens: m.completionTokens,
		Latency:          250 * time.Millisecond,
	}, nil
}

func (m *fakeModel) TokenCount(context.Context, []domain.PromptMessage) (int, error) {
	if m.tokenErr != nil {
		return 0, m.tokenErr
	}
	return m.tokenCount, nil
}

func (m *fakeModel) UnitPrice(role domain.MessageRole) decimal.Decimal {
	if role.PromptSide() {
		return m.promptPrice
	}
	return m.completionPrice
}

func (m *fakeModel) Currency() string { return m.currency }

type fakeModelProvider struct {
	model *fakeModel
	err   error
	specs []domain.ModelSpec
}

func (p *fakeModelProvider) Model(_ context.Context, spec domain.ModelSpec, _ bool) (ports.ModelClient, error) {
	p.specs = append(p.specs, spec)
	if p.err != nil {
		return nil, p.err
	}
	return p.model, nil
}

type fakeHook struct {
	events []domain.MessageCreated
	err    error
}

func (h *fakeHook) MessageCreated(_ context.Context, event domain.MessageCreated) error {
	h.events = append(h.events, event)
	return h.err
}

// plainRenderer substitutes {{name}} with a naive replace and leaves unknown
// placeholders untouched.
type plainRenderer struct{}

func (plainRenderer) Render(template string, inputs map[string]any) (string, error) {
	out := template
	for k, v := range inputs {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
	}
	return out, nil
}

type fakeCatalog struct {
	app    domain.App
	config domain.AppModelConfig
	err    error
}

func (c *fakeCatalog) GetApp(_ context.Context, appID string) (*domain.App, *domain.AppModelConfig, error) {
	if c.err != nil {
		return nil, nil, c.err
	}
	if appID != c.app.ID {
		return nil, nil, domain.WrapError(domain.ErrNotFound, "get app", fmt.Errorf("app %s", appID))
	}
	app := c.app
	config := c.config
	return &app, &config, nil
}

type fakeDatasets struct {
	hits    []domain.DatasetHit
	queries []string
}

func (d *fakeDatasets) SearchDataset(_ context.Context, datasetID, query string, limit int) ([]domain.DatasetHit, error) {
	d.queries = append(d.queries, datasetID+":"+query)
	if limit < len(d.hits) {
		return d.hits[:limit], nil
	}
	return d.hits, nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	started   int
	finished  []string
	published map[domain.EventKind]int
	stops     int
	billed    []decimal.Decimal
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{published: map[domain.EventKind]int{}}
}

func (m *fakeMetrics) TaskStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) TaskFinished(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, status)
}

func (m *fakeMetrics) EventPublished(kind domain.EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[kind]++
}

func (m *fakeMetrics) StopRequested() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *fakeMetrics) Billed(_ string, _ string, _, _ int, total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billed = append(m.billed, total)
}

func decodeData[T any](event domain.ReceivedEvent) T {
	var out T
	if err := json.Unmarshal(event.Data, &out); err != nil {
		panic(err)
	}
	return out
}
