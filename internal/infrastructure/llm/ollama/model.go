package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
	"github.com/kirillkom/generation-orchestrator/internal/core/pricing"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/resilience"
)

const ProviderName = "ollama"

// maxStreamLine bounds a single NDJSON line of the response stream.
const maxStreamLine = 1 << 20

// Provider hands out Model clients for the provider names it serves. Prices
// come from the static table, so local models without an entry are free.
type Provider struct {
	client    *Client
	prices    *pricing.Table
	providers map[string]struct{}
}

// NewProvider serves ProviderName plus any aliases, e.g. apps configured
// against "openai" model names that are mirrored locally.
func NewProvider(client *Client, prices *pricing.Table, aliases ...string) *Provider {
	if prices == nil {
		prices = pricing.NewTable(nil, "")
	}
	providers := map[string]struct{}{ProviderName: {}}
	for _, alias := range aliases {
		if alias = strings.TrimSpace(alias); alias != "" {
			providers[alias] = struct{}{}
		}
	}
	return &Provider{client: client, prices: prices, providers: providers}
}

func (p *Provider) Model(_ context.Context, spec domain.ModelSpec, streaming bool) (ports.ModelClient, error) {
	if _, ok := p.providers[spec.Provider]; !ok {
		return nil, domain.WrapError(domain.ErrConfiguration, "resolve model", fmt.Errorf("provider %q is not served", spec.Provider))
	}
	if strings.TrimSpace(spec.Name) == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "resolve model", errors.New("model name is required"))
	}
	return &Model{
		client:    p.client,
		prices:    p.prices,
		provider:  spec.Provider,
		name:      spec.Name,
		params:    spec.CompletionParams,
		streaming: streaming,
	}, nil
}

// Model is one provider/model pair bound to a request.
type Model struct {
	client    *Client
	prices    *pricing.Table
	provider  string
	name      string
	params    map[string]any
	streaming bool
}

func (m *Model) Provider() string { return m.provider }
func (m *Model) Name() string     { return m.name }
func (m *Model) Currency() string { return m.prices.Currency() }

func (m *Model) UnitPrice(role domain.MessageRole) decimal.Decimal {
	return m.prices.UnitPrice(m.name, role)
}

// TokenCount estimates tokens as one per four characters; Ollama exposes no
// tokenizer endpoint. Generate reports exact counts when the server sends them.
func (m *Model) TokenCount(_ context.Context, messages []domain.PromptMessage) (int, error) {
	total := 0
	for _, msg := range messages {
		total += estimateTokens(msg.Content)
	}
	return total, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Message *chatMessage `json:"message,omitempty"`
	// Response carries text for /api/generate.
	Response        string `json:"response,omitempty"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// Generate streams the completion and forwards every fragment to onText. If
// onText fails the partial result is returned with that error unchanged. A
// failed attempt is retried only while no fragment has been forwarded.
func (m *Model) Generate(
	ctx context.Context,
	messages []domain.PromptMessage,
	stop []string,
	onText func(string) error,
) (domain.LLMResult, error) {
	started := time.Now()
	result := domain.LLMResult{Prompt: flattenMessages(messages)}

	var completion strings.Builder
	var callbackErr error
	operation, path, payload := m.request(messages, stop)
	err := m.client.stream(ctx, operation, path, payload, func(body io.Reader, attempt *resilience.Attempt) error {
		completion.Reset()
		result.PromptTokens, result.CompletionTokens = 0, 0

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var chunk streamChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				return domain.NewProviderError(domain.ProviderUnavailable, "decode ollama stream", err)
			}
			if chunk.Error != "" {
				return domain.NewProviderError(domain.ProviderBadRequest, chunk.Error, nil)
			}

			text := chunk.Response
			if chunk.Message != nil {
				text = chunk.Message.Content
			}
			if text != "" {
				completion.WriteString(text)
				if onText != nil {
					attempt.Delivered()
					if err := onText(text); err != nil {
						// Not a provider failure: the breaker sees success.
						callbackErr = err
						return nil
					}
				}
			}
			if chunk.Done {
				result.PromptTokens = chunk.PromptEvalCount
				result.CompletionTokens = chunk.EvalCount
				return nil
			}
		}
		if err := scanner.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return transportError(operation, err)
		}
		return nil
	})
	if callbackErr != nil {
		return m.finish(result, completion.String(), started), callbackErr
	}
	if err != nil {
		return m.finish(result, completion.String(), started), err
	}

	m.client.logger.Debug("generation_completed",
		zap.String("model", m.name),
		zap.Int("prompt_tokens", result.PromptTokens),
		zap.Int("completion_tokens", result.CompletionTokens),
		zap.Duration("latency", time.Since(started)),
	)
	return m.finish(result, completion.String(), started), nil
}

func (m *Model) request(messages []domain.PromptMessage, stop []string) (string, string, map[string]any) {
	options := make(map[string]any, len(m.params)+1)
	for key, value := range m.params {
		options[key] = value
	}
	if len(stop) > 0 {
		options["stop"] = stop
	}

	payload := map[string]any{
		"model":  m.name,
		"stream": m.streaming,
	}
	if len(options) > 0 {
		payload["options"] = options
	}

	if domain.IsCompletionModel(m.name) {
		payload["prompt"] = flattenMessages(messages)
		return "generate", "/api/generate", payload
	}
	chat := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		chat = append(chat, chatMessage{Role: chatRole(msg.Role), Content: msg.Content})
	}
	payload["messages"] = chat
	return "chat", "/api/chat", payload
}

// finish fills token counts the server did not report with estimates.
func (m *Model) finish(result domain.LLMResult, completion string, started time.Time) domain.LLMResult {
	result.Completion = completion
	if result.PromptTokens == 0 {
		result.PromptTokens = estimateTokens(result.Prompt)
	}
	if result.CompletionTokens == 0 {
		result.CompletionTokens = estimateTokens(completion)
	}
	result.Latency = time.Since(started)
	return result
}

func chatRole(role domain.MessageRole) string {
	switch role {
	case domain.RoleSystem:
		return "system"
	case domain.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}

func flattenMessages(messages []domain.PromptMessage) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n\n")
}

func estimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
