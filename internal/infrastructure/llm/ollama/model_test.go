package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/pricing"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/resilience"
)

func newTestModel(t *testing.T, serverURL string, spec domain.ModelSpec, options Options) *Model {
	t.Helper()
	provider := NewProvider(New(serverURL, options), pricing.NewTable(nil, ""), "openai")
	client, err := provider.Model(context.Background(), spec, true)
	if err != nil {
		t.Fatalf("Model() error = %v", err)
	}
	return client.(*Model)
}

func TestGenerateStreamsChatFragments(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":21,"eval_count":2}`)
	}))
	defer server.Close()

	model := newTestModel(t, server.URL, domain.ModelSpec{
		Provider:         "ollama",
		Name:             "llama3.1:8b",
		CompletionParams: map[string]any{"temperature": 0.2},
	}, Options{})

	var fragments []string
	result, err := model.Generate(context.Background(), []domain.PromptMessage{
		{Role: domain.RoleSystem, Content: "Be brief."},
		{Role: domain.RoleHuman, Content: "Say hello"},
	}, []string{"Human:"}, func(text string) error {
		fragments = append(fragments, text)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(fragments) != 2 || fragments[0] != "Hel" || fragments[1] != "lo" {
		t.Fatalf("unexpected fragments: %v", fragments)
	}
	if result.Completion != "Hello" || result.PromptTokens != 21 || result.CompletionTokens != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Prompt != "Be brief.\n\nSay hello" {
		t.Fatalf("unexpected prompt: %q", result.Prompt)
	}

	messages, _ := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("unexpected messages: %v", captured["messages"])
	}
	if role := messages[1].(map[string]any)["role"]; role != "user" {
		t.Fatalf("human role must map to user, got %v", role)
	}
	options, _ := captured["options"].(map[string]any)
	if options["temperature"] != 0.2 || options["stop"] == nil {
		t.Fatalf("unexpected options: %v", options)
	}
	if captured["stream"] != true {
		t.Fatalf("expected streaming request")
	}
}

func TestGenerateUsesFlatPromptForCompletionModels(t *testing.T) {
	var path string
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		prompt, _ = payload["prompt"].(string)
		fmt.Fprintln(w, `{"response":"ok","done":true}`)
	}))
	defer server.Close()

	model := newTestModel(t, server.URL, domain.ModelSpec{Provider: "openai", Name: "text-davinci-003"}, Options{})
	result, err := model.Generate(context.Background(), []domain.PromptMessage{{Role: domain.RoleHuman, Content: "complete this"}}, nil, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if path != "/api/generate" || prompt != "complete this" {
		t.Fatalf("unexpected request path=%s prompt=%q", path, prompt)
	}
	if result.Completion != "ok" || result.CompletionTokens != 1 {
		t.Fatalf("expected estimated token counts, got %+v", result)
	}
	if !model.UnitPrice(domain.RoleHuman).Equal(model.UnitPrice(domain.RoleAssistant)) {
		t.Fatalf("text-davinci-003 prices prompt and completion alike")
	}
}

func TestGenerateReturnsPartialResultWhenCallbackFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"one "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"two"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":" three"},"done":true}`)
	}))
	defer server.Close()

	model := newTestModel(t, server.URL, domain.ModelSpec{Provider: "ollama", Name: "m"}, Options{})
	calls := 0
	result, err := model.Generate(context.Background(), []domain.PromptMessage{{Role: domain.RoleHuman, Content: "q"}}, nil, func(string) error {
		calls++
		if calls == 2 {
			return domain.ErrTaskStopped
		}
		return nil
	})
	if !errors.Is(err, domain.ErrTaskStopped) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if result.Completion != "one two" {
		t.Fatalf("unexpected partial completion %q", result.Completion)
	}
}

func TestGenerateMapsHTTPStatusToProviderKind(t *testing.T) {
	cases := []struct {
		status int
		kind   domain.ProviderErrorKind
	}{
		{http.StatusBadRequest, domain.ProviderBadRequest},
		{http.StatusUnauthorized, domain.ProviderUnauthorized},
		{http.StatusForbidden, domain.ProviderUnauthorized},
		{http.StatusTooManyRequests, domain.ProviderRateLimited},
		{http.StatusServiceUnavailable, domain.ProviderUnavailable},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model says no", tc.status)
		}))
		model := newTestModel(t, server.URL, domain.ModelSpec{Provider: "ollama", Name: "m"}, Options{})
		_, err := model.Generate(context.Background(), []domain.PromptMessage{{Role: domain.RoleHuman, Content: "q"}}, nil, nil)
		server.Close()

		if !domain.IsProviderKind(err, tc.kind) {
			t.Fatalf("status %d: expected %s, got %v", tc.status, tc.kind, err)
		}
		if domain.ErrorName(err) != "provider_"+string(tc.kind) {
			t.Fatalf("status %d: unexpected error name %s", tc.status, domain.ErrorName(err))
		}
	}
}

func TestGenerateRetriesUnavailableBeforeStreaming(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, `{"message":{"content":"ready"},"done":true}`)
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     1,
	}, zaptest.NewLogger(t))
	model := newTestModel(t, server.URL, domain.ModelSpec{Provider: "ollama", Name: "m"}, Options{
		ResilienceExecutor: executor,
		Logger:             zaptest.NewLogger(t),
	})

	result, err := model.Generate(context.Background(), []domain.PromptMessage{{Role: domain.RoleHuman, Content: "q"}}, nil, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.Completion != "ready" || attempts.Load() != 2 {
		t.Fatalf("unexpected result %+v after %d attempts", result, attempts.Load())
	}
}

func fastExecutor(t *testing.T) *resilience.Executor {
	t.Helper()
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     1,
	}, zaptest.NewLogger(t))
}

func TestGenerateDoesNotRetryAfterFragmentForwarded(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		fmt.Fprintln(w, `{"message":{"content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":`)
	}))
	defer server.Close()

	model := newTestModel(t, server.URL, domain.ModelSpec{Provider: "ollama", Name: "m"}, Options{ResilienceExecutor: fastExecutor(t)})
	var fragments []string
	result, err := model.Generate(context.Background(), []domain.PromptMessage{{Role: domain.RoleHuman, Content: "q"}}, nil, func(text string) error {
		fragments = append(fragments, text)
		return nil
	})

	if !domain.IsProviderKind(err, domain.ProviderUnavailable) {
		t.Fatalf("expected unavailable provider error, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Fatalf("stream must not be replayed after a fragment, got %d attempts", attempts.Load())
	}
	if len(fragments) != 1 || result.Completion != "Hel" {
		t.Fatalf("unexpected fragments %v completion %q", fragments, result.Completion)
	}
}

func TestGenerateRetriesBrokenStreamBeforeFirstFragment(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			fmt.Fprintln(w, `{"message":`)
			return
		}
		fmt.Fprintln(w, `{"message":{"content":"ok"},"done":true,"eval_count":1}`)
	}))
	defer server.Close()

	model := newTestModel(t, server.URL, domain.ModelSpec{Provider: "ollama", Name: "m"}, Options{ResilienceExecutor: fastExecutor(t)})
	var fragments []string
	result, err := model.Generate(context.Background(), []domain.PromptMessage{{Role: domain.RoleHuman, Content: "q"}}, nil, func(text string) error {
		fragments = append(fragments, text)
		return nil
	})

	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if attempts.Load() != 2 || len(fragments) != 1 || result.Completion != "ok" {
		t.Fatalf("unexpected outcome: attempts=%d fragments=%v result=%+v", attempts.Load(), fragments, result)
	}
}

func TestGenerateCallbackFailureIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		fmt.Fprintln(w, `{"message":{"content":"a"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"b"},"done":true}`)
	}))
	defer server.Close()

	model := newTestModel(t, server.URL, domain.ModelSpec{Provider: "ollama", Name: "m"}, Options{ResilienceExecutor: fastExecutor(t)})
	_, err := model.Generate(context.Background(), []domain.PromptMessage{{Role: domain.RoleHuman, Content: "q"}}, nil, func(string) error {
		return domain.ErrTaskStopped
	})

	if !errors.Is(err, domain.ErrTaskStopped) {
		t.Fatalf("expected callback error unchanged, got %v", err)
	}
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		t.Fatalf("callback error must not become a provider error, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestGenerateConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	model := newTestModel(t, url, domain.ModelSpec{Provider: "ollama", Name: "m"}, Options{})
	_, err := model.Generate(context.Background(), []domain.PromptMessage{{Role: domain.RoleHuman, Content: "q"}}, nil, nil)
	if !domain.IsProviderKind(err, domain.ProviderConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestProviderRejectsUnknownProvider(t *testing.T) {
	provider := NewProvider(New("http://localhost:11434", Options{}), nil)
	_, err := provider.Model(context.Background(), domain.ModelSpec{Provider: "anthropic", Name: "x"}, true)
	if !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	_, err = provider.Model(context.Background(), domain.ModelSpec{Provider: "ollama"}, true)
	if !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error for empty name, got %v", err)
	}
}

func TestTokenCountEstimatesFourCharactersPerToken(t *testing.T) {
	model := &Model{prices: pricing.NewTable(nil, "")}
	count, err := model.TokenCount(context.Background(), []domain.PromptMessage{
		{Role: domain.RoleSystem, Content: "12345678"},
		{Role: domain.RoleHuman, Content: "héllo"},
	})
	if err != nil {
		t.Fatalf("TokenCount() error = %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 tokens, got %d", count)
	}
}
