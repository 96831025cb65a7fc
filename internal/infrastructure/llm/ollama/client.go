package ollama

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/resilience"
)

const defaultTimeout = 120 * time.Second

// Client talks to the Ollama HTTP API. It is shared by every Model the
// Provider hands out.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
	logger     *zap.Logger
}

type Options struct {
	// Timeout bounds a whole streamed generation, body included.
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
	Logger             *zap.Logger
}

func New(baseURL string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
		logger:     logger.Named("ollama"),
	}
}

// stream posts the request and hands the response body to read. The whole
// exchange is retried until read marks the attempt Delivered.
func (c *Client) stream(ctx context.Context, operation, path string, payload any, read func(io.Reader, *resilience.Attempt) error) error {
	call := func(callCtx context.Context, attempt *resilience.Attempt) error {
		resp, err := c.post(callCtx, operation, path, payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return read(resp.Body, attempt)
	}

	var err error
	if c.executor != nil {
		err = c.executor.ExecuteStream(ctx, "ollama."+operation, call, resilience.ClassifyProviderError)
	} else {
		err = call(ctx, &resilience.Attempt{Number: 1})
	}
	return asProviderError(operation, err)
}
