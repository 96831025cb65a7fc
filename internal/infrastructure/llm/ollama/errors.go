package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ollama status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ollama %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// providerErrorFromStatus maps an HTTP status onto the closed provider error
// set.
func providerErrorFromStatus(err *HTTPStatusError) *domain.ProviderError {
	var kind domain.ProviderErrorKind
	switch code := err.StatusCode; {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		kind = domain.ProviderUnauthorized
	case code == http.StatusTooManyRequests:
		kind = domain.ProviderRateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		kind = domain.ProviderUnavailable
	default:
		kind = domain.ProviderBadRequest
	}
	return domain.NewProviderError(kind, err.Error(), err)
}

func transportError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewProviderError(domain.ProviderUnavailable, "ollama "+operation+" timed out", err)
	}
	return domain.NewProviderError(domain.ProviderConnection, "ollama "+operation+" request failed", err)
}

// asProviderError leaves provider errors and context errors untouched and
// reports an open breaker as the provider being unavailable.
func asProviderError(operation string, err error) error {
	var pe *domain.ProviderError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pe):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case resilience.IsCircuitOpen(err):
		return domain.NewProviderError(domain.ProviderUnavailable, "ollama "+operation+" circuit open", err)
	default:
		return domain.NewProviderError(domain.ProviderConnection, "ollama "+operation, err)
	}
}
