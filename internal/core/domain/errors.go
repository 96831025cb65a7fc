package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrConfiguration    = errors.New("configuration error")
	ErrTaskStopped      = errors.New("task stopped by user")
	ErrAlreadyFinalized = errors.New("message already finalized")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTemporary        = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

type ProviderErrorKind string

// Closed set of failures a model provider may surface. The orchestrator relays
// them unchanged.
const (
	ProviderBadRequest   ProviderErrorKind = "bad_request"
	ProviderConnection   ProviderErrorKind = "connection"
	ProviderUnavailable  ProviderErrorKind = "unavailable"
	ProviderRateLimited  ProviderErrorKind = "rate_limited"
	ProviderUnauthorized ProviderErrorKind = "unauthorized"
)

type ProviderError struct {
	Kind    ProviderErrorKind
	Message string
	Err     error
}

func NewProviderError(kind ProviderErrorKind, message string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Message: message, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func IsProviderKind(err error, kind ProviderErrorKind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == kind
}

// ErrorName returns the stable tag published in out-of-band error events.
func ErrorName(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return "provider_" + string(pe.Kind)
	case errors.Is(err, ErrInvalidInput):
		return "invalid_request"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrTaskStopped):
		return "task_stopped"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTemporary):
		return "temporary_failure"
	default:
		return "internal_error"
	}
}
