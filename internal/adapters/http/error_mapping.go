package httpadapter

import (
	"net/http"
	"strings"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrAlreadyFinalized):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// mapErrorNameToHTTPStatus maps the tag carried by an out-of-band error event,
// as produced by domain.ErrorName, for blocking responses.
func mapErrorNameToHTTPStatus(name string) int {
	switch {
	case name == "invalid_request", name == "configuration_error", name == "provider_bad_request":
		return http.StatusBadRequest
	case name == "unauthorized", name == "provider_unauthorized":
		return http.StatusUnauthorized
	case name == "not_found":
		return http.StatusNotFound
	case name == "provider_rate_limited":
		return http.StatusTooManyRequests
	case name == "temporary_failure", strings.HasPrefix(name, "provider_"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), errorResponse{
		Error:       domain.ErrorName(err),
		Description: err.Error(),
	})
}
