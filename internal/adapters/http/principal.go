package httpadapter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

const (
	accountIDHeader = "X-Account-Id"
	endUserIDHeader = "X-End-User-Id"
)

// principalFromRequest reads the requester identity set by the upstream
// gateway. Exactly one of the two headers must be present.
func principalFromRequest(r *http.Request) (domain.Principal, error) {
	accountID := strings.TrimSpace(r.Header.Get(accountIDHeader))
	endUserID := strings.TrimSpace(r.Header.Get(endUserIDHeader))

	switch {
	case accountID != "" && endUserID != "":
		return domain.Principal{}, domain.WrapError(domain.ErrInvalidInput, "resolve principal",
			errors.New("only one of X-Account-Id and X-End-User-Id may be set"))
	case accountID != "":
		return domain.Account(accountID), nil
	case endUserID != "":
		return domain.EndUser(endUserID), nil
	default:
		return domain.Principal{}, domain.WrapError(domain.ErrUnauthorized, "resolve principal",
			errors.New("X-Account-Id or X-End-User-Id is required"))
	}
}
