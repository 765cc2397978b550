package httpapi

import (
	"context"
	"errors"
	"net/http"

	"branchchat/backend/internal/conversation"
	"branchchat/backend/internal/openrouter"
	"branchchat/backend/internal/tree"
)

// writeDomainError maps tree, ownership and provider errors onto the JSON
// error body. Unknown errors are logged and reported as storage failures.
func (h Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("code", code).
			Msg("request failed")
	}
	writeError(w, status, code, message)
}

func classifyError(err error) (int, string, string) {
	var upstream openrouter.UpstreamError
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, "not_found", "conversation not found"
	case errors.Is(err, tree.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, conversation.ErrForbidden):
		return http.StatusForbidden, "forbidden", "resource belongs to another user"
	case errors.Is(err, tree.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, tree.ErrConflict):
		return http.StatusConflict, "conflict", "conversation changed concurrently, retry"
	case errors.Is(err, tree.ErrInvariantViolation):
		return http.StatusConflict, "invariant_violation", err.Error()
	case errors.Is(err, tree.ErrCorruptTree):
		return http.StatusInternalServerError, "tree_corrupt", "conversation tree is corrupt"
	case errors.Is(err, openrouter.ErrMissingAPIKey):
		return http.StatusServiceUnavailable, "provider_unconfigured", "completion provider is not configured"
	case errors.As(err, &upstream), errors.Is(err, openrouter.ErrEmptyResponse):
		return http.StatusBadGateway, "provider_error", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "provider_timeout", "completion timed out"
	default:
		return http.StatusInternalServerError, "db_error", "storage operation failed"
	}
}
