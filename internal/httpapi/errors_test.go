package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"branchchat/backend/internal/conversation"
	"branchchat/backend/internal/openrouter"
	"branchchat/backend/internal/tree"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: m1", tree.ErrNotFound), http.StatusNotFound, "not_found"},
		{conversation.ErrNotFound, http.StatusNotFound, "not_found"},
		{conversation.ErrForbidden, http.StatusForbidden, "forbidden"},
		{fmt.Errorf("%w: content is required", tree.ErrInvalidInput), http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("%w: insert", tree.ErrConflict), http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: two active", tree.ErrInvariantViolation), http.StatusConflict, "invariant_violation"},
		{fmt.Errorf("%w: cycle", tree.ErrCorruptTree), http.StatusInternalServerError, "tree_corrupt"},
		{openrouter.UpstreamError{StatusCode: 500, Body: "boom"}, http.StatusBadGateway, "provider_error"},
		{fmt.Errorf("complete: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "provider_timeout"},
		{errors.New("disk full"), http.StatusInternalServerError, "db_error"},
	}

	for _, tc := range cases {
		status, code, _ := classifyError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("classifyError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
