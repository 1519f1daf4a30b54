package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad id", types.ErrInvalidIdentifier), http.StatusBadRequest},
		{types.ErrEmptyContent, http.StatusBadRequest},
		{types.ErrSelfLoop, http.StatusBadRequest},
		{fmt.Errorf("%w: user:bob", types.ErrAccessDenied), http.StatusForbidden},
		{fmt.Errorf("%w: x", types.ErrNodeNotFound), http.StatusNotFound},
		{types.ErrJobNotFound, http.StatusNotFound},
		{types.ErrPathNotFound, http.StatusNotFound},
		{types.ErrJobNotCancellable, http.StatusConflict},
		{types.NewStageError(types.StageCommit, types.ErrCommitConflict), http.StatusConflict},
		{types.NewStageError(types.StageSplit, types.ErrParseFailure), http.StatusUnprocessableEntity},
		{types.ErrExtractionFailure, http.StatusBadGateway},
		{types.ErrGraphUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, code)
		})
	}
}
