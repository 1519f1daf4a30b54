package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/6chenhua/research-agent-backend/pkg/namespace"
	"github.com/6chenhua/research-agent-backend/pkg/server/dto"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// statusFor maps a domain error onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrAccessDenied):
		return http.StatusForbidden, dto.CodeAccessDenied
	case errors.Is(err, types.ErrNodeNotFound),
		errors.Is(err, types.ErrJobNotFound),
		errors.Is(err, types.ErrPathNotFound):
		return http.StatusNotFound, dto.CodeNotFound
	case errors.Is(err, types.ErrCommitConflict),
		errors.Is(err, types.ErrJobNotCancellable):
		return http.StatusConflict, dto.CodeConflict
	case errors.Is(err, types.ErrParseFailure):
		return http.StatusUnprocessableEntity, dto.CodeParseFailure
	case errors.Is(err, types.ErrExtractionFailure):
		return http.StatusBadGateway, dto.CodeExtractionFailure
	case errors.Is(err, types.ErrGraphUnavailable):
		return http.StatusServiceUnavailable, dto.CodeGraphUnavailable
	case errors.Is(err, types.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, dto.CodeTimeout
	case errors.Is(err, types.ErrInvalidIdentifier),
		errors.Is(err, types.ErrEmptyName),
		errors.Is(err, types.ErrEmptyNamespace),
		errors.Is(err, types.ErrEmptyUUID),
		errors.Is(err, types.ErrEmptyContent),
		errors.Is(err, types.ErrInvalidLimit),
		errors.Is(err, types.ErrUnknownType),
		errors.Is(err, types.ErrEmptyEndpoint),
		errors.Is(err, types.ErrSelfLoop):
		return http.StatusBadRequest, dto.CodeInvalidRequest
	default:
		return http.StatusInternalServerError, dto.CodeInternal
	}
}

// writeError writes err as an ErrorResponse with the mapped status.
func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	writeErrorJSON(c, status, code, err.Error())
}

// writeErrorJSON writes an error response as JSON
func writeErrorJSON(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error:     code,
		Message:   message,
		Code:      status,
		RequestID: requestID(c),
	})
}

// badRequest reports a malformed request.
func badRequest(c *gin.Context, err error) {
	writeErrorJSON(c, http.StatusBadRequest, dto.CodeInvalidRequest, err.Error())
}

// userID returns the caller identity set by the context middleware.
func userID(c *gin.Context) string {
	id, _ := c.Request.Context().Value(types.ContextKeyUserID).(string)
	return id
}

func requestID(c *gin.Context) string {
	id, _ := c.Request.Context().Value(types.ContextKeyRequestID).(string)
	return id
}

// callerNamespace is the caller's own namespace, or global for anonymous
// callers.
func callerNamespace(c *gin.Context) string {
	if id := userID(c); id != "" {
		return namespace.UserPrefix + id
	}
	return namespace.Global
}
