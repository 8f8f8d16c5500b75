package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/doppeld/doppeld/pkg/conversation"
	"github.com/doppeld/doppeld/pkg/persona"
	"github.com/doppeld/doppeld/pkg/provider"
	"github.com/doppeld/doppeld/pkg/retrieval"
	"github.com/doppeld/doppeld/pkg/segment"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id"`
}

// Common error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// HTTPStatusFromError maps the stores' and provider's sentinel errors
// to HTTP status codes. Anything unrecognized is a 500.
func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, segment.ErrNotFound),
		errors.Is(err, persona.ErrNotFound),
		errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, segment.ErrInvalidSegment),
		errors.Is(err, persona.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, retrieval.ErrBuildInProgress):
		return http.StatusConflict
	case errors.Is(err, provider.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError maps err to a status and code and writes the envelope.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	code := ErrorCodeFromStatus(status)
	Error(w, status, code, err.Error(), requestID)
}
