package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/m-koster/wegwerf/internal/session"
	"github.com/m-koster/wegwerf/internal/store"
)

// Error codes returned in API responses
const (
	ErrCodeSessionNotFound      = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired       = "SESSION_EXPIRED"
	ErrCodeSessionNotRunning    = "SESSION_NOT_RUNNING"
	ErrCodeLogsUnavailable      = "LOGS_UNAVAILABLE"
	ErrCodeContainerUnavailable = "CONTAINER_UNAVAILABLE"
	ErrCodeTooManySessions      = "TOO_MANY_SESSIONS"
	ErrCodeRuntimeError         = "RUNTIME_ERROR"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeAPIError writes a structured error response with appropriate HTTP
// status. Typed sentinels keep their messages; anything unexpected is logged
// and surfaced as a generic internal failure.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	// Map known errors to structured responses
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		apiErr = APIError{
			Code:    ErrCodeSessionNotFound,
			Message: err.Error(),
		}
		statusCode = http.StatusNotFound

	case errors.Is(err, session.ErrAlreadyExpired):
		apiErr = APIError{
			Code:    ErrCodeSessionExpired,
			Message: err.Error(),
		}
		statusCode = http.StatusConflict

	case errors.Is(err, session.ErrNotRunning):
		apiErr = APIError{
			Code:    ErrCodeSessionNotRunning,
			Message: err.Error(),
		}
		statusCode = http.StatusConflict

	case errors.Is(err, session.ErrLogsUnavailable):
		apiErr = APIError{
			Code:    ErrCodeLogsUnavailable,
			Message: err.Error(),
		}
		statusCode = http.StatusConflict

	case errors.Is(err, session.ErrValidation):
		apiErr = APIError{
			Code:    ErrCodeInvalidRequest,
			Message: err.Error(),
		}
		statusCode = http.StatusBadRequest

	case errors.Is(err, session.ErrTooManySessions):
		apiErr = APIError{
			Code:    ErrCodeTooManySessions,
			Message: err.Error(),
		}
		statusCode = http.StatusTooManyRequests

	case errors.Is(err, session.ErrContainerUnavailable):
		apiErr = APIError{
			Code:    ErrCodeContainerUnavailable,
			Message: err.Error(),
		}
		statusCode = http.StatusBadGateway

	case errors.Is(err, session.ErrRuntime):
		apiErr = APIError{
			Code:    ErrCodeRuntimeError,
			Message: err.Error(),
		}
		statusCode = http.StatusInternalServerError

	default:
		// Diagnostics belong in the log, not the response body.
		s.logger.Error("unhandled error in api response", "error", err)
		apiErr = APIError{
			Code:    ErrCodeInternalError,
			Message: "internal server error",
		}
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}
