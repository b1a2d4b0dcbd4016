package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	"github.com/kubilitics/team-onboarding/internal/pkg/logger"
)

// APIError represents a structured API error response
type APIError struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error codes for common scenarios
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodePolicyViolation  = "POLICY_VIOLATION"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeAuditWrite       = "AUDIT_WRITE_FAILURE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// statusForKind maps a fault kind to its HTTP status and error code.
func statusForKind(kind fault.Kind) (int, string) {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest, ErrCodeValidationFailed
	case fault.KindPolicy:
		return http.StatusForbidden, ErrCodePolicyViolation
	case fault.KindNotFound:
		return http.StatusNotFound, ErrCodeNotFound
	case fault.KindConflict:
		return http.StatusConflict, ErrCodeConflict
	case fault.KindInvalidState:
		return http.StatusConflict, ErrCodeInvalidState
	case fault.KindTransient:
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case fault.KindAuditWrite:
		return http.StatusInternalServerError, ErrCodeAuditWrite
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}

// respondStructuredError sends a structured error response with error code and details
func respondStructuredError(w http.ResponseWriter, status int, code, message, requestID string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{
		Error:     message,
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	})
}

// respondInvalid reports a malformed request.
func respondInvalid(w http.ResponseWriter, r *http.Request, message string) {
	respondStructuredError(w, http.StatusBadRequest, ErrCodeInvalidRequest, message, logger.FromContext(r.Context()), nil)
}

// respondFault translates a service error into its HTTP form. Internal errors are logged
// and their message withheld.
func respondFault(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	kind := fault.KindOf(err)
	status, code := statusForKind(kind)
	reqID := logger.FromContext(r.Context())
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "error_kind", kind, "error", err)
		if kind == fault.KindInternal {
			message = "internal error"
		}
	}
	respondStructuredError(w, status, code, message, reqID, map[string]string{"kind": string(kind)})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
