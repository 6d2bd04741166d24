package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/TimurManjosov/goautorun/internal/fault"
	"github.com/go-chi/chi/v5/middleware"
)

// ErrorCode represents machine-readable error codes
type ErrorCode string

const (
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden       ErrorCode = "FORBIDDEN"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeRequestTooLarge ErrorCode = "REQUEST_TOO_LARGE"
	ErrCodeUnavailable     ErrorCode = "UNAVAILABLE"

	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidJSON        ErrorCode = "INVALID_JSON"
	ErrCodeInvalidFingerprint ErrorCode = "INVALID_FINGERPRINT"

	// hook sessions and the autorun engine
	ErrCodeInvalidSession  ErrorCode = "INVALID_SESSION"
	ErrCodeDispatchChannel ErrorCode = "DISPATCH_CHANNEL_FAILURE"
	ErrCodeRuleLoad        ErrorCode = "RULE_LOAD_ERROR"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error     string            `json:"error"`                // HTTP status text
	Message   string            `json:"message"`              // Human-readable description
	Code      ErrorCode         `json:"code"`                 // Machine-readable error code
	Fields    map[string]string `json:"fields,omitempty"`     // Field-level errors
	RequestID string            `json:"request_id,omitempty"` // Request ID for debugging
}

// NewErrorResponse creates a new error response
func NewErrorResponse(statusCode int, code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	}
}

// WithFields adds field-level errors to the response
func (e *ErrorResponse) WithFields(fields map[string]string) *ErrorResponse {
	e.Fields = fields
	return e
}

// WithRequestID adds a request ID to the response
func (e *ErrorResponse) WithRequestID(requestID string) *ErrorResponse {
	e.RequestID = requestID
	return e
}

// writeErrorResponse writes errResp as JSON, stamping the chi request id.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errResp *ErrorResponse) {
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		errResp.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errResp)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	writeErrorResponse(w, r, status, NewErrorResponse(status, code, message))
}

// ValidationError reports field-level problems with a request body or query.
func ValidationError(w http.ResponseWriter, r *http.Request, message string, fields map[string]string) {
	writeErrorResponse(w, r, http.StatusBadRequest,
		NewErrorResponse(http.StatusBadRequest, ErrCodeValidation, message).WithFields(fields))
}

func BadRequestError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	writeError(w, r, http.StatusBadRequest, code, message)
}

func UnauthorizedError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func ForbiddenError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusForbidden, ErrCodeForbidden, message)
}

func InternalError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, message)
}

func NotFoundError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusNotFound, ErrCodeNotFound, message)
}

func RequestTooLargeError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge, message)
}

// ServiceUnavailableError is used when an optional collaborator (journal,
// rule source) is not configured.
func ServiceUnavailableError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// FaultError maps an autorun fault onto a response. Unknown errors are internal
// and do not leak their text.
func FaultError(w http.ResponseWriter, r *http.Request, err error) {
	switch fault.KindOf(err) {
	case fault.KindInvalidSession:
		writeError(w, r, http.StatusNotFound, ErrCodeInvalidSession, "unknown or terminated session")
	case fault.KindDispatchChannel:
		writeError(w, r, http.StatusServiceUnavailable, ErrCodeDispatchChannel, err.Error())
	case fault.KindRuleLoad:
		writeError(w, r, http.StatusUnprocessableEntity, ErrCodeRuleLoad, err.Error())
	default:
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Op != "" {
			InternalError(w, r, fe.Op+" failed")
			return
		}
		InternalError(w, r, "internal error")
	}
}
