package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TimurManjosov/goautorun/internal/fault"
)

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(http.StatusBadRequest, ErrCodeInvalidFingerprint, "os must be concrete")

	if resp.Error != "Bad Request" {
		t.Errorf("Expected Error 'Bad Request', got '%s'", resp.Error)
	}
	if resp.Message != "os must be concrete" {
		t.Errorf("Expected Message 'os must be concrete', got '%s'", resp.Message)
	}
	if resp.Code != ErrCodeInvalidFingerprint {
		t.Errorf("Expected Code ErrCodeInvalidFingerprint, got '%s'", resp.Code)
	}
}

func TestErrorResponse_WithFields(t *testing.T) {
	fields := map[string]string{
		"browser": "must not be empty",
		"os":      "must be concrete",
	}

	resp := NewErrorResponse(http.StatusBadRequest, ErrCodeValidation, "Validation failed").
		WithFields(fields)

	if len(resp.Fields) != 2 {
		t.Errorf("Expected 2 fields, got %d", len(resp.Fields))
	}
	if resp.Fields["os"] != "must be concrete" {
		t.Errorf("Expected field 'os' to be 'must be concrete', got '%s'", resp.Fields["os"])
	}
}

func TestErrorResponse_WithRequestID(t *testing.T) {
	resp := NewErrorResponse(http.StatusInternalServerError, ErrCodeInternal, "Internal error").
		WithRequestID("req-123")

	if resp.RequestID != "req-123" {
		t.Errorf("Expected RequestID 'req-123', got '%s'", resp.RequestID)
	}
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter, r *http.Request)
		wantStatus int
		wantCode   ErrorCode
	}{
		{"validation", func(w http.ResponseWriter, r *http.Request) {
			ValidationError(w, r, "Validation failed", map[string]string{"step": "required"})
		}, http.StatusBadRequest, ErrCodeValidation},
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			BadRequestError(w, r, ErrCodeInvalidJSON, "Invalid JSON")
		}, http.StatusBadRequest, ErrCodeInvalidJSON},
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			UnauthorizedError(w, r, "Missing authentication")
		}, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"forbidden", func(w http.ResponseWriter, r *http.Request) {
			ForbiddenError(w, r, "Insufficient permissions")
		}, http.StatusForbidden, ErrCodeForbidden},
		{"internal", func(w http.ResponseWriter, r *http.Request) {
			InternalError(w, r, "journal unreachable")
		}, http.StatusInternalServerError, ErrCodeInternal},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			NotFoundError(w, r, "no history")
		}, http.StatusNotFound, ErrCodeNotFound},
		{"too large", func(w http.ResponseWriter, r *http.Request) {
			RequestTooLargeError(w, r, "Request body exceeds limit")
		}, http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge},
		{"unavailable", func(w http.ResponseWriter, r *http.Request) {
			ServiceUnavailableError(w, r, "rule reload disabled")
		}, http.StatusServiceUnavailable, ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/report/abc", nil)
			tt.write(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestFaultError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
	}{
		{"invalid session", fault.New(fault.KindInvalidSession, "poll", "abc", nil), http.StatusNotFound, ErrCodeInvalidSession},
		{"dispatch channel", fault.New(fault.KindDispatchChannel, "enqueue", "abc", errors.New("queue full")), http.StatusServiceUnavailable, ErrCodeDispatchChannel},
		{"rule load", fault.New(fault.KindRuleLoad, "load", "r.json", nil), http.StatusUnprocessableEntity, ErrCodeRuleLoad},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			FaultError(w, httptest.NewRequest(http.MethodGet, "/poll/abc", nil), tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Code, tt.wantCode)
			}
		})
	}
}
