package audit

import (
	"net"
	"net/http"

	"github.com/TimurManjosov/goautorun/internal/auth"
	"github.com/go-chi/chi/v5/middleware"
)

// EventBuilder provides a fluent API for constructing audit events.
//
// Usage:
//
//	event := audit.NewEventBuilder(r).
//		ForResource(audit.ResourceTypeSession, id).
//		WithAction(audit.ActionExpired).
//		Success().
//		Build()
//
//	service.Log(event)
type EventBuilder struct {
	event Event
}

// NewEventBuilder creates a builder initialized with the request ID, the caller's
// role and the client address. It expects to run behind RealIP and RequireAuth.
func NewEventBuilder(r *http.Request) *EventBuilder {
	actor := Actor{Display: "anonymous"}
	if role, ok := auth.GetRoleFromContext(r.Context()); ok {
		actor = Actor{Role: string(role), Display: "api_key:" + string(role)}
	}

	return &EventBuilder{
		event: Event{
			RequestID: middleware.GetReqID(r.Context()),
			Actor:     actor,
			Source: Source{
				IPAddress: clientIP(r.RemoteAddr),
				UserAgent: r.UserAgent(),
			},
			Status: StatusSuccess,
		},
	}
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// ForResource sets the resource type and ID for the event.
func (b *EventBuilder) ForResource(resourceType, resourceID string) *EventBuilder {
	b.event.ResourceType = resourceType
	b.event.ResourceID = resourceID
	return b
}

// WithAction sets the action for the event.
func (b *EventBuilder) WithAction(action string) *EventBuilder {
	b.event.Action = action
	return b
}

// WithDetails attaches action-specific data. Sensitive keys are redacted when logged.
func (b *EventBuilder) WithDetails(details map[string]any) *EventBuilder {
	if details != nil {
		b.event.Details = details
	}
	return b
}

// Success marks the event as successful (default).
func (b *EventBuilder) Success() *EventBuilder {
	b.event.Status = StatusSuccess
	b.event.ErrorMessage = nil
	return b
}

// Failure marks the event as failed and sets an error message.
func (b *EventBuilder) Failure(errorMsg string) *EventBuilder {
	b.event.Status = StatusFailure
	if errorMsg != "" {
		b.event.ErrorMessage = &errorMsg
	}
	return b
}

// Build returns the constructed Event.
func (b *EventBuilder) Build() Event {
	return b.event
}
