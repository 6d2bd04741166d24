// Package audit records administrative actions (session expiry and removal,
// rule reloads) to a sink without blocking the request that caused them.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action constants for audit logging
const (
	ActionExpired    = "expired"
	ActionDeleted    = "deleted"
	ActionReloaded   = "reloaded"
	ActionAuthFailed = "auth_failed"
)

// ResourceType constants for audit logging
const (
	ResourceTypeSession = "session"
	ResourceTypeRules   = "rules"
	ResourceTypeSystem  = "system"
)

// Status constants for audit logging
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const (
	defaultQueueSize = 1000
	writeTimeout     = 5 * time.Second
)

// Clock interface for testable time operations
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now()
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator interface for testable ID generation
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator implements IDGenerator using UUID v4
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string { return uuid.NewString() }

// Redactor removes sensitive values from event details
type Redactor interface {
	Redact(data map[string]any) map[string]any
}

// DefaultRedactor replaces values whose key is known to hold credentials.
type DefaultRedactor struct {
	sensitiveKeys map[string]bool
}

func NewDefaultRedactor() *DefaultRedactor {
	keys := []string{"password", "secret", "token", "api_key", "key_hash", "authorization", "cookie"}
	r := &DefaultRedactor{sensitiveKeys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		r.sensitiveKeys[k] = true
	}
	return r
}

func (r *DefaultRedactor) Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	redacted := make(map[string]any, len(data))
	for k, v := range data {
		switch {
		case r.sensitiveKeys[k]:
			redacted[k] = "[REDACTED]"
		case isMap(v):
			redacted[k] = r.Redact(v.(map[string]any))
		default:
			redacted[k] = v
		}
	}
	return redacted
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// Actor represents who performed the action
type Actor struct {
	Role    string `json:"role,omitempty"`
	Display string `json:"display"`
}

// Source represents request metadata
type Source struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// Event is one audited action
type Event struct {
	OccurredAt   time.Time      `json:"occurred_at"`
	RequestID    string         `json:"request_id"`
	Actor        Actor          `json:"actor"`
	Source       Source         `json:"source"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
}

// Sink defines the interface for persisting audit events
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Service queues events and writes them to its sink from one background worker.
type Service struct {
	sink     Sink
	clock    Clock
	idgen    IDGenerator
	redactor Redactor
	logger   zerolog.Logger

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
}

// NewService creates a new audit service and starts its worker. Nil
// collaborators select the defaults.
func NewService(sink Sink, clock Clock, idgen IDGenerator, redactor Redactor, queueSize int, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	if idgen == nil {
		idgen = UUIDGenerator{}
	}
	if redactor == nil {
		redactor = NewDefaultRedactor()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	s := &Service{
		sink:     sink,
		clock:    clock,
		idgen:    idgen,
		redactor: redactor,
		logger:   logger,
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Service) worker() {
	defer close(s.done)
	for event := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.sink.Write(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("action", event.Action).Msg("audit: failed to write event")
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queue is drained or ctx ends.
// Close is safe to call multiple times.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Log queues an event for asynchronous processing. Events are dropped when the
// queue is full or the service is closed.
func (s *Service) Log(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now()
	}
	if event.RequestID == "" {
		event.RequestID = s.idgen.Generate()
	}
	if event.Details != nil {
		event.Details = s.redactor.Redact(event.Details)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- event:
	default:
		s.logger.Warn().Str("resource_type", event.ResourceType).Str("resource_id", event.ResourceID).
			Msg("audit: queue full, dropping event")
	}
}
