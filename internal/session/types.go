package session

import (
	"context"
	"errors"
	"time"

	"github.com/TimurManjosov/goautorun/internal/rules"
)

// State is a session's lifecycle position: pending -> online -> (disconnected | expired).
type State string

const (
	StatePending      State = "pending"
	StateOnline       State = "online"
	StateDisconnected State = "disconnected"
	StateExpired      State = "expired"
)

// Terminal reports whether s is disconnected or expired.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateExpired
}

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminated = errors.New("session terminated")
	ErrQueueFull         = errors.New("command queue full")
)

// Command is one module invocation queued for a session.
type Command struct {
	ID          string         `json:"id"`
	Module      string         `json:"module"`
	Options     map[string]any `json:"options,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Position    int            `json:"position"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// Result is what a session reports back for a command.
type Result struct {
	CommandID  string    `json:"command_id"`
	Success    bool      `json:"success"`
	Data       any       `json:"data,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// PendingCommand is a queued command that has not been reported yet.
type PendingCommand struct {
	Command
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Info is a point-in-time view of a session for administrative queries.
type Info struct {
	ID          string            `json:"id"`
	Fingerprint rules.Fingerprint `json:"fingerprint"`
	State       State             `json:"state"`
	HookedAt    time.Time         `json:"hooked_at"`
	LastSeen    time.Time         `json:"last_seen"`
	Pending     int               `json:"pending"`
}

// Journal records session history outside the registry. Implementations must be
// safe for concurrent use. The registry never asks a journal to delete anything.
type Journal interface {
	RecordHook(ctx context.Context, info Info) error
	RecordState(ctx context.Context, sessionID string, state State, at time.Time) error
	RecordCommand(ctx context.Context, sessionID string, cmd Command) error
	RecordResult(ctx context.Context, sessionID string, res Result) error
}
