package store

import (
	"context"
	"errors"
	"time"

	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/session"
)

// ErrNotFound is returned when a session has no recorded history.
var ErrNotFound = errors.New("session history not found")

// Store persists session history written by the session registry.
// Implementations must be thread-safe and never delete history.
type Store interface {
	session.Journal

	// Sessions returns the most recently hooked sessions, newest first.
	// limit <= 0 means no limit.
	Sessions(ctx context.Context, limit int) ([]SessionRecord, error)

	// History returns a session record and its events in the order recorded.
	// Returns ErrNotFound if the session was never recorded.
	History(ctx context.Context, sessionID string) (*History, error)

	// Close releases any resources held by the store.
	Close() error
}

// SessionRecord is the persisted summary of one session.
type SessionRecord struct {
	ID          string            `json:"id"`
	Fingerprint rules.Fingerprint `json:"fingerprint"`
	State       session.State     `json:"state"`
	HookedAt    time.Time         `json:"hooked_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EventKind names what an Event records.
type EventKind string

const (
	EventHook    EventKind = "hook"
	EventState   EventKind = "state"
	EventCommand EventKind = "command"
	EventResult  EventKind = "result"
)

// Event is one history entry. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind      `json:"kind"`
	At        time.Time      `json:"at"`
	State     session.State  `json:"state,omitempty"`
	CommandID string         `json:"command_id,omitempty"`
	Module    string         `json:"module,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Data      any            `json:"data,omitempty"`
}

// History is a session record plus its events.
type History struct {
	Session SessionRecord `json:"session"`
	Events  []Event       `json:"events"`
}

func hookRecord(info session.Info) SessionRecord {
	return SessionRecord{
		ID:          info.ID,
		Fingerprint: info.Fingerprint,
		State:       info.State,
		HookedAt:    info.HookedAt.UTC(),
		UpdatedAt:   info.HookedAt.UTC(),
	}
}

func commandEvent(cmd session.Command) Event {
	return Event{Kind: EventCommand, At: cmd.EnqueuedAt.UTC(), CommandID: cmd.ID, Module: cmd.Module, Options: cmd.Options}
}

func resultEvent(res session.Result) Event {
	ok := res.Success
	return Event{Kind: EventResult, At: res.ReceivedAt.UTC(), CommandID: res.CommandID, Success: &ok, Data: res.Data}
}
