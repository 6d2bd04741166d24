package webhook

import (
	"time"
)

// Event types emitted when a chain execution finishes
const (
	EventExecutionCompleted = "autorun.execution.completed"
	EventExecutionAborted   = "autorun.execution.aborted"
)

// Event is the JSON body posted to every configured endpoint
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Resource  Resource  `json:"resource"`
	Data      any       `json:"data"`
}

// Resource identifies what the event is about
type Resource struct {
	Type string `json:"type"` // e.g., "execution"
	Key  string `json:"key"`  // e.g., execution id
}

// Endpoint is one delivery target. Secret may be empty, in which case the
// signature header is omitted.
type Endpoint struct {
	URL    string
	Secret string
}
