package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventTransition EventType = "transition" // any phase change not covered below
	EventStart      EventType = "start"      // process spawned (running) or target satisfied
	EventExit       EventType = "exit"       // process exited cleanly
	EventFailure    EventType = "failure"    // spawn failure or abnormal exit
	EventRestart    EventType = "restart"    // restart scheduled
	EventStop       EventType = "stop"       // node reached its terminal phase
)

// TypeForPhase maps a phase name to the event type exported for it.
func TypeForPhase(phase string) EventType {
	switch phase {
	case "running", "satisfied":
		return EventStart
	case "exited":
		return EventExit
	case "failed":
		return EventFailure
	case "restart_pending":
		return EventRestart
	case "stopped":
		return EventStop
	}
	return EventTransition
}

// Record is the state of one node at the time of an event.
type Record struct {
	Session  string `json:"session,omitempty"`
	Node     string `json:"node"`
	PID      int    `json:"pid,omitempty"`
	From     string `json:"from,omitempty"`
	Phase    string `json:"phase"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
	Restarts int    `json:"restarts"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
