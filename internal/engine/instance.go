package engine

import (
	"encoding/json"
	"time"
)

// InstanceStatus is the runtime state of a workflow instance.
type InstanceStatus string

const (
	StatusRunning    InstanceStatus = "Running"
	StatusCompleted  InstanceStatus = "Completed"
	StatusFailed     InstanceStatus = "Failed"
	StatusTerminated InstanceStatus = "Terminated"
)

// Terminal reports whether the instance will make no further progress.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// Instance is one durable, resumable execution of a workflow function.
type Instance struct {
	ID       string          `json:"id"`
	Workflow string          `json:"workflow"`
	Input    json.RawMessage `json:"input"`
	Status   InstanceStatus  `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`

	// ParentID and ParentSeq link a child instance to the suspension point
	// in its parent that awaits it.
	ParentID  string `json:"parentId,omitempty"`
	ParentSeq int    `json:"parentSeq,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EventKind identifies the kind of suspension point an event resolves.
type EventKind string

const (
	KindActivity EventKind = "activity"
	KindTimer    EventKind = "timer"
	KindEvent    EventKind = "event"
	KindChild    EventKind = "child"
	KindNow      EventKind = "now"
)

// Event is one resolved suspension-point result in an instance history.
//
// Seq is the request-order slot assigned while executing the workflow
// function; replay maps results back to suspension points by Seq. Pos is the
// arrival-order position in the history, used only to decide race winners.
type Event struct {
	Pos     int             `json:"pos"`
	Seq     int             `json:"seq"`
	Kind    EventKind       `json:"kind"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

// Command is a pending suspension-point request that has been scheduled but
// not yet resolved. Commands are persisted so timers and in-flight activities
// survive a process restart.
type Command struct {
	Seq   int             `json:"seq"`
	Kind  EventKind       `json:"kind"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	DueAt time.Time       `json:"dueAt,omitempty"`
}
