package worker

import "time"

// EventType enumerates the events emitted on a worker system's event bus.
type EventType string

const (
	EventCreated             EventType = "created"
	EventUpdated             EventType = "updated"
	EventLog                 EventType = "log"
	EventDeleted             EventType = "deleted"
	EventRenamed             EventType = "renamed"
	EventError               EventType = "error"
	EventPermissionRequested EventType = "permission_requested"
	EventPermissionResolved  EventType = "permission_resolved"
)

// Event is one observable occurrence in the worker system. WorkerID is zero
// for events not tied to a specific worker (some errors). Consumers may rely
// on per-worker emission order but not on cross-worker ordering.
type Event struct {
	Type      EventType           `json:"type"`
	WorkerID  ID                  `json:"worker_id,omitempty"`
	Snapshot  *Snapshot           `json:"snapshot,omitempty"`
	Line      string              `json:"line,omitempty"`
	Message   string              `json:"message,omitempty"`
	OldName   string              `json:"old_name,omitempty"`
	NewName   string              `json:"new_name,omitempty"`
	Request   *PermissionRequest  `json:"request,omitempty"`
	RequestID uint64              `json:"request_id,omitempty"`
	Decision  *PermissionDecision `json:"decision,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

func newEvent(t EventType, workerID ID) Event {
	return Event{Type: t, WorkerID: workerID, Timestamp: time.Now().UTC()}
}
