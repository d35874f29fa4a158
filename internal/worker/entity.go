package worker

import (
	"github.com/kazz187/bugyo/internal/session"
	"github.com/kazz187/bugyo/internal/workflow"
)

// ID identifies a worker for the life of the orchestrator process.
// Ids are allocated only by the orchestrator and never reused.
type ID int64

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusIdle     Status = "Idle"
	StatusRunning  Status = "Running"
	StatusPaused   Status = "Paused"
	StatusFailed   Status = "Failed"
	StatusArchived Status = "Archived"
)

// Snapshot is the mutable, observable state of one worker. It is owned by
// the worker's runtime but also written by the orchestrator during rename
// and persist, so all access goes through the runtime's lock.
type Snapshot struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Issue       string `json:"issue,omitempty"`
	Agent       string `json:"agent"`
	Worktree    string `json:"worktree"`
	Branch      string `json:"branch"`
	Status      Status `json:"status"`
	LastEvent   string `json:"last_event"`
	Workflow    string `json:"workflow"`
	TotalSteps  int    `json:"total_steps"`
	CurrentStep string `json:"current_step,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Record is the durable aggregate persisted per worker.
type Record struct {
	Snapshot       Snapshot          `json:"snapshot"`
	Logs           []string          `json:"logs"`
	Workflow       workflow.Workflow `json:"workflow"`
	CompletedSteps int               `json:"completed_steps"`
	SessionHistory []session.History `json:"session_history"`
}

// CreateRequest describes a new worker. Name, Workflow and agent fields are
// optional; FreePrompt builds a synthetic single-step workflow instead of a
// named one. ExistingCheckout adopts an already-provisioned checkout rather
// than creating a fresh one.
type CreateRequest struct {
	Name             string
	Issue            string
	Agent            string
	Workflow         string
	FreePrompt       string
	PermissionMode   string
	ExistingCheckout *Checkout
}

// Checkout is a provisioned working copy.
type Checkout struct {
	Path   string
	Branch string
}
