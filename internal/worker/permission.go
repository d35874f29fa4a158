package worker

import "sync/atomic"

// PermissionRequest asks a human to approve one agent-prompt step before
// its subprocess is launched. Request ids are globally unique across all
// workers.
type PermissionRequest struct {
	ID             uint64   `json:"id"`
	StepName       string   `json:"step_name"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
}

// PermissionDecision resolves a pending request. Allow may override the
// step's declared permission mode and tool list; Deny aborts the step and
// pauses the worker.
type PermissionDecision struct {
	Allow          bool     `json:"allow"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
}

var permissionRequestID atomic.Uint64

// nextPermissionRequestID allocates the next request id. Ids start at 1 so
// zero never identifies a real request.
func nextPermissionRequestID() uint64 {
	return permissionRequestID.Add(1)
}
