package worker

import "github.com/kazz187/bugyo/internal/session"

// command is a message consumed by the orchestrator goroutine. All worker
// table mutations happen inside the loop, so commands need no locking.
// Commands issued by callers carry a reply channel so the caller observes
// validation errors synchronously; commands issued by runtimes do not.
type command interface{ isCommand() }

type createReply struct {
	snapshot Snapshot
	err      error
}

type createCommand struct {
	req   CreateRequest
	reply chan createReply
}

type deleteCommand struct {
	id    ID
	reply chan error
}

type restartCommand struct {
	id    ID
	reply chan error
}

type continueCommand struct {
	id             ID
	prompt         string
	permissionMode string
	reply          chan error
}

type renameCommand struct {
	id      ID
	newName string
	reply   chan error
}

// persistCommand is sent by a runtime after each completed step. It is
// fire-and-forget; persistence is best effort.
type persistCommand struct {
	id ID
}

type permissionPromptCommand struct {
	id      ID
	request PermissionRequest
	reply   chan PermissionDecision
}

type permissionResponseCommand struct {
	id        ID
	requestID uint64
	decision  PermissionDecision
	reply     chan error
}

// listCommand is a synchronous query; the orchestrator replies with the
// current snapshots in id order.
type listCommand struct {
	reply chan []Snapshot
}

// inspectCommand fetches one worker's snapshot, logs and session histories.
type inspectCommand struct {
	id    ID
	reply chan *Inspection
}

// Inspection is a point-in-time copy of one worker's observable state.
type Inspection struct {
	Snapshot       Snapshot
	Logs           []string
	SessionHistory []session.History
}

func (createCommand) isCommand()             {}
func (deleteCommand) isCommand()             {}
func (restartCommand) isCommand()            {}
func (continueCommand) isCommand()           {}
func (renameCommand) isCommand()             {}
func (persistCommand) isCommand()            {}
func (permissionPromptCommand) isCommand()   {}
func (permissionResponseCommand) isCommand() {}
func (listCommand) isCommand()               {}
func (inspectCommand) isCommand()            {}
