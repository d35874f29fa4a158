package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kazz187/bugyo/internal/claudecli"
	"github.com/kazz187/bugyo/internal/eventbus"
	"github.com/kazz187/bugyo/internal/session"
	"github.com/kazz187/bugyo/internal/workflow"
	"github.com/kazz187/bugyo/pkg/panicerr"
	"github.com/kazz187/bugyo/pkg/shellformat"
)

const (
	// maxLogLines bounds the per-worker log ring; oldest lines drop first.
	maxLogLines = 1000

	// stepPacing is a short pause between steps so bursts of marker lines
	// stay readable in live log views.
	stepPacing = 400 * time.Millisecond
)

// Runtime owns one worker's execution thread and its shared observable
// state. The snapshot, log ring and session histories are the only fields
// touched from outside the run goroutine; all access to them goes through
// mu. The workflow and completed-step counter are mutated only while the
// run goroutine is stopped.
type Runtime struct {
	mu        sync.Mutex
	snapshot  Snapshot
	logs      []string
	histories []session.History
	workflow  workflow.Workflow
	completed int

	stopFlag atomic.Bool
	done     chan struct{}

	commands chan<- command
	bus      *eventbus.Bus[Event]
}

func NewRuntime(snapshot Snapshot, wf workflow.Workflow, commands chan<- command, bus *eventbus.Bus[Event]) *Runtime {
	snapshot.Workflow = wf.Name
	snapshot.TotalSteps = len(wf.Steps)
	return &Runtime{
		snapshot: snapshot,
		workflow: wf,
		commands: commands,
		bus:      bus,
	}
}

// Restore pre-seeds a runtime from a persisted record without starting it.
func (r *Runtime) Restore(logs []string, histories []session.History, completedSteps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append([]string(nil), logs...)
	r.histories = append([]session.History(nil), histories...)
	r.completed = completedSteps
}

// Snapshot returns a copy of the current observable state.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

func (r *Runtime) ID() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.ID
}

func (r *Runtime) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Name
}

// SetName updates the snapshot name. Registry bookkeeping is the
// orchestrator's job.
func (r *Runtime) SetName(name string) {
	r.mu.Lock()
	r.snapshot.Name = name
	snapshot := r.snapshot
	r.mu.Unlock()
	r.publishUpdated(snapshot)
}

func (r *Runtime) SetStatus(status Status, lastEvent string) {
	r.mu.Lock()
	r.snapshot.Status = status
	if lastEvent != "" {
		r.snapshot.LastEvent = lastEvent
	}
	snapshot := r.snapshot
	r.mu.Unlock()
	r.publishUpdated(snapshot)
}

// Record builds the durable representation of this worker.
func (r *Runtime) Record() *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Record{
		Snapshot:       r.snapshot,
		Logs:           append([]string(nil), r.logs...),
		Workflow:       r.workflow,
		CompletedSteps: r.completed,
		SessionHistory: append([]session.History(nil), r.histories...),
	}
}

// Inspect copies the snapshot, logs and session histories in one lock hold.
func (r *Runtime) Inspect() *Inspection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Inspection{
		Snapshot:       r.snapshot,
		Logs:           append([]string(nil), r.logs...),
		SessionHistory: append([]session.History(nil), r.histories...),
	}
}

func (r *Runtime) CompletedSteps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// ResetSteps rewinds the pipeline to the first step. Call only while the
// run goroutine is stopped.
func (r *Runtime) ResetSteps() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = 0
}

// AppendFollowUpStep marks every existing step as completed and appends a
// single agent step carrying the follow-up prompt, so the next run executes
// only that step. Call only while the run goroutine is stopped.
func (r *Runtime) AppendFollowUpStep(prompt, permissionMode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = len(r.workflow.Steps)
	r.workflow.Steps = append(r.workflow.Steps, workflow.Step{
		Name:        fmt.Sprintf("follow-up-%d", len(r.workflow.Steps)+1),
		Description: "Follow-up instruction",
		Agent: &workflow.AgentStep{
			Prompt:         prompt,
			PermissionMode: permissionMode,
		},
	})
	r.snapshot.TotalSteps = len(r.workflow.Steps)
}

// Start launches the run goroutine. The previous run must have been joined.
func (r *Runtime) Start(ctx context.Context) {
	r.stopFlag.Store(false)
	r.done = make(chan struct{})
	done := r.done
	go func() {
		defer close(done)
		err := panicerr.Safe(func() error {
			r.run(ctx)
			return nil
		})()
		if err != nil {
			r.SetStatus(StatusFailed, fmt.Sprintf("worker panicked: %v", err))
			event := newEvent(EventError, r.ID())
			event.Message = err.Error()
			r.bus.Publish(event)
		}
	}()
}

// RequestStop asks the run goroutine to exit at its next step boundary.
// It does not interrupt a blocked external process or permission wait.
func (r *Runtime) RequestStop() {
	r.stopFlag.Store(true)
}

// Join waits for the run goroutine to exit. Safe to call when the runtime
// was never started.
func (r *Runtime) Join() {
	if r.done != nil {
		<-r.done
	}
}

func (r *Runtime) publishUpdated(snapshot Snapshot) {
	event := newEvent(EventUpdated, snapshot.ID)
	event.Snapshot = &snapshot
	r.bus.Publish(event)
}

// appendLog pushes one line into the bounded ring and emits a log event.
func (r *Runtime) appendLog(line string) {
	r.mu.Lock()
	r.logs = append(r.logs, line)
	if len(r.logs) > maxLogLines {
		r.logs = r.logs[len(r.logs)-maxLogLines:]
	}
	id := r.snapshot.ID
	r.mu.Unlock()

	event := newEvent(EventLog, id)
	event.Line = line
	r.bus.Publish(event)
}

func (r *Runtime) run(ctx context.Context) {
	r.mu.Lock()
	wf := r.workflow
	start := r.completed
	id := r.snapshot.ID
	r.mu.Unlock()

	totalSteps := len(wf.Steps)
	if totalSteps == 0 {
		r.SetStatus(StatusIdle, "no workflow steps defined")
		return
	}

	if start == 0 {
		r.SetStatus(StatusRunning, fmt.Sprintf("starting workflow %q", wf.Name))
	}

	for idx := start; idx < totalSteps; idx++ {
		if r.stopFlag.Load() {
			r.setPaused("worker cancelled")
			return
		}

		step := wf.Steps[idx]
		desc := step.Description
		if desc == "" {
			desc = "executing step"
		}

		r.mu.Lock()
		r.snapshot.Status = StatusRunning
		r.snapshot.CurrentStep = fmt.Sprintf("%d/%d: %s", idx+1, totalSteps, step.Name)
		r.snapshot.LastEvent = desc
		snapshot := r.snapshot
		r.mu.Unlock()
		r.publishUpdated(snapshot)

		r.appendLog(fmt.Sprintf("[STEP_START:%d:%s]", idx, step.Name))
		r.appendLog(fmt.Sprintf("[%s] %s", step.Name, desc))

		var (
			lines []string
			err   error
		)
		switch {
		case step.Agent != nil:
			err = r.runAgentStep(ctx, step, snapshot)
			if errors.Is(err, errPermissionDenied) {
				r.mu.Lock()
				r.snapshot.Status = StatusPaused
				r.snapshot.LastEvent = fmt.Sprintf("permission denied for step %q", step.Name)
				r.snapshot.CurrentStep = ""
				paused := r.snapshot
				r.mu.Unlock()
				r.publishUpdated(paused)
				return
			}
		case step.Command != "":
			r.appendLog("$ " + r.formatCommand(step.Command))
			lines, err = runShellCommand(ctx, step.Command, snapshot.Worktree)
		default:
			lines = []string{"(no-op step)"}
		}

		r.appendLog("[RESULT_START]")
		if err != nil {
			r.appendLog(fmt.Sprintf("Error: %v", err))
			r.appendLog("[RESULT_END]")
			r.appendLog("[STEP_END:Failed]")

			r.mu.Lock()
			r.snapshot.Status = StatusFailed
			r.snapshot.LastEvent = fmt.Sprintf("step failed: %v", err)
			failed := r.snapshot
			r.mu.Unlock()
			r.publishUpdated(failed)

			errEvent := newEvent(EventError, id)
			errEvent.Message = err.Error()
			r.bus.Publish(errEvent)
			return
		}
		for _, line := range lines {
			r.appendLog(line)
		}
		r.appendLog("[RESULT_END]")
		r.appendLog("[STEP_END:Success]")

		r.mu.Lock()
		r.completed = idx + 1
		r.mu.Unlock()

		// Best effort: if the orchestrator's queue is saturated the persist
		// request is dropped rather than blocking the pipeline.
		select {
		case r.commands <- persistCommand{id: id}:
		default:
		}

		time.Sleep(stepPacing)
	}

	r.mu.Lock()
	r.snapshot.Status = StatusIdle
	r.snapshot.LastEvent = fmt.Sprintf("workflow %q completed", wf.Name)
	r.snapshot.CurrentStep = ""
	idle := r.snapshot
	r.mu.Unlock()
	r.publishUpdated(idle)
	r.appendLog(fmt.Sprintf("Workflow %q completed", wf.Name))
}

func (r *Runtime) setPaused(reason string) {
	r.mu.Lock()
	r.snapshot.Status = StatusPaused
	r.snapshot.LastEvent = reason
	r.snapshot.CurrentStep = ""
	snapshot := r.snapshot
	r.mu.Unlock()
	r.publishUpdated(snapshot)
}

var errPermissionDenied = errors.New("permission denied")

// runAgentStep performs the permission handshake and, when allowed, runs
// the agent subprocess in the worker's checkout.
func (r *Runtime) runAgentStep(ctx context.Context, step workflow.Step, snapshot Snapshot) error {
	cfg := step.Agent
	request := PermissionRequest{
		ID:             nextPermissionRequestID(),
		StepName:       step.Name,
		PermissionMode: cfg.PermissionMode,
		AllowedTools:   cfg.AllowedTools,
	}
	reply := make(chan PermissionDecision, 1)

	r.commands <- permissionPromptCommand{id: snapshot.ID, request: request, reply: reply}

	r.mu.Lock()
	r.snapshot.LastEvent = fmt.Sprintf("waiting for permission on step %q", step.Name)
	waiting := r.snapshot
	r.mu.Unlock()
	r.publishUpdated(waiting)
	r.appendLog(fmt.Sprintf("waiting for permission (request #%d, tools: %s)",
		request.ID, describeAllowedTools(request.AllowedTools)))

	// Blocks with no timeout. Delete, restart and continue deny pending
	// requests before joining this goroutine, so the wait always resolves.
	decision := <-reply
	if !decision.Allow {
		r.appendLog("permission denied, aborting step")
		return errPermissionDenied
	}
	r.appendLog("permission granted")

	mode := decision.PermissionMode
	if mode == "" {
		mode = cfg.PermissionMode
	}
	tools := decision.AllowedTools
	if tools == nil {
		tools = cfg.AllowedTools
	}

	prompt := renderPrompt(cfg.Prompt, snapshot)

	r.appendLog("[PROMPT_START]")
	r.appendLog("─── Prompt ───")
	for _, line := range strings.Split(prompt, "\n") {
		r.appendLog(line)
	}
	r.appendLog("[PROMPT_END]")

	r.mu.Lock()
	r.snapshot.LastEvent = "running agent..."
	sessionID := r.snapshot.SessionID
	running := r.snapshot
	r.mu.Unlock()
	r.publishUpdated(running)

	r.appendLog("")
	r.appendLog("⏳ agent running, output appears after completion")
	r.appendLog("")

	result, err := claudecli.Run(ctx, claudecli.Options{
		Prompt:         prompt,
		Dir:            snapshot.Worktree,
		SessionID:      sessionID,
		Model:          cfg.Model,
		PermissionMode: mode,
		AllowedTools:   tools,
		ExtraArgs:      cfg.ExtraArgs,
	}, r.appendLog)

	r.appendLog("")
	if err != nil {
		return err
	}
	r.appendLog("✅ agent run completed")

	r.mu.Lock()
	if result.SessionID != "" {
		r.snapshot.SessionID = result.SessionID
	}
	r.histories = append(r.histories, result.History)
	updated := r.snapshot
	r.mu.Unlock()
	r.publishUpdated(updated)
	return nil
}

func (r *Runtime) formatCommand(command string) string {
	formatted, err := shellformat.Format(command)
	if err != nil || formatted == "" {
		return command
	}
	return formatted
}

// runShellCommand executes a command through bash in the checkout and
// returns its non-empty output lines. A non-zero exit is an error.
func runShellCommand(ctx context.Context, command, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "bash", "-lc", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()

	var lines []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if err != nil {
		return lines, fmt.Errorf("command %q failed: %w", command, err)
	}
	return lines, nil
}

func renderPrompt(template string, snapshot Snapshot) string {
	issue := snapshot.Issue
	if issue == "" {
		issue = "(no issue)"
	}
	replacer := strings.NewReplacer(
		"{{issue}}", issue,
		"{{worker}}", snapshot.Name,
		"{{branch}}", snapshot.Branch,
		"{{worktree}}", snapshot.Worktree,
	)
	return replacer.Replace(template)
}

func describeAllowedTools(tools []string) string {
	if tools == nil {
		return "unrestricted"
	}
	if len(tools) == 0 {
		return "none"
	}
	return strings.Join(tools, ", ")
}
