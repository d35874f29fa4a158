// Package worker implements the multi-worker orchestration core: a
// single-writer orchestrator goroutine consuming a command channel, one
// runtime goroutine per live worker, and a synchronous human permission
// handshake gating every agent invocation.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kazz187/bugyo/internal/eventbus"
	"github.com/kazz187/bugyo/internal/session"
	"github.com/kazz187/bugyo/internal/workflow"
	"github.com/kazz187/bugyo/pkg/cerr"
)

const commandBufferSize = 256

// Store is the durable state backend the orchestrator persists through.
// Implemented by internal/state.Store.
type Store interface {
	LoadNextID(ctx context.Context) (int64, error)
	SaveNextID(ctx context.Context, nextID int64) error
	SaveWorker(ctx context.Context, record *Record) error
	LoadWorkers(ctx context.Context) ([]*Record, error)
	DeleteWorker(ctx context.Context, name string) error
	RenameWorker(ctx context.Context, oldName, newName string) error
	AppendAction(ctx context.Context, message, workerName string) error
}

// CheckoutProvider provisions and tears down isolated working copies.
// Implemented by the git worktree adapter.
type CheckoutProvider interface {
	Create(ctx context.Context, workerID int64) (Checkout, error)
	Remove(ctx context.Context, co Checkout) error
	Exists(path string) bool
}

// WorkflowSource supplies the current workflow configuration.
type WorkflowSource interface {
	Config() *workflow.Config
}

type pendingPermission struct {
	workerID ID
	request  PermissionRequest
	reply    chan PermissionDecision
}

// Orchestrator is the single writer of the worker table, name registry,
// id counter and pending-permission table. All mutations happen in the
// Run goroutine; callers interact through the command channel only.
type Orchestrator struct {
	commands  chan command
	bus       *eventbus.Bus[Event]
	store     Store
	checkouts CheckoutProvider
	workflows WorkflowSource
	logger    *slog.Logger

	defaultPermissionMode string

	// Owned exclusively by the Run goroutine.
	nextID   int64
	registry *NameRegistry
	workers  map[ID]*Runtime
	archived map[ID]*Record
	pending  map[uint64]pendingPermission
	runCtx   context.Context
}

type Options struct {
	Store                 Store
	Checkouts             CheckoutProvider
	Workflows             WorkflowSource
	Bus                   *eventbus.Bus[Event]
	Logger                *slog.Logger
	DefaultPermissionMode string
}

func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		commands:              make(chan command, commandBufferSize),
		bus:                   opts.Bus,
		store:                 opts.Store,
		checkouts:             opts.Checkouts,
		workflows:             opts.Workflows,
		logger:                logger,
		defaultPermissionMode: opts.DefaultPermissionMode,
		nextID:                1,
		registry:              NewNameRegistry(),
		workers:               make(map[ID]*Runtime),
		archived:              make(map[ID]*Record),
		pending:               make(map[uint64]pendingPermission),
	}
}

// Events returns the bus carrying worker events.
func (o *Orchestrator) Events() *eventbus.Bus[Event] {
	return o.bus
}

// Restore loads persisted workers before Run starts. Records whose checkout
// still exists come back as Idle runtimes pre-seeded with their saved logs
// and histories; execution never auto-resumes. Records whose checkout is
// gone surface as Archived, kept only for inspection and deletion.
func (o *Orchestrator) Restore(ctx context.Context) error {
	nextID, err := o.store.LoadNextID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load id counter: %w", err)
	}
	o.nextID = nextID

	records, err := o.store.LoadWorkers(ctx)
	if err != nil {
		o.logger.Warn("some worker records could not be loaded", "error", err)
	}
	for _, record := range records {
		snapshot := record.Snapshot
		if !o.checkouts.Exists(snapshot.Worktree) {
			snapshot.Status = StatusArchived
			snapshot.CurrentStep = ""
			record.Snapshot = snapshot
			o.archived[snapshot.ID] = record
			o.publishRestored(snapshot, nil)
			continue
		}

		snapshot.Status = StatusIdle
		snapshot.CurrentStep = ""
		if err := o.registry.Register(snapshot.Name, snapshot.ID); err != nil {
			o.logger.Warn("skipping worker with conflicting name",
				"name", snapshot.Name, "id", snapshot.ID, "error", err)
			continue
		}
		rt := NewRuntime(snapshot, record.Workflow, o.commands, o.bus)
		rt.Restore(record.Logs, record.SessionHistory, record.CompletedSteps)
		o.workers[snapshot.ID] = rt
		if snapshot.ID >= ID(o.nextID) {
			o.nextID = int64(snapshot.ID) + 1
		}
		o.publishRestored(snapshot, record.Logs)
	}
	return nil
}

// publishRestored announces a restored worker and replays its saved log
// lines so observers that subscribed before restore catch up on state they
// would otherwise only see via polling.
func (o *Orchestrator) publishRestored(snapshot Snapshot, logs []string) {
	created := newEvent(EventCreated, snapshot.ID)
	snap := snapshot
	created.Snapshot = &snap
	o.bus.Publish(created)
	for _, line := range logs {
		event := newEvent(EventLog, snapshot.ID)
		event.Line = line
		o.bus.Publish(event)
	}
}

// Run consumes commands until ctx is cancelled, then shuts every worker
// down. It must run in exactly one goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runCtx = context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			o.shutdownAll()
			return ctx.Err()
		case cmd := <-o.commands:
			o.dispatch(cmd)
		}
	}
}

func (o *Orchestrator) dispatch(cmd command) {
	switch c := cmd.(type) {
	case createCommand:
		snapshot, err := o.handleCreate(c.req)
		c.reply <- createReply{snapshot: snapshot, err: err}
	case deleteCommand:
		c.reply <- o.handleDelete(c.id)
	case restartCommand:
		c.reply <- o.handleRestart(c.id)
	case continueCommand:
		c.reply <- o.handleContinue(c.id, c.prompt, c.permissionMode)
	case renameCommand:
		c.reply <- o.handleRename(c.id, c.newName)
	case persistCommand:
		o.persistWorker(c.id)
	case permissionPromptCommand:
		o.handlePermissionPrompt(c)
	case permissionResponseCommand:
		c.reply <- o.handlePermissionResponse(c.id, c.requestID, c.decision)
	case listCommand:
		c.reply <- o.handleList()
	case inspectCommand:
		c.reply <- o.handleInspect(c.id)
	}
}

func (o *Orchestrator) handleCreate(req CreateRequest) (Snapshot, error) {
	wf, err := o.resolveWorkflow(req)
	if err != nil {
		return Snapshot{}, err
	}

	id := ID(o.nextID)

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("worker-%d-%d", id, time.Now().Unix())
	}
	if err := ValidateName(name); err != nil {
		return Snapshot{}, err
	}
	if err := o.registry.Register(name, id); err != nil {
		return Snapshot{}, err
	}

	var checkout Checkout
	if req.ExistingCheckout != nil {
		checkout = *req.ExistingCheckout
	} else {
		checkout, err = o.checkouts.Create(o.runCtx, int64(id))
		if err != nil {
			o.registry.Unregister(name)
			return Snapshot{}, cerr.NewError(cerr.Internal,
				fmt.Sprintf("failed to provision checkout for worker %q", name), err)
		}
	}

	o.nextID++
	if err := o.store.SaveNextID(o.runCtx, o.nextID); err != nil {
		o.logger.Warn("failed to persist id counter", "error", err)
	}

	agent := req.Agent
	if agent == "" {
		agent = "Claude"
	}
	snapshot := Snapshot{
		ID:       id,
		Name:     name,
		Issue:    req.Issue,
		Agent:    agent,
		Worktree: checkout.Path,
		Branch:   checkout.Branch,
		Status:   StatusIdle,
	}

	rt := NewRuntime(snapshot, wf, o.commands, o.bus)
	o.workers[id] = rt

	created := newEvent(EventCreated, id)
	snap := rt.Snapshot()
	created.Snapshot = &snap
	o.bus.Publish(created)

	rt.Start(o.runCtx)

	o.persistWorker(id)
	o.appendAction(fmt.Sprintf("created worker %s", name), name)
	return snap, nil
}

func (o *Orchestrator) resolveWorkflow(req CreateRequest) (workflow.Workflow, error) {
	if req.FreePrompt != "" {
		mode := req.PermissionMode
		if mode == "" {
			mode = o.defaultPermissionMode
		}
		return workflow.Workflow{
			Name:        "free-prompt",
			Description: "Single free-form instruction",
			Steps: []workflow.Step{{
				Name: "prompt",
				Agent: &workflow.AgentStep{
					Prompt:         req.FreePrompt,
					PermissionMode: mode,
				},
			}},
		}, nil
	}

	cfg := o.workflows.Config()
	if req.Workflow != "" {
		wf := cfg.ByName(req.Workflow)
		if wf == nil {
			return workflow.Workflow{}, cerr.NewError(cerr.NotFound,
				fmt.Sprintf("workflow %q not found", req.Workflow), nil)
		}
		return *wf, nil
	}
	return *cfg.Default(), nil
}

func (o *Orchestrator) handleDelete(id ID) error {
	if record, ok := o.archived[id]; ok {
		if err := o.store.DeleteWorker(o.runCtx, record.Snapshot.Name); err != nil {
			o.logger.Warn("failed to delete archived worker record",
				"name", record.Snapshot.Name, "error", err)
		}
		delete(o.archived, id)
		o.publishDeleted(id, fmt.Sprintf("archived worker %s deleted", record.Snapshot.Name))
		o.appendAction(fmt.Sprintf("deleted archived worker %s", record.Snapshot.Name), record.Snapshot.Name)
		return nil
	}

	rt, ok := o.workers[id]
	if !ok {
		return o.unknownWorker(id)
	}
	name := rt.Name()
	snapshot := rt.Snapshot()

	// Pending permissions must be denied before joining, or the join would
	// wait on a goroutine that is itself waiting on a reply.
	o.cancelPendingPermissions(id)
	rt.RequestStop()
	rt.Join()

	if err := o.checkouts.Remove(o.runCtx, Checkout{Path: snapshot.Worktree, Branch: snapshot.Branch}); err != nil {
		errEvent := newEvent(EventError, id)
		errEvent.Message = fmt.Sprintf("failed to remove checkout for worker %s: %v", name, err)
		o.bus.Publish(errEvent)
	}

	if err := o.store.DeleteWorker(o.runCtx, name); err != nil {
		o.logger.Warn("failed to delete worker record", "name", name, "error", err)
	}

	o.registry.Unregister(name)
	delete(o.workers, id)
	o.publishDeleted(id, fmt.Sprintf("worker %s deleted", name))
	o.appendAction(fmt.Sprintf("deleted worker %s", name), name)
	return nil
}

func (o *Orchestrator) handleRestart(id ID) error {
	rt, ok := o.workers[id]
	if !ok {
		return o.unknownWorker(id)
	}

	o.cancelPendingPermissions(id)
	rt.RequestStop()
	rt.Join()

	rt.ResetSteps()
	rt.Start(o.runCtx)

	o.persistWorker(id)
	o.appendAction(fmt.Sprintf("restarted worker %s", rt.Name()), rt.Name())
	return nil
}

func (o *Orchestrator) handleContinue(id ID, prompt, permissionMode string) error {
	rt, ok := o.workers[id]
	if !ok {
		return o.unknownWorker(id)
	}
	if prompt == "" {
		return cerr.NewError(cerr.InvalidArgument, "continue prompt is empty", nil)
	}

	o.cancelPendingPermissions(id)
	rt.RequestStop()
	rt.Join()

	if permissionMode == "" {
		permissionMode = o.defaultPermissionMode
	}
	rt.AppendFollowUpStep(prompt, permissionMode)
	rt.Start(o.runCtx)

	o.persistWorker(id)
	o.appendAction(fmt.Sprintf("continued worker %s", rt.Name()), rt.Name())
	return nil
}

func (o *Orchestrator) handleRename(id ID, newName string) error {
	rt, ok := o.workers[id]
	if !ok {
		return o.unknownWorker(id)
	}
	if err := ValidateName(newName); err != nil {
		return err
	}

	oldName := rt.Name()
	if oldName == newName {
		return nil
	}
	if err := o.registry.Rename(oldName, newName, id); err != nil {
		return err
	}
	if err := o.store.RenameWorker(o.runCtx, oldName, newName); err != nil {
		// Roll the registry back so memory and disk stay consistent.
		if rbErr := o.registry.Rename(newName, oldName, id); rbErr != nil {
			o.logger.Error("failed to roll back rename", "old", oldName, "new", newName, "error", rbErr)
		}
		return err
	}
	rt.SetName(newName)
	o.persistWorker(id)

	renamed := newEvent(EventRenamed, id)
	renamed.OldName = oldName
	renamed.NewName = newName
	o.bus.Publish(renamed)
	o.appendAction(fmt.Sprintf("renamed worker %s to %s", oldName, newName), newName)
	return nil
}

func (o *Orchestrator) handlePermissionPrompt(cmd permissionPromptCommand) {
	o.pending[cmd.request.ID] = pendingPermission{
		workerID: cmd.id,
		request:  cmd.request,
		reply:    cmd.reply,
	}
	event := newEvent(EventPermissionRequested, cmd.id)
	request := cmd.request
	event.Request = &request
	o.bus.Publish(event)
}

func (o *Orchestrator) handlePermissionResponse(id ID, requestID uint64, decision PermissionDecision) error {
	entry, ok := o.pending[requestID]
	if !ok || entry.workerID != id {
		errEvent := newEvent(EventError, id)
		errEvent.Message = fmt.Sprintf("no pending permission request #%d for worker %d", requestID, id)
		o.bus.Publish(errEvent)
		return cerr.NewError(cerr.NotFound,
			fmt.Sprintf("permission request #%d not found", requestID), nil)
	}

	entry.reply <- decision
	delete(o.pending, requestID)

	resolved := newEvent(EventPermissionResolved, entry.workerID)
	resolved.RequestID = requestID
	d := decision
	resolved.Decision = &d
	o.bus.Publish(resolved)
	return nil
}

// cancelPendingPermissions denies every pending request belonging to one
// worker, unblocking its runtime goroutine.
func (o *Orchestrator) cancelPendingPermissions(id ID) {
	for requestID, entry := range o.pending {
		if entry.workerID != id {
			continue
		}
		entry.reply <- PermissionDecision{Allow: false}
		delete(o.pending, requestID)

		resolved := newEvent(EventPermissionResolved, id)
		resolved.RequestID = requestID
		resolved.Decision = &PermissionDecision{Allow: false}
		o.bus.Publish(resolved)
	}
}

func (o *Orchestrator) handleList() []Snapshot {
	snapshots := make([]Snapshot, 0, len(o.workers)+len(o.archived))
	for _, rt := range o.workers {
		snapshots = append(snapshots, rt.Snapshot())
	}
	for _, record := range o.archived {
		snapshots = append(snapshots, record.Snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return snapshots
}

func (o *Orchestrator) handleInspect(id ID) *Inspection {
	if rt, ok := o.workers[id]; ok {
		return rt.Inspect()
	}
	if record, ok := o.archived[id]; ok {
		return &Inspection{
			Snapshot:       record.Snapshot,
			Logs:           append([]string(nil), record.Logs...),
			SessionHistory: append([]session.History(nil), record.SessionHistory...),
		}
	}
	return nil
}

// shutdownAll denies every pending permission request first, then stops and
// joins each runtime. Denying first keeps the joins from hanging on a
// goroutine that is blocked in a permission wait.
func (o *Orchestrator) shutdownAll() {
	for requestID, entry := range o.pending {
		entry.reply <- PermissionDecision{Allow: false}
		delete(o.pending, requestID)
	}
	for id, rt := range o.workers {
		rt.RequestStop()
		rt.Join()
		o.persistWorker(id)
	}
}

func (o *Orchestrator) persistWorker(id ID) {
	rt, ok := o.workers[id]
	if !ok {
		return
	}
	if err := o.store.SaveWorker(o.runCtx, rt.Record()); err != nil {
		o.logger.Warn("failed to persist worker", "name", rt.Name(), "error", err)
	}
}

func (o *Orchestrator) appendAction(message, workerName string) {
	if err := o.store.AppendAction(o.runCtx, message, workerName); err != nil {
		o.logger.Warn("failed to append action log", "error", err)
	}
}

func (o *Orchestrator) unknownWorker(id ID) error {
	return cerr.NewError(cerr.NotFound, fmt.Sprintf("worker %d not found", id), nil)
}

func (o *Orchestrator) publishDeleted(id ID, message string) {
	event := newEvent(EventDeleted, id)
	event.Message = message
	o.bus.Publish(event)
}

// Create registers a new worker and starts its pipeline. It returns once
// the orchestrator has processed the request.
func (o *Orchestrator) Create(req CreateRequest) (Snapshot, error) {
	reply := make(chan createReply, 1)
	o.commands <- createCommand{req: req, reply: reply}
	res := <-reply
	return res.snapshot, res.err
}

// Delete stops a worker, tears down its checkout and removes its record.
func (o *Orchestrator) Delete(id ID) error {
	reply := make(chan error, 1)
	o.commands <- deleteCommand{id: id, reply: reply}
	return <-reply
}

// Restart reruns a worker's workflow from the first step.
func (o *Orchestrator) Restart(id ID) error {
	reply := make(chan error, 1)
	o.commands <- restartCommand{id: id, reply: reply}
	return <-reply
}

// Continue appends a follow-up instruction as a new step and reruns the
// pipeline, which executes only that step.
func (o *Orchestrator) Continue(id ID, prompt, permissionMode string) error {
	reply := make(chan error, 1)
	o.commands <- continueCommand{id: id, prompt: prompt, permissionMode: permissionMode, reply: reply}
	return <-reply
}

// Rename changes a worker's name in the registry, snapshot and on disk.
func (o *Orchestrator) Rename(id ID, newName string) error {
	reply := make(chan error, 1)
	o.commands <- renameCommand{id: id, newName: newName, reply: reply}
	return <-reply
}

// RespondPermission resolves a pending permission request.
func (o *Orchestrator) RespondPermission(id ID, requestID uint64, decision PermissionDecision) error {
	reply := make(chan error, 1)
	o.commands <- permissionResponseCommand{id: id, requestID: requestID, decision: decision, reply: reply}
	return <-reply
}

// List returns every worker snapshot, live and archived, in id order.
func (o *Orchestrator) List() []Snapshot {
	reply := make(chan []Snapshot, 1)
	o.commands <- listCommand{reply: reply}
	return <-reply
}

// Inspect returns one worker's snapshot, logs and session histories, or
// nil when the id is unknown.
func (o *Orchestrator) Inspect(id ID) *Inspection {
	reply := make(chan *Inspection, 1)
	o.commands <- inspectCommand{id: id, reply: reply}
	return <-reply
}
