package worker_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/bugyo/internal/eventbus"
	"github.com/kazz187/bugyo/internal/state"
	"github.com/kazz187/bugyo/internal/worker"
	"github.com/kazz187/bugyo/internal/workflow"
	"github.com/kazz187/bugyo/pkg/storage"
)

// stubAgentScript is a stand-in for the agent CLI: it emits a minimal
// stream-json conversation and exits successfully.
const stubAgentScript = `#!/bin/bash
echo '{"type":"system","session_id":"sess-stub"}'
echo '{"type":"assistant","text":"working on it"}'
echo '{"type":"result","result":"all done","is_error":false}'
`

func writeStubAgent(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-claude")
	require.NoError(t, os.WriteFile(path, []byte(stubAgentScript), 0o755))
	return path
}

type fakeCheckouts struct {
	root string
}

func (f *fakeCheckouts) Create(_ context.Context, workerID int64) (worker.Checkout, error) {
	path := filepath.Join(f.root, fmt.Sprintf("worker-%03d", workerID))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return worker.Checkout{}, err
	}
	return worker.Checkout{Path: path, Branch: fmt.Sprintf("bugyo/worker-%d", workerID)}, nil
}

func (f *fakeCheckouts) Remove(_ context.Context, co worker.Checkout) error {
	return os.RemoveAll(co.Path)
}

func (f *fakeCheckouts) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type staticWorkflows struct {
	cfg *workflow.Config
}

func (s *staticWorkflows) Config() *workflow.Config {
	return s.cfg
}

type harness struct {
	orch   *worker.Orchestrator
	store  *state.Store
	events <-chan worker.Event
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, workflows *workflow.Config) *harness {
	t.Helper()

	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	store := state.NewStore(local)
	bus := eventbus.New[worker.Event]()
	orch := worker.NewOrchestrator(worker.Options{
		Store:     store,
		Checkouts: &fakeCheckouts{root: t.TempDir()},
		Workflows: &staticWorkflows{cfg: workflows},
		Bus:       bus,
	})

	subID, events := bus.Subscribe(256)
	t.Cleanup(func() { bus.Unsubscribe(subID) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{orch: orch, store: store, events: events, cancel: cancel, done: done}
}

func (h *harness) waitForEvent(t *testing.T, eventType worker.EventType) worker.Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case event := <-h.events:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func (h *harness) waitForStatus(t *testing.T, id worker.ID, status worker.Status) worker.Snapshot {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		inspection := h.orch.Inspect(id)
		if inspection != nil && inspection.Snapshot.Status == status {
			return inspection.Snapshot
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("worker %d never reached status %s", id, status)
	return worker.Snapshot{}
}

func (h *harness) loadRecord(t *testing.T, name string) *worker.Record {
	t.Helper()
	records, err := h.store.LoadWorkers(context.Background())
	require.NoError(t, err)
	for _, record := range records {
		if record.Snapshot.Name == name {
			return record
		}
	}
	return nil
}

func shellOnlyConfig() *workflow.Config {
	return &workflow.Config{
		Workflows: []workflow.Workflow{{
			Name:  "shell",
			Steps: []workflow.Step{{Name: "Run", Command: "echo ok"}},
		}},
		DefaultWorkflow: "shell",
	}
}

func mixedConfig() *workflow.Config {
	return &workflow.Config{
		Workflows: []workflow.Workflow{{
			Name: "mixed",
			Steps: []workflow.Step{
				{Name: "Prepare", Command: "echo ok"},
				{Name: "Implement", Agent: &workflow.AgentStep{Prompt: "work on {{issue}} in {{worktree}}"}},
			},
		}},
		DefaultWorkflow: "mixed",
	}
}

func TestOrchestratorEndToEnd(t *testing.T) {
	t.Setenv("BUGYO_CLAUDE_BIN", writeStubAgent(t))
	h := newHarness(t, mixedConfig())

	snapshot, err := h.orch.Create(worker.CreateRequest{Name: "alpha", Issue: "#42"})
	require.NoError(t, err)
	assert.Equal(t, worker.ID(1), snapshot.ID)
	assert.Equal(t, "alpha", snapshot.Name)

	requested := h.waitForEvent(t, worker.EventPermissionRequested)
	require.NotNil(t, requested.Request)
	assert.Equal(t, "Implement", requested.Request.StepName)

	// The shell step finished and was persisted before the handshake.
	record := h.loadRecord(t, "alpha")
	require.NotNil(t, record)
	assert.Equal(t, 1, record.CompletedSteps)

	require.NoError(t, h.orch.RespondPermission(snapshot.ID, requested.Request.ID,
		worker.PermissionDecision{Allow: true}))

	final := h.waitForStatus(t, snapshot.ID, worker.StatusIdle)
	assert.Equal(t, "sess-stub", final.SessionID)

	inspection := h.orch.Inspect(snapshot.ID)
	require.NotNil(t, inspection)
	assert.Contains(t, inspection.Logs, "[STEP_START:1:Implement]")
	require.Len(t, inspection.SessionHistory, 1)
	assert.Equal(t, "sess-stub", inspection.SessionHistory[0].SessionID)
}

func TestOrchestratorDenyPausesWorker(t *testing.T) {
	t.Setenv("BUGYO_CLAUDE_BIN", writeStubAgent(t))
	h := newHarness(t, &workflow.Config{
		Workflows: []workflow.Workflow{{
			Name:  "agent-only",
			Steps: []workflow.Step{{Name: "Ask", Agent: &workflow.AgentStep{Prompt: "do it"}}},
		}},
	})

	snapshot, err := h.orch.Create(worker.CreateRequest{Name: "alpha"})
	require.NoError(t, err)

	requested := h.waitForEvent(t, worker.EventPermissionRequested)
	require.NoError(t, h.orch.RespondPermission(snapshot.ID, requested.Request.ID,
		worker.PermissionDecision{Allow: false}))

	h.waitForStatus(t, snapshot.ID, worker.StatusPaused)

	inspection := h.orch.Inspect(snapshot.ID)
	assert.NotContains(t, inspection.Logs, "[STEP_END:Success]")
}

func TestOrchestratorDeleteResolvesPendingPermission(t *testing.T) {
	t.Setenv("BUGYO_CLAUDE_BIN", writeStubAgent(t))
	h := newHarness(t, &workflow.Config{
		Workflows: []workflow.Workflow{{
			Name:  "agent-only",
			Steps: []workflow.Step{{Name: "Ask", Agent: &workflow.AgentStep{Prompt: "do it"}}},
		}},
	})

	snapshot, err := h.orch.Create(worker.CreateRequest{Name: "alpha"})
	require.NoError(t, err)
	h.waitForEvent(t, worker.EventPermissionRequested)

	// Delete must deny the pending request before joining; otherwise this
	// call would hang forever.
	require.NoError(t, h.orch.Delete(snapshot.ID))

	resolved := h.waitForEvent(t, worker.EventPermissionResolved)
	require.NotNil(t, resolved.Decision)
	assert.False(t, resolved.Decision.Allow)

	assert.Empty(t, h.orch.List())
	assert.Nil(t, h.loadRecord(t, "alpha"))
}

func TestOrchestratorRestartResolvesPendingPermission(t *testing.T) {
	t.Setenv("BUGYO_CLAUDE_BIN", writeStubAgent(t))
	h := newHarness(t, &workflow.Config{
		Workflows: []workflow.Workflow{{
			Name:  "agent-only",
			Steps: []workflow.Step{{Name: "Ask", Agent: &workflow.AgentStep{Prompt: "do it"}}},
		}},
	})

	snapshot, err := h.orch.Create(worker.CreateRequest{Name: "alpha"})
	require.NoError(t, err)
	first := h.waitForEvent(t, worker.EventPermissionRequested)

	require.NoError(t, h.orch.Restart(snapshot.ID))

	// The pipeline restarts from step 0 and asks again with a fresh id.
	second := h.waitForEvent(t, worker.EventPermissionRequested)
	assert.NotEqual(t, first.Request.ID, second.Request.ID)

	require.NoError(t, h.orch.RespondPermission(snapshot.ID, second.Request.ID,
		worker.PermissionDecision{Allow: true}))
	h.waitForStatus(t, snapshot.ID, worker.StatusIdle)
}

func TestOrchestratorContinueRunsOnlyFollowUp(t *testing.T) {
	t.Setenv("BUGYO_CLAUDE_BIN", writeStubAgent(t))
	h := newHarness(t, shellOnlyConfig())

	snapshot, err := h.orch.Create(worker.CreateRequest{Name: "alpha"})
	require.NoError(t, err)
	h.waitForStatus(t, snapshot.ID, worker.StatusIdle)

	require.NoError(t, h.orch.Continue(snapshot.ID, "one more thing", ""))

	requested := h.waitForEvent(t, worker.EventPermissionRequested)
	require.NoError(t, h.orch.RespondPermission(snapshot.ID, requested.Request.ID,
		worker.PermissionDecision{Allow: true}))

	h.waitForStatus(t, snapshot.ID, worker.StatusIdle)

	record := h.loadRecord(t, "alpha")
	require.NotNil(t, record)
	assert.Equal(t, 2, record.CompletedSteps)
	require.Len(t, record.Workflow.Steps, 2)
	assert.Equal(t, "one more thing", record.Workflow.Steps[1].Agent.Prompt)
}

func TestOrchestratorRejectsDuplicateName(t *testing.T) {
	h := newHarness(t, shellOnlyConfig())

	_, err := h.orch.Create(worker.CreateRequest{Name: "alpha"})
	require.NoError(t, err)

	_, err = h.orch.Create(worker.CreateRequest{Name: "alpha"})
	assert.Error(t, err)

	assert.Len(t, h.orch.List(), 1)
}

func TestOrchestratorRenameAtomicity(t *testing.T) {
	h := newHarness(t, shellOnlyConfig())

	first, err := h.orch.Create(worker.CreateRequest{Name: "alpha"})
	require.NoError(t, err)
	second, err := h.orch.Create(worker.CreateRequest{Name: "beta"})
	require.NoError(t, err)
	h.waitForStatus(t, first.ID, worker.StatusIdle)
	h.waitForStatus(t, second.ID, worker.StatusIdle)

	// Renaming onto a taken name fails and mutates nothing.
	err = h.orch.Rename(first.ID, "beta")
	require.Error(t, err)
	assert.Equal(t, "alpha", h.orch.Inspect(first.ID).Snapshot.Name)
	assert.NotNil(t, h.loadRecord(t, "alpha"))

	require.NoError(t, h.orch.Rename(first.ID, "gamma"))
	assert.Equal(t, "gamma", h.orch.Inspect(first.ID).Snapshot.Name)
	assert.Nil(t, h.loadRecord(t, "alpha"))
	assert.NotNil(t, h.loadRecord(t, "gamma"))
}

func TestOrchestratorRestore(t *testing.T) {
	stateDir := t.TempDir()
	checkoutRoot := t.TempDir()
	local, err := storage.NewLocalStorage(stateDir)
	require.NoError(t, err)
	store := state.NewStore(local)
	checkouts := &fakeCheckouts{root: checkoutRoot}
	cfg := shellOnlyConfig()

	// First orchestrator: create a worker and run it to completion.
	bus := eventbus.New[worker.Event]()
	orch := worker.NewOrchestrator(worker.Options{
		Store: store, Checkouts: checkouts, Workflows: &staticWorkflows{cfg: cfg}, Bus: bus,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = orch.Run(ctx) }()

	snapshot, err := orch.Create(worker.CreateRequest{Name: "alpha"})
	require.NoError(t, err)
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if insp := orch.Inspect(snapshot.ID); insp != nil && insp.Snapshot.Status == worker.StatusIdle {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	gone, err := orch.Create(worker.CreateRequest{Name: "ghost"})
	require.NoError(t, err)
	ghostWorktree := gone.Worktree

	cancel()
	<-done

	// Remove one checkout so its record comes back archived.
	require.NoError(t, os.RemoveAll(ghostWorktree))

	bus2 := eventbus.New[worker.Event]()
	_, events2 := bus2.Subscribe(256)
	restored := worker.NewOrchestrator(worker.Options{
		Store: store, Checkouts: checkouts, Workflows: &staticWorkflows{cfg: cfg}, Bus: bus2,
	})
	require.NoError(t, restored.Restore(context.Background()))
	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan struct{})
	go func() { defer close(done2); _ = restored.Run(ctx2) }()
	t.Cleanup(func() { cancel2(); <-done2 })

	snapshots := restored.List()
	require.Len(t, snapshots, 2)
	byName := map[string]worker.Snapshot{}
	for _, s := range snapshots {
		byName[s.Name] = s
	}
	assert.Equal(t, worker.StatusIdle, byName["alpha"].Status)
	assert.Equal(t, worker.StatusArchived, byName["ghost"].Status)

	// Restore announces every record and replays saved logs, so observers
	// subscribed before restore see the full state without polling.
	createdByName := map[string]worker.Snapshot{}
	replayed := map[worker.ID][]string{}
	for len(createdByName) < 2 || len(replayed[byName["alpha"].ID]) == 0 {
		select {
		case event := <-events2:
			switch event.Type {
			case worker.EventCreated:
				require.NotNil(t, event.Snapshot)
				createdByName[event.Snapshot.Name] = *event.Snapshot
			case worker.EventLog:
				replayed[event.WorkerID] = append(replayed[event.WorkerID], event.Line)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for restore events")
		}
	}
	assert.Equal(t, worker.StatusIdle, createdByName["alpha"].Status)
	assert.Equal(t, worker.StatusArchived, createdByName["ghost"].Status)
	assert.Contains(t, replayed[byName["alpha"].ID], "[STEP_END:Success]")

	// Restored workers keep their persisted progress and never auto-resume.
	inspection := restored.Inspect(byName["alpha"].ID)
	require.NotNil(t, inspection)
	assert.NotEmpty(t, inspection.Logs)

	record := h2LoadRecord(t, store, "alpha")
	require.NotNil(t, record)
	assert.Equal(t, 1, record.CompletedSteps)

	// A new worker gets an id above every restored one.
	fresh, err := restored.Create(worker.CreateRequest{Name: "delta"})
	require.NoError(t, err)
	assert.Greater(t, fresh.ID, byName["ghost"].ID)
}

func h2LoadRecord(t *testing.T, store *state.Store, name string) *worker.Record {
	t.Helper()
	records, err := store.LoadWorkers(context.Background())
	require.NoError(t, err)
	for _, record := range records {
		if record.Snapshot.Name == name {
			return record
		}
	}
	return nil
}
