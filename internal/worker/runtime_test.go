package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/bugyo/internal/eventbus"
	"github.com/kazz187/bugyo/internal/workflow"
)

func newTestRuntime(t *testing.T, wf workflow.Workflow) (*Runtime, chan command) {
	t.Helper()
	commands := make(chan command, 64)
	bus := eventbus.New[Event]()
	snapshot := Snapshot{
		ID:       1,
		Name:     "alpha",
		Agent:    "Claude",
		Worktree: t.TempDir(),
		Branch:   "bugyo/alpha",
		Status:   StatusIdle,
	}
	return NewRuntime(snapshot, wf, commands, bus), commands
}

func shellWorkflow(commands ...string) workflow.Workflow {
	wf := workflow.Workflow{Name: "test"}
	for i, cmd := range commands {
		wf.Steps = append(wf.Steps, workflow.Step{
			Name:    "step-" + string(rune('a'+i)),
			Command: cmd,
		})
	}
	return wf
}

func TestRuntimeRunsAllSteps(t *testing.T) {
	rt, commands := newTestRuntime(t, shellWorkflow("echo one", "echo two"))

	rt.Start(context.Background())
	rt.Join()

	snapshot := rt.Snapshot()
	assert.Equal(t, StatusIdle, snapshot.Status)
	assert.Equal(t, 2, rt.CompletedSteps())

	logs := rt.Inspect().Logs
	assert.Contains(t, logs, "[STEP_START:0:step-a]")
	assert.Contains(t, logs, "[STEP_START:1:step-b]")
	assert.Contains(t, logs, "one")
	assert.Contains(t, logs, "two")
	assert.Equal(t, 2, countLines(logs, "[STEP_END:Success]"))

	// One persist request per completed step.
	assert.Len(t, commands, 2)
}

func TestRuntimeResumesFromCompletedSteps(t *testing.T) {
	// Step 0 would fail if executed; a restored runtime must skip it.
	rt, _ := newTestRuntime(t, shellWorkflow("exit 1", "echo resumed"))
	rt.Restore(nil, nil, 1)

	rt.Start(context.Background())
	rt.Join()

	assert.Equal(t, StatusIdle, rt.Snapshot().Status)
	assert.Equal(t, 2, rt.CompletedSteps())

	logs := rt.Inspect().Logs
	assert.NotContains(t, logs, "[STEP_START:0:step-a]")
	assert.Contains(t, logs, "[STEP_START:1:step-b]")
	assert.Contains(t, logs, "resumed")
}

func TestRuntimeShellFailureMarksFailed(t *testing.T) {
	rt, _ := newTestRuntime(t, shellWorkflow("echo before", "false", "echo never"))

	rt.Start(context.Background())
	rt.Join()

	snapshot := rt.Snapshot()
	assert.Equal(t, StatusFailed, snapshot.Status)
	assert.Contains(t, snapshot.LastEvent, "step failed")
	assert.Equal(t, 1, rt.CompletedSteps())

	logs := rt.Inspect().Logs
	assert.Contains(t, logs, "[STEP_END:Failed]")
	assert.NotContains(t, logs, "[STEP_START:2:step-c]")
}

func TestRuntimeStopPausesAtStepBoundary(t *testing.T) {
	rt, _ := newTestRuntime(t, shellWorkflow("echo one", "echo two", "echo three"))

	rt.RequestStop()
	rt.Start(context.Background())
	rt.Join()

	assert.Equal(t, StatusPaused, rt.Snapshot().Status)
	assert.Equal(t, 0, rt.CompletedSteps())
}

func TestRuntimeLogRingIsBounded(t *testing.T) {
	rt, _ := newTestRuntime(t, workflow.Workflow{Name: "empty"})
	for i := 0; i < maxLogLines+100; i++ {
		rt.appendLog("line")
	}
	assert.Len(t, rt.Inspect().Logs, maxLogLines)
}

func TestRuntimeFollowUpStepRunsAlone(t *testing.T) {
	rt, _ := newTestRuntime(t, shellWorkflow("exit 1", "exit 1"))
	rt.AppendFollowUpStep("do the follow-up", "")

	// The appended step is an agent step; swap it for a shell command so
	// the test stays hermetic.
	rt.mu.Lock()
	last := len(rt.workflow.Steps) - 1
	rt.workflow.Steps[last].Agent = nil
	rt.workflow.Steps[last].Command = "echo follow-up done"
	rt.mu.Unlock()

	rt.Start(context.Background())
	rt.Join()

	assert.Equal(t, StatusIdle, rt.Snapshot().Status)
	assert.Equal(t, 3, rt.CompletedSteps())

	logs := rt.Inspect().Logs
	assert.Contains(t, logs, "follow-up done")
	assert.NotContains(t, logs, "[STEP_START:0:step-a]")
}

func TestRuntimePermissionDenyPauses(t *testing.T) {
	wf := workflow.Workflow{
		Name: "agent",
		Steps: []workflow.Step{{
			Name:  "ask",
			Agent: &workflow.AgentStep{Prompt: "do {{issue}}"},
		}},
	}
	rt, commands := newTestRuntime(t, wf)

	rt.Start(context.Background())

	var prompt permissionPromptCommand
	select {
	case cmd := <-commands:
		var ok bool
		prompt, ok = cmd.(permissionPromptCommand)
		require.True(t, ok, "expected a permission prompt command, got %T", cmd)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for permission prompt")
	}
	assert.Equal(t, "ask", prompt.request.StepName)
	assert.NotZero(t, prompt.request.ID)

	prompt.reply <- PermissionDecision{Allow: false}
	rt.Join()

	assert.Equal(t, StatusPaused, rt.Snapshot().Status)
	assert.Equal(t, 0, rt.CompletedSteps())
	assert.NotContains(t, rt.Inspect().Logs, "[STEP_END:Success]")
}

func countLines(lines []string, want string) int {
	n := 0
	for _, line := range lines {
		if line == want {
			n++
		}
	}
	return n
}
