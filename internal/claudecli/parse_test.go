package claudecli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/bugyo/internal/session"
)

func TestBuildArgs(t *testing.T) {
	args := buildArgs(Options{
		Prompt: "do the thing",
		Dir:    "/work",
	})
	assert.Equal(t, []string{
		"--print", "do the thing",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}, args)

	args = buildArgs(Options{
		Prompt:         "continue please",
		Dir:            "/work",
		SessionID:      "sess-1",
		Model:          "opus",
		PermissionMode: "acceptEdits",
		AllowedTools:   []string{"Bash", "Edit"},
		ExtraArgs:      []string{"--add-dir", "{{workdir}}/docs"},
	})
	assert.Contains(t, args, "--continue")
	assert.Contains(t, args, "opus")
	assert.Contains(t, args, "acceptEdits")
	assert.Contains(t, args, "Bash,Edit")
	assert.Contains(t, args, "/work/docs")
}

func TestParseOutput(t *testing.T) {
	output := strings.Join([]string{
		`{"type":"system","session_id":"sess-42"}`,
		`{"type":"assistant","text":"Starting on it."}`,
		`{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"check the parser first"}]}}`,
		`{"type":"tool_use","name":"Edit","input":{"file_path":"parser.go"}}`,
		`{"type":"tool_use","name":"Edit","input":{"file_path":"parser.go"}}`,
		`{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}`,
		`plain progress line`,
		`{"type":"result","is_error":false,"result":"done"}`,
	}, "\n")

	var logs []string
	parsed := parseOutput(output, func(line string) { logs = append(logs, line) })

	assert.Equal(t, "sess-42", parsed.sessionID)
	assert.Equal(t, 2, parsed.totalToolUses)
	assert.Equal(t, []string{"parser.go"}, parsed.filesModified)

	types := make([]session.EventType, 0, len(parsed.events))
	for _, e := range parsed.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []session.EventType{
		session.EventAssistant,
		session.EventThinking,
		session.EventToolUse,
		session.EventToolUse,
		session.EventToolResult,
		session.EventResult,
	}, types)

	// Thinking blocks are bracketed with markers in the log stream.
	require.Contains(t, logs, "[THOUGHT_START]")
	require.Contains(t, logs, "check the parser first")
	require.Contains(t, logs, "[THOUGHT_END]")
	assert.Contains(t, logs, "plain progress line")
	assert.Contains(t, logs, "─── Result ───")
	assert.Contains(t, logs, "done")
}

func TestParseOutputError(t *testing.T) {
	output := `{"type":"error","error":{"message":"rate limited"}}`

	var logs []string
	parsed := parseOutput(output, func(line string) { logs = append(logs, line) })

	require.Len(t, parsed.events, 1)
	assert.Equal(t, session.EventError, parsed.events[0].Type)
	assert.Equal(t, "rate limited", parsed.events[0].Message)
	assert.Contains(t, logs, "  rate limited")
}
