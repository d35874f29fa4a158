package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProjectPath(t *testing.T) {
	assert.Equal(t, "-home-user-repo", NormalizeProjectPath("/home/user/repo"))
	assert.Equal(t, "C:-work-repo", NormalizeProjectPath(`C:\work\repo`))
}

func TestParseSessionFile(t *testing.T) {
	lines := `{"type":"user","sessionId":"abc123","timestamp":"2026-08-01T10:00:00Z","message":{"content":"Warmup"}}
{"type":"user","timestamp":"2026-08-01T10:00:01Z","message":{"content":"fix the login bug"}}
{"type":"assistant","timestamp":"2026-08-01T10:00:05Z","message":{"content":[{"type":"thinking","thinking":"need to check auth"},{"type":"text","text":"Looking at the handler now."}]}}
{"type":"tool_use","timestamp":"2026-08-01T10:00:10Z","name":"Edit","input":{"file_path":"auth/login.go"}}
{"type":"tool_use","timestamp":"2026-08-01T10:00:12Z","name":"Edit","input":{"file_path":"auth/login.go"}}
{"type":"tool_result","timestamp":"2026-08-01T10:00:13Z","name":"Edit","output":"ok"}
`
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))

	history, err := ParseSessionFile(path)
	require.NoError(t, err)

	assert.Equal(t, "abc123", history.SessionID)
	assert.Equal(t, "fix the login bug", history.Prompt)
	assert.Equal(t, "2026-08-01T10:00:00Z", history.StartedAt)
	assert.Equal(t, "2026-08-01T10:00:13Z", history.EndedAt)
	assert.Equal(t, 2, history.TotalToolUses)
	assert.Equal(t, []string{"auth/login.go"}, history.FilesModified)

	require.Len(t, history.Events, 5)
	assert.Equal(t, EventThinking, history.Events[0].Type)
	assert.Equal(t, "need to check auth", history.Events[0].Content)
	assert.Equal(t, EventAssistant, history.Events[1].Type)
	assert.Equal(t, EventToolUse, history.Events[2].Type)
	assert.Equal(t, EventToolResult, history.Events[4].Type)
}

func TestParseSessionFileEmptyPrompt(t *testing.T) {
	lines := `{"type":"assistant","sessionId":"s1","timestamp":"2026-08-01T10:00:00Z","message":{"content":[{"type":"text","text":"hello"}]}}
`
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))

	history, err := ParseSessionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "(Interactive session)", history.Prompt)
}
