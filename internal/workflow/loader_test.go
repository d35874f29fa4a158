package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Workflows, 1)
	assert.Equal(t, "default", cfg.Default().Name)
	assert.Len(t, cfg.Default().Steps, 3)
}

func TestLoadConfig(t *testing.T) {
	data := `
workflows:
  - name: fix
    description: Fix an issue end to end
    steps:
      - name: Build
        command: go build ./...
      - name: Implement
        agent:
          prompt: "Fix {{issue}} on branch {{branch}}"
          allowed_tools: [Edit, Bash]
  - name: review
    steps:
      - name: Review
        agent:
          prompt: Review the latest changes
default_workflow: fix
`
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Workflows, 2)

	assert.Equal(t, "fix", cfg.Default().Name)
	assert.Nil(t, cfg.ByName("missing"))

	fix := cfg.ByName("fix")
	require.NotNil(t, fix)
	require.Len(t, fix.Steps, 2)
	assert.Equal(t, "go build ./...", fix.Steps[0].Command)
	require.NotNil(t, fix.Steps[1].Agent)
	assert.Equal(t, []string{"Edit", "Bash"}, fix.Steps[1].Agent.AllowedTools)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "duplicate workflow names",
			data: "workflows:\n  - name: a\n  - name: a\n",
		},
		{
			name: "agent step without prompt",
			data: "workflows:\n  - name: a\n    steps:\n      - name: s\n        agent: {}\n",
		},
		{
			name: "unknown default workflow",
			data: "workflows:\n  - name: a\ndefault_workflow: b\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "workflows.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoaderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflows:\n  - name: one\n"), 0o644))

	loader, err := NewLoader(path)
	require.NoError(t, err)
	assert.Equal(t, "one", loader.Config().Default().Name)

	require.NoError(t, os.WriteFile(path, []byte("workflows:\n  - name: two\n"), 0o644))
	require.NoError(t, loader.Reload())
	assert.Equal(t, "two", loader.Config().Default().Name)
}
