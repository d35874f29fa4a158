package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	valid := []string{
		"alpha",
		"worker-1",
		"worker_2",
		"ワーカー",
		"作業者3",
		"task-調査",
	}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}

	invalid := []string{
		"",
		"has space",
		"slash/name",
		"dot.name",
		"emoji🎉",
		"。",
		"名前、句読点",
		strings.Repeat("a", 65),
	}
	for _, name := range invalid {
		assert.Error(t, ValidateName(name), name)
	}
}

func TestNameRegistryUniqueness(t *testing.T) {
	r := NewNameRegistry()

	require.NoError(t, r.Register("alpha", 1))
	assert.False(t, r.IsAvailable("alpha"))
	assert.Error(t, r.Register("alpha", 2))

	id, ok := r.GetID("alpha")
	require.True(t, ok)
	assert.Equal(t, ID(1), id)

	r.Unregister("alpha")
	assert.True(t, r.IsAvailable("alpha"))
	require.NoError(t, r.Register("alpha", 2))
}

func TestNameRegistryRename(t *testing.T) {
	r := NewNameRegistry()
	require.NoError(t, r.Register("alpha", 1))
	require.NoError(t, r.Register("beta", 2))

	// Renaming onto another worker's name fails without mutation.
	err := r.Rename("alpha", "beta", 1)
	require.Error(t, err)
	id, ok := r.GetID("alpha")
	require.True(t, ok)
	assert.Equal(t, ID(1), id)

	// Renaming to the current name is a no-op success.
	require.NoError(t, r.Rename("alpha", "alpha", 1))
	id, ok = r.GetID("alpha")
	require.True(t, ok)
	assert.Equal(t, ID(1), id)

	require.NoError(t, r.Rename("alpha", "gamma", 1))
	assert.True(t, r.IsAvailable("alpha"))
	id, ok = r.GetID("gamma")
	require.True(t, ok)
	assert.Equal(t, ID(1), id)
}
