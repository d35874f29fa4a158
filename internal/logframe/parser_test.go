package logframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompleteStep(t *testing.T) {
	parser := NewParser()

	lines := []string{
		"[STEP_START:2:Build]",
		"[PROMPT_START]",
		"compile project",
		"[PROMPT_END]",
		"[RESULT_START]",
		"build ok",
		"[RESULT_END]",
	}
	for _, line := range lines {
		require.Nil(t, parser.ParseLine(line))
	}

	entry := parser.ParseLine("[STEP_END:Success]")
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.StepIndex)
	assert.Equal(t, "Build", entry.StepName)
	assert.Equal(t, StatusSuccess, entry.Status)
	assert.Equal(t, []string{"compile project"}, entry.PromptLines)
	assert.Equal(t, []string{"build ok"}, entry.ResultLines)
	assert.Empty(t, entry.ThoughtLines)
}

func TestParseWithThought(t *testing.T) {
	parser := NewParser()

	parser.ParseLine("[STEP_START:1:ThinkingStep]")
	parser.ParseLine("[THOUGHT_START]")
	parser.ParseLine("Thinking about the problem")
	parser.ParseLine("[THOUGHT_END]")

	entry := parser.ParseLine("[STEP_END:Success]")
	require.NotNil(t, entry)
	assert.Equal(t, []string{"Thinking about the problem"}, entry.ThoughtLines)
}

func TestAlternateSectionMarkers(t *testing.T) {
	parser := NewParser()

	parser.ParseLine("[STEP_START:2:AlternateStep]")
	parser.ParseLine("─── Prompt ───")
	parser.ParseLine("Alternate prompt marker")
	parser.ParseLine("─── Result ───")
	parser.ParseLine("Alternate result marker")

	entry := parser.ParseLine("[STEP_END:Failed]")
	require.NotNil(t, entry)
	assert.Equal(t, StatusFailed, entry.Status)
	assert.Equal(t, []string{"Alternate prompt marker"}, entry.PromptLines)
	assert.Equal(t, []string{"Alternate result marker"}, entry.ResultLines)
}

func TestUnrecognizedLinesOutsideSectionsAreDiscarded(t *testing.T) {
	parser := NewParser()

	parser.ParseLine("[STEP_START:0:Step]")
	parser.ParseLine("noise before any section")
	parser.ParseLine("[RESULT_START]")
	parser.ParseLine("kept")
	parser.ParseLine("[RESULT_END]")
	parser.ParseLine("noise after the section")

	entry := parser.ParseLine("[STEP_END:Success]")
	require.NotNil(t, entry)
	assert.Equal(t, []string{"kept"}, entry.ResultLines)
}

func TestStepEndWithoutStartYieldsNothing(t *testing.T) {
	parser := NewParser()
	assert.Nil(t, parser.ParseLine("[STEP_END:Success]"))
}

func TestDecorativeBoundaryClosesOpenSection(t *testing.T) {
	parser := NewParser()

	parser.ParseLine("[STEP_START:0:Step]")
	parser.ParseLine("[PROMPT_START]")
	parser.ParseLine("prompt line")
	parser.ParseLine("─── Tools ───")
	parser.ParseLine("dropped line")

	entry := parser.ParseLine("[STEP_END:Success]")
	require.NotNil(t, entry)
	assert.Equal(t, []string{"prompt line"}, entry.PromptLines)
}

func TestParseLines(t *testing.T) {
	parser := NewParser()
	entries := parser.ParseLines([]string{
		"[STEP_START:0:First]",
		"[STEP_END:Success]",
		"[STEP_START:1:Second]",
		"[STEP_END:Failed]",
	})
	require.Len(t, entries, 2)
	assert.Equal(t, "First", entries[0].StepName)
	assert.Equal(t, StatusSuccess, entries[0].Status)
	assert.Equal(t, "Second", entries[1].StepName)
	assert.Equal(t, StatusFailed, entries[1].Status)
}
