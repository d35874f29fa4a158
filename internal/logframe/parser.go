// Package logframe reassembles a worker's free-text log stream into
// structured per-step entries using line markers.
package logframe

import (
	"strconv"
	"strings"
)

// StepStatus is the outcome recorded in a step-end marker.
type StepStatus int

const (
	StatusRunning StepStatus = iota
	StatusSuccess
	StatusFailed
)

func (s StepStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailed:
		return "Failed"
	default:
		return "Running"
	}
}

// Entry is one completed step reconstructed from the log stream.
type Entry struct {
	StepIndex    int
	StepName     string
	PromptLines  []string
	ResultLines  []string
	ThoughtLines []string
	Status       StepStatus
}

// Parser is a stateful line-by-line parser. Feed lines in order with
// ParseLine; an Entry is returned when a step-end marker closes a step.
type Parser struct {
	stepIndex int
	stepName  string
	hasStep   bool

	prompt  []string
	result  []string
	thought []string

	inPrompt  bool
	inResult  bool
	inThought bool
}

func NewParser() *Parser {
	return &Parser{}
}

// ParseLine consumes one log line. It returns a non-nil Entry exactly when
// the line is a step-end marker closing an open step. Unrecognized lines
// outside any open section are discarded.
func (p *Parser) ParseLine(line string) *Entry {
	switch {
	case strings.HasPrefix(line, "[STEP_START:"):
		p.handleStepStart(line)
	case line == "─── Prompt ───" || line == "[PROMPT_START]":
		p.resetSections()
		p.inPrompt = true
	case line == "[PROMPT_END]":
		p.inPrompt = false
	case line == "─── Result ───" || line == "[RESULT_START]":
		p.resetSections()
		p.inResult = true
	case line == "[RESULT_END]":
		p.inResult = false
	case line == "[THOUGHT_START]":
		p.resetSections()
		p.inThought = true
		p.thought = nil
	case line == "[THOUGHT_END]":
		p.inThought = false
	case strings.HasPrefix(line, "[STEP_END:"):
		return p.finalizeStep(line)
	case strings.HasPrefix(line, "───") && strings.HasSuffix(line, "───"):
		// Any other decorative boundary closes the open section.
		p.resetSections()
	case p.inPrompt && !strings.HasPrefix(line, "─"):
		p.prompt = append(p.prompt, line)
	case p.inResult && !strings.HasPrefix(line, "─"):
		p.result = append(p.result, line)
	case p.inThought:
		p.thought = append(p.thought, line)
	}
	return nil
}

// ParseLines runs the parser over a whole log buffer and returns the
// completed entries.
func (p *Parser) ParseLines(lines []string) []Entry {
	var entries []Entry
	for _, line := range lines {
		if entry := p.ParseLine(line); entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries
}

func (p *Parser) handleStepStart(line string) {
	content, ok := strings.CutPrefix(line, "[STEP_START:")
	if !ok {
		return
	}
	content, ok = strings.CutSuffix(content, "]")
	if !ok {
		return
	}
	idxStr, name, ok := strings.Cut(content, ":")
	if !ok {
		return
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return
	}
	p.stepIndex = idx
	p.stepName = name
	p.hasStep = true
	p.resetBuffers()
}

func (p *Parser) finalizeStep(line string) *Entry {
	content, ok := strings.CutPrefix(line, "[STEP_END:")
	if !ok {
		return nil
	}
	content, ok = strings.CutSuffix(content, "]")
	if !ok {
		return nil
	}
	if !p.hasStep {
		return nil
	}

	status := StatusRunning
	switch content {
	case "Success":
		status = StatusSuccess
	case "Failed":
		status = StatusFailed
	}

	entry := &Entry{
		StepIndex:    p.stepIndex,
		StepName:     p.stepName,
		PromptLines:  p.prompt,
		ResultLines:  p.result,
		ThoughtLines: p.thought,
		Status:       status,
	}
	p.hasStep = false
	p.stepIndex = 0
	p.stepName = ""
	p.resetBuffers()
	return entry
}

func (p *Parser) resetSections() {
	p.inPrompt = false
	p.inResult = false
	p.inThought = false
}

func (p *Parser) resetBuffers() {
	p.prompt = nil
	p.result = nil
	p.thought = nil
	p.resetSections()
}
