package claudecli

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/kazz187/bugyo/internal/session"
)

type parsedOutput struct {
	sessionID     string
	events        []session.Event
	totalToolUses int
	filesModified []string
}

// parseOutput walks the captured CLI output line by line. JSON lines are
// turned into session events and human-readable log lines; anything else
// is passed to logFn verbatim.
func parseOutput(output string, logFn func(string)) parsedOutput {
	var parsed parsedOutput

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r \t")
		if line == "" {
			continue
		}

		var event map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			logFn(line)
			continue
		}
		eventTime := time.Now().UTC().Format(time.RFC3339)

		if thoughts := extractThinkingLines([]byte(line)); len(thoughts) > 0 {
			logFn("[THOUGHT_START]")
			for _, t := range thoughts {
				logFn(t)
			}
			logFn("[THOUGHT_END]")
			parsed.events = append(parsed.events, session.Event{
				Type:      session.EventThinking,
				Content:   strings.Join(thoughts, "\n"),
				Timestamp: eventTime,
			})
		}

		switch jsonString(event, "type") {
		case "system":
			// Session initialization carries the session id but is not logged.
			if sid := jsonString(event, "session_id"); sid != "" {
				parsed.sessionID = sid
			}
		case "result":
			isError := jsonBool(event, "is_error")
			if isError {
				logFn("⚠️  Claude encountered an error")
			}
			if text := jsonString(event, "result"); text != "" {
				logFn("─── Result ───")
				for _, resultLine := range strings.Split(text, "\n") {
					logFn(resultLine)
				}
				parsed.events = append(parsed.events, session.Event{
					Type:      session.EventResult,
					Text:      text,
					IsError:   isError,
					Timestamp: eventTime,
				})
			}
		case "error":
			logFn("❌ API Error:")
			var errObj struct {
				Message string `json:"message"`
			}
			if raw, ok := event["error"]; ok {
				_ = json.Unmarshal(raw, &errObj)
			}
			if errObj.Message != "" {
				logFn("  " + errObj.Message)
			}
			parsed.events = append(parsed.events, session.Event{
				Type:      session.EventError,
				Message:   errObj.Message,
				Timestamp: eventTime,
			})
		case "assistant":
			if text := jsonString(event, "text"); strings.TrimSpace(text) != "" {
				logFn("💬 " + text)
				parsed.events = append(parsed.events, session.Event{
					Type:      session.EventAssistant,
					Text:      text,
					Timestamp: eventTime,
				})
			}
		case "tool_use":
			name := jsonString(event, "name")
			if name == "" {
				break
			}
			logFn("🔧 Using tool: " + name)
			parsed.totalToolUses++
			if name == "Edit" || name == "Write" {
				var input struct {
					FilePath string `json:"file_path"`
				}
				if json.Unmarshal(event["input"], &input) == nil && input.FilePath != "" {
					parsed.filesModified = appendUnique(parsed.filesModified, input.FilePath)
				}
			}
			parsed.events = append(parsed.events, session.Event{
				Type:      session.EventToolUse,
				Name:      name,
				Input:     event["input"],
				Timestamp: eventTime,
			})
		case "tool_result":
			if id := jsonString(event, "tool_use_id"); id != "" {
				parsed.events = append(parsed.events, session.Event{
					Type:      session.EventToolResult,
					Name:      id,
					Output:    jsonString(event, "content"),
					Timestamp: eventTime,
				})
			}
		}
	}
	return parsed
}

// extractThinkingLines collects the text of thinking/analysis blocks from an
// arbitrarily nested stream-json event.
func extractThinkingLines(raw []byte) []string {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	var acc []string
	walkThinking(value, &acc, false)
	return acc
}

func walkThinking(value any, acc *[]string, inThinking bool) {
	switch v := value.(type) {
	case string:
		if !inThinking {
			return
		}
		for _, line := range strings.Split(v, "\n") {
			line = strings.TrimRight(line, " \t")
			if line != "" {
				*acc = append(*acc, line)
			}
		}
	case []any:
		for _, item := range v {
			walkThinking(item, acc, inThinking)
		}
	case map[string]any:
		nextFlag := inThinking
		if ty, ok := v["type"].(string); ok {
			switch strings.ToLower(ty) {
			case "thinking", "analysis", "plan", "reasoning":
				nextFlag = true
			}
		}
		for key, child := range v {
			switch key {
			case "thinking", "analysis", "reasoning", "plan":
				walkThinking(child, acc, true)
			default:
				walkThinking(child, acc, nextFlag)
			}
		}
	}
}

func jsonString(event map[string]json.RawMessage, key string) string {
	raw, ok := event[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func jsonBool(event map[string]json.RawMessage, key string) bool {
	raw, ok := event[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
