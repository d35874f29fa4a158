package session

import "encoding/json"

// EventType discriminates the kinds of events recorded during an agent session.
type EventType string

const (
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventAssistant  EventType = "assistant"
	EventThinking   EventType = "thinking"
	EventResult     EventType = "result"
	EventError      EventType = "error"
)

// Event is a single notable occurrence in an agent session, extracted from
// the CLI's stream-json output. Only the fields relevant to the event type
// are populated.
type Event struct {
	Type      EventType       `json:"type"`
	Name      string          `json:"name,omitempty"`
	Text      string          `json:"text,omitempty"`
	Content   string          `json:"content,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Message   string          `json:"message,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// History is the durable record of one agent invocation.
type History struct {
	SessionID     string   `json:"session_id"`
	StartedAt     string   `json:"started_at"`
	EndedAt       string   `json:"ended_at,omitempty"`
	Prompt        string   `json:"prompt"`
	Events        []Event  `json:"events"`
	TotalToolUses int      `json:"total_tool_uses"`
	FilesModified []string `json:"files_modified"`
}
