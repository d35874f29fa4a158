package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NormalizeProjectPath converts an absolute project path to the directory
// name the Claude CLI uses under ~/.claude/projects
// (/home/user/repo becomes -home-user-repo).
func NormalizeProjectPath(path string) string {
	return strings.NewReplacer("/", "-", "\\", "-").Replace(path)
}

func claudeProjectsDir(projectPath string) (string, error) {
	claudeDir := os.Getenv("CLAUDE_CONFIG_DIR")
	if claudeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		claudeDir = filepath.Join(home, ".claude")
	}
	return filepath.Join(claudeDir, "projects", NormalizeProjectPath(projectPath)), nil
}

// ImportLatest reads the most recent CLI session file for the given project
// and converts it into a History. Only files modified after since are
// considered (zero since means any). Returns nil when no session is found.
func ImportLatest(projectPath string, since time.Time) (*History, error) {
	dir, err := claudeProjectsDir(projectPath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions dir %s: %w", dir, err)
	}

	var (
		latestPath string
		latestTime time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if !since.IsZero() && !mod.After(since) {
			continue
		}
		if latestPath == "" || mod.After(latestTime) {
			latestPath = filepath.Join(dir, entry.Name())
			latestTime = mod
		}
	}
	if latestPath == "" {
		return nil, nil
	}
	return ParseSessionFile(latestPath)
}

// ParseSessionFile converts a CLI session file (JSONL, one event per line)
// into a History.
func ParseSessionFile(path string) (*History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file %s: %w", path, err)
	}
	defer f.Close()

	history := &History{SessionID: "unknown"}
	var (
		firstTimestamp string
		lastTimestamp  string
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse line %d of %s: %w", lineNum, path, err)
		}

		if history.SessionID == "unknown" {
			if sid := rawString(raw, "sessionId"); sid != "" {
				history.SessionID = sid
			}
		}
		timestamp := rawString(raw, "timestamp")
		if timestamp != "" {
			if firstTimestamp == "" {
				firstTimestamp = timestamp
			}
			lastTimestamp = timestamp
		}

		switch rawString(raw, "type") {
		case "user":
			var msg struct {
				Content json.RawMessage `json:"content"`
			}
			if err := json.Unmarshal(raw["message"], &msg); err == nil {
				var text string
				if json.Unmarshal(msg.Content, &text) == nil {
					if history.Prompt == "" && text != "Warmup" {
						history.Prompt = text
					}
				}
			}
		case "assistant":
			var msg struct {
				Content []struct {
					Type     string `json:"type"`
					Text     string `json:"text"`
					Thinking string `json:"thinking"`
				} `json:"content"`
			}
			if err := json.Unmarshal(raw["message"], &msg); err != nil {
				continue
			}
			for _, block := range msg.Content {
				switch block.Type {
				case "text":
					if strings.TrimSpace(block.Text) != "" {
						history.Events = append(history.Events, Event{
							Type:      EventAssistant,
							Text:      block.Text,
							Timestamp: timestamp,
						})
					}
				case "thinking":
					if block.Thinking != "" {
						history.Events = append(history.Events, Event{
							Type:      EventThinking,
							Content:   block.Thinking,
							Timestamp: timestamp,
						})
					}
				}
			}
		case "tool_use":
			history.TotalToolUses++
			name := rawString(raw, "name")
			if name == "" {
				name = "unknown"
			}
			if name == "Edit" || name == "Write" {
				var input struct {
					FilePath string `json:"file_path"`
				}
				if json.Unmarshal(raw["input"], &input) == nil && input.FilePath != "" {
					history.FilesModified = appendUnique(history.FilesModified, input.FilePath)
				}
			}
			history.Events = append(history.Events, Event{
				Type:      EventToolUse,
				Name:      name,
				Input:     raw["input"],
				Timestamp: timestamp,
			})
		case "tool_result":
			if name := rawString(raw, "name"); name != "" {
				history.Events = append(history.Events, Event{
					Type:      EventToolResult,
					Name:      name,
					Output:    rawString(raw, "output"),
					Timestamp: timestamp,
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", path, err)
	}

	if firstTimestamp == "" {
		firstTimestamp = time.Now().UTC().Format(time.RFC3339)
	}
	history.StartedAt = firstTimestamp
	history.EndedAt = lastTimestamp
	if history.Prompt == "" {
		history.Prompt = "(Interactive session)"
	}
	return history, nil
}

func rawString(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
