// Package client provides client operations against the bugyo HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kazz187/bugyo/internal/session"
	"github.com/kazz187/bugyo/internal/worker"
)

// Client talks to a running bugyo server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    http.DefaultClient,
	}
}

type apiError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return &apiErr
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type CreateWorkerRequest struct {
	Name           string `json:"name,omitempty"`
	Issue          string `json:"issue,omitempty"`
	Agent          string `json:"agent,omitempty"`
	Workflow       string `json:"workflow,omitempty"`
	FreePrompt     string `json:"free_prompt,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Worktree       string `json:"worktree,omitempty"`
	Branch         string `json:"branch,omitempty"`
}

// Worktree is one entry of the server's worktree listing.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

func (c *Client) ListWorktrees(ctx context.Context) ([]Worktree, error) {
	var resp struct {
		Worktrees []Worktree `json:"worktrees"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/worktrees", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return resp.Worktrees, nil
}

func (c *Client) CreateWorker(ctx context.Context, req CreateWorkerRequest) (*worker.Snapshot, error) {
	var snapshot worker.Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/workers", req, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	return &snapshot, nil
}

func (c *Client) ListWorkers(ctx context.Context) ([]worker.Snapshot, error) {
	var resp struct {
		Workers []worker.Snapshot `json:"workers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/workers", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return resp.Workers, nil
}

func (c *Client) GetWorker(ctx context.Context, id int64) (*worker.Snapshot, error) {
	var snapshot worker.Snapshot
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/workers/%d", id), nil, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return &snapshot, nil
}

func (c *Client) DeleteWorker(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/workers/%d", id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	return nil
}

func (c *Client) RestartWorker(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/workers/%d/restart", id), nil, nil); err != nil {
		return fmt.Errorf("failed to restart worker: %w", err)
	}
	return nil
}

func (c *Client) ContinueWorker(ctx context.Context, id int64, prompt, permissionMode string) error {
	body := map[string]string{"prompt": prompt}
	if permissionMode != "" {
		body["permission_mode"] = permissionMode
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/workers/%d/continue", id), body, nil); err != nil {
		return fmt.Errorf("failed to continue worker: %w", err)
	}
	return nil
}

func (c *Client) RenameWorker(ctx context.Context, id int64, name string) error {
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/workers/%d/rename", id), body, nil); err != nil {
		return fmt.Errorf("failed to rename worker: %w", err)
	}
	return nil
}

func (c *Client) RespondPermission(ctx context.Context, id int64, requestID uint64, decision worker.PermissionDecision) error {
	path := fmt.Sprintf("/api/workers/%d/permissions/%d", id, requestID)
	if err := c.do(ctx, http.MethodPost, path, decision, nil); err != nil {
		return fmt.Errorf("failed to respond to permission request: %w", err)
	}
	return nil
}

func (c *Client) WorkerLogs(ctx context.Context, id int64) ([]string, error) {
	var resp struct {
		Logs []string `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/workers/%d/logs", id), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch worker logs: %w", err)
	}
	return resp.Logs, nil
}

func (c *Client) WorkerSessions(ctx context.Context, id int64) ([]session.History, error) {
	var resp struct {
		Sessions []session.History `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/workers/%d/sessions", id), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch worker sessions: %w", err)
	}
	return resp.Sessions, nil
}

// WatchEvents tails the server's event stream, invoking fn for each event
// until ctx is cancelled or the stream ends.
func (c *Client) WatchEvents(ctx context.Context, fn func(worker.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var event worker.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		fn(event)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream broken: %w", err)
	}
	return nil
}
