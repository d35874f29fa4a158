// Package claudecli drives the Claude Code CLI as a subprocess.
//
// The CLI is spawned under a pseudo-terminal because it refuses to stream
// output when attached to a plain pipe. All output is captured until the
// process exits and only then parsed; the stream-json format interleaves
// terminal control sequences that make incremental parsing unreliable.
package claudecli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/kazz187/bugyo/internal/session"
)

// Options configures a single CLI invocation.
type Options struct {
	Prompt         string
	Dir            string
	SessionID      string   // resume this session via --continue when set
	Model          string
	PermissionMode string   // defaults to bypassPermissions
	AllowedTools   []string
	ExtraArgs      []string // {{prompt}} and {{workdir}} are substituted
}

// Result carries the outcome of one CLI invocation.
type Result struct {
	SessionID string
	History   session.History
}

// Binary resolves the Claude CLI binary: the BUGYO_CLAUDE_BIN override
// first, then ~/.claude/local/claude if present, then "claude" from PATH.
func Binary() string {
	if bin := os.Getenv("BUGYO_CLAUDE_BIN"); bin != "" {
		return bin
	}
	home, err := os.UserHomeDir()
	if err == nil {
		local := filepath.Join(home, ".claude", "local", "claude")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	return "claude"
}

func buildArgs(opts Options) []string {
	args := []string{"--print", opts.Prompt, "--output-format", "stream-json", "--verbose"}
	if opts.SessionID != "" {
		args = append(args, "--continue")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = "bypassPermissions"
	}
	args = append(args, "--permission-mode", mode)
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	for _, extra := range opts.ExtraArgs {
		replaced := strings.ReplaceAll(extra, "{{prompt}}", opts.Prompt)
		replaced = strings.ReplaceAll(replaced, "{{workdir}}", opts.Dir)
		args = append(args, replaced)
	}
	return args
}

// Run executes the CLI, streams human-readable lines to logFn, and returns
// the extracted session id plus a structured session history.
func Run(ctx context.Context, opts Options, logFn func(string)) (*Result, error) {
	startedAt := time.Now().UTC()

	cmd := exec.CommandContext(ctx, Binary(), buildArgs(opts)...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if custom := os.Getenv("BUGYO_CLAUDE_HOME"); custom != "" {
		if err := os.MkdirAll(custom, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare claude config directory %s: %w", custom, err)
		}
		cmd.Env = append(cmd.Env, "CLAUDE_CONFIG_DIR="+custom)
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 120})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn claude in pty: %w", err)
	}

	// Drain the PTY until the child closes its side. Reading and waiting
	// must overlap or the child can block on a full terminal buffer.
	outputCh := make(chan []byte, 1)
	go func() {
		var buf []byte
		chunk := make([]byte, 8192)
		for {
			n, err := master.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if err != nil {
				break
			}
		}
		outputCh <- buf
	}()

	waitErr := cmd.Wait()
	output := <-outputCh
	_ = master.Close()

	parsed := parseOutput(string(output), logFn)

	if waitErr != nil {
		return nil, fmt.Errorf("claude cli exited abnormally: %w", waitErr)
	}

	sessionID := parsed.sessionID
	historyID := sessionID
	if historyID == "" {
		historyID = "unknown"
	}
	return &Result{
		SessionID: sessionID,
		History: session.History{
			SessionID:     historyID,
			StartedAt:     startedAt.Format(time.RFC3339),
			EndedAt:       time.Now().UTC().Format(time.RFC3339),
			Prompt:        opts.Prompt,
			Events:        parsed.events,
			TotalToolUses: parsed.totalToolUses,
			FilesModified: parsed.filesModified,
		},
	}, nil
}

// RunInteractive starts the CLI attached to the caller's terminal for a
// hands-on session in the worker's checkout. Output is not captured; the
// caller imports the resulting session file afterwards.
func RunInteractive(ctx context.Context, dir string, extraArgs []string) error {
	args := append([]string{}, extraArgs...)
	cmd := exec.CommandContext(ctx, Binary(), args...)
	cmd.Dir = dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("claude cli exited with status %d", exitErr.ExitCode())
		}
		return fmt.Errorf("failed to run claude cli: %w", err)
	}
	return nil
}
