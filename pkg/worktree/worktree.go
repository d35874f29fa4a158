package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Checkout is an isolated working copy provisioned for a single worker.
type Checkout struct {
	Path   string
	Branch string
}

// Manager provisions git worktrees under <repoRoot>/.worktrees.
// Worktree and branch names are qualified with a unix timestamp so that
// concurrently created checkouts never collide.
type Manager struct {
	repoRoot      string
	worktreesPath string
	branchPrefix  string
}

func NewManager(repoRoot string) (*Manager, error) {
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo root: %w", err)
	}
	return &Manager{
		repoRoot:      abs,
		worktreesPath: filepath.Join(abs, ".worktrees"),
		branchPrefix:  "bugyo",
	}, nil
}

// Create adds a new worktree and branch for the given worker id, based on
// the current branch of the repository (or HEAD when detached).
func (m *Manager) Create(ctx context.Context, workerID int64) (Checkout, error) {
	if err := os.MkdirAll(m.worktreesPath, 0o755); err != nil {
		return Checkout{}, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	name := fmt.Sprintf("worker-%03d-%d", workerID, time.Now().Unix())
	path := filepath.Join(m.worktreesPath, name)
	branch := m.branchPrefix + "/" + name
	baseRef := m.baseRef(ctx)

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", path, "-b", branch, baseRef)
	cmd.Dir = m.repoRoot
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Checkout{}, fmt.Errorf("git worktree add failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return Checkout{Path: path, Branch: branch}, nil
}

// Remove tears down a worktree and its branch. Both steps are forced and
// best-effort; failures are joined into the returned error so the caller
// can report them without aborting deletion.
func (m *Manager) Remove(ctx context.Context, co Checkout) error {
	var errs []error

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", co.Path)
	cmd.Dir = m.repoRoot
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		errs = append(errs, fmt.Errorf("git worktree remove failed: %s: %w", strings.TrimSpace(stderr.String()), err))
	}

	if co.Branch != "" {
		cmd = exec.CommandContext(ctx, "git", "branch", "-D", co.Branch)
		cmd.Dir = m.repoRoot
		stderr.Reset()
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			errs = append(errs, fmt.Errorf("git branch -D %s failed: %s: %w", co.Branch, strings.TrimSpace(stderr.String()), err))
		}
	}
	return errors.Join(errs...)
}

// List returns the existing worktrees of the repository, parsed from
// `git worktree list --porcelain`.
func (m *Manager) List(ctx context.Context) ([]Checkout, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git worktree list failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	var (
		checkouts []Checkout
		current   Checkout
	)
	flush := func() {
		if current.Path != "" && current.Branch != "" {
			checkouts = append(checkouts, current)
		}
		current = Checkout{}
	}
	for _, line := range strings.Split(stdout.String(), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimSpace(strings.TrimPrefix(line, "worktree "))
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimSpace(strings.TrimPrefix(line, "branch "))
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case strings.HasPrefix(line, "detached"):
			current.Branch = "(detached HEAD)"
		}
	}
	flush()
	return checkouts, nil
}

// RelPath returns a repo-relative form of a checkout path for display and
// persistence; absolute paths outside the repo are returned unchanged.
func (m *Manager) RelPath(path string) string {
	rel, err := filepath.Rel(m.repoRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// AbsPath resolves a persisted repo-relative checkout path.
func (m *Manager) AbsPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.repoRoot, path)
}

func (m *Manager) baseRef(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = m.repoRoot
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "HEAD"
	}
	branch := strings.TrimSpace(stdout.String())
	if branch == "" || branch == "HEAD" {
		return "HEAD"
	}
	return branch
}
