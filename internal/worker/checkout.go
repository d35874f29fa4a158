package worker

import (
	"context"
	"os"

	"github.com/kazz187/bugyo/pkg/worktree"
)

// WorktreeCheckouts adapts the git worktree manager to the orchestrator's
// checkout provider interface.
type WorktreeCheckouts struct {
	manager *worktree.Manager
}

func NewWorktreeCheckouts(manager *worktree.Manager) *WorktreeCheckouts {
	return &WorktreeCheckouts{manager: manager}
}

func (w *WorktreeCheckouts) Create(ctx context.Context, workerID int64) (Checkout, error) {
	co, err := w.manager.Create(ctx, workerID)
	if err != nil {
		return Checkout{}, err
	}
	return Checkout{Path: co.Path, Branch: co.Branch}, nil
}

func (w *WorktreeCheckouts) Remove(ctx context.Context, co Checkout) error {
	return w.manager.Remove(ctx, worktree.Checkout{Path: co.Path, Branch: co.Branch})
}

func (w *WorktreeCheckouts) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
