package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitboss-dev/pitboss/internal/git"
	"github.com/pitboss-dev/pitboss/internal/item"
	"github.com/pitboss-dev/pitboss/internal/worktree"
)

// RebaseSkill is the slash command a rebase session runs against the
// child stage.
const RebaseSkill = "rebase-child-mr"

// RebaseLauncher runs rebase sessions in throwaway worktrees outside
// the pool. Pool slots belong to loop workers; a rebase triggered by
// the chain manager must never starve them.
type RebaseLauncher struct {
	repoRoot string
	git      *git.Git
	exec     Executor
	logger   *slog.Logger
}

// NewRebaseLauncher creates a launcher sharing the loop's executor.
func NewRebaseLauncher(repoRoot string, g *git.Git, exec Executor, logger *slog.Logger) *RebaseLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RebaseLauncher{repoRoot: repoRoot, git: g, exec: exec, logger: logger}
}

// Launch checks the stage's branch out under .worktrees/rebase-<id>,
// runs the rebase session there and tears the checkout down again.
func (l *RebaseLauncher) Launch(ctx context.Context, stage *item.Stage, model string, env map[string]string) (*Result, error) {
	path := filepath.Join(l.repoRoot, worktree.Dir, "rebase-"+strings.ToLower(stage.ID))
	if err := l.git.AddWorktree(ctx, path, stage.Branch(), ""); err != nil {
		return nil, fmt.Errorf("rebase worktree for %s: %w", stage.ID, err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if err := l.git.RemoveWorktree(cleanupCtx, path); err != nil {
			l.logger.Warn("rebase worktree removal failed, deleting directly",
				"path", path, "error", err)
			_ = os.RemoveAll(path)
			_ = l.git.PruneWorktrees(cleanupCtx)
		}
	}()

	return l.exec.Spawn(ctx, Request{
		StageID:       stage.ID,
		StageFilePath: stage.FilePath,
		Skill:         RebaseSkill,
		WorktreePath:  path,
		Model:         model,
		Env:           env,
	})
}
