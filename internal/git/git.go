// Package git wraps the git operations pitboss needs: worktree
// lifecycle, branch heads, and remote inspection. All of it shells out
// to the git binary; nothing here depends on a particular host.
package git

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Git runs git commands against one repository.
type Git struct {
	repoRoot string
	runner   CommandRunner

	// mu protects compound operations (worktree add ladder, prune)
	// from interleaving with each other.
	mu sync.Mutex
}

// New creates a Git for the repository at repoRoot.
func New(repoRoot string) *Git {
	return NewWithRunner(repoRoot, NewExecRunner())
}

// NewWithRunner creates a Git with a custom command runner, for tests.
func NewWithRunner(repoRoot string, runner CommandRunner) *Git {
	return &Git{repoRoot: repoRoot, runner: runner}
}

// RepoRoot returns the repository path this instance operates on.
func (g *Git) RepoRoot() string { return g.repoRoot }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, g.repoRoot, "git", args...)
}

// AddWorktree materialises a checkout of branch at path, creating the
// branch from baseBranch (or HEAD when baseBranch is empty) if it does
// not exist yet.
//
// If the initial attempt fails, it prunes stale worktree entries and
// retries. This handles the case where a worktree directory was deleted
// but git still has a stale registration for it.
//
// This is a compound operation protected by mutex to prevent concurrent
// worktree creation from interfering with each other (e.g., both
// pruning at the same time).
func (g *Git) AddWorktree(ctx context.Context, path, branch, baseBranch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	newBranchArgs := []string{"worktree", "add", "-b", branch, path}
	if baseBranch != "" {
		newBranchArgs = append(newBranchArgs, baseBranch)
	}

	// First attempt: create worktree with new branch
	if _, err := g.run(ctx, newBranchArgs...); err == nil {
		return nil
	}

	// Branch might already exist, try to add worktree for existing branch
	if _, err := g.run(ctx, "worktree", "add", path, branch); err == nil {
		return nil
	}

	// Both attempts failed - prune stale worktree entries (directories
	// that no longer exist) and retry both forms.
	_, _ = g.run(ctx, "worktree", "prune")

	if _, err := g.run(ctx, newBranchArgs...); err == nil {
		return nil
	}
	if _, err := g.run(ctx, "worktree", "add", path, branch); err != nil {
		return fmt.Errorf("add worktree %s: %w", path, err)
	}
	return nil
}

// RemoveWorktree force-removes the worktree at path.
func (g *Git) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := g.run(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	return nil
}

// PruneWorktrees removes stale worktree entries from git's internal
// tracking. Safe to call at any time.
func (g *Git) PruneWorktrees(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.run(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// BranchHead returns the commit SHA a local branch points at.
func (g *Git) BranchHead(ctx context.Context, branch string) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", branch)
	if err != nil {
		return "", fmt.Errorf("branch head %s: %w", branch, err)
	}
	return out, nil
}

// CurrentBranch returns the branch checked out at the repo root.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// RemoteURL returns the origin remote URL.
func (g *Git) RemoteURL(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("remote url: %w", err)
	}
	return out, nil
}

// DefaultBranch returns the branch origin/HEAD points at, falling back
// to main when the symbolic ref is not set locally.
func (g *Git) DefaultBranch(ctx context.Context) string {
	out, err := g.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "main"
	}
	return strings.TrimPrefix(out, "refs/remotes/origin/")
}

// IsRepo reports whether the root is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}
