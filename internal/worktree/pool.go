// Package worktree manages the bounded pool of git worktrees that
// worker sessions run in. Slots are numbered 1..capacity and always
// allocated lowest-free-first, so .worktrees/worktree-1 is reused as
// soon as it frees up rather than the pool sprawling rightward.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pitboss-dev/pitboss/internal/git"
)

// Dir is the worktree directory under the repo root.
const Dir = ".worktrees"

var (
	// ErrPoolExhausted means every slot is taken.
	ErrPoolExhausted = errors.New("worktree pool exhausted")

	// ErrUntracked means the path was never created by this pool.
	ErrUntracked = errors.New("worktree not tracked by pool")
)

// Worktree is one checked-out slot.
type Worktree struct {
	Path   string
	Branch string
	Index  int
}

// Pool hands out worktree slots backed by git worktrees.
type Pool struct {
	repoRoot string
	git      *git.Git
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	used    []bool
	tracked map[string]*Worktree

	validated     bool
	validationErr error
}

// NewPool creates a pool of capacity slots for the repo at repoRoot.
func NewPool(repoRoot string, g *git.Git, capacity int, logger *slog.Logger) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		repoRoot: repoRoot,
		git:      g,
		capacity: capacity,
		logger:   logger,
		used:     make([]bool, capacity),
		tracked:  make(map[string]*Worktree),
	}
}

// Capacity returns the slot count.
func (p *Pool) Capacity() int { return p.capacity }

// InUse returns how many slots are currently allocated.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.used {
		if u {
			n++
		}
	}
	return n
}

func (p *Pool) acquireIndex() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.used {
		if !p.used[i] {
			p.used[i] = true
			return i + 1, nil
		}
	}
	return 0, ErrPoolExhausted
}

func (p *Pool) releaseIndex(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index >= 1 && index <= p.capacity {
		p.used[index-1] = false
	}
}

// Path returns the slot directory for an index.
func (p *Pool) Path(index int) string {
	return filepath.Join(p.repoRoot, Dir, fmt.Sprintf("worktree-%d", index))
}

// Create allocates the lowest free slot and materialises a checkout of
// branch there, creating the branch if it does not exist. On any git
// failure the slot is returned to the pool.
func (p *Pool) Create(ctx context.Context, branch string) (*Worktree, error) {
	index, err := p.acquireIndex()
	if err != nil {
		return nil, err
	}

	path := p.Path(index)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		p.releaseIndex(index)
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}

	if err := p.git.AddWorktree(ctx, path, branch, ""); err != nil {
		p.releaseIndex(index)
		return nil, err
	}

	wt := &Worktree{Path: path, Branch: branch, Index: index}
	p.mu.Lock()
	p.tracked[path] = wt
	p.mu.Unlock()

	p.logger.Debug("worktree created", "path", path, "branch", branch, "index", index)
	return wt, nil
}

// Remove tears a slot down and returns its index to the pool. When git
// refuses the removal the directory is deleted directly and stale
// registrations pruned, so a broken checkout cannot wedge a slot.
// Removing a path this pool never created fails with ErrUntracked.
func (p *Pool) Remove(ctx context.Context, path string) error {
	p.mu.Lock()
	wt, ok := p.tracked[path]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove %s: %w", path, ErrUntracked)
	}

	if err := p.git.RemoveWorktree(ctx, path); err != nil {
		p.logger.Warn("git worktree remove failed, deleting directly", "path", path, "error", err)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove worktree dir %s: %w", path, rmErr)
		}
		if pruneErr := p.git.PruneWorktrees(ctx); pruneErr != nil {
			p.logger.Warn("worktree prune failed", "error", pruneErr)
		}
	}

	p.mu.Lock()
	delete(p.tracked, path)
	p.mu.Unlock()
	p.releaseIndex(wt.Index)

	p.logger.Debug("worktree removed", "path", path, "index", wt.Index)
	return nil
}

// ValidateIsolationStrategy checks that the repo's CLAUDE.md documents
// a "Worktree Isolation Strategy" section with at least three
// subsections. Sessions run unsupervised inside worktrees; without
// documented isolation rules they are not safe to spawn. The result is
// cached until ResetValidation.
func (p *Pool) ValidateIsolationStrategy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.validated {
		return p.validationErr
	}
	p.validationErr = validateIsolationFile(filepath.Join(p.repoRoot, "CLAUDE.md"))
	p.validated = true
	return p.validationErr
}

// ResetValidation clears the cached validation result. Called on
// orchestrator start so edits to CLAUDE.md are picked up per run, not
// per process.
func (p *Pool) ResetValidation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validated = false
	p.validationErr = nil
}
