package git

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptRunner fails any command whose joined form matches a failure
// prefix, and records everything it ran.
type scriptRunner struct {
	failures []string
	ran      []string
}

func (r *scriptRunner) Run(_ context.Context, workDir, name string, args ...string) (string, error) {
	joined := name + " " + strings.Join(args, " ")
	r.ran = append(r.ran, joined)
	for _, f := range r.failures {
		if strings.HasPrefix(joined, f) {
			return "boom", &CommandError{Command: name, Args: args, WorkDir: workDir, Output: "boom", Err: errors.New("exit status 128")}
		}
	}
	return "ok", nil
}

func TestAddWorktreeFirstAttempt(t *testing.T) {
	r := &scriptRunner{}
	g := NewWithRunner("/repo", r)

	require.NoError(t, g.AddWorktree(context.Background(), "/repo/.worktrees/worktree-1", "stage/stage-001-001-001", ""))
	require.Len(t, r.ran, 1)
	assert.Equal(t, "git worktree add -b stage/stage-001-001-001 /repo/.worktrees/worktree-1", r.ran[0])
}

func TestAddWorktreeExistingBranchFallback(t *testing.T) {
	r := &scriptRunner{failures: []string{"git worktree add -b"}}
	g := NewWithRunner("/repo", r)

	require.NoError(t, g.AddWorktree(context.Background(), "/wt", "stage/x", "main"))
	require.Len(t, r.ran, 2)
	assert.Equal(t, "git worktree add /wt stage/x", r.ran[1])
}

func TestAddWorktreePruneRetry(t *testing.T) {
	// both add forms fail until a prune has happened
	r := &pruneHealingRunner{}
	g := NewWithRunner("/repo", r)

	require.NoError(t, g.AddWorktree(context.Background(), "/wt", "stage/x", "main"))
	assert.True(t, r.pruned)
	assert.GreaterOrEqual(t, len(r.ran), 3)
}

type pruneHealingRunner struct {
	pruned bool
	ran    []string
}

func (r *pruneHealingRunner) Run(_ context.Context, workDir, name string, args ...string) (string, error) {
	joined := name + " " + strings.Join(args, " ")
	r.ran = append(r.ran, joined)
	if strings.HasPrefix(joined, "git worktree prune") {
		r.pruned = true
		return "", nil
	}
	if strings.HasPrefix(joined, "git worktree add") && !r.pruned {
		return "stale", &CommandError{Command: name, Args: args, Output: "stale", Err: errors.New("exit status 128")}
	}
	return "", nil
}

func TestAddWorktreeAllAttemptsFail(t *testing.T) {
	r := &scriptRunner{failures: []string{"git worktree add"}}
	g := NewWithRunner("/repo", r)

	err := g.AddWorktree(context.Background(), "/wt", "stage/x", "main")
	require.Error(t, err)

	var cmdErr *CommandError
	assert.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, r.ran, "git worktree prune")
}

func TestDefaultBranch(t *testing.T) {
	r := &fixedRunner{out: "refs/remotes/origin/develop"}
	g := NewWithRunner("/repo", r)
	assert.Equal(t, "develop", g.DefaultBranch(context.Background()))

	g = NewWithRunner("/repo", &scriptRunner{failures: []string{"git symbolic-ref"}})
	assert.Equal(t, "main", g.DefaultBranch(context.Background()))
}

type fixedRunner struct{ out string }

func (r *fixedRunner) Run(context.Context, string, string, ...string) (string, error) {
	return r.out, nil
}

func TestBranchHead(t *testing.T) {
	g := NewWithRunner("/repo", &fixedRunner{out: "abc123"})
	head, err := g.BranchHead(context.Background(), "stage/x")
	require.NoError(t, err)
	assert.Equal(t, "abc123", head)
}

func TestCommandErrorUnwrap(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &CommandError{Command: "git", Output: "fatal: not a repo", Err: inner}
	assert.Equal(t, "fatal: not a repo", err.Error())
	assert.ErrorIs(t, err, inner)

	bare := &CommandError{Command: "git", Err: inner}
	assert.Equal(t, "exit status 1", bare.Error())
}
