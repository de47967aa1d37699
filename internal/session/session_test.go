package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitboss-dev/pitboss/internal/git"
	"github.com/pitboss-dev/pitboss/internal/item"
)

// fakeClaude writes a shell script that stands in for the claude CLI.
func fakeClaude(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestSpawnParsesResultTail(t *testing.T) {
	root := t.TempDir()
	cmd := fakeClaude(t, `echo "worker chatter"
echo '{"type":"result","subtype":"success","session_id":"abc-123","total_cost_usd":0.42}'
`)
	e := NewExecutor(root, cmd, nil)

	res, err := e.Spawn(t.Context(), Request{
		StageID:      "STAGE-001-001-001",
		Skill:        "phase-build",
		WorktreePath: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "abc-123", res.SessionID)
	assert.InDelta(t, 0.42, res.CostUSD, 1e-9)

	log, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "worker chatter")
	assert.Contains(t, string(log), "abc-123")
	assert.True(t, strings.HasPrefix(filepath.Base(res.LogPath), "STAGE-001-001-001-"))
}

func TestSpawnArgsEnvAndCwd(t *testing.T) {
	root := t.TempDir()
	worktreeDir := t.TempDir()
	cmd := fakeClaude(t, `printf '%s\n' "$@" > args.txt
pwd > cwd.txt
env | grep -E '^(WORKTREE_INDEX|WORKFLOW_REMOTE_MODE)=' | sort > env.txt
echo '{"session_id":"s","total_cost_usd":0}'
`)
	e := NewExecutor(root, cmd, nil)

	_, err := e.Spawn(t.Context(), Request{
		StageID:       "STAGE-001-001-001",
		StageFilePath: "/repo/work/STAGE-001-001-001.md",
		Skill:         "phase-build",
		WorktreePath:  worktreeDir,
		WorktreeIndex: 3,
		Model:         "opus",
		Env:           map[string]string{"WORKFLOW_REMOTE_MODE": "true"},
	})
	require.NoError(t, err)

	args, err := os.ReadFile(filepath.Join(worktreeDir, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-p",
		"/phase-build /repo/work/STAGE-001-001-001.md",
		"--output-format",
		"json",
		"--dangerously-skip-permissions",
		"--model",
		"opus",
	}, strings.Split(strings.TrimRight(string(args), "\n"), "\n"))

	cwd, err := os.ReadFile(filepath.Join(worktreeDir, "cwd.txt"))
	require.NoError(t, err)
	assert.Equal(t, worktreeDir, strings.TrimSpace(string(cwd)))

	env, err := os.ReadFile(filepath.Join(worktreeDir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "WORKFLOW_REMOTE_MODE=true\nWORKTREE_INDEX=3",
		strings.TrimSpace(string(env)))
}

func TestSpawnNonzeroExitIsAResult(t *testing.T) {
	root := t.TempDir()
	cmd := fakeClaude(t, `echo "dying"
exit 7
`)
	e := NewExecutor(root, cmd, nil)

	res, err := e.Spawn(t.Context(), Request{
		StageID:      "STAGE-001-001-001",
		Skill:        "phase-build",
		WorktreePath: t.TempDir(),
	})
	require.NoError(t, err, "a nonzero exit is a worker outcome, not a spawn error")
	assert.Equal(t, 7, res.ExitCode)
	assert.Empty(t, res.SessionID)
}

func TestSpawnMissingBinary(t *testing.T) {
	e := NewExecutor(t.TempDir(), "/nonexistent/claude-bin", nil)

	res, err := e.Spawn(t.Context(), Request{
		StageID:      "STAGE-001-001-001",
		Skill:        "phase-build",
		WorktreePath: t.TempDir(),
	})
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestParseResultTail(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		wantID   string
		wantCost float64
	}{
		{"single doc", `{"session_id":"a","total_cost_usd":1.5}`, "a", 1.5},
		{"noise before", "warning: x\n{\"session_id\":\"b\",\"total_cost_usd\":0.1}\n", "b", 0.1},
		{"trailing noise skipped", "{\"session_id\":\"c\",\"total_cost_usd\":2}\nbye\n", "c", 2},
		{"no json", "nothing here\n", "", 0},
		{"empty", "", "", 0},
		{"broken json", "{not json\n", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, cost := parseResultTail([]byte(tt.out))
			assert.Equal(t, tt.wantID, id)
			assert.InDelta(t, tt.wantCost, cost, 1e-9)
		})
	}
}

// recordingExecutor captures the request instead of spawning anything.
type recordingExecutor struct {
	req   Request
	err   error
	sawAt string
}

func (r *recordingExecutor) Spawn(ctx context.Context, req Request) (*Result, error) {
	r.req = req
	r.sawAt = req.WorktreePath
	if r.err != nil {
		return nil, r.err
	}
	return &Result{ExitCode: 0}, nil
}

type recordingGitRunner struct {
	ran []string
}

func (r *recordingGitRunner) Run(_ context.Context, workDir, name string, args ...string) (string, error) {
	r.ran = append(r.ran, name+" "+strings.Join(args, " "))
	return "", nil
}

func TestRebaseLaunchUsesAdHocWorktree(t *testing.T) {
	root := t.TempDir()
	runner := &recordingGitRunner{}
	g := git.NewWithRunner(root, runner)
	rec := &recordingExecutor{}
	l := NewRebaseLauncher(root, g, rec, nil)

	stage := &item.Stage{
		ID:       "STAGE-001-002-003",
		FilePath: filepath.Join(root, "work/STAGE-001-002-003.md"),
	}
	res, err := l.Launch(t.Context(), stage, "opus", map[string]string{"K": "v"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	wantPath := filepath.Join(root, ".worktrees", "rebase-stage-001-002-003")
	assert.Equal(t, wantPath, rec.sawAt)
	assert.Equal(t, RebaseSkill, rec.req.Skill)
	assert.Equal(t, stage.FilePath, rec.req.StageFilePath)
	assert.Equal(t, "opus", rec.req.Model)

	joined := strings.Join(runner.ran, "\n")
	assert.Contains(t, joined, "worktree add")
	assert.Contains(t, joined, "stage/stage-001-002-003", "derived branch when frontmatter names none")
	assert.Contains(t, joined, "worktree remove")
}

func TestRebaseLaunchRemovesWorktreeOnSpawnError(t *testing.T) {
	root := t.TempDir()
	runner := &recordingGitRunner{}
	g := git.NewWithRunner(root, runner)
	rec := &recordingExecutor{err: errors.New("spawn failed")}
	l := NewRebaseLauncher(root, g, rec, nil)

	stage := &item.Stage{ID: "STAGE-001-002-003"}
	_, err := l.Launch(t.Context(), stage, "", nil)
	require.Error(t, err)
	assert.Contains(t, strings.Join(runner.ran, "\n"), "worktree remove")
}
