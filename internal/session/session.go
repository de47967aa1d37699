// Package session runs claude CLI workers. The orchestrator hands a
// stage to Spawn and learns the outcome only through the exit code;
// the worker itself reports progress by rewriting the stage file's
// status. Stdout is teed to a per-run log under .pitboss/sessions/ and
// the CLI's JSON result tail is mined for the session id and cost.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/pitboss-dev/pitboss/internal/config"
)

// DefaultCommand is the worker binary when none is configured.
const DefaultCommand = "claude"

// Request describes one worker session.
type Request struct {
	StageID       string
	StageFilePath string
	Skill         string
	WorktreePath  string
	WorktreeIndex int
	Model         string
	Env           map[string]string
}

// Result is what a finished session resolves to. A nonzero ExitCode is
// a worker outcome, not a spawn error.
type Result struct {
	ExitCode  int
	Duration  time.Duration
	SessionID string
	CostUSD   float64
	LogPath   string
}

// Executor spawns worker sessions. The orchestration loop and the
// chain manager both consume this.
type Executor interface {
	Spawn(ctx context.Context, req Request) (*Result, error)
}

// ClaudeExecutor runs the claude CLI headless inside a worktree.
type ClaudeExecutor struct {
	repoRoot string
	command  string
	logger   *slog.Logger
}

// NewExecutor creates an executor for the repo at repoRoot. An empty
// command falls back to DefaultCommand.
func NewExecutor(repoRoot, command string, logger *slog.Logger) *ClaudeExecutor {
	if command == "" {
		command = DefaultCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeExecutor{repoRoot: repoRoot, command: command, logger: logger}
}

// Spawn runs one session to completion. The skill is invoked as a
// slash command against the canonical stage file, so status writes land
// where the loop rereads them, not in the worktree's copy.
func (e *ClaudeExecutor) Spawn(ctx context.Context, req Request) (*Result, error) {
	logPath, logFile, err := e.openLog(req.StageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = logFile.Close() }()

	args := []string{
		"-p", "/" + req.Skill + " " + req.StageFilePath,
		"--output-format", "json",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	var tail bytes.Buffer
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = req.WorktreePath
	cmd.Stdout = io.MultiWriter(logFile, &tail)
	cmd.Stderr = logFile
	cmd.Env = sessionEnv(req)
	setProcAttr(cmd)

	e.logger.Debug("session starting",
		"stage", req.StageID, "skill", req.Skill,
		"worktree", req.WorktreePath, "log", logPath)

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Duration: time.Since(start),
		LogPath:  logPath,
	}
	res.SessionID, res.CostUSD = parseResultTail(tail.Bytes())

	if runErr != nil {
		if ctx.Err() != nil {
			// The direct child is dead already; take its process tree
			// with it.
			if cmd.Process != nil {
				_ = killProcessGroup(cmd.Process.Pid)
			}
			return nil, fmt.Errorf("session %s: %w", req.StageID, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("session %s: %w", req.StageID, runErr)
	}

	e.logger.Info("session finished",
		"stage", req.StageID, "duration", res.Duration,
		"session_id", res.SessionID, "cost_usd", res.CostUSD)
	return res, nil
}

func (e *ClaudeExecutor) openLog(stageID string) (string, *os.File, error) {
	dir := config.SessionsDir(e.repoRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("create sessions dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", stageID, uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("create session log: %w", err)
	}
	return path, f, nil
}

// sessionEnv layers the request's env over the process environment and
// stamps WORKTREE_INDEX last so it always wins.
func sessionEnv(req Request) []string {
	env := os.Environ()
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}
	return append(env, fmt.Sprintf("WORKTREE_INDEX=%d", req.WorktreeIndex))
}

// parseResultTail pulls session_id and total_cost_usd out of the last
// JSON line of a session's stdout. Workers print noise before the
// result document, and a crashed worker may print none at all.
func parseResultTail(out []byte) (string, float64) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		if !gjson.Valid(line) {
			continue
		}
		doc := gjson.Parse(line)
		return doc.Get("session_id").String(), doc.Get("total_cost_usd").Float()
	}
	return "", 0
}
