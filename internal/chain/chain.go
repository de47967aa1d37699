// Package chain keeps stacked pull requests healthy. A child stage's
// PR can target a parent stage's branch instead of the default branch;
// this manager polls those parents, rebases the child when a parent
// moves, and walks the child's PR base down the chain as parents merge
// until the last merge promotes it out of draft.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/frontmatter"
	"github.com/pitboss-dev/pitboss/internal/hosting"
	"github.com/pitboss-dev/pitboss/internal/item"
	"github.com/pitboss-dev/pitboss/internal/lock"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
	"github.com/pitboss-dev/pitboss/internal/session"
)

// Poll events. The skipped variants replace the raw event when a
// rebase precondition fails; the retarget matrix still runs for them.
const (
	EventParentMerged      = "parent_merged"
	EventParentHeadChanged = "parent_head_changed"
	EventSkippedNoFile     = "skipped_no_file"
	EventSkippedConflict   = "skipped_conflict"
	EventSkippedLocked     = "skipped_locked"
)

// hostCallTimeout bounds every individual code-host API call.
const hostCallTimeout = 30 * time.Second

// Result describes what one poll observed for one tracking row.
type Result struct {
	ChildStageID  string
	ParentStageID string
	Event         string
	RebaseSpawned bool
	Retargeted    bool
	Promoted      bool
}

// Launcher runs a rebase session against a child stage. Satisfied by
// session.RebaseLauncher.
type Launcher interface {
	Launch(ctx context.Context, stage *item.Stage, model string, env map[string]string) (*session.Result, error)
}

// Options wires a Manager. Host is required for any observation;
// Launcher and Locker together enable rebase spawning, and leaving
// either nil puts the manager in observe-only mode.
type Options struct {
	DB            *db.DB
	Pipe          *pipeline.Pipeline
	Host          hosting.Provider
	Locker        *lock.Locker
	Launcher      Launcher
	DefaultBranch string
	Model         string
	Env           map[string]string
	Logger        *slog.Logger
}

// Manager is the merge chain poller.
type Manager struct {
	db            *db.DB
	pipe          *pipeline.Pipeline
	host          hosting.Provider
	locker        *lock.Locker
	launcher      Launcher
	defaultBranch string
	model         string
	env           map[string]string
	logger        *slog.Logger
}

// New creates a Manager from Options.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultBranch := opts.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Manager{
		db:            opts.DB,
		pipe:          opts.Pipe,
		host:          opts.Host,
		locker:        opts.Locker,
		launcher:      opts.Launcher,
		defaultBranch: defaultBranch,
		model:         opts.Model,
		env:           opts.Env,
		logger:        logger,
	}
}

// Poll scans every unmerged tracking row whose child stage sits in a
// reviewable phase. Rows are independent; one failing row never stops
// the scan. The returned results cover only rows that produced an
// event, in scan order.
func (m *Manager) Poll(ctx context.Context) ([]Result, error) {
	if m.host == nil {
		m.logger.Debug("chain polling disabled, no code host configured")
		return nil, nil
	}

	rows, err := m.db.ListUnmergedByChildStatus(ctx, m.pipe.ReviewableStatuses())
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, row := range rows {
		if res := m.checkRow(ctx, row); res != nil {
			results = append(results, *res)
		}
	}
	return results, nil
}

// checkRow classifies one tracking row: merged beats head movement,
// head movement beats seeding, and an unchanged head is a non-event
// that must not advance last_checked.
//
// On a merge the retarget matrix runs before the rebase spawn so every
// frontmatter rewrite lands while this goroutine is still the only
// writer; once the rebase session holds the lock, only its release
// touches the file.
func (m *Manager) checkRow(ctx context.Context, row *db.MergeParentRow) *Result {
	if m.parentMerged(ctx, row) {
		if err := m.db.RecordParentMerged(ctx, row.ID); err != nil {
			m.logger.Error("record parent merged failed",
				"child", row.ChildStageID, "parent", row.ParentStageID, "error", err)
			return nil
		}
		res := &Result{
			ChildStageID:  row.ChildStageID,
			ParentStageID: row.ParentStageID,
			Event:         EventParentMerged,
		}
		if m.spawnConfigured() {
			m.applyRetargetMatrix(ctx, row, res)
			m.handleRebase(ctx, row, res)
		}
		return res
	}

	head, err := m.branchHead(ctx, row.ParentBranch)
	if err != nil {
		m.logger.Warn("parent branch head unavailable",
			"child", row.ChildStageID, "branch", row.ParentBranch, "error", err)
		return nil
	}

	switch {
	case row.LastKnownHead == "":
		// First observation is a baseline, not an event.
		if err := m.db.RecordParentHeadSeen(ctx, row.ID, head); err != nil {
			m.logger.Error("seed parent head failed",
				"child", row.ChildStageID, "parent", row.ParentStageID, "error", err)
		}
		return nil
	case head != row.LastKnownHead:
		if err := m.db.RecordParentHeadChanged(ctx, row.ID, head); err != nil {
			m.logger.Error("record parent head change failed",
				"child", row.ChildStageID, "parent", row.ParentStageID, "error", err)
			return nil
		}
		res := &Result{
			ChildStageID:  row.ChildStageID,
			ParentStageID: row.ParentStageID,
			Event:         EventParentHeadChanged,
		}
		if m.spawnConfigured() {
			m.handleRebase(ctx, row, res)
		}
		return res
	}
	return nil
}

// spawnConfigured reports whether the manager can run rebase sessions.
// Without a launcher and locker the manager observes and records but
// leaves the child's PR and branch alone.
func (m *Manager) spawnConfigured() bool {
	return m.launcher != nil && m.locker != nil
}

// parentMerged reports whether the parent's PR is reachable and merged.
// An unreachable PR is not an error; the head check still runs.
func (m *Manager) parentMerged(ctx context.Context, row *db.MergeParentRow) bool {
	if row.ParentPRURL == "" {
		return false
	}
	number, err := hosting.ParsePRNumber(row.ParentPRURL)
	if err != nil {
		m.logger.Warn("unparseable parent pr url",
			"child", row.ChildStageID, "url", row.ParentPRURL, "error", err)
		return false
	}

	hctx, cancel := context.WithTimeout(ctx, hostCallTimeout)
	defer cancel()
	status, err := m.host.PRStatus(hctx, number)
	if err != nil {
		if !errors.Is(err, hosting.ErrNotFound) {
			m.logger.Warn("parent pr status unavailable",
				"child", row.ChildStageID, "pr", number, "error", err)
		}
		return false
	}
	return status.Merged
}

func (m *Manager) branchHead(ctx context.Context, branch string) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, hostCallTimeout)
	defer cancel()
	return m.host.BranchHead(hctx, branch)
}

// handleRebase tries to hand the child to a rebase session, demoting
// the result's event to a skipped variant when a precondition fails.
// Callers have already checked spawnConfigured.
func (m *Manager) handleRebase(ctx context.Context, row *db.MergeParentRow, res *Result) {
	path, err := m.db.ItemPath(ctx, row.ChildStageID)
	if err != nil {
		res.Event = EventSkippedNoFile
		return
	}
	stage, err := item.LoadStage(path)
	if err != nil {
		m.logger.Warn("child stage unreadable",
			"child", row.ChildStageID, "path", path, "error", err)
		res.Event = EventSkippedNoFile
		return
	}
	if stage.RebaseConflict {
		res.Event = EventSkippedConflict
		return
	}
	if err := m.locker.Acquire(path); err != nil {
		if !errors.Is(err, lock.ErrAlreadyLocked) {
			m.logger.Warn("child lock acquire failed",
				"child", row.ChildStageID, "error", err)
		}
		res.Event = EventSkippedLocked
		return
	}

	m.logger.Info("rebase session spawning",
		"child", row.ChildStageID, "parent", row.ParentStageID, "event", res.Event)

	// Fire and forget. The session outlives this poll tick, and the
	// lock is released exactly once on any outcome.
	launchCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if err := m.locker.Release(path); err != nil {
				m.logger.Warn("rebase lock release failed",
					"child", row.ChildStageID, "error", err)
			}
		}()
		if _, err := m.launcher.Launch(launchCtx, stage, m.model, m.env); err != nil {
			m.logger.Warn("rebase session failed",
				"child", row.ChildStageID, "error", err)
		}
	}()

	res.RebaseSpawned = true
}

// applyRetargetMatrix walks the child PR's base down the chain after a
// parent merged. With several parents still open the child stays put;
// with one left it targets that parent's branch; with none left it
// targets the default branch and is promoted out of draft.
func (m *Manager) applyRetargetMatrix(ctx context.Context, row *db.MergeParentRow, res *Result) {
	number, path, ok := m.childPRNumber(ctx, row.ChildStageID)
	if !ok {
		return
	}

	all, err := m.db.ListMergeParentsForChild(ctx, row.ChildStageID)
	if err != nil {
		m.logger.Error("list merge parents failed", "child", row.ChildStageID, "error", err)
		return
	}
	var unmerged []*db.MergeParentRow
	for _, r := range all {
		if !r.IsMerged {
			unmerged = append(unmerged, r)
		}
	}

	switch len(unmerged) {
	case 0:
		if !m.editBase(ctx, row.ChildStageID, number, m.defaultBranch) {
			return
		}
		res.Retargeted = true
		if !m.markReady(ctx, row.ChildStageID, number) {
			return
		}
		res.Promoted = true
		m.clearPendingParents(row.ChildStageID, path)
	case 1:
		if !m.editBase(ctx, row.ChildStageID, number, unmerged[0].ParentBranch) {
			return
		}
		res.Retargeted = true
	}
}

// childPRNumber resolves the child stage's PR number from its
// frontmatter, falling back to parsing the PR URL. Without a number
// the retarget matrix cannot run.
func (m *Manager) childPRNumber(ctx context.Context, childStageID string) (int, string, bool) {
	path, err := m.db.ItemPath(ctx, childStageID)
	if err != nil {
		return 0, "", false
	}
	stage, err := item.LoadStage(path)
	if err != nil {
		return 0, "", false
	}
	if stage.PRNumber > 0 {
		return stage.PRNumber, path, true
	}
	if stage.PRURL != "" {
		if number, err := hosting.ParsePRNumber(stage.PRURL); err == nil {
			return number, path, true
		}
	}
	return 0, "", false
}

func (m *Manager) editBase(ctx context.Context, childStageID string, number int, base string) bool {
	hctx, cancel := context.WithTimeout(ctx, hostCallTimeout)
	defer cancel()
	if err := m.host.EditPRBase(hctx, number, base); err != nil {
		m.logger.Warn("pr retarget failed",
			"child", childStageID, "pr", number, "base", base, "error", err)
		return false
	}
	m.logger.Info("pr retargeted", "child", childStageID, "pr", number, "base", base)
	return true
}

func (m *Manager) markReady(ctx context.Context, childStageID string, number int) bool {
	hctx, cancel := context.WithTimeout(ctx, hostCallTimeout)
	defer cancel()
	if err := m.host.MarkPRReady(hctx, number); err != nil {
		m.logger.Warn("pr promotion failed",
			"child", childStageID, "pr", number, "error", err)
		return false
	}
	m.logger.Info("pr promoted to ready", "child", childStageID, "pr", number)
	return true
}

// clearPendingParents rewrites the child's frontmatter after the last
// parent landed: no longer a draft, nothing left to wait for.
func (m *Manager) clearPendingParents(childStageID, path string) {
	doc, err := frontmatter.Read(path)
	if err != nil {
		m.logger.Warn("child frontmatter unreadable after promotion",
			"child", childStageID, "error", err)
		return
	}
	if err := doc.Set("is_draft", false); err == nil {
		err = doc.Set("pending_merge_parents", []string{})
	}
	if err == nil {
		err = doc.Write()
	}
	if err != nil {
		m.logger.Warn("child frontmatter rewrite failed",
			"child", childStageID, "error", err)
		return
	}
	m.logger.Info("pending merge parents cleared", "child", childStageID)
}
