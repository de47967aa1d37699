package orchestrator

import (
	"context"
	"time"

	"github.com/pitboss-dev/pitboss/internal/events"
	"github.com/pitboss-dev/pitboss/internal/item"
	"github.com/pitboss-dev/pitboss/internal/session"
)

// worker is one in-flight session, keyed in the active map by its
// worktree index.
type worker struct {
	stageID       string
	stageFilePath string
	worktreePath  string
	worktreeIndex int
	statusBefore  string
	skill         string
	startTime     time.Time
}

// workerExit is what a finished session reports back to the loop.
// Either res or err is set; err means the session never ran to a
// normal exit.
type workerExit struct {
	worker *worker
	res    *session.Result
	err    error
}

// runWorker executes the session and reports the exit. The session
// context is detached from the loop context: a Stop must not kill a
// claude process mid-write, the loop drains instead.
func (o *Orchestrator) runWorker(w *worker) {
	defer o.wg.Done()
	ctx := context.WithoutCancel(o.ctx)
	res, err := o.executor.Spawn(ctx, o.buildRequest(w))
	o.exits <- workerExit{worker: w, res: res, err: err}
}

// handleExit settles one finished session: classify the outcome from
// the status delta, run the exit gate on a real transition, then
// unconditionally release the lock, return the worktree and free the
// slot.
func (o *Orchestrator) handleExit(exit workerExit) {
	w := exit.worker
	log := o.logger.With("stage", w.stageID)
	// Cleanup must run even when the loop context is already
	// cancelled.
	ctx := context.WithoutCancel(o.ctx)

	statusAfter := w.statusBefore
	if s, err := o.locker.ReadStatus(w.stageFilePath); err == nil {
		statusAfter = s
	} else {
		log.Warn("status read after exit failed", "error", err)
	}

	data := events.ExitData{
		StatusBefore: w.statusBefore,
		StatusAfter:  statusAfter,
		Duration:     time.Since(w.startTime).Round(time.Millisecond).String(),
	}

	switch {
	case exit.err != nil:
		data.Outcome = events.OutcomeSessionError
		data.ExitCode = -1
		log.Error("session error", "error", exit.err)
		o.events.Error(w.stageID, "session error: "+exit.err.Error())

	case statusAfter == w.statusBefore && exit.res.ExitCode != 0:
		data.Outcome = events.OutcomeCrashed
		data.ExitCode = exit.res.ExitCode
		data.CostUSD = exit.res.CostUSD
		log.Warn("worker crashed",
			"exit_code", exit.res.ExitCode,
			"status", statusAfter,
			"log", exit.res.LogPath)

	case statusAfter == w.statusBefore:
		data.Outcome = events.OutcomeNoChange
		data.CostUSD = exit.res.CostUSD
		log.Info("worker exited without a transition", "status", statusAfter)

	default:
		data.Outcome = events.OutcomeCompleted
		data.ExitCode = exit.res.ExitCode
		data.CostUSD = exit.res.CostUSD
		o.settleTransition(ctx, w, statusAfter)
	}

	if err := o.locker.Release(w.stageFilePath); err != nil {
		log.Warn("lock release failed", "error", err)
	}
	if err := o.pool.Remove(ctx, w.worktreePath); err != nil {
		log.Warn("worktree remove failed", "path", w.worktreePath, "error", err)
	}

	o.activeMu.Lock()
	delete(o.active, w.worktreeIndex)
	o.activeMu.Unlock()

	o.events.StageExited(w.stageID, data)
}

// settleTransition runs the exit gate for a worker that moved its
// stage, then mirrors terminal transitions to Jira.
func (o *Orchestrator) settleTransition(ctx context.Context, w *worker, statusAfter string) {
	log := o.logger.With("stage", w.stageID)
	log.Info("worker completed transition",
		"from", w.statusBefore, "to", statusAfter)

	stage, err := o.loadStage(w.stageFilePath)
	if err != nil {
		log.Error("stage reload after exit failed", "error", err)
		return
	}
	if err := o.gate.Apply(ctx, stage, statusAfter); err != nil {
		log.Error("exit gate failed", "status", statusAfter, "error", err)
		o.events.Error(w.stageID, "exit gate failed: "+err.Error())
	}
	o.events.Transition(w.stageID, w.statusBefore, statusAfter, "worker")

	if item.IsTerminal(statusAfter) {
		o.notifier.StageCompleted(ctx, stage, w.statusBefore, statusAfter)
	}
}
