package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/pitboss-dev/pitboss/internal/discovery"
	"github.com/pitboss-dev/pitboss/internal/events"
	"github.com/pitboss-dev/pitboss/internal/frontmatter"
	"github.com/pitboss-dev/pitboss/internal/item"
	"github.com/pitboss-dev/pitboss/internal/lock"
	"github.com/pitboss-dev/pitboss/internal/session"
)

// admit takes one discovered stage through the admission gauntlet and,
// when everything holds, hands it to a worker session. Any failure
// releases whatever was taken and reports false; the loop moves on to
// the next candidate.
func (o *Orchestrator) admit(ctx context.Context, cand discovery.ReadyStage) bool {
	path := cand.FilePath
	log := o.logger.With("stage", cand.ID)

	if err := o.locker.Acquire(path); err != nil {
		if errors.Is(err, lock.ErrAlreadyLocked) {
			log.Debug("stage already locked, skipping")
		} else {
			log.Warn("lock acquire failed", "error", err)
		}
		return false
	}
	release := func() {
		if err := o.locker.Release(path); err != nil {
			log.Warn("lock release failed", "error", err)
		}
	}

	statusBefore, err := o.locker.ReadStatus(path)
	if err != nil {
		log.Warn("status read failed", "error", err)
		release()
		return false
	}
	if statusBefore == item.StatusNotStarted {
		if err := o.locker.Onboard(path, o.pipe.Entry().Status); err != nil {
			log.Warn("onboarding failed", "error", err)
			release()
			return false
		}
		statusBefore, err = o.locker.ReadStatus(path)
		if err != nil {
			log.Warn("status reread failed", "error", err)
			release()
			return false
		}
		log.Info("stage onboarded", "status", statusBefore)
	}

	skill, ok := o.pipe.LookupSkill(statusBefore)
	if !ok {
		log.Debug("no skill for status, skipping", "status", statusBefore)
		release()
		return false
	}

	if err := o.isolationValid(); err != nil {
		log.Error("isolation strategy check failed", "error", err)
		o.events.Error(cand.ID, "isolation strategy check failed: "+err.Error())
		release()
		return false
	}

	stage, err := o.loadStage(path)
	if err != nil {
		log.Warn("stage parse failed", "error", err)
		release()
		return false
	}

	o.transition(StateSpawning)
	wt, err := o.pool.Create(ctx, stage.Branch())
	if err != nil {
		log.Error("worktree create failed", "error", err)
		o.events.Error(cand.ID, "worktree create failed: "+err.Error())
		release()
		return false
	}

	w := &worker{
		stageID:       cand.ID,
		stageFilePath: path,
		worktreePath:  wt.Path,
		worktreeIndex: wt.Index,
		statusBefore:  statusBefore,
		skill:         skill,
		startTime:     time.Now(),
	}
	o.activeMu.Lock()
	o.active[wt.Index] = w
	o.activeMu.Unlock()

	log.Info("spawning worker",
		"skill", skill,
		"status", statusBefore,
		"worktree", wt.Index,
		"reason", cand.Reason)
	o.events.StageSpawned(cand.ID, events.SpawnData{
		Skill:         skill,
		WorktreeIndex: wt.Index,
		WorktreePath:  wt.Path,
	})

	o.wg.Add(1)
	go o.runWorker(w)
	return true
}

// isolationValid checks the CLAUDE.md isolation strategy once per
// Start and reuses the verdict for the rest of the run.
func (o *Orchestrator) isolationValid() error {
	o.isolationOnce.Do(func() {
		o.isolationErr = o.pool.ValidateIsolationStrategy()
	})
	return o.isolationErr
}

// loadStage reads the stage file fresh. The file is the source of
// truth at spawn time; the discovery row may be a tick old.
func (o *Orchestrator) loadStage(path string) (*item.Stage, error) {
	doc, err := frontmatter.Read(path)
	if err != nil {
		return nil, err
	}
	return item.StageFromDocument(path, doc)
}

// buildRequest assembles the session request for a worker.
func (o *Orchestrator) buildRequest(w *worker) session.Request {
	return session.Request{
		StageID:       w.stageID,
		StageFilePath: w.stageFilePath,
		Skill:         w.skill,
		WorktreePath:  w.worktreePath,
		WorktreeIndex: w.worktreeIndex,
		Model:         o.cfg.Model,
		Env:           o.cfg.Env,
	}
}
