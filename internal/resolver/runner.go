package resolver

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/frontmatter"
	"github.com/pitboss-dev/pitboss/internal/item"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
)

// Runner sweeps the configured resolver phases. It lists candidates
// from the board projection, then re-reads each file before writing:
// the file is the source of truth and may have moved on since the
// last sync.
type Runner struct {
	pipe     *pipeline.Pipeline
	db       *db.DB
	registry *Registry
	rc       *Context
	logger   *slog.Logger
}

// NewRunner creates a resolver runner.
func NewRunner(pipe *pipeline.Pipeline, database *db.DB, registry *Registry, rc *Context, logger *slog.Logger) *Runner {
	if registry == nil {
		registry = NewRegistry()
	}
	if rc == nil {
		rc = &Context{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pipe:     pipe,
		db:       database,
		registry: registry,
		rc:       rc,
		logger:   logger,
	}
}

// Sweep runs every resolver phase over every stage parked in its
// status and returns the number of transitions written. Individual
// failures are logged and skipped; the sweep itself only fails when
// the board cannot be listed.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	transitions := 0
	for _, phase := range r.pipe.ResolverPhases() {
		fn, ok := r.registry.Lookup(phase.Resolver)
		if !ok {
			r.logger.Warn("unknown resolver in pipeline config",
				"phase", phase.Name, "resolver", phase.Resolver)
			continue
		}

		rows, err := r.db.ListStagesByStatus(ctx, phase.Status)
		if err != nil {
			return transitions, err
		}

		for _, row := range rows {
			if r.resolveOne(ctx, phase, fn, row) {
				transitions++
			}
		}
	}
	return transitions, nil
}

// resolveOne runs one resolver against one stage file and reports
// whether a transition was written.
func (r *Runner) resolveOne(ctx context.Context, phase *pipeline.Phase, fn Func, row *db.StageRow) bool {
	doc, err := frontmatter.Read(row.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		r.logger.Warn("resolver skipping unreadable stage file",
			"stage", row.ID, "path", row.FilePath, "error", err)
		return false
	}

	stage, err := item.StageFromDocument(row.FilePath, doc)
	if err != nil {
		r.logger.Warn("resolver skipping malformed stage file",
			"stage", row.ID, "path", row.FilePath, "error", err)
		return false
	}

	// The projection can lag the file. Only the current status counts,
	// and a locked stage belongs to whoever holds the lock.
	if stage.Status != phase.Status || stage.SessionActive {
		return false
	}

	newStatus, err := fn(ctx, stage, r.rc)
	if err != nil {
		r.logger.Warn("resolver failed",
			"stage", stage.ID, "resolver", phase.Resolver, "error", err)
		return false
	}
	if newStatus == "" || newStatus == stage.Status {
		return false
	}

	if err := doc.Set("status", newStatus); err != nil {
		r.logger.Error("resolver could not set status",
			"stage", stage.ID, "error", err)
		return false
	}
	if err := doc.Write(); err != nil {
		r.logger.Error("resolver could not write stage file",
			"stage", stage.ID, "path", row.FilePath, "error", err)
		return false
	}

	r.logger.Info("resolver transition",
		"stage", stage.ID,
		"resolver", phase.Resolver,
		"from", phase.Status,
		"to", newStatus)
	return true
}
