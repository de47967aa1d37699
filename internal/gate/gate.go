// Package gate propagates a finished stage's status up the work item
// hierarchy: the ticket's stage_statuses map and derived status, then
// the epic's ticket_statuses map when the ticket changed, then a board
// resync. Propagation is best effort; a failure is logged and never
// rolls back what the worker wrote.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/frontmatter"
	"github.com/pitboss-dev/pitboss/internal/item"
)

// PathResolver locates the file backing a work item id. The read
// model's ItemPath satisfies this.
type PathResolver interface {
	ItemPath(ctx context.Context, id string) (string, error)
}

// Syncer re-projects the repo into the read model after the hierarchy
// files changed. The read model's Sync satisfies this.
type Syncer interface {
	Sync(ctx context.Context, repoRoot string) error
}

// Gate is the exit gate run after a worker changed a stage's status.
type Gate struct {
	repoRoot string
	paths    PathResolver
	syncer   Syncer
	logger   *slog.Logger
}

// New creates an exit gate.
func New(repoRoot string, paths PathResolver, syncer Syncer, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{repoRoot: repoRoot, paths: paths, syncer: syncer, logger: logger}
}

// Apply records newStatus for the stage in its ticket, re-derives the
// ticket's status, pushes a changed ticket status into the epic, and
// finally resyncs the board. The resync runs even when propagation
// failed, so the board at least reflects the stage file itself.
func (g *Gate) Apply(ctx context.Context, stage *item.Stage, newStatus string) error {
	propErr := g.propagate(ctx, stage, newStatus)
	if propErr != nil {
		g.logger.Error("status propagation failed",
			"stage", stage.ID, "status", newStatus, "error", propErr)
	}

	g.sync(ctx)
	return propErr
}

func (g *Gate) propagate(ctx context.Context, stage *item.Stage, newStatus string) error {
	ticketStatus, changed, err := g.updateTicket(ctx, stage, newStatus)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return g.updateEpic(ctx, stage, ticketStatus)
}

// updateTicket writes the stage's status into the ticket's
// stage_statuses map and re-derives the ticket status. It returns the
// derived status and whether it differs from what the file held.
func (g *Gate) updateTicket(ctx context.Context, stage *item.Stage, newStatus string) (string, bool, error) {
	path, err := g.paths.ItemPath(ctx, stage.Ticket)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			g.logger.Warn("ticket not on board, skipping propagation",
				"stage", stage.ID, "ticket", stage.Ticket)
			return "", false, nil
		}
		return "", false, fmt.Errorf("locate ticket %s: %w", stage.Ticket, err)
	}

	doc, err := frontmatter.Read(path)
	if err != nil {
		return "", false, fmt.Errorf("read ticket %s: %w", stage.Ticket, err)
	}

	if err := doc.SetMapKey("stage_statuses", stage.ID, newStatus); err != nil {
		return "", false, fmt.Errorf("update ticket %s stage_statuses: %w", stage.Ticket, err)
	}

	derived := item.Derive(doc.GetStringMap("stage_statuses"))
	before, _ := doc.GetString("status")
	if err := doc.Set("status", derived); err != nil {
		return "", false, fmt.Errorf("update ticket %s status: %w", stage.Ticket, err)
	}
	if err := doc.Write(); err != nil {
		return "", false, fmt.Errorf("write ticket %s: %w", stage.Ticket, err)
	}

	g.logger.Info("ticket updated",
		"ticket", stage.Ticket, "stage", stage.ID,
		"stage_status", newStatus, "ticket_status", derived)
	return derived, derived != before, nil
}

// updateEpic mirrors the ticket's derived status into the epic.
func (g *Gate) updateEpic(ctx context.Context, stage *item.Stage, ticketStatus string) error {
	path, err := g.paths.ItemPath(ctx, stage.Epic)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			g.logger.Warn("epic not on board, skipping propagation",
				"stage", stage.ID, "epic", stage.Epic)
			return nil
		}
		return fmt.Errorf("locate epic %s: %w", stage.Epic, err)
	}

	doc, err := frontmatter.Read(path)
	if err != nil {
		return fmt.Errorf("read epic %s: %w", stage.Epic, err)
	}

	if err := doc.SetMapKey("ticket_statuses", stage.Ticket, ticketStatus); err != nil {
		return fmt.Errorf("update epic %s ticket_statuses: %w", stage.Epic, err)
	}

	derived := item.Derive(doc.GetStringMap("ticket_statuses"))
	if err := doc.Set("status", derived); err != nil {
		return fmt.Errorf("update epic %s status: %w", stage.Epic, err)
	}
	if err := doc.Write(); err != nil {
		return fmt.Errorf("write epic %s: %w", stage.Epic, err)
	}

	g.logger.Info("epic updated",
		"epic", stage.Epic, "ticket", stage.Ticket,
		"ticket_status", ticketStatus, "epic_status", derived)
	return nil
}

// sync re-projects the repo, retrying exactly once on failure.
func (g *Gate) sync(ctx context.Context) {
	if g.syncer == nil {
		return
	}
	if err := g.syncer.Sync(ctx, g.repoRoot); err != nil {
		g.logger.Warn("board sync failed, retrying", "error", err)
		if err := g.syncer.Sync(ctx, g.repoRoot); err != nil {
			g.logger.Error("board sync failed after retry", "error", err)
		}
	}
}
