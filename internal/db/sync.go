package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pitboss-dev/pitboss/internal/frontmatter"
	"github.com/pitboss-dev/pitboss/internal/item"
)

// parseWorkers bounds concurrent file parsing during a sync.
const parseWorkers = 8

// Directories never scanned for work items.
var skipDirs = []string{".git/", ".worktrees/", ".pitboss/", "node_modules/"}

// SyncSummary reports what one sync pass did.
type SyncSummary struct {
	Stages  int
	Tickets int
	Epics   int
	Pruned  int
	Skipped int
}

// Sync rebuilds the projection from the files. Satisfies the exit
// gate's resync hook.
func (d *DB) Sync(ctx context.Context, repoRoot string) error {
	_, err := d.SyncFromRepo(ctx, repoRoot)
	return err
}

// SyncFromRepo scans repoRoot for work item files and rebuilds the
// stage/ticket/epic projections, including kanban column derivation,
// dependency resolution and merge parent seeding. Files that fail to
// parse are logged and skipped; they never abort the pass.
func (d *DB) SyncFromRepo(ctx context.Context, repoRoot string) (*SyncSummary, error) {
	stages, tickets, epics, skipped, err := scanItems(ctx, repoRoot)
	if err != nil {
		return nil, err
	}

	summary := &SyncSummary{
		Stages:  len(stages),
		Tickets: len(tickets),
		Epics:   len(epics),
		Skipped: skipped,
	}

	// Status index across all kinds for dependency resolution.
	statusByID := make(map[string]string, len(stages)+len(tickets)+len(epics))
	stagesByTicket := map[string]int{}
	for _, s := range stages {
		statusByID[s.ID] = s.Status
		stagesByTicket[s.Ticket]++
	}
	for _, t := range tickets {
		statusByID[t.ID] = t.Status
	}
	for _, e := range epics {
		statusByID[e.ID] = e.Status
	}

	for _, s := range stages {
		deps := make([]DependencyRow, 0, len(s.DependsOn))
		unresolved := false
		for _, depID := range s.DependsOn {
			status, known := statusByID[depID]
			resolved := known && item.IsTerminal(status)
			if !known {
				slog.Warn("stage depends on unknown item", "stage", s.ID, "depends_on", depID)
			}
			if !resolved {
				unresolved = true
			}
			deps = append(deps, DependencyRow{StageID: s.ID, DependsOn: depID, Resolved: resolved})
		}

		row := &StageRow{
			ID:             s.ID,
			TicketID:       s.Ticket,
			EpicID:         s.Epic,
			Title:          s.Title,
			Status:         s.Status,
			KanbanColumn:   deriveColumn(s.Status, unresolved),
			Priority:       s.Priority,
			DueDate:        s.DueDate,
			SessionActive:  s.SessionActive,
			WorktreeBranch: s.WorktreeBranch,
			RefinementType: s.RefinementType,
			PRURL:          s.PRURL,
			PRNumber:       s.PRNumber,
			IsDraft:        s.IsDraft,
			RebaseConflict: s.RebaseConflict,
			FilePath:       s.FilePath,
		}
		if err := d.UpsertStage(ctx, row); err != nil {
			return nil, err
		}
		if err := d.ReplaceStageDependencies(ctx, s.ID, deps); err != nil {
			return nil, err
		}
		for _, mp := range s.PendingMergeParents {
			if err := d.SeedMergeParent(ctx, s.ID, mp.ParentStageID, mp.Branch, mp.PRURL); err != nil {
				return nil, err
			}
		}
	}

	for _, t := range tickets {
		row := &TicketRow{
			ID:        t.ID,
			EpicID:    t.Epic,
			Title:     t.Title,
			Status:    t.Status,
			HasStages: t.HasStages() || stagesByTicket[t.ID] > 0,
			FilePath:  t.FilePath,
		}
		if err := d.UpsertTicket(ctx, row); err != nil {
			return nil, err
		}
	}

	for _, e := range epics {
		row := &EpicRow{ID: e.ID, Title: e.Title, Status: e.Status, FilePath: e.FilePath}
		if err := d.UpsertEpic(ctx, row); err != nil {
			return nil, err
		}
	}

	keepStages := make(map[string]bool, len(stages))
	for _, s := range stages {
		keepStages[s.ID] = true
	}
	keepTickets := make(map[string]bool, len(tickets))
	for _, t := range tickets {
		keepTickets[t.ID] = true
	}
	keepEpics := make(map[string]bool, len(epics))
	for _, e := range epics {
		keepEpics[e.ID] = true
	}

	pruned, err := d.PruneStages(ctx, keepStages)
	if err != nil {
		return nil, err
	}
	summary.Pruned += pruned
	pruned, err = d.PruneTickets(ctx, keepTickets)
	if err != nil {
		return nil, err
	}
	summary.Pruned += pruned
	pruned, err = d.PruneEpics(ctx, keepEpics)
	if err != nil {
		return nil, err
	}
	summary.Pruned += pruned

	return summary, nil
}

// deriveColumn maps a stage's status and dependency state to its
// kanban column. Terminal wins over blocked: a finished stage with a
// dangling dependency is still done.
func deriveColumn(status string, unresolvedDeps bool) string {
	switch {
	case item.IsTerminal(status):
		return ColumnDone
	case unresolvedDeps:
		return ColumnBacklog
	case status == item.StatusNotStarted:
		return ColumnReady
	}
	return ColumnInProgress
}

func scanItems(ctx context.Context, repoRoot string) (stages []*item.Stage, tickets []*item.Ticket, epics []*item.Epic, skipped int, err error) {
	fsys := os.DirFS(repoRoot)

	var paths []string
	for _, pattern := range []string{"**/EPIC-*.md", "**/TICKET-*.md", "**/STAGE-*.md"} {
		matches, globErr := doublestar.Glob(fsys, pattern)
		if globErr != nil {
			return nil, nil, nil, 0, fmt.Errorf("glob %s: %w", pattern, globErr)
		}
		paths = append(paths, matches...)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parseWorkers)

	for _, rel := range paths {
		if skipPath(rel) {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			abs := filepath.Join(repoRoot, rel)
			doc, readErr := frontmatter.Read(abs)
			if readErr != nil {
				slog.Warn("skipping unparseable item", "path", rel, "error", readErr)
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}

			base := filepath.Base(rel)
			switch {
			case strings.HasPrefix(base, "STAGE-"):
				s, parseErr := item.StageFromDocument(abs, doc)
				if parseErr != nil {
					slog.Warn("skipping invalid stage", "path", rel, "error", parseErr)
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				mu.Lock()
				stages = append(stages, s)
				mu.Unlock()
			case strings.HasPrefix(base, "TICKET-"):
				t, parseErr := item.TicketFromDocument(abs, doc)
				if parseErr != nil {
					slog.Warn("skipping invalid ticket", "path", rel, "error", parseErr)
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				mu.Lock()
				tickets = append(tickets, t)
				mu.Unlock()
			case strings.HasPrefix(base, "EPIC-"):
				e, parseErr := item.EpicFromDocument(abs, doc)
				if parseErr != nil {
					slog.Warn("skipping invalid epic", "path", rel, "error", parseErr)
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				mu.Lock()
				epics = append(epics, e)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, nil, 0, err
	}
	return stages, tickets, epics, skipped, nil
}

func skipPath(rel string) bool {
	for _, dir := range skipDirs {
		if strings.HasPrefix(rel, dir) || strings.Contains(rel, "/"+dir) {
			return true
		}
	}
	return false
}
