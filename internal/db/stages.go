package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pitboss-dev/pitboss/internal/item"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// StageRow is the read model projection of one stage file.
type StageRow struct {
	ID             string
	TicketID       string
	EpicID         string
	Title          string
	Status         string
	KanbanColumn   string
	Priority       int
	DueDate        string
	SessionActive  bool
	WorktreeBranch string
	RefinementType []string
	PRURL          string
	PRNumber       int
	IsDraft        bool
	RebaseConflict bool
	FilePath       string
}

const stageColumns = `id, ticket_id, epic_id, title, status, kanban_column, priority, due_date,
	session_active, worktree_branch, refinement_type, pr_url, pr_number, is_draft, rebase_conflict, file_path`

// UpsertStage writes one stage projection.
func (d *DB) UpsertStage(ctx context.Context, s *StageRow) error {
	_, err := d.exec(ctx, `
		INSERT INTO stages (`+stageColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			ticket_id = excluded.ticket_id,
			epic_id = excluded.epic_id,
			title = excluded.title,
			status = excluded.status,
			kanban_column = excluded.kanban_column,
			priority = excluded.priority,
			due_date = excluded.due_date,
			session_active = excluded.session_active,
			worktree_branch = excluded.worktree_branch,
			refinement_type = excluded.refinement_type,
			pr_url = excluded.pr_url,
			pr_number = excluded.pr_number,
			is_draft = excluded.is_draft,
			rebase_conflict = excluded.rebase_conflict,
			file_path = excluded.file_path,
			updated_at = excluded.updated_at`,
		s.ID, s.TicketID, s.EpicID, s.Title, s.Status, s.KanbanColumn, s.Priority, s.DueDate,
		boolToInt(s.SessionActive), s.WorktreeBranch, strings.Join(s.RefinementType, ","),
		s.PRURL, s.PRNumber, boolToInt(s.IsDraft), boolToInt(s.RebaseConflict), s.FilePath, now())
	if err != nil {
		return fmt.Errorf("upsert stage %s: %w", s.ID, err)
	}
	return nil
}

func scanStage(scan func(...any) error) (*StageRow, error) {
	var s StageRow
	var active, draft, conflict int
	var refinement string
	err := scan(&s.ID, &s.TicketID, &s.EpicID, &s.Title, &s.Status, &s.KanbanColumn,
		&s.Priority, &s.DueDate, &active, &s.WorktreeBranch, &refinement,
		&s.PRURL, &s.PRNumber, &draft, &conflict, &s.FilePath)
	if err != nil {
		return nil, err
	}
	s.SessionActive = active != 0
	s.IsDraft = draft != 0
	s.RebaseConflict = conflict != 0
	if refinement != "" {
		s.RefinementType = strings.Split(refinement, ",")
	}
	return &s, nil
}

// GetStage fetches one stage by id.
func (d *DB) GetStage(ctx context.Context, id string) (*StageRow, error) {
	row := d.queryRow(ctx, "SELECT "+stageColumns+" FROM stages WHERE id = ?", id)
	s, err := scanStage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stage %s: %w", id, err)
	}
	return s, nil
}

func (d *DB) listStages(ctx context.Context, where string, args ...any) ([]*StageRow, error) {
	q := "SELECT " + stageColumns + " FROM stages"
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY id"
	rows, err := d.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*StageRow
	for rows.Next() {
		s, err := scanStage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return out, nil
}

// ListStages returns every stage ordered by id.
func (d *DB) ListStages(ctx context.Context) ([]*StageRow, error) {
	return d.listStages(ctx, "")
}

// ListStagesByStatus returns stages currently in one status.
func (d *DB) ListStagesByStatus(ctx context.Context, status string) ([]*StageRow, error) {
	return d.listStages(ctx, "status = ?", status)
}

// ListStagesByStatuses returns stages in any of the given statuses.
func (d *DB) ListStagesByStatuses(ctx context.Context, statuses []string) ([]*StageRow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return d.listStages(ctx, "status IN ("+placeholders+")", args...)
}

// ListStagesByColumn returns stages in one kanban column.
func (d *DB) ListStagesByColumn(ctx context.Context, column string) ([]*StageRow, error) {
	return d.listStages(ctx, "kanban_column = ?", column)
}

// CountStagesByColumn returns stage counts per kanban column.
func (d *DB) CountStagesByColumn(ctx context.Context) (map[string]int, error) {
	rows, err := d.query(ctx, "SELECT kanban_column, COUNT(*) FROM stages GROUP BY kanban_column")
	if err != nil {
		return nil, fmt.Errorf("count stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var col string
		var n int
		if err := rows.Scan(&col, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[col] = n
	}
	return out, rows.Err()
}

// CountActiveSessions returns how many stages are flagged
// session_active in the projection.
func (d *DB) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := d.queryRow(ctx, "SELECT COUNT(*) FROM stages WHERE session_active = 1").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// CompletedStageCount returns how many stages sit in the done column.
func (d *DB) CompletedStageCount(ctx context.Context) (int, error) {
	var n int
	err := d.queryRow(ctx, "SELECT COUNT(*) FROM stages WHERE kanban_column = ?", ColumnDone).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed stages: %w", err)
	}
	return n, nil
}

// PruneStages deletes stages whose files disappeared, keeping only the
// ids seen by the current sync. Returns the number pruned.
func (d *DB) PruneStages(ctx context.Context, keep map[string]bool) (int, error) {
	n, err := d.pruneByID(ctx, "stages", keep)
	if err != nil {
		return 0, err
	}
	if _, err := d.exec(ctx,
		"DELETE FROM stage_dependencies WHERE stage_id NOT IN (SELECT id FROM stages)"); err != nil {
		return n, fmt.Errorf("prune stage deps: %w", err)
	}
	return n, nil
}

// DependencyRow is one edge of the stage dependency graph.
type DependencyRow struct {
	StageID   string
	DependsOn string
	Resolved  bool
}

// ReplaceStageDependencies rewrites the dependency edges for a stage.
func (d *DB) ReplaceStageDependencies(ctx context.Context, stageID string, deps []DependencyRow) error {
	if _, err := d.exec(ctx, "DELETE FROM stage_dependencies WHERE stage_id = ?", stageID); err != nil {
		return fmt.Errorf("clear deps %s: %w", stageID, err)
	}
	for _, dep := range deps {
		if _, err := d.exec(ctx,
			"INSERT INTO stage_dependencies (stage_id, depends_on, resolved) VALUES (?, ?, ?)",
			stageID, dep.DependsOn, boolToInt(dep.Resolved)); err != nil {
			return fmt.Errorf("insert dep %s -> %s: %w", stageID, dep.DependsOn, err)
		}
	}
	return nil
}

// ListStageDependencies returns a stage's dependency edges.
func (d *DB) ListStageDependencies(ctx context.Context, stageID string) ([]DependencyRow, error) {
	rows, err := d.query(ctx,
		"SELECT stage_id, depends_on, resolved FROM stage_dependencies WHERE stage_id = ? ORDER BY depends_on", stageID)
	if err != nil {
		return nil, fmt.Errorf("list deps %s: %w", stageID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []DependencyRow
	for rows.Next() {
		var dep DependencyRow
		var resolved int
		if err := rows.Scan(&dep.StageID, &dep.DependsOn, &resolved); err != nil {
			return nil, fmt.Errorf("scan dep: %w", err)
		}
		dep.Resolved = resolved != 0
		out = append(out, dep)
	}
	return out, rows.Err()
}

// ItemPath resolves any work item id to its file path, dispatching on
// the id's kind.
func (d *DB) ItemPath(ctx context.Context, id string) (string, error) {
	kind, err := item.ParseKind(id)
	if err != nil {
		return "", err
	}
	var table string
	switch kind {
	case item.KindStage:
		table = "stages"
	case item.KindTicket:
		table = "tickets"
	case item.KindEpic:
		table = "epics"
	}
	var path string
	err = d.queryRow(ctx, "SELECT file_path FROM "+table+" WHERE id = ?", id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("item path %s: %w", id, err)
	}
	return path, nil
}
