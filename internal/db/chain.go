package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// MergeParentRow tracks one parent branch a child stage's PR depends
// on. Timestamps are RFC3339 strings; an empty last_checked means the
// poller has never observed a merge or head change for this row.
type MergeParentRow struct {
	ID            int64
	ChildStageID  string
	ParentStageID string
	ParentBranch  string
	ParentPRURL   string
	LastKnownHead string
	IsMerged      bool
	LastChecked   string
}

const mergeParentColumns = `id, child_stage_id, parent_stage_id, parent_branch, parent_pr_url,
	last_known_head, is_merged, last_checked`

// SeedMergeParent inserts a tracking row discovered from a stage's
// pending_merge_parents frontmatter. Existing rows are left untouched
// so observed state (heads, merge flags) survives resyncs.
func (d *DB) SeedMergeParent(ctx context.Context, childStageID, parentStageID, parentBranch, parentPRURL string) error {
	_, err := d.exec(ctx, `
		INSERT INTO merge_parents (child_stage_id, parent_stage_id, parent_branch, parent_pr_url)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (child_stage_id, parent_stage_id) DO NOTHING`,
		childStageID, parentStageID, parentBranch, parentPRURL)
	if err != nil {
		return fmt.Errorf("seed merge parent %s <- %s: %w", childStageID, parentStageID, err)
	}
	return nil
}

func scanMergeParent(scan func(...any) error) (*MergeParentRow, error) {
	var r MergeParentRow
	var merged int
	err := scan(&r.ID, &r.ChildStageID, &r.ParentStageID, &r.ParentBranch, &r.ParentPRURL,
		&r.LastKnownHead, &merged, &r.LastChecked)
	if err != nil {
		return nil, err
	}
	r.IsMerged = merged != 0
	return &r, nil
}

// GetMergeParent fetches one tracking row by child and parent.
func (d *DB) GetMergeParent(ctx context.Context, childStageID, parentStageID string) (*MergeParentRow, error) {
	row := d.queryRow(ctx,
		"SELECT "+mergeParentColumns+" FROM merge_parents WHERE child_stage_id = ? AND parent_stage_id = ?",
		childStageID, parentStageID)
	r, err := scanMergeParent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("merge parent %s <- %s: %w", childStageID, parentStageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get merge parent: %w", err)
	}
	return r, nil
}

func (d *DB) listMergeParents(ctx context.Context, where string, args ...any) ([]*MergeParentRow, error) {
	q := "SELECT " + mergeParentColumns + " FROM merge_parents"
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY child_stage_id, parent_stage_id"
	rows, err := d.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list merge parents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MergeParentRow
	for rows.Next() {
		r, err := scanMergeParent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan merge parent: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListMergeParentsForChild returns every tracking row of one child,
// merged or not. The retarget decision needs the full set.
func (d *DB) ListMergeParentsForChild(ctx context.Context, childStageID string) ([]*MergeParentRow, error) {
	return d.listMergeParents(ctx, "child_stage_id = ?", childStageID)
}

// ListUnmergedByChildStatus returns unmerged tracking rows whose child
// stage currently sits in one of the given statuses. This is the chain
// poller's work list.
func (d *DB) ListUnmergedByChildStatus(ctx context.Context, statuses []string) ([]*MergeParentRow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return d.listMergeParents(ctx,
		`is_merged = 0 AND child_stage_id IN (SELECT id FROM stages WHERE status IN (`+placeholders+`))`,
		args...)
}

// RecordParentHeadSeen stores the first observed head of a parent
// branch. Seeding a baseline is not an observation, so last_checked is
// deliberately not advanced.
func (d *DB) RecordParentHeadSeen(ctx context.Context, id int64, head string) error {
	_, err := d.exec(ctx, "UPDATE merge_parents SET last_known_head = ? WHERE id = ?", head, id)
	if err != nil {
		return fmt.Errorf("record parent head %d: %w", id, err)
	}
	return nil
}

// RecordParentHeadChanged stores a changed parent head and advances
// last_checked.
func (d *DB) RecordParentHeadChanged(ctx context.Context, id int64, head string) error {
	_, err := d.exec(ctx,
		"UPDATE merge_parents SET last_known_head = ?, last_checked = ? WHERE id = ?", head, now(), id)
	if err != nil {
		return fmt.Errorf("record parent head change %d: %w", id, err)
	}
	return nil
}

// RecordParentMerged flags the parent PR merged and advances
// last_checked.
func (d *DB) RecordParentMerged(ctx context.Context, id int64) error {
	_, err := d.exec(ctx,
		"UPDATE merge_parents SET is_merged = 1, last_checked = ? WHERE id = ?", now(), id)
	if err != nil {
		return fmt.Errorf("record parent merged %d: %w", id, err)
	}
	return nil
}
