package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CommentWatermark remembers the last unresolved comment count seen
// per stage, so the comment poller only fires on strictly increasing
// counts.
type CommentWatermark struct {
	StageID         string
	PRURL           string
	UnresolvedCount int
}

// GetCommentWatermark returns the stored watermark, zero-valued when
// the stage has never been polled.
func (d *DB) GetCommentWatermark(ctx context.Context, stageID string) (*CommentWatermark, error) {
	var w CommentWatermark
	err := d.queryRow(ctx,
		"SELECT stage_id, pr_url, unresolved_count FROM comment_watermarks WHERE stage_id = ?", stageID).
		Scan(&w.StageID, &w.PRURL, &w.UnresolvedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return &CommentWatermark{StageID: stageID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark %s: %w", stageID, err)
	}
	return &w, nil
}

// SetCommentWatermark stores the latest observed unresolved count.
func (d *DB) SetCommentWatermark(ctx context.Context, stageID, prURL string, unresolvedCount int) error {
	_, err := d.exec(ctx, `
		INSERT INTO comment_watermarks (stage_id, pr_url, unresolved_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stage_id) DO UPDATE SET
			pr_url = excluded.pr_url,
			unresolved_count = excluded.unresolved_count,
			updated_at = excluded.updated_at`,
		stageID, prURL, unresolvedCount, now())
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", stageID, err)
	}
	return nil
}

// LatestInsightMarker returns the completed-stage count recorded by the
// most recent insights run, zero when none has run yet.
func (d *DB) LatestInsightMarker(ctx context.Context) (int, error) {
	var n int
	err := d.queryRow(ctx,
		"SELECT completed_count FROM insight_markers ORDER BY id DESC LIMIT 1").Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest insight marker: %w", err)
	}
	return n, nil
}

// RecordInsightMarker stores the completed-stage count at the moment an
// insights pass fires.
func (d *DB) RecordInsightMarker(ctx context.Context, completedCount int) error {
	_, err := d.exec(ctx,
		"INSERT INTO insight_markers (completed_count, recorded_at) VALUES (?, ?)", completedCount, now())
	if err != nil {
		return fmt.Errorf("record insight marker: %w", err)
	}
	return nil
}
