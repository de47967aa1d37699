package db

import (
	"context"
	"fmt"
)

// EventLogRow is one persisted operational event.
type EventLogRow struct {
	ID        int64
	StageID   string
	EventType string
	Source    string
	Payload   string
	CreatedAt string
}

// AppendEvents writes a batch of events to the log. The batch is not
// transactional; a mid-batch failure leaves earlier rows in place,
// which is acceptable for an advisory history.
func (d *DB) AppendEvents(ctx context.Context, rows []*EventLogRow) error {
	for _, r := range rows {
		createdAt := r.CreatedAt
		if createdAt == "" {
			createdAt = now()
		}
		_, err := d.exec(ctx, `
			INSERT INTO event_log (stage_id, event_type, source, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			r.StageID, r.EventType, r.Source, r.Payload, createdAt)
		if err != nil {
			return fmt.Errorf("append event %s/%s: %w", r.EventType, r.StageID, err)
		}
	}
	return nil
}

// RecentEvents returns the newest limit events, oldest first so a feed
// can replay them in publish order.
func (d *DB) RecentEvents(ctx context.Context, limit int) ([]*EventLogRow, error) {
	rows, err := d.query(ctx, `
		SELECT id, stage_id, event_type, source, payload, created_at
		FROM event_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EventLogRow
	for rows.Next() {
		var r EventLogRow
		if err := rows.Scan(&r.ID, &r.StageID, &r.EventType, &r.Source, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneEvents deletes all but the newest keep events.
func (d *DB) PruneEvents(ctx context.Context, keep int) error {
	_, err := d.exec(ctx, `
		DELETE FROM event_log WHERE id NOT IN (
			SELECT id FROM event_log ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}
