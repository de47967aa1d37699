package db

import (
	"context"
	"fmt"
)

// TicketRow is the read model projection of one ticket file.
type TicketRow struct {
	ID        string
	EpicID    string
	Title     string
	Status    string
	HasStages bool
	FilePath  string
}

// UpsertTicket writes one ticket projection.
func (d *DB) UpsertTicket(ctx context.Context, t *TicketRow) error {
	_, err := d.exec(ctx, `
		INSERT INTO tickets (id, epic_id, title, status, has_stages, file_path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			epic_id = excluded.epic_id,
			title = excluded.title,
			status = excluded.status,
			has_stages = excluded.has_stages,
			file_path = excluded.file_path`,
		t.ID, t.EpicID, t.Title, t.Status, boolToInt(t.HasStages), t.FilePath)
	if err != nil {
		return fmt.Errorf("upsert ticket %s: %w", t.ID, err)
	}
	return nil
}

// ListTickets returns every ticket ordered by id.
func (d *DB) ListTickets(ctx context.Context) ([]*TicketRow, error) {
	rows, err := d.query(ctx,
		"SELECT id, epic_id, title, status, has_stages, file_path FROM tickets ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TicketRow
	for rows.Next() {
		var t TicketRow
		var hasStages int
		if err := rows.Scan(&t.ID, &t.EpicID, &t.Title, &t.Status, &hasStages, &t.FilePath); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		t.HasStages = hasStages != 0
		out = append(out, &t)
	}
	return out, rows.Err()
}

// CountTicketsWithoutStages returns how many tickets still need to be
// broken into stages.
func (d *DB) CountTicketsWithoutStages(ctx context.Context) (int, error) {
	var n int
	err := d.queryRow(ctx, "SELECT COUNT(*) FROM tickets WHERE has_stages = 0").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unconverted tickets: %w", err)
	}
	return n, nil
}

// PruneTickets deletes tickets not in keep.
func (d *DB) PruneTickets(ctx context.Context, keep map[string]bool) (int, error) {
	return d.pruneByID(ctx, "tickets", keep)
}

// EpicRow is the read model projection of one epic file.
type EpicRow struct {
	ID       string
	Title    string
	Status   string
	FilePath string
}

// UpsertEpic writes one epic projection.
func (d *DB) UpsertEpic(ctx context.Context, e *EpicRow) error {
	_, err := d.exec(ctx, `
		INSERT INTO epics (id, title, status, file_path)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			file_path = excluded.file_path`,
		e.ID, e.Title, e.Status, e.FilePath)
	if err != nil {
		return fmt.Errorf("upsert epic %s: %w", e.ID, err)
	}
	return nil
}

// ListEpics returns every epic ordered by id.
func (d *DB) ListEpics(ctx context.Context) ([]*EpicRow, error) {
	rows, err := d.query(ctx, "SELECT id, title, status, file_path FROM epics ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EpicRow
	for rows.Next() {
		var e EpicRow
		if err := rows.Scan(&e.ID, &e.Title, &e.Status, &e.FilePath); err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PruneEpics deletes epics not in keep.
func (d *DB) PruneEpics(ctx context.Context, keep map[string]bool) (int, error) {
	return d.pruneByID(ctx, "epics", keep)
}

func (d *DB) pruneByID(ctx context.Context, table string, keep map[string]bool) (int, error) {
	rows, err := d.query(ctx, "SELECT id FROM "+table)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", table, err)
	}
	var doomed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		if !keep[id] {
			doomed = append(doomed, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("prune %s: %w", table, err)
	}

	for _, id := range doomed {
		if _, err := d.exec(ctx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
			return 0, fmt.Errorf("prune %s %s: %w", table, id, err)
		}
	}
	return len(doomed), nil
}
