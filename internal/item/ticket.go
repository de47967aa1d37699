package item

import (
	"fmt"

	"github.com/pitboss-dev/pitboss/internal/frontmatter"
)

// Ticket groups stages. Its status is derived from its stages and its
// stage_statuses mirror is maintained by the exit gate.
type Ticket struct {
	ID            string
	Epic          string
	Title         string
	Status        string
	FilePath      string
	DependsOn     []string
	StageStatuses map[string]string
}

// TicketFromDocument decodes a ticket from its parsed file.
func TicketFromDocument(path string, doc *frontmatter.Document) (*Ticket, error) {
	id, ok := doc.GetString("id")
	if !ok {
		return nil, fmt.Errorf("%s: id: %w", path, ErrMissingField)
	}
	if kind, err := ParseKind(id); err != nil {
		return nil, err
	} else if kind != KindTicket {
		return nil, fmt.Errorf("%s: id %q is not a ticket id: %w", path, id, ErrBadID)
	}

	epic, ok := doc.GetString("epic")
	if !ok {
		derived, err := ParentEpicID(id)
		if err != nil {
			return nil, err
		}
		epic = derived
	}

	t := &Ticket{
		ID:            id,
		Epic:          epic,
		FilePath:      path,
		DependsOn:     doc.GetStringSlice("depends_on"),
		StageStatuses: doc.GetStringMap("stage_statuses"),
	}
	t.Title, _ = doc.GetString("title")
	t.Status, _ = doc.GetString("status")
	if t.Status == "" {
		t.Status = StatusNotStarted
	}
	return t, nil
}

// HasStages reports whether any stage has been carved out of this
// ticket yet. Tickets without stages show up as conversion candidates.
func (t *Ticket) HasStages() bool {
	return len(t.StageStatuses) > 0
}

// Epic is the top of the hierarchy. Like tickets, its status is derived
// and its ticket_statuses mirror is gate-maintained.
type Epic struct {
	ID             string
	Title          string
	Status         string
	FilePath       string
	TicketStatuses map[string]string
}

// EpicFromDocument decodes an epic from its parsed file.
func EpicFromDocument(path string, doc *frontmatter.Document) (*Epic, error) {
	id, ok := doc.GetString("id")
	if !ok {
		return nil, fmt.Errorf("%s: id: %w", path, ErrMissingField)
	}
	if kind, err := ParseKind(id); err != nil {
		return nil, err
	} else if kind != KindEpic {
		return nil, fmt.Errorf("%s: id %q is not an epic id: %w", path, id, ErrBadID)
	}

	e := &Epic{
		ID:             id,
		FilePath:       path,
		TicketStatuses: doc.GetStringMap("ticket_statuses"),
	}
	e.Title, _ = doc.GetString("title")
	e.Status, _ = doc.GetString("status")
	if e.Status == "" {
		e.Status = StatusNotStarted
	}
	return e, nil
}
