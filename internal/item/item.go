// Package item defines the work item hierarchy: epics contain tickets,
// tickets contain stages, and only stages are executable. IDs encode
// the hierarchy (EPIC-001, TICKET-001-002, STAGE-001-002-003), so a
// stage id alone is enough to locate its parents.
package item

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Reserved statuses. Everything between them comes from the configured
// pipeline. "Done" is what the PR status resolver writes for a merged
// stage and counts as terminal alongside "Complete".
const (
	StatusNotStarted = "Not Started"
	StatusComplete   = "Complete"
	StatusInProgress = "In Progress"
	StatusDone       = "Done"
)

// Kind distinguishes the three levels of the hierarchy.
type Kind string

const (
	KindEpic   Kind = "epic"
	KindTicket Kind = "ticket"
	KindStage  Kind = "stage"
)

// ErrBadID marks an id that does not match the EPIC/TICKET/STAGE shape.
var ErrBadID = errors.New("malformed work item id")

var idPattern = regexp.MustCompile(`^(EPIC|TICKET|STAGE)-([0-9]+)(?:-([0-9]+))?(?:-([0-9]+))?$`)

// ParseKind validates an id and returns its kind. The prefix must match
// the segment count: EPIC takes one numeric segment, TICKET two, STAGE
// three.
func ParseKind(id string) (Kind, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return "", fmt.Errorf("%q: %w", id, ErrBadID)
	}
	segments := 1
	if m[3] != "" {
		segments++
	}
	if m[4] != "" {
		segments++
	}
	switch {
	case m[1] == "EPIC" && segments == 1:
		return KindEpic, nil
	case m[1] == "TICKET" && segments == 2:
		return KindTicket, nil
	case m[1] == "STAGE" && segments == 3:
		return KindStage, nil
	}
	return "", fmt.Errorf("%q: %w", id, ErrBadID)
}

// ParentTicketID returns the ticket a stage belongs to.
func ParentTicketID(stageID string) (string, error) {
	m := idPattern.FindStringSubmatch(stageID)
	if m == nil || m[1] != "STAGE" || m[4] == "" {
		return "", fmt.Errorf("%q: %w", stageID, ErrBadID)
	}
	return "TICKET-" + m[2] + "-" + m[3], nil
}

// ParentEpicID returns the epic an id belongs to. Works for both ticket
// and stage ids.
func ParentEpicID(id string) (string, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil || m[3] == "" {
		return "", fmt.Errorf("%q: %w", id, ErrBadID)
	}
	return "EPIC-" + m[2], nil
}

// IsTerminal reports whether a status counts as finished for status
// derivation and the done kanban column.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusDone
}

// Derive computes a parent status from its children's statuses: all
// "Not Started" stays Not Started, all terminal becomes Complete, any
// other mix is In Progress. An empty map means no children yet.
func Derive(statuses map[string]string) string {
	if len(statuses) == 0 {
		return StatusNotStarted
	}
	allNotStarted := true
	allTerminal := true
	for _, s := range statuses {
		if s != StatusNotStarted {
			allNotStarted = false
		}
		if !IsTerminal(s) {
			allTerminal = false
		}
	}
	switch {
	case allNotStarted:
		return StatusNotStarted
	case allTerminal:
		return StatusComplete
	}
	return StatusInProgress
}

// DefaultBranch is the worktree branch used when a stage does not name
// one: stage/<lowercase id>.
func DefaultBranch(stageID string) string {
	return "stage/" + strings.ToLower(stageID)
}
