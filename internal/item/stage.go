package item

import (
	"errors"
	"fmt"

	"github.com/pitboss-dev/pitboss/internal/frontmatter"
)

// ErrMissingField marks a required frontmatter key that is absent or
// has the wrong type.
var ErrMissingField = errors.New("missing required frontmatter field")

// MergeParent is one entry of a stage's pending_merge_parents list: a
// parent stage whose branch this stage's PR currently targets.
type MergeParent struct {
	ParentStageID string `yaml:"parent_stage_id"`
	Branch        string `yaml:"branch"`
	PRURL         string `yaml:"pr_url,omitempty"`
}

// Stage is the executable unit of work, decoded from a stage file's
// frontmatter.
type Stage struct {
	ID                  string
	Ticket              string
	Epic                string
	Title               string
	Status              string
	FilePath            string
	DependsOn           []string
	RefinementType      []string
	WorktreeBranch      string
	Priority            int
	DueDate             string
	PRURL               string
	PRNumber            int
	SessionActive       bool
	IsDraft             bool
	RebaseConflict      bool
	PendingMergeParents []MergeParent
	JiraIssue           string
}

// StageFromDocument decodes a stage from its parsed file. id and status
// are required; ticket and epic fall back to derivation from the id.
func StageFromDocument(path string, doc *frontmatter.Document) (*Stage, error) {
	id, ok := doc.GetString("id")
	if !ok {
		return nil, fmt.Errorf("%s: id: %w", path, ErrMissingField)
	}
	if kind, err := ParseKind(id); err != nil {
		return nil, err
	} else if kind != KindStage {
		return nil, fmt.Errorf("%s: id %q is not a stage id: %w", path, id, ErrBadID)
	}

	status, ok := doc.GetString("status")
	if !ok {
		return nil, fmt.Errorf("%s: status: %w", path, ErrMissingField)
	}

	ticket, ok := doc.GetString("ticket")
	if !ok {
		derived, err := ParentTicketID(id)
		if err != nil {
			return nil, err
		}
		ticket = derived
	}
	epic, ok := doc.GetString("epic")
	if !ok {
		derived, err := ParentEpicID(id)
		if err != nil {
			return nil, err
		}
		epic = derived
	}

	s := &Stage{
		ID:             id,
		Ticket:         ticket,
		Epic:           epic,
		Status:         status,
		FilePath:       path,
		DependsOn:      doc.GetStringSlice("depends_on"),
		RefinementType: doc.GetStringSlice("refinement_type"),
		SessionActive:  doc.GetBool("session_active"),
		IsDraft:        doc.GetBool("is_draft"),
		RebaseConflict: doc.GetBool("rebase_conflict"),
	}
	s.Title, _ = doc.GetString("title")
	s.WorktreeBranch, _ = doc.GetString("worktree_branch")
	s.DueDate, _ = doc.GetString("due_date")
	s.PRURL, _ = doc.GetString("pr_url")
	s.JiraIssue, _ = doc.GetString("jira_issue")
	s.Priority, _ = doc.GetInt("priority")
	s.PRNumber, _ = doc.GetInt("pr_number")

	if err := doc.DecodeKey("pending_merge_parents", &s.PendingMergeParents); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// LoadStage reads and decodes a stage file in one step.
func LoadStage(path string) (*Stage, error) {
	doc, err := frontmatter.Read(path)
	if err != nil {
		return nil, err
	}
	return StageFromDocument(path, doc)
}

// Branch returns the stage's worktree branch, deriving the default when
// the frontmatter does not name one.
func (s *Stage) Branch() string {
	if s.WorktreeBranch != "" {
		return s.WorktreeBranch
	}
	return DefaultBranch(s.ID)
}
