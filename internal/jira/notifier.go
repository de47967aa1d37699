package jira

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/pitboss-dev/pitboss/internal/item"
)

// notifyTimeout bounds one comment call.
const notifyTimeout = 30 * time.Second

// Commenter posts comments to issues. *Client implements it.
type Commenter interface {
	AddComment(ctx context.Context, issueKey, text string) error
}

// Notifier mirrors stage completion to the mapped Jira issue.
type Notifier struct {
	commenter Commenter
	logger    *slog.Logger
}

// NewNotifier creates a notifier. A nil commenter disables it.
func NewNotifier(c Commenter, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{commenter: c, logger: logger}
}

var issueKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)

// IssueKey resolves the Jira issue for a stage: the jira_issue
// frontmatter key wins, else the first issue-shaped token in the title.
func IssueKey(stage *item.Stage) string {
	if stage.JiraIssue != "" {
		return stage.JiraIssue
	}
	return issueKeyPattern.FindString(stage.Title)
}

// StageCompleted posts a completion comment when the new status is
// terminal and the stage maps to an issue. Best effort: failures are
// logged, never returned, and must not stall the caller.
func (n *Notifier) StageCompleted(ctx context.Context, stage *item.Stage, fromStatus, toStatus string) {
	if n == nil || n.commenter == nil {
		return
	}
	if !item.IsTerminal(toStatus) {
		return
	}

	key := IssueKey(stage)
	if key == "" {
		n.logger.Debug("no jira issue mapped", "stage", stage.ID)
		return
	}

	text := fmt.Sprintf("%s (%s) moved %s -> %s.", stage.ID, stage.Title, fromStatus, toStatus)
	if stage.PRURL != "" {
		text += "\nPR: " + stage.PRURL
	}

	cctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := n.commenter.AddComment(cctx, key, text); err != nil {
		n.logger.Warn("jira comment failed", "stage", stage.ID, "issue", key, "error", err)
		return
	}
	n.logger.Info("jira issue updated", "stage", stage.ID, "issue", key)
}
