// Package comments watches open PRs for fresh review feedback. A
// stage parked in PR Created moves to Addressing Comments when its
// unresolved comment count rises past the last count on record, so
// each batch of feedback triggers exactly one addressing session.
package comments

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/frontmatter"
	"github.com/pitboss-dev/pitboss/internal/hosting"
	"github.com/pitboss-dev/pitboss/internal/item"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
)

// hostCallTimeout bounds each code-host API call.
const hostCallTimeout = 30 * time.Second

// Gate propagates a stage transition up the hierarchy. Satisfied by
// gate.Gate; nil skips propagation.
type Gate interface {
	Apply(ctx context.Context, stage *item.Stage, newStatus string) error
}

// Poller is the mr-comment-poll cron job body.
type Poller struct {
	db     *db.DB
	host   hosting.Provider
	gate   Gate
	logger *slog.Logger
}

// NewPoller creates a comment poller.
func NewPoller(database *db.DB, host hosting.Provider, g Gate, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{db: database, host: host, gate: g, logger: logger}
}

// Poll checks every stage sitting in PR Created and returns how many
// were moved to Addressing Comments. Individual stages fail soft; the
// poll only errors when the board cannot be listed.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	if p.host == nil {
		p.logger.Debug("comment polling disabled, no code host configured")
		return 0, nil
	}

	rows, err := p.db.ListStagesByStatus(ctx, pipeline.StatusPRCreated)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, row := range rows {
		if p.checkStage(ctx, row) {
			fired++
		}
	}
	return fired, nil
}

// checkStage re-reads one stage file and fires the transition when new
// unresolved comments appeared since the stored watermark. The file is
// the source of truth; a stale projection row or a held lock means
// leave it alone.
func (p *Poller) checkStage(ctx context.Context, row *db.StageRow) bool {
	doc, err := frontmatter.Read(row.FilePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("comment poll skipping unreadable stage file",
				"stage", row.ID, "path", row.FilePath, "error", err)
		}
		return false
	}
	stage, err := item.StageFromDocument(row.FilePath, doc)
	if err != nil {
		p.logger.Warn("comment poll skipping malformed stage file",
			"stage", row.ID, "path", row.FilePath, "error", err)
		return false
	}
	if stage.Status != pipeline.StatusPRCreated || stage.PRURL == "" {
		return false
	}

	number := stage.PRNumber
	if number == 0 {
		n, err := hosting.ParsePRNumber(stage.PRURL)
		if err != nil {
			p.logger.Warn("comment poll cannot parse pr url",
				"stage", stage.ID, "url", stage.PRURL, "error", err)
			return false
		}
		number = n
	}

	hctx, cancel := context.WithTimeout(ctx, hostCallTimeout)
	status, err := p.host.PRStatus(hctx, number)
	cancel()
	if err != nil {
		p.logger.Warn("comment poll pr status unavailable",
			"stage", stage.ID, "pr", number, "error", err)
		return false
	}
	if status.Merged {
		// Merged PRs belong to the pr-status resolver.
		return false
	}

	count := status.UnresolvedCount
	mark, err := p.db.GetCommentWatermark(ctx, stage.ID)
	if err != nil {
		p.logger.Warn("comment watermark unavailable", "stage", stage.ID, "error", err)
		return false
	}

	if count <= mark.UnresolvedCount {
		// Steady state. Track a shrinking count so the next burst of
		// feedback still reads as new.
		if count != mark.UnresolvedCount || mark.PRURL != stage.PRURL {
			if err := p.db.SetCommentWatermark(ctx, stage.ID, stage.PRURL, count); err != nil {
				p.logger.Warn("comment watermark update failed", "stage", stage.ID, "error", err)
			}
		}
		return false
	}

	if stage.SessionActive {
		// Leave the watermark untouched so the transition fires once
		// the running session releases the stage.
		p.logger.Debug("comment poll skipping locked stage",
			"stage", stage.ID, "unresolved", count)
		return false
	}

	if err := doc.Set("status", pipeline.StatusAddressingComments); err != nil {
		p.logger.Error("comment poll could not set status", "stage", stage.ID, "error", err)
		return false
	}
	if err := doc.Write(); err != nil {
		p.logger.Error("comment poll could not write stage file",
			"stage", stage.ID, "path", row.FilePath, "error", err)
		return false
	}

	p.logger.Info("new review comments, stage moved to addressing",
		"stage", stage.ID,
		"pr", number,
		"unresolved", count,
		"previous", mark.UnresolvedCount)

	if p.gate != nil {
		if err := p.gate.Apply(ctx, stage, pipeline.StatusAddressingComments); err != nil {
			p.logger.Warn("comment poll hierarchy propagation failed",
				"stage", stage.ID, "error", err)
		}
	}
	if err := p.db.SetCommentWatermark(ctx, stage.ID, stage.PRURL, count); err != nil {
		p.logger.Warn("comment watermark update failed", "stage", stage.ID, "error", err)
	}
	return true
}
