// Package discovery finds stages ready for a worker session and ranks
// them. Ranking reads only the board projection; the admission path
// re-checks everything against the files before spawning, so a stale
// score costs a wasted attempt, never a wrong run.
package discovery

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
)

// Base scores by phase, highest first: unblocking review feedback beats
// starting fresh work.
const (
	baseReviewComments   = 700
	baseManualTesting    = 600
	baseAutomaticTesting = 500
	baseBuild            = 400
	baseUnmatchedReady   = 300
	baseOtherPhase       = 200
)

// maxDueDateBonus is the bonus for work due now; it decays linearly to
// zero over 30 days out.
const maxDueDateBonus = 50

const dueDateLayout = "2006-01-02"

// ReadyStage is one ranked admission candidate.
type ReadyStage struct {
	db.StageRow
	Score      int
	Reason     string
	NeedsHuman bool
}

// Snapshot is one discovery pass over the board.
type Snapshot struct {
	Ready      []ReadyStage
	Blocked    int
	InProgress int
	ToConvert  int
}

// Engine ranks ready stages against the configured pipeline.
type Engine struct {
	db     *db.DB
	pipe   *pipeline.Pipeline
	logger *slog.Logger
	now    func() time.Time
}

// New creates a discovery engine.
func New(database *db.DB, pipe *pipeline.Pipeline, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: database, pipe: pipe, logger: logger, now: time.Now}
}

// Snapshot scans the board and returns ranked ready stages plus the
// counts the status surfaces report. Excluded from ready: done and
// backlog columns, and anything with an active session.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	stages, err := e.db.ListStages(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{}
	for _, row := range stages {
		switch {
		case row.KanbanColumn == db.ColumnBacklog:
			snap.Blocked++
			continue
		case row.KanbanColumn == db.ColumnDone:
			continue
		}
		if row.SessionActive {
			snap.InProgress++
			continue
		}

		score, reason, needsHuman := e.score(row)
		snap.Ready = append(snap.Ready, ReadyStage{
			StageRow:   *row,
			Score:      score,
			Reason:     reason,
			NeedsHuman: needsHuman,
		})
	}

	// Deterministic order: score descending, id ascending on ties.
	sort.Slice(snap.Ready, func(i, j int) bool {
		if snap.Ready[i].Score != snap.Ready[j].Score {
			return snap.Ready[i].Score > snap.Ready[j].Score
		}
		return snap.Ready[i].ID < snap.Ready[j].ID
	})

	toConvert, err := e.db.CountTicketsWithoutStages(ctx)
	if err != nil {
		return nil, err
	}
	snap.ToConvert = toConvert

	return snap, nil
}

func (e *Engine) score(row *db.StageRow) (int, string, bool) {
	base := 0
	reason := "normal"
	needsHuman := false

	phase, matched := e.pipe.PhaseForStatus(row.Status)
	if matched {
		name := strings.ToLower(phase.Name)
		switch {
		case phase.Name == pipeline.PhaseAddressingComments:
			base = baseReviewComments
			reason = "review_comments_pending"
		case strings.Contains(name, "manual"):
			base = baseManualTesting
			reason = "manual_testing_pending"
		case strings.Contains(name, "automatic"):
			base = baseAutomaticTesting
			reason = "automatic_testing_ready"
		case phase.Name == pipeline.PhaseBuild:
			base = baseBuild
			reason = "build_ready"
		default:
			base = baseOtherPhase
			reason = slug(phase.Name) + "_ready"
		}
		needsHuman = strings.Contains(name, "manual") ||
			strings.Contains(name, "user") ||
			strings.Contains(name, "feedback")
	} else if row.KanbanColumn == db.ColumnReady {
		base = baseUnmatchedReady
	}

	return base + row.Priority*10 + e.dueDateBonus(row.DueDate), reason, needsHuman
}

// dueDateBonus rewards approaching deadlines: maxDueDateBonus when due
// today, fading to zero 30 days out. Undated, unparseable and overdue
// stages get nothing.
func (e *Engine) dueDateBonus(due string) int {
	if due == "" {
		return 0
	}
	d, err := time.Parse(dueDateLayout, due)
	if err != nil {
		e.logger.Warn("unparseable due date", "due_date", due)
		return 0
	}
	// Whole-day comparison so a stage due today keeps its bonus all day.
	now := e.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := d.Sub(today).Hours() / 24
	if days < 0 {
		return 0
	}
	bonus := int(math.Round(maxDueDateBonus - (days/30)*maxDueDateBonus))
	if bonus < 0 {
		return 0
	}
	return bonus
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
