package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pitboss-dev/pitboss/internal/config"
	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/discovery"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
)

// statusReadyLimit caps how many ready stages the plain view lists.
const statusReadyLimit = 10

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show the board at a glance",
		Long: `Show the current board state: active sessions, ready stages in
priority order, and kanban column counts.

The board files are re-synced into the read model first, so the output
reflects the files on disk, not the last orchestrator tick.

Examples:
  pitboss status           # Quick overview
  pitboss status --json    # Machine-readable snapshot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return runStatus(asJSON)
		},
	}

	cmd.Flags().Bool("json", false, "output as JSON")

	return cmd
}

// statusReport is the JSON shape of one status snapshot.
type statusReport struct {
	Columns    map[string]int    `json:"columns"`
	InProgress []statusStage     `json:"in_progress"`
	Ready      []statusCandidate `json:"ready"`
	Blocked    int               `json:"blocked"`
	ToConvert  int               `json:"tickets_without_stages"`
}

type statusStage struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Branch string `json:"branch,omitempty"`
	PRURL  string `json:"pr_url,omitempty"`
}

type statusCandidate struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Score      int    `json:"score"`
	Reason     string `json:"reason"`
	NeedsHuman bool   `json:"needs_human,omitempty"`
}

func runStatus(asJSON bool) error {
	repoRoot, err := resolveRepoRoot()
	if err != nil {
		return err
	}
	if err := requireInit(repoRoot); err != nil {
		return err
	}

	cfg, err := config.Load(repoRoot)
	if err != nil {
		return err
	}
	pipe, err := pipeline.New(cfg.Workflow)
	if err != nil {
		return err
	}

	ctx := context.Background()
	database, err := openBoard(ctx, repoRoot, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	if _, err := database.SyncFromRepo(ctx, repoRoot); err != nil {
		return fmt.Errorf("sync board: %w", err)
	}

	report, err := buildStatusReport(ctx, database, pipe)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	renderStatus(os.Stdout, report)
	return nil
}

func buildStatusReport(ctx context.Context, database *db.DB, pipe *pipeline.Pipeline) (*statusReport, error) {
	columns, err := database.CountStagesByColumn(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := discovery.New(database, pipe, slog.Default()).Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	active, err := database.ListStagesByColumn(ctx, db.ColumnInProgress)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		Columns:   columns,
		Blocked:   snap.Blocked,
		ToConvert: snap.ToConvert,
	}
	for _, s := range active {
		report.InProgress = append(report.InProgress, statusStage{
			ID:     s.ID,
			Title:  s.Title,
			Status: s.Status,
			Branch: s.WorktreeBranch,
			PRURL:  s.PRURL,
		})
	}
	for _, cand := range snap.Ready {
		report.Ready = append(report.Ready, statusCandidate{
			ID:         cand.ID,
			Title:      cand.Title,
			Status:     cand.Status,
			Score:      cand.Score,
			Reason:     cand.Reason,
			NeedsHuman: cand.NeedsHuman,
		})
	}
	return report, nil
}

func renderStatus(out io.Writer, report *statusReport) {
	fmt.Fprintf(out, "Board: %d ready  %d in progress  %d blocked  %d done\n",
		report.Columns[db.ColumnReady],
		report.Columns[db.ColumnInProgress],
		report.Columns[db.ColumnBacklog],
		report.Columns[db.ColumnDone])
	if report.ToConvert > 0 {
		fmt.Fprintf(out, "%d ticket(s) still need stages\n", report.ToConvert)
	}

	if len(report.InProgress) > 0 {
		fmt.Fprintln(out, "\nIn progress:")
		w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		for _, s := range report.InProgress {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", s.ID, s.Status, s.Title)
		}
		_ = w.Flush()
	}

	if len(report.Ready) > 0 {
		fmt.Fprintln(out, "\nReady (highest score first):")
		w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		for i, c := range report.Ready {
			if i == statusReadyLimit {
				fmt.Fprintf(w, "  ... and %d more\n", len(report.Ready)-statusReadyLimit)
				break
			}
			mark := ""
			if c.NeedsHuman {
				mark = "  (needs human)"
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s%s\n", c.Score, c.ID, c.Reason, c.Title, mark)
		}
		_ = w.Flush()
	}

	if len(report.InProgress) == 0 && len(report.Ready) == 0 {
		fmt.Fprintln(out, "\nNothing ready. Create STAGE-*.md files or check blocked dependencies.")
	}
}

// printBoardCounts prints the one-line column summary the run command
// shows on exit.
func printBoardCounts(ctx context.Context, database *db.DB) {
	columns, err := database.CountStagesByColumn(ctx)
	if err != nil {
		return
	}
	fmt.Printf("Board: %d ready  %d in progress  %d blocked  %d done\n",
		columns[db.ColumnReady], columns[db.ColumnInProgress],
		columns[db.ColumnBacklog], columns[db.ColumnDone])
}
