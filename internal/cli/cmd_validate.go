package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitboss-dev/pitboss/internal/config"
	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
	"github.com/pitboss-dev/pitboss/internal/worktree"
)

// newValidateCmd creates the validate command
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workflow config and board files",
		Long: `Validate everything the orchestrator would check at startup:

  - workflow.yaml parses and the pipeline config is legal
  - every stage carries a status the pipeline knows
  - stage dependencies point at items that exist
  - CLAUDE.md documents the worktree isolation strategy

Problems are printed one per line. Exit code is nonzero when any
check fails; warnings alone pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(os.Stdout)
		},
	}
}

// boardProblem is one validate finding.
type boardProblem struct {
	Severity string // "error" or "warning"
	Subject  string
	Message  string
}

func runValidate(out io.Writer) error {
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
	if err := cfg.Validate(); err != nil {
		return err
	}
	pipe, err := pipeline.New(cfg.Workflow)
	if err != nil {
		return err
	}

	ctx := context.Background()
	problems, err := checkBoard(ctx, repoRoot, pipe)
	if err != nil {
		return err
	}

	if err := worktree.CheckIsolationStrategy(repoRoot); err != nil {
		problems = append(problems, boardProblem{
			Severity: "warning",
			Subject:  "CLAUDE.md",
			Message:  err.Error(),
		})
	}

	errorCount := 0
	for _, p := range problems {
		fmt.Fprintf(out, "%s: %s: %s\n", p.Severity, p.Subject, p.Message)
		if p.Severity == "error" {
			errorCount++
		}
	}
	if errorCount > 0 {
		return fmt.Errorf("%d validation error(s)", errorCount)
	}
	fmt.Fprintln(out, "Board is valid.")
	return nil
}

// checkBoard projects the board into a throwaway in-memory read model
// and inspects the rows. The on-disk board.db is never touched.
func checkBoard(ctx context.Context, repoRoot string, pipe *pipeline.Pipeline) ([]boardProblem, error) {
	database, err := db.OpenInMemory()
	if err != nil {
		return nil, err
	}
	defer func() { _ = database.Close() }()
	if err := database.Migrate(ctx); err != nil {
		return nil, err
	}

	summary, err := database.SyncFromRepo(ctx, repoRoot)
	if err != nil {
		return nil, fmt.Errorf("scan board: %w", err)
	}

	var problems []boardProblem
	if summary.Skipped > 0 {
		problems = append(problems, boardProblem{
			Severity: "error",
			Subject:  "board",
			Message:  fmt.Sprintf("%d work item file(s) failed to parse", summary.Skipped),
		})
	}

	stages, err := database.ListStages(ctx)
	if err != nil {
		return nil, err
	}
	tickets, err := database.ListTickets(ctx)
	if err != nil {
		return nil, err
	}
	epics, err := database.ListEpics(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(stages)+len(tickets)+len(epics))
	for _, s := range stages {
		known[s.ID] = true
	}
	for _, t := range tickets {
		known[t.ID] = true
	}
	for _, e := range epics {
		known[e.ID] = true
	}

	for _, s := range stages {
		if !pipe.KnownStatus(s.Status) {
			problems = append(problems, boardProblem{
				Severity: "error",
				Subject:  s.ID,
				Message:  fmt.Sprintf("status %q is not in the workflow", s.Status),
			})
		}
		if s.SessionActive {
			problems = append(problems, boardProblem{
				Severity: "warning",
				Subject:  s.ID,
				Message:  "session_active is set; a session is running or a crash left a stale lock",
			})
		}
		if s.RebaseConflict {
			problems = append(problems, boardProblem{
				Severity: "warning",
				Subject:  s.ID,
				Message:  "rebase_conflict is set; resolve it before the chain can move",
			})
		}

		deps, err := database.ListStageDependencies(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if !known[dep.DependsOn] {
				problems = append(problems, boardProblem{
					Severity: "error",
					Subject:  s.ID,
					Message:  fmt.Sprintf("depends on %q which does not exist", dep.DependsOn),
				})
			}
		}
	}

	for _, t := range tickets {
		if t.EpicID != "" && !known[t.EpicID] {
			problems = append(problems, boardProblem{
				Severity: "error",
				Subject:  t.ID,
				Message:  fmt.Sprintf("references epic %q which does not exist", t.EpicID),
			})
		}
	}

	return problems, nil
}
