package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitboss-dev/pitboss/internal/config"
)

// newSyncCmd creates the sync command
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Project the board files into the read model",
		Long: `Scan the repository for EPIC-*.md, TICKET-*.md and STAGE-*.md files
and rebuild the read model from their frontmatter.

The orchestrator does this on every tick; run it manually after bulk
edits or to inspect the board with status while no loop is running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync()
		},
	}
}

func runSync() error {
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

	ctx := context.Background()
	database, err := openBoard(ctx, repoRoot, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	summary, err := database.SyncFromRepo(ctx, repoRoot)
	if err != nil {
		return fmt.Errorf("sync board: %w", err)
	}

	fmt.Printf("Synced %d stage(s), %d ticket(s), %d epic(s)\n",
		summary.Stages, summary.Tickets, summary.Epics)
	if summary.Pruned > 0 {
		fmt.Printf("Pruned %d row(s) for deleted files\n", summary.Pruned)
	}
	if summary.Skipped > 0 {
		fmt.Printf("Skipped %d unparseable file(s), see log\n", summary.Skipped)
	}
	return nil
}
