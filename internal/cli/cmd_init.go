package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitboss-dev/pitboss/internal/config"
	pberrors "github.com/pitboss-dev/pitboss/internal/errors"
	"github.com/pitboss-dev/pitboss/internal/worktree"
)

// gitignoreEntries are the entries init adds to .gitignore.
var gitignoreEntries = []string{
	"# pitboss - kanban orchestrator state",
	".pitboss/board.db",
	".pitboss/board.db-journal",
	".pitboss/board.db-wal",
	".pitboss/board.db-shm",
	".pitboss/sessions/",
	".worktrees/",
}

const (
	claudeMDFile = "CLAUDE.md"

	// Markers fencing the pitboss-managed section in CLAUDE.md.
	sectionStart = "<!-- pitboss:begin -->"
	sectionEnd   = "<!-- pitboss:end -->"
)

// isolationSectionTemplate is the starter isolation strategy init
// writes into CLAUDE.md. Sessions will not spawn until the file
// documents one, so init seeds a section teams then tailor.
const isolationSectionTemplate = `## Worktree Isolation Strategy

Worker sessions run concurrently, each in its own git worktree under
` + "`.worktrees/`" + `. Follow these rules so parallel stages never collide.

### Scope of changes

Only modify files your stage explicitly covers. If a change belongs to
another stage, note it in your stage file instead of making it.

### Shared paths

Treat lockfiles, generated code and migration directories as shared:
read them freely, but coordinate changes through stage dependencies
(` + "`depends_on`" + `) rather than editing them from two stages at once.

### Merge discipline

Commit only to your stage branch. Never merge, rebase or push another
stage's branch from inside a worktree; the orchestrator owns branch
retargeting when parent stages merge.
`

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize pitboss in current repository",
		Long: `Initialize pitboss in the repository:

  - writes the default workflow to .pitboss/workflow.yaml
  - creates the session log directory
  - adds pitboss state files to .gitignore
  - seeds a Worktree Isolation Strategy section in CLAUDE.md

Existing files are left alone unless --force is given.

Examples:
  pitboss init            # Initialize with the default workflow
  pitboss init --force    # Rewrite workflow.yaml with defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return runInit(force)
		},
	}

	cmd.Flags().Bool("force", false, "overwrite an existing workflow.yaml")

	return cmd
}

func runInit(force bool) error {
	repoRoot, err := resolveRepoRoot()
	if err != nil {
		return err
	}

	workflowPath := config.WorkflowPath(repoRoot)
	if _, err := os.Stat(workflowPath); err == nil && !force {
		return pberrors.ErrAlreadyInitialized(workflowPath)
	}

	var actions []string

	if err := config.Default().Save(repoRoot); err != nil {
		return err
	}
	actions = append(actions, "wrote "+filepath.Join(config.Dir, config.WorkflowFileName))

	if err := os.MkdirAll(config.SessionsDir(repoRoot), 0755); err != nil {
		return fmt.Errorf("create sessions directory: %w", err)
	}

	updated, err := updateGitignore(repoRoot)
	if err != nil {
		return err
	}
	if updated {
		actions = append(actions, "updated .gitignore")
	}

	action, err := seedIsolationSection(repoRoot)
	if err != nil {
		return err
	}
	if action != "" {
		actions = append(actions, action)
	}

	fmt.Printf("Initialized pitboss in %s\n", repoRoot)
	for _, a := range actions {
		fmt.Printf("  %s\n", a)
	}
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Review .pitboss/workflow.yaml")
	fmt.Println("  2. Tailor the Worktree Isolation Strategy in CLAUDE.md")
	fmt.Println("  3. Create EPIC/TICKET/STAGE files and run `pitboss run`")
	return nil
}

// updateGitignore appends missing pitboss entries to .gitignore. It
// reports whether anything was written.
func updateGitignore(repoRoot string) (bool, error) {
	path := filepath.Join(repoRoot, ".gitignore")

	existing := make(map[string]bool)
	if file, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			existing[strings.TrimSpace(scanner.Text())] = true
		}
		if err := scanner.Err(); err != nil {
			_ = file.Close()
			return false, fmt.Errorf("read .gitignore: %w", err)
		}
		_ = file.Close()
	}

	var toAdd []string
	for _, entry := range gitignoreEntries {
		if !existing[entry] {
			toAdd = append(toAdd, entry)
		}
	}
	if len(toAdd) == 0 {
		return false, nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("open .gitignore: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat .gitignore: %w", err)
	}
	if info.Size() > 0 {
		if _, err := file.WriteString("\n"); err != nil {
			return false, fmt.Errorf("write .gitignore: %w", err)
		}
	}
	for _, entry := range toAdd {
		if _, err := file.WriteString(entry + "\n"); err != nil {
			return false, fmt.Errorf("write .gitignore: %w", err)
		}
	}
	return true, nil
}

var isolationHeadingPattern = regexp.MustCompile(`(?im)^#{1,6}\s+worktree isolation strategy\s*$`)

// seedIsolationSection appends the starter isolation section to
// CLAUDE.md when the file has none. A hand-written section is never
// touched; one that fails validation gets a warning instead.
func seedIsolationSection(repoRoot string) (string, error) {
	path := filepath.Join(repoRoot, claudeMDFile)

	content := ""
	data, err := os.ReadFile(path)
	if err == nil {
		content = string(data)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", claudeMDFile, err)
	}

	if isolationHeadingPattern.MatchString(content) {
		if err := worktree.CheckIsolationStrategy(repoRoot); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		return "", nil
	}

	section := sectionStart + "\n" + isolationSectionTemplate + sectionEnd + "\n"
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if content != "" {
		content += "\n"
	}
	content += section

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", claudeMDFile, err)
	}
	return "seeded Worktree Isolation Strategy in " + claudeMDFile, nil
}
