package worktree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const isolationHeading = "Worktree Isolation Strategy"

// minsubsections is the smallest number of subsections an isolation
// strategy must document before sessions may be spawned.
const minSubsections = 3

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// CheckIsolationStrategy validates the repo's CLAUDE.md isolation
// section without a pool. The validate and init commands use it; the
// pool keeps its own cached copy of the result.
func CheckIsolationStrategy(repoRoot string) error {
	return validateIsolationFile(filepath.Join(repoRoot, "CLAUDE.md"))
}

func validateIsolationFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s not found: document a %q section before running sessions", path, isolationHeading)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	sectionLevel := 0
	subsections := 0
	inSection := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m := headingPattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		level := len(m[1])
		title := m[2]

		if !inSection {
			if strings.EqualFold(title, isolationHeading) {
				inSection = true
				sectionLevel = level
			}
			continue
		}
		if level <= sectionLevel {
			break
		}
		subsections++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if !inSection {
		return fmt.Errorf("%s has no %q section: document one before running sessions", path, isolationHeading)
	}
	if subsections < minSubsections {
		return fmt.Errorf("%s: %q section has %d subsections, need at least %d",
			path, isolationHeading, subsections, minSubsections)
	}
	return nil
}
