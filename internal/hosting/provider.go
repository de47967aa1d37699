// Package hosting abstracts the code host (GitHub, GitLab) behind the
// small surface the orchestrator needs: PR status for resolvers and
// the comment poller, branch heads and base retargeting for the merge
// chain, and draft promotion.
package hosting

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// ProviderType identifies which hosting provider is in use.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderUnknown ProviderType = "unknown"
)

// PR states as reported by PRStatus. Providers normalise their native
// vocabulary ("opened", merged flags) into these three.
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateMerged = "merged"
)

// Provider is the code-host adapter. Implementations exist for GitHub
// (go-github) and GitLab (client-go). All calls may fail with network
// or auth errors; callers treat failures as transient.
type Provider interface {
	// PRStatus reports the current state of a pull / merge request.
	PRStatus(ctx context.Context, number int) (*PRStatus, error)

	// BranchHead returns the remote HEAD sha of a branch.
	BranchHead(ctx context.Context, branch string) (string, error)

	// EditPRBase retargets the PR's base branch.
	EditPRBase(ctx context.Context, number int, base string) error

	// MarkPRReady flips a draft PR to ready-for-review.
	MarkPRReady(ctx context.Context, number int) error

	// CheckAuth validates the configured token.
	CheckAuth(ctx context.Context) error

	Name() ProviderType
	OwnerRepo() (string, string)
}

// PRStatus is the provider-neutral view of one pull / merge request.
type PRStatus struct {
	Number          int
	State           string // open, closed, merged
	Merged          bool
	Draft           bool
	HeadSHA         string
	BaseBranch      string
	UnresolvedCount int
}

// HasUnresolvedComments reports whether any review thread is still open.
func (s *PRStatus) HasUnresolvedComments() bool {
	return s.UnresolvedCount > 0
}

// prNumberPattern matches the trailing number of a PR / MR web URL:
// .../pull/123, .../merge_requests/45, optionally with a suffix like
// "/files" or a fragment.
var prNumberPattern = regexp.MustCompile(`/(?:pull|pulls|merge_requests)/(\d+)`)

// ParsePRNumber extracts the PR / MR number from a web URL.
func ParsePRNumber(url string) (int, error) {
	m := prNumberPattern.FindStringSubmatch(url)
	if m == nil {
		return 0, fmt.Errorf("no PR number in URL %q", url)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parse PR number from %q: %w", url, err)
	}
	return n, nil
}
