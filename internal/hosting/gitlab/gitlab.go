// Package gitlab implements the hosting provider on the GitLab API.
// GitLab has no draft bit to flip; draft state lives in the MR title
// prefix, so promotion is a title rewrite.
package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/pitboss-dev/pitboss/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

// Provider implements hosting.Provider using client-go.
type Provider struct {
	client    *gogitlab.Client
	projectID string // full "owner/repo" or "group/subgroup/repo" path
	owner     string
	repo      string
}

func newProvider(remoteURL string, cfg hosting.Config) (hosting.Provider, error) {
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}

	owner, repo := hosting.ParseOwnerRepo(remoteURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not parse owner/repo from remote URL: %s", remoteURL)
	}

	var client *gogitlab.Client
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	return &Provider{
		client:    client,
		projectID: owner + "/" + repo,
		owner:     owner,
		repo:      repo,
	}, nil
}

// Name returns the provider type.
func (g *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitLab
}

// OwnerRepo returns the owner and repository name. For nested GitLab
// groups, owner may be "group/subgroup".
func (g *Provider) OwnerRepo() (string, string) {
	return g.owner, g.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (g *Provider) CheckAuth(ctx context.Context) error {
	_, resp, err := g.client.Users.CurrentUser(gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("gitlab: %w", hosting.ErrAuthFailed)
		}
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

// PRStatus reports merge state, draft flag, head sha, target branch
// and the number of unresolved discussions for one merge request.
func (g *Provider) PRStatus(ctx context.Context, number int) (*hosting.PRStatus, error) {
	mr, resp, err := g.client.MergeRequests.GetMergeRequest(g.projectID, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("MR %d: %w", number, hosting.ErrNotFound)
		}
		return nil, fmt.Errorf("get MR %d: %w", number, err)
	}

	status := &hosting.PRStatus{
		Number:     int(mr.IID),
		State:      mapState(mr.State),
		Merged:     mr.State == "merged",
		Draft:      mr.Draft,
		HeadSHA:    mr.SHA,
		BaseBranch: mr.TargetBranch,
	}

	unresolved, err := g.unresolvedDiscussionCount(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("count unresolved discussions for MR %d: %w", number, err)
	}
	status.UnresolvedCount = unresolved

	return status, nil
}

// unresolvedDiscussionCount counts resolvable discussions that are not
// yet resolved. System notes and plain comments are not resolvable and
// do not count.
func (g *Provider) unresolvedDiscussionCount(ctx context.Context, number int) (int, error) {
	count := 0
	opts := &gogitlab.ListMergeRequestDiscussionsOptions{
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}

	for {
		discussions, resp, err := g.client.Discussions.ListMergeRequestDiscussions(g.projectID, int64(number), opts, gogitlab.WithContext(ctx))
		if err != nil {
			return 0, fmt.Errorf("list MR %d discussions: %w", number, err)
		}

		for _, d := range discussions {
			for _, note := range d.Notes {
				if note.System || !note.Resolvable {
					continue
				}
				if !note.Resolved {
					count++
				}
				break
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return count, nil
}

// BranchHead returns the sha the remote branch points at.
func (g *Provider) BranchHead(ctx context.Context, branch string) (string, error) {
	b, resp, err := g.client.Branches.GetBranch(g.projectID, branch, gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("branch %q: %w", branch, hosting.ErrNotFound)
		}
		return "", fmt.Errorf("get branch %q head: %w", branch, err)
	}
	if b.Commit == nil {
		return "", fmt.Errorf("branch %q has no commit", branch)
	}
	return b.Commit.ID, nil
}

// EditPRBase retargets the merge request's target branch.
func (g *Provider) EditPRBase(ctx context.Context, number int, base string) error {
	opts := &gogitlab.UpdateMergeRequestOptions{
		TargetBranch: gogitlab.Ptr(base),
	}
	_, _, err := g.client.MergeRequests.UpdateMergeRequest(g.projectID, int64(number), opts, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("retarget MR %d to %q: %w", number, base, err)
	}
	return nil
}

// Draft title prefixes GitLab recognises, longest first so the loop
// strips greedily.
var draftPrefixes = []string{"Draft: ", "Draft:", "[Draft] ", "(Draft) ", "WIP: ", "WIP:"}

// MarkPRReady promotes a draft merge request by rewriting its title
// without the draft prefix. An MR that is already ready is a no-op.
func (g *Provider) MarkPRReady(ctx context.Context, number int) error {
	mr, _, err := g.client.MergeRequests.GetMergeRequest(g.projectID, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("get MR %d: %w", number, err)
	}
	if !mr.Draft {
		return nil
	}

	title := stripDraftPrefix(mr.Title)
	opts := &gogitlab.UpdateMergeRequestOptions{
		Title: gogitlab.Ptr(title),
	}
	_, _, err = g.client.MergeRequests.UpdateMergeRequest(g.projectID, int64(number), opts, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("mark MR %d ready: %w", number, err)
	}
	return nil
}

func stripDraftPrefix(title string) string {
	for {
		stripped := title
		for _, prefix := range draftPrefixes {
			if strings.HasPrefix(stripped, prefix) {
				stripped = strings.TrimPrefix(stripped, prefix)
				break
			}
		}
		if stripped == title {
			return strings.TrimSpace(title)
		}
		title = strings.TrimSpace(stripped)
	}
}

func mapState(state string) string {
	switch state {
	case "opened":
		return hosting.StateOpen
	case "merged":
		return hosting.StateMerged
	case "closed":
		return hosting.StateClosed
	default:
		return state
	}
}
