// Package github implements the hosting provider on the GitHub API.
// REST covers everything except draft promotion and review-thread
// resolution state, which only exist in the GraphQL schema.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/pitboss-dev/pitboss/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// Provider implements hosting.Provider using go-github.
type Provider struct {
	client     *gogithub.Client
	graphqlURL string // relative to BaseURL for github.com, absolute for GHE
	owner      string
	repo       string
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

	httpClient := &http.Client{
		Transport: &oauth2Transport{token: token},
	}
	client := gogithub.NewClient(httpClient)

	// github.com serves GraphQL beside REST; Enterprise serves it at
	// /api/graphql while REST lives under /api/v3.
	graphqlURL := "graphql"
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		var parseErr error
		client.BaseURL, parseErr = client.BaseURL.Parse(baseURL + "/api/v3/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, parseErr)
		}
		client.UploadURL, parseErr = client.UploadURL.Parse(baseURL + "/api/uploads/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse upload URL %q: %w", cfg.BaseURL, parseErr)
		}
		graphqlURL = baseURL + "/api/graphql"
	}

	return &Provider{
		client:     client,
		graphqlURL: graphqlURL,
		owner:      owner,
		repo:       repo,
	}, nil
}

// oauth2Transport adds an Authorization header to every request.
type oauth2Transport struct {
	token string
	base  http.RoundTripper
}

func (t *oauth2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// Name returns the provider type.
func (g *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitHub
}

// OwnerRepo returns the owner and repository name.
func (g *Provider) OwnerRepo() (string, string) {
	return g.owner, g.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (g *Provider) CheckAuth(ctx context.Context) error {
	_, resp, err := g.client.Users.Get(ctx, "")
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("github: %w", hosting.ErrAuthFailed)
		}
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

// PRStatus reports merge state, draft flag, head sha, base branch and
// the number of unresolved review threads for one pull request.
func (g *Provider) PRStatus(ctx context.Context, number int) (*hosting.PRStatus, error) {
	pr, resp, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("PR %d: %w", number, hosting.ErrNotFound)
		}
		return nil, fmt.Errorf("get PR %d: %w", number, err)
	}

	status := &hosting.PRStatus{
		Number:     pr.GetNumber(),
		State:      pr.GetState(),
		Merged:     pr.GetMerged(),
		Draft:      pr.GetDraft(),
		HeadSHA:    pr.GetHead().GetSHA(),
		BaseBranch: pr.GetBase().GetRef(),
	}
	if status.Merged {
		status.State = hosting.StateMerged
	}

	unresolved, err := g.unresolvedThreadCount(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("count unresolved threads for PR %d: %w", number, err)
	}
	status.UnresolvedCount = unresolved

	return status, nil
}

const reviewThreadsQuery = `query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      reviewThreads(first: 100) {
        nodes { isResolved }
      }
    }
  }
}`

func (g *Provider) unresolvedThreadCount(ctx context.Context, number int) (int, error) {
	var out struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes []struct {
						IsResolved bool `json:"isResolved"`
					} `json:"nodes"`
				} `json:"reviewThreads"`
			} `json:"pullRequest"`
		} `json:"repository"`
	}

	vars := map[string]any{"owner": g.owner, "repo": g.repo, "number": number}
	if err := g.graphql(ctx, reviewThreadsQuery, vars, &out); err != nil {
		return 0, err
	}

	count := 0
	for _, node := range out.Repository.PullRequest.ReviewThreads.Nodes {
		if !node.IsResolved {
			count++
		}
	}
	return count, nil
}

// BranchHead returns the sha the remote branch points at.
func (g *Provider) BranchHead(ctx context.Context, branch string) (string, error) {
	ref, resp, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "heads/"+branch)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("branch %q: %w", branch, hosting.ErrNotFound)
		}
		return "", fmt.Errorf("get branch %q head: %w", branch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// EditPRBase retargets the pull request's base branch.
func (g *Provider) EditPRBase(ctx context.Context, number int, base string) error {
	update := &gogithub.PullRequest{
		Base: &gogithub.PullRequestBranch{Ref: gogithub.Ptr(base)},
	}
	_, _, err := g.client.PullRequests.Edit(ctx, g.owner, g.repo, number, update)
	if err != nil {
		return fmt.Errorf("retarget PR %d to %q: %w", number, base, err)
	}
	return nil
}

const readyForReviewMutation = `mutation($id: ID!) {
  markPullRequestReadyForReview(input: {pullRequestId: $id}) {
    pullRequest { isDraft }
  }
}`

// MarkPRReady flips a draft pull request to ready-for-review. The REST
// API cannot do this, so the mutation goes through GraphQL using the
// PR's node id. A PR that is already ready is a no-op.
func (g *Provider) MarkPRReady(ctx context.Context, number int) error {
	pr, _, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return fmt.Errorf("get PR %d: %w", number, err)
	}
	if !pr.GetDraft() {
		return nil
	}

	var out struct {
		MarkPullRequestReadyForReview struct {
			PullRequest struct {
				IsDraft bool `json:"isDraft"`
			} `json:"pullRequest"`
		} `json:"markPullRequestReadyForReview"`
	}
	vars := map[string]any{"id": pr.GetNodeID()}
	if err := g.graphql(ctx, readyForReviewMutation, vars, &out); err != nil {
		return fmt.Errorf("mark PR %d ready: %w", number, err)
	}
	if out.MarkPullRequestReadyForReview.PullRequest.IsDraft {
		return fmt.Errorf("mark PR %d ready: still draft after mutation", number)
	}
	return nil
}

// graphql posts one query against the GraphQL endpoint and decodes the
// data envelope into out. GraphQL failures arrive as HTTP 200 with an
// errors array, so those are checked explicitly.
func (g *Provider) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	payload := map[string]any{"query": query, "variables": variables}
	req, err := g.client.NewRequest(http.MethodPost, g.graphqlURL, payload)
	if err != nil {
		return err
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if _, err := g.client.Do(ctx, req, &envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql: %s", envelope.Errors[0].Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}
