package github

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/pitboss-dev/pitboss/internal/hosting"
)

func TestResolveToken(t *testing.T) {
	// Cannot use t.Parallel() — t.Setenv modifies process environment.

	tests := []struct {
		name      string
		cfg       hosting.Config
		envKey    string
		envValue  string
		wantToken string
		wantErr   bool
	}{
		{
			name:      "GITHUB_TOKEN set",
			cfg:       hosting.Config{},
			envKey:    "GITHUB_TOKEN",
			envValue:  "ghp_test123",
			wantToken: "ghp_test123",
		},
		{
			name:    "GITHUB_TOKEN not set returns error",
			cfg:     hosting.Config{},
			wantErr: true,
		},
		{
			name:      "custom env var overrides default",
			cfg:       hosting.Config{TokenEnvVar: "MY_GH_TOKEN"},
			envKey:    "MY_GH_TOKEN",
			envValue:  "custom_token_value",
			wantToken: "custom_token_value",
		},
		{
			name:    "custom env var not set returns error",
			cfg:     hosting.Config{TokenEnvVar: "MY_GH_TOKEN"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GITHUB_TOKEN", "")
			t.Setenv("MY_GH_TOKEN", "")

			if tt.envKey != "" {
				t.Setenv(tt.envKey, tt.envValue)
			}

			token, err := resolveToken(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && token != tt.wantToken {
				t.Errorf("resolveToken() = %q, want %q", token, tt.wantToken)
			}
		})
	}
}

// testProvider points a Provider at an httptest server standing in for
// the GitHub API.
func testProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := gogithub.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	client.BaseURL = base

	return &Provider{
		client:     client,
		graphqlURL: "graphql",
		owner:      "acme",
		repo:       "widgets",
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if _, err := io.WriteString(w, body); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestPRStatusOpenWithUnresolvedThreads(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{
			"number": 7, "state": "open", "merged": false, "draft": true,
			"node_id": "PR_node7",
			"head": {"ref": "stage/stage-001-001-002", "sha": "abc123"},
			"base": {"ref": "main"}
		}`)
	})
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"data": {"repository": {"pullRequest": {"reviewThreads": {"nodes": [
			{"isResolved": false}, {"isResolved": true}, {"isResolved": false}
		]}}}}}`)
	})

	p := testProvider(t, mux)
	status, err := p.PRStatus(t.Context(), 7)
	if err != nil {
		t.Fatalf("PRStatus: %v", err)
	}

	if status.State != hosting.StateOpen {
		t.Errorf("State = %q, want open", status.State)
	}
	if !status.Draft {
		t.Error("Draft = false, want true")
	}
	if status.HeadSHA != "abc123" {
		t.Errorf("HeadSHA = %q", status.HeadSHA)
	}
	if status.BaseBranch != "main" {
		t.Errorf("BaseBranch = %q", status.BaseBranch)
	}
	if status.UnresolvedCount != 2 {
		t.Errorf("UnresolvedCount = %d, want 2", status.UnresolvedCount)
	}
	if !status.HasUnresolvedComments() {
		t.Error("HasUnresolvedComments() = false")
	}
}

func TestPRStatusMerged(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/pulls/9", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"number": 9, "state": "closed", "merged": true,
			"head": {"sha": "def456"}, "base": {"ref": "main"}}`)
	})
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"data": {"repository": {"pullRequest": {"reviewThreads": {"nodes": []}}}}}`)
	})

	p := testProvider(t, mux)
	status, err := p.PRStatus(t.Context(), 9)
	if err != nil {
		t.Fatalf("PRStatus: %v", err)
	}
	if !status.Merged || status.State != hosting.StateMerged {
		t.Errorf("got Merged=%v State=%q, want merged state", status.Merged, status.State)
	}
}

func TestPRStatusNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/pulls/404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(t, w, `{"message": "Not Found"}`)
	})

	p := testProvider(t, mux)
	_, err := p.PRStatus(t.Context(), 404)
	if !errors.Is(err, hosting.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBranchHead(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/git/ref/heads/stage/stage-001-001-001", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"ref": "refs/heads/stage/stage-001-001-001", "object": {"sha": "89ab"}}`)
	})

	p := testProvider(t, mux)
	sha, err := p.BranchHead(t.Context(), "stage/stage-001-001-001")
	if err != nil {
		t.Fatalf("BranchHead: %v", err)
	}
	if sha != "89ab" {
		t.Errorf("sha = %q, want 89ab", sha)
	}
}

func TestBranchHeadNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(t, w, `{"message": "Not Found"}`)
	})

	p := testProvider(t, mux)
	_, err := p.BranchHead(t.Context(), "gone")
	if !errors.Is(err, hosting.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEditPRBase(t *testing.T) {
	var patched map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /repos/acme/widgets/pulls/5", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&patched); err != nil {
			t.Errorf("decode patch body: %v", err)
		}
		writeJSON(t, w, `{"number": 5}`)
	})

	p := testProvider(t, mux)
	if err := p.EditPRBase(t.Context(), 5, "stage/stage-001-001-002"); err != nil {
		t.Fatalf("EditPRBase: %v", err)
	}
	if patched["base"] != "stage/stage-001-001-002" {
		t.Errorf("patch body base = %v", patched["base"])
	}
}

func TestMarkPRReadyDraft(t *testing.T) {
	var mutation map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/pulls/5", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"number": 5, "draft": true, "node_id": "PR_node5"}`)
	})
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&mutation); err != nil {
			t.Errorf("decode graphql body: %v", err)
		}
		writeJSON(t, w, `{"data": {"markPullRequestReadyForReview": {"pullRequest": {"isDraft": false}}}}`)
	})

	p := testProvider(t, mux)
	if err := p.MarkPRReady(t.Context(), 5); err != nil {
		t.Fatalf("MarkPRReady: %v", err)
	}

	query, _ := mutation["query"].(string)
	if !strings.Contains(query, "markPullRequestReadyForReview") {
		t.Errorf("mutation query = %q", query)
	}
	vars, _ := mutation["variables"].(map[string]any)
	if vars["id"] != "PR_node5" {
		t.Errorf("mutation id = %v", vars["id"])
	}
}

func TestMarkPRReadySkipsNonDraft(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/pulls/5", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"number": 5, "draft": false}`)
	})
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		t.Error("graphql should not be called for a non-draft PR")
	})

	p := testProvider(t, mux)
	if err := p.MarkPRReady(t.Context(), 5); err != nil {
		t.Fatalf("MarkPRReady: %v", err)
	}
}

func TestMarkPRReadyGraphQLError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/pulls/5", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"number": 5, "draft": true, "node_id": "PR_node5"}`)
	})
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"errors": [{"message": "something exploded"}]}`)
	})

	p := testProvider(t, mux)
	err := p.MarkPRReady(t.Context(), 5)
	if err == nil || !strings.Contains(err.Error(), "something exploded") {
		t.Fatalf("err = %v, want graphql error", err)
	}
}

func TestProviderName(t *testing.T) {
	p := &Provider{owner: "acme", repo: "widgets"}
	if got := p.Name(); got != hosting.ProviderGitHub {
		t.Errorf("Name() = %q, want %q", got, hosting.ProviderGitHub)
	}
	owner, repo := p.OwnerRepo()
	if owner != "acme" || repo != "widgets" {
		t.Errorf("OwnerRepo() = (%q, %q)", owner, repo)
	}
}
