package gitlab

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/pitboss-dev/pitboss/internal/hosting"
)

func TestResolveToken(t *testing.T) {
	// Cannot use t.Parallel() — t.Setenv modifies process environment.

	tests := []struct {
		name      string
		cfg       hosting.Config
		env       map[string]string
		wantToken string
		wantErr   bool
	}{
		{
			name:      "GITLAB_TOKEN set",
			cfg:       hosting.Config{},
			env:       map[string]string{"GITLAB_TOKEN": "glpat-abc"},
			wantToken: "glpat-abc",
		},
		{
			name:      "falls back to GITLAB_PRIVATE_TOKEN",
			cfg:       hosting.Config{},
			env:       map[string]string{"GITLAB_PRIVATE_TOKEN": "glpat-priv"},
			wantToken: "glpat-priv",
		},
		{
			name:      "custom env var wins",
			cfg:       hosting.Config{TokenEnvVar: "MY_GL_TOKEN"},
			env:       map[string]string{"MY_GL_TOKEN": "custom", "GITLAB_TOKEN": "ignored"},
			wantToken: "custom",
		},
		{
			name:    "nothing set returns error",
			cfg:     hosting.Config{},
			wantErr: true,
		},
		{
			name:    "custom env var missing returns error",
			cfg:     hosting.Config{TokenEnvVar: "MY_GL_TOKEN"},
			env:     map[string]string{"GITLAB_TOKEN": "not-consulted"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GITLAB_TOKEN", "")
			t.Setenv("GITLAB_PRIVATE_TOKEN", "")
			t.Setenv("MY_GL_TOKEN", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
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

// route dispatches on "METHOD /decoded/path". The client URL-escapes
// the project path, but r.URL.Path arrives decoded.
type route map[string]http.HandlerFunc

func (rt route) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h, ok := rt[r.Method+" "+r.URL.Path]; ok {
		h(w, r)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, `{"message": "404 Not Found"}`)
}

func testProvider(t *testing.T, routes route) *Provider {
	t.Helper()

	srv := httptest.NewServer(routes)
	t.Cleanup(srv.Close)

	client, err := gogitlab.NewClient("glpat-test", gogitlab.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	return &Provider{
		client:    client,
		projectID: "acme/widgets",
		owner:     "acme",
		repo:      "widgets",
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if _, err := io.WriteString(w, body); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestPRStatusOpenWithUnresolvedDiscussions(t *testing.T) {
	p := testProvider(t, route{
		"GET /api/v4/projects/acme/widgets/merge_requests/7": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, `{"iid": 7, "state": "opened", "draft": true,
				"sha": "abc123", "target_branch": "main", "title": "Draft: Add parser"}`)
		},
		"GET /api/v4/projects/acme/widgets/merge_requests/7/discussions": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, `[
				{"id": "d1", "notes": [{"id": 1, "resolvable": true, "resolved": false}]},
				{"id": "d2", "notes": [{"id": 2, "resolvable": true, "resolved": true}]},
				{"id": "d3", "notes": [{"id": 3, "system": true, "resolvable": false}]},
				{"id": "d4", "notes": [{"id": 4, "resolvable": false}]},
				{"id": "d5", "notes": [{"id": 5, "resolvable": true, "resolved": false}]}
			]`)
		},
	})

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
}

func TestPRStatusMerged(t *testing.T) {
	p := testProvider(t, route{
		"GET /api/v4/projects/acme/widgets/merge_requests/9": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, `{"iid": 9, "state": "merged", "sha": "def456", "target_branch": "main"}`)
		},
		"GET /api/v4/projects/acme/widgets/merge_requests/9/discussions": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, `[]`)
		},
	})

	status, err := p.PRStatus(t.Context(), 9)
	if err != nil {
		t.Fatalf("PRStatus: %v", err)
	}
	if !status.Merged || status.State != hosting.StateMerged {
		t.Errorf("got Merged=%v State=%q, want merged state", status.Merged, status.State)
	}
}

func TestPRStatusNotFound(t *testing.T) {
	p := testProvider(t, route{})

	_, err := p.PRStatus(t.Context(), 404)
	if !errors.Is(err, hosting.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBranchHead(t *testing.T) {
	p := testProvider(t, route{
		"GET /api/v4/projects/acme/widgets/repository/branches/stage/stage-001-001-001": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, `{"name": "stage/stage-001-001-001", "commit": {"id": "89ab"}}`)
		},
	})

	sha, err := p.BranchHead(t.Context(), "stage/stage-001-001-001")
	if err != nil {
		t.Fatalf("BranchHead: %v", err)
	}
	if sha != "89ab" {
		t.Errorf("sha = %q, want 89ab", sha)
	}
}

func TestEditPRBase(t *testing.T) {
	var updated map[string]any
	p := testProvider(t, route{
		"PUT /api/v4/projects/acme/widgets/merge_requests/5": func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
				t.Errorf("decode update body: %v", err)
			}
			writeJSON(t, w, `{"iid": 5}`)
		},
	})

	if err := p.EditPRBase(t.Context(), 5, "stage/stage-001-001-002"); err != nil {
		t.Fatalf("EditPRBase: %v", err)
	}
	if updated["target_branch"] != "stage/stage-001-001-002" {
		t.Errorf("update body target_branch = %v", updated["target_branch"])
	}
}

func TestMarkPRReadyStripsDraftTitle(t *testing.T) {
	var updated map[string]any
	p := testProvider(t, route{
		"GET /api/v4/projects/acme/widgets/merge_requests/5": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, `{"iid": 5, "state": "opened", "draft": true, "title": "Draft: Add parser"}`)
		},
		"PUT /api/v4/projects/acme/widgets/merge_requests/5": func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
				t.Errorf("decode update body: %v", err)
			}
			writeJSON(t, w, `{"iid": 5, "title": "Add parser"}`)
		},
	})

	if err := p.MarkPRReady(t.Context(), 5); err != nil {
		t.Fatalf("MarkPRReady: %v", err)
	}
	if updated["title"] != "Add parser" {
		t.Errorf("update body title = %v", updated["title"])
	}
}

func TestMarkPRReadySkipsNonDraft(t *testing.T) {
	p := testProvider(t, route{
		"GET /api/v4/projects/acme/widgets/merge_requests/5": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, `{"iid": 5, "state": "opened", "draft": false, "title": "Add parser"}`)
		},
		"PUT /api/v4/projects/acme/widgets/merge_requests/5": func(w http.ResponseWriter, r *http.Request) {
			t.Error("update should not be called for a non-draft MR")
		},
	})

	if err := p.MarkPRReady(t.Context(), 5); err != nil {
		t.Fatalf("MarkPRReady: %v", err)
	}
}

func TestStripDraftPrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Draft: Add parser", "Add parser"},
		{"Draft:Add parser", "Add parser"},
		{"WIP: Add parser", "Add parser"},
		{"[Draft] Add parser", "Add parser"},
		{"(Draft) Add parser", "Add parser"},
		{"Draft: WIP: Add parser", "Add parser"},
		{"Add parser", "Add parser"},
	}
	for _, tt := range tests {
		if got := stripDraftPrefix(tt.in); got != tt.want {
			t.Errorf("stripDraftPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProviderName(t *testing.T) {
	p := &Provider{owner: "group/sub", repo: "widgets"}
	if got := p.Name(); got != hosting.ProviderGitLab {
		t.Errorf("Name() = %q, want %q", got, hosting.ProviderGitLab)
	}
	owner, repo := p.OwnerRepo()
	if owner != "group/sub" || repo != "widgets" {
		t.Errorf("OwnerRepo() = (%q, %q)", owner, repo)
	}
}
