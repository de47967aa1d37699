package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/frontmatter"
	"github.com/pitboss-dev/pitboss/internal/hosting"
	"github.com/pitboss-dev/pitboss/internal/item"
	"github.com/pitboss-dev/pitboss/internal/lock"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
	"github.com/pitboss-dev/pitboss/internal/session"
)

// fakeHost serves canned PR and branch state. All Provider calls
// happen on the polling goroutine, so no locking is needed.
type fakeHost struct {
	prs           map[int]*hosting.PRStatus
	heads         map[string]string
	editBaseCalls []string
	markReadyNums []int
	failEditBase  bool
	failMarkReady bool
}

func (h *fakeHost) PRStatus(ctx context.Context, number int) (*hosting.PRStatus, error) {
	st, ok := h.prs[number]
	if !ok {
		return nil, hosting.ErrNotFound
	}
	return st, nil
}

func (h *fakeHost) BranchHead(ctx context.Context, branch string) (string, error) {
	head, ok := h.heads[branch]
	if !ok {
		return "", fmt.Errorf("branch %s: %w", branch, hosting.ErrNotFound)
	}
	return head, nil
}

func (h *fakeHost) EditPRBase(ctx context.Context, number int, base string) error {
	if h.failEditBase {
		return errors.New("edit base refused")
	}
	h.editBaseCalls = append(h.editBaseCalls, fmt.Sprintf("%d->%s", number, base))
	return nil
}

func (h *fakeHost) MarkPRReady(ctx context.Context, number int) error {
	if h.failMarkReady {
		return errors.New("mark ready refused")
	}
	h.markReadyNums = append(h.markReadyNums, number)
	return nil
}

func (h *fakeHost) CheckAuth(ctx context.Context) error { return nil }
func (h *fakeHost) Name() hosting.ProviderType          { return hosting.ProviderGitHub }
func (h *fakeHost) OwnerRepo() (string, string)         { return "acme", "widgets" }

// fakeLauncher records launched stages. Launch runs on the spawned
// goroutine, so access goes through the mutex.
type fakeLauncher struct {
	mu     sync.Mutex
	stages []*item.Stage
	err    error
}

func (l *fakeLauncher) Launch(ctx context.Context, stage *item.Stage, model string, env map[string]string) (*session.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stage)
	return &session.Result{}, l.err
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stages)
}

func (l *fakeLauncher) lastStage() *item.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.stages) == 0 {
		return nil
	}
	return l.stages[len(l.stages)-1]
}

func chainPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	pipe, err := pipeline.New(pipeline.Config{
		EntryPhase: "Build",
		Phases: []pipeline.Phase{
			{Name: "Build", Status: "Build", Skill: "phase-build", TransitionsTo: []string{"PR Created"}},
			{Name: "PR Created", Status: "PR Created", Skill: "phase-pr", TransitionsTo: []string{"Complete"}},
		},
	})
	require.NoError(t, err)
	return pipe
}

func writeItem(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type chainFixture struct {
	root      string
	database  *db.DB
	host      *fakeHost
	launcher  *fakeLauncher
	locker    *lock.Locker
	manager   *Manager
	childPath string
}

// newChainFixture builds a repo holding one draft child PR stacked on
// two unmerged parents, syncs it into an in-memory board and wires a
// manager against fake host and launcher.
func newChainFixture(t *testing.T, childStatus string) *chainFixture {
	t.Helper()
	root := t.TempDir()

	writeItem(t, root, "work/STAGE-001-001-002.md", `---
id: STAGE-001-001-002
ticket: TICKET-001-001
epic: EPIC-001
title: Child stage
status: `+childStatus+`
pr_url: https://github.com/acme/widgets/pull/7
pr_number: 7
is_draft: true
pending_merge_parents:
  - parent_stage_id: STAGE-001-001-001
    branch: stage/parent-a
    pr_url: https://github.com/acme/widgets/pull/11
  - parent_stage_id: STAGE-001-001-003
    branch: stage/parent-b
    pr_url: https://github.com/acme/widgets/pull/12
---
`)

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx))
	_, err = database.SyncFromRepo(ctx, root)
	require.NoError(t, err)

	host := &fakeHost{
		prs: map[int]*hosting.PRStatus{
			7:  {Number: 7, State: hosting.StateOpen, Draft: true},
			11: {Number: 11, State: hosting.StateOpen},
			12: {Number: 12, State: hosting.StateOpen},
		},
		heads: map[string]string{
			"stage/parent-a": "aaa1",
			"stage/parent-b": "bbb1",
		},
	}
	launcher := &fakeLauncher{}
	locker := lock.New()

	f := &chainFixture{
		root:      root,
		database:  database,
		host:      host,
		launcher:  launcher,
		locker:    locker,
		childPath: filepath.Join(root, "work/STAGE-001-001-002.md"),
	}
	f.manager = New(Options{
		DB:            database,
		Pipe:          chainPipeline(t),
		Host:          host,
		Locker:        locker,
		Launcher:      launcher,
		DefaultBranch: "main",
	})
	return f
}

// seedHeads runs one poll so every row holds a head baseline.
func (f *chainFixture) seedHeads(t *testing.T) {
	t.Helper()
	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)
}

func (f *chainFixture) row(t *testing.T, parentID string) *db.MergeParentRow {
	t.Helper()
	row, err := f.database.GetMergeParent(context.Background(), "STAGE-001-001-002", parentID)
	require.NoError(t, err)
	return row
}

func (f *chainFixture) requireUnlocked(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		locked, err := f.locker.IsLocked(f.childPath)
		return err == nil && !locked
	}, 2*time.Second, 10*time.Millisecond, "rebase session must release the child lock")
}

func TestPollWithoutHost(t *testing.T) {
	m := New(Options{Pipe: chainPipeline(t)})
	results, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestPollSeedsHeadBaseline(t *testing.T) {
	f := newChainFixture(t, "PR Created")

	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results, "first observation is a baseline, not an event")

	a := f.row(t, "STAGE-001-001-001")
	assert.Equal(t, "aaa1", a.LastKnownHead)
	assert.Empty(t, a.LastChecked, "seeding must not count as a check")

	b := f.row(t, "STAGE-001-001-003")
	assert.Equal(t, "bbb1", b.LastKnownHead)
	assert.Empty(t, b.LastChecked)
	assert.Zero(t, f.launcher.launched())
}

func TestPollQuietParentsProduceNothing(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)

	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	a := f.row(t, "STAGE-001-001-001")
	assert.Empty(t, a.LastChecked, "an unchanged head must not advance last_checked")
	assert.Zero(t, f.launcher.launched())
}

func TestPollHeadChangeSpawnsRebase(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)
	f.host.heads["stage/parent-a"] = "aaa2"

	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "STAGE-001-001-002", res.ChildStageID)
	assert.Equal(t, "STAGE-001-001-001", res.ParentStageID)
	assert.Equal(t, EventParentHeadChanged, res.Event)
	assert.True(t, res.RebaseSpawned)
	assert.False(t, res.Retargeted, "a head move alone never touches the PR base")

	a := f.row(t, "STAGE-001-001-001")
	assert.Equal(t, "aaa2", a.LastKnownHead)
	assert.NotEmpty(t, a.LastChecked)

	f.requireUnlocked(t)
	require.Equal(t, 1, f.launcher.launched())
	assert.Equal(t, "STAGE-001-001-002", f.launcher.lastStage().ID)
	assert.Empty(t, f.host.editBaseCalls)
}

func TestPollMergeRetargetsToRemainingParent(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)
	f.host.prs[11].Merged = true
	f.host.prs[11].State = hosting.StateMerged

	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, EventParentMerged, res.Event)
	assert.True(t, res.RebaseSpawned)
	assert.True(t, res.Retargeted)
	assert.False(t, res.Promoted, "one parent still open, no promotion yet")

	assert.True(t, f.row(t, "STAGE-001-001-001").IsMerged)
	assert.Equal(t, []string{"7->stage/parent-b"}, f.host.editBaseCalls)
	assert.Empty(t, f.host.markReadyNums)

	f.requireUnlocked(t)
	doc, err := frontmatter.Read(f.childPath)
	require.NoError(t, err)
	assert.True(t, doc.GetBool("is_draft"), "draft flag stays until the last parent lands")
}

func TestPollLastMergePromotesChild(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)
	ctx := context.Background()

	// Parent A already landed in an earlier poll.
	require.NoError(t, f.database.RecordParentMerged(ctx, f.row(t, "STAGE-001-001-001").ID))
	f.host.prs[12].Merged = true
	f.host.prs[12].State = hosting.StateMerged

	results, err := f.manager.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, EventParentMerged, res.Event)
	assert.Equal(t, "STAGE-001-001-003", res.ParentStageID)
	assert.True(t, res.Retargeted)
	assert.True(t, res.Promoted)

	assert.Equal(t, []string{"7->main"}, f.host.editBaseCalls)
	assert.Equal(t, []int{7}, f.host.markReadyNums)

	f.requireUnlocked(t)
	doc, err := frontmatter.Read(f.childPath)
	require.NoError(t, err)
	assert.False(t, doc.GetBool("is_draft"))
	var parents []item.MergeParent
	require.NoError(t, doc.DecodeKey("pending_merge_parents", &parents))
	assert.Empty(t, parents)
}

func TestPollConflictSkipsRebaseButRetargets(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)

	doc, err := frontmatter.Read(f.childPath)
	require.NoError(t, err)
	require.NoError(t, doc.Set("rebase_conflict", true))
	require.NoError(t, doc.Write())

	f.host.prs[11].Merged = true

	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, EventSkippedConflict, res.Event)
	assert.False(t, res.RebaseSpawned)
	assert.True(t, res.Retargeted, "retargeting is host-side and safe despite the conflict")
	assert.Zero(t, f.launcher.launched())
	assert.Equal(t, []string{"7->stage/parent-b"}, f.host.editBaseCalls)
}

func TestPollLockedChildSkipsRebase(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)
	require.NoError(t, f.locker.Acquire(f.childPath))
	f.host.heads["stage/parent-a"] = "aaa2"

	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, EventSkippedLocked, results[0].Event)
	assert.False(t, results[0].RebaseSpawned)
	assert.Zero(t, f.launcher.launched())

	locked, err := f.locker.IsLocked(f.childPath)
	require.NoError(t, err)
	assert.True(t, locked, "the running session keeps its lock")
}

func TestPollMissingChildFileSkipsRebase(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)
	require.NoError(t, os.Remove(f.childPath))
	f.host.prs[11].Merged = true

	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, EventSkippedNoFile, results[0].Event)
	assert.False(t, results[0].RebaseSpawned)
	assert.False(t, results[0].Retargeted, "no file means no PR number to retarget")
	assert.Zero(t, f.launcher.launched())
	assert.Empty(t, f.host.editBaseCalls)
}

func TestPollRetargetFailureSkipsPromotion(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)
	ctx := context.Background()

	require.NoError(t, f.database.RecordParentMerged(ctx, f.row(t, "STAGE-001-001-001").ID))
	f.host.prs[12].Merged = true
	f.host.failEditBase = true

	results, err := f.manager.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Retargeted)
	assert.False(t, results[0].Promoted)
	assert.Empty(t, f.host.markReadyNums)

	f.requireUnlocked(t)
	doc, err := frontmatter.Read(f.childPath)
	require.NoError(t, err)
	assert.True(t, doc.GetBool("is_draft"), "a failed retarget leaves the draft untouched")
}

func TestPollPromoteFailureSkipsRewrite(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)
	ctx := context.Background()

	require.NoError(t, f.database.RecordParentMerged(ctx, f.row(t, "STAGE-001-001-001").ID))
	f.host.prs[12].Merged = true
	f.host.failMarkReady = true

	results, err := f.manager.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, results[0].Retargeted)
	assert.False(t, results[0].Promoted)

	f.requireUnlocked(t)
	doc, err := frontmatter.Read(f.childPath)
	require.NoError(t, err)
	assert.True(t, doc.GetBool("is_draft"))
	var parents []item.MergeParent
	require.NoError(t, doc.DecodeKey("pending_merge_parents", &parents))
	assert.Len(t, parents, 2, "pending parents survive until promotion succeeds")
}

func TestPollObserveOnlyWithoutLauncher(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)

	observer := New(Options{
		DB:            f.database,
		Pipe:          chainPipeline(t),
		Host:          f.host,
		DefaultBranch: "main",
	})
	f.host.prs[11].Merged = true

	results, err := observer.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, EventParentMerged, res.Event)
	assert.False(t, res.RebaseSpawned)
	assert.False(t, res.Retargeted)
	assert.True(t, f.row(t, "STAGE-001-001-001").IsMerged, "bookkeeping still advances")
	assert.Empty(t, f.host.editBaseCalls)
}

func TestPollSpawnErrorReleasesLock(t *testing.T) {
	f := newChainFixture(t, "PR Created")
	f.seedHeads(t)
	f.launcher.err = errors.New("worktree add failed")
	f.host.heads["stage/parent-b"] = "bbb2"

	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].RebaseSpawned)

	f.requireUnlocked(t)
}

func TestPollIgnoresNonReviewableChild(t *testing.T) {
	f := newChainFixture(t, "Build")
	f.host.prs[11].Merged = true

	results, err := f.manager.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results, "chain polling only watches stages sitting in review")
	assert.Zero(t, f.launcher.launched())
}
