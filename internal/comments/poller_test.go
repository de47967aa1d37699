package comments

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/frontmatter"
	"github.com/pitboss-dev/pitboss/internal/gate"
	"github.com/pitboss-dev/pitboss/internal/hosting"
	"github.com/pitboss-dev/pitboss/internal/lock"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
)

type fakeHost struct {
	statuses map[int]*hosting.PRStatus
	err      error
}

func (f *fakeHost) PRStatus(ctx context.Context, number int) (*hosting.PRStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	st, ok := f.statuses[number]
	if !ok {
		return nil, hosting.ErrNotFound
	}
	return st, nil
}

func (f *fakeHost) BranchHead(context.Context, string) (string, error) { return "", nil }
func (f *fakeHost) EditPRBase(context.Context, int, string) error      { return nil }
func (f *fakeHost) MarkPRReady(context.Context, int) error             { return nil }
func (f *fakeHost) CheckAuth(context.Context) error                    { return nil }
func (f *fakeHost) Name() hosting.ProviderType                         { return "fake" }
func (f *fakeHost) OwnerRepo() (string, string)                        { return "acme", "widgets" }

func writeItem(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type pollerFixture struct {
	root      string
	database  *db.DB
	host      *fakeHost
	poller    *Poller
	stagePath string
}

// newPollerFixture wires a poller against a repo holding one stage in
// PR Created, backed by an in-memory board and the real exit gate so a
// fired transition propagates into the ticket file.
func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	root := t.TempDir()

	writeItem(t, root, "work/TICKET-001-001.md", `---
id: TICKET-001-001
epic: EPIC-001
title: First ticket
status: In Progress
stage_statuses:
  STAGE-001-001-001: PR Created
---
`)
	writeItem(t, root, "work/STAGE-001-001-001.md", `---
id: STAGE-001-001-001
ticket: TICKET-001-001
epic: EPIC-001
title: Reviewed stage
status: PR Created
pr_url: https://github.com/acme/widgets/pull/7
pr_number: 7
---
`)

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx))
	_, err = database.SyncFromRepo(ctx, root)
	require.NoError(t, err)

	host := &fakeHost{statuses: map[int]*hosting.PRStatus{
		7: {Number: 7, State: hosting.StateOpen},
	}}

	f := &pollerFixture{
		root:      root,
		database:  database,
		host:      host,
		stagePath: filepath.Join(root, "work/STAGE-001-001-001.md"),
	}
	f.poller = NewPoller(database, host, gate.New(root, database, database, nil), nil)
	return f
}

func (f *pollerFixture) stageStatus(t *testing.T) string {
	t.Helper()
	doc, err := frontmatter.Read(f.stagePath)
	require.NoError(t, err)
	status, _ := doc.GetString("status")
	return status
}

func (f *pollerFixture) watermark(t *testing.T) int {
	t.Helper()
	w, err := f.database.GetCommentWatermark(context.Background(), "STAGE-001-001-001")
	require.NoError(t, err)
	return w.UnresolvedCount
}

func TestPollFiresOnNewComments(t *testing.T) {
	f := newPollerFixture(t)
	f.host.statuses[7].UnresolvedCount = 2

	fired, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	assert.Equal(t, pipeline.StatusAddressingComments, f.stageStatus(t))
	assert.Equal(t, 2, f.watermark(t))

	// The exit gate carried the transition into the ticket map and the
	// resync refreshed the board projection.
	doc, err := frontmatter.Read(filepath.Join(f.root, "work/TICKET-001-001.md"))
	require.NoError(t, err)
	statuses := doc.GetStringMap("stage_statuses")
	assert.Equal(t, pipeline.StatusAddressingComments, statuses["STAGE-001-001-001"])

	row, err := f.database.GetStage(context.Background(), "STAGE-001-001-001")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAddressingComments, row.Status)
}

func TestPollSteadyStateDoesNotRefire(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	f.host.statuses[7].UnresolvedCount = 2
	require.NoError(t, f.database.SetCommentWatermark(ctx, "STAGE-001-001-001",
		"https://github.com/acme/widgets/pull/7", 2))

	fired, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired, "an already seen count must not fire again")
	assert.Equal(t, "PR Created", f.stageStatus(t))
}

func TestPollTracksShrinkingCount(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.database.SetCommentWatermark(ctx, "STAGE-001-001-001",
		"https://github.com/acme/widgets/pull/7", 5))

	// Reviewers resolved down to 2; no new feedback, watermark follows.
	f.host.statuses[7].UnresolvedCount = 2
	fired, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, 2, f.watermark(t))

	// One fresh comment on top of the lowered mark fires.
	f.host.statuses[7].UnresolvedCount = 3
	fired, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestPollSkipsLockedStageAndFiresAfterRelease(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	f.host.statuses[7].UnresolvedCount = 2

	locker := lock.New()
	require.NoError(t, locker.Acquire(f.stagePath))

	fired, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, "PR Created", f.stageStatus(t))
	assert.Zero(t, f.watermark(t), "a skipped stage keeps its watermark so the poll can fire later")

	require.NoError(t, locker.Release(f.stagePath))
	fired, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestPollIgnoresMergedPR(t *testing.T) {
	f := newPollerFixture(t)
	f.host.statuses[7].Merged = true
	f.host.statuses[7].UnresolvedCount = 4

	fired, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired, "merged PRs are routed by the pr-status resolver")
	assert.Equal(t, "PR Created", f.stageStatus(t))
}

func TestPollSkipsStageWhoseFileMovedOn(t *testing.T) {
	f := newPollerFixture(t)
	f.host.statuses[7].UnresolvedCount = 2

	// The file advanced since the last sync; the projection is stale.
	doc, err := frontmatter.Read(f.stagePath)
	require.NoError(t, err)
	require.NoError(t, doc.Set("status", "Build"))
	require.NoError(t, doc.Write())

	fired, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, "Build", f.stageStatus(t))
}

func TestPollWithoutHost(t *testing.T) {
	f := newPollerFixture(t)
	p := NewPoller(f.database, nil, nil, nil)

	fired, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestPollHostErrorFailsSoft(t *testing.T) {
	f := newPollerFixture(t)
	f.host.err = context.DeadlineExceeded

	fired, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, "PR Created", f.stageStatus(t))
}
