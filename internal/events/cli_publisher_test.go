package events

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIPublisherRendersLifecycle(t *testing.T) {
	var buf bytes.Buffer
	pub := NewCLIPublisher(&buf)

	pub.Publish(NewEvent(EventStageSpawned, "STAGE-001-001-002", SpawnData{
		Skill:         "phase-build",
		WorktreeIndex: 3,
	}))
	pub.Publish(NewEvent(EventStageExited, "STAGE-001-001-002", ExitData{
		Outcome:      OutcomeCompleted,
		StatusBefore: "Build",
		StatusAfter:  "PR Created",
		Duration:     "1m23s",
		CostUSD:      0.42,
	}))
	pub.Publish(NewEvent(EventTransition, "STAGE-001-001-002", TransitionData{
		From:   "PR Created",
		To:     "Addressing Comments",
		Source: "comment_poll",
	}))

	out := buf.String()
	assert.Contains(t, out, "STAGE-001-001-002  phase-build [worktree 3]")
	assert.Contains(t, out, "Build -> PR Created in 1m23s ($0.42)")
	assert.Contains(t, out, "PR Created -> Addressing Comments (comment_poll)")
}

func TestCLIPublisherRendersFailures(t *testing.T) {
	var buf bytes.Buffer
	pub := NewCLIPublisher(&buf)

	pub.Publish(NewEvent(EventStageExited, "STAGE-001-001-002", ExitData{
		Outcome:  OutcomeCrashed,
		ExitCode: 7,
	}))
	pub.Publish(NewEvent(EventError, "", ErrorData{Message: "board sync failed"}))

	out := buf.String()
	assert.Contains(t, out, "crashed (exit 7)")
	assert.Contains(t, out, "board sync failed")
}

func TestCLIPublisherQuietByDefault(t *testing.T) {
	var buf bytes.Buffer
	pub := NewCLIPublisher(&buf)

	pub.Publish(NewEvent(EventBoardSynced, "", SyncData{Stages: 3, Tickets: 2, Epics: 1}))
	pub.Publish(NewEvent(EventChainUpdate, "STAGE-001-001-002", ChainData{
		ParentStageID: "STAGE-001-001-001",
		Event:         "parent_merged",
	}))

	assert.Empty(t, buf.String(), "sync and chain chatter needs verbose mode")
}

func TestCLIPublisherVerboseShowsChainAndSync(t *testing.T) {
	var buf bytes.Buffer
	pub := NewCLIPublisher(&buf, WithVerbose(true))

	pub.Publish(NewEvent(EventBoardSynced, "", SyncData{Stages: 3, Tickets: 2, Epics: 1}))
	pub.Publish(NewEvent(EventChainUpdate, "STAGE-001-001-002", ChainData{
		ParentStageID: "STAGE-001-001-001",
		Event:         "parent_merged",
		RebaseSpawned: true,
	}))

	out := buf.String()
	assert.Contains(t, out, "board synced: 3 stages, 2 tickets, 1 epics")
	assert.Contains(t, out, "parent_merged")
	assert.Contains(t, out, "rebase spawned")
}

func TestCLIPublisherFansOutToInner(t *testing.T) {
	inner := NewMemoryPublisher()
	var buf bytes.Buffer
	pub := NewCLIPublisher(&buf, WithInnerPublisher(inner))
	defer pub.Close()

	ch := pub.Subscribe(GlobalStageID)
	pub.Publish(NewEvent(EventStageSpawned, "STAGE-001-001-002", SpawnData{Skill: "phase-build"}))

	got := recv(t, ch)
	assert.Equal(t, EventStageSpawned, got.Type)
	assert.True(t, strings.Contains(buf.String(), "phase-build"))
}

func TestCLIPublisherWithoutInnerReturnsClosedSubscription(t *testing.T) {
	var buf bytes.Buffer
	pub := NewCLIPublisher(&buf)

	ch := pub.Subscribe("STAGE-001-001-002")
	_, open := <-ch
	require.False(t, open)
}
