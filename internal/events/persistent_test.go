package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitboss-dev/pitboss/internal/db"
)

func eventsTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, d.Migrate(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestPersistentPublisherRoundTrip(t *testing.T) {
	database := eventsTestDB(t)
	pub := NewPersistentPublisher(database, "orchestrator", nil)
	defer pub.Close()

	ch := pub.Subscribe("STAGE-001-001-001")

	pub.Publish(NewEvent(EventStageSpawned, "STAGE-001-001-001", SpawnData{Skill: "phase-build", WorktreeIndex: 1}))
	pub.Publish(NewEvent(EventTransition, "STAGE-001-001-001", TransitionData{From: "Build", To: "PR Created"}))

	// Real-time delivery is independent of the flush.
	got := recv(t, ch)
	assert.Equal(t, EventStageSpawned, got.Type)

	pub.Flush()
	rows, err := database.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "stage_spawned", rows[0].EventType)
	assert.Equal(t, "orchestrator", rows[0].Source)
	assert.Contains(t, rows[0].Payload, `"skill":"phase-build"`)
	assert.Equal(t, "transition", rows[1].EventType)
	assert.NotEmpty(t, rows[0].CreatedAt)
}

func TestPersistentPublisherSuppressesImmediateDuplicates(t *testing.T) {
	database := eventsTestDB(t)
	pub := NewPersistentPublisher(database, "test", nil)
	defer pub.Close()

	fixed := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	ev := Event{
		Type:    EventTransition,
		StageID: "STAGE-001-001-001",
		Data:    TransitionData{From: "Build", To: "PR Created"},
		Time:    fixed,
	}
	pub.Publish(ev)
	pub.Publish(ev)
	pub.Publish(ev)

	pub.Flush()
	rows, err := database.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "identical repeats collapse to one row")

	// Same content later is a fresh occurrence.
	later := ev
	later.Time = fixed.Add(time.Minute)
	pub.Publish(later)
	pub.Flush()
	rows, err = database.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPersistentPublisherFlushesOnThreshold(t *testing.T) {
	database := eventsTestDB(t)
	pub := NewPersistentPublisher(database, "test", nil)
	defer pub.Close()

	for i := 0; i < bufferSizeThreshold; i++ {
		pub.Publish(NewEvent(EventTransition, fmt.Sprintf("STAGE-001-001-%03d", i), nil))
	}

	// No explicit flush; the threshold emptied the buffer.
	rows, err := database.RecentEvents(context.Background(), bufferSizeThreshold*2)
	require.NoError(t, err)
	assert.Len(t, rows, bufferSizeThreshold)
}

func TestPersistentPublisherCloseFlushesRemainder(t *testing.T) {
	database := eventsTestDB(t)
	pub := NewPersistentPublisher(database, "test", nil)

	pub.Publish(NewEvent(EventBoardSynced, "", SyncData{Stages: 1}))
	pub.Close()
	pub.Close()

	rows, err := database.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "board_synced", rows[0].EventType)
}

func TestPersistentPublisherWithoutDatabaseStillBroadcasts(t *testing.T) {
	pub := NewPersistentPublisher(nil, "test", nil)
	defer pub.Close()

	ch := pub.Subscribe(GlobalStageID)
	pub.Publish(NewEvent(EventError, "", ErrorData{Message: "boom"}))
	got := recv(t, ch)
	assert.Equal(t, EventError, got.Type)
}
