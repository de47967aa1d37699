package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestNewEventStampsTime(t *testing.T) {
	before := time.Now()
	ev := NewEvent(EventTransition, "STAGE-001-001-001", TransitionData{From: "Build", To: "PR Created"})
	after := time.Now()

	assert.Equal(t, EventTransition, ev.Type)
	assert.Equal(t, "STAGE-001-001-001", ev.StageID)
	assert.False(t, ev.Time.Before(before))
	assert.False(t, ev.Time.After(after))
}

func TestMemoryPublisherDeliversToStageSubscriber(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("STAGE-001-001-001")
	other := pub.Subscribe("STAGE-001-001-002")

	pub.Publish(NewEvent(EventStageSpawned, "STAGE-001-001-001", SpawnData{Skill: "phase-build"}))

	got := recv(t, ch)
	assert.Equal(t, EventStageSpawned, got.Type)
	data, ok := got.Data.(SpawnData)
	require.True(t, ok)
	assert.Equal(t, "phase-build", data.Skill)

	select {
	case ev := <-other:
		t.Fatalf("subscriber of another stage received %v", ev)
	default:
	}
}

func TestMemoryPublisherGlobalSubscriberSeesEverything(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	all := pub.Subscribe(GlobalStageID)

	pub.Publish(NewEvent(EventStageSpawned, "STAGE-001-001-001", nil))
	pub.Publish(NewEvent(EventBoardSynced, "", SyncData{Stages: 3}))

	first := recv(t, all)
	second := recv(t, all)
	assert.Equal(t, EventStageSpawned, first.Type)
	assert.Equal(t, EventBoardSynced, second.Type)
}

func TestMemoryPublisherDropsWhenBufferFull(t *testing.T) {
	pub := NewMemoryPublisher(WithBufferSize(1))
	defer pub.Close()

	ch := pub.Subscribe("STAGE-001-001-001")

	// Nobody reading; the second publish must not block.
	done := make(chan struct{})
	go func() {
		pub.Publish(NewEvent(EventTransition, "STAGE-001-001-001", nil))
		pub.Publish(NewEvent(EventTransition, "STAGE-001-001-001", nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestMemoryPublisherUnsubscribeClosesChannel(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("STAGE-001-001-001")
	assert.Equal(t, 1, pub.SubscriberCount("STAGE-001-001-001"))

	pub.Unsubscribe("STAGE-001-001-001", ch)
	assert.Zero(t, pub.SubscriberCount("STAGE-001-001-001"))

	_, open := <-ch
	assert.False(t, open)
}

func TestMemoryPublisherCloseClosesAllAndDropsLater(t *testing.T) {
	pub := NewMemoryPublisher()
	ch := pub.Subscribe("STAGE-001-001-001")

	pub.Close()
	_, open := <-ch
	assert.False(t, open)

	// Safe after close.
	pub.Publish(NewEvent(EventError, "", ErrorData{Message: "late"}))
	pub.Close()

	late := pub.Subscribe("STAGE-001-001-001")
	_, open = <-late
	assert.False(t, open, "subscriptions after close are born closed")
}

func TestNopPublisher(t *testing.T) {
	pub := NewNopPublisher()
	defer pub.Close()

	pub.Publish(NewEvent(EventTransition, "STAGE-001-001-001", nil))
	ch := pub.Subscribe("STAGE-001-001-001")
	_, open := <-ch
	assert.False(t, open)
	pub.Unsubscribe("STAGE-001-001-001", ch)
}
