package events

// PublishHelper wraps a Publisher with nil-safety and convenience
// constructors for the common event shapes. Every method is a no-op on
// a nil helper or nil publisher, so callers never guard.
type PublishHelper struct {
	publisher Publisher
}

// NewPublishHelper wraps p; a nil p disables publishing.
func NewPublishHelper(p Publisher) *PublishHelper {
	return &PublishHelper{publisher: p}
}

// Publish sends an event to the underlying publisher.
func (h *PublishHelper) Publish(ev Event) {
	if h == nil || h.publisher == nil {
		return
	}
	h.publisher.Publish(ev)
}

// StageSpawned announces a started worker session.
func (h *PublishHelper) StageSpawned(stageID string, d SpawnData) {
	h.Publish(NewEvent(EventStageSpawned, stageID, d))
}

// StageExited announces a finished worker session.
func (h *PublishHelper) StageExited(stageID string, d ExitData) {
	h.Publish(NewEvent(EventStageExited, stageID, d))
}

// Transition announces a status change.
func (h *PublishHelper) Transition(stageID, from, to, source string) {
	h.Publish(NewEvent(EventTransition, stageID, TransitionData{
		From:   from,
		To:     to,
		Source: source,
	}))
}

// BoardSynced announces a completed board rebuild.
func (h *PublishHelper) BoardSynced(d SyncData) {
	h.Publish(NewEvent(EventBoardSynced, "", d))
}

// ChainUpdate announces a merge chain observation on a child stage.
func (h *PublishHelper) ChainUpdate(childStageID string, d ChainData) {
	h.Publish(NewEvent(EventChainUpdate, childStageID, d))
}

// InsightsDue announces that the insights threshold tripped.
func (h *PublishHelper) InsightsDue(d InsightsData) {
	h.Publish(NewEvent(EventInsightsDue, "", d))
}

// Error reports a non-fatal error, tied to a stage when stageID is
// not empty.
func (h *PublishHelper) Error(stageID, message string) {
	h.Publish(NewEvent(EventError, stageID, ErrorData{Message: message}))
}
