// Package events fans stage lifecycle notifications out to the
// websocket feed, the terminal and the event log. Publishers are
// stage-keyed; subscribing to GlobalStageID receives everything.
package events

import (
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// EventStageSpawned fires when a worker session starts on a stage.
	EventStageSpawned EventType = "stage_spawned"
	// EventStageExited fires when a worker session finishes.
	EventStageExited EventType = "stage_exited"
	// EventTransition fires when a stage's status changes, whatever
	// wrote it (worker exit, resolver, comment poll).
	EventTransition EventType = "transition"
	// EventBoardSynced fires after a repo scan rebuilt the board.
	EventBoardSynced EventType = "board_synced"
	// EventChainUpdate fires for each merge chain observation.
	EventChainUpdate EventType = "chain_update"
	// EventInsightsDue fires when enough stages completed since the
	// last insights pass.
	EventInsightsDue EventType = "insights_due"
	// EventError reports a non-fatal orchestrator error.
	EventError EventType = "error"
)

// Event is one published notification. StageID is empty for events
// that concern the whole board.
type Event struct {
	Type    EventType `json:"type"`
	StageID string    `json:"stage_id,omitempty"`
	Data    any       `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType EventType, stageID string, data any) Event {
	return Event{
		Type:    eventType,
		StageID: stageID,
		Data:    data,
		Time:    time.Now(),
	}
}

// SpawnData describes a started worker session.
type SpawnData struct {
	Skill         string `json:"skill"`
	WorktreeIndex int    `json:"worktree_index"`
	WorktreePath  string `json:"worktree_path,omitempty"`
	LogPath       string `json:"log_path,omitempty"`
}

// Worker exit outcomes.
const (
	OutcomeCompleted    = "completed"
	OutcomeNoChange     = "no_change"
	OutcomeCrashed      = "crashed"
	OutcomeSessionError = "session_error"
)

// ExitData describes a finished worker session.
type ExitData struct {
	Outcome      string  `json:"outcome"`
	ExitCode     int     `json:"exit_code"`
	StatusBefore string  `json:"status_before"`
	StatusAfter  string  `json:"status_after"`
	Duration     string  `json:"duration,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// TransitionData describes a status change on a stage file.
type TransitionData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Source string `json:"source,omitempty"`
}

// SyncData summarises one board rebuild.
type SyncData struct {
	Stages  int `json:"stages"`
	Tickets int `json:"tickets"`
	Epics   int `json:"epics"`
	Skipped int `json:"skipped,omitempty"`
}

// ChainData describes one merge chain observation on a child stage.
type ChainData struct {
	ParentStageID string `json:"parent_stage_id"`
	Event         string `json:"event"`
	RebaseSpawned bool   `json:"rebase_spawned,omitempty"`
	Retargeted    bool   `json:"retargeted,omitempty"`
	Promoted      bool   `json:"promoted,omitempty"`
}

// InsightsData carries the completion counter that tripped the
// insights threshold.
type InsightsData struct {
	CompletedCount int `json:"completed_count"`
	Threshold      int `json:"threshold"`
}

// ErrorData reports a non-fatal error tied to a stage or the loop.
type ErrorData struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}
