package events

import (
	"fmt"
	"io"
	"sync"
)

// CLIPublisher renders events as one-line terminal output for the run
// command, fanning everything out to an inner publisher so the
// websocket feed sees the same stream.
type CLIPublisher struct {
	inner   Publisher
	out     io.Writer
	mu      sync.Mutex
	verbose bool
}

// CLIPublisherOption configures a CLIPublisher.
type CLIPublisherOption func(*CLIPublisher)

// WithInnerPublisher sets an inner publisher to fan out events to.
func WithInnerPublisher(p Publisher) CLIPublisherOption {
	return func(c *CLIPublisher) {
		c.inner = p
	}
}

// WithVerbose also prints board syncs and chain observations.
func WithVerbose(enabled bool) CLIPublisherOption {
	return func(c *CLIPublisher) {
		c.verbose = enabled
	}
}

// NewCLIPublisher creates a publisher that writes to the given writer.
func NewCLIPublisher(out io.Writer, opts ...CLIPublisherOption) *CLIPublisher {
	p := &CLIPublisher{out: out}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish renders the event and fans it out.
func (p *CLIPublisher) Publish(event Event) {
	if p.inner != nil {
		p.inner.Publish(event)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Type {
	case EventStageSpawned:
		if d, ok := event.Data.(SpawnData); ok {
			fmt.Fprintf(p.out, "▶ %s  %s [worktree %d]\n", event.StageID, d.Skill, d.WorktreeIndex)
		}
	case EventStageExited:
		if d, ok := event.Data.(ExitData); ok {
			p.printExit(event.StageID, d)
		}
	case EventTransition:
		if d, ok := event.Data.(TransitionData); ok {
			source := d.Source
			if source == "" {
				source = "worker"
			}
			fmt.Fprintf(p.out, "• %s  %s -> %s (%s)\n", event.StageID, d.From, d.To, source)
		}
	case EventInsightsDue:
		if d, ok := event.Data.(InsightsData); ok {
			fmt.Fprintf(p.out, "★ insights due: %d stages completed (threshold %d)\n", d.CompletedCount, d.Threshold)
		}
	case EventError:
		if d, ok := event.Data.(ErrorData); ok {
			if event.StageID != "" {
				fmt.Fprintf(p.out, "✗ %s  %s\n", event.StageID, d.Message)
			} else {
				fmt.Fprintf(p.out, "✗ %s\n", d.Message)
			}
		}
	case EventBoardSynced:
		if !p.verbose {
			return
		}
		if d, ok := event.Data.(SyncData); ok {
			fmt.Fprintf(p.out, "  board synced: %d stages, %d tickets, %d epics\n", d.Stages, d.Tickets, d.Epics)
		}
	case EventChainUpdate:
		if !p.verbose {
			return
		}
		if d, ok := event.Data.(ChainData); ok {
			extra := ""
			if d.RebaseSpawned {
				extra = ", rebase spawned"
			}
			if d.Promoted {
				extra += ", promoted"
			}
			fmt.Fprintf(p.out, "  chain %s  %s (%s%s)\n", event.StageID, d.Event, d.ParentStageID, extra)
		}
	}
}

func (p *CLIPublisher) printExit(stageID string, d ExitData) {
	suffix := ""
	if d.Duration != "" {
		suffix = " in " + d.Duration
	}
	if d.CostUSD > 0 {
		suffix += fmt.Sprintf(" ($%.2f)", d.CostUSD)
	}
	switch d.Outcome {
	case OutcomeCompleted:
		fmt.Fprintf(p.out, "✓ %s  %s -> %s%s\n", stageID, d.StatusBefore, d.StatusAfter, suffix)
	case OutcomeNoChange:
		fmt.Fprintf(p.out, "· %s  finished without a status change%s\n", stageID, suffix)
	case OutcomeCrashed:
		fmt.Fprintf(p.out, "✗ %s  crashed (exit %d)%s\n", stageID, d.ExitCode, suffix)
	case OutcomeSessionError:
		fmt.Fprintf(p.out, "✗ %s  session error%s\n", stageID, suffix)
	default:
		fmt.Fprintf(p.out, "· %s  exited (%d)%s\n", stageID, d.ExitCode, suffix)
	}
}

// Subscribe delegates to the inner publisher.
func (p *CLIPublisher) Subscribe(stageID string) <-chan Event {
	if p.inner != nil {
		return p.inner.Subscribe(stageID)
	}
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe delegates to the inner publisher.
func (p *CLIPublisher) Unsubscribe(stageID string, ch <-chan Event) {
	if p.inner != nil {
		p.inner.Unsubscribe(stageID, ch)
	}
}

// Close delegates to the inner publisher.
func (p *CLIPublisher) Close() {
	if p.inner != nil {
		p.inner.Close()
	}
}
