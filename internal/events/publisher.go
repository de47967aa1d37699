package events

import (
	"sync"
)

// GlobalStageID subscribes to every stage's events.
const GlobalStageID = "*"

// Publisher is the event fan-out surface.
type Publisher interface {
	// Publish sends an event to the stage's subscribers and to global
	// subscribers. It never blocks.
	Publish(event Event)
	// Subscribe returns a channel receiving events for one stage, or
	// for all stages when id is GlobalStageID.
	Subscribe(stageID string) <-chan Event
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(stageID string, ch <-chan Event)
	// Close shuts the publisher down and closes every subscription.
	Close()
}

// MemoryPublisher is the in-process Publisher.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets each subscriber channel's buffer.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers to the stage's subscribers and the global ones. A
// subscriber whose buffer is full misses the event; a slow websocket
// must never stall the orchestration loop.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.StageID] {
		select {
		case ch <- event:
		default:
		}
	}
	if event.StageID != GlobalStageID {
		for _, ch := range p.subscribers[GlobalStageID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a buffered channel of events for the stage.
func (p *MemoryPublisher) Subscribe(stageID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[stageID] = append(p.subscribers[stageID], ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (p *MemoryPublisher) Unsubscribe(stageID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[stageID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[stageID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[stageID]) == 0 {
		delete(p.subscribers, stageID)
	}
}

// Close closes every subscription channel. Publishes after Close are
// dropped.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for stageID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, stageID)
	}
}

// SubscriberCount returns the number of subscribers for a stage.
func (p *MemoryPublisher) SubscriberCount(stageID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[stageID])
}

// NopPublisher drops everything; used when events are disabled.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Publish(event Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(stageID string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (p *NopPublisher) Unsubscribe(stageID string, ch <-chan Event) {}

func (p *NopPublisher) Close() {}
