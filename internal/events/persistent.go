package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pitboss-dev/pitboss/internal/db"
)

const (
	// Buffer flushes when it reaches this size.
	bufferSizeThreshold = 10
	// And automatically on this interval.
	flushInterval = 5 * time.Second
)

// PersistentPublisher wraps a MemoryPublisher and appends every event
// to the board's event log. Subscribers get real-time delivery; the
// log write is buffered and best-effort.
type PersistentPublisher struct {
	inner     *MemoryPublisher
	db        *db.DB
	source    string
	buffer    []*db.EventLogRow
	last      *db.EventLogRow
	bufferMu  sync.Mutex
	ticker    *time.Ticker
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPersistentPublisher creates a publisher persisting into database.
// Source labels where events originate ("orchestrator", "api").
func NewPersistentPublisher(database *db.DB, source string, logger *slog.Logger, opts ...PublisherOption) *PersistentPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PersistentPublisher{
		inner:  NewMemoryPublisher(opts...),
		db:     database,
		source: source,
		buffer: make([]*db.EventLogRow, 0, bufferSizeThreshold),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	p.ticker = time.NewTicker(flushInterval)
	p.wg.Add(1)
	go p.flushLoop()
	return p
}

// Publish broadcasts to subscribers, then buffers the log row.
func (p *PersistentPublisher) Publish(event Event) {
	p.inner.Publish(event)
	if p.db == nil {
		return
	}

	row := eventToRow(event, p.source)

	p.bufferMu.Lock()
	if sameRow(p.last, row) {
		p.bufferMu.Unlock()
		return
	}
	p.last = row
	p.buffer = append(p.buffer, row)
	shouldFlush := len(p.buffer) >= bufferSizeThreshold
	p.bufferMu.Unlock()

	if shouldFlush {
		p.flush()
	}
}

// Subscribe returns a channel of events for the stage.
func (p *PersistentPublisher) Subscribe(stageID string) <-chan Event {
	return p.inner.Subscribe(stageID)
}

// Unsubscribe removes a subscription.
func (p *PersistentPublisher) Unsubscribe(stageID string, ch <-chan Event) {
	p.inner.Unsubscribe(stageID, ch)
}

// Close flushes the buffer and shuts the publisher down. Idempotent.
func (p *PersistentPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.ticker.Stop()
		p.wg.Wait()
		p.flush()
		p.inner.Close()
	})
}

// Flush forces buffered rows out; exposed for tests and shutdown paths
// that cannot wait for the ticker.
func (p *PersistentPublisher) Flush() {
	p.flush()
}

func (p *PersistentPublisher) flushLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ticker.C:
			p.flush()
		case <-p.stopCh:
			return
		}
	}
}

func (p *PersistentPublisher) flush() {
	p.bufferMu.Lock()
	if len(p.buffer) == 0 {
		p.bufferMu.Unlock()
		return
	}
	toFlush := p.buffer
	p.buffer = make([]*db.EventLogRow, 0, bufferSizeThreshold)
	p.bufferMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.db.AppendEvents(ctx, toFlush); err != nil {
		// Log and drop rather than retry; the log is advisory and the
		// buffer must not grow without bound.
		p.logger.Error("event log write failed", "error", err, "count", len(toFlush))
	}
}

func eventToRow(e Event, source string) *db.EventLogRow {
	payload := ""
	if e.Data != nil {
		if b, err := json.Marshal(e.Data); err == nil {
			payload = string(b)
		}
	}
	createdAt := ""
	if !e.Time.IsZero() {
		createdAt = e.Time.UTC().Format(time.RFC3339)
	}
	return &db.EventLogRow{
		StageID:   e.StageID,
		EventType: string(e.Type),
		Source:    source,
		Payload:   payload,
		CreatedAt: createdAt,
	}
}

// sameRow suppresses immediate duplicates, which show up when a tick
// re-observes an unchanged condition. A repeat with a later timestamp
// is a fresh occurrence and still persists.
func sameRow(a, b *db.EventLogRow) bool {
	if a == nil || b == nil {
		return false
	}
	return a.StageID == b.StageID && a.EventType == b.EventType &&
		a.Payload == b.Payload && a.CreatedAt == b.CreatedAt
}
