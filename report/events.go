// Package report is the stats and reporting sink of a dedupe run. The
// engine publishes typed events on a Bus; subscribers turn them into log
// lines, counters and a summary file.
package report

import (
	"sync"
	"time"
)

// EventType represents the type of dedupe event.
type EventType int

const (
	EventRunStart EventType = iota
	EventRunEnd
	EventRunAborted
	EventFileIndexed
	EventCollision
	EventRegionRejected
	EventWouldDedupe
	EventDeduplicated
	EventPartial
	EventRegionFailed
	EventHolesPunched
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventRunStart:
		return "run_start"
	case EventRunEnd:
		return "run_end"
	case EventRunAborted:
		return "run_aborted"
	case EventFileIndexed:
		return "file_indexed"
	case EventCollision:
		return "collision"
	case EventRegionRejected:
		return "region_rejected"
	case EventWouldDedupe:
		return "would_dedupe"
	case EventDeduplicated:
		return "deduplicated"
	case EventPartial:
		return "partially_deduplicated"
	case EventRegionFailed:
		return "region_failed"
	case EventHolesPunched:
		return "holes_punched"
	default:
		return "unknown"
	}
}

// Event is a typed event published on the bus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// RunStartPayload is the payload for EventRunStart.
type RunStartPayload struct {
	Root   string
	Mode   string
	Fstype string
}

// RunEndPayload is the payload for EventRunEnd.
type RunEndPayload struct {
	Summary Summary
}

// RunAbortedPayload is the payload for EventRunAborted.
type RunAbortedPayload struct {
	Error   error
	Summary Summary
}

// FileIndexedPayload is the payload for EventFileIndexed.
type FileIndexedPayload struct {
	Path       string
	Size       int64
	Blocks     int64
	ZeroBlocks int64
	Indexed    int64
	TailBytes  int64
}

// CollisionPayload is the payload for EventCollision: equal checksums,
// different bytes.
type CollisionPayload struct {
	Path        string
	Offset      int64
	OtherPath   string
	OtherOffset int64
}

// Region identifies the two ranges of a duplicate span.
type Region struct {
	SrcPath   string `json:"src_path"`
	SrcOffset int64  `json:"src_offset"`
	DstPath   string `json:"dst_path"`
	DstOffset int64  `json:"dst_offset"`
	Length    int64  `json:"length"`
}

// RegionRejectedPayload is the payload for EventRegionRejected.
type RegionRejectedPayload struct {
	Region Region
	Reason string
}

// WouldDedupePayload is the payload for EventWouldDedupe (simulate mode).
type WouldDedupePayload struct {
	Region Region
}

// DeduplicatedPayload is the payload for EventDeduplicated.
type DeduplicatedPayload struct {
	Region Region
	Calls  int
}

// PartialPayload is the payload for EventPartial.
type PartialPayload struct {
	Region Region
	Bytes  int64
	Status string
}

// RegionFailedPayload is the payload for EventRegionFailed.
type RegionFailedPayload struct {
	Region Region
	Status string
	Error  error
}

// HolesPunchedPayload is the payload for EventHolesPunched.
type HolesPunchedPayload struct {
	Path  string
	Bytes int64
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// Bus is a pub/sub event bus with a buffered channel and goroutine per
// subscriber. Publish blocks while a subscriber's buffer is full, so
// counters fed from the bus are exact.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriberEntry
	bufferSize  int
	closed      bool
}

type subscriberEntry struct {
	name string
	ch   chan Event
	done chan struct{}
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		bufferSize: bufferSize,
	}
}

// Subscribe adds a named subscriber to the event bus.
func (b *Bus) Subscribe(name string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	ch := make(chan Event, b.bufferSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range ch {
			fn(event)
		}
	}()

	b.subscribers = append(b.subscribers, subscriberEntry{name: name, ch: ch, done: done})
}

// Publish sends an event to all subscribers. Events published after Close
// are discarded.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		sub.ch <- event
	}
}

// PublishTyped is a convenience method to publish a typed event.
func (b *Bus) PublishTyped(eventType EventType, payload interface{}) {
	b.Publish(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Close shuts down the event bus and waits for all subscribers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]subscriberEntry, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	for _, sub := range subs {
		<-sub.done
	}
}
