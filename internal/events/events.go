// Package events provides the daemon's non-authoritative event bus: a
// bounded in-memory hub with sequence numbers for replay, per-subscriber
// channels for live fan-out, and an optional append-only archive sink.
// Publishing never blocks on slow consumers; subscribers with full buffers
// miss events rather than stalling the pipeline.
package events

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the lifecycle transition an event describes.
type Type string

const (
	TypeFragmentObserved  Type = "fragment.observed"
	TypeGroupOpened       Type = "group.opened"
	TypeGroupCompleted    Type = "group.completed"
	TypeGroupStale        Type = "group.stale"
	TypeJobEnqueued       Type = "job.enqueued"
	TypeJobStarted        Type = "job.started"
	TypeJobRetrying       Type = "job.retrying"
	TypeJobCompleted      Type = "job.completed"
	TypeJobDeadLettered   Type = "job.dead_lettered"
	TypeJobResolved       Type = "job.resolved"
	TypeProductRegistered Type = "product.registered"
	TypeProductMissing    Type = "product.missing"
	TypeProductRetired    Type = "product.retired"
	TypeAnomalyRecorded   Type = "anomaly.recorded"
	TypeSweepCompleted    Type = "sweep.completed"
	TypeDaemonStarted     Type = "daemon.started"
	TypeDaemonStopping    Type = "daemon.stopping"
)

// Event is one lifecycle transition published on the bus. Sequence numbers
// are assigned by the hub at publish time and restart with the daemon; the
// archive keeps its own monotonic keys across restarts.
type Event struct {
	Sequence  uint64            `json:"seq"`
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Timestamp time.Time         `json:"ts"`
	GroupKey  string            `json:"group_key,omitempty"`
	JobID     int64             `json:"job_id,omitempty"`
	Message   string            `json:"msg"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Field returns a named detail field, or the empty string.
func (e Event) Field(key string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[key]
}

// Subscriber receives live events. Buffered; a full buffer drops events.
type Subscriber chan Event

// Sink receives every published event, after sequence assignment.
type Sink interface {
	Append(Event)
}

// Bus stores recent events, wakes long-poll waiters, and fans events out to
// subscriber channels and sinks.
type Bus struct {
	mu          sync.Mutex
	cond        *sync.Cond
	capacity    int
	buffer      []Event
	nextSeq     uint64
	subscribers map[Subscriber]struct{}
	sinks       []Sink
}

const (
	defaultCapacity  = 512
	subscriberBuffer = 64
)

// NewBus constructs a bounded event hub.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	b := &Bus{
		capacity:    capacity,
		subscribers: make(map[Subscriber]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// AddSink wires an additional sink that receives every published event.
func (b *Bus) AddSink(sink Sink) {
	if b == nil || sink == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Subscribe registers a live event channel.
func (b *Bus) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
	b.mu.Unlock()
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Publish assigns a sequence number and delivers the event to the ring
// buffer, all subscribers, and all sinks. Subscribers with full buffers are
// skipped.
func (b *Bus) Publish(evt Event) Event {
	if b == nil {
		return evt
	}
	b.mu.Lock()
	b.nextSeq++
	evt.Sequence = b.nextSeq
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	if len(b.buffer) == b.capacity {
		copy(b.buffer, b.buffer[1:])
		b.buffer = b.buffer[:b.capacity-1]
	}
	b.buffer = append(b.buffer, evt)

	subs := make([]Subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	sinks := append([]Sink(nil), b.sinks...)
	b.cond.Broadcast()
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- evt:
		default:
		}
	}
	for _, sink := range sinks {
		sink.Append(evt)
	}
	return evt
}

// Fetch returns buffered events with sequence greater than since. When wait
// is true, Fetch blocks until at least one event is available or the context
// ends.
func (b *Bus) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if b == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > b.capacity {
		limit = b.capacity
	}

	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.cond.Broadcast()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		out, next := b.snapshotLocked(since, limit)
		if len(out) > 0 || !wait {
			return out, next, ctxErr(ctx)
		}
		if err := ctxErr(ctx); err != nil {
			return nil, next, err
		}
		b.cond.Wait()
		if err := ctxErr(ctx); err != nil {
			return nil, next, err
		}
	}
}

// Tail returns the most recent limit events without blocking, plus the
// current sequence high-water mark.
func (b *Bus) Tail(limit int) ([]Event, uint64) {
	if b == nil {
		return nil, 0
	}
	if limit <= 0 || limit > b.capacity {
		limit = b.capacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffer) == 0 {
		return nil, b.nextSeq
	}
	start := len(b.buffer) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(b.buffer)-start)
	copy(out, b.buffer[start:])
	return out, b.nextSeq
}

// FirstSequence reports the smallest sequence number still buffered.
func (b *Bus) FirstSequence() uint64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffer) == 0 {
		return b.nextSeq
	}
	return b.buffer[0].Sequence
}

func (b *Bus) snapshotLocked(since uint64, limit int) ([]Event, uint64) {
	if len(b.buffer) == 0 {
		return nil, b.nextSeq
	}
	startIdx := -1
	for i, evt := range b.buffer {
		if evt.Sequence > since {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return nil, b.nextSeq
	}
	end := startIdx + limit
	if end > len(b.buffer) {
		end = len(b.buffer)
	}
	out := make([]Event, end-startIdx)
	copy(out, b.buffer[startIdx:end])
	return out, b.nextSeq
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// GroupEvent builds an event keyed by observation group.
func GroupEvent(t Type, groupKey, message string) Event {
	return Event{Type: t, GroupKey: groupKey, Message: message}
}

// JobEvent builds an event keyed by job and group.
func JobEvent(t Type, jobID int64, groupKey, message string) Event {
	return Event{Type: t, JobID: jobID, GroupKey: groupKey, Message: message}
}

// WithField returns a copy of the event with a detail field set.
func (e Event) WithField(key, value string) Event {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// WithInt returns a copy of the event with an integer detail field set.
func (e Event) WithInt(key string, value int64) Event {
	return e.WithField(key, strconv.FormatInt(value, 10))
}
