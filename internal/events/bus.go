// Package events provides the in-process notification bus for queue
// lifecycle events and an append-only journal for persisting them.
package events

import (
	"sync"
	"time"
)

// Type identifies a queue lifecycle event.
type Type string

const (
	// TaskPublished fires when a document lands in a team inbox.
	TaskPublished Type = "task:published"
	// TaskStarted fires when a subscription claims a document.
	TaskStarted Type = "task:started"
	// TaskCompleted fires when a document reaches the outbox.
	TaskCompleted Type = "task:completed"
	// TaskFailed fires when a document exhausts its retries.
	TaskFailed Type = "task:failed"
	// TaskRetried fires when a failed document returns to its inbox.
	TaskRetried Type = "task:retried"
)

// AllTypes lists every event type, for subscribers that want the full stream.
func AllTypes() []Type {
	return []Type{TaskPublished, TaskStarted, TaskCompleted, TaskFailed, TaskRetried}
}

// Event is one queue notification.
type Event struct {
	Type      Type              `json:"type"`
	TaskID    string            `json:"task_id"`
	Team      string            `json:"team"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Subscriber receives events.
type Subscriber func(Event)

// Bus is a non-blocking pub/sub bus. Delivery is asynchronous through
// buffered channels; when a subscriber's channel is full the event is
// dropped for that subscriber rather than blocking the queue.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	syncSubs    map[int]Subscriber
	nextSyncID  int
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		syncSubs:    make(map[int]Subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. fn runs on its own goroutine; a panicking subscriber is
// recovered so it cannot disrupt delivery to others.
func (b *Bus) Subscribe(eventType Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every event type and returns a combined
// unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllTypes()))
	for _, et := range AllTypes() {
		unsubs = append(unsubs, b.Subscribe(et, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// SubscribeAllSync registers fn for every event type, invoked inline
// during Publish instead of through a channel. Sync delivery completes
// before Publish returns, which persistent sinks like the journal need
// so that no tail of events is lost when the process stops. A panicking
// sync subscriber is recovered.
func (b *Bus) SubscribeAllSync(fn Subscriber) func() {
	b.mu.Lock()
	id := b.nextSyncID
	b.nextSyncID++
	b.syncSubs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.syncSubs, id)
		b.mu.Unlock()
	}
}

// Publish delivers an event to all subscribers of its type without
// blocking; full subscriber channels drop the event. Sync subscribers
// run inline before Publish returns.
func (b *Bus) Publish(eventType Type, taskID, team string, detail map[string]string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		TaskID:    taskID,
		Team:      team,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Channel full, drop for this subscriber
		}
	}

	for _, fn := range b.syncSubs {
		func() {
			defer func() {
				_ = recover()
			}()
			fn(event)
		}()
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.syncSubs = make(map[int]Subscriber)
}
