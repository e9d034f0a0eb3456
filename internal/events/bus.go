// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (bus client,
// workflow engine, coder gateway, motion adapter) to subscribers
// (status handler, tests, future metrics collector). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBus identifies events from the MQTT bus client.
	SourceBus = "bus"
	// SourceWorkflow identifies events from the workflow engine.
	SourceWorkflow = "workflow"
	// SourceCoder identifies events from the coder gateway.
	SourceCoder = "coder"
	// SourceMotion identifies events from the motion adapter.
	SourceMotion = "motion"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals the broker connection came up.
	// Data: broker, reconnect_count.
	KindConnected = "connected"
	// KindDisconnected signals the broker connection dropped.
	// Data: error, terminal.
	KindDisconnected = "disconnected"

	// KindTaskCreated signals a new outbound task.
	// Data: task_id, direction.
	KindTaskCreated = "task_created"
	// KindTaskTransition signals a task state change.
	// Data: task_id, from, to, event.
	KindTaskTransition = "task_transition"
	// KindTaskDone signals a task reached a terminal state.
	// Data: task_id, status, order_id.
	KindTaskDone = "task_done"

	// KindClientConnected signals a scanner endpoint connected.
	// Data: endpoint.
	KindClientConnected = "client_connected"
	// KindClientDropped signals a scanner endpoint disconnected.
	// Data: endpoint, reason.
	KindClientDropped = "client_dropped"
	// KindScanWindow signals a collect window closed.
	// Data: direction, codes, clients.
	KindScanWindow = "scan_window"

	// KindMoveDone signals a completed axis move.
	// Data: position, duration_ms.
	KindMoveDone = "move_done"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Emit publishes an event with the current timestamp. Convenience
// wrapper over Publish for call sites that build Data inline.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now().UTC(), Source: source, Kind: kind, Data: data})
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full. Drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
