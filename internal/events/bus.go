// Package events provides a publish/subscribe event bus. Events flow
// from components (task store mutations, the agent loop) to subscribers
// (the WebSocket notification hub). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAPI identifies events from the HTTP CRUD handlers.
	SourceAPI = "api"
	// SourceAgent identifies events from the chat orchestrator.
	SourceAgent = "agent"
	// SourceTools identifies events from tool executions.
	SourceTools = "tools"
)

// Kind constants describe the type of event within a source.
const (
	// KindTaskCreated signals a new task. Data: task.
	KindTaskCreated = "task_created"
	// KindTaskUpdated signals a task field change. Data: task.
	KindTaskUpdated = "task_updated"
	// KindTaskCompleted signals a task completion. Data: task, and
	// next_task when a recurring successor was created.
	KindTaskCompleted = "task_completed"
	// KindTaskDeleted signals a task removal. Data: task_id.
	KindTaskDeleted = "task_deleted"

	// KindRequestStart signals the beginning of a chat turn.
	// Data: conversation_id, message_len.
	KindRequestStart = "request_start"
	// KindToolCall signals the start of a tool execution.
	// Data: tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of a chat turn.
	// Data: conversation_id, iterations, tools_called, exhausted.
	KindRequestComplete = "request_complete"
)

// Event represents a single event published by a component. OwnerID
// scopes delivery: subscribers filter on it so one owner's activity is
// never pushed to another owner's connection.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	OwnerID   string         `json:"owner_id"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
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
