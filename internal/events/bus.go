// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (process supervision,
// connections, discovery, the invocation router) to subscribers (the
// admin API event stream, the MQTT status publisher). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSupervisor identifies events from process supervision.
	SourceSupervisor = "supervisor"
	// SourceConnection identifies events from a JSON-RPC connection.
	SourceConnection = "connection"
	// SourceCatalog identifies events from tool discovery.
	SourceCatalog = "catalog"
	// SourceRouter identifies events from the invocation router.
	SourceRouter = "router"
)

// Kind constants describe the type of event within a source.
const (
	// KindProcessStarted signals a server process was spawned.
	// Data: server, pid.
	KindProcessStarted = "process_started"
	// KindProcessExited signals a server process exited.
	// Data: server, pid, exit_code, description, stderr.
	KindProcessExited = "process_exited"
	// KindStateChange signals a connection state transition.
	// Data: server, from, to.
	KindStateChange = "state_change"
	// KindRestart signals a restart attempt after a crash.
	// Data: server, attempt, max_retries.
	KindRestart = "restart"

	// KindProtocolError signals an inbound unit that was dropped.
	// Data: server, reason, id.
	KindProtocolError = "protocol_error"
	// KindNotification signals an unhandled server notification.
	// Data: server, method.
	KindNotification = "notification"

	// KindDiscovery signals a successful tools/list refresh.
	// Data: server, tools.
	KindDiscovery = "discovery"
	// KindDiscoveryFailed signals a failed tools/list refresh. The
	// prior catalog is retained.
	// Data: server, error.
	KindDiscoveryFailed = "discovery_failed"

	// KindToolCall signals the start of a tool invocation.
	// Data: invocation_id, server, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: invocation_id, server, tool, ok, outcome, duration_ms.
	KindToolDone = "tool_done"
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

// Filter selects the events a subscriber wants. A nil Filter accepts
// everything.
type Filter func(Event) bool

// Match returns a Filter accepting events from source with the given
// kind. An empty source or kind matches any.
func Match(source, kind string) Filter {
	if source == "" && kind == "" {
		return nil
	}
	return func(e Event) bool {
		return (source == "" || e.Source == source) && (kind == "" || e.Kind == kind)
	}
}

// Any returns a Filter accepting events that pass at least one of fs.
func Any(fs ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range fs {
			if f == nil || f(e) {
				return true
			}
		}
		return false
	}
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. Filters run on the publishing goroutine, so
// events a subscriber does not want never take space in its buffer.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]Filter
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can take the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]Filter),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to every subscriber whose filter accepts it.
// If a subscriber's channel is full the event is dropped for that
// subscriber. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter(e) {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives every published event. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	return b.SubscribeFunc(bufSize, nil)
}

// SubscribeFunc is Subscribe restricted to events accepted by filter.
// On a nil receiver it returns a nil channel, which never delivers.
func (b *Bus) SubscribeFunc(bufSize int, filter Filter) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = filter
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil || ch == nil {
		return
	}
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

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}
