// Package events carries Core-side operator notifications from the
// connection supervisor and key-rotation paths to SSE clients.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of SSE event.
type EventType string

const (
	EventAgentConnected    EventType = "agent_connected"
	EventAgentDisconnected EventType = "agent_disconnected"
	EventTerminalOpened    EventType = "terminal_opened"
	EventTerminalClosed    EventType = "terminal_closed"
	EventKeyRotated        EventType = "key_rotated"
)

// SSEEvent is a single operator notification. AgentID names the peer for
// connection-lifecycle events; Error carries the disconnect reason when
// there is one; PublicKey carries the newly announced key on rotation.
type SSEEvent struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	PublicKey string    `json:"public_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// replayDepth is how many recent events a new subscriber receives on
// connect, so an SSE dashboard that reconnects doesn't open on a blank
// feed. Best effort only.
const replayDepth = 16

// Bus fans events out to every current subscriber and remembers a short
// tail of recent events for late joiners. A subscriber that falls behind
// has events dropped rather than the publisher blocked.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan SSEEvent
	next   uint64
	recent []SSEEvent
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan SSEEvent),
	}
}

// Publish stamps evt (if the caller didn't) and delivers it to all
// current subscribers, dropping it for any whose buffer is full.
func (b *Bus) Publish(evt SSEEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = append(b.recent, evt)
	if len(b.recent) > replayDepth {
		b.recent = b.recent[len(b.recent)-replayDepth:]
	}

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel pre-loaded with the recent-event tail that
// then receives all future events, plus a cancel function that
// unsubscribes and closes the channel. The caller must invoke cancel when
// done.
func (b *Bus) Subscribe() (<-chan SSEEvent, func()) {
	ch := make(chan SSEEvent, subscriberBufferSize)

	b.mu.Lock()
	for _, evt := range b.recent {
		ch <- evt
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
