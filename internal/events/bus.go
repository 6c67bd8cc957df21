// Package events is the notification bus between the session core and its
// embedder. Delivery is per-subscriber buffered and never blocks a
// publisher; a full subscriber drops the event and the drop is counted.
package events

import (
	"sync"
	"time"

	"github.com/danmuck/lockstep/internal/faults"
	"github.com/danmuck/lockstep/internal/observability"
	"github.com/danmuck/lockstep/internal/protocol"
)

type Topic string

const (
	TopicPeerConnected    Topic = "peer.connected"
	TopicPeerDisconnected Topic = "peer.disconnected"
	TopicConnState        Topic = "conn.state"
	TopicSyncApplied      Topic = "sync.applied"
	TopicError            Topic = "error"
)

// Event is the envelope every subscriber receives. Payload is one of the
// payload types below, keyed by Topic.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload any
}

type PeerConnected struct {
	PeerID string
}

type PeerDisconnected struct {
	PeerID string
	Kind   faults.Kind
}

type ConnStateChange struct {
	PeerID string
	From   string
	To     string
}

type SyncApplied struct {
	Message protocol.SyncMessage
}

type ErrorEvent struct {
	Err *faults.PeerError
}

const subscriberBuffer = 32

type subscriber struct {
	topics map[Topic]bool
	ch     chan Event
}

func (s *subscriber) wants(topic Topic) bool {
	return s.topics == nil || s.topics[topic]
}

// Bus fans events out to subscribers. Zero value is not usable; construct
// with NewBus.
type Bus struct {
	mu     sync.Mutex
	closed bool
	next   int
	subs   map[int]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers for the given topics, or every topic when none are
// named. The returned cancel is idempotent and closes the channel.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, tp := range topics {
			sub.topics[tp] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers to every interested subscriber without blocking. A
// subscriber whose buffer is full misses this event.
func (b *Bus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, At: time.Now(), Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			observability.RecordDroppedEvent(string(topic))
		}
	}
}

// Close tears the bus down and closes every subscriber channel. Publishes
// after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
