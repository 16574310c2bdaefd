// Package events provides an in-process publish/subscribe bus for the
// control-plane's own notifications (session index updates, activity phase
// changes, supervisor lifecycle). Payloads are opaque raw JSON: unlike the
// upstream agent's typed event schema, nothing in this package needs to know
// the shape of a session, a message, or a part.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/canxin121/opencode-studio-sub001/internal/logging"
)

// Type identifies the kind of event flowing through the bus.
type Type string

const (
	TypeSessionCreated    Type = "session.created"
	TypeSessionUpdated    Type = "session.updated"
	TypeSessionDeleted    Type = "session.deleted"
	TypeSessionStatus     Type = "session.status"
	TypeSessionIdle       Type = "session.idle"
	TypeSessionError      Type = "session.error"
	TypeSessionActivity   Type = "opencode-studio:session-activity"
	TypePermissionAsked   Type = "permission.asked"
	TypePermissionReplied Type = "permission.replied"
	TypeQuestionAsked     Type = "question.asked"
	TypeQuestionReplied   Type = "question.replied"
	TypeQuestionRejected  Type = "question.rejected"
	TypeUpstreamDown      Type = "opencode-studio:upstream-disconnected"
)

// Event is a single notification. Payload is kept as raw JSON so publishers
// and subscribers agree on shape out of band, the same way the upstream
// agent's own SSE frames are consumed as raw JSON by the rest of this module.
type Event struct {
	Type    Type
	Payload json.RawMessage
}

type subscriberEntry struct {
	id int
	ch chan Event
}

// Bus fans out events to any number of subscribers, either scoped to a
// single Type or registered against every event (SubscribeAll). Subscribers
// are plain Go channels. The Bus also owns a watermill gochannel Pub/Sub
// (see PubSub), but events published on the Bus are not forwarded to it.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu        sync.Mutex
	byType    map[Type][]subscriberEntry
	all       []subscriberEntry
	nextID    int
	closeOnce sync.Once
}

// NewBus constructs a Bus ready for use.
func NewBus() *Bus {
	logger := watermill.NewStdLogger(false, false)
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          false,
		}, logger),
		byType: make(map[Type][]subscriberEntry),
	}
}

// PubSub exposes the Bus's watermill Pub/Sub as a message.Publisher. It is
// a separate channel: Publish on the Bus does not reach it.
func (b *Bus) PubSub() message.Publisher {
	return b.pubsub
}

// Subscribe registers a channel-based listener for a single event Type. The
// returned func unsubscribes; it is safe to call more than once.
func (b *Bus) Subscribe(t Type, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscriberEntry{id: id, ch: ch})
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.byType[t]
		for i, e := range entries {
			if e.id == id {
				b.byType[t] = append(entries[:i], entries[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// SubscribeAll registers a listener that receives every published event
// regardless of Type (the global hub's audit loop uses it for debug logging).
func (b *Bus) SubscribeAll(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscriberEntry{id: id, ch: ch})
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.all {
			if e.id == id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Publish delivers an event to every matching subscriber without blocking
// the caller: a subscriber whose channel is full simply misses the event,
// the same "publisher never blocks" backpressure policy the SSE hubs use
// for their downstream clients.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	targets := append(append([]subscriberEntry{}, b.byType[evt.Type]...), b.all...)
	b.mu.Unlock()

	for _, e := range targets {
		select {
		case e.ch <- evt:
		default:
			logging.Warn().Str("type", string(evt.Type)).Int("subscriber", e.id).
				Msg("events: dropping event for slow subscriber")
		}
	}
}

// PublishSync delivers an event to every matching subscriber, blocking on
// each channel send. Use for tests and for paths where the caller needs a
// delivery guarantee (e.g. seeding the bus before a subscriber attaches).
func (b *Bus) PublishSync(ctx context.Context, evt Event) {
	b.mu.Lock()
	targets := append(append([]subscriberEntry{}, b.byType[evt.Type]...), b.all...)
	b.mu.Unlock()

	for _, e := range targets {
		select {
		case e.ch <- evt:
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the underlying watermill resources. Safe to call once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		_ = b.pubsub.Close()
	})
}
