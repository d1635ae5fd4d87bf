package transport

import (
	"sync"

	"github.com/opd-ai/chatsync/messaging"
)

// EventKind identifies an Event variant.
type EventKind uint8

const (
	// KindIncomingMessage is one or more messages pushed by the backend.
	KindIncomingMessage EventKind = iota
	// KindHistoryBatch is a history window or a full poll re-fetch.
	KindHistoryBatch
	// KindTypingUpdate is a change of the partner's typing flag.
	KindTypingUpdate
	// KindPresenceUpdate is an observed partner online flag.
	KindPresenceUpdate
	// KindConnectionUpdate reports the channel going up or down.
	KindConnectionUpdate
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case KindIncomingMessage:
		return "incoming_message"
	case KindHistoryBatch:
		return "history_batch"
	case KindTypingUpdate:
		return "typing_update"
	case KindPresenceUpdate:
		return "presence_update"
	case KindConnectionUpdate:
		return "connection_update"
	default:
		return "unknown"
	}
}

// Event is a message published by a transport.
type Event interface {
	Kind() EventKind
}

// IncomingMessage carries messages pushed over the realtime channel.
type IncomingMessage struct {
	Messages []messaging.Message
}

// HistoryBatch carries a history window or a full re-fetch.
type HistoryBatch struct {
	Messages []messaging.Message
	Source   messaging.Source
}

// TypingUpdate carries a user's typing flag.
type TypingUpdate struct {
	UserID   string
	IsTyping bool
}

// PresenceUpdate carries a user's online flag.
type PresenceUpdate struct {
	UserID string
	Online bool
}

// ConnectionUpdate reports the channel state. Err is set when the channel
// was lost rather than closed deliberately.
type ConnectionUpdate struct {
	Connected bool
	Err       error
}

// Kind implements Event.
func (IncomingMessage) Kind() EventKind { return KindIncomingMessage }

// Kind implements Event.
func (HistoryBatch) Kind() EventKind { return KindHistoryBatch }

// Kind implements Event.
func (TypingUpdate) Kind() EventKind { return KindTypingUpdate }

// Kind implements Event.
func (PresenceUpdate) Kind() EventKind { return KindPresenceUpdate }

// Kind implements Event.
func (ConnectionUpdate) Kind() EventKind { return KindConnectionUpdate }

// Handler processes an event.
type Handler func(Event)

// Bus dispatches events synchronously to the handlers subscribed to their
// kind, in subscription order.
type Bus struct {
	handlers map[EventKind][]Handler
	mu       sync.RWMutex
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventKind][]Handler)}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind EventKind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// Publish delivers ev to every handler of its kind and reports whether any
// handler received it.
func (b *Bus) Publish(ev Event) bool {
	b.mu.RLock()
	handlers := b.handlers[ev.Kind()]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return len(handlers) > 0
}

// Reset removes every handler.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventKind][]Handler)
}
