package messaging

import (
	"fmt"
	"strconv"
	"time"
)

// DeliveryState represents the delivery state of a message.
type DeliveryState uint8

const (
	// DeliveryPending means the message was created locally and is awaiting confirmation.
	DeliveryPending DeliveryState = iota
	// DeliverySent means the server has confirmed the message.
	DeliverySent
	// DeliveryFailed means the send attempt failed. The message stays visible.
	DeliveryFailed
)

// String implements fmt.Stringer.
func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Source records where a message entry came from. It is used for
// reconciliation only.
type Source uint8

const (
	// SourceOptimistic is a locally created entry not yet confirmed.
	SourceOptimistic Source = iota
	// SourcePush is a message delivered over the realtime channel.
	SourcePush
	// SourceHistory is a message delivered by an explicit history request.
	SourceHistory
	// SourcePoll is a message delivered by a periodic full re-fetch.
	SourcePoll
)

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s {
	case SourceOptimistic:
		return "optimistic-local"
	case SourcePush:
		return "realtime-push"
	case SourceHistory:
		return "history-fetch"
	case SourcePoll:
		return "poll-fetch"
	default:
		return "unknown"
	}
}

// Attachment describes a file attached to a message.
type Attachment struct {
	URL      string
	MimeType string
	Filename string
	Size     int64
}

// Message is a single chat message in a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Attachment     *Attachment
	CreatedAt      time.Time
	DeliveryState  DeliveryState
	ReadAt         *time.Time
	Source         Source

	// ClientNonce correlates an optimistic entry with its server echo when
	// the backend echoes it back.
	ClientNonce string
}

// IsRead reports whether the message has been read.
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// Unconfirmed reports whether the message is a local entry that no server
// copy has replaced yet. A send the server accepted without returning an id
// shows as sent but stays unconfirmed, so a later copy can still claim it.
func (m *Message) Unconfirmed() bool {
	return m.Source == SourceOptimistic
}

// IsPending reports whether the message is a local entry still waiting for
// (or having failed) server confirmation.
func (m *Message) IsPending() bool {
	return m.Source == SourceOptimistic && m.DeliveryState != DeliverySent
}

// DedupKey returns the identity used for deduplication: the id when present,
// otherwise the synthesized sender/timestamp id.
func (m *Message) DedupKey() string {
	if m.ID != "" {
		return m.ID
	}
	return SyntheticID(m.SenderID, m.CreatedAt)
}

// clone returns a deep copy so snapshots never alias store internals.
func (m Message) clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.ReadAt != nil {
		r := *m.ReadAt
		m.ReadAt = &r
	}
	return m
}

// SyntheticID builds the identifier used for entries that do not yet carry a
// server id: "<senderID>-<unix millis>".
func SyntheticID(senderID string, at time.Time) string {
	return fmt.Sprintf("%s-%d", senderID, at.UnixMilli())
}

// ChatID returns the canonical conversation identifier for a participant
// pair. The result does not depend on argument order. Ids that both parse as
// integers are ordered numerically, anything else lexically.
func ChatID(a, b string) string {
	if lessID(b, a) {
		a, b = b, a
	}
	return a + "_" + b
}

func lessID(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}
