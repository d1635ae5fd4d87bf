package messaging

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDuplicateID is returned by Append when the id is already present.
var ErrDuplicateID = errors.New("message id already present")

// MessageStore is the ordered, deduplicated, in-memory message collection of
// one conversation. It is safe for concurrent use.
type MessageStore struct {
	merger   Merger
	messages []Message
	index    map[string]int

	mu sync.RWMutex
}

// StoreOption customizes a MessageStore.
type StoreOption func(*MessageStore)

// WithTolerance sets the reconciliation tolerance window.
func WithTolerance(d time.Duration) StoreOption {
	return func(s *MessageStore) {
		s.merger.Tolerance = d
	}
}

// NewMessageStore creates an empty store for a conversation viewed by selfID.
func NewMessageStore(selfID string, opts ...StoreOption) *MessageStore {
	s := &MessageStore{
		merger: Merger{SelfID: selfID, Tolerance: DefaultReconcileTolerance},
		index:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelfID returns the local user id the store reconciles against.
func (s *MessageStore) SelfID() string {
	return s.merger.SelfID
}

// Tolerance returns the active reconciliation window.
func (s *MessageStore) Tolerance() time.Duration {
	return s.merger.Tolerance
}

// Merge folds a transport batch into the store. Every incoming message is
// stamped with source before merging.
func (s *MessageStore) Merge(incoming []Message, source Source) MergeResult {
	batch := make([]Message, len(incoming))
	for i := range incoming {
		batch[i] = incoming[i]
		batch[i].Source = source
	}

	s.mu.Lock()
	merged, result := s.merger.merge(s.messages, batch)
	s.messages = merged
	s.reindex()
	total := len(s.messages)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "MessageStore.Merge",
		"source":     source.String(),
		"incoming":   len(incoming),
		"added":      result.Added,
		"reconciled": result.Reconciled,
		"updated":    result.Updated,
		"total":      total,
	}).Debug("Merged message batch")

	return result
}

// Append inserts a locally created message without a merge pass. The entry
// is placed after every message with an equal or earlier timestamp.
func (s *MessageStore) Append(m Message) error {
	m = m.clone()
	if m.ID == "" {
		m.ID = m.DedupKey()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[m.ID]; exists {
		return ErrDuplicateID
	}

	pos := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(m.CreatedAt)
	})
	if pos == len(s.messages) {
		s.messages = append(s.messages, m)
		s.index[m.ID] = pos
		return nil
	}

	s.messages = append(s.messages, Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = m
	s.reindex()
	return nil
}

// SetDeliveryState updates the delivery state of a message. It returns false
// if the message is unknown.
func (s *MessageStore) SetDeliveryState(id string, state DeliveryState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.messages[i].DeliveryState = state
	return true
}

// MarkReadFrom marks every unread message sent by senderID as read at the
// given time and returns the affected ids.
func (s *MessageStore) MarkReadFrom(senderID string, at time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID != senderID || m.ReadAt != nil {
			continue
		}
		readAt := at
		m.ReadAt = &readAt
		ids = append(ids, m.ID)
	}
	return ids
}

// Unread counts unread messages sent by senderID.
func (s *MessageStore) Unread(senderID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for i := range s.messages {
		if s.messages[i].SenderID == senderID && s.messages[i].ReadAt == nil {
			n++
		}
	}
	return n
}

// Get returns a copy of the message with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i].clone(), true
}

// Snapshot returns a copy of the ordered message sequence.
func (s *MessageStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].clone()
	}
	return out
}

// Len returns the number of messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MessageStore) reindex() {
	s.index = make(map[string]int, len(s.messages))
	for i := range s.messages {
		s.index[s.messages[i].ID] = i
	}
}
