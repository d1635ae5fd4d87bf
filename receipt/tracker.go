// Package receipt marks a conversation's incoming messages as read, locally
// first and then on the backend.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/messaging"
	"github.com/opd-ai/chatsync/metrics"
)

// ErrReadReceipt indicates the backend rejected or never received a
// mark-as-read call. It is not retried.
var ErrReadReceipt = errors.New("read receipt error")

// TimeProvider abstracts time for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// Tracker issues read receipts for the partner's messages in one store.
type Tracker struct {
	marker       interfaces.ReadMarker
	store        *messaging.MessageStore
	selfID       string
	partnerID    string
	metrics      *metrics.Collector
	timeProvider TimeProvider
}

// NewTracker creates a tracker for the messages partnerID sent to selfID.
// collector may be nil.
func NewTracker(marker interfaces.ReadMarker, store *messaging.MessageStore, selfID, partnerID string, collector *metrics.Collector) *Tracker {
	return &Tracker{
		marker:       marker,
		store:        store,
		selfID:       selfID,
		partnerID:    partnerID,
		metrics:      collector,
		timeProvider: defaultTimeProvider{},
	}
}

// SetTimeProvider injects a time source.
func (t *Tracker) SetTimeProvider(tp TimeProvider) {
	if tp != nil {
		t.timeProvider = tp
	}
}

// MarkConversationRead marks every unread partner message as read in the
// store, then tells the backend. It returns the ids marked locally. Nothing
// is sent when there was nothing to mark. The local state is kept even if the
// backend call fails.
func (t *Tracker) MarkConversationRead(ctx context.Context) ([]string, error) {
	marked := t.store.MarkReadFrom(t.partnerID, t.timeProvider.Now())
	if len(marked) == 0 {
		return nil, nil
	}

	if t.marker == nil {
		return marked, nil
	}
	if err := t.marker.MarkRead(ctx, t.selfID, t.partnerID); err != nil {
		t.metrics.ReceiptFailed()
		logrus.WithFields(logrus.Fields{
			"function":  "Tracker.MarkConversationRead",
			"user_id":   t.selfID,
			"sender_id": t.partnerID,
			"marked":    len(marked),
			"error":     err.Error(),
		}).Warn("Failed to send read receipt")
		return marked, fmt.Errorf("%w: %w", ErrReadReceipt, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Tracker.MarkConversationRead",
		"sender_id": t.partnerID,
		"marked":    len(marked),
	}).Debug("Conversation marked as read")

	return marked, nil
}

// IsRead reports whether the message with the given id is read.
func (t *Tracker) IsRead(id string) bool {
	m, ok := t.store.Get(id)
	return ok && m.IsRead()
}

// Unread returns the number of partner messages not yet marked read.
func (t *Tracker) Unread() int {
	return t.store.Unread(t.partnerID)
}
