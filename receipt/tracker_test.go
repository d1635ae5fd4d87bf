package receipt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync/messaging"
	"github.com/opd-ai/chatsync/metrics"
)

const (
	testSelfID    = "3"
	testPartnerID = "9"
)

var testBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixedTime struct{ t time.Time }

func (f fixedTime) Now() time.Time { return f.t }

type markCall struct{ userID, senderID string }

type mockMarker struct {
	calls []markCall
	err   error
}

func (m *mockMarker) MarkRead(ctx context.Context, userID, senderID string) error {
	m.calls = append(m.calls, markCall{userID, senderID})
	return m.err
}

func seededStore() *messaging.MessageStore {
	store := messaging.NewMessageStore(testSelfID)
	store.Merge([]messaging.Message{
		{ID: "1", SenderID: testPartnerID, ReceiverID: testSelfID, Content: "a", CreatedAt: testBase},
		{ID: "2", SenderID: testSelfID, ReceiverID: testPartnerID, Content: "b", CreatedAt: testBase.Add(time.Second)},
		{ID: "3", SenderID: testPartnerID, ReceiverID: testSelfID, Content: "c", CreatedAt: testBase.Add(2 * time.Second)},
	}, messaging.SourceHistory)
	return store
}

func TestTracker_MarksLocallyThenRemotely(t *testing.T) {
	store := seededStore()
	marker := &mockMarker{}
	tr := NewTracker(marker, store, testSelfID, testPartnerID, nil)
	readAt := testBase.Add(time.Minute)
	tr.SetTimeProvider(fixedTime{readAt})

	assert.Equal(t, 2, tr.Unread())

	marked, err := tr.MarkConversationRead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, marked)
	assert.Equal(t, []markCall{{testSelfID, testPartnerID}}, marker.calls)

	assert.True(t, tr.IsRead("1"))
	assert.True(t, tr.IsRead("3"))
	assert.False(t, tr.IsRead("2"), "own messages are not marked by the viewer")
	assert.False(t, tr.IsRead("missing"))

	m, _ := store.Get("1")
	assert.True(t, m.ReadAt.Equal(readAt))
}

func TestTracker_NothingUnreadSendsNothing(t *testing.T) {
	store := seededStore()
	marker := &mockMarker{}
	tr := NewTracker(marker, store, testSelfID, testPartnerID, nil)

	_, err := tr.MarkConversationRead(context.Background())
	require.NoError(t, err)
	marked, err := tr.MarkConversationRead(context.Background())
	require.NoError(t, err)

	assert.Empty(t, marked)
	assert.Len(t, marker.calls, 1)
}

func TestTracker_FailureKeepsLocalStateAndDoesNotRetry(t *testing.T) {
	store := seededStore()
	marker := &mockMarker{err: errors.New("503")}
	collector := metrics.New(nil)
	tr := NewTracker(marker, store, testSelfID, testPartnerID, collector)

	marked, err := tr.MarkConversationRead(context.Background())
	assert.ErrorIs(t, err, ErrReadReceipt)
	assert.Len(t, marked, 2)
	assert.Equal(t, 0, tr.Unread())
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.ReadReceiptFailures))

	// A later poll batch reporting the messages unread does not revert them.
	store.Merge([]messaging.Message{
		{ID: "1", SenderID: testPartnerID, ReceiverID: testSelfID, Content: "a", CreatedAt: testBase},
	}, messaging.SourcePoll)
	assert.True(t, tr.IsRead("1"))

	_, err = tr.MarkConversationRead(context.Background())
	assert.NoError(t, err)
	assert.Len(t, marker.calls, 1)
}

func TestTracker_NilMarker(t *testing.T) {
	tr := NewTracker(nil, seededStore(), testSelfID, testPartnerID, nil)

	marked, err := tr.MarkConversationRead(context.Background())
	require.NoError(t, err)
	assert.Len(t, marked, 2)
}
