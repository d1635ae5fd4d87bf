package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/messaging"
)

// socketServer is a WebSocket backend that records inbound frames and lets
// the test push frames to the connected client.
type socketServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []frame
	arrived  chan frame
	ready    chan struct{}
}

func newSocketServer(t *testing.T) *socketServer {
	t.Helper()
	s := &socketServer{
		arrived: make(chan frame, 64),
		ready:   make(chan struct{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		close(s.ready)

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, f)
			s.mu.Unlock()
			s.arrived <- f
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *socketServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *socketServer) push(t *testing.T, event string, data interface{}) {
	t.Helper()
	<-s.ready
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.conn.WriteJSON(frame{Event: event, Data: raw}))
}

func (s *socketServer) pushRaw(t *testing.T, payload string) {
	t.Helper()
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (s *socketServer) drop() {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close()
}

func (s *socketServer) nextFrame(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-s.arrived:
		return f
	case <-time.After(testEventWait):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func openPush(t *testing.T, s *socketServer) (*PushTransport, *eventRecorder) {
	t.Helper()
	rec := newEventRecorder()
	tr := NewPushTransport(PushConfig{URL: s.url(), HistoryLimit: 25}, rec.handle)
	require.NoError(t, tr.Open(context.Background(), testSelfID, testPartnerID))
	t.Cleanup(func() { tr.Close() })
	return tr, rec
}

func TestPushTransport_OpenHandshake(t *testing.T) {
	s := newSocketServer(t)
	tr, _ := openPush(t, s)
	assert.Equal(t, interfaces.ModePush, tr.Mode())

	register := s.nextFrame(t)
	assert.Equal(t, EventRegisterUser, register.Event)
	assert.JSONEq(t, `"3"`, string(register.Data))

	join := s.nextFrame(t)
	assert.Equal(t, EventJoinRoom, join.Event)
	assert.JSONEq(t, `{"user_id":"3","other_user_id":"9"}`, string(join.Data))

	history := s.nextFrame(t)
	assert.Equal(t, EventGetChatHistory, history.Event)
	assert.JSONEq(t, `{"chatId":"3_9","limit":25,"offset":0}`, string(history.Data))
}

func TestPushTransport_OpenTwice(t *testing.T) {
	s := newSocketServer(t)
	tr, _ := openPush(t, s)

	err := tr.Open(context.Background(), testSelfID, "10")
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestPushTransport_DialFailure(t *testing.T) {
	tr := NewPushTransport(PushConfig{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: 200 * time.Millisecond}, nil)

	err := tr.Open(context.Background(), testSelfID, testPartnerID)
	assert.ErrorIs(t, err, ErrConnection)

	_, err = tr.Send(context.Background(), interfaces.OutgoingMessage{Content: "x"})
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestPushTransport_InboundEvents(t *testing.T) {
	s := newSocketServer(t)
	_, rec := openPush(t, s)

	s.push(t, EventReceiveMessage, map[string]interface{}{
		"id": "msg-551", "sender_id": "9", "receiver_id": "3", "message": "Hello",
		"created_at": "2026-03-01T10:00:00Z",
	})
	ev, ok := rec.next(KindIncomingMessage)
	require.True(t, ok)
	incoming := ev.(IncomingMessage)
	require.Len(t, incoming.Messages, 1)
	assert.Equal(t, "msg-551", incoming.Messages[0].ID)

	s.push(t, EventChatHistory, map[string]interface{}{
		"messages": []map[string]interface{}{
			{"id": 1, "sender_id": 3, "receiver_id": 9, "message": "a"},
			{"id": 3, "sender_id": 9, "receiver_id": 3, "message": "b"},
		},
	})
	ev, ok = rec.next(KindHistoryBatch)
	require.True(t, ok)
	batch := ev.(HistoryBatch)
	assert.Equal(t, messaging.SourceHistory, batch.Source)
	assert.Len(t, batch.Messages, 2)

	s.push(t, EventTyping, map[string]interface{}{"user_id": 9, "is_typing": true})
	ev, ok = rec.next(KindTypingUpdate)
	require.True(t, ok)
	assert.Equal(t, TypingUpdate{UserID: "9", IsTyping: true}, ev)

	s.push(t, EventUserStatus, map[string]interface{}{"user_id": "9", "is_online": true})
	ev, ok = rec.next(KindPresenceUpdate)
	require.True(t, ok)
	assert.Equal(t, PresenceUpdate{UserID: "9", Online: true}, ev)
}

func TestPushTransport_MalformedFramesAreDropped(t *testing.T) {
	s := newSocketServer(t)
	_, rec := openPush(t, s)

	s.pushRaw(t, `not json`)
	s.pushRaw(t, `{"event":"receiveMessage","data":"oops"}`)
	s.pushRaw(t, `{"event":"somethingElse","data":{}}`)
	s.push(t, EventTyping, map[string]interface{}{"user_id": "9", "is_typing": false})

	ev, ok := rec.next(KindTypingUpdate)
	require.True(t, ok)
	assert.Equal(t, TypingUpdate{UserID: "9"}, ev)
	assert.Equal(t, 1, rec.count())
}

func TestPushTransport_SendAndTyping(t *testing.T) {
	s := newSocketServer(t)
	tr, _ := openPush(t, s)
	for i := 0; i < 3; i++ {
		s.nextFrame(t)
	}

	echo, err := tr.Send(context.Background(), interfaces.OutgoingMessage{
		SenderID:    testSelfID,
		ReceiverID:  testPartnerID,
		Content:     "Hello",
		ClientNonce: "nonce-1",
	})
	require.NoError(t, err)
	assert.Nil(t, echo)

	sent := s.nextFrame(t)
	assert.Equal(t, EventSendMessage, sent.Event)
	assert.JSONEq(t, `{"sender_id":"3","receiver_id":"9","message":"Hello","client_nonce":"nonce-1"}`, string(sent.Data))

	require.NoError(t, tr.SetTyping(context.Background(), true))
	typing := s.nextFrame(t)
	assert.Equal(t, EventTyping, typing.Event)
	assert.JSONEq(t, `{"user_id":"3","receiver_id":"9","is_typing":true}`, string(typing.Data))
}

func TestPushTransport_ConnectionLost(t *testing.T) {
	s := newSocketServer(t)
	_, rec := openPush(t, s)

	s.drop()

	ev, ok := rec.next(KindConnectionUpdate)
	require.True(t, ok)
	update := ev.(ConnectionUpdate)
	assert.False(t, update.Connected)
	assert.ErrorIs(t, update.Err, ErrConnection)
}

func TestPushTransport_NoEventsAfterClose(t *testing.T) {
	s := newSocketServer(t)
	tr, rec := openPush(t, s)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	<-s.ready
	s.mu.Lock()
	_ = s.conn.WriteJSON(frame{Event: EventTyping, Data: json.RawMessage(`{"user_id":"9","is_typing":true}`)})
	s.mu.Unlock()

	time.Sleep(testSettle)
	assert.Equal(t, 0, rec.count())

	assert.ErrorIs(t, tr.SetTyping(context.Background(), true), ErrNotOpen)
}

func TestPushTransport_ReopenAfterClose(t *testing.T) {
	s := newSocketServer(t)
	tr, _ := openPush(t, s)
	require.NoError(t, tr.Close())

	// The fake server accepts a single connection; a second server stands in
	// for the reconnect target.
	s2 := newSocketServer(t)
	tr.config.URL = s2.url()
	require.NoError(t, tr.Open(context.Background(), testSelfID, "10"))

	s2.nextFrame(t)
	s2.nextFrame(t)
	history := s2.nextFrame(t)
	assert.JSONEq(t, `{"chatId":"3_10","limit":25,"offset":0}`, string(history.Data))
}
