package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/limits"
	"github.com/opd-ai/chatsync/messaging"
)

// Push transport defaults.
const (
	DefaultHistoryLimit     = 50
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// PushConfig configures a PushTransport.
type PushConfig struct {
	// URL is the WebSocket endpoint, e.g. "wss://crm.example.com/ws".
	URL string
	// HistoryLimit bounds the history window requested on open.
	HistoryLimit int
	// HandshakeTimeout bounds the WebSocket handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
	// Header is sent with the handshake request (e.g. an auth token).
	Header http.Header
}

// PushTransport is a Transport over a bidirectional WebSocket channel. It
// holds at most one connection; switching conversations requires Close then
// Open.
type PushTransport struct {
	config  PushConfig
	handler Handler
	dialer  *websocket.Dialer

	conn      *websocket.Conn
	selfID    string
	partnerID string
	done      chan struct{}

	mu      sync.Mutex
	writeMu sync.Mutex
}

var _ Transport = (*PushTransport)(nil)

// NewPushTransport creates a push transport that publishes events to handler.
func NewPushTransport(config PushConfig, handler Handler) *PushTransport {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	return &PushTransport{
		config:  config,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// Mode implements Transport.
func (t *PushTransport) Mode() interfaces.TransportMode {
	return interfaces.ModePush
}

// Open dials the channel, registers the local user, joins the conversation
// room and requests the first history window.
func (t *PushTransport) Open(ctx context.Context, selfID, partnerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return ErrAlreadyOpen
	}

	logrus.WithFields(logrus.Fields{
		"function":   "PushTransport.Open",
		"url":        t.config.URL,
		"self_id":    selfID,
		"partner_id": partnerID,
	}).Info("Opening push channel")

	conn, resp, err := t.dialer.DialContext(ctx, t.config.URL, t.config.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PushTransport.Open",
			"url":      t.config.URL,
			"error":    err.Error(),
		}).Error("Failed to establish push channel")
		return fmt.Errorf("%w: dial %s: %w", ErrConnection, t.config.URL, err)
	}
	conn.SetReadLimit(limits.MaxFrameBytes)

	handshake := []struct {
		event string
		data  interface{}
	}{
		{EventRegisterUser, selfID},
		{EventJoinRoom, joinRoomPayload{UserID: selfID, OtherUserID: partnerID}},
		{EventGetChatHistory, historyRequestPayload{
			ChatID: messaging.ChatID(selfID, partnerID),
			Limit:  t.config.HistoryLimit,
			Offset: 0,
		}},
	}
	for _, step := range handshake {
		if err := t.writeFrame(conn, step.event, step.data); err != nil {
			conn.Close()
			return fmt.Errorf("%w: %s: %w", ErrConnection, step.event, err)
		}
	}

	t.conn = conn
	t.selfID = selfID
	t.partnerID = partnerID
	t.done = make(chan struct{})
	go t.readLoop(conn, t.done)

	logrus.WithFields(logrus.Fields{
		"function":      "PushTransport.Open",
		"chat_id":       messaging.ChatID(selfID, partnerID),
		"history_limit": t.config.HistoryLimit,
	}).Info("Push channel established")

	return nil
}

// Send emits a sendMessage event. The server copy arrives later as a
// receiveMessage broadcast, so no echo is returned.
func (t *PushTransport) Send(ctx context.Context, msg interfaces.OutgoingMessage) (*messaging.Message, error) {
	conn, _, _ := t.current()
	if conn == nil {
		return nil, fmt.Errorf("%w: %w", ErrSend, ErrNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSend, err)
	}

	err := t.writeFrame(conn, EventSendMessage, sendMessagePayload{
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Message:     msg.Content,
		Timestamp:   formatTimestamp(msg.Timestamp),
		ClientNonce: msg.ClientNonce,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "PushTransport.Send",
			"client_nonce": msg.ClientNonce,
			"error":        err.Error(),
		}).Warn("Failed to emit message")
		return nil, fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil, nil
}

// SetTyping emits a typing event for the current conversation.
func (t *PushTransport) SetTyping(ctx context.Context, isTyping bool) error {
	conn, selfID, partnerID := t.current()
	if conn == nil {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.writeFrame(conn, EventTyping, typingPayload{
		UserID:     wireID(selfID),
		ReceiverID: wireID(partnerID),
		IsTyping:   isTyping,
	})
}

// Close disconnects the channel and waits for the read loop to exit. No
// event from the closed connection is published afterwards.
func (t *PushTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	done := t.done
	t.conn = nil
	t.done = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	err := conn.Close()
	<-done

	logrus.WithFields(logrus.Fields{
		"function": "PushTransport.Close",
	}).Info("Push channel closed")

	return err
}

func (t *PushTransport) current() (*websocket.Conn, string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.selfID, t.partnerID
}

// writeFrame serializes writes; the WebSocket connection supports a single
// concurrent writer.
func (t *PushTransport) writeFrame(conn *websocket.Conn, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame{Event: event, Data: raw})
}

func (t *PushTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.isCurrent(conn) {
				logrus.WithFields(logrus.Fields{
					"function": "PushTransport.readLoop",
					"error":    err.Error(),
				}).Error("Push channel lost")
				t.publish(conn, ConnectionUpdate{
					Connected: false,
					Err:       fmt.Errorf("%w: %w", ErrConnection, err),
				})
			}
			return
		}
		t.dispatch(conn, data)
	}
}

func (t *PushTransport) dispatch(conn *websocket.Conn, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PushTransport.dispatch",
			"error":    err.Error(),
		}).Warn("Dropping undecodable frame")
		return
	}

	switch f.Event {
	case EventReceiveMessage:
		msgs, err := decodeMessages(f.Data)
		if err != nil {
			t.logDecodeError(f.Event, err)
			return
		}
		t.publish(conn, IncomingMessage{Messages: msgs})

	case EventChatHistory:
		msgs, err := decodeMessages(f.Data)
		if err != nil {
			t.logDecodeError(f.Event, err)
			return
		}
		t.publish(conn, HistoryBatch{Messages: msgs, Source: messaging.SourceHistory})

	case EventTyping:
		var p typingPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.logDecodeError(f.Event, err)
			return
		}
		t.publish(conn, TypingUpdate{UserID: string(p.UserID), IsTyping: p.IsTyping})

	case EventUserStatus:
		var p userStatusPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.logDecodeError(f.Event, err)
			return
		}
		t.publish(conn, PresenceUpdate{UserID: string(p.UserID), Online: p.IsOnline})

	default:
		logrus.WithFields(logrus.Fields{
			"function": "PushTransport.dispatch",
			"event":    f.Event,
		}).Debug("Ignoring unknown event")
	}
}

func (t *PushTransport) isCurrent(conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn == conn
}

// publish forwards ev only while conn is still the active connection.
func (t *PushTransport) publish(conn *websocket.Conn, ev Event) {
	if t.handler == nil || !t.isCurrent(conn) {
		return
	}
	t.handler(ev)
}

func (t *PushTransport) logDecodeError(event string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "PushTransport.dispatch",
		"event":    event,
		"error":    err.Error(),
	}).Warn("Dropping malformed event payload")
}
