package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/opd-ai/chatsync/limits"
	"github.com/opd-ai/chatsync/messaging"
)

// Push channel event names.
const (
	EventRegisterUser   = "registerUser"
	EventJoinRoom       = "joinRoom"
	EventGetChatHistory = "getChatHistory"
	EventChatHistory    = "chatHistory"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventTyping         = "typing"
	EventUserStatus     = "userStatus"
)

// frame is the JSON envelope of every push channel message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// wireID accepts identifiers encoded either as JSON strings or numbers.
type wireID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *wireID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = wireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = wireID(n.String())
	return nil
}

// wireTime accepts RFC 3339 strings or unix milliseconds.
type wireTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *wireTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// wireMessage is the backend's message representation.
type wireMessage struct {
	ID          wireID   `json:"id"`
	SenderID    wireID   `json:"sender_id"`
	ReceiverID  wireID   `json:"receiver_id"`
	Message     string   `json:"message"`
	FileURL     string   `json:"file_url,omitempty"`
	FileType    string   `json:"file_type,omitempty"`
	FileName    string   `json:"file_name,omitempty"`
	FileSize    int64    `json:"file_size,omitempty"`
	CreatedAt   wireTime `json:"created_at"`
	Timestamp   wireTime `json:"timestamp"`
	IsRead      bool     `json:"is_read"`
	ReadAt      wireTime `json:"read_at"`
	ClientNonce string   `json:"client_nonce,omitempty"`
}

// toMessage converts a wire message into the domain model. Inbound messages
// are confirmed by definition.
func (w *wireMessage) toMessage() messaging.Message {
	m := messaging.Message{
		ID:            string(w.ID),
		SenderID:      string(w.SenderID),
		ReceiverID:    string(w.ReceiverID),
		Content:       w.Message,
		CreatedAt:     w.CreatedAt.Time,
		DeliveryState: messaging.DeliverySent,
		ClientNonce:   w.ClientNonce,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = w.Timestamp.Time
	}
	if m.SenderID != "" && m.ReceiverID != "" {
		m.ConversationID = messaging.ChatID(m.SenderID, m.ReceiverID)
	}
	if w.FileURL != "" || w.FileName != "" {
		m.Attachment = &messaging.Attachment{
			URL:      w.FileURL,
			MimeType: w.FileType,
			Filename: w.FileName,
			Size:     w.FileSize,
		}
	}
	switch {
	case !w.ReadAt.IsZero():
		readAt := w.ReadAt.Time
		m.ReadAt = &readAt
	case w.IsRead:
		readAt := m.CreatedAt
		m.ReadAt = &readAt
	}
	return m
}

// decodeMessages accepts a single message object, an array of messages, or
// an object with a "messages" array.
func decodeMessages(data []byte) ([]messaging.Message, error) {
	if err := limits.ValidateFrame(data); err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var wire []wireMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("decode message list: %w", err)
		}
	case '{':
		var envelope struct {
			Messages *[]wireMessage `json:"messages"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("decode message envelope: %w", err)
		}
		if envelope.Messages != nil {
			wire = *envelope.Messages
			break
		}
		var single wireMessage
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		wire = []wireMessage{single}
	default:
		return nil, fmt.Errorf("decode messages: unexpected payload %q", data[:1])
	}

	out := make([]messaging.Message, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toMessage())
	}
	return out, nil
}

// Outbound payloads.

type joinRoomPayload struct {
	UserID      string `json:"user_id"`
	OtherUserID string `json:"other_user_id"`
}

type historyRequestPayload struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type sendMessagePayload struct {
	SenderID    string `json:"sender_id"`
	ReceiverID  string `json:"receiver_id"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp,omitempty"`
	ClientNonce string `json:"client_nonce,omitempty"`
}

type typingPayload struct {
	UserID     wireID `json:"user_id"`
	ReceiverID wireID `json:"receiver_id,omitempty"`
	IsTyping   bool   `json:"is_typing"`
}

type markReadPayload struct {
	UserID   string `json:"user_id"`
	SenderID string `json:"sender_id"`
}

type userStatusPayload struct {
	UserID   wireID `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

type onlineStatusResponse struct {
	IsOnline bool `json:"isOnline"`
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
