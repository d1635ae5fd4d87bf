package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/opd-ai/chatsync/messaging"
)

// HistoryFetcher fetches the complete message history between two users.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, userID, receiverID string) ([]messaging.Message, error)
}

// MessageSender sends a text message and returns the stored server copy.
type MessageSender interface {
	SendMessage(ctx context.Context, msg OutgoingMessage) (*messaging.Message, error)
}

// AttachmentSender sends a message with one attached file as a single request.
type AttachmentSender interface {
	SendWithFile(ctx context.Context, upload FileUpload) (*messaging.Message, error)
}

// ReadMarker marks every message from senderID to userID as read.
type ReadMarker interface {
	MarkRead(ctx context.Context, userID, senderID string) error
}

// TypingNotifier relays whether userID is typing to receiverID.
type TypingNotifier interface {
	SendTyping(ctx context.Context, userID, receiverID string, isTyping bool) error
}

// PresenceProber reports whether a user is currently online.
type PresenceProber interface {
	OnlineStatus(ctx context.Context, userID string) (bool, error)
}

// ChatAPI is the complete REST surface of the chat backend.
type ChatAPI interface {
	HistoryFetcher
	MessageSender
	AttachmentSender
	ReadMarker
	TypingNotifier
	PresenceProber
}

// OutgoingMessage is a text message leaving the client.
type OutgoingMessage struct {
	SenderID    string
	ReceiverID  string
	Content     string
	ClientNonce string
	Timestamp   time.Time
}

// FileUpload is a message with one attached file. Body is read exactly once.
type FileUpload struct {
	SenderID   string
	ReceiverID string
	Text       string
	Filename   string
	MimeType   string
	Size       int64
	Body       io.Reader
}
