package transport

import (
	"context"
	"errors"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/messaging"
)

var (
	// ErrConnection indicates the channel could not be established or was lost.
	ErrConnection = errors.New("connection error")
	// ErrHistoryFetch indicates a history request failed.
	ErrHistoryFetch = errors.New("history fetch error")
	// ErrSend indicates a message could not be delivered to the backend.
	ErrSend = errors.New("send error")
	// ErrAlreadyOpen indicates Open was called on an open transport. Switching
	// conversations requires Close followed by Open.
	ErrAlreadyOpen = errors.New("transport already open")
	// ErrNotOpen indicates an operation on a transport that is not open.
	ErrNotOpen = errors.New("transport not open")
)

// Transport owns the channel or poll loop of exactly one conversation at a
// time and publishes everything it receives as Events.
type Transport interface {
	// Open binds the transport to the (self, partner) conversation and starts
	// delivering events. It fails with ErrAlreadyOpen if already open.
	Open(ctx context.Context, selfID, partnerID string) error

	// Send delivers a message. Transports that receive the server copy
	// synchronously return it; channel transports return nil and the echo
	// arrives later as an IncomingMessage event.
	Send(ctx context.Context, msg interfaces.OutgoingMessage) (*messaging.Message, error)

	// SetTyping relays the local typing flag to the partner.
	SetTyping(ctx context.Context, isTyping bool) error

	// Close stops event delivery and releases the channel or poll loop.
	// Events from the closed conversation are never published afterwards.
	Close() error

	// Mode reports the implementation kind.
	Mode() interfaces.TransportMode
}
