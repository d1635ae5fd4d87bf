package chatsync

import (
	"errors"
	"time"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/messaging"
	"github.com/opd-ai/chatsync/metrics"
	"github.com/opd-ai/chatsync/presence"
	"github.com/opd-ai/chatsync/typing"
)

// DefaultAckTimeout is how long a message sent over the push channel may
// stay unconfirmed before it is marked failed.
const DefaultAckTimeout = 10 * time.Second

var (
	// ErrMissingSelfID indicates Options without a local user id.
	ErrMissingSelfID = errors.New("self id is required")
	// ErrInvalidPartner indicates an empty partner id or a chat with oneself.
	ErrInvalidPartner = errors.New("invalid partner id")
	// ErrSessionClosed indicates an operation on a session that was torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrClientClosed indicates an operation on a closed client.
	ErrClientClosed = errors.New("client closed")
	// ErrMessageNotFound indicates an unknown message id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotRetryable indicates a retry of a message that is not a failed local send.
	ErrNotRetryable = errors.New("message is not a failed local send")
)

// Options contains configuration options for creating a Client.
type Options struct {
	// SelfID is the authenticated local user.
	SelfID string

	// Transport selects and configures the transport. When nil the factory
	// defaults with CHATSYNC_* environment overrides are used.
	Transport *interfaces.TransportConfig

	// API replaces the REST client built from Transport. Useful for tests and
	// for callers that already own an authenticated client.
	API interfaces.ChatAPI

	ReconcileTolerance time.Duration
	TypingIdleTimeout  time.Duration

	// PresenceInterval is the partner probe cadence. Zero disables probing;
	// pushed presence updates are still applied.
	PresenceInterval time.Duration
	ProbeTimeout     time.Duration

	// AckTimeout bounds how long a push-mode send waits for its echo. Zero
	// disables the timeout.
	AckTimeout time.Duration

	// MaxAttachmentSize rejects larger files before upload. Zero disables
	// the check.
	MaxAttachmentSize int64

	// AutoMarkRead marks the partner's messages read whenever a batch
	// containing unread ones is applied.
	AutoMarkRead bool

	Metrics      *metrics.Collector
	TimeProvider TimeProvider
}

// NewOptions creates a new default options.
func NewOptions() *Options {
	return &Options{
		ReconcileTolerance: messaging.DefaultReconcileTolerance,
		TypingIdleTimeout:  typing.DefaultIdleTimeout,
		PresenceInterval:   presence.DefaultInterval,
		ProbeTimeout:       presence.DefaultProbeTimeout,
		AckTimeout:         DefaultAckTimeout,
		AutoMarkRead:       true,
		TimeProvider:       RealTimeProvider{},
	}
}

func (o *Options) validate() error {
	if o.SelfID == "" {
		return ErrMissingSelfID
	}
	if o.Transport != nil {
		if err := o.Transport.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (o *Options) timeProvider() TimeProvider {
	if o.TimeProvider == nil {
		return RealTimeProvider{}
	}
	return o.TimeProvider
}
