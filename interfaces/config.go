package interfaces

import (
	"errors"
	"fmt"
	"time"
)

// TransportMode selects the transport implementation.
type TransportMode string

const (
	// ModePush uses a bidirectional WebSocket channel.
	ModePush TransportMode = "push"
	// ModePoll uses periodic REST history re-fetches.
	ModePoll TransportMode = "poll"
	// ModeSimulation uses the in-memory simulated backend.
	ModeSimulation TransportMode = "sim"
)

var (
	// ErrInvalidMode indicates an unknown transport mode.
	ErrInvalidMode = errors.New("invalid transport mode")
	// ErrMissingEndpoint indicates the selected mode lacks a required URL.
	ErrMissingEndpoint = errors.New("missing endpoint")
	// ErrInvalidHistoryLimit indicates a non-positive history window.
	ErrInvalidHistoryLimit = errors.New("history limit must be positive")
	// ErrInvalidInterval indicates a non-positive poll interval.
	ErrInvalidInterval = errors.New("poll interval must be positive")
	// ErrInvalidTimeout indicates a negative request timeout.
	ErrInvalidTimeout = errors.New("request timeout must not be negative")
)

// TransportConfig holds configuration for transport implementations.
type TransportConfig struct {
	// Mode selects push, poll or simulation.
	Mode TransportMode

	// SocketURL is the WebSocket endpoint used in push mode.
	SocketURL string

	// APIBaseURL is the REST base URL. Push mode still uses it for
	// attachments, read receipts and presence.
	APIBaseURL string

	// HistoryLimit bounds the history window requested over the channel.
	HistoryLimit int

	// PollInterval is the delay between poll ticks.
	PollInterval time.Duration

	// RequestTimeout bounds every REST request. Zero disables the bound.
	RequestTimeout time.Duration

	// RequestsPerSecond caps outgoing REST calls. Zero disables the cap.
	RequestsPerSecond float64

	// ProbePresenceOnPoll makes every poll tick also probe partner presence.
	ProbePresenceOnPoll bool
}

// Validate checks the configuration for the selected mode.
func (c *TransportConfig) Validate() error {
	switch c.Mode {
	case ModePush:
		if c.SocketURL == "" {
			return fmt.Errorf("%w: push mode requires a socket URL", ErrMissingEndpoint)
		}
		if c.APIBaseURL == "" {
			return fmt.Errorf("%w: push mode requires an API base URL", ErrMissingEndpoint)
		}
	case ModePoll:
		if c.APIBaseURL == "" {
			return fmt.Errorf("%w: poll mode requires an API base URL", ErrMissingEndpoint)
		}
	case ModeSimulation:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if c.HistoryLimit <= 0 {
		return ErrInvalidHistoryLimit
	}
	if c.Mode == ModePoll && c.PollInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.RequestTimeout < 0 {
		return ErrInvalidTimeout
	}
	return nil
}
