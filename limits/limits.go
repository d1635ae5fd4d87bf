// Package limits provides centralized size limits for chat content and wire
// frames. This ensures consistent validation across different components.
package limits

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxContentBytes is the largest text body accepted for a single message.
	MaxContentBytes = 16384

	// MaxFrameBytes is the absolute maximum for any inbound frame or response
	// body. This prevents memory exhaustion from a misbehaving backend (1MB).
	MaxFrameBytes = 1024 * 1024

	// UnlimitedAttachmentSize disables attachment size validation.
	UnlimitedAttachmentSize = 0
)

var (
	// ErrMessageEmpty indicates a message with neither text nor attachment.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message text exceeds MaxContentBytes.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrAttachmentTooLarge indicates a file larger than the configured maximum.
	ErrAttachmentTooLarge = errors.New("attachment too large")

	// ErrFrameTooLarge indicates an inbound payload above MaxFrameBytes.
	ErrFrameTooLarge = errors.New("frame too large")
)

// ValidateContent validates message text. Whitespace-only text counts as
// empty; it is allowed only when the message carries an attachment.
func ValidateContent(content string, hasAttachment bool) error {
	if strings.TrimSpace(content) == "" && !hasAttachment {
		return ErrMessageEmpty
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(content), MaxContentBytes)
	}
	return nil
}

// ValidateAttachmentSize validates a file size against maxSize. A maxSize of
// UnlimitedAttachmentSize accepts any size.
func ValidateAttachmentSize(size, maxSize int64) error {
	if maxSize <= UnlimitedAttachmentSize {
		return nil
	}
	if size > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrAttachmentTooLarge, size, maxSize)
	}
	return nil
}

// ValidateFrame validates inbound data against MaxFrameBytes.
func ValidateFrame(data []byte) error {
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrFrameTooLarge, len(data), MaxFrameBytes)
	}
	return nil
}
