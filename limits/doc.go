// Package limits provides centralized size constants and validation functions
// for chat messages.
//
// # Limits
//
//   - MaxContentBytes (16KB): largest text body of one message.
//   - MaxFrameBytes (1MB): absolute maximum for any inbound WebSocket frame or
//     REST response body.
//   - Attachment size: configurable per client; UnlimitedAttachmentSize (the
//     default) leaves size checks to the caller.
//
// # Validation Functions
//
//	if err := limits.ValidateContent(text, attachment != nil); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// # Error Types
//
//   - ErrMessageEmpty: neither text nor attachment
//   - ErrMessageTooLarge: text above MaxContentBytes
//   - ErrAttachmentTooLarge: file above the configured maximum
//   - ErrFrameTooLarge: inbound payload above MaxFrameBytes
package limits
