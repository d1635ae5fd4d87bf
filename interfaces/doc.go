// Package interfaces defines the collaborator contracts between the chat
// synchronization core and the backend it talks to.
//
// The same session code runs against a WebSocket push channel, a REST poll
// loop, or an in-memory simulation. Each of those depends only on the narrow
// interfaces declared here, so tests can substitute any single capability.
//
// # Core Interfaces
//
// [ChatAPI] is the full REST surface of the chat backend. It is composed of
// single-method interfaces that components accept individually:
//
//   - [HistoryFetcher]: full conversation history for a participant pair.
//   - [MessageSender]: text send, returning the stored message.
//   - [AttachmentSender]: multipart send carrying one file.
//   - [ReadMarker]: marks a partner's messages as read.
//   - [TypingNotifier]: relays the local typing flag.
//   - [PresenceProber]: reports a user's online flag.
//
// A history fetch answered with "not found" must be reported as an empty
// conversation, not as an error.
//
// # Configuration
//
// [TransportConfig] selects and tunes the transport:
//
//	config := &interfaces.TransportConfig{
//	    Mode:         interfaces.ModePoll,
//	    APIBaseURL:   "https://crm.example.com/api",
//	    HistoryLimit: 50,
//	    PollInterval: 2 * time.Second,
//	}
//	if err := config.Validate(); err != nil {
//	    log.Fatalf("invalid config: %v", err)
//	}
//
// # Implementation Selection
//
// The factory package creates implementations based on [TransportMode]:
//   - ModePush: WebSocket channel plus REST for attachments and receipts
//   - ModePoll: REST only, periodic full history re-fetch
//   - ModeSimulation: in-memory backend from the simulation package
//
// # Thread Safety
//
// All implementations of these interfaces must be safe for concurrent use.
package interfaces
