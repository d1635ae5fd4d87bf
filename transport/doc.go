// Package transport delivers one conversation's messages, typing flags and
// presence updates from the chat backend to a session.
//
// # Architecture
//
// Every implementation satisfies the Transport interface and publishes what it
// receives as typed Events through a Handler, usually a Bus owned by the
// session:
//
//	type Transport interface {
//	    Open(ctx context.Context, selfID, partnerID string) error
//	    Send(ctx context.Context, msg interfaces.OutgoingMessage) (*messaging.Message, error)
//	    SetTyping(ctx context.Context, isTyping bool) error
//	    Close() error
//	    Mode() interfaces.TransportMode
//	}
//
// A transport is bound to exactly one conversation between Open and Close.
// Switching conversations requires Close followed by Open.
//
// # Implementations
//
// PushTransport keeps a WebSocket channel open. Frames are JSON envelopes:
//
//	{"event": "receiveMessage", "data": {...}}
//
// On Open it emits registerUser, joinRoom and getChatHistory, then translates
// receiveMessage, chatHistory, typing and userStatus frames into events.
//
//	push := transport.NewPushTransport(transport.PushConfig{URL: "wss://crm.example.com/ws"}, bus.Publish)
//
// PollTransport re-fetches the whole conversation over REST on a fixed
// interval. A tick that is still in flight suppresses the next tick, and a
// failed tick is logged without stopping the loop.
//
//	api := transport.NewAPIClient("https://crm.example.com/api", 10*time.Second, 5)
//	poll := transport.NewPollTransport(api, transport.PollConfig{Interval: 3 * time.Second}, handler, nil)
//
// APIClient implements interfaces.ChatAPI over the backend's REST endpoints
// using fasthttp, with an optional client side rate limit.
//
// # Late responses
//
// Both implementations drop anything that arrives after Close: the push read
// loop checks that its connection is still current, and poll ticks carry the
// run number they started in.
//
// # Errors
//
// ErrConnection, ErrHistoryFetch and ErrSend are wrapped with %w and can be
// matched with errors.Is. A 404 on history fetch is an empty conversation,
// not an error.
package transport
