// Package chatsync keeps one conversation between two users in sync with a
// chat backend.
//
// Messages arrive from a realtime push channel or from periodic REST
// re-fetches, and locally sent messages are shown before the backend confirms
// them. Every source is folded into a single ordered, deduplicated
// [messaging.MessageStore]. Each session also tracks the partner's typing
// state and presence, issues read receipts and uploads attachments.
//
// # Getting Started
//
//	options := chatsync.NewOptions()
//	options.SelfID = "3"
//	options.Transport = &interfaces.TransportConfig{
//	    Mode:         interfaces.ModePush,
//	    SocketURL:    "wss://chat.example.com/socket",
//	    APIBaseURL:   "https://chat.example.com/api",
//	    HistoryLimit: 50,
//	}
//
//	client, err := chatsync.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	session, err := client.OpenSession(ctx, "9")
//	if err != nil {
//	    // The session is returned in StateFailed; Reconnect retries.
//	    log.Println(err)
//	}
//
//	session.OnUpdate(func(kind chatsync.UpdateKind) {
//	    if kind == chatsync.UpdateMessages {
//	        render(session.Messages())
//	    }
//	})
//
//	session.Keystroke()
//	msg, err := session.Send(ctx, "Hello")
//	if err != nil {
//	    // msg stays visible with DeliveryFailed; session.Retry(ctx, msg.ID)
//	}
//
// # Sessions
//
// A [Client] has at most one active [Session]. Opening a session for another
// partner tears the previous one down first: its transport is closed, its
// timers are cancelled and its store is discarded. Every session captures the
// client's generation counter when it is opened, and any event, poll response,
// presence probe or acknowledgment timeout that arrives after the generation
// moved on is dropped without touching the store.
//
// # Transports
//
// The transport is chosen by [interfaces.TransportConfig.Mode]:
//
//   - push: a WebSocket channel delivering history and new messages
//   - poll: REST history re-fetches on a fixed interval
//   - sim: polling against an in-memory backend, for demos and tests
//
// # Time
//
// All timers go through [TimeProvider] so tests can drive them manually.
package chatsync
