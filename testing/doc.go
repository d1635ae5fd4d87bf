// Package testing provides an in-memory chat backend for deterministic tests
// and offline demos of the chatsync library.
//
// # Overview
//
// SimulatedChatAPI implements interfaces.ChatAPI without any network I/O.
// It stores messages per conversation, assigns sequential numeric ids,
// records every call in a log, and can be told to fail upcoming calls.
//
// # Simulation vs Real Implementation
//
//   - Simulation (this package): everything happens in memory. The factory
//     selects it for the "sim" transport mode, behind a PollTransport.
//
//   - Real (transport package): APIClient talks to the backend's REST
//     endpoints and PushTransport keeps a WebSocket channel open.
//
// # Usage
//
//	sim := testing.NewSimulatedChatAPI()
//	sim.SetOnline("9", true)
//	sim.Inject(messaging.Message{SenderID: "9", ReceiverID: "3", Content: "Hi"})
//
//	// Fail the next send
//	sim.FailNext(testing.OpSend, nil)
//
//	log := sim.GetCallLog()
//
// # Thread Safety
//
// All methods on SimulatedChatAPI are safe for concurrent use.
package testing
