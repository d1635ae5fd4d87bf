// Package factory creates the REST client and the conversation transport for
// a chatsync session from configuration.
//
// The factory lets consuming code switch between the push channel, REST
// polling and the in-memory simulated backend without changing call sites.
//
// # Configuration
//
// NewTransportFactory starts from DefaultConfig and applies environment
// overrides:
//   - CHATSYNC_TRANSPORT_MODE: "push", "poll" or "sim"
//   - CHATSYNC_SOCKET_URL: WebSocket endpoint for push mode
//   - CHATSYNC_API_BASE_URL: REST base URL
//   - CHATSYNC_HISTORY_LIMIT: history window, 1 to 1000
//   - CHATSYNC_POLL_INTERVAL_MS: poll interval, 100 to 600000
//   - CHATSYNC_REQUEST_TIMEOUT_MS: REST timeout, 100 to 600000
//   - CHATSYNC_REQUESTS_PER_SECOND: client side rate limit, 0 disables
//   - CHATSYNC_PROBE_PRESENCE_ON_POLL: "true" to probe presence every tick
//
// Values that fail to parse or fall outside their bounds are logged and
// ignored.
//
// # Usage
//
//	f := factory.NewTransportFactory()
//	api, err := f.CreateAPI()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tr, err := f.CreateTransport(api, bus.Publish)
//
// # Testing Support
//
// CreateSimulationForTesting returns a poll transport over a fresh simulated
// backend with a short poll interval:
//
//	tr, sim := f.CreateSimulationForTesting(handler)
//	sim.Inject(messaging.Message{SenderID: "9", ReceiverID: "3", Content: "Hi"})
package factory
