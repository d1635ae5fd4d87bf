package chatsync

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/messaging"
	"github.com/opd-ai/chatsync/metrics"
	simtesting "github.com/opd-ai/chatsync/testing"
	"github.com/opd-ai/chatsync/transport"
)

const (
	testSelfID    = "3"
	testPartnerID = "9"
	testOtherID   = "12"
	testWait      = 2 * time.Second
	testTick      = 5 * time.Millisecond
)

var testBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// updateRecorder collects the updates a session delivers.
type updateRecorder struct {
	mu    sync.Mutex
	kinds []UpdateKind
}

func (r *updateRecorder) record(kind UpdateKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *updateRecorder) all() []UpdateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UpdateKind(nil), r.kinds...)
}

func (r *updateRecorder) count(kind UpdateKind) int {
	n := 0
	for _, k := range r.all() {
		if k == kind {
			n++
		}
	}
	return n
}

// fakeTransport captures its handler so tests can publish events, including
// late ones after the session was torn down.
type fakeTransport struct {
	mu      sync.Mutex
	handler transport.Handler
	mode    interfaces.TransportMode
	open    bool
	opens   int
	closes  int
	openErr error
	sendErr error
	echo    func(interfaces.OutgoingMessage) *messaging.Message

	// With drain set, Close waits for an event being published, as the poll
	// and push transports do.
	drain  bool
	emitMu sync.Mutex
	block   chan struct{}
	sent    []interfaces.OutgoingMessage
	typing  []bool
}

func (f *fakeTransport) Open(ctx context.Context, selfID, partnerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	if f.open {
		return transport.ErrAlreadyOpen
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg interfaces.OutgoingMessage) (*messaging.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	block, sendErr, echo := f.block, f.sendErr, f.echo
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if sendErr != nil {
		return nil, sendErr
	}
	if echo == nil {
		return nil, nil
	}
	return echo(msg), nil
}

func (f *fakeTransport) SetTyping(ctx context.Context, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, isTyping)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.open = false
	drain := f.drain
	f.mu.Unlock()

	if drain {
		f.emitMu.Lock()
		f.emitMu.Unlock()
	}
	return nil
}

func (f *fakeTransport) Mode() interfaces.TransportMode {
	if f.mode == "" {
		return interfaces.ModePush
	}
	return f.mode
}

// emit publishes ev exactly as the transport's read loop would.
func (f *fakeTransport) emit(ev transport.Event) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	handler(ev)
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTransport) sentMessages() []interfaces.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interfaces.OutgoingMessage(nil), f.sent...)
}

func (f *fakeTransport) typingCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.typing...)
}

func (f *fakeTransport) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

// testHarness is a client whose sessions run on fake transports over a
// simulated backend.
type testHarness struct {
	client     *Client
	sim        *simtesting.SimulatedChatAPI
	clock      *manualClock
	collector  *metrics.Collector
	transports []*fakeTransport
	configure  func(f *fakeTransport)
	mu         sync.Mutex
}

func newHarness(t *testing.T, tweak ...func(o *Options)) *testHarness {
	t.Helper()
	h := &testHarness{
		sim:       simtesting.NewSimulatedChatAPI(),
		clock:     newManualClock(),
		collector: metrics.New(nil),
	}
	h.sim.SetClock(h.clock.Now)

	opts := NewOptions()
	opts.SelfID = testSelfID
	opts.Transport = &interfaces.TransportConfig{
		Mode:         interfaces.ModeSimulation,
		HistoryLimit: 50,
		PollInterval: time.Second,
	}
	opts.API = h.sim
	opts.Metrics = h.collector
	opts.TimeProvider = h.clock
	opts.PresenceInterval = 0
	for _, fn := range tweak {
		fn(opts)
	}

	client, err := New(opts)
	require.NoError(t, err)
	client.newTransport = func(api interfaces.ChatAPI, handler transport.Handler) (transport.Transport, error) {
		f := &fakeTransport{handler: handler}
		h.mu.Lock()
		if h.configure != nil {
			h.configure(f)
		}
		h.transports = append(h.transports, f)
		h.mu.Unlock()
		return f, nil
	}
	h.client = client
	t.Cleanup(func() { client.Close() })
	return h
}

// open opens a session with partnerID and returns it with its transport.
func (h *testHarness) open(t *testing.T, partnerID string) (*Session, *fakeTransport) {
	t.Helper()
	s, err := h.client.OpenSession(context.Background(), partnerID)
	require.NoError(t, err)
	return s, h.last()
}

func (h *testHarness) last() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[len(h.transports)-1]
}

// echoWithID answers sends with a confirmed server copy.
func echoWithID(id string, at time.Time) func(interfaces.OutgoingMessage) *messaging.Message {
	return func(out interfaces.OutgoingMessage) *messaging.Message {
		return &messaging.Message{
			ID:         id,
			SenderID:   out.SenderID,
			ReceiverID: out.ReceiverID,
			Content:    out.Content,
			CreatedAt:  at,
		}
	}
}

func partnerMessage(id, content string, at time.Time) messaging.Message {
	return messaging.Message{ID: id, SenderID: testPartnerID, ReceiverID: testSelfID, Content: content, CreatedAt: at}
}

func ids(msgs []messaging.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// manualClock fires AfterFunc callbacks only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: testBase}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward by d and runs due callbacks in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(target) {
			t.fired = true
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	c.mu.Unlock()

	for _, t := range due {
		c.mu.Lock()
		c.now = t.at
		c.mu.Unlock()
		t.f()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}
