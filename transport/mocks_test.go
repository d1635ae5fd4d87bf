package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/messaging"
)

const (
	testSelfID    = "3"
	testPartnerID = "9"

	testEventWait    = 2 * time.Second
	testPollInterval = 20 * time.Millisecond
	testSettle       = 100 * time.Millisecond
)

// mockChatAPI is a configurable interfaces.ChatAPI.
type mockChatAPI struct {
	mu sync.Mutex

	history      []messaging.Message
	historyErr   error
	historyDelay time.Duration
	historyHold  chan struct{}
	online       bool
	onlineErr    error
	echo         *messaging.Message
	sendErr      error

	historyCalls atomic.Int32
	probeCalls   atomic.Int32
	inFlight     atomic.Int32
	maxInFlight  atomic.Int32

	sent   []interfaces.OutgoingMessage
	typing []bool
}

func (m *mockChatAPI) FetchHistory(ctx context.Context, userID, receiverID string) ([]messaging.Message, error) {
	m.historyCalls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.maxInFlight.Load()
		if n <= peak || m.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	m.mu.Lock()
	delay, history, err := m.historyDelay, m.history, m.historyErr
	hold := m.historyHold
	m.mu.Unlock()

	// hold ignores ctx, like a server that answers after the caller gave up.
	if hold != nil {
		<-hold
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]messaging.Message, len(history))
	copy(out, history)
	return out, nil
}

func (m *mockChatAPI) SendMessage(ctx context.Context, msg interfaces.OutgoingMessage) (*messaging.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return m.echo, nil
}

func (m *mockChatAPI) SendWithFile(ctx context.Context, upload interfaces.FileUpload) (*messaging.Message, error) {
	return nil, nil
}

func (m *mockChatAPI) MarkRead(ctx context.Context, userID, senderID string) error {
	return nil
}

func (m *mockChatAPI) SendTyping(ctx context.Context, userID, receiverID string, isTyping bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, isTyping)
	return nil
}

func (m *mockChatAPI) OnlineStatus(ctx context.Context, userID string) (bool, error) {
	m.probeCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.onlineErr
}

func (m *mockChatAPI) setHistory(msgs []messaging.Message, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = msgs
	m.historyErr = err
}

func (m *mockChatAPI) setHold(hold chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyHold = hold
}

func (m *mockChatAPI) setOnline(online bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
	m.onlineErr = err
}

// eventRecorder collects published events and signals each arrival.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 256)}
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// next waits for the next event of the given kind.
func (r *eventRecorder) next(kind EventKind) (Event, bool) {
	deadline := time.After(testEventWait)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind() == kind {
				return ev, true
			}
		case <-deadline:
			return nil, false
		}
	}
}
