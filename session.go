package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/file"
	"github.com/opd-ai/chatsync/messaging"
	"github.com/opd-ai/chatsync/metrics"
	"github.com/opd-ai/chatsync/presence"
	"github.com/opd-ai/chatsync/receipt"
	"github.com/opd-ai/chatsync/transport"
	"github.com/opd-ai/chatsync/typing"
)

// State is the lifecycle state of a Session.
type State uint8

const (
	// StateLoading means no history has been applied yet.
	StateLoading State = iota
	// StateReady means at least one history batch was applied.
	StateReady
	// StateFailed means the transport could not be established or was lost.
	StateFailed
	// StateClosed means the session was torn down.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// UpdateKind identifies what changed in a session.
type UpdateKind uint8

const (
	// UpdateMessages means the message list changed.
	UpdateMessages UpdateKind = iota
	// UpdateTyping means the partner started or stopped typing.
	UpdateTyping
	// UpdatePresence means the partner went online or offline.
	UpdatePresence
	// UpdateState means the session state changed.
	UpdateState
)

// String implements fmt.Stringer.
func (k UpdateKind) String() string {
	switch k {
	case UpdateMessages:
		return "messages"
	case UpdateTyping:
		return "typing"
	case UpdatePresence:
		return "presence"
	case UpdateState:
		return "state"
	default:
		return "unknown"
	}
}

// Session is one open conversation. It owns the transport, the message
// store, the typing timer, the presence ticker and pending acknowledgment
// timers of that conversation.
type Session struct {
	client       *Client
	gen          uint64
	selfID       string
	partnerID    string
	chatID       string
	autoMarkRead bool
	timeProvider TimeProvider
	metrics      *metrics.Collector

	store       *messaging.MessageStore
	bus         *transport.Bus
	transport   transport.Transport
	typing      *typing.Controller
	presence    *presence.Tracker
	receipts    *receipt.Tracker
	coordinator *SendCoordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connMu serializes opening and closing the transport.
	connMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastErr      error
	typingPeer   bool
	lastSynced   time.Time
	closed       bool
	onUpdate     func(UpdateKind)
	updates      *updateQueue
	receiptBusy  bool
	receiptAgain bool
}

func newSession(c *Client, gen uint64, partnerID string) (*Session, error) {
	opts := c.options
	tp := opts.timeProvider()

	s := &Session{
		client:       c,
		gen:          gen,
		selfID:       opts.SelfID,
		partnerID:    partnerID,
		chatID:       messaging.ChatID(opts.SelfID, partnerID),
		autoMarkRead: opts.AutoMarkRead,
		timeProvider: tp,
		metrics:      c.metrics,
		store:        messaging.NewMessageStore(opts.SelfID, messaging.WithTolerance(opts.ReconcileTolerance)),
		bus:          transport.NewBus(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.updates = newUpdateQueue()
	go s.updates.run(s.ctx, s.deliver)
	s.subscribe()

	tr, err := c.newTransport(c.api, func(ev transport.Event) { s.bus.Publish(ev) })
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	s.transport = tr

	s.typing = typing.NewController(tr.SetTyping,
		typing.WithIdleTimeout(opts.TypingIdleTimeout),
		typing.WithTimeProvider(tp))

	var prober = c.api
	interval := opts.PresenceInterval
	if interval <= 0 {
		prober = nil
	}
	s.presence = presence.NewTracker(prober, partnerID,
		presence.WithInterval(interval),
		presence.WithProbeTimeout(opts.ProbeTimeout),
		presence.WithMetrics(c.metrics),
		presence.WithTimeProvider(tp))
	s.presence.OnChange(func(bool) {
		if s.live() {
			s.notify(UpdatePresence)
		}
	})

	s.receipts = receipt.NewTracker(c.api, s.store, s.selfID, partnerID, c.metrics)
	s.receipts.SetTimeProvider(tp)

	pipeline := file.NewPipeline(c.api)
	pipeline.SetMaxSize(opts.MaxAttachmentSize)
	s.coordinator = newSendCoordinator(s, pipeline, opts.AckTimeout)

	return s, nil
}

func (s *Session) subscribe() {
	s.bus.Subscribe(transport.KindIncomingMessage, s.handleIncoming)
	s.bus.Subscribe(transport.KindHistoryBatch, s.handleHistory)
	s.bus.Subscribe(transport.KindTypingUpdate, s.handleTyping)
	s.bus.Subscribe(transport.KindPresenceUpdate, s.handlePresence)
	s.bus.Subscribe(transport.KindConnectionUpdate, s.handleConnection)
}

// open establishes the transport and starts presence probing. Presence is
// started even when the transport fails.
func (s *Session) open(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}
	defer s.presence.Start()

	if err := s.transport.Open(ctx, s.selfID, s.partnerID); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Reconnect closes and reopens the transport. It is the caller-driven retry
// after a connection failure; nothing reconnects automatically.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateLoading
	s.lastErr = nil
	s.mu.Unlock()
	s.notify(UpdateState)

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Session.Reconnect",
		"chat_id":    s.chatID,
		"generation": s.gen,
	}).Info("Reconnecting session transport")

	_ = s.transport.Close()
	if err := s.transport.Open(ctx, s.selfID, s.partnerID); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Close tears the session down: typing stops, presence stops, pending
// acknowledgment timers are cancelled and the transport is closed. Nothing
// reaches the store after Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.mu.Unlock()

	s.client.retire(s)

	s.typing.Stop()
	<-s.typing.Done()
	s.presence.Stop()
	s.coordinator.close()
	s.cancel()

	s.connMu.Lock()
	err := s.transport.Close()
	s.connMu.Unlock()

	s.wg.Wait()
	s.metrics.SessionClosed()

	fields := logrus.Fields{
		"function":   "Session.Close",
		"chat_id":    s.chatID,
		"generation": s.gen,
		"messages":   s.store.Len(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Info("Session closed")
}

// SelfID returns the local user id.
func (s *Session) SelfID() string { return s.selfID }

// PartnerID returns the conversation partner id.
func (s *Session) PartnerID() string { return s.partnerID }

// ChatID returns the canonical conversation id.
func (s *Session) ChatID() string { return s.chatID }

// Generation returns the client generation this session belongs to.
func (s *Session) Generation() uint64 { return s.gen }

// Mode reports the transport implementation in use.
func (s *Session) Mode() string { return string(s.transport.Mode()) }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error behind StateFailed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Messages returns a snapshot of the conversation in display order.
func (s *Session) Messages() []messaging.Message {
	return s.store.Snapshot()
}

// Message returns one message by id.
func (s *Session) Message(id string) (messaging.Message, bool) {
	return s.store.Get(id)
}

// Unread returns the number of partner messages not yet read.
func (s *Session) Unread() int {
	return s.receipts.Unread()
}

// TypingPeer reports whether the partner is typing.
func (s *Session) TypingPeer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingPeer
}

// PartnerOnline returns the partner's last known online flag and whether any
// value is known.
func (s *Session) PartnerOnline() (online, known bool) {
	return s.presence.Online()
}

// PartnerLastSeen returns when the partner was last observed online.
func (s *Session) PartnerLastSeen() time.Time {
	return s.presence.LastSeen()
}

// LastSyncedAt returns when a batch was last applied to the store.
func (s *Session) LastSyncedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSynced
}

// OnUpdate sets the callback invoked after the session changes. Callbacks run
// one at a time, in order, on a goroutine owned by the session, so they may
// call any session method, Close and Reconnect included. Updates still queued
// when the session closes are dropped.
func (s *Session) OnUpdate(callback func(UpdateKind)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = callback
}

// Keystroke records local input for the typing indicator.
func (s *Session) Keystroke() {
	if s.live() {
		s.typing.Keystroke()
	}
}

// Send sends a text message. See SendCoordinator.Send.
func (s *Session) Send(ctx context.Context, content string) (messaging.Message, error) {
	return s.coordinator.Send(ctx, content, nil)
}

// SendFile sends text with one attachment. See SendCoordinator.Send.
func (s *Session) SendFile(ctx context.Context, text string, attachment file.Descriptor) (messaging.Message, error) {
	return s.coordinator.Send(ctx, text, &attachment)
}

// Retry re-sends a failed message. See SendCoordinator.Retry.
func (s *Session) Retry(ctx context.Context, id string) (messaging.Message, error) {
	return s.coordinator.Retry(ctx, id)
}

// Coordinator returns the session's send coordinator.
func (s *Session) Coordinator() *SendCoordinator {
	return s.coordinator
}

// MarkRead marks the partner's unread messages read now, locally first.
func (s *Session) MarkRead(ctx context.Context) ([]string, error) {
	if !s.live() {
		return nil, ErrSessionClosed
	}
	marked, err := s.receipts.MarkConversationRead(ctx)
	if len(marked) > 0 {
		s.notify(UpdateMessages)
	}
	return marked, err
}

func (s *Session) handleIncoming(ev transport.Event) {
	in, ok := ev.(transport.IncomingMessage)
	if !ok {
		return
	}
	s.applyBatch(in.Messages, messaging.SourcePush, false)
}

func (s *Session) handleHistory(ev transport.Event) {
	batch, ok := ev.(transport.HistoryBatch)
	if !ok {
		return
	}
	s.applyBatch(batch.Messages, batch.Source, true)
}

// applyBatch merges one transport batch. A history batch moves the session
// to StateReady.
func (s *Session) applyBatch(msgs []messaging.Message, source messaging.Source, history bool) {
	batch := s.filter(msgs)

	s.mu.Lock()
	if !s.liveLocked() {
		s.mu.Unlock()
		s.dropStale("batch")
		return
	}
	result := s.store.Merge(batch, source)
	s.lastSynced = s.timeProvider.Now()
	stateChanged := false
	if history && s.state != StateReady {
		s.state = StateReady
		s.lastErr = nil
		stateChanged = true
	}
	callback := s.onUpdate
	s.mu.Unlock()

	s.metrics.ObserveMerge(source.String(), result.Added, result.Reconciled)

	if s.autoMarkRead && s.store.Unread(s.partnerID) > 0 {
		s.scheduleReceipt()
	}

	if stateChanged {
		s.updates.push(callback, UpdateState)
	}
	if result.Changed() {
		s.updates.push(callback, UpdateMessages)
	}
}

// filter drops messages that belong to another conversation and stamps the
// conversation id on the rest.
func (s *Session) filter(msgs []messaging.Message) []messaging.Message {
	out := make([]messaging.Message, 0, len(msgs))
	dropped := 0
	for _, m := range msgs {
		if !s.belongs(m) {
			dropped++
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = s.chatID
		}
		out = append(out, m)
	}
	if dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Session.filter",
			"chat_id":  s.chatID,
			"dropped":  dropped,
		}).Warn("Dropped messages from another conversation")
	}
	return out
}

func (s *Session) belongs(m messaging.Message) bool {
	if m.ReceiverID == "" {
		return m.SenderID == s.selfID || m.SenderID == s.partnerID
	}
	return messaging.ChatID(m.SenderID, m.ReceiverID) == s.chatID
}

func (s *Session) handleTyping(ev transport.Event) {
	update, ok := ev.(transport.TypingUpdate)
	if !ok || update.UserID != s.partnerID {
		return
	}

	s.mu.Lock()
	if !s.liveLocked() {
		s.mu.Unlock()
		s.dropStale("typing")
		return
	}
	changed := s.typingPeer != update.IsTyping
	s.typingPeer = update.IsTyping
	callback := s.onUpdate
	s.mu.Unlock()

	if changed {
		s.updates.push(callback, UpdateTyping)
	}
}

func (s *Session) handlePresence(ev transport.Event) {
	update, ok := ev.(transport.PresenceUpdate)
	if !ok || update.UserID != s.partnerID {
		return
	}
	if !s.live() {
		s.dropStale("presence")
		return
	}
	s.presence.Observe(update.Online)
}

func (s *Session) handleConnection(ev transport.Event) {
	update, ok := ev.(transport.ConnectionUpdate)
	if !ok || update.Err == nil {
		return
	}
	s.fail(update.Err)
}

// fail moves a live session to StateFailed.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if !s.liveLocked() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.lastErr = err
	callback := s.onUpdate
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Session.fail",
		"chat_id":  s.chatID,
		"error":    err.Error(),
	}).Warn("Session transport failed")

	s.updates.push(callback, UpdateState)
}

// scheduleReceipt runs one read-receipt pass in the background. A request
// arriving while a pass is running queues exactly one more pass.
func (s *Session) scheduleReceipt() {
	s.mu.Lock()
	if !s.liveLocked() {
		s.mu.Unlock()
		return
	}
	if s.receiptBusy {
		s.receiptAgain = true
		s.mu.Unlock()
		return
	}
	s.receiptBusy = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			marked, _ := s.receipts.MarkConversationRead(s.ctx)
			if len(marked) > 0 {
				s.notify(UpdateMessages)
			}

			s.mu.Lock()
			if !s.receiptAgain || !s.liveLocked() {
				s.receiptBusy = false
				s.receiptAgain = false
				s.mu.Unlock()
				return
			}
			s.receiptAgain = false
			s.mu.Unlock()
		}
	}()
}

// guarded runs fn under the session lock if the session is still live.
func (s *Session) guarded(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveLocked() {
		return false
	}
	fn()
	return true
}

func (s *Session) notify(kind UpdateKind) {
	s.mu.Lock()
	callback := s.onUpdate
	live := s.liveLocked()
	s.mu.Unlock()

	if live {
		s.updates.push(callback, kind)
	}
}

// deliver runs a queued update unless the session has gone stale since.
func (s *Session) deliver(u queuedUpdate) {
	if s.live() {
		u.callback(u.kind)
	}
}

func (s *Session) dropStale(what string) {
	s.metrics.StaleEvent()
	logrus.WithFields(logrus.Fields{
		"function":   "Session.dropStale",
		"chat_id":    s.chatID,
		"generation": s.gen,
		"event":      what,
	}).Debug("Dropped event for a torn down session")
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

func (s *Session) liveLocked() bool {
	return !s.closed && s.client.current(s.gen)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
