package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/messaging"
	"github.com/opd-ai/chatsync/metrics"
)

// DefaultPollInterval is the delay between poll ticks.
const DefaultPollInterval = 3 * time.Second

// PollConfig configures a PollTransport.
type PollConfig struct {
	// Interval is the delay between ticks.
	Interval time.Duration
	// ProbePresence makes every tick also query the partner's online flag.
	ProbePresence bool
}

// PollTransport is a Transport that re-fetches the whole conversation over
// REST on a fixed interval. A tick still in flight suppresses the next one.
type PollTransport struct {
	api     interfaces.ChatAPI
	handler Handler
	config  PollConfig
	metrics *metrics.Collector

	mu        sync.Mutex
	open      bool
	running   bool
	selfID    string
	partnerID string
	stopChan  chan struct{}
	cancel    context.CancelFunc

	// run is bumped on every Stop and Close; a tick publishes only when the
	// run it started in is still current.
	run atomic.Uint64

	// emitMu orders publication against Close so nothing is published once
	// Close has returned.
	emitMu sync.Mutex
}

var _ Transport = (*PollTransport)(nil)

// NewPollTransport creates a poll transport over api. collector may be nil.
func NewPollTransport(api interfaces.ChatAPI, config PollConfig, handler Handler, collector *metrics.Collector) *PollTransport {
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	return &PollTransport{
		api:     api,
		handler: handler,
		config:  config,
		metrics: collector,
	}
}

// Mode implements Transport.
func (t *PollTransport) Mode() interfaces.TransportMode {
	return interfaces.ModePoll
}

// Open performs the first history fetch and starts the poll loop. A failed
// first fetch is logged; the loop still starts and retries on the next tick.
func (t *PollTransport) Open(ctx context.Context, selfID, partnerID string) error {
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return ErrAlreadyOpen
	}
	t.open = true
	t.selfID = selfID
	t.partnerID = partnerID
	run := t.run.Add(1)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "PollTransport.Open",
		"self_id":    selfID,
		"partner_id": partnerID,
		"interval":   t.config.Interval,
	}).Info("Opening poll transport")

	msgs, err := t.api.FetchHistory(ctx, selfID, partnerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PollTransport.Open",
			"error":    err.Error(),
		}).Warn("Initial history fetch failed")
		t.metrics.PollTick("error")
	} else {
		t.publish(run, HistoryBatch{Messages: msgs, Source: messaging.SourceHistory})
	}

	t.Start(t.config.Interval)
	return nil
}

// Start begins the poll loop. It is a no-op when the loop is running or the
// transport is not open.
func (t *PollTransport) Start(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open || t.running {
		return
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.running = true
	t.cancel = cancel
	t.stopChan = make(chan struct{})

	// Each run owns its busy flag so a straggling tick from a stopped run
	// never suppresses ticks of the next one.
	go t.pollLoop(ctx, t.stopChan, interval, t.run.Load(), new(atomic.Bool), t.selfID, t.partnerID)
}

// Stop halts the poll loop. Responses of ticks already in flight are
// discarded.
func (t *PollTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *PollTransport) stopLocked() {
	if !t.running {
		return
	}
	t.running = false
	t.run.Add(1)
	t.cancel()
	close(t.stopChan)
}

// Running reports whether the poll loop is active.
func (t *PollTransport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Send posts the message and returns the server copy.
func (t *PollTransport) Send(ctx context.Context, msg interfaces.OutgoingMessage) (*messaging.Message, error) {
	if !t.isOpen() {
		return nil, fmt.Errorf("%w: %w", ErrSend, ErrNotOpen)
	}
	echo, err := t.api.SendMessage(ctx, msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "PollTransport.Send",
			"client_nonce": msg.ClientNonce,
			"error":        err.Error(),
		}).Warn("Failed to send message")
		return nil, fmt.Errorf("%w: %w", ErrSend, err)
	}
	return echo, nil
}

// SetTyping relays the typing flag over REST.
func (t *PollTransport) SetTyping(ctx context.Context, isTyping bool) error {
	t.mu.Lock()
	open, selfID, partnerID := t.open, t.selfID, t.partnerID
	t.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	return t.api.SendTyping(ctx, selfID, partnerID, isTyping)
}

// Close stops the loop and unbinds the conversation.
func (t *PollTransport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.stopLocked()
	t.open = false
	t.run.Add(1)
	t.mu.Unlock()

	// Wait for any publication in progress to finish.
	t.emitMu.Lock()
	t.emitMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "PollTransport.Close",
	}).Info("Poll transport closed")
	return nil
}

func (t *PollTransport) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *PollTransport) pollLoop(ctx context.Context, stop <-chan struct{}, interval time.Duration, run uint64, busy *atomic.Bool, selfID, partnerID string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !busy.CompareAndSwap(false, true) {
				t.metrics.PollSkipped()
				logrus.WithFields(logrus.Fields{
					"function": "PollTransport.pollLoop",
				}).Debug("Previous tick still in flight, skipping")
				continue
			}
			go func() {
				defer busy.Store(false)
				t.tick(ctx, run, selfID, partnerID)
			}()
		case <-stop:
			return
		}
	}
}

// tick runs one history fetch and, when enabled, one presence probe.
// Failures are logged and never stop the loop.
func (t *PollTransport) tick(ctx context.Context, run uint64, selfID, partnerID string) {
	msgs, err := t.api.FetchHistory(ctx, selfID, partnerID)
	if err != nil {
		if ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "PollTransport.tick",
				"error":    err.Error(),
			}).Warn("Poll history fetch failed")
			t.metrics.PollTick("error")
		}
	} else {
		t.metrics.PollTick("ok")
		t.publish(run, HistoryBatch{Messages: msgs, Source: messaging.SourcePoll})
	}

	if !t.config.ProbePresence {
		return
	}
	online, err := t.api.OnlineStatus(ctx, partnerID)
	if err != nil {
		if ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function":   "PollTransport.tick",
				"partner_id": partnerID,
				"error":      err.Error(),
			}).Warn("Poll presence probe failed, keeping last known value")
			t.metrics.ProbeFailed()
		}
		return
	}
	t.publish(run, PresenceUpdate{UserID: partnerID, Online: online})
}

// publish forwards ev only while run is still the current run.
func (t *PollTransport) publish(run uint64, ev Event) {
	if t.handler == nil {
		return
	}
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	if t.run.Load() != run {
		logrus.WithFields(logrus.Fields{
			"function": "PollTransport.publish",
			"kind":     ev.Kind().String(),
		}).Debug("Dropping response from a stopped poll run")
		return
	}
	t.handler(ev)
}
