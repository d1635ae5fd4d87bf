// Package presence tracks whether a conversation partner is online.
//
// A Tracker probes the backend on a fixed interval and also accepts values
// pushed by a realtime channel. A failed probe keeps the last known value.
//
// Example:
//
//	tr := presence.NewTracker(api, "9")
//	tr.OnChange(func(online bool) { fmt.Println("partner online:", online) })
//	tr.Start()
//	defer tr.Stop()
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/metrics"
)

// Default timings.
const (
	// DefaultInterval is the delay between presence probes.
	DefaultInterval = 3000 * time.Millisecond
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 5 * time.Second
)

// ErrPresenceProbe indicates a presence probe failed.
var ErrPresenceProbe = errors.New("presence probe error")

// TimeProvider abstracts time for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval overrides the probe interval.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithProbeTimeout bounds each probe. Zero leaves probes bounded only by
// Stop.
func WithProbeTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.probeTimeout = d
	}
}

// WithMetrics records probe failures on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(t *Tracker) {
		t.metrics = collector
	}
}

// WithTimeProvider injects a time source.
func WithTimeProvider(tp TimeProvider) Option {
	return func(t *Tracker) {
		if tp != nil {
			t.timeProvider = tp
		}
	}
}

// Tracker holds the partner's last known online flag.
type Tracker struct {
	prober       interfaces.PresenceProber
	partnerID    string
	interval     time.Duration
	probeTimeout time.Duration
	metrics      *metrics.Collector
	timeProvider TimeProvider

	mu       sync.Mutex
	online   bool
	known    bool
	lastSeen time.Time
	lastErr  error
	onChange func(online bool)

	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	run      uint64
}

// NewTracker creates a tracker for partnerID. prober may be nil when values
// only arrive through Observe.
func NewTracker(prober interfaces.PresenceProber, partnerID string, opts ...Option) *Tracker {
	t := &Tracker{
		prober:       prober,
		partnerID:    partnerID,
		interval:     DefaultInterval,
		probeTimeout: DefaultProbeTimeout,
		timeProvider: DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange sets the callback invoked when the online flag flips, or is
// learned for the first time.
func (t *Tracker) OnChange(callback func(online bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = callback
}

// Online returns the last known flag and whether any value is known yet.
func (t *Tracker) Online() (online, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online, t.known
}

// LastSeen returns when the partner was last observed online.
func (t *Tracker) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// LastError returns the most recent probe failure, cleared by a success.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Observe records a value pushed by the backend.
func (t *Tracker) Observe(online bool) {
	t.mu.Lock()
	callback := t.applyLocked(online)
	t.mu.Unlock()

	if callback != nil {
		callback(online)
	}
}

// Start begins periodic probing with an immediate first probe. It is a
// no-op when already running or when no prober is configured.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running || t.prober == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.running = true
	t.run++
	t.cancel = cancel
	t.stopChan = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function":   "Tracker.Start",
		"partner_id": t.partnerID,
		"interval":   t.interval,
	}).Debug("Starting presence polling")

	go t.probeLoop(ctx, t.stopChan, t.run)
}

// Stop halts probing. A probe in flight is cancelled and its result dropped.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	t.run++
	t.cancel()
	close(t.stopChan)
}

// Running reports whether periodic probing is active.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// ProbeNow performs one probe outside the schedule.
func (t *Tracker) ProbeNow(ctx context.Context) error {
	t.mu.Lock()
	run := t.run
	t.mu.Unlock()
	return t.probe(ctx, run)
}

func (t *Tracker) probeLoop(ctx context.Context, stop <-chan struct{}, run uint64) {
	_ = t.probe(ctx, run)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = t.probe(ctx, run)
		case <-stop:
			return
		}
	}
}

// probe queries the backend once. Results from a stopped run are dropped and
// a failure leaves the known value untouched.
func (t *Tracker) probe(ctx context.Context, run uint64) error {
	if t.prober == nil {
		return fmt.Errorf("%w: no prober configured", ErrPresenceProbe)
	}
	if t.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.probeTimeout)
		defer cancel()
	}

	online, err := t.prober.OnlineStatus(ctx, t.partnerID)

	t.mu.Lock()
	if run != t.run {
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrPresenceProbe, err)
		t.lastErr = wrapped
		previous, known := t.online, t.known
		t.mu.Unlock()

		t.metrics.ProbeFailed()
		logrus.WithFields(logrus.Fields{
			"function":   "Tracker.probe",
			"partner_id": t.partnerID,
			"known":      known,
			"retained":   previous,
			"error":      err.Error(),
		}).Warn("Presence probe failed, keeping last known value")
		return wrapped
	}
	t.lastErr = nil
	callback := t.applyLocked(online)
	t.mu.Unlock()

	if callback != nil {
		callback(online)
	}
	return nil
}

// applyLocked stores a value and returns the change callback to invoke, if
// any.
func (t *Tracker) applyLocked(online bool) func(bool) {
	changed := !t.known || t.online != online
	t.online = online
	t.known = true
	if online {
		t.lastSeen = t.timeProvider.Now()
	}
	if !changed {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Tracker.apply",
		"partner_id": t.partnerID,
		"online":     online,
	}).Debug("Partner presence changed")

	return t.onChange
}
