// Package typing debounces local keystrokes into typing on/off notifications
// for a conversation partner.
//
// The first keystroke emits "typing" and arms an idle timer; further
// keystrokes only re-arm it. When the timer expires, or a message is sent,
// "stopped typing" is emitted. Emissions reach the sender in order on a
// single worker goroutine.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Default timings.
const (
	DefaultIdleTimeout = 2000 * time.Millisecond
	DefaultSendTimeout = 5 * time.Second
)

// SendFunc relays a typing flag to the partner.
type SendFunc func(ctx context.Context, isTyping bool) error

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// TimeProvider abstracts timer creation for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// AfterFunc calls f in its own goroutine after d.
func (DefaultTimeProvider) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Option configures a Controller.
type Option func(*Controller)

// WithIdleTimeout overrides the idle period after which typing stops.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.idle = d
		}
	}
}

// WithTimeProvider injects a time source.
func WithTimeProvider(tp TimeProvider) Option {
	return func(c *Controller) {
		if tp != nil {
			c.timeProvider = tp
		}
	}
}

// WithSendTimeout bounds each relay call.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// Controller owns the typing state and idle timer of one session.
type Controller struct {
	send         SendFunc
	idle         time.Duration
	sendTimeout  time.Duration
	timeProvider TimeProvider

	mu      sync.Mutex
	typing  bool
	timer   Timer
	gen     uint64
	stopped bool
	pending []bool
	lastKey time.Time

	notify chan struct{}
	done   chan struct{}
}

// NewController creates a controller and starts its emission worker.
func NewController(send SendFunc, opts ...Option) *Controller {
	c := &Controller{
		send:         send,
		idle:         DefaultIdleTimeout,
		sendTimeout:  DefaultSendTimeout,
		timeProvider: DefaultTimeProvider{},
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.worker()
	return c
}

// Keystroke records local input. Only a transition to typing emits.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.lastKey = c.timeProvider.Now()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	if !c.typing {
		c.typing = true
		c.enqueueLocked(true)
	}
	gen := c.gen
	c.timer = c.timeProvider.AfterFunc(c.idle, func() { c.expire(gen) })
}

// MessageSent ends typing immediately.
func (c *Controller) MessageSent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.resetLocked()
}

// Stop cancels the idle timer, emits a final "stopped typing" when needed,
// and shuts the worker down once pending emissions are delivered.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.resetLocked()
	c.stopped = true
	c.wakeLocked()
}

// Done is closed once the worker has delivered every emission after Stop.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// IsTyping reports the local typing state.
func (c *Controller) IsTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// LastKeystroke returns the time of the most recent keystroke.
func (c *Controller) LastKeystroke() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKey
}

// expire runs on the idle timer. A callback from a timer that was re-armed
// or cancelled carries an old generation and is ignored.
func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.stopped || !c.typing {
		return
	}
	c.timer = nil
	c.typing = false
	c.enqueueLocked(false)
}

func (c *Controller) resetLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.typing {
		c.typing = false
		c.enqueueLocked(false)
	}
}

func (c *Controller) enqueueLocked(isTyping bool) {
	c.pending = append(c.pending, isTyping)
	c.wakeLocked()
}

func (c *Controller) wakeLocked() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) worker() {
	defer close(c.done)

	for range c.notify {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		stopped := c.stopped
		c.mu.Unlock()

		for _, isTyping := range batch {
			c.emit(isTyping)
		}
		if stopped {
			c.mu.Lock()
			empty := len(c.pending) == 0
			c.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

func (c *Controller) emit(isTyping bool) {
	if c.send == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	if err := c.send(ctx, isTyping); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Controller.emit",
			"is_typing": isTyping,
			"error":     err.Error(),
		}).Warn("Failed to relay typing state")
	}
}
