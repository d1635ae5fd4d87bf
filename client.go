package chatsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/factory"
	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/metrics"
	"github.com/opd-ai/chatsync/transport"
)

// transportConstructor builds the transport of a new session.
type transportConstructor func(api interfaces.ChatAPI, handler transport.Handler) (transport.Transport, error)

// Client owns the backend connection settings of one local user and the
// single active conversation session.
type Client struct {
	options      Options
	factory      *factory.TransportFactory
	api          interfaces.ChatAPI
	metrics      *metrics.Collector
	newTransport transportConstructor

	// openMu serializes session switches.
	openMu sync.Mutex

	mu         sync.Mutex
	active     *Session
	closed     bool
	generation atomic.Uint64
}

// New creates a client. A nil options uses NewOptions, which still requires
// SelfID to be set.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"error":    err.Error(),
		}).Error("Invalid client options")
		return nil, err
	}

	f := factory.NewTransportFactory()
	f.SetMetrics(options.Metrics)
	if options.Transport != nil {
		if err := f.UpdateConfig(options.Transport); err != nil {
			return nil, err
		}
	}

	api := options.API
	if api == nil {
		var err error
		api, err = f.CreateAPI()
		if err != nil {
			return nil, fmt.Errorf("create chat API: %w", err)
		}
	}

	c := &Client{
		options:      *options,
		factory:      f,
		api:          api,
		metrics:      options.Metrics,
		newTransport: f.CreateTransport,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self_id":  options.SelfID,
		"mode":     f.GetCurrentConfig().Mode,
	}).Info("Chat client created")

	return c, nil
}

// SelfID returns the local user id.
func (c *Client) SelfID() string {
	return c.options.SelfID
}

// Factory returns the transport factory, e.g. to reach the simulated backend.
func (c *Client) Factory() *factory.TransportFactory {
	return c.factory
}

// API returns the REST surface used by sessions.
func (c *Client) API() interfaces.ChatAPI {
	return c.api
}

// Generation returns the current session generation.
func (c *Client) Generation() uint64 {
	return c.generation.Load()
}

// ActiveSession returns the open session, or nil.
func (c *Client) ActiveSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// OpenSession tears down the active session, if any, and opens one with
// partnerID. When the transport cannot be established the session is still
// returned, in StateFailed, together with the error; Session.Reconnect
// retries.
func (c *Client) OpenSession(ctx context.Context, partnerID string) (*Session, error) {
	if partnerID == "" || partnerID == c.options.SelfID {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPartner, partnerID)
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	prev := c.active
	c.active = nil
	gen := c.generation.Add(1)
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	s, err := newSession(c, gen, partnerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.active = s
	c.mu.Unlock()
	c.metrics.SessionOpened()

	logrus.WithFields(logrus.Fields{
		"function":   "OpenSession",
		"self_id":    c.options.SelfID,
		"partner_id": partnerID,
		"chat_id":    s.ChatID(),
		"generation": gen,
	}).Info("Opening conversation session")

	return s, s.open(ctx)
}

// Close tears down the active session. The client cannot open sessions
// afterwards.
func (c *Client) Close() error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	prev := c.active
	c.active = nil
	c.generation.Add(1)
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.Close",
		"self_id":  c.options.SelfID,
	}).Info("Chat client closed")
	return nil
}

// retire invalidates s if it is still the active session.
func (c *Client) retire(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		c.active = nil
		c.generation.Add(1)
	}
}

// current reports whether gen is still the live generation.
func (c *Client) current(gen uint64) bool {
	return c.generation.Load() == gen
}
