// Package config loads chatsync client settings from YAML.
//
// Durations accept Go duration strings ("1500ms", "3s") or plain numbers of
// seconds. Sizes accept human-friendly strings such as "25MB" or "1 MiB".
//
//	self_id: "3"
//	transport:
//	  mode: push
//	  socket_url: wss://chat.example.com/ws
//	  api_base_url: https://chat.example.com/api
//	session:
//	  ack_timeout: 10s
//	  max_attachment_size: 25MB
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/chatsync"
	"github.com/opd-ai/chatsync/factory"
	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/metrics"
)

// EnvConfigPath names the variable consulted when no --config flag is given.
const EnvConfigPath = "CHATSYNC_CONFIG"

const (
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultMetricsPath = "/metrics"
)

var (
	// ErrConfigNotFound indicates a missing configuration file.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrInvalidConfig indicates a configuration value that fails validation.
	ErrInvalidConfig = errors.New("invalid config")
)

// Default returns a Config holding the built-in defaults.
func Default() *Config {
	transport := factory.DefaultConfig()
	opts := chatsync.NewOptions()
	autoMarkRead := opts.AutoMarkRead
	return &Config{
		Transport: TransportConfig{
			Mode:           string(transport.Mode),
			HistoryLimit:   transport.HistoryLimit,
			PollInterval:   Duration(transport.PollInterval),
			RequestTimeout: Duration(transport.RequestTimeout),
		},
		Session: SessionConfig{
			ReconcileTolerance: Duration(opts.ReconcileTolerance),
			TypingIdle:         Duration(opts.TypingIdleTimeout),
			PresenceInterval:   Duration(opts.PresenceInterval),
			ProbeTimeout:       Duration(opts.ProbeTimeout),
			AckTimeout:         Duration(opts.AckTimeout),
			AutoMarkRead:       &autoMarkRead,
		},
		Logging: LoggingConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Metrics: MetricsConfig{Path: defaultMetricsPath},
	}
}

// LoadConfigFile reads and parses a config file on top of Default.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadConfigFile",
		"path":     path,
		"mode":     cfg.Transport.Mode,
	}).Debug("Loaded configuration file")
	return cfg, nil
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return flagPath
}

// Validate fills in missing defaults and returns an error if any value is
// invalid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SelfID) == "" {
		return fmt.Errorf("%w: self_id is required", ErrInvalidConfig)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "":
		c.Logging.Format = defaultLogFormat
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}

	durations := map[string]Duration{
		"session.reconcile_tolerance": c.Session.ReconcileTolerance,
		"session.typing_idle":         c.Session.TypingIdle,
		"session.presence_interval":   c.Session.PresenceInterval,
		"session.probe_timeout":       c.Session.ProbeTimeout,
		"session.ack_timeout":         c.Session.AckTimeout,
	}
	for key, d := range durations {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
		}
	}
	if c.Session.MaxAttachmentSize < 0 {
		return fmt.Errorf("%w: session.max_attachment_size must not be negative", ErrInvalidConfig)
	}
	if c.Transport.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: transport.requests_per_second must not be negative", ErrInvalidConfig)
	}

	if err := c.TransportConfig().Validate(); err != nil {
		return fmt.Errorf("%w: transport: %w", ErrInvalidConfig, err)
	}
	return nil
}

// TransportConfig converts the transport section.
func (c *Config) TransportConfig() *interfaces.TransportConfig {
	return &interfaces.TransportConfig{
		Mode:                interfaces.TransportMode(strings.ToLower(c.Transport.Mode)),
		SocketURL:           c.Transport.SocketURL,
		APIBaseURL:          c.Transport.APIBaseURL,
		HistoryLimit:        c.Transport.HistoryLimit,
		PollInterval:        c.Transport.PollInterval.Duration(),
		RequestTimeout:      c.Transport.RequestTimeout.Duration(),
		RequestsPerSecond:   c.Transport.RequestsPerSecond,
		ProbePresenceOnPoll: c.Transport.ProbePresenceOnPoll,
	}
}

// Options builds client options. collector may be nil.
func (c *Config) Options(collector *metrics.Collector) *chatsync.Options {
	opts := chatsync.NewOptions()
	opts.SelfID = c.SelfID
	opts.Transport = c.TransportConfig()
	opts.ReconcileTolerance = c.Session.ReconcileTolerance.Duration()
	opts.TypingIdleTimeout = c.Session.TypingIdle.Duration()
	opts.PresenceInterval = c.Session.PresenceInterval.Duration()
	opts.ProbeTimeout = c.Session.ProbeTimeout.Duration()
	opts.AckTimeout = c.Session.AckTimeout.Duration()
	opts.MaxAttachmentSize = c.Session.MaxAttachmentSize.Int64()
	if c.Session.AutoMarkRead != nil {
		opts.AutoMarkRead = *c.Session.AutoMarkRead
	}
	opts.Metrics = collector
	return opts
}

// ConfigureLogging applies the logging section to the standard logrus logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)
	if strings.EqualFold(c.Logging.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
