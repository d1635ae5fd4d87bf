package factory

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/metrics"
	simtesting "github.com/opd-ai/chatsync/testing"
	"github.com/opd-ai/chatsync/transport"
)

// Validation constants for configuration bounds checking.
const (
	// MinHistoryLimit is the smallest history window that can be requested.
	MinHistoryLimit = 1
	// MaxHistoryLimit is the largest history window that can be requested.
	MaxHistoryLimit = 1000
	// MinIntervalMs is the minimum poll interval and request timeout in milliseconds.
	MinIntervalMs = 100
	// MaxIntervalMs is the maximum poll interval and request timeout in milliseconds (10 minutes).
	MaxIntervalMs = 600000
	// MaxRequestsPerSecond caps the configurable client side rate limit.
	MaxRequestsPerSecond = 1000
)

// Environment variables read by NewTransportFactory.
const (
	EnvTransportMode    = "CHATSYNC_TRANSPORT_MODE"
	EnvSocketURL        = "CHATSYNC_SOCKET_URL"
	EnvAPIBaseURL       = "CHATSYNC_API_BASE_URL"
	EnvHistoryLimit     = "CHATSYNC_HISTORY_LIMIT"
	EnvPollIntervalMs   = "CHATSYNC_POLL_INTERVAL_MS"
	EnvRequestTimeoutMs = "CHATSYNC_REQUEST_TIMEOUT_MS"
	EnvRequestsPerSec   = "CHATSYNC_REQUESTS_PER_SECOND"
	EnvProbeOnPoll      = "CHATSYNC_PROBE_PRESENCE_ON_POLL"
)

// TransportFactory creates the REST client and the transport for a session
// based on configuration. It is safe for concurrent use.
type TransportFactory struct {
	mu            sync.RWMutex
	defaultConfig *interfaces.TransportConfig
	metrics       *metrics.Collector
	sim           *simtesting.SimulatedChatAPI
}

// TestConfigOption is a functional option for customizing test simulation configuration.
type TestConfigOption func(*interfaces.TransportConfig)

// NewTransportFactory creates a factory with default configuration and
// CHATSYNC_* environment overrides applied.
func NewTransportFactory() *TransportFactory {
	defaultConfig := DefaultConfig()
	applyEnvironmentOverrides(defaultConfig)
	logConfigurationInfo(defaultConfig)

	return &TransportFactory{
		defaultConfig: defaultConfig,
	}
}

// DefaultConfig returns the built-in configuration.
//
// Default Value Rationale:
//   - Mode: push - the realtime channel is the primary transport
//   - HistoryLimit: 50 - the window requested when a push channel opens
//   - PollInterval: 3000ms - matches the presence probe cadence
//   - RequestTimeout: 10000ms - bounds every REST call
func DefaultConfig() *interfaces.TransportConfig {
	return &interfaces.TransportConfig{
		Mode:           interfaces.ModePush,
		HistoryLimit:   transport.DefaultHistoryLimit,
		PollInterval:   transport.DefaultPollInterval,
		RequestTimeout: 10 * time.Second,
	}
}

// applyEnvironmentOverrides updates configuration from CHATSYNC_* variables.
// Invalid or out of range values are logged and ignored.
func applyEnvironmentOverrides(config *interfaces.TransportConfig) {
	parseModeSetting(config)
	if v := os.Getenv(EnvSocketURL); v != "" {
		config.SocketURL = v
	}
	if v := os.Getenv(EnvAPIBaseURL); v != "" {
		config.APIBaseURL = v
	}
	if n, ok := parseIntSetting(EnvHistoryLimit, MinHistoryLimit, MaxHistoryLimit, config.HistoryLimit); ok {
		config.HistoryLimit = n
	}
	if n, ok := parseIntSetting(EnvPollIntervalMs, MinIntervalMs, MaxIntervalMs, int(config.PollInterval.Milliseconds())); ok {
		config.PollInterval = time.Duration(n) * time.Millisecond
	}
	if n, ok := parseIntSetting(EnvRequestTimeoutMs, MinIntervalMs, MaxIntervalMs, int(config.RequestTimeout.Milliseconds())); ok {
		config.RequestTimeout = time.Duration(n) * time.Millisecond
	}
	parseRateSetting(config)
	parseProbeSetting(config)
}

// parseModeSetting updates Mode from CHATSYNC_TRANSPORT_MODE.
func parseModeSetting(config *interfaces.TransportConfig) {
	modeStr := os.Getenv(EnvTransportMode)
	if modeStr == "" {
		return
	}
	mode := interfaces.TransportMode(modeStr)
	switch mode {
	case interfaces.ModePush, interfaces.ModePoll, interfaces.ModeSimulation:
		config.Mode = mode
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "parseModeSetting",
			"env_var":     EnvTransportMode,
			"value":       modeStr,
			"using_value": config.Mode,
		}).Warn("Unknown transport mode, using default")
	}
}

// parseIntSetting reads an integer variable and checks it against
// [min, max]. current is only used for logging.
func parseIntSetting(envVar string, min, max, current int) (int, bool) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     envVar,
			"value":       raw,
			"error":       err.Error(),
			"using_value": current,
		}).Warn("Failed to parse environment variable, using default")
		return 0, false
	}
	if n < min || n > max {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     envVar,
			"value":       n,
			"min":         min,
			"max":         max,
			"using_value": current,
		}).Warn("Environment variable out of bounds, using default")
		return 0, false
	}
	return n, true
}

// parseRateSetting updates RequestsPerSecond from CHATSYNC_REQUESTS_PER_SECOND.
func parseRateSetting(config *interfaces.TransportConfig) {
	raw := os.Getenv(EnvRequestsPerSec)
	if raw == "" {
		return
	}
	rps, err := strconv.ParseFloat(raw, 64)
	if err != nil || rps < 0 || rps > MaxRequestsPerSecond {
		logrus.WithFields(logrus.Fields{
			"function":    "parseRateSetting",
			"env_var":     EnvRequestsPerSec,
			"value":       raw,
			"max":         MaxRequestsPerSecond,
			"using_value": config.RequestsPerSecond,
		}).Warn("Invalid request rate, using default")
		return
	}
	config.RequestsPerSecond = rps
}

// parseProbeSetting updates ProbePresenceOnPoll from CHATSYNC_PROBE_PRESENCE_ON_POLL.
func parseProbeSetting(config *interfaces.TransportConfig) {
	raw := os.Getenv(EnvProbeOnPoll)
	if raw == "" {
		return
	}
	probe, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseProbeSetting",
			"env_var":     EnvProbeOnPoll,
			"value":       raw,
			"error":       err.Error(),
			"using_value": config.ProbePresenceOnPoll,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	config.ProbePresenceOnPoll = probe
}

// logConfigurationInfo logs the final configuration settings.
func logConfigurationInfo(config *interfaces.TransportConfig) {
	logrus.WithFields(logrus.Fields{
		"function":        "NewTransportFactory",
		"mode":            config.Mode,
		"socket_url":      config.SocketURL,
		"api_base_url":    config.APIBaseURL,
		"history_limit":   config.HistoryLimit,
		"poll_interval":   config.PollInterval,
		"request_timeout": config.RequestTimeout,
		"rps":             config.RequestsPerSecond,
	}).Info("Created transport factory with configuration")
}

// SetMetrics attaches a collector handed to every transport created afterwards.
func (f *TransportFactory) SetMetrics(collector *metrics.Collector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = collector
}

// CreateAPI returns the REST surface for the current configuration.
func (f *TransportFactory) CreateAPI() (interfaces.ChatAPI, error) {
	return f.CreateAPIWithConfig(nil)
}

// CreateAPIWithConfig returns the REST surface for config, or for the
// default configuration when config is nil. Simulation mode always returns
// the factory's shared in-memory backend.
func (f *TransportFactory) CreateAPIWithConfig(config *interfaces.TransportConfig) (interfaces.ChatAPI, error) {
	config = f.resolve(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Mode == interfaces.ModeSimulation {
		return f.Simulation(), nil
	}
	return transport.NewAPIClient(config.APIBaseURL, config.RequestTimeout, config.RequestsPerSecond), nil
}

// CreateTransport creates the transport selected by the current
// configuration. api is used by the poll and simulation transports.
func (f *TransportFactory) CreateTransport(api interfaces.ChatAPI, handler transport.Handler) (transport.Transport, error) {
	return f.CreateTransportWithConfig(nil, api, handler)
}

// CreateTransportWithConfig creates a transport with a custom configuration.
func (f *TransportFactory) CreateTransportWithConfig(config *interfaces.TransportConfig, api interfaces.ChatAPI, handler transport.Handler) (transport.Transport, error) {
	config = f.resolve(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	collector := f.metrics
	f.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function": "CreateTransportWithConfig",
		"mode":     config.Mode,
	}).Info("Creating transport implementation")

	switch config.Mode {
	case interfaces.ModePush:
		return transport.NewPushTransport(transport.PushConfig{
			URL:          config.SocketURL,
			HistoryLimit: config.HistoryLimit,
		}, handler), nil
	case interfaces.ModePoll, interfaces.ModeSimulation:
		if api == nil {
			return nil, fmt.Errorf("chat API is required for %s transport", config.Mode)
		}
		return transport.NewPollTransport(api, transport.PollConfig{
			Interval:      config.PollInterval,
			ProbePresence: config.ProbePresenceOnPoll,
		}, handler, collector), nil
	default:
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidMode, config.Mode)
	}
}

// Simulation returns the factory's shared in-memory backend, creating it on
// first use.
func (f *TransportFactory) Simulation() *simtesting.SimulatedChatAPI {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sim == nil {
		f.sim = simtesting.NewSimulatedChatAPI()
	}
	return f.sim
}

// WithPollInterval sets the poll interval for the test configuration.
func WithPollInterval(d time.Duration) TestConfigOption {
	return func(c *interfaces.TransportConfig) {
		c.PollInterval = d
	}
}

// WithProbePresence enables presence probing on every poll tick.
func WithProbePresence(enabled bool) TestConfigOption {
	return func(c *interfaces.TransportConfig) {
		c.ProbePresenceOnPoll = enabled
	}
}

// CreateSimulationForTesting creates a fresh simulated backend and a poll
// transport over it. Default test configuration uses a 50ms poll interval.
func (f *TransportFactory) CreateSimulationForTesting(handler transport.Handler, opts ...TestConfigOption) (transport.Transport, *simtesting.SimulatedChatAPI) {
	testConfig := &interfaces.TransportConfig{
		Mode:         interfaces.ModeSimulation,
		HistoryLimit: transport.DefaultHistoryLimit,
		PollInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(testConfig)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "CreateSimulationForTesting",
		"poll_interval": testConfig.PollInterval,
		"probe":         testConfig.ProbePresenceOnPoll,
	}).Info("Creating simulation transport for testing")

	sim := simtesting.NewSimulatedChatAPI()
	f.mu.RLock()
	collector := f.metrics
	f.mu.RUnlock()
	return transport.NewPollTransport(sim, transport.PollConfig{
		Interval:      testConfig.PollInterval,
		ProbePresence: testConfig.ProbePresenceOnPoll,
	}, handler, collector), sim
}

// SwitchMode changes the default transport mode.
func (f *TransportFactory) SwitchMode(mode interfaces.TransportMode) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchMode",
		"previous": f.defaultConfig.Mode,
		"current":  mode,
	}).Info("Switching factory transport mode")

	f.defaultConfig.Mode = mode
}

// GetCurrentConfig returns a copy of the current default configuration.
func (f *TransportFactory) GetCurrentConfig() *interfaces.TransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()

	config := *f.defaultConfig
	return &config
}

// UpdateConfig replaces the factory's default configuration after validating it.
func (f *TransportFactory) UpdateConfig(config *interfaces.TransportConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UpdateConfig",
		"old_mode": f.defaultConfig.Mode,
		"new_mode": config.Mode,
	}).Info("Updating factory configuration")

	updated := *config
	f.defaultConfig = &updated
	return nil
}

func (f *TransportFactory) resolve(config *interfaces.TransportConfig) *interfaces.TransportConfig {
	if config != nil {
		return config
	}
	return f.GetCurrentConfig()
}
