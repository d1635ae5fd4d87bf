package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for a chatsync client.
type Config struct {
	SelfID    string          `yaml:"self_id"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig selects and tunes the transport.
type TransportConfig struct {
	Mode                string   `yaml:"mode"` // push | poll | sim
	SocketURL           string   `yaml:"socket_url"`
	APIBaseURL          string   `yaml:"api_base_url"`
	HistoryLimit        int      `yaml:"history_limit"`
	PollInterval        Duration `yaml:"poll_interval"`
	RequestTimeout      Duration `yaml:"request_timeout"`
	RequestsPerSecond   float64  `yaml:"requests_per_second"`
	ProbePresenceOnPoll bool     `yaml:"probe_presence_on_poll"`
}

// SessionConfig holds per-conversation tuning knobs.
type SessionConfig struct {
	ReconcileTolerance Duration  `yaml:"reconcile_tolerance"`
	TypingIdle         Duration  `yaml:"typing_idle"`
	PresenceInterval   Duration  `yaml:"presence_interval"`
	ProbeTimeout       Duration  `yaml:"probe_timeout"`
	AckTimeout         Duration  `yaml:"ack_timeout"`
	MaxAttachmentSize  SizeBytes `yaml:"max_attachment_size"`
	// AutoMarkRead is a pointer so an absent key keeps the default.
	AutoMarkRead *bool `yaml:"auto_mark_read"`
}

// LoggingConfig controls the logrus output of the CLI.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "25MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.Bytes(uint64(s)) }

// Duration supports YAML values like "1500ms" or plain numbers, which are
// read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
