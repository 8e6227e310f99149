// Package config loads and validates the YAML runtime configuration:
// the runtime's hierarchy identity, its broker endpoints, and the sizing
// knobs for dispatch, requests and events.
//
// Environment variable references (${NATS_PASSWORD} style) are expanded
// before parsing so credentials stay out of config files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/capmesh/envelope"
	"github.com/c360/capmesh/errors"
)

// Broker type constants.
const (
	BrokerNATS      = "nats"
	BrokerWebSocket = "websocket"
)

// Config is the complete runtime configuration.
type Config struct {
	// Hierarchy is this runtime's dotted source identifier.
	Hierarchy string `yaml:"hierarchy"`
	// Brokers lists every broker endpoint to connect.
	Brokers []BrokerConfig `yaml:"brokers"`
	// Dispatch sizes the handler worker pool.
	Dispatch DispatchConfig `yaml:"dispatch"`
	// Request configures outbound request handling.
	Request RequestConfig `yaml:"request"`
	// Events configures the event backlog.
	Events EventConfig `yaml:"events"`
	// Status configures periodic lifecycle status publication.
	Status StatusConfig `yaml:"status"`
}

// BrokerConfig describes one broker endpoint.
type BrokerConfig struct {
	// Type selects the adapter: nats or websocket.
	Type string `yaml:"type"`
	// URL of the broker endpoint.
	URL string `yaml:"url"`
	// Username and Password for authenticated brokers.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	// Token authentication, mutually exclusive with username/password.
	Token string `yaml:"token,omitempty"`
	// TLS settings for the connection.
	TLS TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig holds the certificate material for a broker connection.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty"`
}

// DispatchConfig sizes the handler worker pool.
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// RequestConfig configures outbound requests.
type RequestConfig struct {
	// Timeout applied when a call does not specify its own.
	Timeout Duration `yaml:"timeout"`
}

// EventConfig configures event emission.
type EventConfig struct {
	// BacklogCapacity bounds the disconnected-event buffer.
	BacklogCapacity int `yaml:"backlog_capacity"`
}

// StatusConfig configures the lifecycle status ticker.
type StatusConfig struct {
	// Interval between periodic status publications. Zero disables the
	// ticker.
	Interval Duration `yaml:"interval"`
}

// Default returns the configuration defaults applied under any loaded
// file.
func Default() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Request: RequestConfig{
			Timeout: Duration(300 * time.Second),
		},
		Events: EventConfig{
			BacklogCapacity: 4096,
		},
		Status: StatusConfig{
			Interval: Duration(30 * time.Second),
		},
	}
}

// Load reads, expands and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrMissingConfig, err),
			"Config", "Load", "read config file")
	}
	return Parse(data)
}

// Parse expands environment references and unmarshals the YAML document
// over the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Config", "Parse", "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Hierarchy == "" {
		return invalid("hierarchy is required")
	}
	if err := envelope.ValidateHierarchy(c.Hierarchy); err != nil {
		return invalid(fmt.Sprintf("invalid hierarchy %q", c.Hierarchy))
	}
	if len(c.Brokers) == 0 {
		return invalid("at least one broker is required")
	}
	for i, b := range c.Brokers {
		if b.Type != BrokerNATS && b.Type != BrokerWebSocket {
			return invalid(fmt.Sprintf("brokers[%d]: unknown type %q", i, b.Type))
		}
		if b.URL == "" {
			return invalid(fmt.Sprintf("brokers[%d]: url is required", i))
		}
		if b.Token != "" && (b.Username != "" || b.Password != "") {
			return invalid(fmt.Sprintf("brokers[%d]: token and username/password are mutually exclusive", i))
		}
		if b.TLS.Enabled && (b.TLS.CertFile == "") != (b.TLS.KeyFile == "") {
			return invalid(fmt.Sprintf("brokers[%d]: cert_file and key_file must be set together", i))
		}
	}
	if c.Dispatch.Workers < 1 {
		return invalid("dispatch.workers must be at least 1")
	}
	if c.Dispatch.QueueSize < 1 {
		return invalid("dispatch.queue_size must be at least 1")
	}
	if c.Request.Timeout <= 0 {
		return invalid("request.timeout must be positive")
	}
	if c.Events.BacklogCapacity < 1 {
		return invalid("events.backlog_capacity must be at least 1")
	}
	if c.Status.Interval < 0 {
		return invalid("status.interval must not be negative")
	}
	return nil
}

func invalid(detail string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, detail),
		"Config", "Validate", "config validation")
}

// Duration parses YAML durations given as Go duration strings ("30s",
// "5m"), a "d" day suffix ("7d"), or bare numbers meaning seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: duration must be a scalar", errors.ErrInvalidConfig),
			"Duration", "UnmarshalYAML", "duration parsing")
	}

	parsed, err := parseDuration(s)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: invalid duration %q", errors.ErrInvalidConfig, s),
			"Duration", "UnmarshalYAML", "duration parsing")
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	return time.ParseDuration(s)
}
