// Package config provides the structure, defaults and validation for the relay's configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// configMutex protects the config file from concurrent read/write operations.
var configMutex sync.Mutex

// LogLevel defines the logging level.
type LogLevel string

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the info log level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is the warn log level.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is the error log level.
	LogLevelError LogLevel = "error"
)

const (
	// DefaultSubprotocol is advertised by the listener to inbound clients.
	DefaultSubprotocol = "mcp"
	// DefaultNameSuffix is appended to the target's ideName in the proxy lock file.
	DefaultNameSuffix = " (Proxy)"
	// DefaultMaxMessageSize bounds a single relayed message.
	DefaultMaxMessageSize = 64 << 20
	// MinPort and MaxPort bound the random listening port.
	MinPort = 10000
	MaxPort = 65535
)

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Duration wraps time.Duration so it can be written as "10s" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level structure mapping to the YAML config file.
type Config struct {
	LogLevel   LogLevel `yaml:"log_level"`
	ListenHost string   `yaml:"listen_host"`
	TargetHost string   `yaml:"target_host"`
	// LockDir overrides <home>/.claude/ide when set.
	LockDir        string    `yaml:"lock_dir,omitempty"`
	Subprotocols   []string  `yaml:"subprotocols"`
	ForwardHeaders []string  `yaml:"forward_headers"`
	NameSuffix     string    `yaml:"name_suffix"`
	PortRange      PortRange `yaml:"port_range"`

	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	MaxMessageSize   int64    `yaml:"max_message_size"`
	LogPayloads      bool     `yaml:"log_payloads"`

	// MetricsAddress enables the metrics and health server when non-empty.
	MetricsAddress string `yaml:"metrics_address,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:         LogLevelInfo,
		ListenHost:       "127.0.0.1",
		TargetHost:       "127.0.0.1",
		Subprotocols:     []string{DefaultSubprotocol},
		ForwardHeaders:   []string{"authorization", "cookie", "user-agent", "x-*"},
		NameSuffix:       DefaultNameSuffix,
		PortRange:        PortRange{Min: MinPort, Max: MaxPort},
		HandshakeTimeout: Duration(10 * time.Second),
		MaxMessageSize:   DefaultMaxMessageSize,
		LogPayloads:      true,
	}
}

// Load reads and validates the YAML configuration file from the given path.
// Keys missing from the file keep their default values.
func Load(path string) (*Config, error) {
	configMutex.Lock()
	defer configMutex.Unlock()

	configFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file '%s': %w", path, err)
	}

	config := Default()
	err = yaml.Unmarshal(configFile, config)
	if err != nil {
		return nil, fmt.Errorf("could not parse config file '%s' as YAML: %w", path, err)
	}

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Marshal renders cfg as YAML after validating it.
func Marshal(cfg *Config) ([]byte, error) {
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed before marshalling: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not marshal config to YAML: %w", err)
	}
	return data, nil
}

// Validate checks cfg for logical errors.
func Validate(cfg *Config) error {
	return validate(cfg)
}

// validate checks the configuration for logical errors.
func validate(config *Config) error {
	switch config.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
	default:
		return fmt.Errorf("log_level '%s' is not one of debug, info, warn, error", config.LogLevel)
	}

	if config.ListenHost == "" {
		return fmt.Errorf("listen_host must be set")
	}
	if config.TargetHost == "" {
		return fmt.Errorf("target_host must be set")
	}

	if len(config.Subprotocols) == 0 {
		return fmt.Errorf("subprotocols must list at least one value")
	}
	for i, p := range config.Subprotocols {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("subprotocol at index %d is empty", i)
		}
	}

	for i, h := range config.ForwardHeaders {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("forward_headers entry at index %d is empty", i)
		}
	}

	if config.NameSuffix == "" {
		return fmt.Errorf("name_suffix must be set so the proxy lock file is distinguishable")
	}

	if config.PortRange.Min < 1 || config.PortRange.Max > 65535 || config.PortRange.Min > config.PortRange.Max {
		return fmt.Errorf("port_range %d-%d is invalid", config.PortRange.Min, config.PortRange.Max)
	}

	if config.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative")
	}
	if config.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout must not be negative")
	}
	if config.MaxMessageSize < 0 {
		return fmt.Errorf("max_message_size must not be negative")
	}
	return nil
}
