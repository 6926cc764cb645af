package config

import (
	"time"
)

// Config is the root configuration structure
type Config struct {
	Version    int                       `yaml:"version"`
	Root       string                    `yaml:"root"`                // repository directory
	LogLevel   string                    `yaml:"log_level,omitempty"` // trace, debug, info, warn, error
	Database   DatabaseConfig            `yaml:"database"`
	Session    SessionConfig             `yaml:"session"`
	Registries map[string]RegistryConfig `yaml:"registries"`

	// Defaults overrides class defaults: defaults.<Class>.<attribute>.
	// String values are read as literal expressions unless the attribute
	// holds strings.
	Defaults map[string]map[string]interface{} `yaml:"defaults,omitempty"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"` // relative paths are resolved against Root
}

// SessionConfig tunes the cooperation between sessions
type SessionConfig struct {
	StaleAfter  Duration `yaml:"stale_after"`            // missed heartbeats before locks are ignored
	Heartbeat   Duration `yaml:"heartbeat"`              // heartbeat period
	LockTimeout Duration `yaml:"lock_timeout,omitempty"` // how long a write waits for a lock; 0 = fail at once
}

// RegistryConfig holds the settings of one registry
type RegistryConfig struct {
	Backend Backend `yaml:"backend"`
	Dir     string  `yaml:"dir,omitempty"`   // transient record directory, default <root>/<name>
	Watch   bool    `yaml:"watch,omitempty"` // reload transient registries when their directory changes
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
