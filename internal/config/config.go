// Package config provides configuration management for jobrepo.
//
// The config file names the repository directory, the backend of every
// registry, session tuning and per-class default overrides. Objects live in
// the repository, never in the config file.
//
// Config file locations (priority order):
//  1. $JOBREPO_CONFIG
//  2. ./jobrepo.yaml
//  3. ~/.config/jobrepo/config.yaml
//  4. /etc/jobrepo/config.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// EnvLogLevel overrides log_level
const EnvLogLevel = "JOBREPO_LOG"

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()

	if path == "" {
		return DefaultConfig(), "", nil
	}

	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}

	return &cfg, path, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Root == "" {
		c.Root = DefaultRoot()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = "repository.db"
	}
	if c.Session.StaleAfter == 0 {
		c.Session.StaleAfter = Duration(5 * time.Minute)
	}
	if c.Session.Heartbeat == 0 {
		c.Session.Heartbeat = Duration(30 * time.Second)
	}
	if len(c.Registries) == 0 {
		c.Registries = map[string]RegistryConfig{
			"jobs":      {Backend: BackendSQLite},
			"templates": {Backend: BackendTransient, Watch: true},
		}
	}
	for name, r := range c.Registries {
		if r.Backend == "" {
			r.Backend = BackendSQLite
			c.Registries[name] = r
		}
	}
}

var registryName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate reports every problem of the config at once
func (c *Config) Validate() error {
	var result *multierror.Error
	for _, name := range c.RegistryNames() {
		r := c.Registries[name]
		if !registryName.MatchString(name) {
			result = multierror.Append(result, fmt.Errorf("registry %q: name must be a letter followed by letters, digits or _", name))
		}
		if !r.Backend.Valid() {
			result = multierror.Append(result, fmt.Errorf("registry %q: unknown backend %q", name, r.Backend))
		}
		if r.Watch && r.Backend != BackendTransient {
			result = multierror.Append(result, fmt.Errorf("registry %q: only transient registries can be watched", name))
		}
	}
	if c.Session.Heartbeat.Duration() >= c.Session.StaleAfter.Duration() {
		result = multierror.Append(result, fmt.Errorf("session: heartbeat %s must be shorter than stale_after %s",
			c.Session.Heartbeat.Duration(), c.Session.StaleAfter.Duration()))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// RegistryNames returns the configured registries in sorted order
func (c *Config) RegistryNames() []string {
	names := make([]string, 0, len(c.Registries))
	for name := range c.Registries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatabasePath resolves the sqlite database path against Root
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Path) || c.Database.Path == ":memory:" {
		return c.Database.Path
	}
	return filepath.Join(c.Root, c.Database.Path)
}

// RegistryDir returns the record directory of a transient registry
func (c *Config) RegistryDir(name string) string {
	dir := c.Registries[name].Dir
	switch {
	case dir == "":
		return filepath.Join(c.Root, name)
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(c.Root, dir)
	}
}

func parseLevel(s string) (hclog.Level, error) {
	level := hclog.LevelFromString(s)
	if level == hclog.NoLevel {
		return level, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Logger builds the root logger. $JOBREPO_LOG overrides log_level.
func (c *Config) Logger(name string) hclog.Logger {
	level, err := parseLevel(c.LogLevel)
	if env := os.Getenv(EnvLogLevel); env != "" {
		if l, envErr := parseLevel(env); envErr == nil {
			level, err = l, nil
		}
	}
	if err != nil {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  level,
		Output: os.Stderr,
	})
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Root: %s, Database: %s\n", c.Root, c.DatabasePath())
	fmt.Fprintf(&b, "Sessions: heartbeat %s, stale after %s\n",
		c.Session.Heartbeat.Duration(), c.Session.StaleAfter.Duration())
	fmt.Fprintf(&b, "Registries (%d):", len(c.Registries))
	for _, name := range c.RegistryNames() {
		fmt.Fprintf(&b, " %s=%s", name, c.Registries[name].Backend)
	}
	return b.String()
}
