// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a TMXP host.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Listen configures the transport the host accepts connections on.
	Listen ListenConfig `yaml:"listen"`

	// Connection configures per-connection protocol behavior.
	Connection ConnectionConfig `yaml:"connection"`

	// Sessions configures session lifecycle and limits.
	Sessions SessionsConfig `yaml:"sessions"`

	// Flow configures the initial flow-control windows announced to peers.
	Flow FlowConfig `yaml:"flow"`

	// Mux configures bridging to external terminal multiplexers.
	Mux MuxConfig `yaml:"mux"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Listen     *ListenConfig     `yaml:"listen,omitempty"`
	Connection *ConnectionConfig `yaml:"connection,omitempty"`
	Sessions   *SessionsConfig   `yaml:"sessions,omitempty"`
	Flow       *FlowConfig       `yaml:"flow,omitempty"`
	Mux        *MuxConfig        `yaml:"mux,omitempty"`
}

// ListenConfig configures the host's listening transport.
type ListenConfig struct {
	// Network is the listener type: "tcp" or "unix".
	// Default: tcp
	Network string `yaml:"network"`

	// Address is the bind address: host:port for tcp, a socket path
	// for unix.
	// Default: 127.0.0.1:7160
	Address string `yaml:"address"`
}

// ConnectionConfig configures per-connection protocol behavior.
type ConnectionConfig struct {
	// HeartbeatInterval is how often the host probes an idle client.
	// Default: 30s
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// HeartbeatMisses is how many consecutive unanswered heartbeats
	// close the connection.
	// Default: 3
	HeartbeatMisses int `yaml:"heartbeat_misses"`

	// Compression lists offered payload compression algorithms in
	// preference order. Valid entries: zstd, lz4, deflate.
	// Default: [zstd, lz4, deflate]
	Compression []string `yaml:"compression"`
}

// SessionsConfig configures session lifecycle and limits.
type SessionsConfig struct {
	// Max is the maximum number of concurrent sessions. Zero means
	// unlimited.
	// Default: 32
	Max int `yaml:"max"`

	// ReconnectWindow is how long a disconnected session survives
	// before the host reaps it.
	// Default: 5m
	ReconnectWindow string `yaml:"reconnect_window"`

	// ScrollbackSize is the per-session scrollback buffer in bytes.
	// Default: 1048576
	ScrollbackSize int `yaml:"scrollback_size"`

	// DefaultShell is launched when a create request names no shell.
	// Default: /bin/sh
	DefaultShell string `yaml:"default_shell"`
}

// FlowConfig configures the initial flow-control windows.
type FlowConfig struct {
	// SessionWindow is the initial per-session window in bytes.
	// Default: 65536
	SessionWindow int64 `yaml:"session_window"`

	// ConnectionWindow is the initial connection-wide window in bytes.
	// Default: 1048576
	ConnectionWindow int64 `yaml:"connection_window"`
}

// MuxConfig configures bridging to external terminal multiplexers.
type MuxConfig struct {
	// TmuxSocket is an explicit tmux server socket path. Empty uses
	// tmux's default socket.
	TmuxSocket string `yaml:"tmux_socket"`

	// Disabled lists multiplexer backends the host must not probe or
	// offer, e.g. [tmux, screen].
	Disabled []string `yaml:"disabled"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Listen: ListenConfig{
			Network: "tcp",
			Address: "127.0.0.1:7160",
		},
		Connection: ConnectionConfig{
			HeartbeatInterval: "30s",
			HeartbeatMisses:   3,
			Compression:       []string{"zstd", "lz4", "deflate"},
		},
		Sessions: SessionsConfig{
			Max:             32,
			ReconnectWindow: "5m",
			ScrollbackSize:  1 << 20,
			DefaultShell:    "/bin/sh",
		},
		Flow: FlowConfig{
			SessionWindow:    64 << 10,
			ConnectionWindow: 1 << 20,
		},
	}
}

// Load loads configuration from the TMXP_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if TMXP_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("TMXP_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TMXP_CONFIG environment variable not set; " +
			"set it to the path of your tmxpd.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Listen != nil {
		if overrides.Listen.Network != "" {
			c.Listen.Network = overrides.Listen.Network
		}
		if overrides.Listen.Address != "" {
			c.Listen.Address = overrides.Listen.Address
		}
	}

	if overrides.Connection != nil {
		if overrides.Connection.HeartbeatInterval != "" {
			c.Connection.HeartbeatInterval = overrides.Connection.HeartbeatInterval
		}
		if overrides.Connection.HeartbeatMisses != 0 {
			c.Connection.HeartbeatMisses = overrides.Connection.HeartbeatMisses
		}
		if len(overrides.Connection.Compression) > 0 {
			c.Connection.Compression = overrides.Connection.Compression
		}
	}

	if overrides.Sessions != nil {
		if overrides.Sessions.Max != 0 {
			c.Sessions.Max = overrides.Sessions.Max
		}
		if overrides.Sessions.ReconnectWindow != "" {
			c.Sessions.ReconnectWindow = overrides.Sessions.ReconnectWindow
		}
		if overrides.Sessions.ScrollbackSize != 0 {
			c.Sessions.ScrollbackSize = overrides.Sessions.ScrollbackSize
		}
		if overrides.Sessions.DefaultShell != "" {
			c.Sessions.DefaultShell = overrides.Sessions.DefaultShell
		}
	}

	if overrides.Flow != nil {
		if overrides.Flow.SessionWindow != 0 {
			c.Flow.SessionWindow = overrides.Flow.SessionWindow
		}
		if overrides.Flow.ConnectionWindow != 0 {
			c.Flow.ConnectionWindow = overrides.Flow.ConnectionWindow
		}
	}

	if overrides.Mux != nil {
		if overrides.Mux.TmuxSocket != "" {
			c.Mux.TmuxSocket = overrides.Mux.TmuxSocket
		}
		if len(overrides.Mux.Disabled) > 0 {
			c.Mux.Disabled = overrides.Mux.Disabled
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":            os.Getenv("HOME"),
		"XDG_RUNTIME_DIR": os.Getenv("XDG_RUNTIME_DIR"),
	}

	c.Listen.Address = expandVars(c.Listen.Address, vars)
	c.Sessions.DefaultShell = expandVars(c.Sessions.DefaultShell, vars)
	c.Mux.TmuxSocket = expandVars(c.Mux.TmuxSocket, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// validCompression lists the algorithm names the wire layer implements.
var validCompression = []string{"zstd", "lz4", "deflate"}

// validBackends lists the multiplexer backends that can be disabled.
var validBackends = []string{"tmux", "screen"}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Listen.Network != "tcp" && c.Listen.Network != "unix" {
		errs = append(errs, fmt.Errorf("listen.network must be tcp or unix, got %q", c.Listen.Network))
	}
	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	}

	if _, err := time.ParseDuration(c.Connection.HeartbeatInterval); err != nil {
		errs = append(errs, fmt.Errorf("connection.heartbeat_interval: %w", err))
	}
	if c.Connection.HeartbeatMisses < 1 {
		errs = append(errs, fmt.Errorf("connection.heartbeat_misses must be at least 1"))
	}
	for _, name := range c.Connection.Compression {
		if !contains(validCompression, name) {
			errs = append(errs, fmt.Errorf("connection.compression: unknown algorithm %q (valid: %v)", name, validCompression))
		}
	}

	if c.Sessions.Max < 0 {
		errs = append(errs, fmt.Errorf("sessions.max must not be negative"))
	}
	if _, err := time.ParseDuration(c.Sessions.ReconnectWindow); err != nil {
		errs = append(errs, fmt.Errorf("sessions.reconnect_window: %w", err))
	}
	if c.Sessions.ScrollbackSize < 0 {
		errs = append(errs, fmt.Errorf("sessions.scrollback_size must not be negative"))
	}
	if c.Sessions.DefaultShell == "" {
		errs = append(errs, fmt.Errorf("sessions.default_shell is required"))
	}

	if c.Flow.SessionWindow < 1 {
		errs = append(errs, fmt.Errorf("flow.session_window must be positive"))
	}
	if c.Flow.ConnectionWindow < c.Flow.SessionWindow {
		errs = append(errs, fmt.Errorf("flow.connection_window must be at least flow.session_window"))
	}

	for _, name := range c.Mux.Disabled {
		if !contains(validBackends, name) {
			errs = append(errs, fmt.Errorf("mux.disabled: unknown backend %q (valid: %v)", name, validBackends))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HeartbeatInterval returns the parsed heartbeat interval. Call Validate
// first; an unparsable value yields the zero duration.
func (c *Config) HeartbeatInterval() time.Duration {
	interval, _ := time.ParseDuration(c.Connection.HeartbeatInterval)
	return interval
}

// ReconnectWindow returns the parsed reconnect window. Call Validate
// first; an unparsable value yields the zero duration.
func (c *Config) ReconnectWindow() time.Duration {
	window, _ := time.ParseDuration(c.Sessions.ReconnectWindow)
	return window
}

// MuxDisabled reports whether the named multiplexer backend is
// configured off.
func (c *Config) MuxDisabled(name string) bool {
	return contains(c.Mux.Disabled, name)
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
