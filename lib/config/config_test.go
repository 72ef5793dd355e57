// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if cfg.Listen.Network != "tcp" {
		t.Errorf("expected listen.network=tcp, got %s", cfg.Listen.Network)
	}

	if cfg.Connection.HeartbeatInterval != "30s" {
		t.Errorf("expected heartbeat_interval=30s, got %s", cfg.Connection.HeartbeatInterval)
	}

	if cfg.Sessions.DefaultShell != "/bin/sh" {
		t.Errorf("expected default_shell=/bin/sh, got %s", cfg.Sessions.DefaultShell)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresTmxpConfig(t *testing.T) {
	// Save and restore TMXP_CONFIG.
	origConfig := os.Getenv("TMXP_CONFIG")
	defer os.Setenv("TMXP_CONFIG", origConfig)

	// Unset TMXP_CONFIG - Load() should fail.
	os.Unsetenv("TMXP_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when TMXP_CONFIG not set, got nil")
	}

	expectedMsg := "TMXP_CONFIG environment variable not set"
	if err.Error()[:len(expectedMsg)] != expectedMsg {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tmxpd.yaml")

	configContent := `
environment: staging

listen:
  network: unix
  address: /custom/tmxpd.sock

connection:
  heartbeat_interval: 10s
  heartbeat_misses: 5
  compression: [lz4]

sessions:
  max: 8
  reconnect_window: 2m
  default_shell: /bin/zsh

flow:
  session_window: 32768
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}

	if cfg.Listen.Network != "unix" || cfg.Listen.Address != "/custom/tmxpd.sock" {
		t.Errorf("expected unix listener at /custom/tmxpd.sock, got %s %s",
			cfg.Listen.Network, cfg.Listen.Address)
	}

	if cfg.HeartbeatInterval() != 10*time.Second {
		t.Errorf("expected heartbeat interval 10s, got %v", cfg.HeartbeatInterval())
	}

	if cfg.Connection.HeartbeatMisses != 5 {
		t.Errorf("expected heartbeat_misses=5, got %d", cfg.Connection.HeartbeatMisses)
	}

	if len(cfg.Connection.Compression) != 1 || cfg.Connection.Compression[0] != "lz4" {
		t.Errorf("expected compression=[lz4], got %v", cfg.Connection.Compression)
	}

	if cfg.Sessions.Max != 8 {
		t.Errorf("expected sessions.max=8, got %d", cfg.Sessions.Max)
	}

	if cfg.ReconnectWindow() != 2*time.Minute {
		t.Errorf("expected reconnect window 2m, got %v", cfg.ReconnectWindow())
	}

	if cfg.Sessions.DefaultShell != "/bin/zsh" {
		t.Errorf("expected default_shell=/bin/zsh, got %s", cfg.Sessions.DefaultShell)
	}

	if cfg.Flow.SessionWindow != 32768 {
		t.Errorf("expected session_window=32768, got %d", cfg.Flow.SessionWindow)
	}

	// Unset fields keep their defaults.
	if cfg.Flow.ConnectionWindow != 1<<20 {
		t.Errorf("expected default connection_window, got %d", cfg.Flow.ConnectionWindow)
	}
	if cfg.Sessions.ScrollbackSize != 1<<20 {
		t.Errorf("expected default scrollback_size, got %d", cfg.Sessions.ScrollbackSize)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tmxpd.yaml")

	configContent := `
environment: production

listen:
  address: 127.0.0.1:7160

sessions:
  max: 32

production:
  listen:
    address: 0.0.0.0:7160
  sessions:
    max: 256
  connection:
    heartbeat_interval: 15s
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	// Production overrides should be applied.
	if cfg.Listen.Address != "0.0.0.0:7160" {
		t.Errorf("expected address=0.0.0.0:7160, got %s", cfg.Listen.Address)
	}

	if cfg.Sessions.Max != 256 {
		t.Errorf("expected sessions.max=256, got %d", cfg.Sessions.Max)
	}

	if cfg.HeartbeatInterval() != 15*time.Second {
		t.Errorf("expected heartbeat interval 15s, got %v", cfg.HeartbeatInterval())
	}
}

func TestInactiveOverridesIgnored(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tmxpd.yaml")

	configContent := `
environment: development

sessions:
  max: 16

production:
  sessions:
    max: 256
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Sessions.Max != 16 {
		t.Errorf("production override leaked into development: max=%d", cfg.Sessions.Max)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/tmxpd.sock",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/tmxpd.sock",
		},
		{
			input:    "${MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.Environment = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid listen network",
			modify: func(c *Config) {
				c.Listen.Network = "udp"
			},
			wantErr: true,
		},
		{
			name: "empty listen address",
			modify: func(c *Config) {
				c.Listen.Address = ""
			},
			wantErr: true,
		},
		{
			name: "malformed heartbeat interval",
			modify: func(c *Config) {
				c.Connection.HeartbeatInterval = "soon"
			},
			wantErr: true,
		},
		{
			name: "zero heartbeat misses",
			modify: func(c *Config) {
				c.Connection.HeartbeatMisses = 0
			},
			wantErr: true,
		},
		{
			name: "unknown compression algorithm",
			modify: func(c *Config) {
				c.Connection.Compression = []string{"gzip"}
			},
			wantErr: true,
		},
		{
			name: "connection window below session window",
			modify: func(c *Config) {
				c.Flow.ConnectionWindow = c.Flow.SessionWindow - 1
			},
			wantErr: true,
		},
		{
			name: "unknown disabled backend",
			modify: func(c *Config) {
				c.Mux.Disabled = []string{"zellij"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMuxDisabled(t *testing.T) {
	cfg := Default()
	cfg.Mux.Disabled = []string{"screen"}

	if cfg.MuxDisabled("tmux") {
		t.Error("tmux reported disabled")
	}
	if !cfg.MuxDisabled("screen") {
		t.Error("screen not reported disabled")
	}
}
