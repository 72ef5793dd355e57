// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

// Tmxpd is the TMXP host daemon. It listens on a TCP or unix socket,
// runs one terminal multiplexing connection at a time, and keeps
// sessions alive across client disconnects.
//
// On startup:
//  1. Loads configuration (--config flag, TMXP_CONFIG, or built-in
//     defaults).
//  2. Probes PATH for external multiplexers (tmux, screen) to decide
//     which mux backends to offer.
//  3. Starts the session janitor that reaps disconnected sessions
//     after the reconnect window.
//  4. Accepts connections; a new connection supersedes the previous
//     one, which is told to close.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tmxp-io/tmxp/backend"
	"github.com/tmxp-io/tmxp/conn"
	"github.com/tmxp-io/tmxp/lib/config"
	"github.com/tmxp-io/tmxp/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		logLevel    string
		logFormat   string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("tmxpd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to tmxpd.yaml (default: $TMXP_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "override the configured listen address (host:port or unix:/path)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("tmxpd %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		applyListenOverride(cfg, listen)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := buildLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := conn.NewHost(conn.Options{
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatMisses:   cfg.Connection.HeartbeatMisses,
		MaxSessions:       cfg.Sessions.Max,
		ReconnectWindow:   cfg.ReconnectWindow(),
		ScrollbackSize:    cfg.Sessions.ScrollbackSize,
		SessionWindow:     cfg.Flow.SessionWindow,
		ConnectionWindow:  cfg.Flow.ConnectionWindow,
		Compression:       cfg.Connection.Compression,
		DefaultShell:      cfg.Sessions.DefaultShell,
		Multiplexers:      detectMultiplexers(cfg, logger),
	})

	listener, cleanup, err := openListener(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger.Info("tmxpd listening",
		"network", cfg.Listen.Network,
		"address", cfg.Listen.Address,
		"version", version.Short())

	go host.Run(ctx)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		transport, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		logger.Info("client connected", "remote", transport.RemoteAddr())
		go func() {
			if err := host.Serve(ctx, transport); err != nil {
				logger.Warn("connection ended", "error", err)
			}
		}()
	}
}

// loadConfig resolves configuration from the flag, the environment, or
// built-in defaults, in that order.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("TMXP_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// applyListenOverride interprets a --listen value: "unix:/path" selects
// a unix socket, anything else is a TCP host:port.
func applyListenOverride(cfg *config.Config, listen string) {
	if path, ok := strings.CutPrefix(listen, "unix:"); ok {
		cfg.Listen.Network = "unix"
		cfg.Listen.Address = path
		return
	}
	cfg.Listen.Network = "tcp"
	cfg.Listen.Address = listen
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	options := &slog.HandlerOptions{Level: slogLevel}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be text or json", format)
	}
}

// openListener binds the configured address. A stale unix socket from a
// previous run is removed first.
func openListener(cfg *config.Config) (net.Listener, func(), error) {
	if cfg.Listen.Network == "unix" {
		if err := removeStaleSocket(cfg.Listen.Address); err != nil {
			return nil, nil, err
		}
	}
	listener, err := net.Listen(cfg.Listen.Network, cfg.Listen.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s %s: %w", cfg.Listen.Network, cfg.Listen.Address, err)
	}
	cleanup := func() {
		listener.Close()
		if cfg.Listen.Network == "unix" {
			os.Remove(cfg.Listen.Address)
		}
	}
	return listener, cleanup, nil
}

// removeStaleSocket deletes a leftover socket file, but only if nothing
// is accepting on it.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	probe, err := net.Dial("unix", path)
	if err == nil {
		probe.Close()
		return fmt.Errorf("socket %s is already in use", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}

// detectMultiplexers probes for available external multiplexers and
// builds the bridge for each one the configuration has not disabled.
func detectMultiplexers(cfg *config.Config, logger *slog.Logger) map[backend.Type]backend.Multiplexer {
	multiplexers := make(map[backend.Type]backend.Multiplexer)
	for _, backendType := range backend.Detect() {
		switch backendType {
		case backend.TypeTmux:
			if cfg.MuxDisabled("tmux") {
				continue
			}
			multiplexers[backend.TypeTmux] = backend.NewTmux(cfg.Mux.TmuxSocket, "")
		case backend.TypeScreen:
			if cfg.MuxDisabled("screen") {
				continue
			}
			multiplexers[backend.TypeScreen] = backend.NewScreen()
		}
	}
	names := make([]string, 0, len(multiplexers))
	for backendType := range multiplexers {
		names = append(names, string(backendType))
	}
	logger.Info("multiplexer backends available", "backends", names)
	return multiplexers
}
