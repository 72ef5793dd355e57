// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tmxp-io/tmxp/backend"
	"github.com/tmxp-io/tmxp/flow"
	"github.com/tmxp-io/tmxp/lib/clock"
	"github.com/tmxp-io/tmxp/session"
	"github.com/tmxp-io/tmxp/wire"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultSweepInterval     = 30 * time.Second
	DefaultOutboundQueue     = 256
)

// outputChunkSize bounds a single backend read. It stays well under
// MaxDataChunk so a frame still fits after the compression envelope is
// added.
const outputChunkSize = 8 * 1024

// Options configures a Host and the Managers it spawns. Zero values
// select defaults.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger

	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	SweepInterval     time.Duration

	MaxSessions     int
	ReconnectWindow time.Duration
	ScrollbackSize  int

	SessionWindow    int64
	ConnectionWindow int64
	OutboundQueue    int

	// Compression lists supported algorithm names in preference order.
	Compression []string

	// Features lists optional protocol features to advertise.
	Features []string

	DefaultShell string

	// Authenticate verifies the opaque credential material from an
	// AUTHENTICATION frame. Nil accepts any material; the frame itself
	// is still required before Ready.
	Authenticate func(material []byte) error

	// StartBackend launches the backend process for a SESSION_CREATE
	// request. Nil selects the native PTY shell.
	StartBackend func(request wire.SessionCreateRequest) (backend.Adapter, error)

	// Multiplexers maps backend types to their external session
	// bridges.
	Multiplexers map[backend.Type]backend.Multiplexer
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.SessionWindow <= 0 {
		o.SessionWindow = flow.DefaultSessionWindow
	}
	if o.ConnectionWindow <= 0 {
		o.ConnectionWindow = flow.DefaultConnectionWindow
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = DefaultOutboundQueue
	}
	if o.Compression == nil {
		o.Compression = []string{"zstd", "lz4", "deflate"}
	}
	if o.Features == nil {
		o.Features = []string{"state-delta", "scrollback"}
	}
	if o.DefaultShell == "" {
		o.DefaultShell = "/bin/sh"
	}
	if o.StartBackend == nil {
		shell := o.DefaultShell
		o.StartBackend = func(request wire.SessionCreateRequest) (backend.Adapter, error) {
			requested := request.Shell
			if requested == "" {
				requested = shell
			}
			return backend.StartShell(requested, request.Columns, request.Rows,
				request.WorkingDirectory, request.Environment)
		}
	}
}

// Host serves one session registry over successive transport
// connections. Sessions outlive connections: when a Manager dies its
// sessions become Disconnected and the next Manager reattaches them.
//
// The Host owns one output pump goroutine per live session. The pump
// runs for the session's lifetime, not the connection's, so the
// backend always has exactly one reader; a pump with no active
// connection still accumulates scrollback.
type Host struct {
	registry *session.Registry
	clock    clock.Clock
	logger   *slog.Logger
	options  Options

	mutex  sync.Mutex
	active *Manager
	pumps  map[int32]struct{}
}

// NewHost builds a Host and its registry from options.
func NewHost(options Options) *Host {
	options.applyDefaults()
	registry := session.NewRegistry(session.RegistryOptions{
		MaxSessions:     options.MaxSessions,
		ReconnectWindow: options.ReconnectWindow,
		ScrollbackSize:  options.ScrollbackSize,
		Clock:           options.Clock,
		Logger:          options.Logger,
	})
	return &Host{
		registry: registry,
		clock:    options.Clock,
		logger:   options.Logger,
		options:  options,
		pumps:    make(map[int32]struct{}),
	}
}

// Registry exposes the host's session registry.
func (h *Host) Registry() *session.Registry {
	return h.registry
}

// Run drives the reconnect-window janitor until ctx is cancelled.
func (h *Host) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.options.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range h.registry.SweepExpired() {
				h.logger.Info("reconnect window expired", "sessionId", id)
			}
		}
	}
}

// Serve runs one connection over the transport until it closes. A new
// connection supersedes any connection still active.
func (h *Host) Serve(ctx context.Context, transport io.ReadWriteCloser) error {
	manager := newManager(h, transport)

	h.mutex.Lock()
	if h.active != nil {
		h.active.beginClose("superseded by new connection")
	}
	h.active = manager
	h.mutex.Unlock()

	err := manager.Run(ctx)

	h.mutex.Lock()
	if h.active == manager {
		h.active = nil
	}
	h.mutex.Unlock()
	return err
}

func (h *Host) activeManager() *Manager {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.active
}

// startPump launches the session's output pump if it is not already
// running. Idempotent: a reattach on a later connection finds the pump
// from session creation still going.
func (h *Host) startPump(s *session.Session) {
	h.mutex.Lock()
	if _, running := h.pumps[s.ID]; running {
		h.mutex.Unlock()
		return
	}
	h.pumps[s.ID] = struct{}{}
	h.mutex.Unlock()
	go h.pump(s)
}

// pump is the sole reader of the session's backend output. Every chunk
// is recorded into the scrollback with its sequence number; delivery to
// the wire happens only when a connection is active and the session has
// viewers, gated on that connection's flow credit.
func (h *Host) pump(s *session.Session) {
	defer func() {
		h.mutex.Lock()
		delete(h.pumps, s.ID)
		h.mutex.Unlock()
	}()

	reader := s.Adapter().Reader()
	buffer := make([]byte, outputChunkSize)
	for {
		n, err := reader.Read(buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			sequence := s.RecordOutput(chunk, h.clock.Now())
			if manager := h.activeManager(); manager != nil && s.HasViewers() {
				manager.forwardOutput(s.ID, sequence, chunk)
			}
		}
		if err != nil {
			h.backendExited(s)
			return
		}
	}
}

// backendExited handles the end of a session's output stream: the
// process is gone, so the session terminates rather than lingering as
// Disconnected.
func (h *Host) backendExited(s *session.Session) {
	if manager := h.activeManager(); manager != nil {
		if s.HasViewers() {
			manager.notifySessionClosed(s.ID, "backend exited")
		}
		manager.dropSession(s.ID)
	}
	if err := h.registry.Close(s.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		h.logger.Warn("closing exited session", "sessionId", s.ID, "error", err)
	}
}
