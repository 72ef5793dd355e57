// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend provides the process side of a terminal session: the
// adapter contract the protocol core consumes, plus implementations for
// a native PTY shell, tmux, and GNU screen.
//
// The core never talks to a process directly. A Session owns exactly
// one Adapter; the connection manager pulls output from
// [Adapter.Reader] (gated on flow-control credit) and pushes input via
// [Adapter.Write]. Multiplexer-capable backends additionally implement
// [Multiplexer], which exposes sessions that exist inside tmux or
// screen independently of TMXP.
package backend

import (
	"fmt"
	"io"
	"os/exec"
	"time"
)

// Type names a backend implementation. The values are the backendType
// strings used in session create payloads and capability exchange.
type Type string

const (
	TypePty    Type = "pty"
	TypeTmux   Type = "tmux"
	TypeScreen Type = "screen"
)

// ParseType validates a backendType string from the wire. An empty
// string selects the native PTY backend.
func ParseType(name string) (Type, error) {
	switch name {
	case "", string(TypePty):
		return TypePty, nil
	case string(TypeTmux):
		return TypeTmux, nil
	case string(TypeScreen):
		return TypeScreen, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q", name)
	}
}

// Adapter is one running terminal process as the protocol core sees
// it. Implementations are responsible for their own cleanup on Close;
// the core calls Close exactly once, on session termination.
type Adapter interface {
	// Write delivers input bytes to the terminal.
	Write(data []byte) (int, error)

	// Reader returns the terminal's output stream. It is infinite and
	// non-restartable: reads block until output is available and fail
	// (io.EOF or a PTY read error) only when the backend exits. Exactly
	// one goroutine reads it.
	Reader() io.Reader

	// Resize sets the terminal dimensions.
	Resize(columns, rows int) error

	// Signal delivers a named signal ("SIGINT", "SIGTERM", ...) to the
	// backend process.
	Signal(name string) error

	// Alive reports whether the backend process is still running. Used
	// during teardown to decide between Disconnected (reconnectable)
	// and Terminated.
	Alive() bool

	// Close terminates the backend and releases its resources.
	Close() error
}

// ExternalSession describes a session owned by an external multiplexer
// (tmux, screen) rather than by TMXP.
type ExternalSession struct {
	ExternalID  string
	Name        string
	Attached    bool
	Columns     int
	Rows        int
	WindowCount int
	CreatedAt   time.Time
}

// CreateSpec parameterizes creation of a session inside an external
// multiplexer.
type CreateSpec struct {
	Name           string
	Shell          string
	Columns        int
	Rows           int
	WorkingDir     string
	InitialCommand string
}

// Multiplexer is the extended contract for backends that manage their
// own session namespace.
type Multiplexer interface {
	// Type identifies the multiplexer backend.
	Type() Type

	// ListSessions enumerates the multiplexer's sessions. With
	// includeDetached false, only currently-attached sessions are
	// returned.
	ListSessions(includeDetached bool) ([]ExternalSession, error)

	// AttachSession bridges an existing external session into an
	// Adapter at the given dimensions.
	AttachSession(externalID string, columns, rows int) (Adapter, error)

	// CreateSession creates a new external session and bridges it.
	// Returns the adapter and the external id of the new session.
	CreateSession(spec CreateSpec) (Adapter, string, error)
}

// Detect probes PATH for multiplexer binaries and reports which backend
// types this host can serve. The native PTY backend is always
// available.
func Detect() []Type {
	available := []Type{TypePty}
	if _, err := exec.LookPath("tmux"); err == nil {
		available = append(available, TypeTmux)
	}
	if _, err := exec.LookPath("screen"); err == nil {
		available = append(available, TypeScreen)
	}
	return available
}
