// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tmxp-io/tmxp/backend"
	"github.com/tmxp-io/tmxp/wire"
)

// State is a session's lifecycle state.
type State int

const (
	// StateCreated is the instant between allocation and first attach.
	// It is never observable through the registry: Create attaches the
	// requesting client before returning.
	StateCreated State = iota

	// StateActive means at least one client is attached.
	StateActive

	// StateDisconnected means no clients are attached but the backend
	// keeps running; the session is reattachable until the reconnect
	// window expires.
	StateDisconnected

	// StateTerminated is terminal. Attach always fails; the backend has
	// been told to shut down.
	StateTerminated
)

// String returns the state name used in SESSION_LIST responses.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Dimension bounds for terminal size validation.
const (
	MinColumns = 1
	MaxColumns = 1000
	MinRows    = 1
	MaxRows    = 500
)

// ValidateDimensions checks terminal dimensions against the protocol
// bounds.
func ValidateDimensions(columns, rows int) error {
	if columns < MinColumns || columns > MaxColumns {
		return fmt.Errorf("columns %d outside [%d, %d]", columns, MinColumns, MaxColumns)
	}
	if rows < MinRows || rows > MaxRows {
		return fmt.Errorf("rows %d outside [%d, %d]", rows, MinRows, MaxRows)
	}
	return nil
}

// ErrTerminated reports an operation on a session that has reached the
// terminal state.
var ErrTerminated = errors.New("session is terminated")

// Session is one multiplexed logical terminal: identity, lifecycle
// state, sequence counter, scrollback, and the bound backend adapter.
// Sessions hold no reference to the connection; the registry does all
// routing.
//
// All methods are safe for concurrent use.
type Session struct {
	// ID is immutable after creation and never reused.
	ID int32

	// BackendType is immutable after creation.
	BackendType backend.Type

	// ExternalID is set for multiplexer-bridged sessions (the tmux or
	// screen session name); empty for native PTY sessions.
	ExternalID string

	mutex           sync.Mutex
	state           State
	columns         int
	rows            int
	adapter         backend.Adapter
	outputSequence  int64
	attachedClients map[string]struct{}
	scrollback      *ScrollbackBuffer

	cursorX       int
	cursorY       int
	cursorVisible bool

	createdAt      time.Time
	lastActivityAt time.Time
	disconnectedAt time.Time
}

// Adapter returns the bound backend adapter.
func (s *Session) Adapter() backend.Adapter {
	return s.adapter
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Dimensions returns the current terminal size.
func (s *Session) Dimensions() (columns, rows int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.columns, s.rows
}

// Attach adds a client and moves the session to Active. Attaching to a
// Terminated session always fails; Active and Disconnected always
// succeed.
func (s *Session) Attach(clientID string, now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == StateTerminated {
		return ErrTerminated
	}
	s.attachedClients[clientID] = struct{}{}
	s.state = StateActive
	s.disconnectedAt = time.Time{}
	s.lastActivityAt = now
	return nil
}

// Detach removes a client. When the last client leaves, the session
// moves to Disconnected and the backend keeps running.
func (s *Session) Detach(clientID string, now time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.attachedClients, clientID)
	if len(s.attachedClients) == 0 && s.state == StateActive {
		s.state = StateDisconnected
		s.disconnectedAt = now
	}
	s.lastActivityAt = now
}

// Disconnect clears all attached clients without terminating, as on
// connection loss or heartbeat timeout. The backend keeps running and
// the session is reattachable within the reconnect window. Terminated
// sessions are unaffected.
func (s *Session) Disconnect(now time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == StateTerminated {
		return
	}
	s.attachedClients = make(map[string]struct{})
	if s.state != StateDisconnected {
		s.state = StateDisconnected
		s.disconnectedAt = now
	}
}

// Terminate moves the session to the terminal state and returns the
// adapter for the caller to close. Idempotent: subsequent calls return
// nil.
func (s *Session) Terminate() backend.Adapter {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == StateTerminated {
		return nil
	}
	s.state = StateTerminated
	s.attachedClients = make(map[string]struct{})
	return s.adapter
}

// DisconnectedSince returns the time the session entered Disconnected,
// or the zero time if it is not disconnected.
func (s *Session) DisconnectedSince() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != StateDisconnected {
		return time.Time{}
	}
	return s.disconnectedAt
}

// AttachedCount returns the number of attached clients.
func (s *Session) AttachedCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.attachedClients)
}

// Attached reports whether the given client is attached.
func (s *Session) Attached(clientID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.attachedClients[clientID]
	return ok
}

// HasViewers reports whether any client is attached. The connection
// manager uses this to decide whether output frames go on the wire.
func (s *Session) HasViewers() bool {
	return s.AttachedCount() > 0
}

// RecordOutput feeds backend output through the scrollback buffer and
// assigns the next sequence number. Sequence numbers start at 0 and
// are strictly increasing; they are never reused, even across
// disconnect/reattach. The scrollback write and the sequence increment
// happen under one lock so a concurrent Snapshot never reports a
// sequence whose bytes its content lacks.
func (s *Session) RecordOutput(data []byte, now time.Time) (sequence int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.scrollback.Write(data)
	sequence = s.outputSequence
	s.outputSequence++
	s.lastActivityAt = now
	return sequence
}

// OutputSequence returns the next sequence number to be assigned.
func (s *Session) OutputSequence() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.outputSequence
}

// Resize updates the dimensions after validation and propagates the
// new size to the backend.
func (s *Session) Resize(columns, rows int) error {
	if err := ValidateDimensions(columns, rows); err != nil {
		return err
	}
	s.mutex.Lock()
	if s.state == StateTerminated {
		s.mutex.Unlock()
		return ErrTerminated
	}
	s.columns = columns
	s.rows = rows
	adapter := s.adapter
	s.mutex.Unlock()
	return adapter.Resize(columns, rows)
}

// SetCursor records the cursor position reported by the viewer-side
// terminal emulator, for inclusion in snapshots.
func (s *Session) SetCursor(x, y int, visible bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cursorX, s.cursorY, s.cursorVisible = x, y, visible
}

// Scrollback returns the session's scrollback buffer.
func (s *Session) Scrollback() *ScrollbackBuffer {
	return s.scrollback
}

// Info returns the session's listing entry.
func (s *Session) Info() wire.SessionInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return wire.SessionInfo{
		SessionID:      s.ID,
		State:          s.state.String(),
		BackendType:    string(s.BackendType),
		Columns:        s.columns,
		Rows:           s.rows,
		AttachedCount:  len(s.attachedClients),
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
	}
}
