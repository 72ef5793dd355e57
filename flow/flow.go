// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

// Package flow implements TMXP's credit-based flow control, in the
// HTTP/2 style: each session has a byte window that send operations
// consume and WINDOW_UPDATE frames replenish, and the connection keeps
// an aggregate window as a backstop against one session starving the
// rest.
//
// The controller is pure state plus arithmetic: no I/O, no goroutines.
// The connection manager couples it to the socket: a session whose
// reservation fails must stop pulling output from its backend until
// credit arrives (see conn). Apportionment of the aggregate window
// across sessions is first-come-first-served; per-session windows
// already bound any single session's share, so the aggregate only exists
// as a ceiling.
package flow

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultSessionWindow is the initial per-session credit in bytes.
const DefaultSessionWindow = 65536

// DefaultConnectionWindow is the initial aggregate credit in bytes.
const DefaultConnectionWindow = 1024 * 1024

// ErrInsufficientCredit reports that a send would exceed the session or
// connection window. The caller must queue, never fragment-send partial
// credit.
var ErrInsufficientCredit = errors.New("insufficient flow-control credit")

// ErrPaused reports that the session is explicitly paused. No data may
// be sent regardless of available window until Resume.
var ErrPaused = errors.New("session is paused")

// ErrUnknownSession reports a flow operation on a session the
// controller has no window for.
var ErrUnknownSession = errors.New("no flow window for session")

// sessionWindow tracks one session's send state.
type sessionWindow struct {
	credit int64
	paused bool
	// violations counts receive-side credit overruns, so the connection
	// can escalate from per-frame ERROR to teardown.
	violations int
}

// Controller tracks send credit for every session on one connection
// plus the connection aggregate. All methods are safe for concurrent
// use: backend readers for different sessions reserve concurrently.
type Controller struct {
	mutex            sync.Mutex
	sessions         map[int32]*sessionWindow
	connectionCredit int64

	sessionInitial    int64
	connectionInitial int64
}

// NewController creates a controller with the given initial windows.
// Zero values select the defaults.
func NewController(sessionWindowSize, connectionWindowSize int64) *Controller {
	if sessionWindowSize <= 0 {
		sessionWindowSize = DefaultSessionWindow
	}
	if connectionWindowSize <= 0 {
		connectionWindowSize = DefaultConnectionWindow
	}
	return &Controller{
		sessions:          make(map[int32]*sessionWindow),
		connectionCredit:  connectionWindowSize,
		sessionInitial:    sessionWindowSize,
		connectionInitial: connectionWindowSize,
	}
}

// AddSession registers a session with the initial window. Registering
// an already-known session is a no-op (reattach after disconnect keeps
// the window where it was).
func (c *Controller) AddSession(sessionID int32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, exists := c.sessions[sessionID]; exists {
		return
	}
	c.sessions[sessionID] = &sessionWindow{credit: c.sessionInitial}
}

// RemoveSession drops a session's window. Outstanding unspent session
// credit vanishes with it; the connection window is unaffected because
// connection credit is consumed only by actual sends.
func (c *Controller) RemoveSession(sessionID int32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.sessions, sessionID)
}

// Reserve consumes n bytes of credit for a send on the session. The
// reservation is all-or-nothing across both the session window and the
// connection aggregate: on ErrInsufficientCredit or ErrPaused nothing
// is consumed and the caller must hold the data.
func (c *Controller) Reserve(sessionID int32, n int64) error {
	if n < 0 {
		return fmt.Errorf("reserve %d bytes: negative size", n)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	window, ok := c.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if window.paused {
		return ErrPaused
	}
	if n > window.credit {
		return ErrInsufficientCredit
	}
	if n > c.connectionCredit {
		return ErrInsufficientCredit
	}
	window.credit -= n
	c.connectionCredit -= n
	return nil
}

// Grant adds credit to a session window (WINDOW_UPDATE received for
// that session).
func (c *Controller) Grant(sessionID int32, increment int64) error {
	if increment < 0 {
		return fmt.Errorf("grant %d bytes: negative increment", increment)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	window, ok := c.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	window.credit += increment
	return nil
}

// GrantConnection adds credit to the connection aggregate window
// (WINDOW_UPDATE received with session id 0).
func (c *Controller) GrantConnection(increment int64) {
	if increment < 0 {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.connectionCredit += increment
}

// Pause blocks sends for the session regardless of available window.
func (c *Controller) Pause(sessionID int32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	window, ok := c.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	window.paused = true
	return nil
}

// Resume lifts a Pause.
func (c *Controller) Resume(sessionID int32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	window, ok := c.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	window.paused = false
	return nil
}

// Paused reports whether the session is explicitly paused.
func (c *Controller) Paused(sessionID int32) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	window, ok := c.sessions[sessionID]
	return ok && window.paused
}

// SessionCredit returns the session's remaining send credit.
func (c *Controller) SessionCredit(sessionID int32) int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	window, ok := c.sessions[sessionID]
	if !ok {
		return 0
	}
	return window.credit
}

// ConnectionCredit returns the remaining aggregate send credit.
func (c *Controller) ConnectionCredit() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connectionCredit
}

// NoteViolation records a receive-side credit overrun (the peer sent
// more data than we had granted) and returns the running count for the
// session. A single violation earns an ERROR frame; the connection
// manager closes the connection when the count keeps growing.
func (c *Controller) NoteViolation(sessionID int32) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	window, ok := c.sessions[sessionID]
	if !ok {
		// A violation on an unknown session still counts as one
		// occurrence for the caller's escalation logic.
		return 1
	}
	window.violations++
	return window.violations
}
