// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the multiplexed terminal sessions at the
// heart of TMXP: the per-session lifecycle state machine, the registry
// that owns and routes to sessions by id, and the state-synchronization
// machinery (scrollback buffer, snapshots, delta validation) that lets
// a viewer attach or reconnect without replaying the full output
// history.
//
// Ownership is strictly one-way: the registry owns sessions, sessions
// own their backend adapter and scrollback buffer, and nothing in this
// package holds a reference to the connection. Routing and fan-out are
// the registry's job: a session is passive data plus lifecycle logic,
// addressed only by id.
//
// Lifecycle: Created → Active on first attach (which happens
// immediately inside Registry.Create), Active ↔ Disconnected as
// clients attach and detach or the connection drops, and a terminal
// Terminated state entered by close or by the reconnect-window sweep.
// Sequence numbers are monotonic per session and never reused; they
// are the only ordering contract in the protocol.
package session
