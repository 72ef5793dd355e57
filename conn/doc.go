// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

// Package conn drives TMXP connections: the handshake state machine,
// frame dispatch, heartbeat, compression, and the single-writer
// outbound path.
//
// A [Host] persists for the agent's lifetime. It owns the session
// registry, one output pump goroutine per live session, and the janitor
// that expires sessions whose reconnect window has passed. Each
// accepted transport is served by a [Manager], which lives exactly as
// long as its connection: it negotiates version and capabilities, gates
// Ready on authentication, then dispatches frames by type range. When a
// Manager dies its sessions survive in the registry as Disconnected;
// the next connection reattaches and resumes from a state snapshot.
//
// [Client] is the viewer half of the handshake, used by the attach CLI
// and by tests.
package conn
