// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// FrameType identifies the meaning of a frame's payload. Types are
// grouped into ranges by subsystem; the range determines how the
// connection manager dispatches the frame. These values are protocol
// constants; changing them breaks wire compatibility.
type FrameType uint8

// Control frames (0x00–0x0A). Always addressed to session 0 and handled
// by the connection manager itself.
const (
	FrameVersionNegotiation  FrameType = 0x00
	FrameVersionResponse     FrameType = 0x01
	FrameCapabilityExchange  FrameType = 0x02
	FrameCapabilityResponse  FrameType = 0x03
	FrameHeartbeat           FrameType = 0x04
	FrameHeartbeatAck        FrameType = 0x05
	FrameError               FrameType = 0x06
	FrameClose               FrameType = 0x07
	FrameAuthentication      FrameType = 0x08
	FrameAuthResponse        FrameType = 0x09
	FrameCompressionControl  FrameType = 0x0A
)

// Session lifecycle frames (0x10–0x19). Requests carry the target
// session id in the header except SESSION_CREATE, which is addressed to
// session 0 because no id exists yet.
const (
	FrameSessionCreate       FrameType = 0x10
	FrameSessionCreated      FrameType = 0x11
	FrameSessionAttach       FrameType = 0x12
	FrameSessionAttached     FrameType = 0x13
	FrameSessionDetach       FrameType = 0x14
	FrameSessionDetached     FrameType = 0x15
	FrameSessionClose        FrameType = 0x16
	FrameSessionClosed       FrameType = 0x17
	FrameSessionList         FrameType = 0x18
	FrameSessionListResponse FrameType = 0x19
)

// Data frames (0x30–0x33). Terminal byte traffic and its in-band
// controls. TERMINAL_OUTPUT and TERMINAL_INPUT payloads are an 8-byte
// big-endian sequence number followed by raw terminal bytes, not CBOR,
// to keep the hot path free of reflection.
const (
	FrameTerminalOutput FrameType = 0x30
	FrameTerminalInput  FrameType = 0x31
	FrameTerminalResize FrameType = 0x32
	FrameTerminalSignal FrameType = 0x33
)

// State synchronization frames (0x40–0x44).
const (
	FrameStateSnapshot      FrameType = 0x40
	FrameStateDelta         FrameType = 0x41
	FrameCursorUpdate       FrameType = 0x42
	FrameScrollbackRequest  FrameType = 0x43
	FrameScrollbackResponse FrameType = 0x44
)

// Flow control frames (0x50–0x53).
const (
	FrameFlowControl  FrameType = 0x50
	FrameWindowUpdate FrameType = 0x51
	FramePause        FrameType = 0x52
	FrameResume       FrameType = 0x53
)

// Multiplexer bridge frames (0x60–0x66). These expose sessions owned by
// an external multiplexer (tmux, screen) that predate or outlive TMXP
// sessions.
const (
	FrameMuxList         FrameType = 0x60
	FrameMuxListResponse FrameType = 0x61
	FrameMuxAttach       FrameType = 0x62
	FrameMuxAttached     FrameType = 0x63
	FrameMuxCreate       FrameType = 0x64
	FrameMuxCreated      FrameType = 0x65
	FrameMuxCapabilities FrameType = 0x66
)

// frameTypeNames maps every assigned frame type to its protocol name.
// Used by String and by Known: a byte absent from this table is an
// unassigned type and must be rejected with ErrCodeInvalidFrame at
// dispatch, never silently dropped.
var frameTypeNames = map[FrameType]string{
	FrameVersionNegotiation:  "VERSION_NEGOTIATION",
	FrameVersionResponse:     "VERSION_RESPONSE",
	FrameCapabilityExchange:  "CAPABILITY_EXCHANGE",
	FrameCapabilityResponse:  "CAPABILITY_RESPONSE",
	FrameHeartbeat:           "HEARTBEAT",
	FrameHeartbeatAck:        "HEARTBEAT_ACK",
	FrameError:               "ERROR",
	FrameClose:               "CLOSE",
	FrameAuthentication:      "AUTHENTICATION",
	FrameAuthResponse:        "AUTH_RESPONSE",
	FrameCompressionControl:  "COMPRESSION_CONTROL",
	FrameSessionCreate:       "SESSION_CREATE",
	FrameSessionCreated:      "SESSION_CREATED",
	FrameSessionAttach:       "SESSION_ATTACH",
	FrameSessionAttached:     "SESSION_ATTACHED",
	FrameSessionDetach:       "SESSION_DETACH",
	FrameSessionDetached:     "SESSION_DETACHED",
	FrameSessionClose:        "SESSION_CLOSE",
	FrameSessionClosed:       "SESSION_CLOSED",
	FrameSessionList:         "SESSION_LIST",
	FrameSessionListResponse: "SESSION_LIST_RESPONSE",
	FrameTerminalOutput:      "TERMINAL_OUTPUT",
	FrameTerminalInput:       "TERMINAL_INPUT",
	FrameTerminalResize:      "TERMINAL_RESIZE",
	FrameTerminalSignal:      "TERMINAL_SIGNAL",
	FrameStateSnapshot:       "STATE_SNAPSHOT",
	FrameStateDelta:          "STATE_DELTA",
	FrameCursorUpdate:        "CURSOR_UPDATE",
	FrameScrollbackRequest:   "SCROLLBACK_REQUEST",
	FrameScrollbackResponse:  "SCROLLBACK_RESPONSE",
	FrameFlowControl:         "FLOW_CONTROL",
	FrameWindowUpdate:        "WINDOW_UPDATE",
	FramePause:               "PAUSE",
	FrameResume:              "RESUME",
	FrameMuxList:             "MUX_LIST",
	FrameMuxListResponse:     "MUX_LIST_RESPONSE",
	FrameMuxAttach:           "MUX_ATTACH",
	FrameMuxAttached:         "MUX_ATTACHED",
	FrameMuxCreate:           "MUX_CREATE",
	FrameMuxCreated:          "MUX_CREATED",
	FrameMuxCapabilities:     "MUX_CAPABILITIES",
}

// String returns the protocol name of the frame type, or a hex form for
// unassigned values.
func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Known reports whether t is an assigned frame type.
func (t FrameType) Known() bool {
	_, ok := frameTypeNames[t]
	return ok
}

// Category groups frame types by the subsystem that handles them.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryControl
	CategorySession
	CategoryData
	CategoryState
	CategoryFlow
	CategoryMux
)

// Category returns the dispatch category for the frame type. Unassigned
// types return CategoryUnknown even when they fall inside a reserved
// range.
func (t FrameType) Category() Category {
	if !t.Known() {
		return CategoryUnknown
	}
	switch {
	case t <= 0x0A:
		return CategoryControl
	case t >= 0x10 && t <= 0x19:
		return CategorySession
	case t >= 0x30 && t <= 0x33:
		return CategoryData
	case t >= 0x40 && t <= 0x44:
		return CategoryState
	case t >= 0x50 && t <= 0x53:
		return CategoryFlow
	case t >= 0x60 && t <= 0x66:
		return CategoryMux
	default:
		return CategoryUnknown
	}
}
