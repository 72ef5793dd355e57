// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tmxp-io/tmxp/lib/codec"
)

// Structured payload types. Everything except terminal data frames is
// CBOR through lib/codec; the cbor tags below are the wire schema.

// VersionNegotiation opens the handshake (client → server).
type VersionNegotiation struct {
	// Magic must be ProtocolMagic. Verified before anything else so a
	// stray non-TMXP client gets a clear rejection.
	Magic        string `cbor:"magic"`
	ClientID     string `cbor:"clientId"`
	Version      uint8  `cbor:"version"`
	MinSupported uint8  `cbor:"minSupported"`
	MaxSupported uint8  `cbor:"maxSupported"`
}

// VersionResponse answers version negotiation (server → client).
type VersionResponse struct {
	Selected uint8 `cbor:"selected"`
}

// CapabilityExchange advertises the sender's feature set. The
// negotiated set is the intersection of both peers' advertisements.
type CapabilityExchange struct {
	// Compression lists supported algorithm names ("zstd", "lz4",
	// "deflate"). None is always implied.
	Compression []string `cbor:"compression,omitempty"`

	// Backends lists supported backend type names ("pty", "tmux",
	// "screen").
	Backends []string `cbor:"backends,omitempty"`

	// Features lists optional protocol features by name (e.g.
	// "state-delta", "scrollback").
	Features []string `cbor:"features,omitempty"`
}

// CapabilityResponse carries the negotiated intersection plus the
// compression algorithm the server selected from it.
type CapabilityResponse struct {
	Compression []string `cbor:"compression,omitempty"`
	Backends    []string `cbor:"backends,omitempty"`
	Features    []string `cbor:"features,omitempty"`
	Selected    string   `cbor:"selectedCompression,omitempty"`
}

// Authentication presents opaque credential material produced by the
// pairing subsystem. The connection manager does not interpret it.
type Authentication struct {
	Material []byte `cbor:"material"`
}

// AuthResponse reports the authentication verdict. On failure the
// connection is closed after this frame.
type AuthResponse struct {
	OK     bool   `cbor:"ok"`
	Reason string `cbor:"reason,omitempty"`
}

// ErrorPayload is the body of an ERROR frame.
type ErrorPayload struct {
	Code      ErrorCode `cbor:"code"`
	SessionID int32     `cbor:"sessionId,omitempty"`
	Message   string    `cbor:"message,omitempty"`
}

// ClosePayload is the body of a CLOSE frame.
type ClosePayload struct {
	Reason string `cbor:"reason,omitempty"`
}

// CompressionControl toggles payload compression mid-connection.
// Algorithm must be in the negotiated capability intersection.
type CompressionControl struct {
	Algorithm string `cbor:"algorithm"`
	Enabled   bool   `cbor:"enabled"`
}

// SessionCreateRequest asks the host to start a new terminal session.
type SessionCreateRequest struct {
	Shell            string            `cbor:"shell,omitempty"`
	Columns          int               `cbor:"columns"`
	Rows             int               `cbor:"rows"`
	WorkingDirectory string            `cbor:"workingDirectory,omitempty"`
	Environment      map[string]string `cbor:"environment,omitempty"`
	BackendType      string            `cbor:"backendType,omitempty"`

	// InitialStateRequested asks for a STATE_SNAPSHOT immediately after
	// SESSION_CREATED.
	InitialStateRequested bool `cbor:"initialStateRequested,omitempty"`
}

// SessionCreateResponse confirms session creation.
type SessionCreateResponse struct {
	SessionID int32 `cbor:"sessionId"`
}

// SessionAttachRequest attaches the caller to an existing session.
// The target session id travels in the frame header.
type SessionAttachRequest struct {
	ClientID string `cbor:"clientId"`
}

// SessionDetachRequest detaches the caller from a session.
type SessionDetachRequest struct {
	ClientID string `cbor:"clientId"`
}

// SessionInfo describes one session in a SESSION_LIST_RESPONSE.
type SessionInfo struct {
	SessionID      int32     `cbor:"sessionId"`
	State          string    `cbor:"state"`
	BackendType    string    `cbor:"backendType"`
	Columns        int       `cbor:"columns"`
	Rows           int       `cbor:"rows"`
	AttachedCount  int       `cbor:"attachedCount"`
	CreatedAt      time.Time `cbor:"createdAt"`
	LastActivityAt time.Time `cbor:"lastActivityAt"`
}

// SessionListResponse enumerates the sessions visible to the requester.
type SessionListResponse struct {
	Sessions []SessionInfo `cbor:"sessions"`
}

// ResizePayload is the body of a TERMINAL_RESIZE frame.
type ResizePayload struct {
	Columns int `cbor:"columns"`
	Rows    int `cbor:"rows"`
}

// SignalPayload is the body of a TERMINAL_SIGNAL frame. Signal is a
// name like "SIGINT" or "SIGTERM".
type SignalPayload struct {
	Signal string `cbor:"signal"`
}

// StateSnapshot is the full terminal display state sent on every
// attach, before any further TERMINAL_OUTPUT.
type StateSnapshot struct {
	SessionID        int32  `cbor:"sessionId"`
	Columns          int    `cbor:"columns"`
	Rows             int    `cbor:"rows"`
	CursorX          int    `cbor:"cursorX"`
	CursorY          int    `cbor:"cursorY"`
	CursorVisible    bool   `cbor:"cursorVisible"`
	ScreenContent    []byte `cbor:"screenContent"`
	ScrollbackOffset uint64 `cbor:"scrollbackOffset"`
	ScrollbackTotal  uint64 `cbor:"scrollbackTotal"`
	SequenceNumber   int64  `cbor:"sequenceNumber"`
}

// StateDelta is an incremental display update valid only against the
// receiver's last applied sequence. A mismatch means the receiver must
// request a fresh snapshot.
type StateDelta struct {
	SessionID    int32  `cbor:"sessionId"`
	BaseSequence int64  `cbor:"baseSequence"`
	Changes      []byte `cbor:"changes"`
}

// CursorUpdate is a lightweight cursor move without a full delta.
type CursorUpdate struct {
	SessionID int32 `cbor:"sessionId"`
	CursorX   int   `cbor:"cursorX"`
	CursorY   int   `cbor:"cursorY"`
	Visible   bool  `cbor:"visible"`
}

// MaxScrollbackCount bounds a single scrollback page. Pagination is
// the caller's responsibility.
const MaxScrollbackCount = 10000

// ScrollbackRequest asks for a page of scrollback history.
type ScrollbackRequest struct {
	Offset uint64 `cbor:"offset"`
	Count  int    `cbor:"count"`
}

// ScrollbackResponse is one page of scrollback history.
type ScrollbackResponse struct {
	Offset uint64 `cbor:"offset"`
	Total  uint64 `cbor:"total"`
	Data   []byte `cbor:"data"`
}

// WindowUpdate grants flow-control credit for a session (or, with
// session id 0 in the header, for the connection aggregate window).
type WindowUpdate struct {
	Increment int64 `cbor:"increment"`
}

// FlowControlPayload announces the sender's initial window sizes during
// setup.
type FlowControlPayload struct {
	SessionWindow    int64 `cbor:"sessionWindow"`
	ConnectionWindow int64 `cbor:"connectionWindow"`
}

// MuxListRequest asks for sessions owned by the external multiplexer.
type MuxListRequest struct {
	Backend         string `cbor:"backend"`
	IncludeDetached bool   `cbor:"includeDetached"`
}

// MuxSessionInfo describes one external multiplexer session.
type MuxSessionInfo struct {
	ExternalID  string    `cbor:"externalId"`
	Name        string    `cbor:"name"`
	Attached    bool      `cbor:"attached"`
	Columns     int       `cbor:"columns"`
	Rows        int       `cbor:"rows"`
	WindowCount int       `cbor:"windowCount"`
	CreatedAt   time.Time `cbor:"createdAt"`
}

// MuxListResponse enumerates external multiplexer sessions.
type MuxListResponse struct {
	Backend  string           `cbor:"backend"`
	Sessions []MuxSessionInfo `cbor:"sessions"`
}

// MuxAttachRequest bridges an external multiplexer session into a TMXP
// session.
type MuxAttachRequest struct {
	Backend    string `cbor:"backend"`
	ExternalID string `cbor:"externalId"`
	Columns    int    `cbor:"columns"`
	Rows       int    `cbor:"rows"`
}

// MuxCreateRequest creates a session inside the external multiplexer
// and bridges it.
type MuxCreateRequest struct {
	Backend        string `cbor:"backend"`
	Name           string `cbor:"name"`
	Shell          string `cbor:"shell,omitempty"`
	Columns        int    `cbor:"columns"`
	Rows           int    `cbor:"rows"`
	WorkingDir     string `cbor:"workingDir,omitempty"`
	InitialCommand string `cbor:"initialCommand,omitempty"`
}

// MuxSessionResponse answers MUX_ATTACH and MUX_CREATE with the TMXP
// session now bridging the external one.
type MuxSessionResponse struct {
	SessionID  int32  `cbor:"sessionId"`
	ExternalID string `cbor:"externalId"`
}

// MuxCapabilities advertises which multiplexer backends the host
// supports, probed at startup.
type MuxCapabilities struct {
	Backends []string `cbor:"backends"`
}

// NewControlFrame builds a control frame (session id 0) with a CBOR
// payload.
func NewControlFrame(frameType FrameType, payload any) (Frame, error) {
	return NewFrame(ControlSessionID, frameType, payload)
}

// NewFrame builds a frame with a CBOR-encoded payload. A nil payload
// produces an empty-payload frame (HEARTBEAT, SESSION_LIST, PAUSE, ...).
func NewFrame(sessionID int32, frameType FrameType, payload any) (Frame, error) {
	frame := Frame{
		Version:   ProtocolVersion,
		SessionID: sessionID,
		Type:      frameType,
	}
	if payload == nil {
		return frame, nil
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	if len(encoded) > MaxPayloadLength {
		return Frame{}, fmt.Errorf("%s payload %d bytes exceeds maximum %d",
			frameType, len(encoded), MaxPayloadLength)
	}
	frame.Payload = encoded
	return frame, nil
}

// DecodePayload decodes a CBOR frame payload into out, reporting a
// *ProtocolError with ErrCodeInvalidFrame on malformed bodies so the
// dispatch loop can relay the code to the peer.
func DecodePayload(frame Frame, out any) error {
	if err := codec.Unmarshal(frame.Payload, out); err != nil {
		return &ProtocolError{
			Code:      ErrCodeInvalidFrame,
			SessionID: frame.SessionID,
			Message:   fmt.Sprintf("malformed %s payload: %v", frame.Type, err),
		}
	}
	return nil
}

// dataSequenceLength is the fixed prefix of TERMINAL_OUTPUT and
// TERMINAL_INPUT payloads: an 8-byte big-endian sequence number.
const dataSequenceLength = 8

// MaxDataChunk is the largest terminal byte run a single data frame can
// carry after the sequence prefix.
const MaxDataChunk = MaxPayloadLength - dataSequenceLength

// NewDataFrame builds a TERMINAL_OUTPUT or TERMINAL_INPUT frame. The
// payload is the sequence number followed by raw terminal bytes, with
// no CBOR on the hot path.
func NewDataFrame(sessionID int32, frameType FrameType, sequence int64, data []byte) (Frame, error) {
	if len(data) > MaxDataChunk {
		return Frame{}, fmt.Errorf("data chunk %d bytes exceeds maximum %d", len(data), MaxDataChunk)
	}
	payload := make([]byte, dataSequenceLength+len(data))
	binary.BigEndian.PutUint64(payload[:dataSequenceLength], uint64(sequence))
	copy(payload[dataSequenceLength:], data)
	return Frame{
		Version:   ProtocolVersion,
		SessionID: sessionID,
		Type:      frameType,
		Payload:   payload,
	}, nil
}

// SplitDataPayload extracts the sequence number and terminal bytes from
// a data frame payload.
func SplitDataPayload(frame Frame) (sequence int64, data []byte, err error) {
	if len(frame.Payload) < dataSequenceLength {
		return 0, nil, &ProtocolError{
			Code:      ErrCodeInvalidFrame,
			SessionID: frame.SessionID,
			Message:   fmt.Sprintf("%s payload %d bytes, need at least %d", frame.Type, len(frame.Payload), dataSequenceLength),
		}
	}
	sequence = int64(binary.BigEndian.Uint64(frame.Payload[:dataSequenceLength]))
	return sequence, frame.Payload[dataSequenceLength:], nil
}
