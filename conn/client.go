// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tmxp-io/tmxp/flow"
	"github.com/tmxp-io/tmxp/wire"
)

// ClientOptions configures the viewer half of a connection.
type ClientOptions struct {
	ClientID     string
	AuthMaterial []byte
	Logger       *slog.Logger

	// Compression lists algorithm names this client can decode, in
	// preference order. Nil offers everything.
	Compression []string

	// Features lists optional protocol features to offer.
	Features []string

	SessionWindow    int64
	ConnectionWindow int64
}

// Client performs the viewer side of the TMXP handshake and frames the
// traffic that follows. It does not run a dispatch loop of its own; the
// caller reads frames and reacts, which keeps the attach CLI's
// event loop in one place.
type Client struct {
	transport io.ReadWriteCloser
	options   ClientOptions
	logger    *slog.Logger

	// outboundFlow gates TERMINAL_INPUT sends; the host replenishes it
	// with WINDOW_UPDATE frames.
	outboundFlow *flow.Controller

	writeMutex sync.Mutex

	stateMutex sync.Mutex
	version    uint8
	negotiated wire.CapabilityResponse

	// envelope mirrors the host: once negotiation selects an
	// algorithm, all payloads both ways travel in the self-describing
	// compression envelope. txAlgorithm is the tag we apply; the host
	// changes it via COMPRESSION_CONTROL.
	envelope       bool
	txAlgorithm    wire.Algorithm
	inputSequences map[int32]int64
}

// NewClient wraps a connected transport. Negotiate must complete before
// any other use.
func NewClient(transport io.ReadWriteCloser, options ClientOptions) *Client {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Compression == nil {
		options.Compression = []string{"zstd", "lz4", "deflate"}
	}
	if options.Features == nil {
		options.Features = []string{"state-delta", "scrollback"}
	}
	if options.SessionWindow <= 0 {
		options.SessionWindow = flow.DefaultSessionWindow
	}
	if options.ConnectionWindow <= 0 {
		options.ConnectionWindow = flow.DefaultConnectionWindow
	}
	return &Client{
		transport:      transport,
		options:        options,
		logger:         options.Logger,
		outboundFlow:   flow.NewController(options.SessionWindow, options.ConnectionWindow),
		inputSequences: make(map[int32]int64),
	}
}

// Negotiate runs the three-step handshake: version, capabilities,
// authentication. On return the connection is Ready on both sides.
func (c *Client) Negotiate() error {
	if err := c.Send(mustControl(wire.FrameVersionNegotiation, wire.VersionNegotiation{
		Magic:        wire.ProtocolMagic,
		ClientID:     c.options.ClientID,
		Version:      wire.ProtocolVersion,
		MinSupported: wire.ProtocolMinVersion,
		MaxSupported: wire.ProtocolVersion,
	})); err != nil {
		return err
	}
	frame, err := c.ReadFrame()
	if err != nil {
		return fmt.Errorf("awaiting version response: %w", err)
	}
	if frame.Type == wire.FrameError {
		return errorFromFrame(frame)
	}
	if frame.Type != wire.FrameVersionResponse {
		return fmt.Errorf("expected VERSION_RESPONSE, got %s", frame.Type)
	}
	var versionResponse wire.VersionResponse
	if err := wire.DecodePayload(frame, &versionResponse); err != nil {
		return err
	}
	c.stateMutex.Lock()
	c.version = versionResponse.Selected
	c.stateMutex.Unlock()

	if err := c.Send(mustControl(wire.FrameCapabilityExchange, wire.CapabilityExchange{
		Compression: c.options.Compression,
		Backends:    []string{"pty", "tmux", "screen"},
		Features:    c.options.Features,
	})); err != nil {
		return err
	}
	frame, err = c.ReadFrame()
	if err != nil {
		return fmt.Errorf("awaiting capability response: %w", err)
	}
	if frame.Type != wire.FrameCapabilityResponse {
		return fmt.Errorf("expected CAPABILITY_RESPONSE, got %s", frame.Type)
	}
	var capabilities wire.CapabilityResponse
	if err := wire.DecodePayload(frame, &capabilities); err != nil {
		return err
	}
	c.stateMutex.Lock()
	c.negotiated = capabilities
	c.stateMutex.Unlock()
	// Everything after the capability response is enveloped when an
	// algorithm was selected, starting with our AUTHENTICATION frame.
	if capabilities.Selected != "" {
		if algorithm, err := wire.ParseAlgorithm(capabilities.Selected); err == nil {
			c.stateMutex.Lock()
			c.envelope = true
			c.txAlgorithm = algorithm
			c.stateMutex.Unlock()
		}
	}

	if err := c.Send(mustControl(wire.FrameAuthentication, wire.Authentication{
		Material: c.options.AuthMaterial,
	})); err != nil {
		return err
	}
	frame, err = c.ReadFrame()
	if err != nil {
		return fmt.Errorf("awaiting auth response: %w", err)
	}
	if frame.Type != wire.FrameAuthResponse {
		return fmt.Errorf("expected AUTH_RESPONSE, got %s", frame.Type)
	}
	var verdict wire.AuthResponse
	if err := wire.DecodePayload(frame, &verdict); err != nil {
		return err
	}
	if !verdict.OK {
		return fmt.Errorf("authentication rejected: %s", verdict.Reason)
	}
	return nil
}

// Version returns the negotiated protocol version.
func (c *Client) Version() uint8 {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.version
}

// Capabilities returns the negotiated capability intersection.
func (c *Client) Capabilities() wire.CapabilityResponse {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.negotiated
}

// Send writes one frame, enveloping the payload once compression has
// been negotiated. Safe for concurrent use.
func (c *Client) Send(frame wire.Frame) error {
	c.stateMutex.Lock()
	enveloped, txAlgorithm := c.envelope, c.txAlgorithm
	c.stateMutex.Unlock()
	if enveloped && len(frame.Payload) > 0 {
		envelope, err := wire.Compress(frame.Payload, txAlgorithm)
		if err != nil {
			return fmt.Errorf("compress %s payload: %w", frame.Type, err)
		}
		frame.Payload = envelope
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return wire.WriteFrame(c.transport, frame)
}

// ReadFrame reads and de-envelopes one frame. A COMPRESSION_CONTROL
// from the host is applied before being returned, so the caller sees
// the change but never has to act on it.
func (c *Client) ReadFrame() (wire.Frame, error) {
	frame, err := wire.ReadFrame(c.transport)
	if err != nil {
		return wire.Frame{}, err
	}
	c.stateMutex.Lock()
	enveloped := c.envelope
	c.stateMutex.Unlock()
	if enveloped && len(frame.Payload) > 0 {
		payload, err := wire.Decompress(frame.Payload)
		if err != nil {
			return wire.Frame{}, fmt.Errorf("decompress %s payload: %w", frame.Type, err)
		}
		frame.Payload = payload
	}
	if frame.Type == wire.FrameCompressionControl {
		c.applyCompressionControl(frame)
	}
	return frame, nil
}

// applyCompressionControl changes the algorithm we tag our own frames
// with, at the host's request.
func (c *Client) applyCompressionControl(frame wire.Frame) {
	var control wire.CompressionControl
	if err := wire.DecodePayload(frame, &control); err != nil {
		c.logger.Warn("malformed compression control", "error", err)
		return
	}
	if !control.Enabled {
		c.stateMutex.Lock()
		c.txAlgorithm = wire.AlgorithmNone
		c.stateMutex.Unlock()
		return
	}
	algorithm, err := wire.ParseAlgorithm(control.Algorithm)
	if err != nil {
		c.logger.Warn("host requested unknown compression", "algorithm", control.Algorithm)
		return
	}
	c.stateMutex.Lock()
	c.txAlgorithm = algorithm
	c.stateMutex.Unlock()
}

// RequestCompression asks the host to tag its frames with the given
// algorithm ("none" turns compression off host-to-client).
func (c *Client) RequestCompression(name string, enabled bool) error {
	frame, err := wire.NewControlFrame(wire.FrameCompressionControl, wire.CompressionControl{
		Algorithm: name,
		Enabled:   enabled,
	})
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// AddSession registers outbound flow windows for a session this client
// writes input to. Call after SESSION_CREATED, SESSION_ATTACHED, or a
// mux response.
func (c *Client) AddSession(sessionID int32) {
	c.outboundFlow.AddSession(sessionID)
}

// HandleWindowUpdate credits the outbound flow controller from a
// WINDOW_UPDATE frame.
func (c *Client) HandleWindowUpdate(frame wire.Frame) error {
	var update wire.WindowUpdate
	if err := wire.DecodePayload(frame, &update); err != nil {
		return err
	}
	if frame.SessionID == wire.ControlSessionID {
		c.outboundFlow.GrantConnection(update.Increment)
		return nil
	}
	return c.outboundFlow.Grant(frame.SessionID, update.Increment)
}

// SendInput delivers terminal input for a session, consuming outbound
// flow credit. ErrInsufficientCredit means the caller must retry after
// the next WINDOW_UPDATE.
func (c *Client) SendInput(sessionID int32, data []byte) error {
	if len(data) > wire.MaxDataChunk {
		return fmt.Errorf("input chunk %d bytes exceeds maximum %d", len(data), wire.MaxDataChunk)
	}
	if err := c.outboundFlow.Reserve(sessionID, int64(len(data))); err != nil {
		return err
	}
	c.stateMutex.Lock()
	sequence := c.inputSequences[sessionID]
	c.inputSequences[sessionID] = sequence + 1
	c.stateMutex.Unlock()
	frame, err := wire.NewDataFrame(sessionID, wire.FrameTerminalInput, sequence, data)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Heartbeat acks keep the host from declaring this client dead; the
// caller's read loop should route FrameHeartbeat here.
func (c *Client) AckHeartbeat() error {
	frame, err := wire.NewControlFrame(wire.FrameHeartbeatAck, nil)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Close shuts the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// errorFromFrame converts an ERROR frame into a ProtocolError.
func errorFromFrame(frame wire.Frame) error {
	var payload wire.ErrorPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return errors.New("peer sent malformed error frame")
	}
	return &wire.ProtocolError{
		Code:      payload.Code,
		SessionID: payload.SessionID,
		Message:   payload.Message,
	}
}

// mustControl builds a control frame for payloads the client fully
// controls, where marshalling cannot fail.
func mustControl(frameType wire.FrameType, payload any) wire.Frame {
	frame, err := wire.NewControlFrame(frameType, payload)
	if err != nil {
		panic(err)
	}
	return frame
}
