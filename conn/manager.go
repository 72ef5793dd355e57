// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/tmxp-io/tmxp/backend"
	"github.com/tmxp-io/tmxp/flow"
	"github.com/tmxp-io/tmxp/lib/netutil"
	"github.com/tmxp-io/tmxp/wire"
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateNegotiating
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNegotiating:
		return "negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// maxFlowViolations is how many receive-side credit overruns a peer
// gets before the connection closes.
const maxFlowViolations = 3

// maxCompressionFailures is how many undecodable compressed payloads we
// tolerate before forcing compression back to none.
const maxCompressionFailures = 3

// Manager drives one TMXP connection: handshake, dispatch, heartbeat,
// and the outbound writer. It lives exactly as long as its transport.
//
// Concurrency: the read loop (Run's goroutine) is the only frame
// parser. All outbound frames funnel through the outbound channel into
// a single writer goroutine, so writes never interleave mid-frame.
// Output pumps and the heartbeat loop enqueue concurrently with the
// read loop.
type Manager struct {
	host      *Host
	transport io.ReadWriteCloser
	logger    *slog.Logger
	options   Options

	// outboundFlow gates data we send; credit arrives as WINDOW_UPDATE
	// from the peer. inboundFlow accounts data the peer sends us and is
	// replenished by the WINDOW_UPDATEs we issue.
	outboundFlow *flow.Controller
	inboundFlow  *flow.Controller

	outbound chan wire.Frame

	ctx    context.Context
	cancel context.CancelFunc

	flowMutex sync.Mutex
	flowWake  *sync.Cond

	mutex       sync.Mutex
	state       State
	versionDone bool
	version     uint8
	clientID    string
	negotiated  wire.CapabilityResponse

	// envelope reports whether payloads travel inside the compression
	// envelope. It flips on at most once, while the read loop handles
	// capability exchange, and never off: the envelope self-describes
	// its algorithm per frame, so toggling compression only changes
	// txAlgorithm.
	envelope         bool
	txAlgorithm      wire.Algorithm
	rxFailures       int
	missedHeartbeats int
	heartbeatPending bool
}

func newManager(host *Host, transport io.ReadWriteCloser) *Manager {
	options := host.options
	m := &Manager{
		host:         host,
		transport:    transport,
		logger:       options.Logger,
		options:      options,
		outboundFlow: flow.NewController(options.SessionWindow, options.ConnectionWindow),
		inboundFlow:  flow.NewController(options.SessionWindow, options.ConnectionWindow),
		outbound:     make(chan wire.Frame, options.OutboundQueue),
		state:        StateDisconnected,
	}
	m.flowWake = sync.NewCond(&m.flowMutex)
	return m
}

// State returns the connection's lifecycle position.
func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mutex.Lock()
	m.state = s
	m.mutex.Unlock()
}

// Run serves the connection until the transport closes or a fatal
// protocol condition ends it. On return all sessions attached through
// this connection are Disconnected (or Terminated if their backend
// exited) and the transport is closed.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.ctx = ctx
	m.cancel = cancel
	defer cancel()

	m.setState(StateNegotiating)
	m.logger.Info("connection open")

	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		m.writeLoop(ctx)
	}()
	go m.heartbeatLoop(ctx)

	err := m.readLoop(ctx)

	cancel()
	m.wakeFlow()
	writerDone.Wait()
	m.transport.Close()
	m.setState(StateClosed)
	m.host.registry.DisconnectAll()
	m.logger.Info("connection closed")
	return err
}

// readLoop is the single frame parser for the connection.
func (m *Manager) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := wire.ReadFrame(m.transport)
		if err != nil {
			fatal, readErr := m.handleReadError(err)
			if fatal {
				return readErr
			}
			continue
		}
		if fatal := m.handleFrame(frame); fatal != nil {
			return fatal
		}
	}
}

func (m *Manager) handleReadError(err error) (fatal bool, result error) {
	if errors.Is(err, io.ErrUnexpectedEOF) || netutil.IsExpectedCloseError(err) {
		return true, nil
	}
	var decodeErr *wire.DecodeError
	if errors.As(err, &decodeErr) {
		// An oversized payload has been discarded in full by ReadFrame,
		// so the stream is still frame-aligned and an authenticated
		// connection continues after reporting the code. Before
		// authentication any malformed input terminates.
		if decodeErr.Code == wire.ErrCodePayloadTooLarge && m.State() == StateReady {
			m.logger.Warn("oversized frame discarded", "detail", decodeErr.Detail)
			m.sendError(decodeErr.Code, 0, "frame rejected: "+decodeErr.Detail)
			return false, nil
		}
		// Sign-bit headers leave the stream position unrecoverable, so
		// the connection ends either way; an authenticated peer at
		// least learns the code first.
		if m.State() == StateReady {
			m.sendError(decodeErr.Code, 0, "frame rejected")
		}
		m.beginClose("frame decode: " + decodeErr.Detail)
		return true, nil
	}
	if m.ctx.Err() != nil {
		return true, nil
	}
	return true, fmt.Errorf("read frame: %w", err)
}

// handleFrame decompresses and routes one inbound frame. A non-nil
// return ends the connection.
func (m *Manager) handleFrame(frame wire.Frame) error {
	if m.envelopeEnabled() && len(frame.Payload) > 0 {
		payload, err := wire.Decompress(frame.Payload)
		if err != nil {
			m.noteCompressionFailure(err)
			return nil
		}
		frame.Payload = payload
	}

	switch m.State() {
	case StateNegotiating:
		return m.handleNegotiating(frame)
	case StateAuthenticating:
		return m.handleAuthenticating(frame)
	case StateReady:
		m.dispatchReady(frame)
		return nil
	default:
		// Closing or closed: drain without dispatching.
		return nil
	}
}

// selectVersion applies the negotiation rule: the highest version both
// ranges contain, or failure when the ranges are disjoint.
func selectVersion(clientMin, clientMax, serverMin, serverMax uint8) (uint8, bool) {
	selected := clientMax
	if serverMax < selected {
		selected = serverMax
	}
	floor := clientMin
	if serverMin > floor {
		floor = serverMin
	}
	return selected, selected >= floor
}

// handleNegotiating runs the pre-auth half of the handshake: version
// negotiation, then capability exchange. Anything malformed here closes
// the connection outright.
func (m *Manager) handleNegotiating(frame wire.Frame) error {
	m.mutex.Lock()
	versionDone := m.versionDone
	m.mutex.Unlock()

	if !versionDone {
		if frame.Type != wire.FrameVersionNegotiation {
			m.beginClose(fmt.Sprintf("expected VERSION_NEGOTIATION, got %s", frame.Type))
			return nil
		}
		var request wire.VersionNegotiation
		if err := wire.DecodePayload(frame, &request); err != nil {
			m.beginClose("malformed version negotiation")
			return nil
		}
		if request.Magic != wire.ProtocolMagic {
			m.beginClose(fmt.Sprintf("bad protocol magic %q", request.Magic))
			return nil
		}
		selected, ok := selectVersion(request.MinSupported, request.MaxSupported,
			wire.ProtocolMinVersion, wire.ProtocolVersion)
		if !ok {
			m.sendError(wire.ErrCodeVersionMismatch, 0,
				fmt.Sprintf("no common version in [%d,%d]", request.MinSupported, request.MaxSupported))
			m.beginClose("version mismatch")
			return nil
		}
		m.mutex.Lock()
		m.versionDone = true
		m.version = selected
		m.clientID = request.ClientID
		m.mutex.Unlock()
		m.sendControl(wire.FrameVersionResponse, wire.VersionResponse{Selected: selected})
		m.logger.Info("version negotiated", "version", selected, "clientId", request.ClientID)
		return nil
	}

	if frame.Type != wire.FrameCapabilityExchange {
		m.beginClose(fmt.Sprintf("expected CAPABILITY_EXCHANGE, got %s", frame.Type))
		return nil
	}
	var offer wire.CapabilityExchange
	if err := wire.DecodePayload(frame, &offer); err != nil {
		m.beginClose("malformed capability exchange")
		return nil
	}
	negotiated := wire.CapabilityResponse{
		Compression: intersect(m.options.Compression, offer.Compression),
		Backends:    intersect(backendNames(m), offer.Backends),
		Features:    intersect(m.options.Features, offer.Features),
	}
	if len(negotiated.Compression) > 0 {
		negotiated.Selected = negotiated.Compression[0]
	}
	m.mutex.Lock()
	m.negotiated = negotiated
	m.mutex.Unlock()
	m.sendControl(wire.FrameCapabilityResponse, negotiated)
	// The response itself travels plain; everything after it, in both
	// directions, is enveloped once an algorithm was selected. The
	// flag flips here on the read-loop goroutine, after the response
	// was enveloped-checked at enqueue, so no frame straddles the
	// switch.
	if negotiated.Selected != "" {
		if algorithm, err := wire.ParseAlgorithm(negotiated.Selected); err == nil {
			m.mutex.Lock()
			m.envelope = true
			m.txAlgorithm = algorithm
			m.mutex.Unlock()
			m.logger.Info("compression negotiated", "algorithm", negotiated.Selected)
		}
	}
	m.setState(StateAuthenticating)
	return nil
}

// handleAuthenticating gates Ready on the AUTHENTICATION frame. The
// material is opaque; pass/fail comes from the configured verifier.
func (m *Manager) handleAuthenticating(frame wire.Frame) error {
	if frame.Type != wire.FrameAuthentication {
		m.beginClose(fmt.Sprintf("expected AUTHENTICATION, got %s", frame.Type))
		return nil
	}
	var auth wire.Authentication
	if err := wire.DecodePayload(frame, &auth); err != nil {
		m.beginClose("malformed authentication")
		return nil
	}
	if m.options.Authenticate != nil {
		if err := m.options.Authenticate(auth.Material); err != nil {
			m.sendControl(wire.FrameAuthResponse, wire.AuthResponse{OK: false, Reason: err.Error()})
			m.beginClose("authentication failed")
			return nil
		}
	}
	m.sendControl(wire.FrameAuthResponse, wire.AuthResponse{OK: true})
	m.setState(StateReady)
	m.announceReady()
	m.logger.Info("connection ready", "clientId", m.ClientID())
	return nil
}

// announceReady sends the post-handshake announcements: our receive
// windows and the multiplexer backends this host serves.
func (m *Manager) announceReady() {
	m.sendControl(wire.FrameFlowControl, wire.FlowControlPayload{
		SessionWindow:    m.options.SessionWindow,
		ConnectionWindow: m.options.ConnectionWindow,
	})
	m.sendControl(wire.FrameMuxCapabilities, wire.MuxCapabilities{Backends: backendNames(m)})
}

// ClientID returns the peer's identifier from version negotiation.
func (m *Manager) ClientID() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.clientID
}

// beginClose moves the connection to Closing, tells the peer, and
// cancels the connection context. Safe to call more than once.
func (m *Manager) beginClose(reason string) {
	m.mutex.Lock()
	if m.state == StateClosing || m.state == StateClosed {
		m.mutex.Unlock()
		return
	}
	m.state = StateClosing
	m.mutex.Unlock()

	m.logger.Info("closing connection", "reason", reason)
	if frame, err := wire.NewControlFrame(wire.FrameClose, wire.ClosePayload{Reason: reason}); err == nil {
		if m.envelopeEnabled() {
			if envelope, err := wire.Compress(frame.Payload, m.txAlg()); err == nil {
				frame.Payload = envelope
			}
		}
		select {
		case m.outbound <- frame:
		default:
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wakeFlow()
}

// writeLoop is the single writer: it drains the outbound queue onto the
// transport, applying payload compression when enabled. After
// cancellation it flushes whatever is already queued, best effort.
func (m *Manager) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case frame := <-m.outbound:
					if err := m.writeFrame(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		case frame := <-m.outbound:
			if err := m.writeFrame(frame); err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("transport write failed", "error", err)
					m.beginClose("write failure")
				}
				return
			}
		}
	}
}

func (m *Manager) writeFrame(frame wire.Frame) error {
	return wire.WriteFrame(m.transport, frame)
}

// send envelopes the payload and enqueues the frame for the writer,
// blocking while the queue is full. Enveloping happens at enqueue, not
// write, so queue order and envelope state can never disagree. Returns
// false once the connection is going down.
func (m *Manager) send(frame wire.Frame) bool {
	if m.envelopeEnabled() && len(frame.Payload) > 0 {
		envelope, err := wire.Compress(frame.Payload, m.txAlg())
		if err != nil {
			m.logger.Error("compressing payload", "type", frame.Type, "error", err)
			return false
		}
		frame.Payload = envelope
	}
	select {
	case m.outbound <- frame:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) sendControl(frameType wire.FrameType, payload any) bool {
	frame, err := wire.NewControlFrame(frameType, payload)
	if err != nil {
		m.logger.Error("building control frame", "type", frameType, "error", err)
		return false
	}
	return m.send(frame)
}

func (m *Manager) sendSession(sessionID int32, frameType wire.FrameType, payload any) bool {
	frame, err := wire.NewFrame(sessionID, frameType, payload)
	if err != nil {
		m.logger.Error("building frame", "type", frameType, "sessionId", sessionID, "error", err)
		return false
	}
	return m.send(frame)
}

func (m *Manager) sendError(code wire.ErrorCode, sessionID int32, message string) {
	m.sendControl(wire.FrameError, wire.ErrorPayload{
		Code:      code,
		SessionID: sessionID,
		Message:   message,
	})
}

// notifySessionClosed tells the peer a session ended outside its own
// request (backend exit, sweep).
func (m *Manager) notifySessionClosed(sessionID int32, reason string) {
	m.sendSession(sessionID, wire.FrameSessionClosed, wire.ClosePayload{Reason: reason})
}

// dropSession releases the connection-level flow state for a session.
func (m *Manager) dropSession(sessionID int32) {
	m.outboundFlow.RemoveSession(sessionID)
	m.inboundFlow.RemoveSession(sessionID)
	m.wakeFlow()
}

// forwardOutput sends one output chunk to the peer, waiting for flow
// credit first. Returns false when the chunk could not be delivered
// (connection closing, session dropped); the chunk is already in the
// scrollback either way, so a later snapshot covers it.
func (m *Manager) forwardOutput(sessionID int32, sequence int64, chunk []byte) bool {
	if m.State() != StateReady {
		return false
	}
	if !m.reserveOutput(sessionID, int64(len(chunk))) {
		return false
	}
	frame, err := wire.NewDataFrame(sessionID, wire.FrameTerminalOutput, sequence, chunk)
	if err != nil {
		m.logger.Error("building output frame", "sessionId", sessionID, "error", err)
		return false
	}
	return m.send(frame)
}

// reserveOutput blocks until outbound credit for the chunk is
// available. This is the backpressure point: the caller is the
// session's pump, so an exhausted window stops further backend reads.
//
// The reservation attempt and the wait happen under flowMutex, and
// every grant broadcasts under the same mutex (wakeFlow), so a grant
// arriving between a failed attempt and the wait cannot be lost.
func (m *Manager) reserveOutput(sessionID int32, n int64) bool {
	m.flowMutex.Lock()
	defer m.flowMutex.Unlock()
	for {
		if m.ctx.Err() != nil {
			return false
		}
		err := m.outboundFlow.Reserve(sessionID, n)
		if err == nil {
			return true
		}
		if errors.Is(err, flow.ErrUnknownSession) {
			return false
		}
		// Insufficient credit or paused: wait for a grant or resume.
		m.flowWake.Wait()
	}
}

// wakeFlow wakes pumps blocked in reserveOutput. The broadcast holds
// flowMutex so it cannot slip between a pump's failed reservation and
// its wait.
func (m *Manager) wakeFlow() {
	m.flowMutex.Lock()
	m.flowWake.Broadcast()
	m.flowMutex.Unlock()
}

// heartbeatLoop emits HEARTBEAT once Ready and counts unanswered
// probes. A miss is a sent probe still unacknowledged when the next
// interval elapses; the connection closes once the configured number
// of probes have gone unanswered, roughly 100 seconds of silence at
// the default 30s interval and three misses.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := m.options.Clock.NewTicker(m.options.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != StateReady {
				continue
			}
			m.mutex.Lock()
			if m.heartbeatPending {
				m.missedHeartbeats++
			}
			missed := m.missedHeartbeats
			m.heartbeatPending = true
			m.mutex.Unlock()
			if missed >= m.options.HeartbeatMisses {
				m.beginClose("heartbeat timeout")
				return
			}
			m.sendControl(wire.FrameHeartbeat, nil)
		}
	}
}

func (m *Manager) noteHeartbeatAck() {
	m.mutex.Lock()
	m.missedHeartbeats = 0
	m.heartbeatPending = false
	m.mutex.Unlock()
}

// Compression state. Once capability negotiation selects an algorithm,
// every payload in both directions travels inside the envelope, which
// self-describes its per-frame algorithm. COMPRESSION_CONTROL changes
// only which algorithm a sender tags from then on (none when disabled);
// the framing itself never toggles, so declarations cannot race with
// frames in flight.

func (m *Manager) envelopeEnabled() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.envelope
}

func (m *Manager) txAlg() wire.Algorithm {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.txAlgorithm
}

// handleCompressionControl applies the peer's request to change the
// compression algorithm mid-connection.
func (m *Manager) handleCompressionControl(frame wire.Frame) {
	var control wire.CompressionControl
	if err := wire.DecodePayload(frame, &control); err != nil {
		m.sendError(wire.ErrCodeInvalidFrame, 0, "malformed compression control")
		return
	}
	if !m.envelopeEnabled() {
		m.sendError(wire.ErrCodeUnsupportedFeature, 0, "compression was not negotiated")
		return
	}
	if !control.Enabled {
		m.mutex.Lock()
		m.txAlgorithm = wire.AlgorithmNone
		m.mutex.Unlock()
		m.logger.Info("compression disabled by peer")
		return
	}
	algorithm, err := wire.ParseAlgorithm(control.Algorithm)
	if err != nil {
		m.sendError(wire.ErrCodeUnsupportedFeature, 0,
			fmt.Sprintf("compression algorithm %q", control.Algorithm))
		return
	}
	if algorithm != wire.AlgorithmNone && !contains(m.negotiatedCompression(), control.Algorithm) {
		m.sendError(wire.ErrCodeUnsupportedFeature, 0,
			fmt.Sprintf("compression %q not negotiated", control.Algorithm))
		return
	}
	m.mutex.Lock()
	m.txAlgorithm = algorithm
	m.mutex.Unlock()
	m.logger.Info("compression algorithm changed", "algorithm", control.Algorithm)
}

// noteCompressionFailure drops an undecodable frame and, on the third
// consecutive failure, forces renegotiation to none: we stop
// compressing and tell the peer to do the same.
func (m *Manager) noteCompressionFailure(err error) {
	m.mutex.Lock()
	m.rxFailures++
	failures := m.rxFailures
	m.mutex.Unlock()

	m.logger.Warn("dropping undecodable compressed frame", "error", err, "failures", failures)
	m.sendError(wire.ErrCodeCompressionError, 0, "cannot decompress payload")
	if failures >= maxCompressionFailures {
		m.mutex.Lock()
		m.txAlgorithm = wire.AlgorithmNone
		m.rxFailures = 0
		m.mutex.Unlock()
		m.sendControl(wire.FrameCompressionControl, wire.CompressionControl{
			Algorithm: wire.AlgorithmNone.String(),
			Enabled:   false,
		})
		m.logger.Warn("compression renegotiated to none after repeated failures")
	}
}

func (m *Manager) negotiatedCompression() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.negotiated.Compression
}

func backendNames(m *Manager) []string {
	names := []string{string(backend.TypePty)}
	var muxNames []string
	for backendType := range m.options.Multiplexers {
		if backendType != backend.TypePty {
			muxNames = append(muxNames, string(backendType))
		}
	}
	sort.Strings(muxNames)
	return append(names, muxNames...)
}

// intersect returns the members of ours that the peer also offered,
// preserving our preference order.
func intersect(ours, theirs []string) []string {
	var common []string
	for _, candidate := range ours {
		if contains(theirs, candidate) {
			common = append(common, candidate)
		}
	}
	return common
}

func contains(list []string, value string) bool {
	for _, member := range list {
		if member == value {
			return true
		}
	}
	return false
}
