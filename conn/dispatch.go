// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"errors"
	"fmt"

	"github.com/tmxp-io/tmxp/backend"
	"github.com/tmxp-io/tmxp/session"
	"github.com/tmxp-io/tmxp/wire"
)

// dispatchReady routes an authenticated peer's frame by type range.
// Errors past this point are reported to the peer and the connection
// continues; only repeated flow violations or an explicit CLOSE end it.
func (m *Manager) dispatchReady(frame wire.Frame) {
	switch frame.Type.Category() {
	case wire.CategoryControl:
		m.handleControl(frame)
	case wire.CategorySession:
		m.handleSession(frame)
	case wire.CategoryData:
		m.handleData(frame)
	case wire.CategoryState:
		m.handleState(frame)
	case wire.CategoryFlow:
		m.handleFlow(frame)
	case wire.CategoryMux:
		m.handleMux(frame)
	default:
		m.sendError(wire.ErrCodeInvalidFrame, frame.SessionID,
			fmt.Sprintf("unassigned frame type 0x%02x", uint8(frame.Type)))
	}
}

func (m *Manager) handleControl(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameHeartbeat:
		m.sendControl(wire.FrameHeartbeatAck, nil)
	case wire.FrameHeartbeatAck:
		m.noteHeartbeatAck()
	case wire.FrameError:
		var report wire.ErrorPayload
		if err := wire.DecodePayload(frame, &report); err == nil {
			m.logger.Warn("peer reported error",
				"code", report.Code, "sessionId", report.SessionID, "message", report.Message)
		}
	case wire.FrameClose:
		var payload wire.ClosePayload
		_ = wire.DecodePayload(frame, &payload)
		m.beginClose("peer close: " + payload.Reason)
	case wire.FrameCompressionControl:
		m.handleCompressionControl(frame)
	default:
		// Handshake frames have no business arriving after Ready.
		m.sendError(wire.ErrCodeInvalidFrame, 0,
			fmt.Sprintf("%s not valid after handshake", frame.Type))
	}
}

func (m *Manager) handleSession(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameSessionCreate:
		m.handleSessionCreate(frame)
	case wire.FrameSessionAttach:
		m.handleSessionAttach(frame)
	case wire.FrameSessionDetach:
		m.handleSessionDetach(frame)
	case wire.FrameSessionClose:
		m.handleSessionClose(frame)
	case wire.FrameSessionList:
		m.sendControl(wire.FrameSessionListResponse, wire.SessionListResponse{
			Sessions: m.host.registry.List(),
		})
	default:
		m.sendError(wire.ErrCodeInvalidFrame, frame.SessionID,
			fmt.Sprintf("%s is host-to-client only", frame.Type))
	}
}

func (m *Manager) handleSessionCreate(frame wire.Frame) {
	var request wire.SessionCreateRequest
	if err := wire.DecodePayload(frame, &request); err != nil {
		m.sendError(wire.ErrCodeInvalidFrame, 0, "malformed session create")
		return
	}
	backendType, err := backend.ParseType(request.BackendType)
	if err != nil {
		m.sendError(wire.ErrCodeUnsupportedFeature, 0, err.Error())
		return
	}
	if err := session.ValidateDimensions(request.Columns, request.Rows); err != nil {
		m.sendError(wire.ErrCodeInvalidFrame, 0, err.Error())
		return
	}

	adapter, err := m.options.StartBackend(request)
	if err != nil {
		m.logger.Error("starting backend", "backend", backendType, "error", err)
		m.sendError(wire.ErrCodeInternalError, 0, "backend start failed")
		return
	}
	s, err := m.host.registry.Create(adapter, session.CreateParams{
		BackendType: backendType,
		Columns:     request.Columns,
		Rows:        request.Rows,
		ClientID:    m.ClientID(),
	})
	if err != nil {
		adapter.Close()
		if errors.Is(err, session.ErrLimitExceeded) {
			m.sendError(wire.ErrCodeSessionLimitExceeded, 0, err.Error())
		} else {
			m.sendError(wire.ErrCodeInternalError, 0, err.Error())
		}
		return
	}
	m.adoptSession(s)
	m.sendSession(s.ID, wire.FrameSessionCreated, wire.SessionCreateResponse{SessionID: s.ID})
	if request.InitialStateRequested {
		m.sendSnapshot(s)
	}
}

func (m *Manager) handleSessionAttach(frame wire.Frame) {
	var request wire.SessionAttachRequest
	if err := wire.DecodePayload(frame, &request); err != nil {
		m.sendError(wire.ErrCodeInvalidFrame, frame.SessionID, "malformed session attach")
		return
	}
	s, err := m.host.registry.Get(frame.SessionID)
	if err != nil {
		m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
		return
	}
	clientID := request.ClientID
	if clientID == "" {
		clientID = m.ClientID()
	}
	if err := s.Attach(clientID, m.options.Clock.Now()); err != nil {
		m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
		return
	}
	m.adoptSession(s)
	m.sendSession(s.ID, wire.FrameSessionAttached, nil)
	// The snapshot always precedes resumed output so the viewer can
	// rebase its stream tracker.
	m.sendSnapshot(s)
}

func (m *Manager) handleSessionDetach(frame wire.Frame) {
	var request wire.SessionDetachRequest
	if err := wire.DecodePayload(frame, &request); err != nil {
		m.sendError(wire.ErrCodeInvalidFrame, frame.SessionID, "malformed session detach")
		return
	}
	s, err := m.host.registry.Get(frame.SessionID)
	if err != nil {
		m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
		return
	}
	clientID := request.ClientID
	if clientID == "" {
		clientID = m.ClientID()
	}
	s.Detach(clientID, m.options.Clock.Now())
	m.sendSession(s.ID, wire.FrameSessionDetached, nil)
}

func (m *Manager) handleSessionClose(frame wire.Frame) {
	if err := m.host.registry.Close(frame.SessionID); err != nil {
		m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
		return
	}
	m.dropSession(frame.SessionID)
	m.sendSession(frame.SessionID, wire.FrameSessionClosed, wire.ClosePayload{Reason: "closed by client"})
}

// adoptSession wires a session into this connection: flow windows on
// both directions and the host-level output pump.
func (m *Manager) adoptSession(s *session.Session) {
	m.outboundFlow.AddSession(s.ID)
	m.inboundFlow.AddSession(s.ID)
	m.host.startPump(s)
}

func (m *Manager) sendSnapshot(s *session.Session) {
	m.sendSession(s.ID, wire.FrameStateSnapshot, session.Snapshot(s))
}

func (m *Manager) handleData(frame wire.Frame) {
	s, err := m.host.registry.Get(frame.SessionID)
	if err != nil {
		m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
		return
	}
	switch frame.Type {
	case wire.FrameTerminalInput:
		m.handleTerminalInput(s, frame)
	case wire.FrameTerminalResize:
		var resize wire.ResizePayload
		if err := wire.DecodePayload(frame, &resize); err != nil {
			m.sendError(wire.ErrCodeInvalidFrame, s.ID, "malformed resize")
			return
		}
		if err := s.Resize(resize.Columns, resize.Rows); err != nil {
			m.sendError(wire.ErrCodeInvalidFrame, s.ID, err.Error())
		}
	case wire.FrameTerminalSignal:
		var signal wire.SignalPayload
		if err := wire.DecodePayload(frame, &signal); err != nil {
			m.sendError(wire.ErrCodeInvalidFrame, s.ID, "malformed signal")
			return
		}
		if err := s.Adapter().Signal(signal.Signal); err != nil {
			m.sendError(wire.ErrCodeInvalidFrame, s.ID, err.Error())
		}
	default:
		// TERMINAL_OUTPUT flows host to client only.
		m.sendError(wire.ErrCodeInvalidFrame, s.ID,
			fmt.Sprintf("%s is host-to-client only", frame.Type))
	}
}

// handleTerminalInput accounts the input against the session's inbound
// window, writes it to the backend, and replenishes the window. Input
// beyond granted credit is a flow violation; repeated violations close
// the connection.
func (m *Manager) handleTerminalInput(s *session.Session, frame wire.Frame) {
	_, data, err := wire.SplitDataPayload(frame)
	if err != nil {
		m.sendError(wire.ErrCodeInvalidFrame, s.ID, "malformed input frame")
		return
	}
	if len(data) == 0 {
		return
	}
	if err := m.inboundFlow.Reserve(s.ID, int64(len(data))); err != nil {
		count := m.inboundFlow.NoteViolation(s.ID)
		m.sendError(wire.ErrCodeFlowControlViolation, s.ID,
			fmt.Sprintf("input exceeds granted window (violation %d)", count))
		if count >= maxFlowViolations {
			m.beginClose("repeated flow control violations")
		}
		return
	}
	if _, err := s.Adapter().Write(data); err != nil {
		m.logger.Warn("backend write failed", "sessionId", s.ID, "error", err)
		m.sendError(wire.ErrCodeInternalError, s.ID, "backend write failed")
	}
	// Input was consumed, so hand the credit straight back.
	m.inboundFlow.Grant(s.ID, int64(len(data)))
	m.inboundFlow.GrantConnection(int64(len(data)))
	m.sendSession(s.ID, wire.FrameWindowUpdate, wire.WindowUpdate{Increment: int64(len(data))})
	m.sendControl(wire.FrameWindowUpdate, wire.WindowUpdate{Increment: int64(len(data))})
}

func (m *Manager) handleState(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameScrollbackRequest:
		s, err := m.host.registry.Get(frame.SessionID)
		if err != nil {
			m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
			return
		}
		var request wire.ScrollbackRequest
		if err := wire.DecodePayload(frame, &request); err != nil {
			m.sendError(wire.ErrCodeInvalidFrame, s.ID, "malformed scrollback request")
			return
		}
		page, err := session.ScrollbackPage(s, request)
		if err != nil {
			m.sendError(wire.ErrCodeInvalidFrame, s.ID, err.Error())
			return
		}
		m.sendSession(s.ID, wire.FrameScrollbackResponse, page)
	case wire.FrameCursorUpdate:
		s, err := m.host.registry.Get(frame.SessionID)
		if err != nil {
			m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
			return
		}
		var update wire.CursorUpdate
		if err := wire.DecodePayload(frame, &update); err != nil {
			m.sendError(wire.ErrCodeInvalidFrame, s.ID, "malformed cursor update")
			return
		}
		s.SetCursor(update.CursorX, update.CursorY, update.Visible)
	default:
		// Snapshots and deltas flow host to client.
		m.sendError(wire.ErrCodeInvalidFrame, frame.SessionID,
			fmt.Sprintf("%s is host-to-client only", frame.Type))
	}
}

func (m *Manager) handleFlow(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameWindowUpdate:
		var update wire.WindowUpdate
		if err := wire.DecodePayload(frame, &update); err != nil {
			m.sendError(wire.ErrCodeInvalidFrame, frame.SessionID, "malformed window update")
			return
		}
		if update.Increment < 0 {
			m.sendError(wire.ErrCodeInvalidFrame, frame.SessionID, "negative window increment")
			return
		}
		if frame.SessionID == wire.ControlSessionID {
			m.outboundFlow.GrantConnection(update.Increment)
		} else if err := m.outboundFlow.Grant(frame.SessionID, update.Increment); err != nil {
			m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
			return
		}
		m.wakeFlow()
	case wire.FrameFlowControl:
		var announce wire.FlowControlPayload
		if err := wire.DecodePayload(frame, &announce); err != nil {
			m.sendError(wire.ErrCodeInvalidFrame, 0, "malformed flow control")
			return
		}
		// Informational: credit movement happens via WINDOW_UPDATE.
		m.logger.Info("peer flow windows",
			"sessionWindow", announce.SessionWindow,
			"connectionWindow", announce.ConnectionWindow)
	case wire.FramePause:
		if err := m.outboundFlow.Pause(frame.SessionID); err != nil {
			m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
		}
	case wire.FrameResume:
		if err := m.outboundFlow.Resume(frame.SessionID); err != nil {
			m.sendError(wire.ErrCodeSessionNotFound, frame.SessionID, err.Error())
			return
		}
		m.wakeFlow()
	}
}

func (m *Manager) handleMux(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameMuxList:
		m.handleMuxList(frame)
	case wire.FrameMuxAttach:
		m.handleMuxAttach(frame)
	case wire.FrameMuxCreate:
		m.handleMuxCreate(frame)
	case wire.FrameMuxCapabilities:
		m.sendControl(wire.FrameMuxCapabilities, wire.MuxCapabilities{Backends: backendNames(m)})
	default:
		m.sendError(wire.ErrCodeInvalidFrame, frame.SessionID,
			fmt.Sprintf("%s is host-to-client only", frame.Type))
	}
}

func (m *Manager) multiplexer(name string) (backend.Multiplexer, error) {
	backendType, err := backend.ParseType(name)
	if err != nil {
		return nil, err
	}
	mux, ok := m.options.Multiplexers[backendType]
	if !ok {
		return nil, fmt.Errorf("no %s multiplexer on this host", backendType)
	}
	return mux, nil
}

func (m *Manager) handleMuxList(frame wire.Frame) {
	var request wire.MuxListRequest
	if err := wire.DecodePayload(frame, &request); err != nil {
		m.sendError(wire.ErrCodeInvalidFrame, 0, "malformed mux list")
		return
	}
	mux, err := m.multiplexer(request.Backend)
	if err != nil {
		m.sendError(wire.ErrCodeUnsupportedFeature, 0, err.Error())
		return
	}
	external, err := mux.ListSessions(request.IncludeDetached)
	if err != nil {
		m.sendError(wire.ErrCodeInternalError, 0, err.Error())
		return
	}
	response := wire.MuxListResponse{Backend: request.Backend}
	for _, s := range external {
		response.Sessions = append(response.Sessions, wire.MuxSessionInfo{
			ExternalID:  s.ExternalID,
			Name:        s.Name,
			Attached:    s.Attached,
			Columns:     s.Columns,
			Rows:        s.Rows,
			WindowCount: s.WindowCount,
			CreatedAt:   s.CreatedAt,
		})
	}
	m.sendControl(wire.FrameMuxListResponse, response)
}

func (m *Manager) handleMuxAttach(frame wire.Frame) {
	var request wire.MuxAttachRequest
	if err := wire.DecodePayload(frame, &request); err != nil {
		m.sendError(wire.ErrCodeInvalidFrame, 0, "malformed mux attach")
		return
	}
	mux, err := m.multiplexer(request.Backend)
	if err != nil {
		m.sendError(wire.ErrCodeUnsupportedFeature, 0, err.Error())
		return
	}
	adapter, err := mux.AttachSession(request.ExternalID, request.Columns, request.Rows)
	if err != nil {
		m.sendError(wire.ErrCodeInternalError, 0, err.Error())
		return
	}
	m.bridgeExternal(adapter, mux.Type(), request.ExternalID, request.Columns, request.Rows,
		wire.FrameMuxAttached)
}

func (m *Manager) handleMuxCreate(frame wire.Frame) {
	var request wire.MuxCreateRequest
	if err := wire.DecodePayload(frame, &request); err != nil {
		m.sendError(wire.ErrCodeInvalidFrame, 0, "malformed mux create")
		return
	}
	mux, err := m.multiplexer(request.Backend)
	if err != nil {
		m.sendError(wire.ErrCodeUnsupportedFeature, 0, err.Error())
		return
	}
	adapter, externalID, err := mux.CreateSession(backend.CreateSpec{
		Name:           request.Name,
		Shell:          request.Shell,
		Columns:        request.Columns,
		Rows:           request.Rows,
		WorkingDir:     request.WorkingDir,
		InitialCommand: request.InitialCommand,
	})
	if err != nil {
		m.sendError(wire.ErrCodeInternalError, 0, err.Error())
		return
	}
	m.bridgeExternal(adapter, mux.Type(), externalID, request.Columns, request.Rows,
		wire.FrameMuxCreated)
}

// bridgeExternal registers an external multiplexer session as a TMXP
// session and reports the binding.
func (m *Manager) bridgeExternal(adapter backend.Adapter, backendType backend.Type,
	externalID string, columns, rows int, responseType wire.FrameType) {
	s, err := m.host.registry.Create(adapter, session.CreateParams{
		BackendType: backendType,
		Columns:     columns,
		Rows:        rows,
		ExternalID:  externalID,
		ClientID:    m.ClientID(),
	})
	if err != nil {
		adapter.Close()
		if errors.Is(err, session.ErrLimitExceeded) {
			m.sendError(wire.ErrCodeSessionLimitExceeded, 0, err.Error())
		} else {
			m.sendError(wire.ErrCodeInternalError, 0, err.Error())
		}
		return
	}
	m.adoptSession(s)
	m.sendSession(s.ID, responseType, wire.MuxSessionResponse{
		SessionID:  s.ID,
		ExternalID: externalID,
	})
}
