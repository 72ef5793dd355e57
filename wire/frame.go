// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Protocol constants. These are wire-format invariants shared with every
// TMXP peer; changing them breaks compatibility.
const (
	// ProtocolMagic is carried in the VERSION_NEGOTIATION payload and
	// verified before any other processing. It lets the server reject
	// stray non-TMXP clients with a clear error instead of a CBOR
	// decode failure.
	ProtocolMagic = "TMXP"

	// ProtocolVersion is the protocol revision this implementation
	// speaks natively. Version negotiation may settle on a lower value.
	ProtocolVersion = 1

	// ProtocolMinVersion is the oldest revision this implementation
	// still accepts during version negotiation.
	ProtocolMinVersion = 1

	// HeaderLength is the fixed frame header size: version (1) +
	// session id (4) + frame type (1) + payload length (4).
	HeaderLength = 10

	// MaxPayloadLength is the largest payload a frame may declare.
	// Larger terminal writes are split across frames by the sender.
	MaxPayloadLength = 65536

	// ControlSessionID addresses the connection itself rather than a
	// multiplexed session.
	ControlSessionID int32 = 0
)

// Frame is one decoded header+payload unit. Frames are created by
// Decode (or by the helpers in payload.go), dispatched once, and
// discarded; nothing retains a Frame across dispatch.
type Frame struct {
	Version   uint8
	SessionID int32
	Type      FrameType
	Payload   []byte
}

// Encode serializes the frame into a freshly allocated byte slice.
// Encoding is total for frames meeting the data-model invariants
// (non-negative session id, payload within MaxPayloadLength); violations
// are programming errors on the local side and are reported rather than
// silently truncated.
func Encode(frame Frame) ([]byte, error) {
	if frame.SessionID < 0 {
		return nil, fmt.Errorf("encode frame: negative session id %d", frame.SessionID)
	}
	if len(frame.Payload) > MaxPayloadLength {
		return nil, fmt.Errorf("encode frame: payload %d bytes exceeds maximum %d",
			len(frame.Payload), MaxPayloadLength)
	}
	buffer := make([]byte, HeaderLength+len(frame.Payload))
	buffer[0] = frame.Version
	binary.BigEndian.PutUint32(buffer[1:5], uint32(frame.SessionID))
	buffer[5] = uint8(frame.Type)
	binary.BigEndian.PutUint32(buffer[6:10], uint32(len(frame.Payload)))
	copy(buffer[HeaderLength:], frame.Payload)
	return buffer, nil
}

// Decode parses one frame from data. Validation order: header length,
// session id sign bit, payload length sign bit, payload length bound,
// declared payload actually present. Any violation returns a
// *DecodeError and no Frame. The returned frame's payload aliases data;
// callers that retain the payload past the life of data must copy.
//
// Decode returns the number of bytes consumed so stream adapters can
// advance past the frame.
func Decode(data []byte) (Frame, int, error) {
	if len(data) < HeaderLength {
		return Frame{}, 0, &DecodeError{
			Code:   ErrCodeInvalidFrame,
			Detail: fmt.Sprintf("short header: %d bytes, need %d", len(data), HeaderLength),
		}
	}
	rawSessionID := binary.BigEndian.Uint32(data[1:5])
	if rawSessionID&0x80000000 != 0 {
		return Frame{}, 0, &DecodeError{
			Code:   ErrCodeInvalidFrame,
			Detail: fmt.Sprintf("session id sign bit set (raw 0x%08x)", rawSessionID),
		}
	}
	rawPayloadLength := binary.BigEndian.Uint32(data[6:10])
	if rawPayloadLength&0x80000000 != 0 {
		return Frame{}, 0, &DecodeError{
			Code:   ErrCodeInvalidFrame,
			Detail: fmt.Sprintf("payload length sign bit set (raw 0x%08x)", rawPayloadLength),
		}
	}
	payloadLength := int(rawPayloadLength)
	if payloadLength > MaxPayloadLength {
		return Frame{}, 0, &DecodeError{
			Code:   ErrCodePayloadTooLarge,
			Detail: fmt.Sprintf("payload length %d exceeds maximum %d", payloadLength, MaxPayloadLength),
		}
	}
	if len(data) < HeaderLength+payloadLength {
		return Frame{}, 0, &DecodeError{
			Code:   ErrCodeInvalidFrame,
			Detail: fmt.Sprintf("truncated payload: declared %d bytes, %d present", payloadLength, len(data)-HeaderLength),
		}
	}
	frame := Frame{
		Version:   data[0],
		SessionID: int32(rawSessionID),
		Type:      FrameType(data[5]),
		Payload:   data[HeaderLength : HeaderLength+payloadLength],
	}
	return frame, HeaderLength + payloadLength, nil
}

// WriteFrame encodes the frame and writes it to w in a single Write
// call. The caller is responsible for the single-writer discipline on w.
func WriteFrame(w io.Writer, frame Frame) error {
	encoded, err := Encode(frame)
	if err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. Header validation mirrors
// Decode: a payload length with the sign bit set or beyond
// MaxPayloadLength fails before any payload allocation, so a hostile
// peer cannot make us allocate from a forged length field.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	rawSessionID := binary.BigEndian.Uint32(header[1:5])
	if rawSessionID&0x80000000 != 0 {
		return Frame{}, &DecodeError{
			Code:   ErrCodeInvalidFrame,
			Detail: fmt.Sprintf("session id sign bit set (raw 0x%08x)", rawSessionID),
		}
	}
	rawPayloadLength := binary.BigEndian.Uint32(header[6:10])
	if rawPayloadLength&0x80000000 != 0 {
		return Frame{}, &DecodeError{
			Code:   ErrCodeInvalidFrame,
			Detail: fmt.Sprintf("payload length sign bit set (raw 0x%08x)", rawPayloadLength),
		}
	}
	payloadLength := int(rawPayloadLength)
	if payloadLength > MaxPayloadLength {
		// The declared length is trustworthy even when oversized, so the
		// payload is discarded in full and the stream stays frame-aligned;
		// the caller may report the error and keep reading.
		if _, err := io.CopyN(io.Discard, r, int64(payloadLength)); err != nil {
			return Frame{}, fmt.Errorf("discard oversized payload: %w", err)
		}
		return Frame{}, &DecodeError{
			Code:   ErrCodePayloadTooLarge,
			Detail: fmt.Sprintf("payload length %d exceeds maximum %d", payloadLength, MaxPayloadLength),
		}
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{
		Version:   header[0],
		SessionID: int32(rawSessionID),
		Type:      FrameType(header[5]),
		Payload:   payload,
	}, nil
}
