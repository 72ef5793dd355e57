// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name: "control frame with payload",
			frame: Frame{
				Version:   ProtocolVersion,
				SessionID: ControlSessionID,
				Type:      FrameVersionNegotiation,
				Payload:   []byte("negotiation body"),
			},
		},
		{
			name: "empty payload heartbeat",
			frame: Frame{
				Version:   ProtocolVersion,
				SessionID: ControlSessionID,
				Type:      FrameHeartbeat,
			},
		},
		{
			name: "session data frame",
			frame: Frame{
				Version:   ProtocolVersion,
				SessionID: 42,
				Type:      FrameTerminalOutput,
				Payload:   []byte("\x1b[31mred\x1b[0m\r\n"),
			},
		},
		{
			name: "max session id",
			frame: Frame{
				Version:   ProtocolVersion,
				SessionID: 0x7fffffff,
				Type:      FrameSessionAttach,
				Payload:   []byte{0x01},
			},
		},
		{
			name: "max payload",
			frame: Frame{
				Version:   ProtocolVersion,
				SessionID: 7,
				Type:      FrameStateSnapshot,
				Payload:   bytes.Repeat([]byte{0xAB}, MaxPayloadLength),
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			encoded, err := Encode(test.frame)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(encoded) != HeaderLength+len(test.frame.Payload) {
				t.Errorf("encoded length: got %d, want %d", len(encoded), HeaderLength+len(test.frame.Payload))
			}

			decoded, consumed, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if consumed != len(encoded) {
				t.Errorf("consumed: got %d, want %d", consumed, len(encoded))
			}
			if decoded.Version != test.frame.Version {
				t.Errorf("version: got %d, want %d", decoded.Version, test.frame.Version)
			}
			if decoded.SessionID != test.frame.SessionID {
				t.Errorf("session id: got %d, want %d", decoded.SessionID, test.frame.SessionID)
			}
			if decoded.Type != test.frame.Type {
				t.Errorf("type: got %s, want %s", decoded.Type, test.frame.Type)
			}
			if !bytes.Equal(decoded.Payload, test.frame.Payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(decoded.Payload), len(test.frame.Payload))
			}
		})
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	// validHeader builds a header with the given raw session id and
	// payload length fields.
	validHeader := func(rawSessionID, rawPayloadLength uint32) []byte {
		header := make([]byte, HeaderLength)
		header[0] = ProtocolVersion
		binary.BigEndian.PutUint32(header[1:5], rawSessionID)
		header[5] = uint8(FrameTerminalOutput)
		binary.BigEndian.PutUint32(header[6:10], rawPayloadLength)
		return header
	}

	tests := []struct {
		name     string
		data     []byte
		wantCode ErrorCode
	}{
		{
			name:     "short header",
			data:     []byte{0x01, 0x00, 0x00},
			wantCode: ErrCodeInvalidFrame,
		},
		{
			name:     "empty input",
			data:     nil,
			wantCode: ErrCodeInvalidFrame,
		},
		{
			name:     "negative session id",
			data:     validHeader(0x80000001, 0),
			wantCode: ErrCodeInvalidFrame,
		},
		{
			name:     "payload length sign bit",
			data:     validHeader(1, 0xFFFFFFFF),
			wantCode: ErrCodeInvalidFrame,
		},
		{
			name:     "payload too large",
			data:     validHeader(1, 70000),
			wantCode: ErrCodePayloadTooLarge,
		},
		{
			name:     "payload one past maximum",
			data:     validHeader(1, MaxPayloadLength+1),
			wantCode: ErrCodePayloadTooLarge,
		},
		{
			name:     "truncated payload",
			data:     append(validHeader(1, 100), []byte("only a few bytes")...),
			wantCode: ErrCodeInvalidFrame,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Decode(test.data)
			if err == nil {
				t.Fatal("Decode accepted a malformed frame")
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("error type: got %T, want *DecodeError", err)
			}
			if decodeErr.Code != test.wantCode {
				t.Errorf("code: got %s, want %s", decodeErr.Code, test.wantCode)
			}
		})
	}
}

func TestDecodeBoundaryPayloadLengths(t *testing.T) {
	t.Parallel()
	for _, length := range []int{0, 1, 255, 65535, MaxPayloadLength} {
		frame := Frame{
			Version:   ProtocolVersion,
			SessionID: 3,
			Type:      FrameTerminalOutput,
			Payload:   bytes.Repeat([]byte{0x5A}, length),
		}
		encoded, err := Encode(frame)
		if err != nil {
			t.Fatalf("Encode length %d: %v", length, err)
		}
		decoded, _, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode length %d: %v", length, err)
		}
		if len(decoded.Payload) != length {
			t.Errorf("length %d: decoded %d payload bytes", length, len(decoded.Payload))
		}
	}
}

func TestEncodeRejectsInvariantViolations(t *testing.T) {
	t.Parallel()
	if _, err := Encode(Frame{SessionID: -1, Type: FrameTerminalOutput}); err == nil {
		t.Error("Encode accepted a negative session id")
	}
	oversized := Frame{
		SessionID: 1,
		Type:      FrameTerminalOutput,
		Payload:   make([]byte, MaxPayloadLength+1),
	}
	if _, err := Encode(oversized); err == nil {
		t.Error("Encode accepted an oversized payload")
	}
}

func TestReadWriteFrameStream(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer

	frames := []Frame{
		{Version: ProtocolVersion, SessionID: 0, Type: FrameHeartbeat},
		{Version: ProtocolVersion, SessionID: 5, Type: FrameTerminalOutput, Payload: []byte("ls -la\r\n")},
		{Version: ProtocolVersion, SessionID: 5, Type: FrameTerminalInput, Payload: []byte("y")},
	}
	for _, frame := range frames {
		if err := WriteFrame(&buffer, frame); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	for i, want := range frames {
		got, err := ReadFrame(&buffer)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if got.SessionID != want.SessionID || got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d: got %+v, want %+v", i, got, want)
		}
	}

	if _, err := ReadFrame(&buffer); err != io.EOF {
		t.Errorf("ReadFrame on empty stream: got %v, want io.EOF", err)
	}
}

func TestReadFrameRejectsOversizedDeclaredLength(t *testing.T) {
	t.Parallel()
	header := make([]byte, HeaderLength)
	header[0] = ProtocolVersion
	binary.BigEndian.PutUint32(header[1:5], 1)
	header[5] = uint8(FrameTerminalOutput)
	binary.BigEndian.PutUint32(header[6:10], 70000)

	_, err := ReadFrame(bytes.NewReader(header))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("error type: got %T (%v), want *DecodeError", err, err)
	}
	if decodeErr.Code != ErrCodePayloadTooLarge {
		t.Errorf("code: got %s, want %s", decodeErr.Code, ErrCodePayloadTooLarge)
	}
}

func TestFrameTypeCategories(t *testing.T) {
	t.Parallel()
	tests := []struct {
		frameType FrameType
		want      Category
	}{
		{FrameVersionNegotiation, CategoryControl},
		{FrameCompressionControl, CategoryControl},
		{FrameSessionCreate, CategorySession},
		{FrameSessionListResponse, CategorySession},
		{FrameTerminalOutput, CategoryData},
		{FrameTerminalSignal, CategoryData},
		{FrameStateSnapshot, CategoryState},
		{FrameScrollbackResponse, CategoryState},
		{FrameFlowControl, CategoryFlow},
		{FrameResume, CategoryFlow},
		{FrameMuxList, CategoryMux},
		{FrameMuxCapabilities, CategoryMux},
		{FrameType(0x0F), CategoryUnknown},
		{FrameType(0x2A), CategoryUnknown},
		{FrameType(0xFF), CategoryUnknown},
	}
	for _, test := range tests {
		test := test
		if got := test.frameType.Category(); got != test.want {
			t.Errorf("%s: category got %v, want %v", test.frameType, got, test.want)
		}
	}
}

func TestUnknownFrameTypeIsNotKnown(t *testing.T) {
	t.Parallel()
	// Bytes inside reserved ranges but unassigned must not be Known.
	for _, raw := range []uint8{0x0B, 0x1A, 0x34, 0x45, 0x54, 0x67, 0x90} {
		if FrameType(raw).Known() {
			t.Errorf("0x%02x reported as a known frame type", raw)
		}
	}
}

func TestDataFramePayloadSplit(t *testing.T) {
	t.Parallel()
	frame, err := NewDataFrame(9, FrameTerminalOutput, 1234, []byte("output bytes"))
	if err != nil {
		t.Fatalf("NewDataFrame: %v", err)
	}
	sequence, data, err := SplitDataPayload(frame)
	if err != nil {
		t.Fatalf("SplitDataPayload: %v", err)
	}
	if sequence != 1234 {
		t.Errorf("sequence: got %d, want 1234", sequence)
	}
	if string(data) != "output bytes" {
		t.Errorf("data: got %q", data)
	}

	short := Frame{SessionID: 9, Type: FrameTerminalOutput, Payload: []byte{1, 2, 3}}
	if _, _, err := SplitDataPayload(short); err == nil {
		t.Error("SplitDataPayload accepted a short payload")
	}
}
