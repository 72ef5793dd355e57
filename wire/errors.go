// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// ErrorCode identifies a protocol error condition. Codes travel in
// ERROR frame payloads and are protocol constants.
type ErrorCode uint16

const (
	ErrCodeVersionMismatch      ErrorCode = 1
	ErrCodeInvalidFrame         ErrorCode = 2
	ErrCodePayloadTooLarge      ErrorCode = 3
	ErrCodeSessionNotFound      ErrorCode = 4
	ErrCodeSessionLimitExceeded ErrorCode = 5
	ErrCodeAuthRequired         ErrorCode = 6
	ErrCodeAuthFailed           ErrorCode = 7
	ErrCodeCompressionError     ErrorCode = 8
	ErrCodeFlowControlViolation ErrorCode = 9
	ErrCodeInternalError        ErrorCode = 10
	ErrCodeTimeout              ErrorCode = 11
	ErrCodeUnsupportedFeature   ErrorCode = 12
)

// errorCodeNames maps codes to their protocol names.
var errorCodeNames = map[ErrorCode]string{
	ErrCodeVersionMismatch:      "VERSION_MISMATCH",
	ErrCodeInvalidFrame:         "INVALID_FRAME",
	ErrCodePayloadTooLarge:      "PAYLOAD_TOO_LARGE",
	ErrCodeSessionNotFound:      "SESSION_NOT_FOUND",
	ErrCodeSessionLimitExceeded: "SESSION_LIMIT_EXCEEDED",
	ErrCodeAuthRequired:         "AUTHENTICATION_REQUIRED",
	ErrCodeAuthFailed:           "AUTHENTICATION_FAILED",
	ErrCodeCompressionError:     "COMPRESSION_ERROR",
	ErrCodeFlowControlViolation: "FLOW_CONTROL_VIOLATION",
	ErrCodeInternalError:        "INTERNAL_ERROR",
	ErrCodeTimeout:              "TIMEOUT",
	ErrCodeUnsupportedFeature:   "UNSUPPORTED_FEATURE",
}

// String returns the protocol name of the error code.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR(%d)", uint16(c))
}

// DecodeError reports a frame that failed header or payload validation.
// Decode never returns a partial Frame alongside a DecodeError; callers
// get one or the other. Code is the error code the peer should receive
// (INVALID_FRAME or PAYLOAD_TOO_LARGE); Detail is for local logs only
// and is never put on the wire.
type DecodeError struct {
	Code   ErrorCode
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %s: %s", e.Code, e.Detail)
}

// ProtocolError is a protocol-level failure reported by a peer or
// raised locally during dispatch. It carries the session the error
// refers to (0 for connection-level errors).
type ProtocolError struct {
	Code      ErrorCode
	SessionID int32
	Message   string
}

func (e *ProtocolError) Error() string {
	if e.SessionID != 0 {
		return fmt.Sprintf("%s (session %d): %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
