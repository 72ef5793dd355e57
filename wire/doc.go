// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the TMXP frame layer: the fixed binary header,
// frame type and error code vocabularies, the CBOR payload structures for
// every structured frame, and the negotiated payload compression
// transforms.
//
// A frame on the wire is a 10-byte big-endian header followed by the
// payload:
//
//	Version(1) | SessionID(4, int32) | FrameType(1) | PayloadLength(4) | Payload
//
// Session id 0 addresses the connection itself (control frames); positive
// ids address multiplexed terminal sessions. The payload length field is
// validated against [MaxPayloadLength] before any allocation, and a raw
// value with the sign bit set is rejected outright; see [Decode].
//
// The package is pure: no I/O, no connection state. [Encode] and [Decode]
// operate on byte slices; [ReadFrame] and [WriteFrame] are thin stream
// adapters over them. Structured payloads (everything except terminal
// data, which carries an 8-byte sequence prefix and raw bytes) are CBOR,
// encoded through lib/codec for deterministic bytes.
//
// Compression ([Compress], [Decompress]) applies to payload bytes only,
// never to the header, using the algorithm negotiated during capability
// exchange. See [Algorithm].
package wire
