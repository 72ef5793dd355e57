// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides TMXP's standard CBOR encoding configuration.
//
// All structured frame payloads (negotiation, session lifecycle,
// snapshots, scrollback pages, multiplexer listings) are CBOR. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items, so the
// same logical payload always produces identical bytes. The decoder
// ignores unknown fields, which is how payload schemas evolve across
// protocol versions without breaking older peers.
//
// Terminal data payloads (TERMINAL_OUTPUT / TERMINAL_INPUT) do not go
// through this package; they carry a fixed binary prefix plus raw
// bytes; see the wire package.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the deterministic CBOR encoder shared by all payload
// marshaling.
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown fields are silently ignored for
// forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payload maps always use string keys. When decoding into an
		// any-typed target the decoder must pick a concrete map type;
		// map[string]any keeps the result compatible with the rest of
		// the codebase (the CBOR default is map[any]any).
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of a
// payload whose schema depends on the frame type.
type RawMessage = cbor.RawMessage
