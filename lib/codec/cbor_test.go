// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// samplePayload mirrors the shape of a typical session request payload.
type samplePayload struct {
	Shell   string            `cbor:"shell"`
	Columns int               `cbor:"columns"`
	Rows    int               `cbor:"rows"`
	Env     map[string]string `cbor:"env,omitempty"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	t.Parallel()
	original := samplePayload{
		Shell:   "/bin/bash",
		Columns: 80,
		Rows:    24,
		Env:     map[string]string{"TERM": "xterm-256color"},
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded samplePayload
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Shell != original.Shell || decoded.Columns != original.Columns ||
		decoded.Rows != original.Rows || decoded.Env["TERM"] != original.Env["TERM"] {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()
	payload := samplePayload{
		Shell:   "/bin/zsh",
		Columns: 120,
		Rows:    40,
		Env:     map[string]string{"A": "1", "B": "2", "C": "3"},
	}

	first, err := Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("deterministic encoding produced different bytes for the same value")
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	t.Parallel()
	// A future protocol version adds a field; older decoders must not
	// choke on it.
	type extended struct {
		Shell   string `cbor:"shell"`
		Columns int    `cbor:"columns"`
		Rows    int    `cbor:"rows"`
		Future  string `cbor:"futureField"`
	}
	data, err := Marshal(extended{Shell: "/bin/sh", Columns: 80, Rows: 24, Future: "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded samplePayload
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.Shell != "/bin/sh" {
		t.Errorf("shell: got %q, want %q", decoded.Shell, "/bin/sh")
	}
}
