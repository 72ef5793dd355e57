// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	t.Parallel()

	// Repetitive text compresses under every algorithm; the random-ish
	// escape soup exercises the incompressible fallback.
	compressible := bytes.Repeat([]byte("drwxr-xr-x  2 user user 4096 Jan  1 00:00 directory\r\n"), 50)

	for _, algorithm := range []Algorithm{AlgorithmNone, AlgorithmZstd, AlgorithmLZ4, AlgorithmDeflate} {
		algorithm := algorithm
		t.Run(algorithm.String(), func(t *testing.T) {
			t.Parallel()
			envelope, err := Compress(compressible, algorithm)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if algorithm != AlgorithmNone && len(envelope) >= len(compressible) {
				t.Errorf("compressed envelope %d bytes not smaller than input %d bytes", len(envelope), len(compressible))
			}

			result, err := Decompress(envelope)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(result, compressible) {
				t.Error("roundtrip mismatch")
			}
		})
	}
}

func TestCompressIncompressibleFallsBackToNone(t *testing.T) {
	t.Parallel()
	// A short high-entropy payload: compression cannot shrink it, so the
	// envelope must carry the none tag with the original bytes.
	payload := []byte{0x8f, 0x3a, 0xc1, 0x04, 0xee, 0x57, 0xb2, 0x19}

	for _, algorithm := range []Algorithm{AlgorithmZstd, AlgorithmLZ4, AlgorithmDeflate} {
		envelope, err := Compress(payload, algorithm)
		if err != nil {
			t.Fatalf("%s Compress: %v", algorithm, err)
		}
		if Algorithm(envelope[0]) != AlgorithmNone {
			t.Errorf("%s: envelope tag got %s, want none", algorithm, Algorithm(envelope[0]))
		}
		result, err := Decompress(envelope)
		if err != nil {
			t.Fatalf("%s Decompress: %v", algorithm, err)
		}
		if !bytes.Equal(result, payload) {
			t.Errorf("%s: roundtrip mismatch", algorithm)
		}
	}
}

func TestCompressEmptyPayload(t *testing.T) {
	t.Parallel()
	envelope, err := Compress(nil, AlgorithmZstd)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	result, err := Decompress(envelope)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("got %d bytes, want empty", len(result))
	}
}

func TestDecompressRejectsMalformedEnvelopes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		envelope []byte
	}{
		{name: "empty", envelope: nil},
		{name: "short header", envelope: []byte{uint8(AlgorithmZstd), 0x00}},
		{name: "unknown algorithm tag", envelope: []byte{0x7F, 0x00, 0x00, 0x00, 0x04, 1, 2, 3, 4}},
		{name: "none tag length mismatch", envelope: []byte{uint8(AlgorithmNone), 0x00, 0x00, 0x00, 0x09, 1, 2, 3}},
		{name: "zstd garbage body", envelope: []byte{uint8(AlgorithmZstd), 0x00, 0x00, 0x00, 0x08, 0xde, 0xad, 0xbe, 0xef}},
		{name: "lz4 garbage body", envelope: []byte{uint8(AlgorithmLZ4), 0x00, 0x00, 0x00, 0x08, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decompress(test.envelope)
			if err == nil {
				t.Fatal("Decompress accepted a malformed envelope")
			}
			var protocolErr *ProtocolError
			if !errors.As(err, &protocolErr) {
				t.Fatalf("error type: got %T, want *ProtocolError", err)
			}
			if protocolErr.Code != ErrCodeCompressionError {
				t.Errorf("code: got %s, want %s", protocolErr.Code, ErrCodeCompressionError)
			}
		})
	}
}

func TestDecompressRejectsForgedUncompressedLength(t *testing.T) {
	t.Parallel()
	// Declaring a length beyond MaxPayloadLength must fail before any
	// decompression work.
	envelope := make([]byte, compressedHeaderLength+4)
	envelope[0] = uint8(AlgorithmZstd)
	binary.BigEndian.PutUint32(envelope[1:5], MaxPayloadLength+1)
	if _, err := Decompress(envelope); err == nil {
		t.Fatal("Decompress accepted a forged uncompressed length")
	}
}

func TestParseAlgorithm(t *testing.T) {
	t.Parallel()
	for _, algorithm := range []Algorithm{AlgorithmNone, AlgorithmZstd, AlgorithmLZ4, AlgorithmDeflate} {
		algorithm := algorithm
		parsed, err := ParseAlgorithm(algorithm.String())
		if err != nil {
			t.Errorf("ParseAlgorithm(%q): %v", algorithm.String(), err)
		}
		if parsed != algorithm {
			t.Errorf("ParseAlgorithm(%q): got %s", algorithm.String(), parsed)
		}
	}
	if _, err := ParseAlgorithm("brotli"); err == nil {
		t.Error("ParseAlgorithm accepted an unknown name")
	}
}
