// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a payload compression algorithm. The value is
// the first byte of every compressed payload envelope, so a receiver
// can decompress a frame even across a mid-connection toggle; these
// are protocol constants.
type Algorithm uint8

const (
	AlgorithmNone    Algorithm = 0
	AlgorithmZstd    Algorithm = 1
	AlgorithmLZ4     Algorithm = 2
	AlgorithmDeflate Algorithm = 3
)

// String returns the capability name of the algorithm as used in
// CAPABILITY_EXCHANGE and COMPRESSION_CONTROL payloads.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmDeflate:
		return "deflate"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses a capability name into an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none", "":
		return AlgorithmNone, nil
	case "zstd":
		return AlgorithmZstd, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "deflate":
		return AlgorithmDeflate, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// compressedHeaderLength is the envelope prefix on compressed payloads:
// 1 byte algorithm tag + 4 bytes big-endian uncompressed length.
const compressedHeaderLength = 5

// zstdEncoder and zstdDecoder are shared across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress wraps payload bytes in a compressed envelope: a 1-byte
// algorithm tag, a 4-byte big-endian uncompressed length, then the
// compressed body. When the algorithm is AlgorithmNone, or compression
// does not actually shrink the data, the envelope carries the
// AlgorithmNone tag with the original bytes, and the receiver handles both
// cases uniformly by reading the tag.
func Compress(payload []byte, algorithm Algorithm) ([]byte, error) {
	if algorithm == AlgorithmNone {
		return wrapUncompressed(payload), nil
	}

	var compressed []byte
	var err error
	switch algorithm {
	case AlgorithmZstd:
		compressed = zstdEncoder.EncodeAll(payload, nil)
	case AlgorithmLZ4:
		compressed, err = compressLZ4(payload)
	case AlgorithmDeflate:
		compressed, err = compressDeflate(payload)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algorithm)
	}
	if err != nil {
		return nil, err
	}

	// Incompressible data (already-compressed terminal output such as a
	// base64 blob) gets sent raw rather than inflated.
	if len(compressed) >= len(payload) {
		return wrapUncompressed(payload), nil
	}

	envelope := make([]byte, compressedHeaderLength+len(compressed))
	envelope[0] = uint8(algorithm)
	binary.BigEndian.PutUint32(envelope[1:compressedHeaderLength], uint32(len(payload)))
	copy(envelope[compressedHeaderLength:], compressed)
	return envelope, nil
}

func wrapUncompressed(payload []byte) []byte {
	envelope := make([]byte, compressedHeaderLength+len(payload))
	envelope[0] = uint8(AlgorithmNone)
	binary.BigEndian.PutUint32(envelope[1:compressedHeaderLength], uint32(len(payload)))
	copy(envelope[compressedHeaderLength:], payload)
	return envelope
}

// Decompress unwraps a compressed payload envelope. The declared
// uncompressed length is bounded by MaxPayloadLength before any
// allocation (a forged length field must not drive memory use), and the
// actual decompressed size must match it exactly. Failures map to
// ErrCodeCompressionError: the frame is dropped, not the connection.
func Decompress(envelope []byte) ([]byte, error) {
	if len(envelope) < compressedHeaderLength {
		return nil, &ProtocolError{
			Code:    ErrCodeCompressionError,
			Message: fmt.Sprintf("compressed envelope %d bytes, need at least %d", len(envelope), compressedHeaderLength),
		}
	}
	algorithm := Algorithm(envelope[0])
	uncompressedLength := int(binary.BigEndian.Uint32(envelope[1:compressedHeaderLength]))
	if uncompressedLength > MaxPayloadLength {
		return nil, &ProtocolError{
			Code:    ErrCodeCompressionError,
			Message: fmt.Sprintf("declared uncompressed length %d exceeds maximum %d", uncompressedLength, MaxPayloadLength),
		}
	}
	body := envelope[compressedHeaderLength:]

	var result []byte
	var err error
	switch algorithm {
	case AlgorithmNone:
		if len(body) != uncompressedLength {
			return nil, &ProtocolError{
				Code:    ErrCodeCompressionError,
				Message: fmt.Sprintf("uncompressed body %d bytes does not match declared %d", len(body), uncompressedLength),
			}
		}
		return body, nil
	case AlgorithmZstd:
		result, err = zstdDecoder.DecodeAll(body, make([]byte, 0, uncompressedLength))
	case AlgorithmLZ4:
		result, err = decompressLZ4(body, uncompressedLength)
	case AlgorithmDeflate:
		result, err = decompressDeflate(body, uncompressedLength)
	default:
		return nil, &ProtocolError{
			Code:    ErrCodeCompressionError,
			Message: fmt.Sprintf("unknown compression tag %d", uint8(algorithm)),
		}
	}
	if err != nil {
		return nil, &ProtocolError{
			Code:    ErrCodeCompressionError,
			Message: fmt.Sprintf("%s decompress: %v", algorithm, err),
		}
	}
	if len(result) != uncompressedLength {
		return nil, &ProtocolError{
			Code:    ErrCodeCompressionError,
			Message: fmt.Sprintf("%s decompress: got %d bytes, declared %d", algorithm, len(result), uncompressedLength),
		}
	}
	return result, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 when it determines the data is
	// incompressible; the caller falls back to the raw envelope.
	if written == 0 {
		return data, nil
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedLength int) ([]byte, error) {
	destination := make([]byte, uncompressedLength)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, err
	}
	return destination[:read], nil
}

func compressDeflate(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := flate.NewWriter(&buffer, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("deflate compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("deflate flush: %w", err)
	}
	return buffer.Bytes(), nil
}

func decompressDeflate(compressed []byte, uncompressedLength int) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(compressed))
	defer reader.Close()
	// LimitReader caps reads at one byte past the declared length so an
	// oversized stream is detected by the length check in Decompress.
	result, err := io.ReadAll(io.LimitReader(reader, int64(uncompressedLength)+1))
	if err != nil {
		return nil, err
	}
	return result, nil
}
