// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "sync"

// DefaultScrollbackSize is the default scrollback capacity in bytes.
// 1 MB of raw terminal output covers hours of typical interactive use.
const DefaultScrollbackSize = 1024 * 1024

// ScrollbackBuffer is a fixed-size circular buffer of raw terminal
// output with a monotonically increasing byte offset. Escape sequences
// are preserved byte-for-byte so replay is full fidelity.
//
// The offset is what snapshots report as scrollbackTotal and what
// reconnecting viewers pass back to read only what they missed. When
// the buffer is full, new writes overwrite the oldest data.
//
// All methods are safe for concurrent use.
type ScrollbackBuffer struct {
	mutex    sync.Mutex
	data     []byte
	capacity int

	// writePosition is the next write index within the circular buffer.
	writePosition int

	// totalWritten is the total bytes ever written. The retained range
	// spans [totalWritten - stored, totalWritten) where
	// stored = min(totalWritten, capacity).
	totalWritten uint64
}

// NewScrollbackBuffer creates a buffer with the given capacity in
// bytes. Use DefaultScrollbackSize for the standard 1 MB buffer.
func NewScrollbackBuffer(capacity int) *ScrollbackBuffer {
	return &ScrollbackBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends output bytes, advancing the offset and overwriting the
// oldest data once the buffer is full.
func (buffer *ScrollbackBuffer) Write(data []byte) {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()

	for offset := 0; offset < len(data); {
		available := buffer.capacity - buffer.writePosition
		copyLength := len(data) - offset
		if copyLength > available {
			copyLength = available
		}
		copy(buffer.data[buffer.writePosition:buffer.writePosition+copyLength], data[offset:offset+copyLength])
		buffer.writePosition = (buffer.writePosition + copyLength) % buffer.capacity
		offset += copyLength
	}
	buffer.totalWritten += uint64(len(data))
}

// ReadFrom returns all bytes written since the given offset. An offset
// older than the retained range returns everything currently stored
// (the caller missed data and gets the best available). Returns nil
// when the offset is at or past the current write offset.
func (buffer *ScrollbackBuffer) ReadFrom(offset uint64) []byte {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.readRangeLocked(offset, buffer.totalWritten)
}

// ReadRange returns up to count bytes starting at the given offset,
// for scrollback pagination. The same clamping as ReadFrom applies to
// offsets older than the retained range.
func (buffer *ScrollbackBuffer) ReadRange(offset uint64, count int) []byte {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	if count <= 0 {
		return nil
	}
	end := offset + uint64(count)
	if end > buffer.totalWritten {
		end = buffer.totalWritten
	}
	return buffer.readRangeLocked(offset, end)
}

// readRangeLocked copies [offset, end) out of the circular buffer.
// Must be called with the mutex held.
func (buffer *ScrollbackBuffer) readRangeLocked(offset, end uint64) []byte {
	if offset >= end {
		return nil
	}

	storedLength := buffer.totalWritten
	if storedLength > uint64(buffer.capacity) {
		storedLength = uint64(buffer.capacity)
	}
	oldestOffset := buffer.totalWritten - storedLength

	if offset < oldestOffset {
		offset = oldestOffset
	}
	if offset >= end {
		return nil
	}

	bytesToRead := end - offset
	result := make([]byte, bytesToRead)

	// writePosition marks the end of retained data; walk back to where
	// the requested offset lives, wrapping as needed.
	readPosition := (buffer.writePosition - int(buffer.totalWritten-offset)) % buffer.capacity
	if readPosition < 0 {
		readPosition += buffer.capacity
	}

	for copied := 0; copied < int(bytesToRead); {
		available := buffer.capacity - readPosition
		copyLength := int(bytesToRead) - copied
		if copyLength > available {
			copyLength = available
		}
		copy(result[copied:copied+copyLength], buffer.data[readPosition:readPosition+copyLength])
		readPosition = (readPosition + copyLength) % buffer.capacity
		copied += copyLength
	}

	return result
}

// CurrentOffset returns the total bytes written so far, the offset a
// viewer stores and passes to ReadFrom after a reconnect.
func (buffer *ScrollbackBuffer) CurrentOffset() uint64 {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.totalWritten
}

// OldestOffset returns the offset of the oldest retained byte.
func (buffer *ScrollbackBuffer) OldestOffset() uint64 {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	stored := buffer.totalWritten
	if stored > uint64(buffer.capacity) {
		stored = uint64(buffer.capacity)
	}
	return buffer.totalWritten - stored
}
