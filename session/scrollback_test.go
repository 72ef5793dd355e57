// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"testing"
)

func TestScrollbackBasicWriteRead(t *testing.T) {
	t.Parallel()
	buffer := NewScrollbackBuffer(1024)

	buffer.Write([]byte("hello"))
	buffer.Write([]byte(" world"))

	got := buffer.ReadFrom(0)
	if !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("ReadFrom(0): got %q, want %q", got, "hello world")
	}
}

func TestScrollbackReadFromOffset(t *testing.T) {
	t.Parallel()
	buffer := NewScrollbackBuffer(1024)

	buffer.Write([]byte("abcde"))
	buffer.Write([]byte("fghij"))

	got := buffer.ReadFrom(5)
	if !bytes.Equal(got, []byte("fghij")) {
		t.Errorf("ReadFrom(5): got %q, want %q", got, "fghij")
	}
}

func TestScrollbackReadFromCurrentAndFutureOffsets(t *testing.T) {
	t.Parallel()
	buffer := NewScrollbackBuffer(1024)
	buffer.Write([]byte("data"))

	if got := buffer.ReadFrom(buffer.CurrentOffset()); got != nil {
		t.Errorf("ReadFrom(current): got %q, want nil", got)
	}
	if got := buffer.ReadFrom(buffer.CurrentOffset() + 100); got != nil {
		t.Errorf("ReadFrom(future): got %q, want nil", got)
	}
}

func TestScrollbackWrapAround(t *testing.T) {
	t.Parallel()
	buffer := NewScrollbackBuffer(10)

	// 15 bytes into a 10-byte buffer: the first 5 are gone.
	buffer.Write([]byte("abcdefghijklmno"))

	got := buffer.ReadFrom(0)
	if !bytes.Equal(got, []byte("fghijklmno")) {
		t.Errorf("ReadFrom(0) after wrap: got %q, want %q", got, "fghijklmno")
	}
	if buffer.CurrentOffset() != 15 {
		t.Errorf("CurrentOffset: got %d, want 15", buffer.CurrentOffset())
	}
	if buffer.OldestOffset() != 5 {
		t.Errorf("OldestOffset: got %d, want 5", buffer.OldestOffset())
	}
}

func TestScrollbackReadRange(t *testing.T) {
	t.Parallel()
	buffer := NewScrollbackBuffer(1024)
	buffer.Write([]byte("0123456789"))

	tests := []struct {
		name   string
		offset uint64
		count  int
		want   string
	}{
		{name: "middle page", offset: 2, count: 5, want: "23456"},
		{name: "start page", offset: 0, count: 3, want: "012"},
		{name: "count past end clamps", offset: 8, count: 100, want: "89"},
		{name: "zero count", offset: 0, count: 0, want: ""},
		{name: "offset past end", offset: 20, count: 5, want: ""},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got := buffer.ReadRange(test.offset, test.count)
			if string(got) != test.want {
				t.Errorf("ReadRange(%d, %d): got %q, want %q", test.offset, test.count, got, test.want)
			}
		})
	}
}

func TestScrollbackReadRangeAfterWrap(t *testing.T) {
	t.Parallel()
	buffer := NewScrollbackBuffer(8)
	buffer.Write([]byte("abcdefghij")) // retains "cdefghij", offsets 2..10

	// A request for evicted data is clamped to the oldest retained byte.
	got := buffer.ReadRange(0, 4)
	if !bytes.Equal(got, []byte("cd")) {
		t.Errorf("ReadRange(0, 4): got %q, want %q", got, "cd")
	}

	got = buffer.ReadRange(4, 3)
	if !bytes.Equal(got, []byte("efg")) {
		t.Errorf("ReadRange(4, 3): got %q, want %q", got, "efg")
	}
}
