// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tmxp-io/tmxp/wire"
)

// MaxSnapshotContent caps the screen-content bytes embedded in a
// snapshot so the snapshot payload (content plus CBOR framing) stays
// under the frame payload limit. Viewers page older history through
// SCROLLBACK_REQUEST.
const MaxSnapshotContent = 32 * 1024

// ErrSnapshotRequired reports a sequence discontinuity: the receiver
// must discard its stream state and request a fresh snapshot. Deltas
// are never retroactively reorderable.
var ErrSnapshotRequired = errors.New("sequence discontinuity: snapshot required")

// ErrStale reports output already covered by the last applied snapshot.
// A frame enqueued just before an attach can arrive after the snapshot
// that includes its bytes; the receiver drops it and stays synchronized.
var ErrStale = errors.New("stale output: already covered by snapshot")

// Snapshot captures the session's full display state for an attaching
// or reconnecting viewer: dimensions, cursor, the scrollback tail as
// screen content, and the sequence number that subsequent
// TERMINAL_OUTPUT frames will continue from. Content and sequence are
// read under the session lock, so the snapshot's content always covers
// every sequence number it claims and the receiver can safely drop
// older frames as stale.
func Snapshot(s *Session) wire.StateSnapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	total := s.scrollback.CurrentOffset()
	contentStart := uint64(0)
	if total > MaxSnapshotContent {
		contentStart = total - MaxSnapshotContent
	}
	content := s.scrollback.ReadFrom(contentStart)

	return wire.StateSnapshot{
		SessionID:        s.ID,
		Columns:          s.columns,
		Rows:             s.rows,
		CursorX:          s.cursorX,
		CursorY:          s.cursorY,
		CursorVisible:    s.cursorVisible,
		ScreenContent:    content,
		ScrollbackOffset: total - uint64(len(content)),
		ScrollbackTotal:  total,
		SequenceNumber:   s.outputSequence,
	}
}

// ScrollbackPage serves a SCROLLBACK_REQUEST against the session's
// buffer, clamping the count to the protocol bound.
func ScrollbackPage(s *Session, request wire.ScrollbackRequest) (wire.ScrollbackResponse, error) {
	if request.Count < 0 {
		return wire.ScrollbackResponse{}, fmt.Errorf("scrollback count %d is negative", request.Count)
	}
	if request.Count > wire.MaxScrollbackCount {
		return wire.ScrollbackResponse{}, fmt.Errorf("scrollback count %d exceeds maximum %d",
			request.Count, wire.MaxScrollbackCount)
	}
	scrollback := s.Scrollback()
	return wire.ScrollbackResponse{
		Offset: request.Offset,
		Total:  scrollback.CurrentOffset(),
		Data:   scrollback.ReadRange(request.Offset, request.Count),
	}, nil
}

// StreamTracker is the receiver side of state synchronization: it
// validates that output sequence numbers arrive without gaps and that
// deltas apply to the state the receiver actually has. On any
// discontinuity it reports ErrSnapshotRequired and refuses further
// input until ApplySnapshot rebases it.
//
// Safe for concurrent use, though a receiver normally drives it from
// its single read loop.
type StreamTracker struct {
	mutex        sync.Mutex
	lastSequence int64
	synchronized bool
}

// NewStreamTracker returns a tracker that requires an initial snapshot
// before accepting any stream input.
func NewStreamTracker() *StreamTracker {
	return &StreamTracker{}
}

// ApplySnapshot rebases the tracker on a received snapshot.
func (t *StreamTracker) ApplySnapshot(snapshot wire.StateSnapshot) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.lastSequence = snapshot.SequenceNumber
	t.synchronized = true
}

// ApplyOutput validates one TERMINAL_OUTPUT sequence number. The
// expected value is exactly the last applied sequence; an older value
// is stale (drop, stay synchronized), a newer one is a gap.
func (t *StreamTracker) ApplyOutput(sequence int64) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.synchronized {
		return ErrSnapshotRequired
	}
	if sequence < t.lastSequence {
		return ErrStale
	}
	if sequence > t.lastSequence {
		t.synchronized = false
		return ErrSnapshotRequired
	}
	t.lastSequence = sequence + 1
	return nil
}

// ApplyDelta validates a STATE_DELTA against the receiver's last
// applied sequence. A baseSequence mismatch desynchronizes the tracker.
func (t *StreamTracker) ApplyDelta(delta wire.StateDelta) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.synchronized {
		return ErrSnapshotRequired
	}
	if delta.BaseSequence != t.lastSequence {
		t.synchronized = false
		return ErrSnapshotRequired
	}
	return nil
}

// Synchronized reports whether the tracker has a valid base state.
func (t *StreamTracker) Synchronized() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.synchronized
}
