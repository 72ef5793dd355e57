// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"errors"
	"testing"
)

func TestReserveConsumesCredit(t *testing.T) {
	t.Parallel()
	controller := NewController(1000, 10000)
	controller.AddSession(1)

	if err := controller.Reserve(1, 400); err != nil {
		t.Fatalf("Reserve 400: %v", err)
	}
	if got := controller.SessionCredit(1); got != 600 {
		t.Errorf("session credit: got %d, want 600", got)
	}
	if got := controller.ConnectionCredit(); got != 9600 {
		t.Errorf("connection credit: got %d, want 9600", got)
	}
}

func TestReserveNeverExceedsGrantedCredit(t *testing.T) {
	t.Parallel()
	controller := NewController(1000, 10000)
	controller.AddSession(1)

	// Arbitrary sequence of sends and grants: cumulative reserved bytes
	// must never exceed cumulative granted credit at time of send.
	granted := int64(1000)
	reserved := int64(0)

	steps := []struct {
		grant   int64
		reserve int64
	}{
		{0, 600},
		{0, 600}, // must fail: only 400 left
		{500, 600},
		{0, 300},
		{0, 1}, // must fail: window exhausted
		{2000, 1500},
	}
	for i, step := range steps {
		if step.grant > 0 {
			if err := controller.Grant(1, step.grant); err != nil {
				t.Fatalf("step %d: Grant: %v", i, err)
			}
			granted += step.grant
		}
		err := controller.Reserve(1, step.reserve)
		if reserved+step.reserve <= granted {
			if err != nil {
				t.Fatalf("step %d: Reserve %d unexpectedly failed: %v", i, step.reserve, err)
			}
			reserved += step.reserve
		} else {
			if !errors.Is(err, ErrInsufficientCredit) {
				t.Fatalf("step %d: Reserve %d: got %v, want ErrInsufficientCredit", i, step.reserve, err)
			}
		}
		if reserved > granted {
			t.Fatalf("step %d: reserved %d exceeds granted %d", i, reserved, granted)
		}
	}
}

func TestReserveIsAllOrNothing(t *testing.T) {
	t.Parallel()
	controller := NewController(1000, 10000)
	controller.AddSession(1)

	before := controller.SessionCredit(1)
	if err := controller.Reserve(1, 1001); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("Reserve beyond window: got %v", err)
	}
	if got := controller.SessionCredit(1); got != before {
		t.Errorf("failed reserve consumed credit: got %d, want %d", got, before)
	}
	if got := controller.ConnectionCredit(); got != 10000 {
		t.Errorf("failed reserve consumed connection credit: got %d, want 10000", got)
	}
}

func TestConnectionWindowIsACeiling(t *testing.T) {
	t.Parallel()
	// Session windows sum past the aggregate: the aggregate must cap
	// total sends across sessions.
	controller := NewController(600, 1000)
	controller.AddSession(1)
	controller.AddSession(2)

	if err := controller.Reserve(1, 600); err != nil {
		t.Fatalf("session 1 reserve: %v", err)
	}
	if err := controller.Reserve(2, 600); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("session 2 reserve past aggregate: got %v, want ErrInsufficientCredit", err)
	}
	// Replenishing the aggregate unblocks the second session.
	controller.GrantConnection(600)
	if err := controller.Reserve(2, 600); err != nil {
		t.Fatalf("session 2 reserve after aggregate grant: %v", err)
	}
}

func TestPauseOverridesAvailableWindow(t *testing.T) {
	t.Parallel()
	controller := NewController(1000, 10000)
	controller.AddSession(1)

	if err := controller.Pause(1); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := controller.Reserve(1, 1); !errors.Is(err, ErrPaused) {
		t.Fatalf("Reserve while paused: got %v, want ErrPaused", err)
	}
	if err := controller.Resume(1); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := controller.Reserve(1, 1); err != nil {
		t.Fatalf("Reserve after resume: %v", err)
	}
}

func TestUnknownSessionOperations(t *testing.T) {
	t.Parallel()
	controller := NewController(0, 0)

	if err := controller.Reserve(99, 10); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Reserve: got %v, want ErrUnknownSession", err)
	}
	if err := controller.Grant(99, 10); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Grant: got %v, want ErrUnknownSession", err)
	}
	if err := controller.Pause(99); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Pause: got %v, want ErrUnknownSession", err)
	}
}

func TestAddSessionIsIdempotent(t *testing.T) {
	t.Parallel()
	controller := NewController(1000, 10000)
	controller.AddSession(1)
	if err := controller.Reserve(1, 700); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	// Re-adding (reattach path) must not reset the window.
	controller.AddSession(1)
	if got := controller.SessionCredit(1); got != 300 {
		t.Errorf("credit after re-add: got %d, want 300", got)
	}
}

func TestNoteViolationEscalates(t *testing.T) {
	t.Parallel()
	controller := NewController(0, 0)
	controller.AddSession(4)
	for want := 1; want <= 3; want++ {
		if got := controller.NoteViolation(4); got != want {
			t.Errorf("violation count: got %d, want %d", got, want)
		}
	}
}

func TestDefaultWindows(t *testing.T) {
	t.Parallel()
	controller := NewController(0, 0)
	controller.AddSession(1)
	if got := controller.SessionCredit(1); got != DefaultSessionWindow {
		t.Errorf("default session window: got %d, want %d", got, DefaultSessionWindow)
	}
	if got := controller.ConnectionCredit(); got != DefaultConnectionWindow {
		t.Errorf("default connection window: got %d, want %d", got, DefaultConnectionWindow)
	}
}
