// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"testing"
)

func TestParseType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    Type
		wantErr bool
	}{
		{name: "empty defaults to pty", input: "", want: TypePty},
		{name: "pty", input: "pty", want: TypePty},
		{name: "tmux", input: "tmux", want: TypeTmux},
		{name: "screen", input: "screen", want: TypeScreen},
		{name: "unknown", input: "zellij", wantErr: true},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseType(test.input)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseType(%q) accepted", test.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseType(%q): %v", test.input, err)
			}
			if got != test.want {
				t.Errorf("ParseType(%q): got %q, want %q", test.input, got, test.want)
			}
		})
	}
}

func TestDetectAlwaysIncludesPty(t *testing.T) {
	t.Parallel()
	available := Detect()
	if len(available) == 0 || available[0] != TypePty {
		t.Errorf("Detect: got %v, want pty first", available)
	}
}

func TestParseTmuxSessionList(t *testing.T) {
	t.Parallel()
	output := "work\t1\t190\t45\t3\t1767225600\n" +
		"scratch\t0\t80\t24\t1\t1767312000\n"

	sessions, err := parseTmuxSessionList(output)
	if err != nil {
		t.Fatalf("parseTmuxSessionList: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("session count: got %d, want 2", len(sessions))
	}

	first := sessions[0]
	if first.ExternalID != "work" || !first.Attached || first.Columns != 190 ||
		first.Rows != 45 || first.WindowCount != 3 {
		t.Errorf("first session: got %+v", first)
	}
	if first.CreatedAt.Unix() != 1767225600 {
		t.Errorf("created at: got %v", first.CreatedAt)
	}
	if sessions[1].Attached {
		t.Error("detached session reported as attached")
	}
}

func TestParseTmuxSessionListMalformed(t *testing.T) {
	t.Parallel()
	tests := []string{
		"work\t1\t190",                     // too few fields
		"work\tx\t190\t45\t3\t1767225600",  // non-numeric attached
		"work\t1\t190\t45\t3\tnot-a-time",  // non-numeric created
	}
	for _, output := range tests {
		if _, err := parseTmuxSessionList(output); err == nil {
			t.Errorf("parseTmuxSessionList(%q) accepted malformed output", output)
		}
	}
}

func TestParseScreenList(t *testing.T) {
	t.Parallel()
	output := "There are screens on:\n" +
		"\t12345.build\t(01/01/2026 00:00:00)\t(Attached)\n" +
		"\t67890.deploy\t(01/02/2026 00:00:00)\t(Detached)\n" +
		"2 Sockets in /run/screen/S-user.\n"

	sessions := parseScreenList(output)
	if len(sessions) != 2 {
		t.Fatalf("session count: got %d, want 2", len(sessions))
	}
	if sessions[0].ExternalID != "12345.build" || sessions[0].Name != "build" || !sessions[0].Attached {
		t.Errorf("first session: got %+v", sessions[0])
	}
	if sessions[1].Name != "deploy" || sessions[1].Attached {
		t.Errorf("second session: got %+v", sessions[1])
	}
}

func TestParseScreenListNoSessions(t *testing.T) {
	t.Parallel()
	output := "No Sockets found in /run/screen/S-user.\n"
	if sessions := parseScreenList(output); len(sessions) != 0 {
		t.Errorf("got %d sessions from empty listing", len(sessions))
	}
}

func TestFakeAdapter(t *testing.T) {
	t.Parallel()
	fake := NewFake()

	if !fake.Alive() {
		t.Fatal("new fake not alive")
	}

	done := make(chan []byte, 1)
	go func() {
		buffer := make([]byte, 64)
		n, _ := fake.Reader().Read(buffer)
		done <- buffer[:n]
	}()
	if err := fake.FeedOutput([]byte("prompt$ ")); err != nil {
		t.Fatalf("FeedOutput: %v", err)
	}
	if got := <-done; !bytes.Equal(got, []byte("prompt$ ")) {
		t.Errorf("output: got %q", got)
	}

	if _, err := fake.Write([]byte("ls\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := fake.Input(); !bytes.Equal(got, []byte("ls\r")) {
		t.Errorf("input: got %q", got)
	}

	if err := fake.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if columns, rows := fake.Dimensions(); columns != 120 || rows != 40 {
		t.Errorf("dimensions: got %dx%d", columns, rows)
	}

	if err := fake.Signal("SIGINT"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if signals := fake.Signals(); len(signals) != 1 || signals[0] != "SIGINT" {
		t.Errorf("signals: got %v", signals)
	}

	fake.Exit()
	if fake.Alive() {
		t.Error("fake alive after Exit")
	}
	buffer := make([]byte, 8)
	if _, err := fake.Reader().Read(buffer); err == nil {
		t.Error("Reader readable after Exit")
	}
}
