// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"os/exec"
	"strings"
)

// Screen is the GNU screen multiplexer backend. Screen's scripting
// surface is much thinner than tmux's: sessions are listed by parsing
// "screen -ls" and bridged with "screen -x" (multi-attach), so
// dimensions and window counts are not available from the listing.
type Screen struct{}

var _ Multiplexer = (*Screen)(nil)

// NewScreen returns the screen backend.
func NewScreen() *Screen { return &Screen{} }

// Type implements Multiplexer.
func (s *Screen) Type() Type { return TypeScreen }

// ListSessions implements Multiplexer by parsing "screen -ls" output.
func (s *Screen) ListSessions(includeDetached bool) ([]ExternalSession, error) {
	cmd := exec.Command("screen", "-ls")
	// screen -ls exits nonzero when no sessions exist; the output still
	// says so, so parse regardless and only fail on empty output.
	output, err := cmd.CombinedOutput()
	if len(output) == 0 && err != nil {
		return nil, fmt.Errorf("screen -ls: %w", err)
	}
	sessions := parseScreenList(string(output))
	if includeDetached {
		return sessions, nil
	}
	attached := sessions[:0]
	for _, session := range sessions {
		if session.Attached {
			attached = append(attached, session)
		}
	}
	return attached, nil
}

// parseScreenList extracts sessions from "screen -ls" output. Session
// lines are indented and look like:
//
//	12345.name\t(Attached)
//	67890.other\t(Detached)
func parseScreenList(output string) []ExternalSession {
	var sessions []ExternalSession
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, "        ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.Contains(fields[0], ".") {
			continue
		}
		externalID := fields[0]
		name := externalID
		if dot := strings.Index(externalID, "."); dot >= 0 {
			name = externalID[dot+1:]
		}
		attached := strings.Contains(line, "(Attached)") || strings.Contains(line, "(Multi, attached)")
		sessions = append(sessions, ExternalSession{
			ExternalID:  externalID,
			Name:        name,
			Attached:    attached,
			WindowCount: 1,
		})
	}
	return sessions
}

// AttachSession implements Multiplexer: bridges via "screen -x", which
// allows attaching even while another client is connected.
func (s *Screen) AttachSession(externalID string, columns, rows int) (Adapter, error) {
	cmd := exec.Command("screen", "-x", externalID)
	adapter, err := startWithPTY(cmd, columns, rows)
	if err != nil {
		return nil, fmt.Errorf("attach screen session %q: %w", externalID, err)
	}
	return adapter, nil
}

// CreateSession implements Multiplexer: starts a new detached screen
// session and bridges it.
func (s *Screen) CreateSession(spec CreateSpec) (Adapter, string, error) {
	args := []string{"-dmS", spec.Name}
	if spec.Shell != "" {
		args = append(args, "-s", spec.Shell)
	}
	create := exec.Command("screen", args...)
	create.Dir = spec.WorkingDir
	if output, err := create.CombinedOutput(); err != nil {
		return nil, "", fmt.Errorf("screen -dmS %q: %w (%s)",
			spec.Name, err, strings.TrimSpace(string(output)))
	}
	adapter, err := s.AttachSession(spec.Name, spec.Columns, spec.Rows)
	if err != nil {
		return nil, "", err
	}
	return adapter, spec.Name, nil
}
