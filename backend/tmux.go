// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Tmux is the tmux multiplexer backend. All operations target a
// dedicated tmux server identified by its socket path, never the
// user's personal server, and the config file is pinned (pass
// "/dev/null" to suppress ~/.tmux.conf). The -S flag is injected on
// every command so it is structurally impossible to target the wrong
// server.
type Tmux struct {
	socketPath string
	configFile string
}

var _ Multiplexer = (*Tmux)(nil)

// NewTmux returns a Tmux backend on the given server socket.
func NewTmux(socketPath, configFile string) *Tmux {
	return &Tmux{socketPath: socketPath, configFile: configFile}
}

// Type implements Multiplexer.
func (t *Tmux) Type() Type { return TypeTmux }

// run executes a tmux subcommand on this server and returns combined
// output. The -S flag is prepended automatically.
func (t *Tmux) run(args ...string) (string, error) {
	fullArgs := append([]string{"-S", t.socketPath}, args...)
	cmd := exec.Command("tmux", fullArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// tmuxListFormat is the -F format for list-sessions: one line per
// session, tab-separated fields consumed by parseTmuxSessionList.
const tmuxListFormat = "#{session_name}\t#{session_attached}\t#{session_width}\t#{session_height}\t#{session_windows}\t#{session_created}"

// ListSessions implements Multiplexer. Returns an empty list when the
// tmux server is not running (no sessions is not an error).
func (t *Tmux) ListSessions(includeDetached bool) ([]ExternalSession, error) {
	output, err := t.run("list-sessions", "-F", tmuxListFormat)
	if err != nil {
		// "no server running" means no sessions exist yet.
		if strings.Contains(err.Error(), "no server running") ||
			strings.Contains(err.Error(), "No such file or directory") {
			return nil, nil
		}
		return nil, err
	}
	sessions, err := parseTmuxSessionList(output)
	if err != nil {
		return nil, err
	}
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

// parseTmuxSessionList parses list-sessions output in tmuxListFormat.
func parseTmuxSessionList(output string) ([]ExternalSession, error) {
	var sessions []ExternalSession
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 6 {
			return nil, fmt.Errorf("unexpected list-sessions output: %q (expected 6 tab-separated fields)", line)
		}
		attachedCount, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("parse session_attached %q: %w", fields[1], err)
		}
		width, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("parse session_width %q: %w", fields[2], err)
		}
		height, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("parse session_height %q: %w", fields[3], err)
		}
		windows, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("parse session_windows %q: %w", fields[4], err)
		}
		createdUnix, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse session_created %q: %w", fields[5], err)
		}
		sessions = append(sessions, ExternalSession{
			ExternalID:  fields[0],
			Name:        fields[0],
			Attached:    attachedCount > 0,
			Columns:     width,
			Rows:        height,
			WindowCount: windows,
			CreatedAt:   time.Unix(createdUnix, 0).UTC(),
		})
	}
	return sessions, nil
}

// AttachSession implements Multiplexer: it bridges an existing tmux
// session through a PTY pair running "tmux attach-session".
func (t *Tmux) AttachSession(externalID string, columns, rows int) (Adapter, error) {
	if !t.hasSession(externalID) {
		return nil, fmt.Errorf("tmux session %q not found", externalID)
	}
	cmd := t.attachCommand(externalID)
	adapter, err := startWithPTY(cmd, columns, rows)
	if err != nil {
		return nil, fmt.Errorf("attach tmux session %q: %w", externalID, err)
	}
	return adapter, nil
}

// CreateSession implements Multiplexer: creates a detached tmux session
// and bridges it.
func (t *Tmux) CreateSession(spec CreateSpec) (Adapter, string, error) {
	args := t.newSessionArgs(spec)
	cmd := exec.Command("tmux", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, "", fmt.Errorf("tmux new-session %q: %w (%s)",
			spec.Name, err, strings.TrimSpace(string(output)))
	}
	adapter, err := startWithPTY(t.attachCommand(spec.Name), spec.Columns, spec.Rows)
	if err != nil {
		_ = t.killSession(spec.Name)
		return nil, "", fmt.Errorf("attach new tmux session %q: %w", spec.Name, err)
	}
	return adapter, spec.Name, nil
}

// newSessionArgs builds the new-session argument list. The -f flag is
// passed here because new-session may start the server, and only server
// startup reads the config file.
func (t *Tmux) newSessionArgs(spec CreateSpec) []string {
	var args []string
	if t.configFile != "" {
		args = append(args, "-f", t.configFile)
	}
	args = append(args, "-S", t.socketPath, "new-session", "-d", "-s", spec.Name,
		"-x", strconv.Itoa(spec.Columns), "-y", strconv.Itoa(spec.Rows))
	if spec.WorkingDir != "" {
		args = append(args, "-c", spec.WorkingDir)
	}
	switch {
	case spec.InitialCommand != "":
		args = append(args, spec.InitialCommand)
	case spec.Shell != "":
		args = append(args, spec.Shell)
	}
	return args
}

// attachCommand builds the "tmux attach-session" command bridged
// through the PTY pair.
func (t *Tmux) attachCommand(sessionName string) *exec.Cmd {
	return exec.Command("tmux", "-S", t.socketPath, "attach-session", "-t", sessionName)
}

func (t *Tmux) hasSession(sessionName string) bool {
	cmd := exec.Command("tmux", "-S", t.socketPath, "has-session", "-t", sessionName)
	return cmd.Run() == nil
}

// killSession terminates a tmux session. Already-gone sessions and a
// stopped server are normal during cleanup, not errors.
func (t *Tmux) killSession(sessionName string) error {
	cmd := exec.Command("tmux", "-S", t.socketPath, "kill-session", "-t", sessionName)
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		if strings.Contains(outputString, "can't find session") ||
			strings.Contains(outputString, "no server running") {
			return nil
		}
		return fmt.Errorf("tmux kill-session %q: %w (%s)", sessionName, err, outputString)
	}
	return nil
}
