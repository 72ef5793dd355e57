// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

// Tmxp-attach is the interactive TMXP client. It connects to a tmxpd
// host, creates or attaches to a session, puts the local terminal in
// raw mode, and bridges bytes in both directions until the session
// ends or the user disconnects.
//
// Usage:
//
//	tmxp-attach                          # create a new session
//	tmxp-attach --session 3              # reattach to session 3
//	tmxp-attach --list                   # list sessions and exit
package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/tmxp-io/tmxp/conn"
	"github.com/tmxp-io/tmxp/flow"
	"github.com/tmxp-io/tmxp/lib/version"
	"github.com/tmxp-io/tmxp/session"
	"github.com/tmxp-io/tmxp/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		address     string
		sessionID   int32
		list        bool
		shell       string
		clientID    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("tmxp-attach", pflag.ContinueOnError)
	flagSet.StringVar(&address, "address", "127.0.0.1:7160", "tmxpd address (host:port or unix:/path)")
	flagSet.Int32Var(&sessionID, "session", 0, "session id to reattach to (0 creates a new session)")
	flagSet.BoolVar(&list, "list", false, "list sessions and exit")
	flagSet.StringVar(&shell, "shell", "", "shell for a new session (default: host's configured shell)")
	flagSet.StringVar(&clientID, "client-id", "", "client identifier (default: hostname-pid)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("tmxp-attach %s\n", version.Info())
		return nil
	}

	if clientID == "" {
		hostname, _ := os.Hostname()
		clientID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	transport, err := dial(address)
	if err != nil {
		return err
	}
	defer transport.Close()

	client := conn.NewClient(transport, conn.ClientOptions{ClientID: clientID})
	if err := client.Negotiate(); err != nil {
		return fmt.Errorf("handshake with %s: %w", address, err)
	}

	if list {
		return listSessions(client)
	}

	return attach(client, sessionID, shell)
}

// dial connects to the host. An address of the form "unix:/path"
// selects a unix socket; anything else is TCP.
func dial(address string) (net.Conn, error) {
	if path, ok := strings.CutPrefix(address, "unix:"); ok {
		return net.Dial("unix", path)
	}
	return net.Dial("tcp", address)
}

// listSessions prints the host's session table and returns.
func listSessions(client *conn.Client) error {
	frame, err := wire.NewControlFrame(wire.FrameSessionList, nil)
	if err != nil {
		return err
	}
	if err := client.Send(frame); err != nil {
		return err
	}
	response, err := awaitFrame(client, wire.FrameSessionListResponse)
	if err != nil {
		return err
	}
	var listResponse wire.SessionListResponse
	if err := wire.DecodePayload(response, &listResponse); err != nil {
		return err
	}

	if len(listResponse.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	fmt.Printf("%-6s %-12s %-8s %-9s %-8s %s\n",
		"ID", "STATE", "BACKEND", "SIZE", "CLIENTS", "CREATED")
	for _, info := range listResponse.Sessions {
		fmt.Printf("%-6d %-12s %-8s %-9s %-8d %s\n",
			info.SessionID,
			info.State,
			info.BackendType,
			fmt.Sprintf("%dx%d", info.Columns, info.Rows),
			info.AttachedCount,
			info.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return nil
}

// awaitFrame reads until a frame of the wanted type arrives, answering
// heartbeats and applying window updates along the way.
func awaitFrame(client *conn.Client, frameType wire.FrameType) (wire.Frame, error) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			return wire.Frame{}, err
		}
		switch frame.Type {
		case frameType:
			return frame, nil
		case wire.FrameHeartbeat:
			if err := client.AckHeartbeat(); err != nil {
				return wire.Frame{}, err
			}
		case wire.FrameWindowUpdate:
			client.HandleWindowUpdate(frame)
		case wire.FrameError:
			var report wire.ErrorPayload
			if err := wire.DecodePayload(frame, &report); err != nil {
				return wire.Frame{}, err
			}
			return wire.Frame{}, fmt.Errorf("host error %s: %s", report.Code, report.Message)
		case wire.FrameClose:
			var payload wire.ClosePayload
			_ = wire.DecodePayload(frame, &payload)
			return wire.Frame{}, fmt.Errorf("host closed the connection: %s", payload.Reason)
		default:
			// Flow announcements and mux capabilities carry no
			// obligations for this client.
		}
	}
}

// attach creates or reattaches a session, enters raw mode, and bridges
// the terminal until the session ends.
func attach(client *conn.Client, sessionID int32, shell string) error {
	columns, rows := 80, 24
	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	if interactive {
		if c, r, err := term.GetSize(stdinFd); err == nil {
			columns, rows = c, r
		}
	}

	if sessionID == 0 {
		frame, err := wire.NewControlFrame(wire.FrameSessionCreate, wire.SessionCreateRequest{
			Shell:   shell,
			Columns: columns,
			Rows:    rows,
		})
		if err != nil {
			return err
		}
		if err := client.Send(frame); err != nil {
			return err
		}
		created, err := awaitFrame(client, wire.FrameSessionCreated)
		if err != nil {
			return err
		}
		var response wire.SessionCreateResponse
		if err := wire.DecodePayload(created, &response); err != nil {
			return err
		}
		sessionID = response.SessionID
		fmt.Fprintf(os.Stderr, "[tmxp: session %d]\r\n", sessionID)
	} else {
		if err := sendAttach(client, sessionID); err != nil {
			return err
		}
		if _, err := awaitFrame(client, wire.FrameSessionAttached); err != nil {
			return err
		}
	}
	client.AddSession(sessionID)

	if interactive {
		restore, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("entering raw mode: %w", err)
		}
		defer term.Restore(stdinFd, restore)
		// Tell the host our real size in case it differs from the
		// session's.
		sendResize(client, sessionID, columns, rows)
	}

	done := make(chan error, 2)
	go readLoop(client, sessionID, done)
	go inputLoop(client, sessionID, done)
	if interactive {
		go resizeLoop(client, sessionID)
	}

	err := <-done
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func sendAttach(client *conn.Client, sessionID int32) error {
	frame, err := wire.NewFrame(sessionID, wire.FrameSessionAttach, wire.SessionAttachRequest{})
	if err != nil {
		return err
	}
	return client.Send(frame)
}

func sendResize(client *conn.Client, sessionID int32, columns, rows int) {
	frame, err := wire.NewFrame(sessionID, wire.FrameTerminalResize, wire.ResizePayload{
		Columns: columns,
		Rows:    rows,
	})
	if err == nil {
		client.Send(frame)
	}
}

// readLoop consumes host frames: terminal output goes to stdout, gated
// by the stream tracker so stale or out-of-order chunks never corrupt
// the display.
func readLoop(client *conn.Client, sessionID int32, done chan<- error) {
	tracker := session.NewStreamTracker()
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			done <- err
			return
		}
		switch frame.Type {
		case wire.FrameTerminalOutput:
			if frame.SessionID != sessionID {
				continue
			}
			sequence, data, err := wire.SplitDataPayload(frame)
			if err != nil {
				continue
			}
			switch err := tracker.ApplyOutput(sequence); {
			case err == nil:
				os.Stdout.Write(data)
			case errors.Is(err, session.ErrStale):
				// Already covered by the last snapshot.
			case errors.Is(err, session.ErrSnapshotRequired):
				// A gap in the stream: reattach to force a fresh
				// snapshot rather than display torn output.
				sendAttach(client, sessionID)
			}
		case wire.FrameStateSnapshot:
			var snapshot wire.StateSnapshot
			if err := wire.DecodePayload(frame, &snapshot); err != nil {
				continue
			}
			tracker.ApplySnapshot(snapshot)
			os.Stdout.Write(snapshot.ScreenContent)
		case wire.FrameHeartbeat:
			if err := client.AckHeartbeat(); err != nil {
				done <- err
				return
			}
		case wire.FrameWindowUpdate:
			client.HandleWindowUpdate(frame)
		case wire.FrameSessionClosed:
			done <- io.EOF
			return
		case wire.FrameError:
			var report wire.ErrorPayload
			if err := wire.DecodePayload(frame, &report); err == nil {
				fmt.Fprintf(os.Stderr, "\r\n[tmxp: host error %s: %s]\r\n", report.Code, report.Message)
			}
		case wire.FrameClose:
			done <- io.EOF
			return
		}
	}
}

// inputLoop forwards stdin to the session. When flow-control credit
// runs out it waits for the read loop to apply the next WINDOW_UPDATE.
func inputLoop(client *conn.Client, sessionID int32, done chan<- error) {
	buffer := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buffer)
		if n > 0 {
			data := buffer[:n]
			for {
				err := client.SendInput(sessionID, data)
				if err == nil {
					break
				}
				if errors.Is(err, flow.ErrInsufficientCredit) {
					time.Sleep(5 * time.Millisecond)
					continue
				}
				done <- err
				return
			}
		}
		if err != nil {
			done <- err
			return
		}
	}
}

// resizeLoop reports local terminal size changes to the host.
func resizeLoop(client *conn.Client, sessionID int32) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	for range winch {
		if columns, rows, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
			sendResize(client, sessionID, columns, rows)
		}
	}
}
