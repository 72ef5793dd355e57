// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ptyProcess is an Adapter backed by a process attached to the slave
// side of a PTY pair. It underlies the native shell backend and the
// tmux/screen attach bridges, which differ only in the command they
// start.
type ptyProcess struct {
	master *os.File
	cmd    *exec.Cmd

	// exited is closed by the wait goroutine when the process ends.
	exited chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// StartShell starts a native PTY session running the given shell.
// Empty shell selects /bin/sh. Environment entries are appended to the
// current process environment; workingDirectory empty means inherit.
func StartShell(shell string, columns, rows int, workingDirectory string, environment map[string]string) (Adapter, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	cmd.Dir = workingDirectory
	if len(environment) > 0 {
		cmd.Env = os.Environ()
		for key, value := range environment {
			cmd.Env = append(cmd.Env, key+"="+value)
		}
	}
	return startWithPTY(cmd, columns, rows)
}

// startWithPTY allocates a PTY pair, makes the slave the command's
// controlling terminal, starts it, and returns the master wrapped as an
// Adapter.
func startWithPTY(cmd *exec.Cmd, columns, rows int) (Adapter, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("allocate PTY: %w", err)
	}
	if err := setWindowSize(int(master.Fd()), columns, rows); err != nil {
		master.Close()
		return nil, fmt.Errorf("set initial PTY size: %w", err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open PTY slave %s: %w", slavePath, err)
	}

	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	// Close slave in parent; the child holds its own copy via fd 0/1/2.
	slave.Close()

	process := &ptyProcess{
		master: master,
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(process.exited)
	}()
	return process, nil
}

func (p *ptyProcess) Write(data []byte) (int, error) {
	return p.master.Write(data)
}

func (p *ptyProcess) Reader() io.Reader {
	return p.master
}

func (p *ptyProcess) Resize(columns, rows int) error {
	return setWindowSize(int(p.master.Fd()), columns, rows)
}

func (p *ptyProcess) Signal(name string) error {
	signal := unix.SignalNum(name)
	if signal == 0 {
		return fmt.Errorf("unknown signal name: %q", name)
	}
	select {
	case <-p.exited:
		return fmt.Errorf("signal %s: process already exited", name)
	default:
	}
	return p.cmd.Process.Signal(signal)
}

func (p *ptyProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Close terminates the process and releases the PTY. SIGTERM first;
// closing the master drops the controlling terminal, which ends
// well-behaved shells that ignore SIGTERM.
func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() {
		select {
		case <-p.exited:
		default:
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
		p.closeErr = p.master.Close()
		<-p.exited
	})
	return p.closeErr
}

// openPTY allocates a PTY master/slave pair via the Linux devpts
// interface. Returns the master and the filesystem path of the slave.
func openPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	fd := int(master.Fd())

	ptyNumber, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get PTY number (TIOCGPTN): %w", err)
	}

	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock PTY slave (TIOCSPTLCK): %w", err)
	}

	slavePath = fmt.Sprintf("/dev/pts/%d", ptyNumber)
	return master, slavePath, nil
}

// setWindowSize applies TIOCSWINSZ to a PTY master fd, which delivers
// SIGWINCH to the foreground process group on the slave side.
func setWindowSize(fd int, columns, rows int) error {
	winsize := &unix.Winsize{
		Col: uint16(columns),
		Row: uint16(rows),
	}
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, winsize)
}
