// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"io"
	"sync"
)

// Fake is an in-memory Adapter for tests: output is fed by the test via
// FeedOutput, input and control calls are recorded for assertions. It
// lives in the package proper (not a _test file) because session and
// conn tests both drive the protocol core against it.
type Fake struct {
	mutex    sync.Mutex
	input    []byte
	columns  int
	rows     int
	signals  []string
	closed   bool
	alive    bool
	reader   *io.PipeReader
	writer   *io.PipeWriter
}

var _ Adapter = (*Fake)(nil)

// NewFake returns a running fake backend.
func NewFake() *Fake {
	reader, writer := io.Pipe()
	return &Fake{alive: true, reader: reader, writer: writer}
}

// FeedOutput makes the fake produce terminal output. Blocks until the
// protocol core has consumed the bytes from Reader.
func (f *Fake) FeedOutput(data []byte) error {
	_, err := f.writer.Write(data)
	return err
}

// Exit simulates the backend process ending: the output stream returns
// EOF and Alive flips to false.
func (f *Fake) Exit() {
	f.mutex.Lock()
	f.alive = false
	f.mutex.Unlock()
	f.writer.Close()
}

func (f *Fake) Write(data []byte) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.input = append(f.input, data...)
	return len(data), nil
}

// Input returns everything written to the backend so far.
func (f *Fake) Input() []byte {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]byte(nil), f.input...)
}

func (f *Fake) Reader() io.Reader { return f.reader }

func (f *Fake) Resize(columns, rows int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.columns, f.rows = columns, rows
	return nil
}

// Dimensions returns the last Resize values.
func (f *Fake) Dimensions() (columns, rows int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.columns, f.rows
}

func (f *Fake) Signal(name string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.signals = append(f.signals, name)
	return nil
}

// Signals returns the signal names delivered so far.
func (f *Fake) Signals() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.signals...)
}

func (f *Fake) Alive() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.alive
}

func (f *Fake) Close() error {
	f.mutex.Lock()
	alreadyClosed := f.closed
	f.closed = true
	f.alive = false
	f.mutex.Unlock()
	if !alreadyClosed {
		f.writer.Close()
		f.reader.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}
