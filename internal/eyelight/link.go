/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eyelight

import (
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/friendsincode/cantina_os/internal/cerr"
)

// Link is one open connection to the eye-light controller. The protocol is a
// single command byte down, a newline-terminated "+" or "-" back.
type Link interface {
	WriteByte(b byte) error
	// ReadReply returns the reply byte, or an error once timeout passes.
	ReadReply(timeout time.Duration) (byte, error)
	Close() error
}

// Dialer opens a fresh Link. The controller redials through it after failures.
type Dialer func() (Link, error)

// SerialDialer dials a real controller over 115200-8N1 (or whatever baud the
// config asks for).
func SerialDialer(device string, baud int) Dialer {
	return func() (Link, error) {
		port, err := serial.Open(device, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, cerr.Unavailablef("open %s: %v", device, err)
		}
		return &serialLink{port: port}, nil
	}
}

type serialLink struct {
	port serial.Port
}

func (l *serialLink) WriteByte(b byte) error {
	_, err := l.port.Write([]byte{b})
	return err
}

// ReadReply assembles one newline-terminated reply. The timeout bounds each
// read; replies are two bytes, so it is the round trip that it limits.
func (l *serialLink) ReadReply(timeout time.Duration) (byte, error) {
	if err := l.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	var first byte
	buf := make([]byte, 1)
	for {
		n, err := l.port.Read(buf)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, cerr.Transientf("eye-light reply timeout after %s", timeout)
		}
		switch c := buf[0]; c {
		case '\n':
			if first == 0 {
				continue
			}
			return first, nil
		case '\r':
		default:
			if first == 0 {
				first = c
			}
		}
	}
}

func (l *serialLink) Close() error { return l.port.Close() }

// FakeLink is an in-memory controller. It acknowledges every byte unless the
// test scripted a rejection or a timeout, and it records everything written.
// It also backs the loopback dialer used when no serial device is configured.
type FakeLink struct {
	mu      sync.Mutex
	written []byte
	script  []byte // per-write outcomes: '+', '-' or 0 for a timeout
	closed  bool
}

func NewFakeLink() *FakeLink { return &FakeLink{} }

func (f *FakeLink) WriteByte(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return cerr.Unavailablef("link closed")
	}
	f.written = append(f.written, b)
	return nil
}

func (f *FakeLink) ReadReply(timeout time.Duration) (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, cerr.Unavailablef("link closed")
	}
	if len(f.script) > 0 {
		out := f.script[0]
		f.script = f.script[1:]
		if out == 0 {
			return 0, cerr.Transientf("eye-light reply timeout after %s", timeout)
		}
		return out, nil
	}
	return '+', nil
}

func (f *FakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Script queues reply outcomes for the next writes: '+' acknowledges, '-'
// rejects, 0 times out.
func (f *FakeLink) Script(outcomes ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcomes...)
}

// Written returns a copy of every byte the controller has received.
func (f *FakeLink) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *FakeLink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
