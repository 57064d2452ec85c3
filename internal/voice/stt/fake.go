/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package stt

import (
	"context"
	"errors"
	"sync"
)

// Fake is an in-memory recognizer. It records written frames and lets tests
// push results. The zero value opens silent sessions, which is also the
// behavior of the hardware-free default wiring.
type Fake struct {
	// OpenErr, when set, fails every OpenSession call.
	OpenErr error

	mu       sync.Mutex
	sessions []*FakeSession
}

func (f *Fake) OpenSession(ctx context.Context, sampleRate int) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	s := &FakeSession{sampleRate: sampleRate, results: make(chan Result, 16)}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far, oldest first.
func (f *Fake) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.sessions...)
}

// Last returns the most recently opened session, or nil.
func (f *Fake) Last() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// FakeSession records frames and emits whatever results the test pushes.
type FakeSession struct {
	// WriteErr, when set, fails every WriteFrame call.
	WriteErr error

	sampleRate int

	mu      sync.Mutex
	frames  [][]byte
	results chan Result
	closed  bool
}

func (s *FakeSession) WriteFrame(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stt session closed")
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.frames = append(s.frames, append([]byte(nil), pcm...))
	return nil
}

func (s *FakeSession) Results() <-chan Result { return s.results }

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.results)
	return nil
}

// Push feeds one recognition result to the session's consumer. Pushing to a
// closed session is a no-op.
func (s *FakeSession) Push(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.results <- r
}

// FrameCount reports how many frames were written.
func (s *FakeSession) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Closed reports whether Close has been called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
