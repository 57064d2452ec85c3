/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package stt defines the speech-to-text port. Vendor adapters live out of
// tree; the in-tree Fake keeps the pipeline runnable without hardware or keys.
package stt

import "context"

// Result is one recognition update for the active utterance.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Session is one live recognition stream. Frames go in, results come out
// until Close, which also closes the results channel.
type Session interface {
	// WriteFrame pushes one capture frame of 16-bit little-endian PCM.
	WriteFrame(ctx context.Context, pcm []byte) error
	// Results delivers interim and final updates in arrival order.
	Results() <-chan Result
	Close() error
}

// Client opens recognition sessions.
type Client interface {
	OpenSession(ctx context.Context, sampleRate int) (Session, error)
}
