/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package tts defines the text-to-speech port. Synthesized audio is returned
// as WAV so the music engine's speech path can decode it with the same
// decoder stack as the library.
package tts

import (
	"context"
	"io"
)

// Request is one synthesis job.
type Request struct {
	Text  string
	Voice string
}

// Client renders text to WAV audio.
type Client interface {
	Synthesize(ctx context.Context, req Request) (io.ReadCloser, error)
}
