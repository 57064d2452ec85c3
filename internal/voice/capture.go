/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package voice

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/friendsincode/cantina_os/internal/schemas"
)

// Capture provides microphone frames of 16-bit little-endian PCM. Hardware
// adapters implement this out of tree.
type Capture interface {
	// Start prepares the device. Frames flow until the context ends.
	Start(ctx context.Context, sampleRate int) error
	// Frames is the capture stream. The channel may close on device loss.
	Frames() <-chan []byte
	// Stop releases the device.
	Stop() error
}

// SilentCapture is the no-hardware default: Start succeeds and no frames
// ever flow, so INTERACTIVE mode comes up cleanly on machines without a mic.
type SilentCapture struct {
	ch chan []byte
}

func NewSilentCapture() *SilentCapture {
	return &SilentCapture{ch: make(chan []byte)}
}

func (s *SilentCapture) Start(ctx context.Context, sampleRate int) error { return nil }
func (s *SilentCapture) Frames() <-chan []byte                           { return s.ch }
func (s *SilentCapture) Stop() error                                     { return nil }

// levelsOf computes the meter sample for one PCM frame.
func levelsOf(pcm []byte) schemas.MicLevels {
	n := len(pcm) / 2
	if n == 0 {
		return schemas.MicLevels{}
	}
	var sum, peak float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / (math.MaxInt16 + 1)
		sum += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return schemas.MicLevels{RMS: math.Sqrt(sum / float64(n)), Peak: peak}
}
