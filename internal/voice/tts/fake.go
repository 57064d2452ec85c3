/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
)

// Fake synthesizes a short sine tone as 16-bit mono WAV: audible enough for
// hardware-free demos, fast enough for tests.
type Fake struct {
	// SampleRate defaults to 22050 Hz.
	SampleRate int
	// ClipMS defaults to 250 ms regardless of text length.
	ClipMS int

	mu    sync.Mutex
	errs  []error
	calls []Request
}

func (f *Fake) Synthesize(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sr := f.SampleRate
	if sr <= 0 {
		sr = 22050
	}
	ms := f.ClipMS
	if ms <= 0 {
		ms = 250
	}
	return io.NopCloser(bytes.NewReader(toneWAV(sr, ms))), nil
}

// FailNext queues an error for the next Synthesize call.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

// Calls returns every synthesis request seen so far.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

// toneWAV renders a 440 Hz sine as a minimal PCM WAV file.
func toneWAV(sampleRate, ms int) []byte {
	frames := sampleRate * ms / 1000
	dataSize := frames * 2
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	for i := 0; i < frames; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}
