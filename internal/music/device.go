/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package music

import (
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"github.com/friendsincode/cantina_os/internal/cerr"
)

// Device is the audio output port. The engine holds exactly one and mixes all
// lanes into a single streamer it hands to Play.
type Device interface {
	Init(sr beep.SampleRate, bufferSize int) error
	Play(s beep.Streamer)
	Lock()
	Unlock()
	Close() error
}

// speakerDevice drives the machine's audio output through the beep speaker.
type speakerDevice struct {
	inited bool
}

// NewSpeakerDevice returns the production audio device.
func NewSpeakerDevice() Device {
	return &speakerDevice{}
}

func (d *speakerDevice) Init(sr beep.SampleRate, bufferSize int) error {
	if err := speaker.Init(sr, bufferSize); err != nil {
		return cerr.Unavailablef("audio device init: %v", err)
	}
	d.inited = true
	return nil
}

func (d *speakerDevice) Play(s beep.Streamer) { speaker.Play(s) }
func (d *speakerDevice) Lock()                { speaker.Lock() }
func (d *speakerDevice) Unlock()              { speaker.Unlock() }

func (d *speakerDevice) Close() error {
	if d.inited {
		speaker.Close()
	}
	return nil
}
