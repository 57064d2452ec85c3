/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mode

import (
	"context"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/schemas"
)

const effectorSource = "mode"

// BusEffector realizes mode side effects as bus commands. The commands are
// asynchronous; downstream services report their own failures on /system/error.
type BusEffector struct {
	bus *bus.Bus
}

// NewBusEffector creates the production effector.
func NewBusEffector(b *bus.Bus) *BusEffector {
	return &BusEffector{bus: b}
}

// Apply emits the commands that establish the target mode.
func (e *BusEffector) Apply(ctx context.Context, from, to schemas.Mode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if from == schemas.ModeInteractive && to != schemas.ModeInteractive {
		e.bus.Emit(effectorSource, schemas.TopicMicStopRequest, schemas.MicControl{Source: effectorSource})
	}

	switch to {
	case schemas.ModeIdle:
		e.bus.Emit(effectorSource, schemas.TopicMusicCommand, schemas.MusicCommand{
			Action: schemas.MusicActionStop,
			Source: effectorSource,
		})
		e.bus.Emit(effectorSource, schemas.TopicLEDCommand, schemas.LEDCommand{
			Pattern:    schemas.LEDPatternIdle,
			Brightness: -1,
			Source:     effectorSource,
		})
	case schemas.ModeAmbient:
		// Play with no track reference resumes if paused, otherwise starts a pick.
		e.bus.Emit(effectorSource, schemas.TopicMusicCommand, schemas.MusicCommand{
			Action: schemas.MusicActionPlay,
			Source: effectorSource,
		})
		e.bus.Emit(effectorSource, schemas.TopicLEDCommand, schemas.LEDCommand{
			Pattern:    schemas.LEDPatternAmbient,
			Brightness: -1,
			Source:     effectorSource,
		})
	case schemas.ModeInteractive:
		e.bus.Emit(effectorSource, schemas.TopicMicStartRequest, schemas.MicControl{Source: effectorSource})
		e.bus.Emit(effectorSource, schemas.TopicLEDCommand, schemas.LEDCommand{
			Pattern:    schemas.LEDPatternListening,
			Brightness: -1,
			Source:     effectorSource,
		})
	}

	return nil
}
