/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package music

import (
	"sync"

	"github.com/gopxl/beep/v2"
)

// fadeLane wraps a streamer with a mutable gain and sample-accurate linear
// ramps. A stopped lane reports drained so the mixer drops it on the next pull.
type fadeLane struct {
	mu        sync.Mutex
	src       beep.Streamer
	gain      float64
	from      float64
	target    float64
	total     int
	remaining int
	stopped   bool
	onRamp    func()
}

func newFadeLane(src beep.Streamer, gain float64) *fadeLane {
	return &fadeLane{src: src, gain: gain, target: gain}
}

// fadeTo ramps linearly from the current gain to target over n samples.
// onDone, if non-nil, runs once when the ramp lands; it must not block.
func (l *fadeLane) fadeTo(target float64, n int, onDone func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		l.gain = target
		l.target = target
		l.remaining = 0
		l.onRamp = nil
		if onDone != nil {
			onDone()
		}
		return
	}
	l.from = l.gain
	l.target = target
	l.total = n
	l.remaining = n
	l.onRamp = onDone
}

// setGain jumps the gain immediately, cancelling any ramp in flight.
func (l *fadeLane) setGain(g float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gain = g
	l.target = g
	l.remaining = 0
	l.onRamp = nil
}

func (l *fadeLane) currentGain() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gain
}

// stop drops the lane from the mix at the next pull.
func (l *fadeLane) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

func (l *fadeLane) Stream(samples [][2]float64) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return 0, false
	}

	n, ok := l.src.Stream(samples)
	var done func()
	for i := 0; i < n; i++ {
		if l.remaining > 0 {
			l.remaining--
			p := float64(l.total-l.remaining) / float64(l.total)
			l.gain = l.from + (l.target-l.from)*p
			if l.remaining == 0 {
				l.gain = l.target
				done = l.onRamp
				l.onRamp = nil
			}
		}
		samples[i][0] *= l.gain
		samples[i][1] *= l.gain
	}
	if done != nil {
		done()
	}
	return n, ok
}

func (l *fadeLane) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Err()
}
