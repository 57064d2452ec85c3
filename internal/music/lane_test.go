package music

import (
	"testing"

	"github.com/gopxl/beep/v2"
)

// onesStreamer emits 1.0 samples forever (or for a fixed count), so pumped
// output equals the lane gain.
type onesStreamer struct {
	remaining int // negative means endless
}

func (s *onesStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.remaining == 0 {
		return 0, false
	}
	n := len(samples)
	if s.remaining > 0 && s.remaining < n {
		n = s.remaining
	}
	for i := 0; i < n; i++ {
		samples[i][0] = 1.0
		samples[i][1] = 1.0
	}
	if s.remaining > 0 {
		s.remaining -= n
	}
	return n, n > 0
}

func (s *onesStreamer) Err() error { return nil }

func pumpLane(l *fadeLane, n int) [][2]float64 {
	out := make([][2]float64, 0, n)
	buf := make([][2]float64, 64)
	for n > 0 {
		chunk := len(buf)
		if n < chunk {
			chunk = n
		}
		got, ok := l.Stream(buf[:chunk])
		out = append(out, buf[:got]...)
		n -= got
		if !ok {
			break
		}
	}
	return out
}

func TestFadeLaneRampEndpoints(t *testing.T) {
	l := newFadeLane(&onesStreamer{remaining: -1}, 0)
	fired := 0
	l.fadeTo(0.8, 100, func() { fired++ })

	first := pumpLane(l, 50)
	if len(first) != 50 {
		t.Fatalf("expected 50 samples, got %d", len(first))
	}
	mid := first[len(first)-1][0]
	if mid < 0.35 || mid > 0.45 {
		t.Fatalf("expected midpoint gain near 0.4, got %v", mid)
	}
	for i := 1; i < len(first); i++ {
		if first[i][0] < first[i-1][0] {
			t.Fatalf("ramp went backwards at sample %d", i)
		}
	}
	if fired != 0 {
		t.Fatal("ramp callback fired early")
	}

	pumpLane(l, 50)
	if g := l.currentGain(); g != 0.8 {
		t.Fatalf("expected gain to land on 0.8, got %v", g)
	}
	if fired != 1 {
		t.Fatalf("expected one callback, got %d", fired)
	}

	// Steady state after the ramp.
	rest := pumpLane(l, 10)
	for _, s := range rest {
		if s[0] != 0.8 {
			t.Fatalf("expected steady 0.8, got %v", s[0])
		}
	}
}

func TestFadeLaneSetGainCancelsRamp(t *testing.T) {
	l := newFadeLane(&onesStreamer{remaining: -1}, 1.0)
	l.fadeTo(0, 1000, func() { t.Error("cancelled ramp callback fired") })
	pumpLane(l, 100)
	l.setGain(0.5)
	out := pumpLane(l, 10)
	for _, s := range out {
		if s[0] != 0.5 {
			t.Fatalf("expected 0.5 after setGain, got %v", s[0])
		}
	}
}

func TestFadeLaneStopDrains(t *testing.T) {
	l := newFadeLane(&onesStreamer{remaining: -1}, 1.0)
	l.stop()
	buf := make([][2]float64, 8)
	n, ok := l.Stream(buf)
	if n != 0 || ok {
		t.Fatalf("stopped lane should drain, got n=%d ok=%v", n, ok)
	}
}

func TestFadeLaneZeroSampleRampLandsImmediately(t *testing.T) {
	l := newFadeLane(&onesStreamer{remaining: -1}, 0.2)
	fired := false
	l.fadeTo(0.9, 0, func() { fired = true })
	if !fired {
		t.Fatal("zero-length ramp should complete inline")
	}
	if g := l.currentGain(); g != 0.9 {
		t.Fatalf("expected 0.9, got %v", g)
	}
}

func TestFadeLanePassesSourceExhaustion(t *testing.T) {
	l := newFadeLane(&onesStreamer{remaining: 30}, 1.0)
	out := pumpLane(l, 100)
	if len(out) != 30 {
		t.Fatalf("expected 30 samples before exhaustion, got %d", len(out))
	}
	var _ beep.Streamer = l
}
