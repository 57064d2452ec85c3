package music

import (
	"bytes"
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/config"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
)

// fakeDevice stands in for the sound card. Pump plays the role of the audio
// callback: it pulls samples through the mixer, which is what advances fades
// and fires completion callbacks.
type fakeDevice struct {
	mu       sync.Mutex
	master   beep.Streamer
	failInit bool
	inited   bool
}

func (f *fakeDevice) Init(sr beep.SampleRate, bufferSize int) error {
	if f.failInit {
		return cerr.Unavailablef("no audio hardware")
	}
	f.inited = true
	return nil
}

func (f *fakeDevice) Play(s beep.Streamer) {
	f.mu.Lock()
	f.master = s
	f.mu.Unlock()
}

func (f *fakeDevice) Lock()        { f.mu.Lock() }
func (f *fakeDevice) Unlock()      { f.mu.Unlock() }
func (f *fakeDevice) Close() error { return nil }

func (f *fakeDevice) Pump(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.master == nil {
		return
	}
	buf := make([][2]float64, 512)
	for n > 0 {
		chunk := len(buf)
		if n < chunk {
			chunk = n
		}
		f.master.Stream(buf[:chunk])
		n -= chunk
	}
}

type engineHarness struct {
	e      *Engine
	b      *bus.Bus
	dev    *fakeDevice
	clk    *clock.Mock
	events <-chan bus.Event
	errs   <-chan bus.Event
}

// newTestEngine starts an engine at 8 kHz over the given WAV fixtures
// (name -> seconds) and waits for the initial scan.
func newTestEngine(t *testing.T, mutate func(*config.Config), fixtures map[string]float64) *engineHarness {
	t.Helper()
	dir := t.TempDir()
	for name, secs := range fixtures {
		writeWAV(t, dir, name, secs, 8000)
	}

	cfg := config.Default()
	cfg.MusicDir = dir
	cfg.AudioSampleRate = 8000
	cfg.AudioBufferMS = 10
	if mutate != nil {
		mutate(cfg)
	}

	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)
	clk := clock.NewMock()
	dev := &fakeDevice{}
	e := NewEngine(cfg, b, zerolog.Nop(), clk, dev, rand.New(rand.NewPCG(7, 11)))

	h := &engineHarness{
		e:      e,
		b:      b,
		dev:    dev,
		clk:    clk,
		events: collect(t, b, "/music/*"),
		errs:   collect(t, b, schemas.TopicSystemError),
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	if len(fixtures) > 0 {
		waitEvent(t, h.events, schemas.TopicLibraryUpdated)
	}
	// Let the background loops install their timers on the mock clock.
	time.Sleep(20 * time.Millisecond)
	return h
}

func collect(t *testing.T, b *bus.Bus, pattern schemas.Topic) <-chan bus.Event {
	t.Helper()
	ch := make(chan bus.Event, 256)
	if _, err := b.Subscribe(pattern, func(ev bus.Event) { ch <- ev }); err != nil {
		t.Fatalf("subscribe %s: %v", pattern, err)
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan bus.Event, topic schemas.Topic) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func (h *engineHarness) currentLane(t *testing.T) *fadeLane {
	t.Helper()
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.e.current == nil {
		t.Fatal("nothing playing")
	}
	return h.e.current.lane
}

func (h *engineHarness) duckCount() int {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.duckCount
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPlayStartsTrackAndAnchorsClock(t *testing.T) {
	h := newTestEngine(t, nil, map[string]float64{"Alpha.wav": 5})

	if err := h.e.Play("Alpha", "test"); err != nil {
		t.Fatalf("play: %v", err)
	}
	ev := waitEvent(t, h.events, schemas.TopicPlaybackStarted)
	started := ev.Payload.(schemas.PlaybackStarted)
	if started.Track.Title != "Alpha" || started.Source != "test" {
		t.Fatalf("unexpected started payload: %+v", started)
	}
	if !started.StartWallClock.Equal(h.clk.Now()) {
		t.Fatalf("start anchor %v, clock %v", started.StartWallClock, h.clk.Now())
	}
	if math.Abs(started.DurationSec-5) > 0.05 {
		t.Fatalf("expected ~5s duration, got %v", started.DurationSec)
	}
	if g := h.currentLane(t).currentGain(); !approx(g, defaultBaseGain) {
		t.Fatalf("expected base gain %v, got %v", defaultBaseGain, g)
	}
}

func TestPlayEmptyRefSemantics(t *testing.T) {
	h := newTestEngine(t, func(c *config.Config) { c.CrossfadeMS = 0 },
		map[string]float64{"Alpha.wav": 5, "Beta.wav": 5})

	// Idle: an empty reference starts a pick.
	if err := h.e.Play("", "ambient"); err != nil {
		t.Fatalf("autoplay: %v", err)
	}
	first := waitEvent(t, h.events, schemas.TopicPlaybackStarted).Payload.(schemas.PlaybackStarted)

	// Playing: an empty reference keeps the current track.
	if err := h.e.Play("", "ambient"); err != nil {
		t.Fatalf("play while playing: %v", err)
	}
	h.e.mu.Lock()
	keptTitle := h.e.current.track.Title
	h.e.mu.Unlock()
	if keptTitle != first.Track.Title {
		t.Fatalf("track changed from %q to %q", first.Track.Title, keptTitle)
	}

	// Paused: an empty reference resumes.
	if err := h.e.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.e.Play("", "ambient"); err != nil {
		t.Fatalf("play while paused: %v", err)
	}
	waitEvent(t, h.events, schemas.TopicPlaybackResumed)
}

func TestPauseResumeReanchorsClock(t *testing.T) {
	h := newTestEngine(t, nil, map[string]float64{"Long.wav": 30})

	if err := h.e.Play("Long", "test"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitEvent(t, h.events, schemas.TopicPlaybackStarted)

	h.clk.Add(1500 * time.Millisecond)
	if err := h.e.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Position stays frozen while paused.
	h.clk.Add(10 * time.Second)

	if err := h.e.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed := waitEvent(t, h.events, schemas.TopicPlaybackResumed).Payload.(schemas.PlaybackResumed)
	if !approx(resumed.PositionSec, 1.5) {
		t.Fatalf("expected position 1.5, got %v", resumed.PositionSec)
	}
	// The anchor shifts so (now - start_wall_clock) equals the position again.
	if got := h.clk.Now().Sub(resumed.StartWallClock).Seconds(); !approx(got, 1.5) {
		t.Fatalf("anchor implies position %v, want 1.5", got)
	}

	if err := h.e.Resume(); err == nil {
		t.Fatal("resume while playing should fail")
	}
	if err := h.e.StopPlayback(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.e.Pause(); err == nil {
		t.Fatal("pause with nothing playing should fail")
	}
}

func TestProgressFollowsClock(t *testing.T) {
	h := newTestEngine(t, nil, map[string]float64{"Long.wav": 30})

	if err := h.e.Play("Long", "test"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitEvent(t, h.events, schemas.TopicPlaybackStarted)

	var got []float64
	for i := 0; i < 3; i++ {
		h.clk.Add(progressInterval)
		timeout := time.After(500 * time.Millisecond)
	drain:
		for {
			select {
			case ev := <-h.events:
				if ev.Topic == schemas.TopicMusicProgress {
					got = append(got, ev.Payload.(schemas.Progress).PositionSec)
				}
			case <-timeout:
				break drain
			}
		}
	}

	if len(got) == 0 {
		t.Fatal("no progress events")
	}
	for i, pos := range got {
		if pos <= 0 || pos > 3.0+1e-9 {
			t.Fatalf("progress %d out of range: %v", i, pos)
		}
		if i > 0 && pos < got[i-1] {
			t.Fatalf("progress went backwards: %v", got)
		}
	}
	if last := got[len(got)-1]; !approx(last, 3.0) {
		t.Fatalf("expected final position 3.0, got %v", last)
	}
}

func TestDuckRefcountAppliesFactorOnce(t *testing.T) {
	h := newTestEngine(t, nil, map[string]float64{"Alpha.wav": 5})

	if err := h.e.Play("Alpha", "test"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitEvent(t, h.events, schemas.TopicPlaybackStarted)
	lane := h.currentLane(t)
	ramp := h.e.rampSamples(h.e.cfg.DuckRamp())
	ducked := defaultBaseGain * h.e.cfg.DuckFactor

	h.e.Duck("voice")
	h.dev.Pump(ramp + 64)
	if g := lane.currentGain(); !approx(g, ducked) {
		t.Fatalf("expected ducked gain %v, got %v", ducked, g)
	}

	// A second hold must not compound the factor.
	h.e.Duck("dj")
	h.dev.Pump(ramp + 64)
	if g := lane.currentGain(); !approx(g, ducked) {
		t.Fatalf("nested duck compounded: %v", lane.currentGain())
	}

	// Releasing one of two holds keeps the duck applied.
	h.e.Unduck("voice")
	h.dev.Pump(ramp + 64)
	if g := lane.currentGain(); !approx(g, ducked) {
		t.Fatalf("early restore after partial unduck: %v", g)
	}

	h.e.Unduck("dj")
	h.dev.Pump(ramp + 64)
	if g := lane.currentGain(); !approx(g, defaultBaseGain) {
		t.Fatalf("expected restored gain %v, got %v", defaultBaseGain, g)
	}

	// Unduck without a hold is a no-op.
	h.e.Unduck("stray")
	if n := h.duckCount(); n != 0 {
		t.Fatalf("duck count went negative: %d", n)
	}
}

func TestVolumeAppliesUnderDuck(t *testing.T) {
	h := newTestEngine(t, nil, map[string]float64{"Alpha.wav": 5})

	if err := h.e.Play("Alpha", "test"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitEvent(t, h.events, schemas.TopicPlaybackStarted)
	lane := h.currentLane(t)

	h.e.Duck("voice")
	h.dev.Pump(h.e.rampSamples(h.e.cfg.DuckRamp()) + 64)

	if err := h.e.SetVolume(0.5); err != nil {
		t.Fatalf("volume: %v", err)
	}
	if g := lane.currentGain(); !approx(g, 0.5*h.e.cfg.DuckFactor) {
		t.Fatalf("expected ducked half volume, got %v", g)
	}

	h.e.Unduck("voice")
	h.dev.Pump(h.e.rampSamples(h.e.cfg.DuckRamp()) + 64)
	if g := lane.currentGain(); !approx(g, 0.5) {
		t.Fatalf("expected 0.5 after unduck, got %v", g)
	}

	if err := h.e.SetVolume(1.5); err == nil {
		t.Fatal("volume over 1 should fail")
	}
}

func TestCrossfadeRampsBothLanes(t *testing.T) {
	h := newTestEngine(t, func(c *config.Config) { c.CrossfadeMS = 3000 },
		map[string]float64{"Alpha.wav": 5, "Beta.wav": 5})

	if err := h.e.Play("Alpha", "test"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitEvent(t, h.events, schemas.TopicPlaybackStarted)

	if err := h.e.Play("Beta", "test"); err != nil {
		t.Fatalf("crossfade play: %v", err)
	}
	xf := waitEvent(t, h.events, schemas.TopicCrossfadeStarted).Payload.(schemas.CrossfadeStarted)
	if xf.From.Title != "Alpha" || xf.To.Title != "Beta" || xf.CrossfadeMS != 3000 {
		t.Fatalf("unexpected crossfade payload: %+v", xf)
	}
	started := waitEvent(t, h.events, schemas.TopicPlaybackStarted).Payload.(schemas.PlaybackStarted)
	if started.Track.Title != "Beta" {
		t.Fatalf("expected Beta started, got %q", started.Track.Title)
	}

	h.e.mu.Lock()
	in, out := h.e.current.lane, h.e.outgoing.lane
	h.e.mu.Unlock()

	// Halfway through the ramp the lanes cross at half gain each.
	half := h.e.rampSamples(3000*time.Millisecond) / 2
	h.dev.Pump(half)
	if g := in.currentGain(); !approx(g, defaultBaseGain/2) {
		t.Fatalf("incoming at midpoint: %v", g)
	}
	if g := out.currentGain(); !approx(g, defaultBaseGain/2) {
		t.Fatalf("outgoing at midpoint: %v", g)
	}

	h.dev.Pump(half + 1024)
	stopped := waitEvent(t, h.events, schemas.TopicPlaybackStopped).Payload.(schemas.PlaybackStopped)
	if stopped.Track.Title != "Alpha" || stopped.Reason != "requested" {
		t.Fatalf("unexpected stopped payload: %+v", stopped)
	}
	if g := in.currentGain(); !approx(g, defaultBaseGain) {
		t.Fatalf("incoming did not land on base gain: %v", g)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.e.mu.Lock()
		cur, outgoing := h.e.current, h.e.outgoing
		h.e.mu.Unlock()
		if outgoing == nil && cur != nil && cur.track.Title == "Beta" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("outgoing playback never retired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNaturalCompletionEmitsCompleted(t *testing.T) {
	h := newTestEngine(t, nil, map[string]float64{"Shorty.wav": 0.25})

	if err := h.e.Play("Shorty", "test"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitEvent(t, h.events, schemas.TopicPlaybackStarted)

	// 0.25s at 8 kHz is 2000 samples; pump past the end of the decoder.
	h.dev.Pump(4096)
	stopped := waitEvent(t, h.events, schemas.TopicPlaybackStopped).Payload.(schemas.PlaybackStopped)
	if stopped.Reason != "completed" {
		t.Fatalf("expected completed, got %q", stopped.Reason)
	}
	if stopped.Track.Title != "Shorty" {
		t.Fatalf("unexpected track: %+v", stopped.Track)
	}
}

func TestSpeechDucksAndRestores(t *testing.T) {
	h := newTestEngine(t, nil, map[string]float64{"Alpha.wav": 5})

	if err := h.e.Play("Alpha", "test"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitEvent(t, h.events, schemas.TopicPlaybackStarted)
	lane := h.currentLane(t)
	ramp := h.e.rampSamples(h.e.cfg.DuckRamp())

	done := make(chan struct{})
	if err := h.e.PlaySpeech(bytes.NewReader(wavBytes(0.25, 8000)), func() { close(done) }); err != nil {
		t.Fatalf("speech: %v", err)
	}
	if n := h.duckCount(); n != 1 {
		t.Fatalf("expected one duck hold, got %d", n)
	}

	h.dev.Pump(ramp + 64)
	if g := lane.currentGain(); !approx(g, defaultBaseGain*h.e.cfg.DuckFactor) {
		t.Fatalf("music not ducked under speech: %v", g)
	}

	// Run the clip out: 2000 samples of speech remain at most.
	h.dev.Pump(4096)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("speech completion callback never fired")
	}
	if n := h.duckCount(); n != 0 {
		t.Fatalf("duck hold leaked: %d", n)
	}

	h.dev.Pump(ramp + 64)
	if g := lane.currentGain(); !approx(g, defaultBaseGain) {
		t.Fatalf("music gain not restored: %v", g)
	}
}

func TestStopSpeechBargeIn(t *testing.T) {
	h := newTestEngine(t, nil, map[string]float64{"Alpha.wav": 5})

	var mu sync.Mutex
	var fired []string
	mark := func(name string) func() {
		return func() {
			mu.Lock()
			fired = append(fired, name)
			mu.Unlock()
		}
	}

	if err := h.e.PlaySpeech(bytes.NewReader(wavBytes(1, 8000)), mark("first")); err != nil {
		t.Fatalf("first speech: %v", err)
	}
	// A newer clip displaces the current one.
	if err := h.e.PlaySpeech(bytes.NewReader(wavBytes(1, 8000)), mark("second")); err != nil {
		t.Fatalf("second speech: %v", err)
	}
	h.e.StopSpeech()
	// Cutting an already-stopped lane is a no-op.
	h.e.StopSpeech()

	mu.Lock()
	got := append([]string(nil), fired...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("expected both callbacks in order, got %v", got)
	}
	if n := h.duckCount(); n != 0 {
		t.Fatalf("duck holds leaked after barge-in: %d", n)
	}
}

func TestCommandsOverBus(t *testing.T) {
	h := newTestEngine(t, func(c *config.Config) { c.CrossfadeMS = 0 },
		map[string]float64{"Alpha.wav": 5})

	h.b.Emit("test", schemas.TopicMusicCommand, schemas.MusicCommand{
		Action: schemas.MusicActionPlay, Track: "Alpha", Source: "test",
	})
	waitEvent(t, h.events, schemas.TopicPlaybackStarted)

	h.b.Emit("test", schemas.TopicMusicCommand, schemas.MusicCommand{
		Action: schemas.MusicActionVolume, Volume: 0.5, Source: "test",
	})
	deadline := time.Now().Add(2 * time.Second)
	for !approx(h.currentLane(t).currentGain(), 0.5) {
		if time.Now().After(deadline) {
			t.Fatalf("volume command never applied, gain %v", h.currentLane(t).currentGain())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// An invalid command surfaces on the error topic instead of panicking.
	h.b.Emit("test", schemas.TopicMusicCommand, schemas.MusicCommand{
		Action: schemas.MusicActionVolume, Volume: 1.5, Source: "test",
	})
	serr := waitEvent(t, h.errs, schemas.TopicSystemError).Payload.(schemas.SystemError)
	if serr.Code != cerr.CodeValidation {
		t.Fatalf("expected ValidationError, got %q", serr.Code)
	}

	h.b.Emit("test", schemas.TopicMusicCommand, schemas.MusicCommand{
		Action: schemas.MusicActionStop, Source: "test",
	})
	stopped := waitEvent(t, h.events, schemas.TopicPlaybackStopped).Payload.(schemas.PlaybackStopped)
	if stopped.Reason != "requested" {
		t.Fatalf("expected requested stop, got %q", stopped.Reason)
	}
}

func TestNextAvoidsCurrentTrack(t *testing.T) {
	h := newTestEngine(t, func(c *config.Config) { c.CrossfadeMS = 0 },
		map[string]float64{"Alpha.wav": 5, "Beta.wav": 5})

	if err := h.e.Play("Alpha", "test"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitEvent(t, h.events, schemas.TopicPlaybackStarted)

	if err := h.e.Next("test"); err != nil {
		t.Fatalf("next: %v", err)
	}
	stopped := waitEvent(t, h.events, schemas.TopicPlaybackStopped).Payload.(schemas.PlaybackStopped)
	if stopped.Track.Title != "Alpha" {
		t.Fatalf("expected Alpha to stop, got %q", stopped.Track.Title)
	}
	started := waitEvent(t, h.events, schemas.TopicPlaybackStarted).Payload.(schemas.PlaybackStarted)
	if started.Track.Title != "Beta" {
		t.Fatalf("with two tracks, next must pick the other one; got %q", started.Track.Title)
	}
}

func TestDeviceFailureDegradesButLibraryServes(t *testing.T) {
	dir := t.TempDir()
	writeWAV(t, dir, "Alpha.wav", 1, 8000)

	cfg := config.Default()
	cfg.MusicDir = dir
	cfg.AudioSampleRate = 8000

	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)
	e := NewEngine(cfg, b, zerolog.Nop(), clock.NewMock(), &fakeDevice{failInit: true}, rand.New(rand.NewPCG(1, 2)))
	events := collect(t, b, "/music/*")

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	if got := e.State(); got != service.StateDegraded {
		t.Fatalf("expected DEGRADED, got %s", got)
	}
	if err := e.Play("Alpha", "test"); cerr.Code(err) != cerr.CodeResourceUnavailable {
		t.Fatalf("expected ResourceUnavailableError, got %v", err)
	}

	// The library side still scans and announces.
	waitEvent(t, events, schemas.TopicLibraryUpdated)
	if e.Library().Len() != 1 {
		t.Fatalf("expected 1 track, got %d", e.Library().Len())
	}
}
