package dj

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/config"
	"github.com/friendsincode/cantina_os/internal/schemas"
)

type djHarness struct {
	s           *Sequencer
	b           *bus.Bus
	clk         *clock.Mock
	musicCmds   <-chan bus.Event
	transitions <-chan bus.Event
	commentary  <-chan bus.Event
	errs        <-chan bus.Event
}

func newDJHarness(t *testing.T, tracks []schemas.Track) *djHarness {
	t.Helper()
	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)

	h := &djHarness{
		b:           b,
		clk:         clock.NewMock(),
		musicCmds:   collect(t, b, schemas.TopicMusicCommand),
		transitions: collect(t, b, schemas.TopicDJTransition),
		commentary:  collect(t, b, schemas.TopicDJCommentaryRequest),
		errs:        collect(t, b, schemas.TopicSystemError),
	}
	h.s = New(config.Default(), b, zerolog.Nop(), h.clk, rand.New(rand.NewPCG(3, 9)))
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = h.s.Stop(context.Background()) })

	if len(tracks) > 0 {
		b.Emit("music", schemas.TopicLibraryUpdated, schemas.LibraryUpdated{Tracks: tracks, ScannedAt: time.Now()})
	}
	settle()
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

func assertNone(t *testing.T, ch <-chan bus.Event, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s: %+v", ev.Topic, ev.Payload)
	case <-time.After(wait):
	}
}

// settle lets the run loop drain its mailbox and arm timers on the mock clock.
func settle() { time.Sleep(25 * time.Millisecond) }

func (h *djHarness) waitDetail(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.s.Detail() != want {
		if time.Now().After(deadline) {
			t.Fatalf("detail is %q, want %q", h.s.Detail(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func trk(path, title string, dur float64) schemas.Track {
	return schemas.Track{Path: path, Title: title, DurationSec: dur}
}

func threeTracks() []schemas.Track {
	return []schemas.Track{
		trk("/m/alpha.wav", "Alpha", 180),
		trk("/m/beta.wav", "Beta", 180),
		trk("/m/gamma.wav", "Gamma", 180),
	}
}

func trackByPath(t *testing.T, lib []schemas.Track, path string) schemas.Track {
	t.Helper()
	for _, tr := range lib {
		if tr.Path == path {
			return tr
		}
	}
	t.Fatalf("track %q not in library", path)
	return schemas.Track{}
}

// startSession drives "dj start" through to a confirmed first track and
// returns it.
func (h *djHarness) startSession(t *testing.T, lib []schemas.Track) schemas.Track {
	t.Helper()
	h.b.Emit("console", schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJActionStart, Source: "console"})
	cmd := waitEvent(t, h.musicCmds, schemas.TopicMusicCommand).Payload.(schemas.MusicCommand)
	if cmd.Action != schemas.MusicActionPlay || cmd.Source != "dj" {
		t.Fatalf("unexpected first command: %+v", cmd)
	}
	first := trackByPath(t, lib, cmd.Track)
	h.confirmStart(first)
	return first
}

// confirmStart plays the engine's part: acknowledge a start on the wire.
func (h *djHarness) confirmStart(tr schemas.Track) {
	h.b.Emit("music", schemas.TopicPlaybackStarted, schemas.PlaybackStarted{
		Track:          tr,
		StartWallClock: h.clk.Now(),
		DurationSec:    tr.DurationSec,
		Source:         "dj",
	})
	settle()
}

func TestSessionSchedulesCommentaryAndTransition(t *testing.T) {
	lib := threeTracks()
	h := newDJHarness(t, lib)
	first := h.startSession(t, lib)

	// Commentary leads the transition by 10s: 180s - 3s fade - 10s lead.
	h.clk.Add(167 * time.Second)
	req := waitEvent(t, h.commentary, schemas.TopicDJCommentaryRequest).Payload.(schemas.CommentaryRequest)
	if req.Current.Path != first.Path {
		t.Fatalf("commentary current is %q, want %q", req.Current.Path, first.Path)
	}
	if req.Next.Path == first.Path {
		t.Fatal("commentary next must differ from current")
	}
	if req.DeadlineMS != 177000 {
		t.Fatalf("deadline %d, want transition time 177000", req.DeadlineMS)
	}

	// Nobody answers the request; the transition happens regardless.
	h.clk.Add(10 * time.Second)
	tr := waitEvent(t, h.transitions, schemas.TopicDJTransition).Payload.(schemas.DJTransition)
	if tr.From.Path != first.Path || tr.To.Path != req.Next.Path {
		t.Fatalf("transition %q -> %q, want %q -> %q", tr.From.Path, tr.To.Path, first.Path, req.Next.Path)
	}
	if tr.CrossfadeMS != 3000 || !tr.Commentary {
		t.Fatalf("unexpected transition shape: %+v", tr)
	}
	fade := waitEvent(t, h.musicCmds, schemas.TopicMusicCommand).Payload.(schemas.MusicCommand)
	if fade.Action != schemas.MusicActionCrossfade || fade.Track != req.Next.Path || fade.CrossfadeMS != 3000 {
		t.Fatalf("unexpected crossfade command: %+v", fade)
	}
}

func TestStartWithEmptyLibraryFails(t *testing.T) {
	h := newDJHarness(t, nil)
	h.b.Emit("console", schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJActionStart, Source: "console"})
	serr := waitEvent(t, h.errs, schemas.TopicSystemError).Payload.(schemas.SystemError)
	if serr.Code != cerr.CodeResourceUnavailable {
		t.Fatalf("expected ResourceUnavailableError, got %q", serr.Code)
	}
	assertNone(t, h.musicCmds, 100*time.Millisecond)
}

func TestPicksAlternateOnTinyLibrary(t *testing.T) {
	lib := []schemas.Track{
		trk("/m/a.wav", "A", 180),
		trk("/m/b.wav", "B", 180),
	}
	h := newDJHarness(t, lib)
	current := h.startSession(t, lib)

	for i := 0; i < 3; i++ {
		h.clk.Add(167 * time.Second)
		waitEvent(t, h.commentary, schemas.TopicDJCommentaryRequest)
		h.clk.Add(10 * time.Second)
		tr := waitEvent(t, h.transitions, schemas.TopicDJTransition).Payload.(schemas.DJTransition)
		if tr.To.Path == current.Path {
			t.Fatalf("round %d repeated %q", i, current.Path)
		}
		waitEvent(t, h.musicCmds, schemas.TopicMusicCommand)
		current = tr.To
		h.confirmStart(current)
	}
}

func TestNextForcesImmediateTransition(t *testing.T) {
	lib := threeTracks()
	h := newDJHarness(t, lib)
	first := h.startSession(t, lib)

	h.clk.Add(30 * time.Second)
	h.b.Emit("console", schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJActionNext, Source: "console"})

	tr := waitEvent(t, h.transitions, schemas.TopicDJTransition).Payload.(schemas.DJTransition)
	if tr.From.Path != first.Path {
		t.Fatalf("forced transition from %q, want %q", tr.From.Path, first.Path)
	}
	if tr.Commentary {
		t.Fatal("a forced transition has no commentary window")
	}
	fade := waitEvent(t, h.musicCmds, schemas.TopicMusicCommand).Payload.(schemas.MusicCommand)
	if fade.Action != schemas.MusicActionCrossfade {
		t.Fatalf("expected crossfade, got %+v", fade)
	}

	// The session carries on with the new track.
	h.confirmStart(tr.To)
	h.clk.Add(167 * time.Second)
	waitEvent(t, h.commentary, schemas.TopicDJCommentaryRequest)
}

func TestNextWithoutSessionErrors(t *testing.T) {
	h := newDJHarness(t, threeTracks())
	h.b.Emit("console", schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJActionNext, Source: "console"})
	serr := waitEvent(t, h.errs, schemas.TopicSystemError).Payload.(schemas.SystemError)
	if serr.Code != cerr.CodeValidation {
		t.Fatalf("expected ValidationError, got %q", serr.Code)
	}
}

func TestStopLeavesTrackPlaying(t *testing.T) {
	lib := threeTracks()
	h := newDJHarness(t, lib)
	h.startSession(t, lib)

	h.b.Emit("console", schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJActionStop, Source: "console"})
	h.waitDetail(t, "idle")

	// No stop is sent to the engine and no further transitions fire.
	assertNone(t, h.musicCmds, 100*time.Millisecond)
	h.clk.Add(400 * time.Second)
	assertNone(t, h.transitions, 100*time.Millisecond)
}

func TestStopDuringCrossfadeDefersSessionEnd(t *testing.T) {
	lib := threeTracks()
	h := newDJHarness(t, lib)
	h.startSession(t, lib)

	h.clk.Add(167 * time.Second)
	waitEvent(t, h.commentary, schemas.TopicDJCommentaryRequest)
	h.clk.Add(10 * time.Second)
	waitEvent(t, h.transitions, schemas.TopicDJTransition)
	waitEvent(t, h.musicCmds, schemas.TopicMusicCommand)

	h.b.Emit("console", schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJActionStop, Source: "console"})
	settle()
	if h.s.Detail() != "session active" {
		t.Fatalf("session ended before the crossfade landed: %q", h.s.Detail())
	}

	h.clk.Add(3 * time.Second)
	h.waitDetail(t, "idle")
	assertNone(t, h.musicCmds, 100*time.Millisecond)
}

func TestPlaybackErrorRestartsWithinOneSecond(t *testing.T) {
	lib := threeTracks()
	h := newDJHarness(t, lib)
	first := h.startSession(t, lib)

	h.clk.Add(30 * time.Second)
	h.b.Emit("music", schemas.TopicPlaybackStopped, schemas.PlaybackStopped{
		Track: first, Reason: "error", PositionSec: 30,
	})
	settle()
	assertNone(t, h.musicCmds, 60*time.Millisecond)

	h.clk.Add(time.Second)
	cmd := waitEvent(t, h.musicCmds, schemas.TopicMusicCommand).Payload.(schemas.MusicCommand)
	if cmd.Action != schemas.MusicActionPlay || cmd.Track == first.Path {
		t.Fatalf("restart should play a different track, got %+v", cmd)
	}
	h.confirmStart(trackByPath(t, lib, cmd.Track))
	h.waitDetail(t, "session active")
}

func TestUnconfirmedStartsEndSessionAfterStrikes(t *testing.T) {
	lib := threeTracks()
	h := newDJHarness(t, lib)

	h.b.Emit("console", schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJActionStart, Source: "console"})
	waitEvent(t, h.musicCmds, schemas.TopicMusicCommand)
	settle()

	// The engine never confirms; each watchdog expiry retries with a new pick.
	h.clk.Add(time.Second)
	waitEvent(t, h.musicCmds, schemas.TopicMusicCommand)
	settle()
	h.clk.Add(time.Second)
	waitEvent(t, h.musicCmds, schemas.TopicMusicCommand)
	settle()
	h.clk.Add(time.Second)

	serr := waitEvent(t, h.errs, schemas.TopicSystemError).Payload.(schemas.SystemError)
	if serr.Code != cerr.CodeResourceUnavailable {
		t.Fatalf("expected ResourceUnavailableError, got %q", serr.Code)
	}
	h.waitDetail(t, "idle")
}

func TestManualPlayReschedulesTransition(t *testing.T) {
	lib := []schemas.Track{
		trk("/m/alpha.wav", "Alpha", 180),
		trk("/m/beta.wav", "Beta", 180),
		trk("/m/short.wav", "Short", 60),
	}
	h := newDJHarness(t, lib)
	h.startSession(t, lib)

	// A listener plays a different track by hand 30s in.
	h.clk.Add(30 * time.Second)
	short := lib[2]
	h.b.Emit("music", schemas.TopicPlaybackStarted, schemas.PlaybackStarted{
		Track:          short,
		StartWallClock: h.clk.Now(),
		DurationSec:    short.DurationSec,
		Source:         "console",
	})
	settle()

	// New plan: transition at 30 + 60 - 3 = 87s, commentary 10s before.
	h.clk.Add(47 * time.Second)
	req := waitEvent(t, h.commentary, schemas.TopicDJCommentaryRequest).Payload.(schemas.CommentaryRequest)
	if req.Current.Path != short.Path {
		t.Fatalf("commentary follows the manual track, got %q", req.Current.Path)
	}
	if req.DeadlineMS != 87000 {
		t.Fatalf("deadline %d, want 87000", req.DeadlineMS)
	}
	h.clk.Add(10 * time.Second)
	tr := waitEvent(t, h.transitions, schemas.TopicDJTransition).Payload.(schemas.DJTransition)
	if tr.From.Path != short.Path {
		t.Fatalf("transition from %q, want %q", tr.From.Path, short.Path)
	}
}

func TestPauseHoldsTransitionUntilResume(t *testing.T) {
	lib := threeTracks()
	h := newDJHarness(t, lib)
	first := h.startSession(t, lib)

	h.clk.Add(100 * time.Second)
	h.b.Emit("console", schemas.TopicMusicCommand, schemas.MusicCommand{
		Action: schemas.MusicActionPause, Source: "console",
	})
	settle()

	// Paused: no transition no matter how long the wall clock runs.
	h.clk.Add(500 * time.Second)
	assertNone(t, h.transitions, 100*time.Millisecond)

	// Resume re-anchors: 100s played, so 77s of schedule remain.
	h.b.Emit("music", schemas.TopicPlaybackResumed, schemas.PlaybackResumed{
		Track:          first,
		StartWallClock: h.clk.Now().Add(-100 * time.Second),
		PositionSec:    100,
	})
	settle()
	h.clk.Add(77 * time.Second)
	waitEvent(t, h.transitions, schemas.TopicDJTransition)
}

func TestShortTrackRequestsCommentaryImmediately(t *testing.T) {
	lib := []schemas.Track{
		trk("/m/jingle.wav", "Jingle", 8),
		trk("/m/next.wav", "Next", 120),
	}
	h := newDJHarness(t, lib)

	h.b.Emit("console", schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJActionStart, Source: "console"})
	waitEvent(t, h.musicCmds, schemas.TopicMusicCommand)
	// Whatever the pick was, the track that actually starts is the jingle.
	h.confirmStart(lib[0])

	// 8s - 3s fade leaves no room for the 10s lead: the request goes out now.
	req := waitEvent(t, h.commentary, schemas.TopicDJCommentaryRequest).Payload.(schemas.CommentaryRequest)
	if req.DeadlineMS != 5000 {
		t.Fatalf("deadline %d, want 5000", req.DeadlineMS)
	}
	h.clk.Add(5 * time.Second)
	waitEvent(t, h.transitions, schemas.TopicDJTransition)
}

func TestModeIdleEndsSession(t *testing.T) {
	lib := threeTracks()
	h := newDJHarness(t, lib)
	h.startSession(t, lib)

	h.b.Emit("mode", schemas.TopicModeChange, schemas.ModeChange{
		Mode: schemas.ModeIdle, Previous: schemas.ModeAmbient, TS: time.Now(),
	})
	h.waitDetail(t, "idle")
	h.clk.Add(400 * time.Second)
	assertNone(t, h.transitions, 100*time.Millisecond)
}

func TestCrossfadeOverrideFromCommand(t *testing.T) {
	lib := threeTracks()
	h := newDJHarness(t, lib)

	h.b.Emit("console", schemas.TopicDJCommand, schemas.DJCommand{
		Action: schemas.DJActionStart, CrossfadeSec: 1.5, Source: "console",
	})
	cmd := waitEvent(t, h.musicCmds, schemas.TopicMusicCommand).Payload.(schemas.MusicCommand)
	h.confirmStart(trackByPath(t, lib, cmd.Track))

	// Transition at 180 - 1.5 = 178.5s.
	h.clk.Add(168500 * time.Millisecond)
	req := waitEvent(t, h.commentary, schemas.TopicDJCommentaryRequest).Payload.(schemas.CommentaryRequest)
	if req.DeadlineMS != 178500 {
		t.Fatalf("deadline %d, want 178500", req.DeadlineMS)
	}
	h.clk.Add(10 * time.Second)
	tr := waitEvent(t, h.transitions, schemas.TopicDJTransition).Payload.(schemas.DJTransition)
	if tr.CrossfadeMS != 1500 {
		t.Fatalf("crossfade %d, want 1500", tr.CrossfadeMS)
	}
}
