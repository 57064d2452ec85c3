/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dj runs autonomous music sessions: it picks tracks, schedules
// crossfade transitions from the playback clock, and asks the voice pipeline
// for spoken commentary ahead of each handover. All session state lives on a
// single goroutine; bus handlers only forward events to it.
package dj

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/config"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
)

const (
	// restartDelay is how long the sequencer waits for the engine to confirm a
	// start before retrying with another pick.
	restartDelay = time.Second

	// maxStartStrikes ends the session after this many consecutive picks the
	// engine failed to start.
	maxStartStrikes = 3

	// recentWindowMax caps the no-repeat history regardless of library size.
	recentWindowMax = 8
)

// session is the state of one autonomous run. It is owned by the run loop.
type session struct {
	crossfadeMS int
	current     schemas.Track
	startedAt   time.Time
	transition  time.Time
	next        *schemas.Track
	commentary  bool
	strikes     int

	// stopping means "dj stop" arrived while a crossfade was in flight; the
	// session ends once the fade lands, leaving the incoming track playing.
	stopping    bool
	fadeStarted time.Time
}

// Sequencer is the DJ auto-mode service.
type Sequencer struct {
	*service.Base
	cfg *config.Config
	rng *rand.Rand

	events chan any

	// Run-loop owned; never touched from handlers.
	lib    []schemas.Track
	sess   *session
	recent []string

	tCommentary *clock.Timer
	tTransition *clock.Timer
	tRestart    *clock.Timer
	tEnd        *clock.Timer
}

// New creates the sequencer. A nil rng selects a time-seeded source; tests
// inject a fixed seed.
func New(cfg *config.Config, b *bus.Bus, logger zerolog.Logger, clk clock.Clock, rng *rand.Rand) *Sequencer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	return &Sequencer{
		Base:   service.NewBase("dj", b, logger, clk),
		cfg:    cfg,
		rng:    rng,
		events: make(chan any, 256),
	}
}

// Start subscribes to the command and music topics and launches the session loop.
func (s *Sequencer) Start(ctx context.Context) error {
	s.Starting()

	s.tCommentary = s.newStoppedTimer()
	s.tTransition = s.newStoppedTimer()
	s.tRestart = s.newStoppedTimer()
	s.tEnd = s.newStoppedTimer()

	if err := s.Subscribe(schemas.TopicDJCommand, s.onDJCommand); err != nil {
		return err
	}
	// One wildcard subscription keeps playback events ordered relative to each
	// other; the handler filters down to what scheduling cares about.
	if err := s.Subscribe("/music/*", s.onMusicEvent); err != nil {
		return err
	}
	if err := s.Subscribe(schemas.TopicModeChange, s.onModeChange); err != nil {
		return err
	}

	s.Go("session", s.run)
	s.Running("idle")
	return nil
}

// Stop drains the session loop.
func (s *Sequencer) Stop(ctx context.Context) error {
	return s.StopBase(ctx)
}

type (
	evCommand struct{ cmd schemas.DJCommand }
	evStarted struct{ p schemas.PlaybackStarted }
	evStopped struct{ p schemas.PlaybackStopped }
	evResumed struct{ p schemas.PlaybackResumed }
	evPaused  struct{}
	evLibrary struct{ tracks []schemas.Track }
	evMode    struct{ mode schemas.Mode }
)

// post forwards an event to the run loop without ever blocking a bus
// dispatcher. The loop only lags during shutdown, when dropping is harmless.
func (s *Sequencer) post(e any) {
	select {
	case s.events <- e:
	default:
		lg := s.Logger()
		lg.Warn().Str("event", fmt.Sprintf("%T", e)).Msg("sequencer backlogged, event dropped")
	}
}

func (s *Sequencer) onDJCommand(ev bus.Event) {
	cmd, ok := ev.Payload.(schemas.DJCommand)
	if !ok {
		s.ReportFailure(cerr.Validationf("dj command payload is %T", ev.Payload))
		return
	}
	s.post(evCommand{cmd})
}

func (s *Sequencer) onMusicEvent(ev bus.Event) {
	switch ev.Topic {
	case schemas.TopicPlaybackStarted:
		if p, ok := ev.Payload.(schemas.PlaybackStarted); ok {
			s.post(evStarted{p})
		}
	case schemas.TopicPlaybackStopped:
		if p, ok := ev.Payload.(schemas.PlaybackStopped); ok {
			s.post(evStopped{p})
		}
	case schemas.TopicPlaybackResumed:
		if p, ok := ev.Payload.(schemas.PlaybackResumed); ok {
			s.post(evResumed{p})
		}
	case schemas.TopicLibraryUpdated:
		if p, ok := ev.Payload.(schemas.LibraryUpdated); ok {
			s.post(evLibrary{p.Tracks})
		}
	case schemas.TopicMusicCommand:
		// A manual pause is the one command with no lifecycle event of its
		// own; scheduling must stand down until the matching resume.
		if cmd, ok := ev.Payload.(schemas.MusicCommand); ok &&
			cmd.Action == schemas.MusicActionPause && cmd.Source != s.Name() {
			s.post(evPaused{})
		}
	}
}

func (s *Sequencer) onModeChange(ev bus.Event) {
	if mc, ok := ev.Payload.(schemas.ModeChange); ok {
		s.post(evMode{mc.Mode})
	}
}

func (s *Sequencer) newStoppedTimer() *clock.Timer {
	t := s.Clock().Timer(time.Hour)
	t.Stop()
	return t
}

func rearm(t *clock.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func disarm(t *clock.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (s *Sequencer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.events:
			s.handle(e)
		case <-s.tCommentary.C:
			s.fireCommentary()
		case <-s.tTransition.C:
			s.fireTransition(false)
		case <-s.tRestart.C:
			s.fireRestart()
		case <-s.tEnd.C:
			s.endSession("crossfade landed after stop request")
		}
	}
}

func (s *Sequencer) handle(e any) {
	switch e := e.(type) {
	case evCommand:
		s.command(e.cmd)
	case evStarted:
		s.playbackStarted(e.p)
	case evStopped:
		s.playbackStopped(e.p)
	case evResumed:
		s.playbackResumed(e.p)
	case evPaused:
		s.playbackPaused()
	case evLibrary:
		s.lib = e.tracks
	case evMode:
		if e.mode == schemas.ModeIdle && s.sess != nil {
			s.endSession("mode changed to IDLE")
		}
	}
}

func (s *Sequencer) command(cmd schemas.DJCommand) {
	switch cmd.Action {
	case schemas.DJActionStart:
		s.startSession(cmd)
	case schemas.DJActionStop:
		s.requestStop()
	case schemas.DJActionNext:
		if s.sess == nil {
			s.EmitError(cerr.Validationf("dj next from %s without an active session", cmd.Source))
			return
		}
		s.fireTransition(true)
	default:
		s.EmitError(cerr.Validationf("dj action %q from %s", cmd.Action, cmd.Source))
	}
}

func (s *Sequencer) startSession(cmd schemas.DJCommand) {
	if s.sess != nil {
		lg := s.Logger()
		lg.Info().Str("source", cmd.Source).Msg("dj session already active")
		return
	}
	if len(s.lib) == 0 {
		s.EmitError(cerr.Unavailablef("dj start from %s: music library is empty", cmd.Source))
		return
	}

	fadeMS := s.cfg.CrossfadeMS
	if cmd.CrossfadeSec > 0 {
		fadeMS = int(cmd.CrossfadeSec * 1000)
	}
	s.sess = &session{crossfadeMS: fadeMS}

	first := s.pick("")
	if first == nil {
		s.sess = nil
		s.EmitError(cerr.Unavailablef("dj start from %s: no playable track has a known duration", cmd.Source))
		return
	}

	lg := s.Logger()
	lg.Info().
		Str("source", cmd.Source).
		Int("crossfade_ms", fadeMS).
		Str("first", first.Title).
		Msg("dj session starting")
	s.Running("session active")
	s.play(*first)
}

// requestStop ends the session, deferring until an in-flight crossfade lands
// so the handover it started still completes. The current track keeps playing.
func (s *Sequencer) requestStop() {
	if s.sess == nil {
		lg := s.Logger()
		lg.Debug().Msg("dj stop without an active session")
		return
	}
	disarm(s.tCommentary)
	disarm(s.tTransition)
	disarm(s.tRestart)

	fadeEnd := s.sess.fadeStarted.Add(time.Duration(s.sess.crossfadeMS) * time.Millisecond)
	if remain := fadeEnd.Sub(s.Clock().Now()); !s.sess.fadeStarted.IsZero() && remain > 0 {
		s.sess.stopping = true
		rearm(s.tEnd, remain)
		lg := s.Logger()
		lg.Info().Dur("remaining", remain).Msg("dj stop deferred until crossfade lands")
		return
	}
	s.endSession("stop requested")
}

func (s *Sequencer) endSession(reason string) {
	if s.sess == nil {
		return
	}
	disarm(s.tCommentary)
	disarm(s.tTransition)
	disarm(s.tRestart)
	disarm(s.tEnd)
	lg := s.Logger()
	lg.Info().Str("reason", reason).Str("track", s.sess.current.Title).Msg("dj session ended")
	s.sess = nil
	s.Running("idle")
}

// play asks the engine to start a track and arms the watchdog that retries
// with another pick if no confirmation arrives.
func (s *Sequencer) play(t schemas.Track) {
	s.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{
		Action: schemas.MusicActionPlay,
		Track:  t.Path,
		Source: s.Name(),
	})
	rearm(s.tRestart, restartDelay)
}

func (s *Sequencer) playbackStarted(p schemas.PlaybackStarted) {
	if s.sess == nil || s.sess.stopping {
		return
	}
	s.sess.current = p.Track
	s.sess.startedAt = p.StartWallClock
	s.sess.strikes = 0
	s.sess.next = nil
	s.sess.commentary = false
	disarm(s.tRestart)
	s.rememberPlayed(p.Track.Path)
	s.schedule()
}

// playbackResumed re-anchors the transition against the shifted wall clock.
func (s *Sequencer) playbackResumed(p schemas.PlaybackResumed) {
	if s.sess == nil || s.sess.stopping || p.Track.Path != s.sess.current.Path {
		return
	}
	s.sess.startedAt = p.StartWallClock
	s.schedule()
}

// playbackPaused stands scheduling down; the resume event re-arms it.
func (s *Sequencer) playbackPaused() {
	if s.sess == nil {
		return
	}
	disarm(s.tCommentary)
	disarm(s.tTransition)
	lg := s.Logger()
	lg.Debug().Msg("playback paused, dj transition on hold")
}

func (s *Sequencer) playbackStopped(p schemas.PlaybackStopped) {
	if s.sess == nil {
		return
	}
	if p.Track.Path != s.sess.current.Path {
		// Retirement of the outgoing crossfade lane; the incoming track has
		// already taken over as current.
		return
	}
	if s.sess.stopping {
		s.endSession("stop requested")
		return
	}

	switch p.Reason {
	case "completed":
		// Natural end without a scheduled fade (unknown duration or a missed
		// timer): continue seamlessly.
		s.advance()
	case "error":
		// The restart watchdog owns the strike budget.
		disarm(s.tCommentary)
		disarm(s.tTransition)
		rearm(s.tRestart, restartDelay)
	default:
		// "requested": someone deliberately stopped the music. Restarting it
		// a second later would fight them, so the session yields.
		s.endSession("playback stopped on request")
	}
}

// schedule arms the transition and commentary timers for the current track.
func (s *Sequencer) schedule() {
	sess := s.sess
	disarm(s.tCommentary)
	disarm(s.tTransition)

	if !sess.current.KnownDuration() {
		// No transition can be planned; the completed event drives the next
		// pick instead.
		sess.transition = time.Time{}
		lg := s.Logger()
		lg.Debug().Str("track", sess.current.Title).Msg("unknown duration, waiting for natural end")
		return
	}

	now := s.Clock().Now()
	fade := time.Duration(sess.crossfadeMS) * time.Millisecond
	duration := time.Duration(sess.current.DurationSec * float64(time.Second))
	sess.transition = sess.startedAt.Add(duration - fade)
	rearm(s.tTransition, sess.transition.Sub(now))

	lead := s.cfg.CommentaryLead()
	if at := sess.transition.Add(-lead); at.After(now) {
		rearm(s.tCommentary, at.Sub(now))
	} else {
		s.fireCommentary()
	}
}

// fireCommentary picks the next track and asks the voice pipeline for a
// handoff line. Replies later than the transition itself are useless, so the
// request carries that moment as its deadline.
func (s *Sequencer) fireCommentary() {
	sess := s.sess
	if sess == nil || sess.stopping || sess.next != nil {
		return
	}
	next := s.pick(sess.current.Path)
	if next == nil {
		lg := s.Logger()
		lg.Warn().Msg("no eligible next track, transition will end the session")
		return
	}
	sess.next = next
	sess.commentary = true
	s.Emit(schemas.TopicDJCommentaryRequest, schemas.CommentaryRequest{
		Current:       sess.current,
		Next:          *next,
		CorrelationID: uuid.NewString(),
		DeadlineMS:    sess.transition.UnixMilli(),
	})
}

// fireTransition hands playback over to the planned pick. Forced transitions
// ("dj next") reuse the announced pick when one exists.
func (s *Sequencer) fireTransition(forced bool) {
	sess := s.sess
	if sess == nil || sess.stopping {
		return
	}
	disarm(s.tCommentary)
	disarm(s.tTransition)

	to := sess.next
	if to == nil {
		to = s.pick(sess.current.Path)
	}
	if to == nil {
		s.endSession("no eligible next track")
		return
	}

	lg := s.Logger()
	lg.Info().
		Str("from", sess.current.Title).
		Str("to", to.Title).
		Bool("forced", forced).
		Msg("dj transition")
	s.Emit(schemas.TopicDJTransition, schemas.DJTransition{
		From:        sess.current,
		To:          *to,
		CrossfadeMS: sess.crossfadeMS,
		Commentary:  sess.commentary,
	})
	s.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{
		Action:      schemas.MusicActionCrossfade,
		Track:       to.Path,
		CrossfadeMS: sess.crossfadeMS,
		Source:      s.Name(),
	})
	sess.fadeStarted = s.Clock().Now()
	sess.next = nil
	rearm(s.tRestart, restartDelay)
}

// fireRestart is the watchdog: the engine never confirmed our last start, or
// playback died. Try another pick until the strike budget runs out.
func (s *Sequencer) fireRestart() {
	sess := s.sess
	if sess == nil || sess.stopping {
		return
	}
	sess.strikes++
	if sess.strikes >= maxStartStrikes {
		s.EmitError(cerr.Unavailablef("dj session ended after %d consecutive start failures", sess.strikes))
		s.endSession("engine not confirming starts")
		return
	}
	next := s.pick(sess.current.Path)
	if next == nil {
		s.endSession("no eligible next track")
		return
	}
	lg := s.Logger()
	lg.Warn().Int("strikes", sess.strikes).Str("track", next.Title).Msg("restarting playback")
	s.play(*next)
}

// advance starts the next pick immediately, used after a natural track end.
func (s *Sequencer) advance() {
	next := s.pick(s.sess.current.Path)
	if next == nil {
		s.endSession("no eligible next track")
		return
	}
	s.play(*next)
}

// rememberPlayed appends to the no-repeat history, deduplicating retries of
// the same track.
func (s *Sequencer) rememberPlayed(path string) {
	if n := len(s.recent); n > 0 && s.recent[n-1] == path {
		return
	}
	s.recent = append(s.recent, path)
	if len(s.recent) > recentWindowMax {
		s.recent = s.recent[len(s.recent)-recentWindowMax:]
	}
}

// recentWindow returns the paths the next pick must avoid, sized to the
// library so small collections still rotate.
func (s *Sequencer) recentWindow() []string {
	n := len(s.lib) / 2
	if n > recentWindowMax {
		n = recentWindowMax
	}
	if n > len(s.recent) {
		n = len(s.recent)
	}
	if n <= 0 {
		return nil
	}
	return s.recent[len(s.recent)-n:]
}

// pick selects a uniform random track with a known duration, avoiding the
// recent window and the given path. When the window rules out everything it
// is relaxed; duration and current-track constraints never are.
func (s *Sequencer) pick(avoid string) *schemas.Track {
	excluded := map[string]bool{avoid: true}
	for _, p := range s.recentWindow() {
		excluded[p] = true
	}

	var pool []schemas.Track
	for _, t := range s.lib {
		if t.KnownDuration() && !excluded[t.Path] {
			pool = append(pool, t)
		}
	}
	if len(pool) == 0 {
		for _, t := range s.lib {
			if t.KnownDuration() && t.Path != avoid {
				pool = append(pool, t)
			}
		}
	}
	if len(pool) == 0 {
		return nil
	}
	t := pool[s.rng.IntN(len(pool))]
	return &t
}
