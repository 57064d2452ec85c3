/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package music

import (
	"context"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/config"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
)

const (
	defaultBaseGain   = 0.8
	progressInterval  = time.Second
	rescanDebounce    = 2 * time.Second
	resampleQuality   = 4
	completionBacklog = 16
)

type completionKind int

const (
	completionNatural completionKind = iota
	completionFadeOut
	completionSpeech
)

type completion struct {
	gen  uint64
	kind completionKind
}

// playback is one track on the mixer.
type playback struct {
	gen       uint64
	track     schemas.Track
	lane      *fadeLane
	ctrl      *beep.Ctrl
	seq       beep.Streamer
	closer    io.Closer
	startWall time.Time
	pausedAt  float64
	paused    bool
	// stopEmitted guards the single playback_stopped event per track.
	stopEmitted bool
}

// speechClip is one synthesized utterance on the speech lane.
type speechClip struct {
	gen    uint64
	lane   *fadeLane
	closer io.Closer
	onDone func()
	done   bool
}

// Engine is the music playback service.
type Engine struct {
	*service.Base
	cfg *config.Config
	dev Device
	lib *Library
	rng *rand.Rand

	master     *beep.Mixer
	sampleRate beep.SampleRate
	genSeq     atomic.Uint64

	mu        sync.Mutex
	devReady  bool
	current   *playback
	outgoing  *playback
	speech    *speechClip
	baseGain  float64
	duckCount int

	completions chan completion
}

// NewEngine creates the music engine. A nil rng selects a time-seeded source;
// tests inject a fixed seed.
func NewEngine(cfg *config.Config, b *bus.Bus, logger zerolog.Logger, clk clock.Clock, dev Device, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	e := &Engine{
		Base:        service.NewBase("music", b, logger, clk),
		cfg:         cfg,
		dev:         dev,
		rng:         rng,
		master:      &beep.Mixer{},
		sampleRate:  beep.SampleRate(cfg.AudioSampleRate),
		baseGain:    defaultBaseGain,
		completions: make(chan completion, completionBacklog),
	}
	e.lib = NewLibrary(cfg.MusicDir, logger, clk)
	return e
}

// Library exposes the track listing for in-process callers.
func (e *Engine) Library() *Library { return e.lib }

// Start initializes the device, kicks off the initial scan and subscribes the
// command topics. A missing audio device degrades the service; the library
// still scans and serves listings.
func (e *Engine) Start(ctx context.Context) error {
	e.Starting()

	degraded := ""
	bufferSize := e.sampleRate.N(time.Duration(e.cfg.AudioBufferMS) * time.Millisecond)
	if err := e.dev.Init(e.sampleRate, bufferSize); err != nil {
		e.EmitError(err)
		degraded = "audio device unavailable"
	} else {
		e.master.KeepAlive(true)
		e.dev.Play(e.master)
		e.mu.Lock()
		e.devReady = true
		e.mu.Unlock()
	}

	if err := e.Subscribe(schemas.TopicMusicCommand, e.onCommand); err != nil {
		return err
	}
	if err := e.Subscribe(schemas.TopicMusicDuck, e.onDuck); err != nil {
		return err
	}
	if err := e.Subscribe(schemas.TopicMusicUnduck, e.onUnduck); err != nil {
		return err
	}

	e.Go("completions", e.completionLoop)
	e.Go("progress", e.progressLoop)
	e.Go("watch", e.watchLoop)
	e.Go("scan", e.rescan)

	e.Running("")
	if degraded != "" {
		e.Degraded(degraded)
	}
	return nil
}

// Stop halts playback and speech, drains tasks and closes the device.
func (e *Engine) Stop(ctx context.Context) error {
	_ = e.StopPlayback()
	e.StopSpeech()
	err := e.StopBase(ctx)
	_ = e.dev.Close()
	return err
}

func (e *Engine) deviceReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devReady
}

func (e *Engine) onCommand(ev bus.Event) {
	cmd, ok := ev.Payload.(schemas.MusicCommand)
	if !ok {
		e.ReportFailure(cerr.Validationf("music command payload is %T", ev.Payload))
		return
	}

	var err error
	switch cmd.Action {
	case schemas.MusicActionPlay:
		err = e.Play(cmd.Track, cmd.Source)
	case schemas.MusicActionStop:
		err = e.StopPlayback()
	case schemas.MusicActionPause:
		err = e.Pause()
	case schemas.MusicActionResume:
		err = e.Resume()
	case schemas.MusicActionNext:
		err = e.Next(cmd.Source)
	case schemas.MusicActionVolume:
		err = e.SetVolume(cmd.Volume)
	case schemas.MusicActionCrossfade:
		err = e.CrossfadeTo(cmd.Track, cmd.CrossfadeMS, cmd.Source)
	default:
		err = cerr.Validationf("unknown music action %q", cmd.Action)
	}
	if err != nil {
		lg := e.Logger()
		lg.Warn().Err(err).Str("action", cmd.Action).Str("source", cmd.Source).Msg("music command failed")
		e.EmitError(err)
	}
}

func (e *Engine) onDuck(ev bus.Event) {
	d, _ := ev.Payload.(schemas.Duck)
	e.Duck(d.Source)
}

func (e *Engine) onUnduck(ev bus.Event) {
	d, _ := ev.Payload.(schemas.Duck)
	e.Unduck(d.Source)
}

// Play starts a track. An empty reference resumes a paused track, keeps an
// already playing one, or starts a random pick (the ambient autoplay path).
// A reference over active playback crossfades when crossfade is configured.
func (e *Engine) Play(ref, source string) error {
	if !e.deviceReady() {
		return cerr.Unavailablef("audio device unavailable")
	}

	if ref == "" {
		e.mu.Lock()
		cur := e.current
		paused := cur != nil && cur.paused
		e.mu.Unlock()
		if cur != nil {
			if paused {
				return e.Resume()
			}
			return nil
		}
		pick, err := e.randomTrack("")
		if err != nil {
			return err
		}
		return e.startTrack(pick, source)
	}

	track, err := e.lib.Resolve(ref)
	if err != nil {
		return err
	}

	e.mu.Lock()
	cur := e.current
	paused := cur != nil && cur.paused
	e.mu.Unlock()
	if cur != nil && !paused && e.cfg.CrossfadeMS > 0 {
		return e.crossfade(track, e.cfg.CrossfadeMS, source)
	}
	return e.startTrack(track, source)
}

// Next skips to a random pick, excluding the current track.
func (e *Engine) Next(source string) error {
	if !e.deviceReady() {
		return cerr.Unavailablef("audio device unavailable")
	}
	e.mu.Lock()
	var currentPath string
	cur := e.current
	if cur != nil {
		currentPath = cur.track.Path
	}
	paused := cur != nil && cur.paused
	e.mu.Unlock()

	pick, err := e.randomTrack(currentPath)
	if err != nil {
		return err
	}
	if cur != nil && !paused && e.cfg.CrossfadeMS > 0 {
		return e.crossfade(pick, e.cfg.CrossfadeMS, source)
	}
	return e.startTrack(pick, source)
}

// CrossfadeTo fades the current track out and the referenced one in. With
// nothing playing it behaves like Play.
func (e *Engine) CrossfadeTo(ref string, crossfadeMS int, source string) error {
	if !e.deviceReady() {
		return cerr.Unavailablef("audio device unavailable")
	}
	track, err := e.lib.Resolve(ref)
	if err != nil {
		return err
	}
	return e.crossfade(track, crossfadeMS, source)
}

// StopPlayback stops the current track (and any crossfade leftovers). Stopping
// an idle engine is a no-op.
func (e *Engine) StopPlayback() error {
	e.mu.Lock()
	cur, out := e.current, e.outgoing
	e.current, e.outgoing = nil, nil
	e.mu.Unlock()

	if out != nil {
		e.finishPlayback(out, "requested")
	}
	if cur != nil {
		e.finishPlayback(cur, "requested")
	}
	return nil
}

// Pause freezes the playback position.
func (e *Engine) Pause() error {
	e.mu.Lock()
	p := e.current
	if p == nil || p.paused {
		e.mu.Unlock()
		return cerr.Validationf("nothing playing to pause")
	}
	p.pausedAt = e.positionLocked(p)
	p.paused = true
	title, pos, ctrl := p.track.Title, p.pausedAt, p.ctrl
	e.mu.Unlock()

	e.dev.Lock()
	ctrl.Paused = true
	e.dev.Unlock()
	lg := e.Logger()
	lg.Debug().Str("track", title).Float64("position", pos).Msg("paused")
	return nil
}

// Resume continues a paused track. The wall clock anchor shifts so that
// (now − start_wall_clock) equals the frozen position again.
func (e *Engine) Resume() error {
	e.mu.Lock()
	p := e.current
	if p == nil || !p.paused {
		e.mu.Unlock()
		return cerr.Validationf("nothing paused to resume")
	}
	p.paused = false
	p.startWall = e.Clock().Now().Add(-time.Duration(p.pausedAt * float64(time.Second)))
	track, startWall, pos, ctrl := p.track, p.startWall, p.pausedAt, p.ctrl
	e.mu.Unlock()

	e.dev.Lock()
	ctrl.Paused = false
	e.dev.Unlock()

	e.Emit(schemas.TopicPlaybackResumed, schemas.PlaybackResumed{
		Track:          track,
		StartWallClock: startWall,
		PositionSec:    pos,
	})
	return nil
}

// SetVolume adjusts the base gain. Ducking applies on top of it.
func (e *Engine) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return cerr.Validationf("volume must be 0..1, got %v", v)
	}
	e.mu.Lock()
	e.baseGain = v
	eff := e.effectiveGainLocked()
	cur := e.current
	e.mu.Unlock()
	if cur != nil {
		cur.lane.setGain(eff)
	}
	return nil
}

// Duck lowers music under speech. Calls nest by refcount but the factor
// applies once.
func (e *Engine) Duck(source string) {
	e.mu.Lock()
	e.duckCount++
	first := e.duckCount == 1
	eff := e.effectiveGainLocked()
	cur := e.current
	e.mu.Unlock()

	if first && cur != nil {
		cur.lane.fadeTo(eff, e.rampSamples(e.cfg.DuckRamp()), nil)
	}
	lg := e.Logger()
	lg.Debug().Str("source", source).Bool("applied", first).Msg("duck")
}

// Unduck releases one duck hold; the last release restores the base gain.
// Unduck without a matching duck is a no-op.
func (e *Engine) Unduck(source string) {
	e.mu.Lock()
	if e.duckCount == 0 {
		e.mu.Unlock()
		return
	}
	e.duckCount--
	last := e.duckCount == 0
	eff := e.effectiveGainLocked()
	cur := e.current
	e.mu.Unlock()

	if last && cur != nil {
		cur.lane.fadeTo(eff, e.rampSamples(e.cfg.DuckRamp()), nil)
	}
	lg := e.Logger()
	lg.Debug().Str("source", source).Bool("restored", last).Msg("unduck")
}

// PlaySpeech decodes a WAV clip and plays it above the music, holding a duck
// for its duration. onDone runs once the clip finishes or is cut off.
func (e *Engine) PlaySpeech(r io.Reader, onDone func()) error {
	if !e.deviceReady() {
		return cerr.Unavailablef("audio device unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return cerr.Transientf("read speech audio: %v", err)
	}
	streamer, format, err := wav.Decode(newNopSeekCloser(data))
	if err != nil {
		return cerr.Validationf("decode speech wav: %v", err)
	}
	var src beep.Streamer = streamer
	if format.SampleRate != e.sampleRate {
		src = beep.Resample(resampleQuality, format.SampleRate, e.sampleRate, streamer)
	}

	gen := e.genSeq.Add(1)
	lane := newFadeLane(src, 1.0)
	seq := beep.Seq(lane, beep.Callback(func() {
		select {
		case e.completions <- completion{gen: gen, kind: completionSpeech}:
		default:
		}
	}))

	clip := &speechClip{gen: gen, lane: lane, closer: streamer, onDone: onDone}

	e.Duck("speech")
	e.mu.Lock()
	prev := e.speech
	e.speech = clip
	e.mu.Unlock()
	if prev != nil {
		e.stopSpeechClip(prev)
	}

	e.dev.Lock()
	e.master.Add(seq)
	e.dev.Unlock()
	return nil
}

// StopSpeech cuts off the speech lane (barge-in).
func (e *Engine) StopSpeech() {
	e.mu.Lock()
	s := e.speech
	e.mu.Unlock()
	if s != nil {
		e.stopSpeechClip(s)
	}
}

func (e *Engine) stopSpeechClip(s *speechClip) {
	e.mu.Lock()
	if s.done {
		e.mu.Unlock()
		return
	}
	s.done = true
	if e.speech == s {
		e.speech = nil
	}
	onDone := s.onDone
	e.mu.Unlock()

	s.lane.stop()
	if s.closer != nil {
		_ = s.closer.Close()
	}
	e.Unduck("speech")
	if onDone != nil {
		onDone()
	}
}

// startTrack hard-swaps playback to a track with no fade.
func (e *Engine) startTrack(track schemas.Track, source string) error {
	p, err := e.openPlayback(track)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.current
	leftover := e.outgoing
	e.current = p
	e.outgoing = nil
	p.startWall = e.Clock().Now()
	p.lane.setGain(e.effectiveGainLocked())
	startWall := p.startWall
	e.mu.Unlock()

	if leftover != nil {
		e.finishPlayback(leftover, "requested")
	}
	if old != nil {
		e.finishPlayback(old, "requested")
	}

	e.dev.Lock()
	e.master.Add(p.seq)
	e.dev.Unlock()

	e.Emit(schemas.TopicPlaybackStarted, schemas.PlaybackStarted{
		Track:          track,
		StartWallClock: startWall,
		DurationSec:    track.DurationSec,
		Source:         source,
	})
	lg := e.Logger()
	lg.Info().Str("track", track.Title).Str("source", source).Msg("playback started")
	return nil
}

// crossfade starts the incoming track at zero gain and ramps both lanes.
func (e *Engine) crossfade(track schemas.Track, crossfadeMS int, source string) error {
	if crossfadeMS <= 0 {
		crossfadeMS = e.cfg.CrossfadeMS
	}

	e.mu.Lock()
	cur := e.current
	paused := cur != nil && cur.paused
	e.mu.Unlock()
	if cur == nil || paused || crossfadeMS == 0 {
		return e.startTrack(track, source)
	}

	p, err := e.openPlayback(track)
	if err != nil {
		return err
	}

	n := e.rampSamples(time.Duration(crossfadeMS) * time.Millisecond)

	e.mu.Lock()
	if e.current != cur {
		// Playback changed while opening the decoder; restart cleanly.
		e.mu.Unlock()
		if p.closer != nil {
			_ = p.closer.Close()
		}
		return e.startTrack(track, source)
	}
	leftover := e.outgoing
	e.outgoing = cur
	e.current = p
	p.startWall = e.Clock().Now()
	eff := e.effectiveGainLocked()
	startWall := p.startWall
	e.mu.Unlock()

	if leftover != nil {
		e.finishPlayback(leftover, "requested")
	}

	e.Emit(schemas.TopicCrossfadeStarted, schemas.CrossfadeStarted{
		From:        cur.track,
		To:          track,
		CrossfadeMS: crossfadeMS,
	})

	p.lane.setGain(0)
	e.dev.Lock()
	e.master.Add(p.seq)
	e.dev.Unlock()
	p.lane.fadeTo(eff, n, nil)

	outGen := cur.gen
	cur.lane.fadeTo(0, n, func() {
		select {
		case e.completions <- completion{gen: outGen, kind: completionFadeOut}:
		default:
		}
	})

	e.Emit(schemas.TopicPlaybackStarted, schemas.PlaybackStarted{
		Track:          track,
		StartWallClock: startWall,
		DurationSec:    track.DurationSec,
		Source:         source,
	})
	lg := e.Logger()
	lg.Info().
		Str("from", cur.track.Title).
		Str("to", track.Title).
		Int("crossfade_ms", crossfadeMS).
		Msg("crossfade started")
	return nil
}

// openPlayback opens the decoder chain for a track.
func (e *Engine) openPlayback(track schemas.Track) (*playback, error) {
	f, err := os.Open(track.Path)
	if err != nil {
		return nil, cerr.Unavailablef("open %s: %v", track.Path, err)
	}
	streamer, format, err := decodeAudio(f, track.Path)
	if err != nil {
		_ = f.Close()
		return nil, cerr.Unavailablef("decode %s: %v", track.Path, err)
	}
	var src beep.Streamer = streamer
	if format.SampleRate != e.sampleRate {
		src = beep.Resample(resampleQuality, format.SampleRate, e.sampleRate, streamer)
	}

	gen := e.genSeq.Add(1)
	lane := newFadeLane(src, 0)
	ctrl := &beep.Ctrl{Streamer: lane}
	seq := beep.Seq(ctrl, beep.Callback(func() {
		select {
		case e.completions <- completion{gen: gen, kind: completionNatural}:
		default:
		}
	}))

	return &playback{
		gen:    gen,
		track:  track,
		lane:   lane,
		ctrl:   ctrl,
		seq:    seq,
		closer: closeBoth{streamer, f},
	}, nil
}

// finishPlayback emits the single stopped event, drops the lane and closes
// the decoder. Safe to call twice; only the first emits.
func (e *Engine) finishPlayback(p *playback, reason string) {
	e.mu.Lock()
	if p.stopEmitted {
		e.mu.Unlock()
		return
	}
	p.stopEmitted = true
	pos := e.positionLocked(p)
	e.mu.Unlock()

	p.lane.stop()
	// A paused Ctrl streams silence forever; unpause so the drained lane
	// falls out of the mixer.
	e.dev.Lock()
	p.ctrl.Paused = false
	e.dev.Unlock()
	if p.closer != nil {
		_ = p.closer.Close()
	}
	e.Emit(schemas.TopicPlaybackStopped, schemas.PlaybackStopped{
		Track:       p.track,
		Reason:      reason,
		PositionSec: pos,
	})
	lg := e.Logger()
	lg.Info().Str("track", p.track.Title).Str("reason", reason).Msg("playback stopped")
}

func (e *Engine) completionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-e.completions:
			e.handleCompletion(c)
		}
	}
}

func (e *Engine) handleCompletion(c completion) {
	if c.kind == completionSpeech {
		e.mu.Lock()
		s := e.speech
		e.mu.Unlock()
		if s != nil && s.gen == c.gen {
			e.stopSpeechClip(s)
		}
		return
	}

	e.mu.Lock()
	var p *playback
	isCurrent := false
	switch {
	case e.current != nil && e.current.gen == c.gen:
		p = e.current
		isCurrent = true
		e.current = nil
	case e.outgoing != nil && e.outgoing.gen == c.gen:
		p = e.outgoing
		e.outgoing = nil
	}
	e.mu.Unlock()
	if p == nil {
		return
	}

	reason := "requested"
	if isCurrent {
		reason = "completed"
		if p.lane.Err() != nil {
			reason = "error"
			e.EmitError(cerr.Unavailablef("decoder failed on %s: %v", p.track.Path, p.lane.Err()))
		}
	}
	e.finishPlayback(p, reason)
}

func (e *Engine) progressLoop(ctx context.Context) {
	ticker := e.Clock().Ticker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			p := e.current
			var prog schemas.Progress
			emit := false
			if p != nil && !p.paused && !p.stopEmitted {
				prog = schemas.Progress{
					Track:       p.track,
					PositionSec: e.positionLocked(p),
					DurationSec: p.track.DurationSec,
				}
				emit = true
			}
			e.mu.Unlock()
			if emit {
				e.Emit(schemas.TopicMusicProgress, prog)
			}
		}
	}
}

// rescan refreshes the library and announces the new listing.
func (e *Engine) rescan(ctx context.Context) {
	tracks, err := e.lib.Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.EmitError(err)
		e.Degraded("library scan failed")
		return
	}
	e.Emit(schemas.TopicLibraryUpdated, schemas.LibraryUpdated{
		Tracks:    tracks,
		ScannedAt: time.Now(),
		SourceDir: e.lib.Dir(),
	})
}

// watchLoop rescans after filesystem changes settle for the debounce window.
func (e *Engine) watchLoop(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		e.EmitError(cerr.Unavailablef("fs watcher: %v", err))
		return
	}
	defer w.Close()
	if err := w.Add(e.lib.Dir()); err != nil {
		e.EmitError(cerr.Unavailablef("watch %s: %v", e.lib.Dir(), err))
		return
	}

	debounce := e.Clock().Timer(rescanDebounce)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !relevantFSEvent(ev) {
				continue
			}
			debounce.Reset(rescanDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			lg := e.Logger()
			lg.Warn().Err(err).Msg("watcher error")
		case <-debounce.C:
			e.rescan(ctx)
		}
	}
}

// relevantFSEvent ignores hidden files (including the cache's atomic temp
// files) and non-audio extensions.
func relevantFSEvent(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	if len(base) > 0 && base[0] == '.' {
		return false
	}
	return isAudioFile(base)
}

func (e *Engine) randomTrack(excludePath string) (schemas.Track, error) {
	tracks := e.lib.Tracks()
	if len(tracks) == 0 {
		return schemas.Track{}, cerr.Unavailablef("music library is empty")
	}
	candidates := tracks
	if excludePath != "" && len(tracks) > 1 {
		candidates = make([]schemas.Track, 0, len(tracks)-1)
		for _, t := range tracks {
			if t.Path != excludePath {
				candidates = append(candidates, t)
			}
		}
	}
	e.mu.Lock()
	i := e.rng.IntN(len(candidates))
	e.mu.Unlock()
	return candidates[i], nil
}

// effectiveGainLocked applies the duck factor at most once regardless of how
// many holds are open.
func (e *Engine) effectiveGainLocked() float64 {
	if e.duckCount > 0 {
		return e.baseGain * e.cfg.DuckFactor
	}
	return e.baseGain
}

func (e *Engine) positionLocked(p *playback) float64 {
	if p.paused {
		return p.pausedAt
	}
	pos := e.Clock().Now().Sub(p.startWall).Seconds()
	if pos < 0 {
		pos = 0
	}
	if p.track.KnownDuration() && pos > p.track.DurationSec {
		pos = p.track.DurationSec
	}
	return pos
}

func (e *Engine) rampSamples(d time.Duration) int {
	return e.sampleRate.N(d)
}

// closeBoth closes the decoder and then the file it reads from.
type closeBoth struct {
	a io.Closer
	b io.Closer
}

func (c closeBoth) Close() error {
	err := c.a.Close()
	if berr := c.b.Close(); err == nil {
		err = berr
	}
	return err
}
