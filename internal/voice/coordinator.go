/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package voice coordinates the interaction pipeline: mic capture feeds a
// speech-to-text session, final transcripts run a language-model turn, the
// reply is synthesized and played over the music engine's speech lane.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/config"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
	"github.com/friendsincode/cantina_os/internal/telemetry"
	"github.com/friendsincode/cantina_os/internal/voice/llm"
	"github.com/friendsincode/cantina_os/internal/voice/stt"
	"github.com/friendsincode/cantina_os/internal/voice/tts"
)

// ModeSource answers the current system mode.
type ModeSource interface {
	CurrentMode() schemas.Mode
}

// SpeechPlayer is the music engine's speech lane.
type SpeechPlayer interface {
	PlaySpeech(r io.Reader, onDone func()) error
	StopSpeech()
}

// noopPlayer keeps the pipeline's event flow intact when no audio output
// exists: clips complete immediately.
type noopPlayer struct{}

func (noopPlayer) PlaySpeech(r io.Reader, onDone func()) error {
	_, _ = io.Copy(io.Discard, r)
	if onDone != nil {
		onDone()
	}
	return nil
}

func (noopPlayer) StopSpeech() {}

// Deps are the coordinator's ports. Nil STT, LLM, TTS or Capture fall back to
// the in-memory fakes, so the pipeline runs without vendor keys or hardware.
type Deps struct {
	Modes   ModeSource
	Player  SpeechPlayer
	Capture Capture
	STT     stt.Client
	LLM     llm.Client
	TTS     tts.Client
}

type turnKind int

const (
	turnConverse turnKind = iota
	turnSpeak
	turnCommentary
)

func (k turnKind) String() string {
	switch k {
	case turnConverse:
		return "converse"
	case turnSpeak:
		return "speak"
	default:
		return "commentary"
	}
}

// Turn phases. A final transcript arriving during phaseThink queues; during
// synthesis or playback it barges in.
const (
	phaseThink int32 = iota
	phaseSynth
	phaseSpeak
)

type turn struct {
	id       string
	kind     turnKind
	text     string
	deadline time.Time
	cancel   context.CancelFunc
	phase    atomic.Int32
}

func (t *turn) expired(now time.Time) bool {
	return !t.deadline.IsZero() && now.After(t.deadline)
}

// Coordinator is the voice pipeline service. One turn runs at a time; one
// more may queue, newest wins.
type Coordinator struct {
	*service.Base
	cfg     *config.Config
	modes   ModeSource
	player  SpeechPlayer
	capture Capture
	stt     stt.Client
	llm     llm.Client
	tts     tts.Client
	tracer  trace.Tracer

	rootCtx    context.Context
	rootCancel context.CancelFunc
	dyn        sync.WaitGroup

	mu            sync.Mutex
	capturing     bool
	captureCancel context.CancelFunc
	active        *turn
	pending       *turn
}

func New(cfg *config.Config, b *bus.Bus, logger zerolog.Logger, clk clock.Clock, deps Deps) *Coordinator {
	if deps.Player == nil {
		deps.Player = noopPlayer{}
	}
	if deps.Capture == nil {
		deps.Capture = NewSilentCapture()
	}
	if deps.STT == nil {
		deps.STT = &stt.Fake{}
	}
	if deps.LLM == nil {
		deps.LLM = &llm.Fake{}
	}
	if deps.TTS == nil {
		deps.TTS = &tts.Fake{}
	}
	return &Coordinator{
		Base:    service.NewBase("voice", b, logger, clk),
		cfg:     cfg,
		modes:   deps.Modes,
		player:  deps.Player,
		capture: deps.Capture,
		stt:     deps.STT,
		llm:     deps.LLM,
		tts:     deps.TTS,
		tracer:  telemetry.Tracer("cantinaos/voice"),
	}
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.Starting()
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())

	subs := []struct {
		topic schemas.Topic
		h     bus.Handler
	}{
		{schemas.TopicMicStartRequest, c.onMicStart},
		{schemas.TopicMicStopRequest, c.onMicStop},
		{schemas.TopicResponseText, c.onResponseText},
		{schemas.TopicDJCommentaryRequest, c.onCommentaryRequest},
		{schemas.TopicModeChange, c.onModeChange},
	}
	for _, s := range subs {
		if err := c.Subscribe(s.topic, s.h); err != nil {
			return err
		}
	}

	c.Running("")
	return nil
}

func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancelCapture := c.captureCancel
	c.capturing = false
	c.captureCancel = nil
	c.pending = nil
	c.mu.Unlock()

	if cancelCapture != nil {
		cancelCapture()
	}
	if c.rootCancel != nil {
		c.rootCancel()
	}
	if c.player != nil {
		c.player.StopSpeech()
	}

	done := make(chan struct{})
	go func() {
		c.dyn.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-c.Clock().After(service.StopDrain):
		lg := c.Logger()
		lg.Warn().Msg("voice goroutines did not drain in time")
	}
	return c.StopBase(ctx)
}

// --- mic capture ---

func (c *Coordinator) onMicStart(ev bus.Event) {
	req, ok := ev.Payload.(schemas.MicControl)
	if !ok {
		c.ReportFailure(cerr.Validationf("mic start payload is %T", ev.Payload))
		return
	}
	if mode := c.currentMode(); mode != schemas.ModeInteractive {
		c.EmitError(cerr.WrongModef("mic capture requires INTERACTIVE, mode is %s (requested by %s)", mode, req.Source))
		return
	}

	c.mu.Lock()
	if c.capturing {
		c.mu.Unlock()
		return
	}
	cctx, cancel := context.WithCancel(c.rootCtx)
	if err := c.capture.Start(cctx, c.cfg.AudioSampleRate); err != nil {
		c.mu.Unlock()
		cancel()
		c.EmitError(cerr.Unavailablef("mic capture: %v", err))
		return
	}
	c.capturing = true
	c.captureCancel = cancel
	c.dyn.Add(1)
	c.mu.Unlock()

	go c.captureLoop(cctx)
	lg := c.Logger()
	lg.Info().Str("source", req.Source).Msg("mic capture started")
}

func (c *Coordinator) currentMode() schemas.Mode {
	if c.modes == nil {
		return schemas.ModeIdle
	}
	return c.modes.CurrentMode()
}

func (c *Coordinator) onMicStop(ev bus.Event) {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return
	}
	c.capturing = false
	cancel := c.captureCancel
	c.captureCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	lg := c.Logger()
	lg.Info().Msg("mic capture stopped")
}

// captureLoop owns the STT session: it opens one on the first frame, feeds it,
// and closes it after the idle window so a quiet room does not hold a stream.
func (c *Coordinator) captureLoop(ctx context.Context) {
	defer c.dyn.Done()
	defer c.capture.Stop()

	var sess stt.Session
	closeSess := func() {
		if sess != nil {
			_ = sess.Close()
			sess = nil
		}
	}
	defer closeSess()

	idle := c.Clock().Timer(c.cfg.STTIdleClose())
	idle.Stop()
	frames := c.capture.Frames()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			lg := c.Logger()
			lg.Debug().Msg("stt session idle, closing")
			closeSess()
		case pcm, ok := <-frames:
			if !ok {
				c.EmitError(cerr.Unavailablef("mic frame stream closed"))
				return
			}
			c.Emit(schemas.TopicMicLevels, levelsOf(pcm))
			if sess == nil {
				s, err := c.stt.OpenSession(ctx, c.cfg.AudioSampleRate)
				if err != nil {
					c.EmitError(cerr.Transientf("stt open: %v", err))
					continue
				}
				sess = s
				opened := c.Clock().Now()
				c.dyn.Add(1)
				go c.resultLoop(s, opened)
			}
			if err := sess.WriteFrame(ctx, pcm); err != nil {
				c.EmitError(cerr.Transientf("stt write: %v", err))
				closeSess()
				continue
			}
			idle.Reset(c.cfg.STTIdleClose())
		}
	}
}

func (c *Coordinator) resultLoop(sess stt.Session, opened time.Time) {
	defer c.dyn.Done()
	for res := range sess.Results() {
		t := schemas.Transcript{
			Text:       res.Text,
			Final:      res.Final,
			Confidence: res.Confidence,
			TS:         time.Now(),
		}
		if !res.Final {
			c.Emit(schemas.TopicTranscriptInterim, t)
			continue
		}
		telemetry.VoiceStageDuration.WithLabelValues("stt").Observe(c.Clock().Now().Sub(opened).Seconds())
		c.Emit(schemas.TopicTranscriptFinal, t)
		c.submit(&turn{id: uuid.NewString(), kind: turnConverse, text: res.Text})
	}
}

// --- external speech sources ---

// onResponseText speaks any response_text this service did not produce
// itself: the say verb and other services route spoken output through here.
func (c *Coordinator) onResponseText(ev bus.Event) {
	if ev.Source == c.Name() {
		return
	}
	resp, ok := ev.Payload.(schemas.ResponseText)
	if !ok {
		c.ReportFailure(cerr.Validationf("response_text payload is %T", ev.Payload))
		return
	}
	if strings.TrimSpace(resp.Text) == "" {
		return
	}
	id := resp.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}
	t := &turn{id: id, kind: turnSpeak, text: resp.Text}
	t.phase.Store(phaseSynth)
	c.submit(t)
}

func (c *Coordinator) onCommentaryRequest(ev bus.Event) {
	req, ok := ev.Payload.(schemas.CommentaryRequest)
	if !ok {
		c.ReportFailure(cerr.Validationf("commentary payload is %T", ev.Payload))
		return
	}
	prompt := fmt.Sprintf("You just played %q and %q is up next. Give a one-line DJ handoff.",
		req.Current.Title, req.Next.Title)
	t := &turn{id: req.CorrelationID, kind: turnCommentary, text: prompt}
	if req.DeadlineMS > 0 {
		t.deadline = time.UnixMilli(req.DeadlineMS)
	}
	c.submit(t)
}

// onModeChange quiets the pipeline on IDLE. AMBIENT lets an in-flight
// utterance finish; the mic stop request already cut off new input.
func (c *Coordinator) onModeChange(ev bus.Event) {
	mc, ok := ev.Payload.(schemas.ModeChange)
	if !ok || mc.Mode != schemas.ModeIdle {
		return
	}
	c.mu.Lock()
	act := c.active
	dropped := c.pending
	c.pending = nil
	c.mu.Unlock()
	if dropped != nil {
		lg := c.Logger()
		lg.Debug().Str("turn", dropped.id).Msg("pending turn dropped on idle")
	}
	if act != nil && act.cancel != nil {
		act.cancel()
	}
	c.player.StopSpeech()
}

// --- turn lifecycle ---

// submit routes a new turn: start it, queue it (depth 1, newest wins), or
// barge in on one that is already audible.
func (c *Coordinator) submit(t *turn) {
	c.mu.Lock()
	if c.active == nil {
		c.startLocked(t)
		c.mu.Unlock()
		return
	}
	if t.kind == turnCommentary {
		// Commentary is best-effort and never displaces interaction.
		c.mu.Unlock()
		lg := c.Logger()
		lg.Debug().Str("correlation_id", t.id).Msg("commentary dropped, pipeline busy")
		return
	}
	var barged *turn
	if t.kind == turnConverse && c.active.phase.Load() >= phaseSynth {
		barged = c.active
	}
	if c.pending != nil {
		lg := c.Logger()
		lg.Debug().Str("superseded", c.pending.id).Str("by", t.id).Msg("queued turn superseded")
	}
	c.pending = t
	c.mu.Unlock()

	if barged != nil {
		barged.cancel()
		c.player.StopSpeech()
	}
}

func (c *Coordinator) startLocked(t *turn) {
	tctx, cancel := context.WithCancel(c.rootCtx)
	t.cancel = cancel
	c.active = t
	c.dyn.Add(1)
	go func() {
		defer c.dyn.Done()
		defer cancel()
		defer c.turnFinished(t)
		c.runTurn(tctx, t)
	}()
}

func (c *Coordinator) turnFinished(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != t {
		return
	}
	c.active = nil
	if next := c.pending; next != nil {
		c.pending = nil
		c.startLocked(next)
	}
}

func (c *Coordinator) runTurn(ctx context.Context, t *turn) {
	ctx, span := c.tracer.Start(ctx, "voice.turn", trace.WithAttributes(
		attribute.String("turn.kind", t.kind.String()),
		attribute.String("turn.id", t.id),
	))
	defer span.End()

	text := t.text
	if t.kind != turnSpeak {
		reply, err := c.think(ctx, t)
		if err != nil {
			c.failTurn(span, err)
			return
		}
		if t.expired(c.Clock().Now()) {
			lg := c.Logger()
			lg.Debug().Str("correlation_id", t.id).Msg("commentary reply missed its deadline, discarded")
			return
		}
		text = reply
		c.Emit(schemas.TopicResponseText, schemas.ResponseText{Text: reply, CorrelationID: t.id})
	}

	t.phase.Store(phaseSynth)
	audio, err := c.synthesize(ctx, text)
	if err != nil {
		c.failTurn(span, err)
		return
	}

	t.phase.Store(phaseSpeak)
	done := make(chan struct{})
	spokeAt := c.Clock().Now()
	c.Emit(schemas.TopicSpeechStarted, schemas.SpeechLifecycle{CorrelationID: t.id, Text: text, TS: time.Now()})
	if err := c.player.PlaySpeech(bytes.NewReader(audio), func() { close(done) }); err != nil {
		c.failTurn(span, err)
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		// Stop the clip ourselves: a barge-in that raced our PlaySpeech call
		// may have stopped the previous clip instead. The engine runs the
		// callback either way, so wait for it before the bookkeeping events.
		c.player.StopSpeech()
		<-done
	}
	c.Emit(schemas.TopicSpeechSynthesisEnded, schemas.SpeechLifecycle{CorrelationID: t.id, TS: time.Now()})
	telemetry.VoiceStageDuration.WithLabelValues("speech").Observe(c.Clock().Now().Sub(spokeAt).Seconds())
	c.Emit(schemas.TopicSpeechSynthesisComplete, schemas.SpeechLifecycle{CorrelationID: t.id, TS: time.Now()})
}

func (c *Coordinator) failTurn(span trace.Span, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	span.RecordError(err)
	c.EmitError(err)
}

// think runs the language-model stage with its timeout and the single
// transient retry.
func (c *Coordinator) think(ctx context.Context, t *turn) (string, error) {
	start := c.Clock().Now()
	defer func() {
		telemetry.VoiceStageDuration.WithLabelValues("llm").Observe(c.Clock().Now().Sub(start).Seconds())
	}()

	req := llm.Turn{Persona: c.cfg.PersonaName, Prompt: t.text}
	reply, err := c.completeOnce(ctx, req)
	if err != nil && cerr.Retryable(err) && ctx.Err() == nil {
		lg := c.Logger()
		lg.Warn().Err(err).Msg("llm transient failure, retrying once")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.Clock().After(cerr.TransientRetryBackoff):
		}
		reply, err = c.completeOnce(ctx, req)
	}
	return reply, err
}

func (c *Coordinator) completeOnce(ctx context.Context, req llm.Turn) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout())
	defer cancel()
	reply, err := c.llm.Complete(tctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", cerr.Transientf("llm returned an empty reply")
	}
	return reply, nil
}

// synthesize runs the TTS stage with its timeout and the single transient
// retry, returning the rendered WAV.
func (c *Coordinator) synthesize(ctx context.Context, text string) ([]byte, error) {
	start := c.Clock().Now()
	defer func() {
		telemetry.VoiceStageDuration.WithLabelValues("tts").Observe(c.Clock().Now().Sub(start).Seconds())
	}()

	audio, err := c.synthesizeOnce(ctx, text)
	if err != nil && cerr.Retryable(err) && ctx.Err() == nil {
		lg := c.Logger()
		lg.Warn().Err(err).Msg("tts transient failure, retrying once")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.Clock().After(cerr.TransientRetryBackoff):
		}
		audio, err = c.synthesizeOnce(ctx, text)
	}
	return audio, err
}

func (c *Coordinator) synthesizeOnce(ctx context.Context, text string) ([]byte, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TTSTimeout())
	defer cancel()
	rc, err := c.tts.Synthesize(tctx, tts.Request{Text: text, Voice: c.cfg.PersonaName})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	audio, err := io.ReadAll(rc)
	if err != nil {
		return nil, cerr.Transientf("read synthesized audio: %v", err)
	}
	if len(audio) == 0 {
		return nil, cerr.Transientf("tts returned no audio")
	}
	return audio, nil
}
