/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eyelight drives the character's eye LEDs over a one-byte serial
// protocol. It translates mode, voice and DJ lifecycle events into patterns,
// coalesces bursts, and keeps reconnecting when the controller goes quiet.
package eyelight

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/config"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
	"github.com/friendsincode/cantina_os/internal/telemetry"
)

const (
	// replyTimeout is how long the controller gets to answer one command.
	replyTimeout = 500 * time.Millisecond

	// coalesceWindow collapses command bursts to the latest per kind.
	coalesceWindow = 30 * time.Millisecond

	// maxStrikes consecutive unanswered writes take the link down.
	maxStrikes = 3

	backoffMin = 100 * time.Millisecond
	backoffMax = 10 * time.Second
)

var patternBytes = map[string]byte{
	schemas.LEDPatternIdle:      'I',
	schemas.LEDPatternSpeaking:  'S',
	schemas.LEDPatternThinking:  'T',
	schemas.LEDPatternListening: 'L',
	schemas.LEDPatternError:     'E',
	schemas.LEDPatternHappy:     'H',
	schemas.LEDPatternDJ:        'D',
	schemas.LEDPatternAmbient:   'A',
}

// wire is the desired controller state: a pattern byte and a brightness byte
// ('0'..'9', 0 when never requested).
type wire struct {
	pattern    byte
	brightness byte
}

// Controller is the eye-light service.
type Controller struct {
	*service.Base
	cfg  *config.Config
	dial Dialer
	rng  *rand.Rand

	events chan any

	// Run-loop owned (Start touches them only before the loop exists).
	link     Link
	desired  wire
	sent     wire
	mode     schemas.Mode
	overlay  byte
	djActive bool
	strikes  int
	backoff  time.Duration
	pending  bool

	tCoalesce *clock.Timer
	tBackoff  *clock.Timer
}

// New creates the controller. A nil dialer selects the real serial port when
// one is configured and an in-memory loopback otherwise, so development
// machines run the full pipeline without hardware.
func New(cfg *config.Config, b *bus.Bus, logger zerolog.Logger, clk clock.Clock, dial Dialer) *Controller {
	if dial == nil {
		if cfg.SerialDevice != "" {
			dial = SerialDialer(cfg.SerialDevice, cfg.SerialBaud)
		} else {
			logger.Info().Msg("no serial device configured, eye-light runs on loopback")
			dial = func() (Link, error) { return NewFakeLink(), nil }
		}
	}
	return &Controller{
		Base:   service.NewBase("eyelight", b, logger, clk),
		cfg:    cfg,
		dial:   dial,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xda3e39cb94b95bdb)),
		events: make(chan any, 64),
		mode:   schemas.ModeIdle,
	}
}

type (
	evMode     struct{ mode schemas.Mode }
	evOverlay  struct{ pattern byte } // 0 clears back to the baseline
	evExplicit struct{ cmd schemas.LEDCommand }
	evDJ       struct{ active bool }
)

// Start dials the controller and begins translating events. A missing device
// is not fatal: the service comes up DEGRADED and keeps redialing.
func (c *Controller) Start(ctx context.Context) error {
	c.Starting()

	c.tCoalesce = c.newStoppedTimer()
	c.tBackoff = c.newStoppedTimer()
	c.desired = wire{pattern: 'I'}
	c.sent = wire{}
	c.overlay = 0
	c.djActive = false
	c.strikes = 0
	c.backoff = backoffMin
	c.pending = false

	subs := []struct {
		topic   schemas.Topic
		handler bus.Handler
	}{
		{schemas.TopicModeChange, c.onModeChange},
		{schemas.TopicLEDCommand, c.onLEDCommand},
		{schemas.TopicTranscriptFinal, func(bus.Event) { c.post(evOverlay{'T'}) }},
		{schemas.TopicSpeechStarted, func(bus.Event) { c.post(evOverlay{'S'}) }},
		{schemas.TopicSpeechSynthesisComplete, func(bus.Event) { c.post(evOverlay{0}) }},
		{schemas.TopicDJCommand, c.onDJCommand},
		{schemas.TopicSystemError, c.onSystemError},
	}
	for _, s := range subs {
		if err := c.Subscribe(s.topic, s.handler); err != nil {
			return err
		}
	}

	if err := c.connect(); err != nil {
		lg := c.Logger()
		lg.Warn().Err(err).Msg("eye-light connect failed, will retry")
		c.Go("eyes", c.run)
		c.Degraded("serial link down, reconnecting")
		return nil
	}
	c.Go("eyes", c.run)
	c.Running(c.linkDetail())
	return nil
}

func (c *Controller) linkDetail() string {
	if c.cfg.SerialDevice == "" {
		return "loopback"
	}
	return c.cfg.SerialDevice
}

// Stop closes the link and drains the loop.
func (c *Controller) Stop(ctx context.Context) error {
	return c.StopBase(ctx)
}

func (c *Controller) newStoppedTimer() *clock.Timer {
	t := c.Clock().Timer(time.Hour)
	t.Stop()
	return t
}

func (c *Controller) post(e any) {
	select {
	case c.events <- e:
	default:
		lg := c.Logger()
		lg.Warn().Str("event", fmt.Sprintf("%T", e)).Msg("eye-light backlogged, event dropped")
	}
}

func (c *Controller) onModeChange(ev bus.Event) {
	if mc, ok := ev.Payload.(schemas.ModeChange); ok {
		c.post(evMode{mc.Mode})
	}
}

func (c *Controller) onDJCommand(ev bus.Event) {
	cmd, ok := ev.Payload.(schemas.DJCommand)
	if !ok {
		return
	}
	switch cmd.Action {
	case schemas.DJActionStart:
		c.post(evDJ{true})
	case schemas.DJActionStop:
		c.post(evDJ{false})
	}
}

// onSystemError flips the eyes to the error pattern. Our own write failures
// are excluded or a flaky link would feed itself.
func (c *Controller) onSystemError(ev bus.Event) {
	if ev.Source == c.Name() {
		return
	}
	c.post(evOverlay{'E'})
}

func (c *Controller) onLEDCommand(ev bus.Event) {
	cmd, ok := ev.Payload.(schemas.LEDCommand)
	if !ok {
		c.ReportFailure(cerr.Validationf("led command payload is %T", ev.Payload))
		return
	}
	if cmd.Pattern != "" {
		if _, known := patternBytes[cmd.Pattern]; !known {
			c.EmitError(cerr.Validationf("led pattern %q from %s", cmd.Pattern, cmd.Source))
			return
		}
	}
	if cmd.Brightness != -1 && (cmd.Brightness < 0 || cmd.Brightness > 9) {
		c.EmitError(cerr.Validationf("led brightness %d from %s is outside 0..9", cmd.Brightness, cmd.Source))
		return
	}
	c.post(evExplicit{cmd})
}

func (c *Controller) run(ctx context.Context) {
	if c.link == nil {
		c.armBackoff()
	}
	for {
		select {
		case <-ctx.Done():
			if c.link != nil {
				_ = c.link.Close()
				c.link = nil
			}
			return
		case e := <-c.events:
			c.handle(e)
		case <-c.tCoalesce.C:
			c.pending = false
			c.flush()
		case <-c.tBackoff.C:
			c.redial()
		}
	}
}

func (c *Controller) handle(e any) {
	switch e := e.(type) {
	case evMode:
		c.mode = e.mode
		// A committed mode change resets any overlay or error face.
		c.overlay = 0
		if e.mode == schemas.ModeIdle {
			c.djActive = false
		}
	case evOverlay:
		c.overlay = e.pattern
	case evDJ:
		c.djActive = e.active
	case evExplicit:
		if e.cmd.Pattern != "" {
			c.overlay = patternBytes[e.cmd.Pattern]
		}
		if e.cmd.Brightness >= 0 && e.cmd.Brightness <= 9 {
			c.desired.brightness = byte('0' + e.cmd.Brightness)
		}
	}
	c.desired.pattern = c.face()
	if c.desired != c.sent && !c.pending {
		c.pending = true
		rearm(c.tCoalesce, coalesceWindow)
	}
}

// face resolves the pattern byte: overlays win, then DJ mode, then the
// character mode baseline.
func (c *Controller) face() byte {
	if c.overlay != 0 {
		return c.overlay
	}
	if c.djActive {
		return 'D'
	}
	switch c.mode {
	case schemas.ModeAmbient:
		return 'A'
	case schemas.ModeInteractive:
		return 'L'
	default:
		return 'I'
	}
}

// flush writes whatever changed since the last flush, latest value per kind.
// Unanswered writes retry on the next window until the strike budget takes
// the link down; explicit rejections are final for that value.
func (c *Controller) flush() {
	if c.link == nil {
		return
	}
	retry := false
	if p := c.desired.pattern; p != 0 && p != c.sent.pattern {
		if _, delivered := c.write(p); delivered {
			c.sent.pattern = p
		} else {
			retry = true
		}
		if c.link == nil {
			return
		}
	}
	if b := c.desired.brightness; b != 0 && b != c.sent.brightness {
		if _, delivered := c.write(b); delivered {
			c.sent.brightness = b
		} else {
			retry = true
		}
		if c.link == nil {
			return
		}
	}
	if retry && !c.pending {
		c.pending = true
		rearm(c.tCoalesce, coalesceWindow)
	}
}

// write sends one command byte and waits for the controller's verdict.
// delivered means a reply came back at all; acked means it was "+". Reply
// timeouts and transport errors count toward the strike budget; an explicit
// rejection does not, the controller is alive and talking.
func (c *Controller) write(b byte) (acked, delivered bool) {
	start := c.Clock().Now()
	err := c.link.WriteByte(b)
	var reply byte
	if err == nil {
		reply, err = c.link.ReadReply(replyTimeout)
	}
	latency := c.Clock().Now().Sub(start)

	if err != nil {
		c.strikes++
		c.Emit(schemas.TopicLEDAck, schemas.LEDAck{
			Command:   string(b),
			OK:        false,
			LatencyMS: float64(latency.Microseconds()) / 1000.0,
			Error:     err.Error(),
		})
		lg := c.Logger()
		lg.Warn().Err(err).Str("command", string(b)).Int("strikes", c.strikes).Msg("eye-light write failed")
		if c.strikes >= maxStrikes {
			c.disconnect()
		}
		return false, false
	}

	c.strikes = 0
	telemetry.SerialWriteLatency.Observe(latency.Seconds())
	ack := schemas.LEDAck{
		Command:   string(b),
		OK:        reply == '+',
		LatencyMS: float64(latency.Microseconds()) / 1000.0,
	}
	if !ack.OK {
		ack.Error = "controller rejected command"
		lg := c.Logger()
		lg.Warn().Str("command", string(b)).Msg("eye-light rejected command")
	}
	c.Emit(schemas.TopicLEDAck, ack)
	return ack.OK, true
}

// disconnect takes the link down after repeated silence and starts the
// backoff ladder.
func (c *Controller) disconnect() {
	if c.link != nil {
		_ = c.link.Close()
		c.link = nil
	}
	c.strikes = 0
	c.backoff = backoffMin
	c.Degraded("serial link down, reconnecting")
	c.EmitError(cerr.Unavailablef("eye-light link lost after %d unanswered commands", maxStrikes))
	c.armBackoff()
}

func (c *Controller) armBackoff() {
	rearm(c.tBackoff, c.jittered(c.backoff))
}

func (c *Controller) jittered(d time.Duration) time.Duration {
	return d + time.Duration(c.rng.Int64N(int64(d/4)+1))
}

// redial attempts one reconnect, doubling the backoff on failure.
func (c *Controller) redial() {
	telemetry.SerialReconnects.Inc()
	if err := c.connect(); err != nil {
		lg := c.Logger()
		lg.Warn().Err(err).Dur("backoff", c.backoff).Msg("eye-light reconnect failed")
		c.backoff *= 2
		if c.backoff > backoffMax {
			c.backoff = backoffMax
		}
		c.armBackoff()
		return
	}
	c.backoff = backoffMin
	c.Recovered(c.linkDetail())
}

// connect dials and re-establishes controller state: reset, then the last
// requested pattern and brightness.
func (c *Controller) connect() error {
	l, err := c.dial()
	if err != nil {
		return err
	}
	c.link = l
	c.strikes = 0
	c.sent = wire{}

	if acked, _ := c.write('R'); !acked {
		if c.link != nil {
			_ = c.link.Close()
			c.link = nil
		}
		return cerr.Unavailablef("eye-light reset unanswered")
	}
	// Replay is best-effort; the strike budget handles a link that dies here.
	c.flush()
	return nil
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
