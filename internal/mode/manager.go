/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mode owns the top-level character mode: IDLE, AMBIENT or INTERACTIVE.
// Transitions run on a single goroutine so at most one is ever in flight.
package mode

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
	"github.com/friendsincode/cantina_os/internal/telemetry"
)

// applyTimeout bounds the side effects of one transition.
const applyTimeout = 5 * time.Second

// Effector applies the side effects that make a target mode real: microphone
// capture, ambient music and the eye pattern. Implementations must be safe to
// call for the reverse direction when a transition is rolled back.
type Effector interface {
	Apply(ctx context.Context, from, to schemas.Mode) error
}

// request is a parsed, validated transition request.
type request struct {
	target        schemas.Mode
	source        string
	correlationID string
}

// Manager is the mode state machine service.
type Manager struct {
	*service.Base
	effector Effector

	mu      sync.Mutex
	current schemas.Mode
	pending *request
	wake    chan struct{}
}

// New creates the mode manager. A nil effector selects the bus-backed one.
func New(b *bus.Bus, logger zerolog.Logger, clk clock.Clock, effector Effector) *Manager {
	if effector == nil {
		effector = NewBusEffector(b)
	}
	return &Manager{
		Base:     service.NewBase("mode", b, logger, clk),
		effector: effector,
		current:  schemas.ModeIdle,
		wake:     make(chan struct{}, 1),
	}
}

// CurrentMode returns the committed mode. During a transition this is still
// the previous mode; it changes only once side effects completed.
func (m *Manager) CurrentMode() schemas.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Start subscribes to set_mode requests and launches the transition loop.
func (m *Manager) Start(ctx context.Context) error {
	m.Starting()
	if err := m.Subscribe(schemas.TopicSetModeRequest, m.onSetModeRequest); err != nil {
		return err
	}
	m.Go("transitions", m.run)
	m.Running("mode " + string(m.CurrentMode()))
	return nil
}

// Stop drains the transition loop.
func (m *Manager) Stop(ctx context.Context) error {
	return m.StopBase(ctx)
}

func (m *Manager) onSetModeRequest(ev bus.Event) {
	req, ok := ev.Payload.(schemas.SetModeRequest)
	if !ok {
		m.ReportFailure(cerr.Validationf("set_mode_request payload is %T", ev.Payload))
		return
	}

	target, err := schemas.ParseMode(req.Mode)
	if err != nil {
		verr := cerr.Validationf("set_mode %q from %s", req.Mode, req.Source)
		m.EmitError(verr)
		m.Emit(schemas.TopicModeTransitionFailed, schemas.ModeTransition{
			From:          m.CurrentMode(),
			To:            schemas.Mode(req.Mode),
			CorrelationID: req.CorrelationID,
			Error:         verr.Error(),
		})
		return
	}

	m.enqueue(request{target: target, source: req.Source, correlationID: req.CorrelationID})
}

// enqueue holds at most one waiting request. A newer request replaces the
// queued one, and the replaced requester is told its transition failed.
func (m *Manager) enqueue(req request) {
	m.mu.Lock()
	replaced := m.pending
	m.pending = &req
	m.mu.Unlock()

	if replaced != nil {
		lg := m.Logger()
		lg.Debug().
			Str("replaced", string(replaced.target)).
			Str("by", string(req.target)).
			Msg("queued mode request superseded")
		m.Emit(schemas.TopicModeTransitionFailed, schemas.ModeTransition{
			From:          m.CurrentMode(),
			To:            replaced.target,
			CorrelationID: replaced.correlationID,
			Error:         "superseded by a newer mode request",
		})
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) take() *request {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := m.pending
	m.pending = nil
	return req
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			for {
				req := m.take()
				if req == nil {
					break
				}
				m.transition(ctx, *req)
			}
		}
	}
}

func (m *Manager) transition(ctx context.Context, req request) {
	from := m.CurrentMode()

	if from == req.target {
		m.Emit(schemas.TopicModeTransitionComplete, schemas.ModeTransition{
			From:          from,
			To:            req.target,
			CorrelationID: req.correlationID,
		})
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "cantinaos/mode", "mode.transition")
	defer span.End()

	lg := m.Logger()
	lg.Info().
		Str("from", string(from)).
		Str("to", string(req.target)).
		Str("source", req.source).
		Msg("mode transition")
	m.Emit(schemas.TopicModeTransitionStarted, schemas.ModeTransition{
		From:          from,
		To:            req.target,
		CorrelationID: req.correlationID,
	})

	actx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	if err := m.effector.Apply(actx, from, req.target); err != nil {
		telemetry.RecordError(span, err)
		if rerr := m.effector.Apply(actx, req.target, from); rerr != nil {
			lg := m.Logger()
			lg.Error().Err(rerr).Msg("mode revert failed")
		}
		m.EmitError(err)
		m.Emit(schemas.TopicModeTransitionFailed, schemas.ModeTransition{
			From:          from,
			To:            req.target,
			CorrelationID: req.correlationID,
			Error:         err.Error(),
		})
		return
	}

	m.mu.Lock()
	m.current = req.target
	m.mu.Unlock()

	m.Emit(schemas.TopicModeChange, schemas.ModeChange{
		Mode:     req.target,
		Previous: from,
		TS:       time.Now(),
	})
	m.Emit(schemas.TopicModeTransitionComplete, schemas.ModeTransition{
		From:          from,
		To:            req.target,
		CorrelationID: req.correlationID,
	})
}
