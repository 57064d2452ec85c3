/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package service provides the lifecycle substrate every CantinaOS service is
// built on: the state machine, status reporting, tracked background tasks,
// subscription cleanup and handler-failure escalation.
package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/telemetry"
)

// State is a service lifecycle state.
type State string

const (
	StateInit     State = "INIT"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateDegraded State = "DEGRADED"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateError    State = "ERROR"
)

const (
	// StopDrain is the per-service budget for background tasks to exit.
	StopDrain = 2 * time.Second

	// Three handler failures inside one rolling minute escalate to ERROR.
	failureWindow    = time.Minute
	failureThreshold = 3
)

// Service is the contract the supervisor manages. The ctx passed to Start
// bounds startup only; services own their runtime context until Stop.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() State
}

// Base implements the shared substrate. Embed it and call the lifecycle
// helpers from Start/Stop.
type Base struct {
	name   string
	bus    *bus.Bus
	logger zerolog.Logger
	clk    clock.Clock

	mu        sync.Mutex
	state     State
	detail    string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	subs      []*bus.Subscription
	failures  []time.Time
}

// NewBase builds the substrate for a named service. A nil clk selects the
// real clock; tests inject a mock.
func NewBase(name string, b *bus.Bus, logger zerolog.Logger, clk clock.Clock) *Base {
	if clk == nil {
		clk = clock.New()
	}
	return &Base{
		name:   name,
		bus:    b,
		logger: logger.With().Str("component", name).Logger(),
		clk:    clk,
		state:  StateInit,
		wg:     &sync.WaitGroup{},
	}
}

// Name returns the service name used in topics and logs.
func (b *Base) Name() string { return b.name }

// Bus returns the shared event bus.
func (b *Base) Bus() *bus.Bus { return b.bus }

// Logger returns the component-scoped logger.
func (b *Base) Logger() zerolog.Logger { return b.logger }

// Clock returns the injected time source.
func (b *Base) Clock() clock.Clock { return b.clk }

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Detail returns the current human-readable state detail.
func (b *Base) Detail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detail
}

// Starting resets runtime state and moves to STARTING. Must be the first call
// in the embedding service's Start; the substrate is reusable after Stop, so a
// supervisor restart is Stop followed by Start.
func (b *Base) Starting() {
	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.wg = &sync.WaitGroup{}
	b.subs = nil
	b.failures = nil
	b.mu.Unlock()
	b.setState(StateStarting, "")

	// Re-announce status on demand so late subscribers can build a full picture.
	_ = b.Subscribe(schemas.TopicStatusRequest, func(bus.Event) {
		b.emitStatus()
	})
}

// Running marks the service healthy and starts the uptime clock.
func (b *Base) Running(detail string) {
	b.mu.Lock()
	b.startedAt = b.clk.Now()
	b.mu.Unlock()
	b.setState(StateRunning, detail)
}

// Degraded marks the service impaired but still operating.
func (b *Base) Degraded(detail string) {
	b.setState(StateDegraded, detail)
}

// Recovered moves a degraded service back to RUNNING.
func (b *Base) Recovered(detail string) {
	if b.State() == StateDegraded {
		b.setState(StateRunning, detail)
	}
}

// Failed moves the service to ERROR and tears down its subscriptions and tasks.
func (b *Base) Failed(err error) {
	b.logger.Error().Err(err).Msg("service failed")
	b.EmitError(err)
	b.teardown()
	b.setState(StateError, err.Error())
}

// StopBase runs the standard stop sequence: STOPPING, cancel the runtime
// context, drop subscriptions, drain background tasks within the budget.
func (b *Base) StopBase(ctx context.Context) error {
	b.setState(StateStopping, "")
	b.teardown()

	b.mu.Lock()
	wg := b.wg
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn().Msg("stop interrupted before tasks drained")
	case <-b.clk.After(StopDrain):
		b.logger.Warn().Dur("budget", StopDrain).Msg("background tasks did not drain in time")
	}

	b.setState(StateStopped, "")
	return nil
}

// Subscribe registers a bus handler wrapped with panic recovery and failure
// accounting. Subscriptions are dropped automatically on stop or escalation.
func (b *Base) Subscribe(topic schemas.Topic, h bus.Handler) error {
	sub, err := b.bus.Subscribe(topic, b.guard(topic, h))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Emit publishes on the bus with this service as the envelope source.
func (b *Base) Emit(topic schemas.Topic, payload any) {
	b.bus.Emit(b.name, topic, payload)
}

// EmitError publishes a /system/error report for a non-fatal fault.
func (b *Base) EmitError(err error) {
	b.Emit(schemas.TopicSystemError, schemas.SystemError{
		Service: b.name,
		Code:    cerr.Code(err),
		Message: err.Error(),
		TS:      time.Now(),
	})
}

// Go runs fn as a tracked background task bound to the runtime context.
func (b *Base) Go(taskName string, fn func(ctx context.Context)) {
	b.mu.Lock()
	ctx := b.ctx
	wg := b.wg
	b.mu.Unlock()
	if ctx == nil {
		b.logger.Error().Str("task", taskName).Msg("Go called before Starting")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.ReportFailure(fmt.Errorf("task %s panicked: %v", taskName, r))
				b.logger.Error().Str("task", taskName).Bytes("stack", debug.Stack()).Msg("task panic")
			}
		}()
		fn(ctx)
	}()
}

// ReportFailure records a handler or task failure. Repeated failures inside
// the rolling window escalate the service to ERROR.
func (b *Base) ReportFailure(err error) {
	telemetry.ServiceHandlerFailures.WithLabelValues(b.name).Inc()
	b.EmitError(err)

	now := b.clk.Now()
	b.mu.Lock()
	cutoff := now.Add(-failureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)
	count := len(b.failures)
	b.mu.Unlock()

	if count >= failureThreshold {
		b.logger.Error().Int("failures", count).Err(err).Msg("failure threshold exceeded")
		b.teardown()
		b.setState(StateError, fmt.Sprintf("%d handler failures in %s", count, failureWindow))
		return
	}
	b.logger.Warn().Int("failures", count).Err(err).Msg("handler failure")
	if b.State() == StateRunning {
		b.setState(StateDegraded, err.Error())
	}
}

// guard wraps a handler with panic recovery feeding the failure ledger.
func (b *Base) guard(topic schemas.Topic, h bus.Handler) bus.Handler {
	return func(ev bus.Event) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().
					Str("topic", string(topic)).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				b.ReportFailure(fmt.Errorf("handler for %s panicked: %v", topic, r))
			}
		}()
		h(ev)
	}
}

// teardown cancels the runtime context and drops all subscriptions.
func (b *Base) teardown() {
	b.mu.Lock()
	cancel := b.cancel
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, s := range subs {
		b.bus.Unsubscribe(s)
	}
}

func (b *Base) setState(s State, detail string) {
	b.mu.Lock()
	if b.state == s && b.detail == detail {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.state = s
	b.detail = detail
	b.mu.Unlock()

	b.logger.Info().Str("from", string(prev)).Str("to", string(s)).Str("detail", detail).Msg("state change")
	b.emitStatus()
}

func (b *Base) emitStatus() {
	b.mu.Lock()
	payload := schemas.StatusPayload{
		Service: b.name,
		State:   string(b.state),
		Detail:  b.detail,
		TS:      time.Now(),
	}
	if b.state == StateRunning || b.state == StateDegraded {
		payload.UptimeMS = b.clk.Since(b.startedAt).Milliseconds()
	}
	b.mu.Unlock()
	b.bus.Emit(b.name, schemas.StatusTopic(b.name), payload)
}
