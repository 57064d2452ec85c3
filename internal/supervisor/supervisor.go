/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package supervisor boots CantinaOS services in dependency order, watches
// their health over /status/* and tears them down in reverse on shutdown.
package supervisor

import (
	"context"
	"errors"
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

const (
	// startTimeout bounds a single Start call. Services doing slow work
	// (library scans, device probes) finish startup fast and continue in
	// background tasks, so a miss here means the service is stuck.
	startTimeout = 10 * time.Second

	// errorGrace is how long a service must sit in ERROR continuously
	// before it gets its single restart attempt.
	errorGrace = 30 * time.Second

	checkInterval = time.Second
)

// serviceHealth tracks one service's ERROR residency and restart budget.
type serviceHealth struct {
	errorSince time.Time // zero while healthy
	restarted  bool
	gaveUp     bool
}

// Supervisor owns the service set: ordered startup with a per-service
// deadline, one restart for a service stuck in ERROR, reverse-order
// shutdown. It is not a service itself; it sits above the bus and observes
// the same status events everyone else sees.
type Supervisor struct {
	b      *bus.Bus
	logger zerolog.Logger
	clk    clock.Clock

	mu         sync.Mutex
	services   []service.Service
	started    []service.Service
	health     map[string]*serviceHealth
	subs       []*bus.Subscription
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	shutdownCh chan schemas.ShutdownRequested
}

// New builds a supervisor. A nil clk selects the real clock.
func New(b *bus.Bus, logger zerolog.Logger, clk clock.Clock) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		b:          b,
		logger:     logger.With().Str("component", "supervisor").Logger(),
		clk:        clk,
		health:     make(map[string]*serviceHealth),
		shutdownCh: make(chan schemas.ShutdownRequested, 1),
	}
}

// Add registers services in dependency order. Call before Start.
func (s *Supervisor) Add(svcs ...service.Service) {
	s.services = append(s.services, svcs...)
	for _, svc := range svcs {
		s.health[svc.Name()] = &serviceHealth{}
	}
}

// Shutdown delivers the first shutdown request seen on the bus.
func (s *Supervisor) Shutdown() <-chan schemas.ShutdownRequested { return s.shutdownCh }

// Start boots every registered service in order. A FatalStartupError or a
// missed startup deadline unwinds what already started and is returned for
// the caller to exit on; any other startup error leaves that one service
// down and boot continues.
func (s *Supervisor) Start(ctx context.Context) error {
	sub, err := s.b.Subscribe(schemas.StatusPrefix+"*", s.onStatus)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	sub, err = s.b.Subscribe(schemas.TopicShutdownRequested, s.onShutdown)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	s.logger.Info().Int("services", len(s.services)).Msg("starting services")
	for _, svc := range s.services {
		if err := ctx.Err(); err != nil {
			s.Stop(context.Background())
			return err
		}
		if err := s.startOne(ctx, svc); err != nil {
			if errors.Is(err, cerr.ErrFatalStartup) {
				s.logger.Error().Err(err).Str("service", svc.Name()).Msg("fatal startup failure, unwinding")
				s.Stop(context.Background())
				return err
			}
			s.logger.Error().Err(err).Str("service", svc.Name()).Msg("service failed to start, continuing without it")
			s.b.Emit("supervisor", schemas.TopicSystemError, schemas.SystemError{
				Service: svc.Name(),
				Code:    cerr.Code(err),
				Message: err.Error(),
				TS:      s.clk.Now(),
			})
			continue
		}
		s.mu.Lock()
		s.started = append(s.started, svc)
		s.mu.Unlock()
		s.logger.Debug().Str("service", svc.Name()).Msg("service started")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.loopCancel = cancel
	s.loopDone = done
	s.mu.Unlock()
	go s.watch(loopCtx, done)
	return nil
}

// Stop tears down in reverse start order, each service granted the standard
// drain window. Safe to call more than once.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	started := s.started
	s.started = nil
	subs := s.subs
	s.subs = nil
	cancel := s.loopCancel
	done := s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.mu.Unlock()

	if cancel == nil && len(started) == 0 && len(subs) == 0 {
		return
	}
	if cancel != nil {
		cancel()
		<-done
	}
	for _, sub := range subs {
		s.b.Unsubscribe(sub)
	}
	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		stopCtx, stopCancel := context.WithTimeout(ctx, service.StopDrain)
		if err := svc.Stop(stopCtx); err != nil {
			s.logger.Error().Err(err).Str("service", svc.Name()).Msg("service stop failed")
		}
		stopCancel()
		s.logger.Debug().Str("service", svc.Name()).Msg("service stopped")
	}
	s.logger.Info().Msg("all services stopped")
}

// startOne awaits a single Start call under the startup deadline.
func (s *Supervisor) startOne(ctx context.Context, svc service.Service) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(sctx) }()

	t := s.clk.Timer(startTimeout)
	defer t.Stop()
	select {
	case err := <-errCh:
		return err
	case <-t.C:
		cancel()
		return cerr.FatalStartupf("%s did not start within %s", svc.Name(), startTimeout)
	}
}

func (s *Supervisor) onStatus(ev bus.Event) {
	st, ok := ev.Payload.(schemas.StatusPayload)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[st.Service]
	if !ok {
		return
	}
	if st.State == string(service.StateError) {
		if h.errorSince.IsZero() {
			h.errorSince = s.clk.Now()
		}
		return
	}
	h.errorSince = time.Time{}
}

func (s *Supervisor) onShutdown(ev bus.Event) {
	req, ok := ev.Payload.(schemas.ShutdownRequested)
	if !ok {
		return
	}
	select {
	case s.shutdownCh <- req:
	default:
	}
}

func (s *Supervisor) watch(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := s.clk.Ticker(checkInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth finds at most one service past the ERROR grace window and
// restarts it, or logs loudly when its restart budget is already spent.
func (s *Supervisor) checkHealth(ctx context.Context) {
	now := s.clk.Now()
	var restart service.Service

	s.mu.Lock()
	for _, svc := range s.started {
		h := s.health[svc.Name()]
		if h.errorSince.IsZero() || now.Sub(h.errorSince) <= errorGrace {
			continue
		}
		if h.restarted {
			if !h.gaveUp {
				h.gaveUp = true
				s.logger.Error().Str("service", svc.Name()).Msg("service failed again after its restart, leaving it down")
			}
			continue
		}
		h.restarted = true
		h.errorSince = time.Time{}
		restart = svc
		break
	}
	s.mu.Unlock()

	if restart != nil {
		s.restart(ctx, restart)
	}
}

func (s *Supervisor) restart(ctx context.Context, svc service.Service) {
	s.logger.Warn().Str("service", svc.Name()).Msg("restarting service stuck in ERROR")
	telemetry.ServiceRestarts.WithLabelValues(svc.Name()).Inc()

	stopCtx, cancel := context.WithTimeout(ctx, service.StopDrain)
	if err := svc.Stop(stopCtx); err != nil {
		s.logger.Error().Err(err).Str("service", svc.Name()).Msg("stop during restart failed")
	}
	cancel()

	if err := s.startOne(ctx, svc); err != nil {
		s.logger.Error().Err(err).Str("service", svc.Name()).Msg("restart failed, leaving service down")
		s.mu.Lock()
		s.health[svc.Name()].gaveUp = true
		s.mu.Unlock()
		return
	}
	s.logger.Info().Str("service", svc.Name()).Msg("service restarted")
}
