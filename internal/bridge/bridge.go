/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bridge exposes CantinaOS to a web dashboard: a WebSocket that
// mirrors bus traffic and accepts operator commands, plus a small REST API
// for status, library and log queries.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/config"
	"github.com/friendsincode/cantina_os/internal/dispatch"
	"github.com/friendsincode/cantina_os/internal/logsink"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
	"github.com/friendsincode/cantina_os/internal/telemetry"
	"github.com/friendsincode/cantina_os/internal/version"
)

const pingInterval = 15 * time.Second

// Commander executes operator command lines and serves the library listing.
// The command dispatcher satisfies it.
type Commander interface {
	Dispatch(ctx context.Context, source, commandID, line string) schemas.Ack
	Listing() []schemas.Track
}

// VersionSource reports release info for /api/status.
type VersionSource interface {
	Info() *version.UpdateInfo
}

// Deps are the bridge's collaborators. Commander is required; the rest may be
// nil and the matching endpoints degrade to empty results.
type Deps struct {
	Commander Commander
	Ring      *logsink.Ring
	Versions  VersionSource
}

// envelope is the outbound wire form of one bus event.
type envelope struct {
	Topic     string    `json:"topic"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// inbound is one parsed (or unparseable) client frame, routed to the session
// loop so all writes stay on one goroutine.
type inbound struct {
	cmd schemas.WebCommand
	err error
}

// nowPlaying retains the last playback lifecycle event for connect replay.
type nowPlaying struct {
	topic   schemas.Topic
	payload any
	ts      time.Time
}

// forwarded lists the topic families mirrored to dashboard clients. The
// patterns do not overlap, so no event is delivered twice.
var forwarded = []schemas.Topic{
	"/system/*",
	schemas.Topic(schemas.StatusPrefix + "*"),
	"/voice/*",
	"/music/*",
	"/mic/*",
	"/dj/*",
	"/led/*",
	"/web/*",
	schemas.TopicLogEntry,
}

// Bridge is the web dashboard service.
type Bridge struct {
	*service.Base
	cfg  *config.Config
	cmd  Commander
	ring *logsink.Ring
	vers VersionSource

	router     http.Handler
	httpSrv    *http.Server
	metricsSrv *http.Server

	mu       sync.Mutex
	clients  map[*client]struct{}
	statuses map[string]schemas.StatusPayload
	mode     schemas.ModeChange
	playing  *nowPlaying
}

// New creates the bridge. The router is assembled immediately so tests and
// embedders can serve Handler() without starting the listeners.
func New(cfg *config.Config, b *bus.Bus, logger zerolog.Logger, clk clock.Clock, deps Deps) *Bridge {
	br := &Bridge{
		Base:     service.NewBase("bridge", b, logger, clk),
		cfg:      cfg,
		cmd:      deps.Commander,
		ring:     deps.Ring,
		vers:     deps.Versions,
		clients:  make(map[*client]struct{}),
		statuses: make(map[string]schemas.StatusPayload),
		mode:     schemas.ModeChange{Mode: schemas.ModeIdle},
	}
	br.router = br.routes()
	return br
}

// Handler returns the HTTP router.
func (b *Bridge) Handler() http.Handler { return b.router }

// Start subscribes the event mirror and binds the HTTP listeners. A port that
// cannot be bound is a configuration problem, so boot aborts.
func (b *Bridge) Start(ctx context.Context) error {
	b.Starting()

	for _, t := range forwarded {
		if err := b.Subscribe(t, b.onEvent); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", b.cfg.HTTPAddr())
	if err != nil {
		return cerr.FatalStartupf("bridge listen %s: %v", b.cfg.HTTPAddr(), err)
	}
	b.httpSrv = &http.Server{
		Handler: b.router,
		// Header deadline against slowloris only: WebSocket connections are
		// long-lived, so no full read or write deadline.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv := b.httpSrv
	b.Go("http", func(ctx context.Context) { b.serve(ctx, srv, ln, "http") })

	if b.cfg.MetricsBind != "" {
		mln, err := net.Listen("tcp", b.cfg.MetricsBind)
		if err != nil {
			return cerr.FatalStartupf("metrics listen %s: %v", b.cfg.MetricsBind, err)
		}
		b.metricsSrv = &http.Server{Handler: metricsMux(), ReadHeaderTimeout: 15 * time.Second}
		msrv := b.metricsSrv
		b.Go("metrics", func(ctx context.Context) { b.serve(ctx, msrv, mln, "metrics") })
	}

	b.Running("listening on " + ln.Addr().String())
	return nil
}

// Stop closes every dashboard socket, then shuts the listeners down through
// the base teardown.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	for cl := range b.clients {
		_ = cl.conn.Close(ws.StatusGoingAway, "server shutting down")
	}
	b.mu.Unlock()
	return b.StopBase(ctx)
}

func (b *Bridge) serve(ctx context.Context, srv *http.Server, ln net.Listener, name string) {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.ReportFailure(cerr.Unavailablef("%s server: %v", name, err))
		}
	}
}

// onEvent mirrors one bus event to every connected client and keeps the
// retained snapshot current. Commands relayed from a dashboard are not echoed
// back to dashboards.
func (b *Bridge) onEvent(ev bus.Event) {
	if strings.HasPrefix(string(ev.Topic), "/web/") && ev.Source == dispatch.SourceWeb {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rememberLocked(ev)
	if len(b.clients) == 0 {
		return
	}

	data, err := json.Marshal(envelope{Topic: string(ev.Topic), Data: ev.Payload, Timestamp: ev.TS})
	if err != nil {
		lg := b.Logger()
		lg.Warn().Err(err).Str("topic", string(ev.Topic)).Msg("unmarshalable payload, event not forwarded")
		return
	}
	protected := strings.HasPrefix(string(ev.Topic), schemas.StatusPrefix)
	for cl := range b.clients {
		if !cl.admit(ev.Topic) {
			telemetry.WSEventsDropped.Inc()
			continue
		}
		cl.enqueue(frame{protected: protected, data: data})
	}
}

func (b *Bridge) rememberLocked(ev bus.Event) {
	switch {
	case strings.HasPrefix(string(ev.Topic), schemas.StatusPrefix):
		if st, ok := ev.Payload.(schemas.StatusPayload); ok {
			b.statuses[st.Service] = st
		}
	case ev.Topic == schemas.TopicModeChange:
		if mc, ok := ev.Payload.(schemas.ModeChange); ok {
			b.mode = mc
		}
	case ev.Topic == schemas.TopicPlaybackStarted, ev.Topic == schemas.TopicPlaybackResumed:
		b.playing = &nowPlaying{topic: ev.Topic, payload: ev.Payload, ts: ev.TS}
	case ev.Topic == schemas.TopicPlaybackStopped:
		b.playing = nil
	}
}

// register queues the retained snapshot and adds the client, all under one
// lock so no live event can interleave with the replay.
func (b *Bridge) register(cl *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.snapshotLocked() {
		cl.enqueue(f)
	}
	b.clients[cl] = struct{}{}
}

func (b *Bridge) unregister(cl *client) {
	b.mu.Lock()
	delete(b.clients, cl)
	b.mu.Unlock()
}

// snapshotLocked builds the connect replay: current mode, current track, then
// per-service status ordered by name.
func (b *Bridge) snapshotLocked() []frame {
	frames := make([]frame, 0, len(b.statuses)+2)
	add := func(topic schemas.Topic, payload any, ts time.Time) {
		data, err := json.Marshal(envelope{Topic: string(topic), Data: payload, Timestamp: ts})
		if err != nil {
			return
		}
		frames = append(frames, frame{protected: true, data: data})
	}

	add(schemas.TopicModeChange, b.mode, b.mode.TS)
	if b.playing != nil {
		add(b.playing.topic, b.playing.payload, b.playing.ts)
	}
	names := make([]string, 0, len(b.statuses))
	for n := range b.statuses {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		st := b.statuses[n]
		add(schemas.StatusTopic(n), st, st.TS)
	}
	return frames
}

// handleWS runs one dashboard session: a read goroutine feeds parsed command
// frames to this loop, which owns every write on the connection.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	if st := b.State(); st != service.StateRunning && st != service.StateDegraded {
		http.Error(w, "bridge not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		lg := b.Logger()
		lg.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.WSClients.Inc()
	defer telemetry.WSClients.Dec()

	cl := newClient(conn, b.cfg.ProgressRateHz, b.cfg.LevelsRateHz)
	b.register(cl)
	defer b.unregister(cl)

	lg := b.Logger()
	lg.Debug().Str("remote", r.RemoteAddr).Msg("dashboard connected")

	ctx := r.Context()
	done := make(chan struct{})
	inbox := make(chan inbound, 16)
	go b.readLoop(ctx, conn, inbox, done)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "server shutting down")
			return

		case <-done:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-ping.C:
			if err := writePing(ctx, conn); err != nil {
				lg := b.Logger()
				lg.Debug().Err(err).Msg("ping failed")
				return
			}

		case <-cl.wake:
			for _, f := range cl.drain() {
				if err := conn.Write(ctx, ws.MessageText, f.data); err != nil {
					lg := b.Logger()
					lg.Debug().Err(err).Msg("websocket write failed")
					return
				}
			}

		case in := <-inbox:
			var ack schemas.Ack
			if in.err != nil {
				ack = schemas.Ack{
					CommandID: in.cmd.CommandID,
					Success:   false,
					Message:   in.err.Error(),
					ErrorCode: cerr.Code(in.err),
				}
			} else {
				ack = b.runCommand(ctx, in.cmd)
			}
			if data, err := json.Marshal(newAckFrame(ack)); err == nil {
				cl.enqueue(frame{protected: true, data: data})
			}
		}
	}
}

// readLoop parses inbound frames. Unparseable ones still produce an inbox
// entry so the client always hears back.
func (b *Bridge) readLoop(ctx context.Context, conn *ws.Conn, inbox chan<- inbound, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) != ws.StatusNormalClosure && ctx.Err() == nil {
				lg := b.Logger()
				lg.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}

		var cmd schemas.WebCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			select {
			case inbox <- inbound{err: cerr.Validationf("malformed command frame: %v", err)}:
			default:
			}
			continue
		}
		select {
		case inbox <- inbound{cmd: cmd}:
		default:
			lg := b.Logger()
			lg.Warn().Str("command", cmd.Command).Msg("command inbox full, frame dropped")
		}
	}
}

// runCommand validates one dashboard frame, records it on the bus and relays
// it to the dispatcher.
func (b *Bridge) runCommand(ctx context.Context, cmd schemas.WebCommand) schemas.Ack {
	commandID := cmd.CommandID
	if commandID == "" {
		commandID = uuid.NewString()
	}

	line, err := buildLine(cmd)
	if err != nil {
		b.EmitError(err)
		return schemas.Ack{CommandID: commandID, Success: false, Message: err.Error(), ErrorCode: cerr.Code(err)}
	}

	// Audit trail; the source filter in onEvent keeps it from echoing back.
	b.Bus().Emit(dispatch.SourceWeb, schemas.TopicWebCommand, schemas.WebCommand{
		Command:   cmd.Command,
		CommandID: commandID,
		Args:      cmd.Args,
	})

	return b.dispatch(ctx, commandID, line)
}

func (b *Bridge) dispatch(ctx context.Context, commandID, line string) schemas.Ack {
	dctx, cancel := context.WithTimeout(ctx, b.cfg.WebCommandTimeout())
	defer cancel()

	acks := make(chan schemas.Ack, 1)
	go func() { acks <- b.cmd.Dispatch(dctx, dispatch.SourceWeb, commandID, line) }()

	select {
	case ack := <-acks:
		return ack
	case <-dctx.Done():
		lg := b.Logger()
		lg.Warn().Str("line", line).Msg("command timed out")
		return schemas.Ack{
			CommandID: commandID,
			Success:   false,
			Message:   "command timed out",
			ErrorCode: cerr.CodeTimeout,
		}
	}
}

type pingFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func writePing(ctx context.Context, conn *ws.Conn) error {
	data, err := json.Marshal(pingFrame{Type: "ping", Timestamp: time.Now()})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, ws.MessageText, data)
}
