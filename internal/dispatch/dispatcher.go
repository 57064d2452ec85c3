/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dispatch turns operator command lines into bus commands. The console
// and the web bridge both feed it; every dispatch returns a uniform ack.
package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
	"github.com/friendsincode/cantina_os/internal/telemetry"
)

// SourceConsole and SourceWeb identify the two command origins.
const (
	SourceConsole = "console"
	SourceWeb     = "web_dashboard"
)

// ModeSource reports the committed system mode.
type ModeSource interface {
	CurrentMode() schemas.Mode
}

// verb is one entry in the command table.
type verb struct {
	key     string
	usage   string
	minArgs int
	maxArgs int // -1 means unbounded
	handle  func(d *Dispatcher, req requestCtx) schemas.Ack
}

// requestCtx carries one parsed command through its handler.
type requestCtx struct {
	ctx       context.Context
	source    string
	commandID string
	args      []string
}

// Dispatcher is the command dispatch service. It caches the music library
// listing and the per-service status snapshots its verbs report on.
type Dispatcher struct {
	*service.Base
	modes ModeSource
	verbs map[string]*verb

	mu       sync.RWMutex
	library  []schemas.Track
	statuses map[string]schemas.StatusPayload
}

// New creates the dispatcher. modes may be nil until SetModeSource is called
// during wiring (the mode manager is constructed after the dispatcher's bus).
func New(b *bus.Bus, logger zerolog.Logger, clk clock.Clock, modes ModeSource) *Dispatcher {
	d := &Dispatcher{
		Base:     service.NewBase("dispatch", b, logger, clk),
		modes:    modes,
		statuses: make(map[string]schemas.StatusPayload),
	}
	d.verbs = verbTable()
	return d
}

// SetModeSource wires the mode manager in after construction.
func (d *Dispatcher) SetModeSource(m ModeSource) { d.modes = m }

// Start subscribes the caches.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.Starting()
	if err := d.Subscribe(schemas.TopicLibraryUpdated, d.onLibraryUpdated); err != nil {
		return err
	}
	if err := d.Subscribe(schemas.Topic(schemas.StatusPrefix+"*"), d.onStatus); err != nil {
		return err
	}
	d.Running("")
	return nil
}

// Stop tears down subscriptions.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.StopBase(ctx)
}

func (d *Dispatcher) onLibraryUpdated(ev bus.Event) {
	lib, ok := ev.Payload.(schemas.LibraryUpdated)
	if !ok {
		d.ReportFailure(cerr.Validationf("library_updated payload is %T", ev.Payload))
		return
	}
	d.mu.Lock()
	d.library = lib.Tracks
	d.mu.Unlock()
}

func (d *Dispatcher) onStatus(ev bus.Event) {
	st, ok := ev.Payload.(schemas.StatusPayload)
	if !ok {
		return
	}
	d.mu.Lock()
	d.statuses[st.Service] = st
	d.mu.Unlock()
}

// Listing returns the cached library in listing order.
func (d *Dispatcher) Listing() []schemas.Track {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]schemas.Track, len(d.library))
	copy(out, d.library)
	return out
}

// Dispatch parses and executes one command line. commandID may be empty, in
// which case one is generated; the returned ack always carries it. Dispatch
// never panics on malformed input.
func (d *Dispatcher) Dispatch(ctx context.Context, source, commandID, line string) schemas.Ack {
	if commandID == "" {
		commandID = uuid.NewString()
	}
	if err := ctx.Err(); err != nil {
		return d.fail(commandID, "cancelled", err, "")
	}

	key, args, v, err := d.parse(line)
	if err != nil {
		d.EmitError(err)
		telemetry.CommandsTotal.WithLabelValues(key, "error").Inc()
		return d.fail(commandID, err.Error(), err, d.usageHint(key))
	}

	lg := d.Logger()
	lg.Debug().Str("verb", key).Str("source", source).Msg("dispatch")
	ack := v.handle(d, requestCtx{ctx: ctx, source: source, commandID: commandID, args: args})
	outcome := "ok"
	if !ack.Success {
		outcome = "error"
	}
	telemetry.CommandsTotal.WithLabelValues(key, outcome).Inc()
	return ack
}

// parse tokenizes a line and resolves it against the verb table. Two-word
// verbs ("play music") are matched before one-word ones.
func (d *Dispatcher) parse(line string) (string, []string, *verb, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "unknown", nil, nil, cerr.Validationf("empty command")
	}

	if len(fields) >= 2 {
		key := strings.ToLower(fields[0]) + "_" + strings.ToLower(fields[1])
		if v, ok := d.verbs[key]; ok {
			args := fields[2:]
			if err := checkArity(v, args); err != nil {
				return key, nil, nil, err
			}
			return key, args, v, nil
		}
	}

	key := strings.ToLower(fields[0])
	if v, ok := d.verbs[key]; ok {
		args := fields[1:]
		if err := checkArity(v, args); err != nil {
			return key, nil, nil, err
		}
		return key, args, v, nil
	}

	return "unknown", nil, nil, cerr.Validationf("unknown command %q", fields[0])
}

func checkArity(v *verb, args []string) error {
	if len(args) < v.minArgs {
		return cerr.Validationf("usage: %s", v.usage)
	}
	if v.maxArgs >= 0 && len(args) > v.maxArgs {
		return cerr.Validationf("usage: %s", v.usage)
	}
	return nil
}

// usageHint returns the usage string for a verb key, or the full sorted usage
// list for unknown verbs.
func (d *Dispatcher) usageHint(key string) string {
	if v, ok := d.verbs[key]; ok {
		return v.usage
	}
	usages := make([]string, 0, len(d.verbs))
	for _, v := range d.verbs {
		usages = append(usages, v.usage)
	}
	sort.Strings(usages)
	return strings.Join(usages, "; ")
}

func (d *Dispatcher) ok(commandID, message string, data any) schemas.Ack {
	return schemas.Ack{CommandID: commandID, Success: true, Message: message, Data: data}
}

func (d *Dispatcher) fail(commandID, message string, err error, usage string) schemas.Ack {
	ack := schemas.Ack{
		CommandID: commandID,
		Success:   false,
		Message:   message,
		ErrorCode: cerr.Code(err),
	}
	if usage != "" {
		ack.Data = map[string]any{"usage": usage}
	}
	return ack
}

// currentMode is nil-safe so the dispatcher degrades if wired without a mode
// manager (tests, partial boots).
func (d *Dispatcher) currentMode() schemas.Mode {
	if d.modes == nil {
		return ""
	}
	return d.modes.CurrentMode()
}
