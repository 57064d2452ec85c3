/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logsink fans every zerolog record into three places: an in-memory
// ring for the dashboard, a session .jsonl file written by a single goroutine,
// and the /log/entry bus topic. Identical records inside the dedup window are
// folded into one entry with a repeat count. Loggers on the bus filter list
// are never re-emitted, which breaks the bridge -> log -> bridge feedback loop.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
	"github.com/friendsincode/cantina_os/internal/telemetry"
)

// Config tunes the sink.
type Config struct {
	RingCapacity  int
	QueueCapacity int
	DedupWindow   time.Duration
	Dir           string   // session log directory
	BusFilter     []string // logger names never re-emitted on the bus
}

// DefaultBusFilter lists the transports that would echo their own output.
var DefaultBusFilter = []string{"bridge", "bus", "logsink"}

// Sink is the fan-in core. It carries no bus dependency so it can be built
// before logging is configured; the Service wrapper attaches the bus later.
type Sink struct {
	cfg  Config
	clk  clock.Clock
	ring *Ring

	queue     chan schemas.LogEntry
	malformed atomic.Uint64
	dropped   atomic.Uint64

	mu       sync.Mutex
	last     schemas.LogEntry
	lastAt   time.Time
	repeats  int
	publish  func(schemas.LogEntry)
	filter   map[string]bool
	file     io.WriteCloser
	filePath string
}

// New builds a sink with defaults filled in.
func New(cfg Config, clk clock.Clock) *Sink {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 2000
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Second
	}
	if cfg.BusFilter == nil {
		cfg.BusFilter = DefaultBusFilter
	}
	if clk == nil {
		clk = clock.New()
	}
	filter := make(map[string]bool, len(cfg.BusFilter))
	for _, name := range cfg.BusFilter {
		filter[name] = true
	}
	return &Sink{
		cfg:    cfg,
		clk:    clk,
		ring:   NewRing(cfg.RingCapacity),
		queue:  make(chan schemas.LogEntry, cfg.QueueCapacity),
		filter: filter,
	}
}

// Writer returns the io.Writer to hang into the zerolog writer chain.
func (s *Sink) Writer() io.Writer { return &writer{sink: s} }

// Ring exposes the query surface for the bridge.
func (s *Sink) Ring() *Ring { return s.ring }

// SetPublish installs (or removes) the bus re-emit hook.
func (s *Sink) SetPublish(fn func(schemas.LogEntry)) {
	s.mu.Lock()
	s.publish = fn
	s.mu.Unlock()
}

// Counters returns how many records were dropped (full queue) or unparsable.
func (s *Sink) Counters() (dropped, malformed uint64) {
	return s.dropped.Load(), s.malformed.Load()
}

// SessionFilePath returns the session log path, empty until Open succeeds.
func (s *Sink) SessionFilePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filePath
}

// Open creates the session log file. The sink still works without it: ring
// and bus fan-out continue, file writes are skipped.
func (s *Sink) Open() error {
	if s.cfg.Dir == "" {
		return fmt.Errorf("no log directory configured")
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	name := "session-" + s.clk.Now().Format("20060102-150405") + ".jsonl"
	path := filepath.Join(s.cfg.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	s.mu.Lock()
	s.file = f
	s.filePath = path
	s.mu.Unlock()
	return nil
}

// Run consumes the write queue until ctx is cancelled. It is the only
// goroutine that touches the session file.
func (s *Sink) Run(ctx context.Context) {
	ticker := s.clk.Ticker(s.cfg.DedupWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.closeFile()
			return
		case e := <-s.queue:
			s.writeEntry(e)
		case <-ticker.C:
			s.flushStaleFold()
		}
	}
}

// ingest is the entry point from the zerolog writer adapter.
func (s *Sink) ingest(e schemas.LogEntry) {
	now := s.clk.Now()

	s.mu.Lock()
	if s.isDupLocked(e, now) {
		s.repeats++
		s.lastAt = now
		s.ring.AmendLastRepeat(s.repeats)
		s.mu.Unlock()
		return
	}
	fold, hasFold := s.takeFoldLocked()
	s.last = e
	s.lastAt = now
	s.ring.Add(e)
	s.mu.Unlock()

	if hasFold {
		s.emit(fold)
	}
	s.emit(e)
}

// emit enqueues for the file writer and re-publishes on the bus unless the
// logger is filtered.
func (s *Sink) emit(e schemas.LogEntry) {
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
		telemetry.LogEntriesDropped.Inc()
	}

	s.mu.Lock()
	pub := s.publish
	filtered := s.filter[e.Logger]
	s.mu.Unlock()
	if pub != nil && !filtered {
		pub(e)
	}
}

func (s *Sink) isDupLocked(e schemas.LogEntry, now time.Time) bool {
	return s.last.Message != "" &&
		e.Logger == s.last.Logger &&
		e.Level == s.last.Level &&
		e.Message == s.last.Message &&
		now.Sub(s.lastAt) <= s.cfg.DedupWindow
}

// takeFoldLocked returns the pending fold summary, if a streak was running.
func (s *Sink) takeFoldLocked() (schemas.LogEntry, bool) {
	if s.repeats == 0 {
		return schemas.LogEntry{}, false
	}
	fold := s.last
	fold.Repeat = s.repeats
	s.repeats = 0
	return fold, true
}

// flushStaleFold closes out a repeat streak that stopped without a new entry.
func (s *Sink) flushStaleFold() {
	s.mu.Lock()
	if s.repeats == 0 || s.clk.Now().Sub(s.lastAt) <= s.cfg.DedupWindow {
		s.mu.Unlock()
		return
	}
	fold, _ := s.takeFoldLocked()
	s.last = schemas.LogEntry{}
	s.mu.Unlock()
	s.emit(fold)
}

func (s *Sink) writeEntry(e schemas.LogEntry) {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		// Writing about a write failure would loop; keep it off the logger.
		fmt.Fprintf(os.Stderr, "logsink: session file write failed: %v\n", err)
	}
}

func (s *Sink) drain() {
	for {
		select {
		case e := <-s.queue:
			s.writeEntry(e)
		default:
			return
		}
	}
}

func (s *Sink) closeFile() {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}

// Service wraps the sink in the standard lifecycle so the supervisor can
// manage it and its status appears on the bus.
type Service struct {
	*service.Base
	sink *Sink
}

// NewService binds an already-wired sink to the bus.
func NewService(sink *Sink, b *bus.Bus, logger zerolog.Logger, clk clock.Clock) *Service {
	return &Service{
		Base: service.NewBase("logsink", b, logger, clk),
		sink: sink,
	}
}

// Start opens the session file and begins the writer loop.
func (s *Service) Start(_ context.Context) error {
	s.Starting()
	s.sink.SetPublish(func(e schemas.LogEntry) {
		s.Emit(schemas.TopicLogEntry, e)
	})
	openErr := s.sink.Open()
	s.Go("writer", s.sink.Run)
	if openErr != nil {
		lg := s.Logger()
		lg.Warn().Err(openErr).Msg("session file unavailable, ring and bus only")
		s.Degraded(openErr.Error())
		return nil
	}
	s.Running("session log " + s.sink.SessionFilePath())
	return nil
}

// Stop detaches the bus hook and drains the writer.
func (s *Service) Stop(ctx context.Context) error {
	s.sink.SetPublish(nil)
	return s.StopBase(ctx)
}
