/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bus implements the in-process event bus every CantinaOS service talks
// over. Topics are hierarchical strings, payloads are typed structs from the
// schemas package, and each subscription gets its own bounded mailbox drained by
// a dedicated goroutine, so handlers for one subscription always run in order.
//
// Publishing never fails. When a mailbox is full the bus either sheds the oldest
// queued event (status snapshots, progress and level meters) or blocks the
// publisher briefly and then drops the new event, counting every drop.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/telemetry"
)

const (
	// MailboxSize bounds each subscription's queue.
	MailboxSize = 256
	// PublishBlock is how long a publisher waits on a full non-lossy mailbox
	// before the new event is dropped.
	PublishBlock = 50 * time.Millisecond
)

// Event is the envelope delivered to handlers.
type Event struct {
	Topic   schemas.Topic
	Payload any
	Source  string
	TS      time.Time
	Seq     uint64
}

// Handler consumes one event. Handlers run on the subscription's mailbox
// goroutine and must not block on bus publishes to their own topic.
type Handler func(Event)

// Subscription is one registered handler with its mailbox.
type Subscription struct {
	ID      string
	Pattern schemas.Topic

	handler Handler
	mailbox chan Event
	done    chan struct{}
	once    sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// SubStats is a point-in-time snapshot of one subscription's counters.
type SubStats struct {
	ID        string
	Pattern   schemas.Topic
	Queued    int
	Delivered uint64
	Dropped   uint64
}

// Stats returns this subscription's counters.
func (s *Subscription) Stats() SubStats {
	return SubStats{
		ID:        s.ID,
		Pattern:   s.Pattern,
		Queued:    len(s.mailbox),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Dropped returns how many events this subscription has lost to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus routes events from publishers to subscription mailboxes.
type Bus struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	exact map[schemas.Topic][]*Subscription
	wild  []*Subscription

	seq    atomic.Uint64
	closed bool
}

// New builds an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "bus").Logger(),
		exact:  make(map[schemas.Topic][]*Subscription),
	}
}

// Subscribe registers handler for pattern. Patterns are exact topics or a
// prefix with one trailing wildcard segment, e.g. "/status/*". The returned
// subscription stays live until Unsubscribe or Close.
func (b *Bus) Subscribe(pattern schemas.Topic, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if len(pattern) == 0 || pattern[0] != '/' {
		return nil, ErrBadPattern
	}

	s := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		handler: handler,
		mailbox: make(chan Event, MailboxSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if isWildcard(pattern) {
		b.wild = append(b.wild, s)
	} else {
		b.exact[pattern] = append(b.exact[pattern], s)
	}
	b.mu.Unlock()

	go s.pump(b.logger)
	return s, nil
}

// Unsubscribe stops a subscription. Idempotent; events still queued in the
// mailbox are abandoned.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	if isWildcard(s.Pattern) {
		b.wild = removeSub(b.wild, s)
	} else {
		b.exact[s.Pattern] = removeSub(b.exact[s.Pattern], s)
		if len(b.exact[s.Pattern]) == 0 {
			delete(b.exact, s.Pattern)
		}
	}
	b.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Emit publishes asynchronously. It never returns an error; overflow is
// resolved per subscription by the topic's delivery class.
func (b *Bus) Emit(source string, topic schemas.Topic, payload any) {
	ev := Event{
		Topic:   topic,
		Payload: payload,
		Source:  source,
		TS:      time.Now(),
		Seq:     b.seq.Add(1),
	}
	telemetry.BusEventsPublished.WithLabelValues(string(topic)).Inc()
	for _, s := range b.match(topic) {
		b.deliver(ev, s)
	}
}

// EmitSync delivers in the caller's goroutine, bypassing mailboxes. Reserved
// for startup coordination where the publisher must know handlers have run.
func (b *Bus) EmitSync(source string, topic schemas.Topic, payload any) {
	ev := Event{
		Topic:   topic,
		Payload: payload,
		Source:  source,
		TS:      time.Now(),
		Seq:     b.seq.Add(1),
	}
	telemetry.BusEventsPublished.WithLabelValues(string(topic)).Inc()
	for _, s := range b.match(topic) {
		s.invoke(ev, b.logger)
		s.delivered.Add(1)
	}
}

// Close stops every subscription. The bus accepts no new ones afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.wild))
	for _, list := range b.exact {
		subs = append(subs, list...)
	}
	subs = append(subs, b.wild...)
	b.exact = make(map[schemas.Topic][]*Subscription)
	b.wild = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}
}

// Stats aggregates counters across all live subscriptions.
type Stats struct {
	Published     uint64
	Subscriptions int
	Delivered     uint64
	Dropped       uint64
}

// Stats returns bus-wide counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{Published: b.seq.Load()}
	collect := func(s *Subscription) {
		st.Subscriptions++
		st.Delivered += s.delivered.Load()
		st.Dropped += s.dropped.Load()
	}
	for _, list := range b.exact {
		for _, s := range list {
			collect(s)
		}
	}
	for _, s := range b.wild {
		collect(s)
	}
	return st
}

func (b *Bus) match(topic schemas.Topic) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*Subscription, 0, len(b.exact[topic])+len(b.wild))
	subs = append(subs, b.exact[topic]...)
	for _, s := range b.wild {
		if topic.Match(s.Pattern) {
			subs = append(subs, s)
		}
	}
	return subs
}

// deliver enqueues ev for one subscription, applying the overflow policy.
func (b *Bus) deliver(ev Event, s *Subscription) {
	if ev.Topic.Lossy() {
		// Stale snapshots are worthless: shed the oldest until there is room.
		for {
			select {
			case s.mailbox <- ev:
				s.delivered.Add(1)
				return
			case <-s.done:
				return
			default:
			}
			select {
			case <-s.mailbox:
				s.dropped.Add(1)
				telemetry.BusEventsDropped.WithLabelValues(string(ev.Topic)).Inc()
			case <-s.done:
				return
			default:
			}
		}
	}

	select {
	case s.mailbox <- ev:
		s.delivered.Add(1)
		return
	case <-s.done:
		return
	default:
	}
	t := time.NewTimer(PublishBlock)
	defer t.Stop()
	select {
	case s.mailbox <- ev:
		s.delivered.Add(1)
	case <-s.done:
	case <-t.C:
		s.dropped.Add(1)
		telemetry.BusEventsDropped.WithLabelValues(string(ev.Topic)).Inc()
		b.logger.Warn().
			Str("topic", string(ev.Topic)).
			Str("subscription", s.ID).
			Uint64("dropped_total", s.dropped.Load()).
			Msg("mailbox full, event dropped")
	}
}

// pump drains the mailbox until the subscription is closed.
func (s *Subscription) pump(logger zerolog.Logger) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.mailbox:
			s.invoke(ev, logger)
		}
	}
}

// invoke runs the handler with a last-resort panic guard. Services layer their
// own failure accounting on top; this only keeps the pump goroutine alive.
func (s *Subscription) invoke(ev Event, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.BusHandlerPanics.Inc()
			logger.Error().
				Interface("panic", r).
				Str("topic", string(ev.Topic)).
				Str("subscription", s.ID).
				Msg("handler panicked")
		}
	}()
	s.handler(ev)
}

func isWildcard(pattern schemas.Topic) bool {
	n := len(pattern)
	return n >= 2 && pattern[n-2] == '/' && pattern[n-1] == '*'
}

func removeSub(list []*Subscription, s *Subscription) []*Subscription {
	for i, cur := range list {
		if cur == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
