package mode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/schemas"
)

type fakeEffector struct {
	mu      sync.Mutex
	applies [][2]schemas.Mode
	failErr error
	gate    chan struct{}
}

func (f *fakeEffector) Apply(ctx context.Context, from, to schemas.Mode) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, [2]schemas.Mode{from, to})
	err := f.failErr
	f.failErr = nil
	return err
}

func (f *fakeEffector) calls() [][2]schemas.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]schemas.Mode, len(f.applies))
	copy(out, f.applies)
	return out
}

func collect(t *testing.T, b *bus.Bus, pattern schemas.Topic) <-chan bus.Event {
	t.Helper()
	ch := make(chan bus.Event, 64)
	if _, err := b.Subscribe(pattern, func(ev bus.Event) { ch <- ev }); err != nil {
		t.Fatalf("subscribe %s: %v", pattern, err)
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan bus.Event, topic schemas.Topic) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func newTestManager(t *testing.T, fx Effector) (*Manager, *bus.Bus, <-chan bus.Event) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)
	events := collect(t, b, "/system/*")
	m := New(b, zerolog.Nop(), nil, fx)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, b, events
}

func TestTransitionOrderAndCommit(t *testing.T) {
	fx := &fakeEffector{}
	m, b, events := newTestManager(t, fx)

	b.Emit("test", schemas.TopicSetModeRequest, schemas.SetModeRequest{
		Mode: "interactive", Source: "test", CorrelationID: "c1",
	})

	waitEvent(t, events, schemas.TopicModeTransitionStarted)
	change := waitEvent(t, events, schemas.TopicModeChange).Payload.(schemas.ModeChange)
	if change.Mode != schemas.ModeInteractive || change.Previous != schemas.ModeIdle {
		t.Fatalf("unexpected mode change %+v", change)
	}
	done := waitEvent(t, events, schemas.TopicModeTransitionComplete).Payload.(schemas.ModeTransition)
	if done.CorrelationID != "c1" {
		t.Fatalf("expected correlation c1, got %q", done.CorrelationID)
	}
	if m.CurrentMode() != schemas.ModeInteractive {
		t.Fatalf("expected INTERACTIVE, got %s", m.CurrentMode())
	}

	calls := fx.calls()
	if len(calls) != 1 || calls[0] != [2]schemas.Mode{schemas.ModeIdle, schemas.ModeInteractive} {
		t.Fatalf("unexpected effector calls %v", calls)
	}
}

func TestSameModeCompletesWithoutSideEffects(t *testing.T) {
	fx := &fakeEffector{}
	m, b, events := newTestManager(t, fx)

	b.Emit("test", schemas.TopicSetModeRequest, schemas.SetModeRequest{
		Mode: "IDLE", Source: "test", CorrelationID: "same",
	})

	done := waitEvent(t, events, schemas.TopicModeTransitionComplete).Payload.(schemas.ModeTransition)
	if done.From != schemas.ModeIdle || done.To != schemas.ModeIdle {
		t.Fatalf("unexpected transition %+v", done)
	}
	if len(fx.calls()) != 0 {
		t.Fatalf("expected no side effects, got %v", fx.calls())
	}
	if m.CurrentMode() != schemas.ModeIdle {
		t.Fatalf("mode moved unexpectedly to %s", m.CurrentMode())
	}
}

func TestInvalidModeRejected(t *testing.T) {
	fx := &fakeEffector{}
	_, b, events := newTestManager(t, fx)

	b.Emit("test", schemas.TopicSetModeRequest, schemas.SetModeRequest{
		Mode: "PARTY", Source: "test", CorrelationID: "bad",
	})

	failed := waitEvent(t, events, schemas.TopicModeTransitionFailed).Payload.(schemas.ModeTransition)
	if failed.CorrelationID != "bad" {
		t.Fatalf("expected correlation bad, got %q", failed.CorrelationID)
	}
	serr := waitEvent(t, events, schemas.TopicSystemError).Payload.(schemas.SystemError)
	if serr.Code != cerr.CodeValidation {
		t.Fatalf("expected %s, got %s", cerr.CodeValidation, serr.Code)
	}
	if len(fx.calls()) != 0 {
		t.Fatalf("expected no side effects, got %v", fx.calls())
	}
}

func TestEffectorFailureReverts(t *testing.T) {
	fx := &fakeEffector{failErr: errors.New("mic busy")}
	m, b, events := newTestManager(t, fx)

	b.Emit("test", schemas.TopicSetModeRequest, schemas.SetModeRequest{
		Mode: "INTERACTIVE", Source: "test", CorrelationID: "f1",
	})

	failed := waitEvent(t, events, schemas.TopicModeTransitionFailed).Payload.(schemas.ModeTransition)
	if failed.Error == "" {
		t.Fatal("expected failure cause")
	}
	if m.CurrentMode() != schemas.ModeIdle {
		t.Fatalf("expected revert to IDLE, got %s", m.CurrentMode())
	}

	calls := fx.calls()
	want := [][2]schemas.Mode{
		{schemas.ModeIdle, schemas.ModeInteractive},
		{schemas.ModeInteractive, schemas.ModeIdle},
	}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("unexpected effector calls %v", calls)
	}
}

func TestQueuedRequestSupersededByNewer(t *testing.T) {
	fx := &fakeEffector{gate: make(chan struct{})}
	m, b, events := newTestManager(t, fx)

	b.Emit("test", schemas.TopicSetModeRequest, schemas.SetModeRequest{
		Mode: "AMBIENT", Source: "test", CorrelationID: "a",
	})
	// Once the started event is out, request "a" is in flight, not queued.
	waitEvent(t, events, schemas.TopicModeTransitionStarted)

	b.Emit("test", schemas.TopicSetModeRequest, schemas.SetModeRequest{
		Mode: "INTERACTIVE", Source: "test", CorrelationID: "b",
	})
	b.Emit("test", schemas.TopicSetModeRequest, schemas.SetModeRequest{
		Mode: "IDLE", Source: "test", CorrelationID: "c",
	})

	failed := waitEvent(t, events, schemas.TopicModeTransitionFailed).Payload.(schemas.ModeTransition)
	if failed.CorrelationID != "b" {
		t.Fatalf("expected queued request b to be superseded, got %q", failed.CorrelationID)
	}

	close(fx.gate)

	for {
		done := waitEvent(t, events, schemas.TopicModeTransitionComplete).Payload.(schemas.ModeTransition)
		if done.CorrelationID == "c" {
			break
		}
	}
	if m.CurrentMode() != schemas.ModeIdle {
		t.Fatalf("expected IDLE after queue drain, got %s", m.CurrentMode())
	}
}

func TestBusEffectorEmitsModeCommands(t *testing.T) {
	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)

	music := collect(t, b, schemas.TopicMusicCommand)
	mic := collect(t, b, schemas.TopicMicStartRequest)
	led := collect(t, b, schemas.TopicLEDCommand)

	fx := NewBusEffector(b)
	if err := fx.Apply(context.Background(), schemas.ModeIdle, schemas.ModeInteractive); err != nil {
		t.Fatalf("apply: %v", err)
	}
	waitEvent(t, mic, schemas.TopicMicStartRequest)
	cmd := waitEvent(t, led, schemas.TopicLEDCommand).Payload.(schemas.LEDCommand)
	if cmd.Pattern != schemas.LEDPatternListening {
		t.Fatalf("expected listening pattern, got %q", cmd.Pattern)
	}

	if err := fx.Apply(context.Background(), schemas.ModeInteractive, schemas.ModeIdle); err != nil {
		t.Fatalf("apply: %v", err)
	}
	mc := waitEvent(t, music, schemas.TopicMusicCommand).Payload.(schemas.MusicCommand)
	if mc.Action != schemas.MusicActionStop {
		t.Fatalf("expected stop, got %q", mc.Action)
	}
}
