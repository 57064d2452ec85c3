package cerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestConstructorsWrapTheirClass(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		code     string
	}{
		{Validationf("unknown command %q", "warp"), ErrValidation, CodeValidation},
		{WrongModef("dj requires INTERACTIVE, in %s", "IDLE"), ErrWrongMode, CodeWrongMode},
		{Transientf("stt stream reset"), ErrTransient, CodeTransient},
		{Unavailablef("audio device init: %v", errors.New("no ALSA")), ErrResourceUnavailable, CodeResourceUnavailable},
		{FatalStartupf("bridge listen %s", "0.0.0.0:80"), ErrFatalStartup, CodeFatalStartup},
	}
	for _, c := range cases {
		if !errors.Is(c.err, c.sentinel) {
			t.Errorf("%v does not wrap %v", c.err, c.sentinel)
		}
		if got := Code(c.err); got != c.code {
			t.Errorf("Code(%v) = %q, want %q", c.err, got, c.code)
		}
	}
}

func TestCodeSeesThroughWrapping(t *testing.T) {
	inner := Transientf("llm request failed")
	wrapped := fmt.Errorf("turn 42: %w", inner)
	if got := Code(wrapped); got != CodeTransient {
		t.Fatalf("Code(wrapped) = %q", got)
	}
	if !Retryable(wrapped) {
		t.Fatalf("wrapped transient not retryable")
	}
}

func TestCodeFallbacks(t *testing.T) {
	if got := Code(nil); got != "" {
		t.Fatalf("Code(nil) = %q", got)
	}
	if got := Code(errors.New("plain")); got != CodeInternal {
		t.Fatalf("Code(plain) = %q", got)
	}
	if got := Code(context.DeadlineExceeded); got != CodeTimeout {
		t.Fatalf("Code(deadline) = %q", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	if got := Code(fmt.Errorf("tts synth: %w", ctx.Err())); got != CodeTimeout {
		t.Fatalf("Code(ctx timeout) = %q", got)
	}
}

func TestOnlyTransientIsRetryable(t *testing.T) {
	if Retryable(Validationf("nope")) || Retryable(Unavailablef("gone")) || Retryable(nil) {
		t.Fatalf("non-transient classes must not retry")
	}
}

func TestConstructorMessageKeepsArgsInOrder(t *testing.T) {
	err := Validationf("unknown command %q", "warp")
	want := `unknown command "warp": validation error`
	if err.Error() != want {
		t.Fatalf("message = %q, want %q", err.Error(), want)
	}
}
