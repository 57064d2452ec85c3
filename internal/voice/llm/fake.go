/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake completes turns from a canned reply function. Tests queue errors with
// FailNext to exercise the retry path; Delay adds synthetic latency that
// respects the context.
type Fake struct {
	// Reply builds the response; nil echoes the prompt.
	Reply func(Turn) string
	// Delay is applied before answering.
	Delay time.Duration

	mu    sync.Mutex
	errs  []error
	calls []Turn
}

func (f *Fake) Complete(ctx context.Context, turn Turn) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, turn)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	reply := f.Reply
	delay := f.Delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if cerr := ctx.Err(); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", err
	}
	if reply != nil {
		return reply(turn), nil
	}
	return fmt.Sprintf("You said: %s", turn.Prompt), nil
}

// FailNext queues an error for the next Complete call.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

// Calls returns every turn seen so far.
func (f *Fake) Calls() []Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Turn(nil), f.calls...)
}
