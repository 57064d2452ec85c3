/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package llm defines the language-model port used for conversation turns and
// DJ commentary. Vendor adapters live out of tree.
package llm

import "context"

// Turn is one completion request. Prompt is the user transcript for a
// conversation turn, or a prepared instruction for commentary.
type Turn struct {
	Persona string
	Prompt  string
}

// Client produces one reply per turn.
type Client interface {
	Complete(ctx context.Context, turn Turn) (string, error)
}
