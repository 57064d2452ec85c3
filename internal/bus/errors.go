/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package bus

import "errors"

var (
	// ErrNilHandler is returned by Subscribe when no handler is given.
	ErrNilHandler = errors.New("nil handler")
	// ErrBadPattern is returned for patterns that are not rooted topic paths.
	ErrBadPattern = errors.New("pattern must start with '/'")
	// ErrBusClosed is returned by Subscribe after Close.
	ErrBusClosed = errors.New("bus closed")
)
