/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/friendsincode/cantina_os/internal/dispatch"
	"github.com/friendsincode/cantina_os/internal/schemas"
)

// runConsole is the operator REPL: one command per line, acks printed inline.
// A blocked stdin read cannot be interrupted, so the REPL runs as a goroutine
// and is abandoned when the process exits.
func runConsole(ctx context.Context, disp *dispatch.Dispatcher, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, `CantinaOS console ready. Type "help" for commands, "quit" to exit.`)
	fmt.Fprint(out, "cantina> ")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			printAck(out, disp.Dispatch(ctx, dispatch.SourceConsole, "", line))
		}
		fmt.Fprint(out, "cantina> ")
	}
}

func printAck(out io.Writer, ack schemas.Ack) {
	if !ack.Success {
		fmt.Fprintf(out, "error [%s]: %s\n", ack.ErrorCode, ack.Message)
		return
	}
	if ack.Message != "" {
		fmt.Fprintln(out, ack.Message)
	}
	if ack.Data != nil {
		if data, err := json.MarshalIndent(ack.Data, "", "  "); err == nil {
			fmt.Fprintln(out, string(data))
		}
	}
}
