/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logsink

import (
	"encoding/json"
	"time"

	"github.com/friendsincode/cantina_os/internal/schemas"
)

// writer adapts the sink to io.Writer so it can sit inside the zerolog
// MultiLevelWriter chain. Each Write call receives one JSON log record.
type writer struct {
	sink *Sink
}

func (w *writer) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		// Not JSON (console writer noise); count it and move on.
		w.sink.malformed.Add(1)
		return len(p), nil
	}

	entry := schemas.LogEntry{
		TS:     time.Now(),
		Fields: make(map[string]any),
	}
	if lvl, ok := raw["level"].(string); ok {
		entry.Level = lvl
		delete(raw, "level")
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
		delete(raw, "message")
	}
	if comp, ok := raw["component"].(string); ok {
		entry.Logger = comp
		delete(raw, "component")
	}
	if ts, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.TS = t
		}
		delete(raw, "time")
	}
	for k, v := range raw {
		entry.Fields[k] = v
	}
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	w.sink.ingest(entry)
	return len(p), nil
}
