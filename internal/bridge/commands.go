/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package bridge

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/schemas"
)

// webVerb describes one dashboard-invocable command: the JSON Schema its args
// must satisfy and how validated args become a dispatcher line.
type webVerb struct {
	schema *gojsonschema.Schema
	build  func(args map[string]any) string
}

const schemaNoArgs = `{
	"type": "object",
	"additionalProperties": false
}`

const schemaPlayMusic = `{
	"type": "object",
	"required": ["track"],
	"properties": {
		"track": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const schemaVolume = `{
	"type": "object",
	"required": ["level"],
	"properties": {
		"level": {"type": "integer", "minimum": 0, "maximum": 100}
	},
	"additionalProperties": false
}`

const schemaDJStart = `{
	"type": "object",
	"properties": {
		"crossfade_sec": {"type": "number", "minimum": 0}
	},
	"additionalProperties": false
}`

const schemaEyes = `{
	"type": "object",
	"required": ["pattern"],
	"properties": {
		"pattern": {"type": "string", "enum": ["ambient", "dj", "error", "happy", "idle", "listening", "speaking", "thinking"]}
	},
	"additionalProperties": false
}`

const schemaSay = `{
	"type": "object",
	"required": ["text"],
	"properties": {
		"text": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

var webVerbs = map[string]*webVerb{
	"engage":       {schema: mustSchema(schemaNoArgs), build: constLine("engage")},
	"disengage":    {schema: mustSchema(schemaNoArgs), build: constLine("disengage")},
	"ambient":      {schema: mustSchema(schemaNoArgs), build: constLine("ambient")},
	"status":       {schema: mustSchema(schemaNoArgs), build: constLine("status")},
	"list_music":   {schema: mustSchema(schemaNoArgs), build: constLine("list music")},
	"stop_music":   {schema: mustSchema(schemaNoArgs), build: constLine("stop music")},
	"pause_music":  {schema: mustSchema(schemaNoArgs), build: constLine("pause music")},
	"resume_music": {schema: mustSchema(schemaNoArgs), build: constLine("resume music")},
	"next_track":   {schema: mustSchema(schemaNoArgs), build: constLine("next track")},
	"dj_stop":      {schema: mustSchema(schemaNoArgs), build: constLine("dj stop")},
	"dj_next":      {schema: mustSchema(schemaNoArgs), build: constLine("dj next")},
	"play_music": {schema: mustSchema(schemaPlayMusic), build: func(args map[string]any) string {
		return "play music " + args["track"].(string)
	}},
	"volume": {schema: mustSchema(schemaVolume), build: func(args map[string]any) string {
		return "volume " + strconv.Itoa(int(args["level"].(float64)))
	}},
	"dj_start": {schema: mustSchema(schemaDJStart), build: func(args map[string]any) string {
		if v, ok := args["crossfade_sec"].(float64); ok {
			return "dj start --crossfade=" + strconv.FormatFloat(v, 'f', -1, 64)
		}
		return "dj start"
	}},
	"eyes": {schema: mustSchema(schemaEyes), build: func(args map[string]any) string {
		return "eyes " + args["pattern"].(string)
	}},
	"say": {schema: mustSchema(schemaSay), build: func(args map[string]any) string {
		return "say " + args["text"].(string)
	}},
}

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic("bridge: bad command schema: " + err.Error())
	}
	return s
}

func constLine(line string) func(map[string]any) string {
	return func(map[string]any) string { return line }
}

// buildLine validates one inbound frame and renders the dispatcher line.
// Invalid frames never reach the dispatcher.
func buildLine(cmd schemas.WebCommand) (string, error) {
	if cmd.Command == "" {
		return "", cerr.Validationf("command frame missing command")
	}
	if cmd.Command == "quit" {
		return "", cerr.Validationf("quit is console-only")
	}
	v, ok := webVerbs[cmd.Command]
	if !ok {
		return "", cerr.Validationf("unknown command %q", cmd.Command)
	}

	raw := cmd.Args
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return "", cerr.Validationf("args for %q: %v", cmd.Command, err)
	}
	if !res.Valid() {
		return "", cerr.Validationf("invalid args for %q: %s", cmd.Command, schemaErrors(res))
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", cerr.Validationf("args for %q: %v", cmd.Command, err)
	}
	return v.build(args), nil
}

func schemaErrors(res *gojsonschema.Result) string {
	parts := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}

// ackFrame is the wire form of a command acknowledgement. Successes carry
// message, failures carry error plus error_code.
type ackFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func newAckFrame(ack schemas.Ack) ackFrame {
	f := ackFrame{
		Type:      "ack",
		CommandID: ack.CommandID,
		Success:   ack.Success,
		ErrorCode: ack.ErrorCode,
		Data:      ack.Data,
	}
	if ack.Success {
		f.Message = ack.Message
	} else {
		f.Error = ack.Message
	}
	return f
}
