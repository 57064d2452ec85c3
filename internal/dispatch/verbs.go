/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/schemas"
)

// listingEntry is one row of the "list music" ack data.
type listingEntry struct {
	Index       int     `json:"index"`
	Title       string  `json:"title"`
	DurationSec float64 `json:"duration_sec"`
}

func verbTable() map[string]*verb {
	verbs := []*verb{
		{key: "engage", usage: "engage", handle: func(d *Dispatcher, req requestCtx) schemas.Ack {
			return d.requestMode(req, schemas.ModeInteractive)
		}},
		{key: "disengage", usage: "disengage", handle: func(d *Dispatcher, req requestCtx) schemas.Ack {
			return d.requestMode(req, schemas.ModeIdle)
		}},
		{key: "ambient", usage: "ambient", handle: func(d *Dispatcher, req requestCtx) schemas.Ack {
			return d.requestMode(req, schemas.ModeAmbient)
		}},
		{key: "status", usage: "status", handle: handleStatus},
		{key: "help", usage: "help", handle: handleHelp},
		{key: "list_music", usage: "list music", handle: handleListMusic},
		{key: "play_music", usage: "play music <number|name>", minArgs: 1, maxArgs: -1, handle: handlePlayMusic},
		{key: "stop_music", usage: "stop music", handle: musicAction(schemas.MusicActionStop, "music stopped")},
		{key: "pause_music", usage: "pause music", handle: musicAction(schemas.MusicActionPause, "music paused")},
		{key: "resume_music", usage: "resume music", handle: musicAction(schemas.MusicActionResume, "music resumed")},
		{key: "next_track", usage: "next track", handle: musicAction(schemas.MusicActionNext, "skipping to next track")},
		{key: "volume", usage: "volume <0..100>", minArgs: 1, maxArgs: 1, handle: handleVolume},
		{key: "dj_start", usage: "dj start [--crossfade SECONDS]", maxArgs: 2, handle: handleDJStart},
		{key: "dj_stop", usage: "dj stop", handle: djAction(schemas.DJActionStop, "dj session stopping")},
		{key: "dj_next", usage: "dj next", handle: djAction(schemas.DJActionNext, "dj transition forced")},
		{key: "eyes", usage: "eyes <pattern>", minArgs: 1, maxArgs: 1, handle: handleEyes},
		{key: "say", usage: "say <text>", minArgs: 1, maxArgs: -1, handle: handleSay},
		{key: "quit", usage: "quit", handle: handleQuit},
	}

	m := make(map[string]*verb, len(verbs))
	for _, v := range verbs {
		m[v.key] = v
	}
	return m
}

func (d *Dispatcher) requestMode(req requestCtx, target schemas.Mode) schemas.Ack {
	d.Emit(schemas.TopicSetModeRequest, schemas.SetModeRequest{
		Mode:          string(target),
		Source:        req.source,
		CorrelationID: req.commandID,
	})
	return d.ok(req.commandID, fmt.Sprintf("mode %s requested", target), nil)
}

func handleStatus(d *Dispatcher, req requestCtx) schemas.Ack {
	d.mu.RLock()
	services := make(map[string]map[string]any, len(d.statuses))
	for name, st := range d.statuses {
		services[name] = map[string]any{
			"state":     st.State,
			"detail":    st.Detail,
			"uptime_ms": st.UptimeMS,
		}
	}
	d.mu.RUnlock()

	mode := d.currentMode()
	data := map[string]any{"mode": mode, "services": services}
	return d.ok(req.commandID, fmt.Sprintf("%d services, mode %s", len(services), mode), data)
}

func handleHelp(d *Dispatcher, req requestCtx) schemas.Ack {
	usages := make([]string, 0, len(d.verbs))
	for _, v := range d.verbs {
		usages = append(usages, v.usage)
	}
	sort.Strings(usages)
	return d.ok(req.commandID, strings.Join(usages, "\n"), nil)
}

func handleListMusic(d *Dispatcher, req requestCtx) schemas.Ack {
	listing := d.Listing()
	entries := make([]listingEntry, len(listing))
	for i, tr := range listing {
		entries[i] = listingEntry{Index: i + 1, Title: tr.Title, DurationSec: tr.DurationSec}
	}
	return d.ok(req.commandID, fmt.Sprintf("%d tracks", len(entries)), map[string]any{"tracks": entries})
}

func handlePlayMusic(d *Dispatcher, req requestCtx) schemas.Ack {
	ref := strings.Join(req.args, " ")
	track, err := d.resolveTrack(ref)
	if err != nil {
		d.EmitError(err)
		return d.fail(req.commandID, err.Error(), err, "")
	}
	d.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{
		Action:        schemas.MusicActionPlay,
		Track:         track.Path,
		Source:        req.source,
		CorrelationID: req.commandID,
	})
	return d.ok(req.commandID, fmt.Sprintf("playing %q", track.Title), nil)
}

func musicAction(action, message string) func(*Dispatcher, requestCtx) schemas.Ack {
	return func(d *Dispatcher, req requestCtx) schemas.Ack {
		d.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{
			Action:        action,
			Source:        req.source,
			CorrelationID: req.commandID,
		})
		return d.ok(req.commandID, message, nil)
	}
}

func handleVolume(d *Dispatcher, req requestCtx) schemas.Ack {
	n, err := strconv.Atoi(req.args[0])
	if err != nil || n < 0 || n > 100 {
		verr := cerr.Validationf("volume must be an integer 0..100, got %q", req.args[0])
		d.EmitError(verr)
		return d.fail(req.commandID, verr.Error(), verr, "volume <0..100>")
	}
	d.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{
		Action:        schemas.MusicActionVolume,
		Volume:        float64(n) / 100,
		Source:        req.source,
		CorrelationID: req.commandID,
	})
	return d.ok(req.commandID, fmt.Sprintf("volume %d%%", n), nil)
}

func handleDJStart(d *Dispatcher, req requestCtx) schemas.Ack {
	var crossfadeSec float64
	args := req.args
	for i := 0; i < len(args); i++ {
		var raw string
		switch {
		case args[i] == "--crossfade":
			if i+1 >= len(args) {
				verr := cerr.Validationf("--crossfade needs a value")
				return d.fail(req.commandID, verr.Error(), verr, "dj start [--crossfade SECONDS]")
			}
			raw = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--crossfade="):
			raw = strings.TrimPrefix(args[i], "--crossfade=")
		default:
			verr := cerr.Validationf("unknown flag %q", args[i])
			return d.fail(req.commandID, verr.Error(), verr, "dj start [--crossfade SECONDS]")
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			verr := cerr.Validationf("crossfade seconds must be a non-negative number, got %q", raw)
			return d.fail(req.commandID, verr.Error(), verr, "dj start [--crossfade SECONDS]")
		}
		crossfadeSec = v
	}
	d.Emit(schemas.TopicDJCommand, schemas.DJCommand{
		Action:       schemas.DJActionStart,
		CrossfadeSec: crossfadeSec,
		Source:       req.source,
	})
	return d.ok(req.commandID, "dj session starting", nil)
}

func djAction(action, message string) func(*Dispatcher, requestCtx) schemas.Ack {
	return func(d *Dispatcher, req requestCtx) schemas.Ack {
		d.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: action, Source: req.source})
		return d.ok(req.commandID, message, nil)
	}
}

var ledPatterns = map[string]bool{
	schemas.LEDPatternIdle:      true,
	schemas.LEDPatternSpeaking:  true,
	schemas.LEDPatternThinking:  true,
	schemas.LEDPatternListening: true,
	schemas.LEDPatternError:     true,
	schemas.LEDPatternHappy:     true,
	schemas.LEDPatternDJ:        true,
	schemas.LEDPatternAmbient:   true,
}

func handleEyes(d *Dispatcher, req requestCtx) schemas.Ack {
	pattern := strings.ToLower(req.args[0])
	if !ledPatterns[pattern] {
		names := make([]string, 0, len(ledPatterns))
		for p := range ledPatterns {
			names = append(names, p)
		}
		sort.Strings(names)
		verr := cerr.Validationf("unknown pattern %q (valid: %s)", req.args[0], strings.Join(names, ", "))
		d.EmitError(verr)
		return d.fail(req.commandID, verr.Error(), verr, "eyes <pattern>")
	}
	d.Emit(schemas.TopicLEDCommand, schemas.LEDCommand{
		Pattern:    pattern,
		Brightness: -1,
		Source:     req.source,
	})
	return d.ok(req.commandID, "eyes "+pattern, nil)
}

// handleSay routes straight to synthesis: the voice coordinator speaks any
// response_text it did not produce itself.
func handleSay(d *Dispatcher, req requestCtx) schemas.Ack {
	text := strings.Join(req.args, " ")
	d.Emit(schemas.TopicResponseText, schemas.ResponseText{
		Text:          text,
		CorrelationID: req.commandID,
	})
	return d.ok(req.commandID, "speaking", nil)
}

func handleQuit(d *Dispatcher, req requestCtx) schemas.Ack {
	if req.source != SourceConsole {
		verr := cerr.Validationf("quit is console-only")
		d.EmitError(verr)
		return d.fail(req.commandID, verr.Error(), verr, "")
	}
	d.Emit(schemas.TopicShutdownRequested, schemas.ShutdownRequested{
		Source: req.source,
		Reason: "operator quit",
	})
	return d.ok(req.commandID, "shutting down", nil)
}

// resolveTrack maps a 1-based index or a case-insensitive title fragment to a
// library track. An exact title match wins before fragment ambiguity applies.
func (d *Dispatcher) resolveTrack(ref string) (schemas.Track, error) {
	listing := d.Listing()
	if len(listing) == 0 {
		return schemas.Track{}, cerr.Unavailablef("music library is empty")
	}

	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(listing) {
			return schemas.Track{}, cerr.Validationf("track %d out of range 1..%d", n, len(listing))
		}
		return listing[n-1], nil
	}

	needle := strings.ToLower(ref)
	var matches []schemas.Track
	for _, tr := range listing {
		if strings.EqualFold(tr.Title, ref) {
			return tr, nil
		}
		if strings.Contains(strings.ToLower(tr.Title), needle) {
			matches = append(matches, tr)
		}
	}

	switch len(matches) {
	case 0:
		return schemas.Track{}, cerr.Validationf("no track matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, 0, 3)
		for _, m := range matches {
			names = append(names, m.Title)
			if len(names) == 3 {
				break
			}
		}
		return schemas.Track{}, cerr.Validationf("%q is ambiguous: %s", ref, strings.Join(names, ", "))
	}
}
