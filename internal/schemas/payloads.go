/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schemas

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Mode is one of the three top-level character modes.
type Mode string

const (
	ModeIdle        Mode = "IDLE"
	ModeAmbient     Mode = "AMBIENT"
	ModeInteractive Mode = "INTERACTIVE"
)

// ParseMode normalizes and validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeIdle:
		return ModeIdle, nil
	case ModeAmbient:
		return ModeAmbient, nil
	case ModeInteractive:
		return ModeInteractive, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// ModeChange announces that the system mode changed. Observers may assume all
// transition side effects completed before this event was published.
type ModeChange struct {
	Mode     Mode      `json:"mode"`
	Previous Mode      `json:"previous"`
	TS       time.Time `json:"ts"`
}

// SetModeRequest asks the mode manager to move to a target mode.
type SetModeRequest struct {
	Mode          string `json:"mode"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlation_id"`
}

// ModeTransition is the payload for transition started/complete/failed events.
type ModeTransition struct {
	From          Mode   `json:"from"`
	To            Mode   `json:"to"`
	CorrelationID string `json:"correlation_id"`
	Error         string `json:"error,omitempty"`
}

// SystemError is a non-fatal fault report from any service.
type SystemError struct {
	Service string    `json:"service"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

// StatusPayload is a per-service state snapshot published on /status/{service}.
type StatusPayload struct {
	Service  string    `json:"service"`
	State    string    `json:"state"`
	UptimeMS int64     `json:"uptime_ms"`
	Detail   string    `json:"detail,omitempty"`
	TS       time.Time `json:"ts"`
}

// Transcript carries STT output, interim or final.
type Transcript struct {
	Text       string    `json:"text"`
	Final      bool      `json:"final"`
	Confidence float64   `json:"confidence"`
	TS         time.Time `json:"ts"`
}

// ResponseText is the LLM reply for one conversation turn.
type ResponseText struct {
	Text          string `json:"text"`
	CorrelationID string `json:"correlation_id"`
}

// SpeechLifecycle marks speech playback milestones for one synthesis.
type SpeechLifecycle struct {
	CorrelationID string    `json:"correlation_id"`
	Text          string    `json:"text,omitempty"`
	TS            time.Time `json:"ts"`
}

// MicLevels is a high-rate microphone meter sample.
type MicLevels struct {
	RMS  float64 `json:"rms"`
	Peak float64 `json:"peak"`
}

// MicControl starts or stops capture; Source names the requester for audit logs.
type MicControl struct {
	Source        string `json:"source"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Music command actions accepted on /music/command.
const (
	MusicActionPlay      = "play"
	MusicActionStop      = "stop"
	MusicActionPause     = "pause"
	MusicActionResume    = "resume"
	MusicActionNext      = "next"
	MusicActionVolume    = "volume"
	MusicActionCrossfade = "crossfade"
)

// MusicCommand instructs the music engine.
type MusicCommand struct {
	Action        string  `json:"action"`
	Track         string  `json:"track,omitempty"` // path, title or 1-based index
	Volume        float64 `json:"volume,omitempty"`
	CrossfadeMS   int     `json:"crossfade_ms,omitempty"`
	Source        string  `json:"source"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

// Track describes one library entry. Path is the identity. A DurationSec of zero
// means the decoder could not determine a duration in time.
type Track struct {
	Path        string    `json:"path"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist,omitempty"`
	DurationSec float64   `json:"duration_sec"`
	Size        int64     `json:"size"`
	MTime       time.Time `json:"mtime"`
}

// KnownDuration reports whether the scanner resolved this track's duration.
func (t Track) KnownDuration() bool { return t.DurationSec > 0 }

// PlaybackStarted announces a new current track. StartWallClock is anchored so
// that (now − start_wall_clock) equals the playback position while playing.
type PlaybackStarted struct {
	Track          Track     `json:"track"`
	StartWallClock time.Time `json:"start_wall_clock"`
	DurationSec    float64   `json:"duration_sec"`
	Source         string    `json:"source"`
}

// PlaybackStopped reports why playback ended: "requested", "completed" or "error".
type PlaybackStopped struct {
	Track       Track   `json:"track"`
	Reason      string  `json:"reason"`
	PositionSec float64 `json:"position_sec"`
}

// PlaybackResumed carries the re-anchored wall clock after a pause.
type PlaybackResumed struct {
	Track          Track     `json:"track"`
	StartWallClock time.Time `json:"start_wall_clock"`
	PositionSec    float64   `json:"position_sec"`
}

// Progress is the once-per-second playback position event.
type Progress struct {
	Track       Track   `json:"track"`
	PositionSec float64 `json:"position_sec"`
	DurationSec float64 `json:"duration_sec"`
}

// CrossfadeStarted announces an in-flight crossfade between two tracks.
type CrossfadeStarted struct {
	From        Track `json:"from"`
	To          Track `json:"to"`
	CrossfadeMS int   `json:"crossfade_ms"`
}

// Duck asks the music engine to lower (or restore) music under speech.
type Duck struct {
	Source string `json:"source"`
}

// LibraryUpdated carries the full ordered track listing after a scan.
type LibraryUpdated struct {
	Tracks    []Track   `json:"tracks"`
	ScannedAt time.Time `json:"scanned_at"`
	SourceDir string    `json:"source_dir"`
}

// DJ command actions accepted on /dj/command.
const (
	DJActionStart = "start"
	DJActionStop  = "stop"
	DJActionNext  = "next"
)

// DJCommand controls the auto-sequencer.
type DJCommand struct {
	Action       string  `json:"action"`
	CrossfadeSec float64 `json:"crossfade_sec,omitempty"`
	Source       string  `json:"source"`
}

// DJTransition announces a planned or forced track handover.
type DJTransition struct {
	From        Track `json:"from"`
	To          Track `json:"to"`
	CrossfadeMS int   `json:"crossfade_ms"`
	Commentary  bool  `json:"commentary"`
}

// CommentaryRequest asks the voice pipeline to produce spoken commentary for an
// upcoming transition. Replies arriving after DeadlineMS are discarded.
type CommentaryRequest struct {
	Current       Track  `json:"current"`
	Next          Track  `json:"next"`
	CorrelationID string `json:"correlation_id"`
	DeadlineMS    int64  `json:"deadline_ms"`
}

// LED pattern names accepted on /led/command.
const (
	LEDPatternIdle      = "idle"
	LEDPatternSpeaking  = "speaking"
	LEDPatternThinking  = "thinking"
	LEDPatternListening = "listening"
	LEDPatternError     = "error"
	LEDPatternHappy     = "happy"
	LEDPatternDJ        = "dj"
	LEDPatternAmbient   = "ambient"
)

// LEDCommand requests an eye pattern and/or brightness change. Brightness is
// 0..9; -1 leaves it unchanged.
type LEDCommand struct {
	Pattern    string `json:"pattern,omitempty"`
	Brightness int    `json:"brightness"`
	Source     string `json:"source"`
}

// LEDAck reports the outcome of one serial write.
type LEDAck struct {
	Command   string  `json:"command"`
	OK        bool    `json:"ok"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// WebCommand is a dashboard-originated command frame, already schema-validated
// by the bridge before it reaches the dispatcher.
type WebCommand struct {
	Command   string          `json:"command"`
	CommandID string          `json:"command_id"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Ack is the uniform reply to any dispatched command.
type Ack struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// LogEntry is one structured log record fanned out on /log/entry.
type LogEntry struct {
	TS      time.Time      `json:"ts"`
	Level   string         `json:"level"`
	Logger  string         `json:"logger"`
	Message string         `json:"message"`
	Repeat  int            `json:"repeat,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// ShutdownRequested asks the supervisor to stop the process.
type ShutdownRequested struct {
	Source string `json:"source"`
	Reason string `json:"reason,omitempty"`
}
