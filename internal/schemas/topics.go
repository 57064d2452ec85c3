/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schemas defines the topic space and the typed payloads carried on the
// CantinaOS event bus. Every cross-service message in the process is one of these.
package schemas

import "strings"

// Topic is a hierarchical, slash-separated event address.
type Topic string

const (
	// System topics: mode lifecycle, errors, status fan-in.
	TopicModeChange             Topic = "/system/mode_change"
	TopicSetModeRequest         Topic = "/system/set_mode_request"
	TopicModeTransitionStarted  Topic = "/system/mode_transition_started"
	TopicModeTransitionComplete Topic = "/system/mode_transition_complete"
	TopicModeTransitionFailed   Topic = "/system/mode_transition_failed"
	TopicSystemError            Topic = "/system/error"
	TopicStatusRequest          Topic = "/system/status_request"
	TopicShutdownRequested      Topic = "/system/shutdown_requested"

	// Voice pipeline lifecycle.
	TopicTranscriptInterim       Topic = "/voice/transcript_interim"
	TopicTranscriptFinal         Topic = "/voice/transcript_final"
	TopicResponseText            Topic = "/voice/response_text"
	TopicSpeechStarted           Topic = "/voice/speech_started"
	TopicSpeechSynthesisEnded    Topic = "/voice/speech_synthesis_ended"
	TopicSpeechSynthesisComplete Topic = "/voice/speech_synthesis_complete"

	// Microphone capture control and level meters.
	TopicMicStartRequest Topic = "/mic/start_request"
	TopicMicStopRequest  Topic = "/mic/stop_request"
	TopicMicLevels       Topic = "/mic/levels"

	// Music engine commands and lifecycle.
	TopicMusicCommand     Topic = "/music/command"
	TopicPlaybackStarted  Topic = "/music/playback_started"
	TopicPlaybackStopped  Topic = "/music/playback_stopped"
	TopicPlaybackResumed  Topic = "/music/playback_resumed"
	TopicMusicProgress    Topic = "/music/progress"
	TopicCrossfadeStarted Topic = "/music/crossfade_started"
	TopicMusicDuck        Topic = "/music/duck"
	TopicMusicUnduck      Topic = "/music/unduck"
	TopicLibraryUpdated   Topic = "/music/library_updated"

	// DJ mode automation.
	TopicDJCommand           Topic = "/dj/command"
	TopicDJTransition        Topic = "/dj/transition"
	TopicDJCommentaryRequest Topic = "/dj/commentary_request"

	// Eye-light hardware.
	TopicLEDCommand Topic = "/led/command"
	TopicLEDAck     Topic = "/led/ack"

	// Web dashboard bridge.
	TopicWebCommand  Topic = "/web/command"
	TopicWebOutbound Topic = "/web/outbound"

	// Structured log fan-out.
	TopicLogEntry Topic = "/log/entry"
)

// StatusPrefix is the topic family for per-service state snapshots. The concrete
// topic for a service named "music" is "/status/music".
const StatusPrefix = "/status/"

// StatusTopic returns the status topic for a service name.
func StatusTopic(service string) Topic {
	return Topic(StatusPrefix + service)
}

// Lossy reports whether a topic belongs to the high-frequency class that prefers
// dropping stale events over back-pressuring publishers: status snapshots, playback
// progress and microphone level meters.
func (t Topic) Lossy() bool {
	s := string(t)
	return strings.HasPrefix(s, StatusPrefix) ||
		strings.HasSuffix(s, "/progress") ||
		strings.HasSuffix(s, "/levels")
}

// Match reports whether t matches pattern. Patterns are exact topics or a prefix
// with a single trailing "*" segment, e.g. "/status/*".
func (t Topic) Match(pattern Topic) bool {
	if t == pattern {
		return true
	}
	p := string(pattern)
	if strings.HasSuffix(p, "/*") {
		prefix := p[:len(p)-1]
		rest, ok := strings.CutPrefix(string(t), prefix)
		return ok && rest != "" && !strings.Contains(rest, "/")
	}
	return false
}
