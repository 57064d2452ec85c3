/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package music owns the audio side of CantinaOS: the track library, the
// playback engine with ducking and crossfades, and the speech mix lane the
// voice pipeline plays through.
package music

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"

	"github.com/friendsincode/cantina_os/internal/cerr"
)

// audioExts are the extensions the library scanner picks up. There is no m4a
// decoder, so m4a tracks list with an unknown duration and fail on play.
var audioExts = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".ogg":  true,
	".flac": true,
	".m4a":  true,
}

func isAudioFile(name string) bool {
	return audioExts[strings.ToLower(filepath.Ext(name))]
}

// decodeAudio opens a decoder for the file extension. The reader must satisfy
// both read-closer and seeker so any decoder can use it; *os.File does.
func decodeAudio(rc readSeekCloser, path string) (beep.StreamSeekCloser, beep.Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return mp3.Decode(rc)
	case ".wav":
		return wav.Decode(rc)
	case ".ogg":
		return vorbis.Decode(rc)
	case ".flac":
		return flac.Decode(rc)
	default:
		return nil, beep.Format{}, cerr.Unavailablef("no decoder for %q", filepath.Ext(path))
	}
}

type readSeekCloser interface {
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// nopSeekCloser adapts an in-memory buffer (speech WAV bytes) to the decoder
// reader contract.
type nopSeekCloser struct{ *bytes.Reader }

func newNopSeekCloser(b []byte) nopSeekCloser {
	return nopSeekCloser{bytes.NewReader(b)}
}

func (nopSeekCloser) Close() error { return nil }

// titleFromPath derives listing metadata from the file name. "Artist - Title"
// names split into both fields; anything else is all title.
func titleFromPath(path string) (title, artist string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if before, after, ok := strings.Cut(base, " - "); ok && before != "" && after != "" {
		return after, before
	}
	return base, ""
}
