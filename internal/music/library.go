/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package music

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/friendsincode/cantina_os/internal/cerr"
	"github.com/friendsincode/cantina_os/internal/schemas"
)

const (
	cacheFileName    = ".library_cache.json"
	cacheVersion     = 1
	probeConcurrency = 4

	// durationProbeCap bounds how long one track may take to report a length
	// before it is recorded as unknown.
	durationProbeCap = 5 * time.Second
)

type cacheFile struct {
	Version int                   `json:"version"`
	Entries map[string]cacheEntry `json:"entries"`
}

// cacheEntry fingerprints one scanned file so unchanged tracks skip the
// duration probe on the next scan.
type cacheEntry struct {
	Size        int64   `json:"size"`
	MTimeNano   int64   `json:"mtime_nano"`
	DurationSec float64 `json:"duration_sec"`
}

// Library is the scanned track collection, ordered by title.
type Library struct {
	dir    string
	logger zerolog.Logger
	clk    clock.Clock

	mu     sync.RWMutex
	tracks []schemas.Track
	byPath map[string]schemas.Track
}

// NewLibrary creates a library over a music directory. Call Scan to populate.
func NewLibrary(dir string, logger zerolog.Logger, clk clock.Clock) *Library {
	if clk == nil {
		clk = clock.New()
	}
	return &Library{
		dir:    dir,
		logger: logger.With().Str("component", "library").Logger(),
		clk:    clk,
		byPath: make(map[string]schemas.Track),
	}
}

// Dir returns the scanned directory.
func (l *Library) Dir() string { return l.dir }

// Tracks returns the current listing, title-ordered.
func (l *Library) Tracks() []schemas.Track {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schemas.Track, len(l.tracks))
	copy(out, l.tracks)
	return out
}

// Len returns the number of known tracks.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tracks)
}

// Scan walks the music directory, probes durations for new or changed files
// and atomically refreshes the listing and the on-disk cache.
func (l *Library) Scan(ctx context.Context) ([]schemas.Track, error) {
	start := time.Now()
	cache := l.loadCache()

	type candidate struct {
		path  string
		size  int64
		mtime time.Time
	}
	var files []candidate

	walkErr := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == l.dir {
				return cerr.Unavailablef("music dir %s: %v", l.dir, err)
			}
			l.logger.Warn().Err(err).Str("path", path).Msg("error accessing path")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() {
			if path != l.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !isAudioFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("stat failed")
			return nil
		}
		files = append(files, candidate{path: path, size: info.Size(), mtime: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	durations := make(map[string]float64, len(files))
	var pending []candidate
	for _, f := range files {
		if e, ok := cache[f.path]; ok && e.Size == f.size && e.MTimeNano == f.mtime.UnixNano() {
			durations[f.path] = e.DurationSec
			continue
		}
		pending = append(pending, f)
	}

	if len(pending) > 0 {
		var dmu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(probeConcurrency)
		for _, f := range pending {
			g.Go(func() error {
				d := l.probeDuration(gctx, f.path)
				dmu.Lock()
				durations[f.path] = d
				dmu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	tracks := make([]schemas.Track, 0, len(files))
	entries := make(map[string]cacheEntry, len(files))
	for _, f := range files {
		title, artist := titleFromPath(f.path)
		tracks = append(tracks, schemas.Track{
			Path:        f.path,
			Title:       title,
			Artist:      artist,
			DurationSec: durations[f.path],
			Size:        f.size,
			MTime:       f.mtime,
		})
		entries[f.path] = cacheEntry{
			Size:        f.size,
			MTimeNano:   f.mtime.UnixNano(),
			DurationSec: durations[f.path],
		}
	}
	sort.Slice(tracks, func(i, j int) bool {
		return strings.ToLower(tracks[i].Title) < strings.ToLower(tracks[j].Title)
	})

	l.saveCache(entries)

	byPath := make(map[string]schemas.Track, len(tracks))
	for _, t := range tracks {
		byPath[t.Path] = t
	}
	l.mu.Lock()
	l.tracks = tracks
	l.byPath = byPath
	l.mu.Unlock()

	l.logger.Info().
		Int("tracks", len(tracks)).
		Int("probed", len(pending)).
		Dur("took", time.Since(start)).
		Msg("library scan complete")
	return tracks, nil
}

// probeDuration decodes a file far enough to learn its length. Files that
// take longer than the cap, or cannot be decoded, report an unknown duration.
func (l *Library) probeDuration(ctx context.Context, path string) float64 {
	type result struct {
		seconds float64
		err     error
	}
	ch := make(chan result, 1)

	go func() {
		f, err := os.Open(path)
		if err != nil {
			ch <- result{0, err}
			return
		}
		defer f.Close()
		streamer, format, err := decodeAudio(f, path)
		if err != nil {
			ch <- result{0, err}
			return
		}
		defer streamer.Close()
		n := streamer.Len()
		if n <= 0 {
			ch <- result{0, nil}
			return
		}
		ch <- result{format.SampleRate.D(n).Seconds(), nil}
	}()

	select {
	case <-ctx.Done():
		return 0
	case <-l.clk.After(durationProbeCap):
		l.logger.Debug().Str("path", path).Dur("cap", durationProbeCap).Msg("duration probe timed out")
		return 0
	case res := <-ch:
		if res.err != nil {
			l.logger.Debug().Err(res.err).Str("path", path).Msg("duration probe failed")
			return 0
		}
		return res.seconds
	}
}

// Resolve maps a track reference to a library entry: an exact path, a 1-based
// listing index, an exact title or a unique case-insensitive title fragment.
func (l *Library) Resolve(ref string) (schemas.Track, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return schemas.Track{}, cerr.Validationf("empty track reference")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if t, ok := l.byPath[ref]; ok {
		return t, nil
	}
	if len(l.tracks) == 0 {
		return schemas.Track{}, cerr.Unavailablef("music library is empty")
	}

	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(l.tracks) {
			return schemas.Track{}, cerr.Validationf("track %d out of range 1..%d", n, len(l.tracks))
		}
		return l.tracks[n-1], nil
	}

	needle := strings.ToLower(ref)
	var matches []schemas.Track
	for _, t := range l.tracks {
		if strings.EqualFold(t.Title, ref) {
			return t, nil
		}
		if strings.Contains(strings.ToLower(t.Title), needle) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return schemas.Track{}, cerr.Validationf("no track matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return schemas.Track{}, cerr.Validationf("%q matches %d tracks", ref, len(matches))
	}
}

func (l *Library) cachePath() string {
	return filepath.Join(l.dir, cacheFileName)
}

// loadCache reads the fingerprint cache. Any problem means a full rescan,
// never a failure.
func (l *Library) loadCache() map[string]cacheEntry {
	data, err := os.ReadFile(l.cachePath())
	if err != nil {
		return map[string]cacheEntry{}
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil || cf.Version != cacheVersion {
		l.logger.Warn().Err(err).Msg("library cache unreadable, rescanning")
		return map[string]cacheEntry{}
	}
	if cf.Entries == nil {
		return map[string]cacheEntry{}
	}
	return cf.Entries
}

func (l *Library) saveCache(entries map[string]cacheEntry) {
	data, err := json.Marshal(cacheFile{Version: cacheVersion, Entries: entries})
	if err != nil {
		l.logger.Warn().Err(err).Msg("library cache marshal failed")
		return
	}
	if err := renameio.WriteFile(l.cachePath(), data, 0o644); err != nil {
		l.logger.Warn().Err(err).Msg("library cache write failed")
	}
}
