/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/friendsincode/cantina_os/internal/logging"
	"github.com/friendsincode/cantina_os/internal/music"
)

var scanJSON bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the music directory and print the library listing",
	Long: `scan walks the configured music directory, probes each track's duration the
same way the running engine does and prints the resulting library. Useful for
checking what the DJ will see before starting the full runtime.

Examples:
  cantinaos scan
  CANTINA_MUSIC_DIR=/srv/cantina/music cantinaos scan --json > library.json`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "emit the listing as JSON")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	logger = logging.Setup(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lib := music.NewLibrary(cfg.MusicDir, logger, nil)
	tracks, err := lib.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan %s: %w", cfg.MusicDir, err)
	}

	if scanJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tracks)
	}
	for i, tr := range tracks {
		dur := "?"
		if tr.KnownDuration() {
			dur = fmt.Sprintf("%.0fs", tr.DurationSec)
		}
		fmt.Printf("%3d. %-44s %6s  %s\n", i+1, tr.Title, dur, tr.Path)
	}
	fmt.Printf("%d tracks in %s\n", len(tracks), cfg.MusicDir)
	return nil
}
