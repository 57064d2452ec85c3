package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != "development" {
		t.Fatalf("unexpected environment: %q", cfg.Environment)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("unexpected http port: %d", cfg.HTTPPort)
	}
	if cfg.DuckFactor != 0.2 {
		t.Fatalf("unexpected duck factor: %v", cfg.DuckFactor)
	}
	if !cfg.ConsoleEnabled {
		t.Fatal("expected console enabled by default")
	}
}

func TestLoadReadsEnvKeys(t *testing.T) {
	t.Setenv("CANTINA_MUSIC_DIR", "/srv/cantina/music")
	t.Setenv("CANTINA_SERIAL_DEVICE", "/dev/ttyUSB0")
	t.Setenv("CANTINA_DUCK_FACTOR", "0.35")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MusicDir != "/srv/cantina/music" {
		t.Fatalf("unexpected music dir: %q", cfg.MusicDir)
	}
	if cfg.SerialDevice != "/dev/ttyUSB0" {
		t.Fatalf("unexpected serial device: %q", cfg.SerialDevice)
	}
	if cfg.DuckFactor != 0.35 {
		t.Fatalf("unexpected duck factor: %v", cfg.DuckFactor)
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	t.Setenv("MUSIC_DIR", "/legacy/music")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.LegacyEnvWarnings) == 0 {
		t.Fatal("expected legacy env warnings")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CANTINA_DUCK_FACTOR", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail for duck factor > 1")
	}

	t.Setenv("CANTINA_DUCK_FACTOR", "0.2")
	t.Setenv("CANTINA_ENV", "staging")
	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail for unknown environment")
	}
}

func TestLoadWithFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cantina.yml")
	body := "music_dir: /from/file\nhttp_port: 9090\ncrossfade_ms: 5000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("CANTINA_MUSIC_DIR", "/from/env")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("expected file port 9090, got %d", cfg.HTTPPort)
	}
	if cfg.CrossfadeMS != 5000 {
		t.Fatalf("expected file crossfade 5000, got %d", cfg.CrossfadeMS)
	}
	if cfg.MusicDir != "/from/env" {
		t.Fatalf("env should override file, got %q", cfg.MusicDir)
	}
}
