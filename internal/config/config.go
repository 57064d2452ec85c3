/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config covers process level configuration. Defaults are overridden by an
// optional YAML file, which is overridden by environment variables, which are
// overridden by command line flags.
type Config struct {
	Environment string `yaml:"environment"`
	HTTPBind    string `yaml:"http_bind"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsBind string `yaml:"metrics_bind"`

	MusicDir    string `yaml:"music_dir"`
	LogsDir     string `yaml:"logs_dir"`
	LogRingSize int    `yaml:"log_ring_size"`

	// Eye-light controller. An empty device disables the serial link and the
	// controller runs degraded against a loopback.
	SerialDevice string `yaml:"serial_device"`
	SerialBaud   int    `yaml:"serial_baud"`

	AudioSampleRate int     `yaml:"audio_sample_rate"`
	AudioBufferMS   int     `yaml:"audio_buffer_ms"`
	DuckFactor      float64 `yaml:"duck_factor"`
	DuckRampMS      int     `yaml:"duck_ramp_ms"`
	CrossfadeMS     int     `yaml:"crossfade_ms"`

	DJCommentaryLeadSec int `yaml:"dj_commentary_lead_sec"`

	STTIdleCloseSec int    `yaml:"stt_idle_close_sec"`
	LLMTimeoutSec   int    `yaml:"llm_timeout_sec"`
	TTSTimeoutSec   int    `yaml:"tts_timeout_sec"`
	PersonaName     string `yaml:"persona_name"`

	WebCommandTimeoutSec int     `yaml:"web_command_timeout_sec"`
	ProgressRateHz       float64 `yaml:"progress_rate_hz"`
	LevelsRateHz         float64 `yaml:"levels_rate_hz"`

	ConsoleEnabled bool `yaml:"console_enabled"`

	TracingEnabled    bool    `yaml:"tracing_enabled"`
	OTLPEndpoint      string  `yaml:"otlp_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`

	LegacyEnvWarnings []string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		HTTPBind:    "0.0.0.0",
		HTTPPort:    8080,
		MetricsBind: "127.0.0.1:9000",

		MusicDir:    "./music",
		LogsDir:     "./logs",
		LogRingSize: 2000,

		SerialDevice: "",
		SerialBaud:   115200,

		AudioSampleRate: 44100,
		AudioBufferMS:   100,
		DuckFactor:      0.2,
		DuckRampMS:      150,
		CrossfadeMS:     3000,

		DJCommentaryLeadSec: 10,

		STTIdleCloseSec: 3,
		LLMTimeoutSec:   20,
		TTSTimeoutSec:   15,
		PersonaName:     "Rex",

		WebCommandTimeoutSec: 10,
		ProgressRateHz:       10,
		LevelsRateHz:         20,

		ConsoleEnabled: true,

		TracingEnabled:    false,
		OTLPEndpoint:      "localhost:4317",
		TracingSampleRate: 1.0,
	}
}

// Load reads the optional config file named by CANTINA_CONFIG, applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadWithFile(getEnvAny([]string{"CANTINA_CONFIG", "CANTINAOS_CONFIG"}, ""))
}

// LoadWithFile is Load with an explicit file path (empty = env only).
func LoadWithFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnvAny([]string{"CANTINA_ENV", "CANTINAOS_ENV"}, c.Environment)
	c.HTTPBind = getEnvAny([]string{"CANTINA_HTTP_BIND", "CANTINAOS_HTTP_BIND"}, c.HTTPBind)
	c.HTTPPort = getEnvIntAny([]string{"CANTINA_HTTP_PORT", "CANTINAOS_HTTP_PORT"}, c.HTTPPort)
	c.MetricsBind = getEnvAny([]string{"CANTINA_METRICS_BIND", "CANTINAOS_METRICS_BIND"}, c.MetricsBind)

	c.MusicDir = getEnvAny([]string{"CANTINA_MUSIC_DIR", "CANTINAOS_MUSIC_DIR"}, c.MusicDir)
	c.LogsDir = getEnvAny([]string{"CANTINA_LOGS_DIR", "CANTINAOS_LOGS_DIR"}, c.LogsDir)
	c.LogRingSize = getEnvIntAny([]string{"CANTINA_LOG_RING_SIZE", "CANTINAOS_LOG_RING_SIZE"}, c.LogRingSize)

	c.SerialDevice = getEnvAny([]string{"CANTINA_SERIAL_DEVICE", "CANTINAOS_SERIAL_DEVICE"}, c.SerialDevice)
	c.SerialBaud = getEnvIntAny([]string{"CANTINA_SERIAL_BAUD", "CANTINAOS_SERIAL_BAUD"}, c.SerialBaud)

	c.AudioSampleRate = getEnvIntAny([]string{"CANTINA_AUDIO_SAMPLE_RATE", "CANTINAOS_AUDIO_SAMPLE_RATE"}, c.AudioSampleRate)
	c.AudioBufferMS = getEnvIntAny([]string{"CANTINA_AUDIO_BUFFER_MS", "CANTINAOS_AUDIO_BUFFER_MS"}, c.AudioBufferMS)
	c.DuckFactor = getEnvFloatAny([]string{"CANTINA_DUCK_FACTOR", "CANTINAOS_DUCK_FACTOR"}, c.DuckFactor)
	c.DuckRampMS = getEnvIntAny([]string{"CANTINA_DUCK_RAMP_MS", "CANTINAOS_DUCK_RAMP_MS"}, c.DuckRampMS)
	c.CrossfadeMS = getEnvIntAny([]string{"CANTINA_CROSSFADE_MS", "CANTINAOS_CROSSFADE_MS"}, c.CrossfadeMS)

	c.DJCommentaryLeadSec = getEnvIntAny([]string{"CANTINA_DJ_COMMENTARY_LEAD_SEC", "CANTINAOS_DJ_COMMENTARY_LEAD_SEC"}, c.DJCommentaryLeadSec)

	c.STTIdleCloseSec = getEnvIntAny([]string{"CANTINA_STT_IDLE_CLOSE_SEC", "CANTINAOS_STT_IDLE_CLOSE_SEC"}, c.STTIdleCloseSec)
	c.LLMTimeoutSec = getEnvIntAny([]string{"CANTINA_LLM_TIMEOUT_SEC", "CANTINAOS_LLM_TIMEOUT_SEC"}, c.LLMTimeoutSec)
	c.TTSTimeoutSec = getEnvIntAny([]string{"CANTINA_TTS_TIMEOUT_SEC", "CANTINAOS_TTS_TIMEOUT_SEC"}, c.TTSTimeoutSec)
	c.PersonaName = getEnvAny([]string{"CANTINA_PERSONA_NAME", "CANTINAOS_PERSONA_NAME"}, c.PersonaName)

	c.WebCommandTimeoutSec = getEnvIntAny([]string{"CANTINA_WEB_COMMAND_TIMEOUT_SEC", "CANTINAOS_WEB_COMMAND_TIMEOUT_SEC"}, c.WebCommandTimeoutSec)
	c.ProgressRateHz = getEnvFloatAny([]string{"CANTINA_PROGRESS_RATE_HZ", "CANTINAOS_PROGRESS_RATE_HZ"}, c.ProgressRateHz)
	c.LevelsRateHz = getEnvFloatAny([]string{"CANTINA_LEVELS_RATE_HZ", "CANTINAOS_LEVELS_RATE_HZ"}, c.LevelsRateHz)

	c.ConsoleEnabled = getEnvBoolAny([]string{"CANTINA_CONSOLE_ENABLED", "CANTINAOS_CONSOLE_ENABLED"}, c.ConsoleEnabled)

	c.TracingEnabled = getEnvBoolAny([]string{"CANTINA_TRACING_ENABLED", "CANTINAOS_TRACING_ENABLED"}, c.TracingEnabled)
	c.OTLPEndpoint = getEnvAny([]string{"CANTINA_OTLP_ENDPOINT", "CANTINAOS_OTLP_ENDPOINT"}, c.OTLPEndpoint)
	c.TracingSampleRate = getEnvFloatAny([]string{"CANTINA_TRACING_SAMPLE_RATE", "CANTINAOS_TRACING_SAMPLE_RATE"}, c.TracingSampleRate)
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if !strings.EqualFold(c.Environment, "development") && !strings.EqualFold(c.Environment, "production") {
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.MusicDir == "" {
		return fmt.Errorf("music_dir must be set")
	}
	if c.LogsDir == "" {
		return fmt.Errorf("logs_dir must be set")
	}
	if c.DuckFactor <= 0 || c.DuckFactor > 1 {
		return fmt.Errorf("duck_factor must be in (0,1], got %v", c.DuckFactor)
	}
	if c.CrossfadeMS < 0 {
		return fmt.Errorf("crossfade_ms must not be negative")
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("audio_sample_rate must be positive")
	}
	if c.ProgressRateHz <= 0 || c.LevelsRateHz <= 0 {
		return fmt.Errorf("bridge rate caps must be positive")
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive")
	}
	return nil
}

// HTTPAddr returns the bridge listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

// Duration accessors for the tunables stored as integers.
func (c *Config) STTIdleClose() time.Duration { return time.Duration(c.STTIdleCloseSec) * time.Second }
func (c *Config) LLMTimeout() time.Duration   { return time.Duration(c.LLMTimeoutSec) * time.Second }
func (c *Config) TTSTimeout() time.Duration   { return time.Duration(c.TTSTimeoutSec) * time.Second }
func (c *Config) DuckRamp() time.Duration     { return time.Duration(c.DuckRampMS) * time.Millisecond }
func (c *Config) Crossfade() time.Duration    { return time.Duration(c.CrossfadeMS) * time.Millisecond }
func (c *Config) CommentaryLead() time.Duration {
	return time.Duration(c.DJCommentaryLeadSec) * time.Second
}
func (c *Config) WebCommandTimeout() time.Duration {
	return time.Duration(c.WebCommandTimeoutSec) * time.Second
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":   "use CANTINA_ENV",
		"MUSIC_DIR":     "use CANTINA_MUSIC_DIR",
		"SERIAL_DEVICE": "use CANTINA_SERIAL_DEVICE",
		"LOGS_DIR":      "use CANTINA_LOGS_DIR",
	}
	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
