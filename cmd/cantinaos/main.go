/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/cantina_os/internal/bridge"
	"github.com/friendsincode/cantina_os/internal/bus"
	"github.com/friendsincode/cantina_os/internal/config"
	"github.com/friendsincode/cantina_os/internal/dispatch"
	"github.com/friendsincode/cantina_os/internal/dj"
	"github.com/friendsincode/cantina_os/internal/eyelight"
	"github.com/friendsincode/cantina_os/internal/logging"
	"github.com/friendsincode/cantina_os/internal/logsink"
	"github.com/friendsincode/cantina_os/internal/mode"
	"github.com/friendsincode/cantina_os/internal/music"
	"github.com/friendsincode/cantina_os/internal/supervisor"
	"github.com/friendsincode/cantina_os/internal/telemetry"
	"github.com/friendsincode/cantina_os/internal/version"
	"github.com/friendsincode/cantina_os/internal/voice"
)

var (
	logger     zerolog.Logger
	cfg        *config.Config
	configFile string

	serveConsole      bool
	serveMusicDir     string
	serveHTTPBind     string
	serveSerialDevice string
)

// errUsage marks command-line mistakes so main can exit 2 instead of 1.
var errUsage = errors.New("usage error")

var rootCmd = &cobra.Command{
	Use:   "cantinaos",
	Short: "CantinaOS - event-driven animatronic DJ runtime",
	Long: "CantinaOS runs the cantina's house band: music playback, a voice pipeline, " +
		"DJ auto-sequencing, eye-light control and a dashboard bridge, all coordinated " +
		"over one in-process event bus.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CantinaOS runtime",
	Long: "Start every service: log sink, mode manager, command dispatcher, music engine, " +
		"voice coordinator, DJ sequencer, eye-light controller and the web bridge.",
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CantinaOS version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML); environment variables override")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})
	serveCmd.Flags().BoolVar(&serveConsole, "console", true, "Run the operator console on stdin")
	serveCmd.Flags().StringVar(&serveMusicDir, "music-dir", "", "Music directory (overrides config)")
	serveCmd.Flags().StringVar(&serveHTTPBind, "http-bind", "", "Dashboard listen address, host or host:port (overrides config)")
	serveCmd.Flags().StringVar(&serveSerialDevice, "serial-device", "", "Eye-light serial device (overrides config)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) || errors.Is(err, context.Canceled) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	if configFile != "" {
		cfg, err = config.LoadWithFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return nil
}

// applyServeFlags layers explicitly set serve flags on top of the loaded
// config. Flags beat environment beats file.
func applyServeFlags(cmd *cobra.Command) error {
	if cmd.Flags().Changed("console") {
		cfg.ConsoleEnabled = serveConsole
	}
	if cmd.Flags().Changed("music-dir") {
		cfg.MusicDir = serveMusicDir
	}
	if cmd.Flags().Changed("serial-device") {
		cfg.SerialDevice = serveSerialDevice
	}
	if cmd.Flags().Changed("http-bind") {
		host, port, err := net.SplitHostPort(serveHTTPBind)
		if err != nil {
			// Bare host, keep the configured port.
			cfg.HTTPBind = serveHTTPBind
			return nil
		}
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("%w: invalid --http-bind port %q", errUsage, port)
		}
		cfg.HTTPBind = host
		cfg.HTTPPort = p
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if err := applyServeFlags(cmd); err != nil {
		return err
	}

	// The sink exists before logging is configured so the very first records
	// already land in the ring and the session file.
	sink := logsink.New(logsink.Config{
		RingCapacity: cfg.LogRingSize,
		Dir:          cfg.LogsDir,
	}, nil)
	logger = logging.SetupWithWriter(cfg.Environment, sink.Writer())
	for _, warning := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warning)
	}

	logger.Info().Str("version", version.String()).Msg("CantinaOS starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "cantina-os",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	b := bus.New(logger)
	defer b.Close()

	modes := mode.New(b, logger, nil, nil)
	disp := dispatch.New(b, logger, nil, modes)
	engine := music.NewEngine(cfg, b, logger, nil, music.NewSpeakerDevice(), nil)
	// The music engine doubles as the speech player: spoken audio rides its
	// speech lane so ducking and barge-in work.
	voices := voice.New(cfg, b, logger, nil, voice.Deps{Modes: modes, Player: engine})
	seq := dj.New(cfg, b, logger, nil, nil)
	eyes := eyelight.New(cfg, b, logger, nil, nil)

	checker := version.NewChecker(logger)
	checker.Start(context.Background())
	defer checker.Stop()

	br := bridge.New(cfg, b, logger, nil, bridge.Deps{
		Commander: disp,
		Ring:      sink.Ring(),
		Versions:  checker,
	})

	sup := supervisor.New(b, logger, nil)
	sup.Add(logsink.NewService(sink, b, logger, nil), modes, disp, engine, voices, seq, eyes, br)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return err
	}

	if cfg.ConsoleEnabled {
		go runConsole(ctx, disp, os.Stdin, os.Stdout)
	}

	logger.Info().Str("dashboard", "http://"+cfg.HTTPAddr()).Msg("CantinaOS running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case req := <-sup.Shutdown():
		logger.Info().Str("source", req.Source).Str("reason", req.Reason).Msg("shutdown requested")
	}

	sup.Stop(context.Background())
	logger.Info().Msg("CantinaOS stopped")
	return nil
}
