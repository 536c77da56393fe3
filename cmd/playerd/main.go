// Package main is the entry point for the playerd daemon.
// playerd is a headless playback daemon for a tapedeck media server: it owns
// the audio pipeline and the playback queue, polls server-side job status,
// and talks to clients over a newline-JSON unix socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/mkallio/tapedeck/playerd/internal/config"
	"github.com/mkallio/tapedeck/playerd/internal/ipc"
	"github.com/mkallio/tapedeck/playerd/internal/jobs"
	"github.com/mkallio/tapedeck/playerd/internal/media"
	"github.com/mkallio/tapedeck/playerd/internal/player"
	"github.com/mkallio/tapedeck/playerd/internal/remote"
	"github.com/mkallio/tapedeck/playerd/internal/shared"
	"github.com/mkallio/tapedeck/playerd/internal/state"
	"github.com/mkallio/tapedeck/playerd/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

// outputChannels is fixed at stereo. The decoder resamples everything to the
// sink's layout, so mono and surround sources still play.
const outputChannels = 2

func main() {
	logger := shared.NewLogger(nil)

	app := &cli.Command{
		Name:    "playerd",
		Usage:   "Headless playback daemon for a tapedeck media server",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "socket",
				Usage: "IPC socket path (default: /tmp/playerd-<uid>.sock)",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Base URL of the tapedeck server (overrides config)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, cmd, logger)
		},
		Commands: []*cli.Command{
			initCommand(logger),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := app.Run(ctx, os.Args); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func initCommand(logger *log.Logger) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a commented example configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Destination path",
				Value:   "playerd.toml",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.String("config")
			if err := config.CreateConfigFile(path); err != nil {
				return err
			}
			logger.Info("wrote example config", "path", path)
			return nil
		},
	}
}

func run(ctx context.Context, cmd *cli.Command, logger *log.Logger) error {
	if cmd.Bool("verbose") {
		logger.SetLevel(log.DebugLevel)
	}

	cfg := config.DefaultConfig()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if baseURL := cmd.String("server"); baseURL != "" {
		cfg.Server.BaseURL = baseURL
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	socketPath := cmd.String("socket")
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}

	logger.Info("playerd starting", "version", Version, "server", cfg.Server.BaseURL)

	dataDir, err := cfg.DataDir()
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	statePath, err := cfg.StatePath()
	if err != nil {
		return fmt.Errorf("failed to resolve state path: %w", err)
	}
	store, err := state.NewStore(statePath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	client := remote.NewClient(cfg.Server.BaseURL, cfg.RequestTimeout(), cfg.Server.RateLimit, logger)

	sink, err := transport.NewOtoSink(cfg.Audio.SampleRate, outputChannels, cfg.Audio.BufferSizeMs)
	if err != nil {
		return fmt.Errorf("failed to open audio output: %w", err)
	}
	defer sink.Close()

	decoder, err := transport.NewFFmpegDecoder()
	if err != nil {
		return fmt.Errorf("failed to locate ffmpeg: %w", err)
	}
	pipeline := transport.NewPipeline(sink, decoder, logger)
	defer pipeline.Close()

	ctrl := player.NewController(client, pipeline, store, cfg.Behavior.RememberQueue, logger)

	poller := jobs.NewPoller(client, jobs.Options{
		ActiveInterval: cfg.ActiveInterval(),
		IdleInterval:   cfg.IdleInterval(),
		MaxInterval:    cfg.MaxInterval(),
	}, logger)
	defer poller.Stop()

	session, err := media.NewSession()
	if err != nil {
		logger.Warn("media session unavailable, continuing without OS integration", "err", err)
		session = media.NewNoOpSession()
	}
	defer session.Close()

	server := ipc.NewServer(socketPath, ctrl, poller, sink.Meter(), session, logger)

	// Persisted volume wins over the configured default.
	pipeline.SetVolume(cfg.Audio.DefaultVolume)
	ctrl.RestoreVolume()
	if cfg.Behavior.RestoreLastTrack {
		if err := ctrl.RestoreLast(ctx); err != nil {
			logger.Warn("failed to restore last track", "err", err)
		}
	}
	if err := ctrl.RestoreQueue(); err != nil {
		logger.Warn("failed to restore queue", "err", err)
	}

	poller.Start()

	return server.Start(ctx)
}
