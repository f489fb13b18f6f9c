package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sjawhar/wispr-broadcast/internal/applog"
	"github.com/sjawhar/wispr-broadcast/internal/broadcaster"
	"github.com/sjawhar/wispr-broadcast/internal/config"
	"github.com/sjawhar/wispr-broadcast/internal/feed"
	"github.com/sjawhar/wispr-broadcast/internal/session"
	"github.com/sjawhar/wispr-broadcast/internal/sockpath"
	"github.com/sjawhar/wispr-broadcast/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "wispr-broadcast: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) error {
	fs := flag.NewFlagSet("wispr-broadcast", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the environment is read")
	configPath := fs.String("config", config.PathFromEnv("config.yaml"), "path to YAML config file")
	socketOverride := fs.String("socket", "", "socket path (overrides config)")
	readStdin := fs.Bool("stdin", true, "read producer commands from stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.LoadEnvFile(*envFile); err != nil {
		return err
	}

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *socketOverride != "" {
		cfg.SocketPath = *socketOverride
	}

	logger, closer, err := applog.Init(applog.InitConfig{LogDir: cfg.LogDir, LogLevel: cfg.LogLevel, Stderr: stderr})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = closer.Close() }()

	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}

	socketPath, err := sockpath.Resolve(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("resolve socket path: %w", err)
	}

	history, closeHistory := openHistory(cfg, logger)
	defer closeHistory()

	b := broadcaster.New(broadcaster.Options{
		QueueSize:     cfg.EffectiveQueueSize(),
		CommandBuffer: cfg.EffectiveCommandBuffer(),
		WriteTimeout:  cfg.ParsedWriteTimeout(),
		Logger:        logger,
	})
	if err := b.Start(socketPath); err != nil {
		return fmt.Errorf("start broadcaster: %w", err)
	}
	if err := sockpath.Secure(socketPath, cfg.ParsedSocketMode()); err != nil {
		logger.Warn("socket permissions not applied", "err", err)
	}

	var detector *session.Detector
	if timeout := cfg.ParsedSilenceTimeout(); timeout > 0 {
		detector = session.NewDetector(timeout)
		logger.Info("idle sessions end automatically", "after", timeout)
	}
	manager := feed.NewManager(b, feed.Options{History: history, Detector: detector, Logger: logger})
	defer manager.Close()

	if *readStdin {
		go func() {
			if err := manager.Run(ctx, stdin); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("feed stopped", "err", err)
				return
			}
			logger.Info("feed input closed; still serving clients")
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if id, ok := manager.ActiveSession(); ok {
		if err := manager.Apply(shutdownCtx, feed.Command{Op: feed.OpEndSession, SessionID: &id}); err != nil {
			logger.Warn("force end session failed", "session", id, "err", err)
		}
	}
	if err := b.Sync(shutdownCtx); err != nil {
		logger.Warn("pending events not flushed", "err", err)
	}
	return b.Stop()
}

func openHistory(cfg config.Config, logger *slog.Logger) ([]feed.History, func()) {
	var (
		history []feed.History
		closers []io.Closer
	)

	if cfg.HistoryDBPath != "" {
		store, err := storage.NewSQLiteStore(cfg.HistoryDBPath)
		if err != nil {
			logger.Warn("session history disabled", "err", err)
		} else {
			history = append(history, store)
			closers = append(closers, store)
			logger.Info("recording session history", "db", cfg.HistoryDBPath)
		}
	}
	if cfg.TranscriptDir != "" {
		w := storage.NewWriter(cfg.TranscriptDir)
		history = append(history, w)
		logger.Info("writing transcripts", "path", w.CurrentPath())
	}

	return history, func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
}
