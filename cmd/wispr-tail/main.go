package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sjawhar/wispr-broadcast/internal/applog"
	"github.com/sjawhar/wispr-broadcast/internal/config"
	"github.com/sjawhar/wispr-broadcast/internal/events"
	"github.com/sjawhar/wispr-broadcast/internal/sockpath"
	"github.com/sjawhar/wispr-broadcast/internal/subscriber"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "wispr-tail: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("wispr-tail", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the environment is read")
	configPath := fs.String("config", config.PathFromEnv("config.yaml"), "path to YAML config file")
	socketOverride := fs.String("socket", "", "socket path (overrides config)")
	validate := fs.Bool("validate", false, "drop records that do not match the wire schema")
	raw := fs.Bool("json", false, "print records as JSON instead of text")
	printSchema := fs.Bool("schema", false, "print the wire schema and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.LoadEnvFile(*envFile); err != nil {
		return err
	}

	if *printSchema {
		_, err := stdout.Write(events.Schema())
		return err
	}

	cfg, _, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *socketOverride != "" {
		cfg.SocketPath = *socketOverride
	}

	logger, closer, err := applog.Init(applog.InitConfig{LogLevel: cfg.LogLevel, Stderr: stderr})
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	socketPath, err := sockpath.Resolve(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("resolve socket path: %w", err)
	}

	opts := subscriber.Options{ReconnectDelay: cfg.ParsedReconnectDelay(), Logger: logger}
	if *validate {
		v, err := events.NewValidator()
		if err != nil {
			return err
		}
		opts.Validator = v
	}

	emit := func(e events.Event) error {
		line, err := render(e, *raw)
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, line)
		return err
	}

	err = subscriber.New(socketPath, opts).Run(ctx, emit)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func render(e events.Event, raw bool) (string, error) {
	if raw {
		b, err := events.Encode(e)
		return string(b), err
	}

	var b strings.Builder
	switch ev := e.(type) {
	case events.SessionStart:
		fmt.Fprintf(&b, "session %d started", ev.SessionID)
	case events.SessionEnd:
		fmt.Fprintf(&b, "session %d ended", ev.SessionID)
	case events.Transcription:
		fmt.Fprintf(&b, "[%s] %s (%d words, %.0f wpm, %.0f ms)", ev.Timestamp, ev.Text, ev.Words, ev.WPM, ev.LatencyMs)
	case events.MetricsUpdate:
		session := "-"
		if ev.SessionID != nil {
			session = fmt.Sprint(*ev.SessionID)
		}
		fmt.Fprintf(&b, "metrics state=%s session=%s segments=%d words=%d wpm=%.1f cpu=%.1f%% gpu=%.0fMB",
			ev.State, session, ev.Segments, ev.Words, ev.WPM, ev.CPUPercent, ev.GPUMemoryMB)
	case events.StateChange:
		fmt.Fprintf(&b, "state %s", ev.State)
	default:
		fmt.Fprintf(&b, "%s", e.Kind())
	}
	b.WriteByte('\n')
	return b.String(), nil
}
