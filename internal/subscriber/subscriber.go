// Package subscriber is a receive-only client for the metrics socket. It
// decodes each record, skips kinds it does not know and reconnects when the
// broadcaster goes away. Every reconnect starts with a fresh catch-up burst.
package subscriber

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sjawhar/wispr-broadcast/internal/events"
)

const (
	DefaultReconnectDelay = 5 * time.Second

	maxRecordBytes = 1 << 20
)

// Handler receives each decoded event. Returning an error stops Run.
type Handler func(events.Event) error

type Options struct {
	ReconnectDelay time.Duration
	// Validator, when set, rejects records that do not match the wire schema.
	Validator *events.Validator
	Logger    *slog.Logger
	Dial      func(ctx context.Context, path string) (net.Conn, error)
}

type Subscriber struct {
	path   string
	opts   Options
	logger *slog.Logger
}

func New(path string, opts Options) *Subscriber {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, path string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
	}
	return &Subscriber{path: path, opts: opts, logger: opts.Logger.With("socket", path)}
}

// Run keeps a connection open until ctx is done or handle fails, waiting
// ReconnectDelay between attempts. It returns ctx.Err() or the handler's error.
func (s *Subscriber) Run(ctx context.Context, handle Handler) error {
	for {
		conn, err := s.opts.Dial(ctx, s.path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("connect failed", "err", err)
		} else {
			s.logger.Info("connected")
			err = s.Stream(ctx, conn, handle)
			var herr *HandlerError
			if errors.As(err, &herr) {
				return herr.Err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Info("disconnected", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

// HandlerError wraps an error returned by the Handler so callers of Stream
// can tell it apart from a connection failure.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string { return "handler: " + e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

// Stream reads records from conn until it closes, ctx is done or handle
// fails. conn is closed before Stream returns. A clean close returns nil.
func (s *Subscriber) Stream(ctx context.Context, conn net.Conn, handle Handler) error {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	for scanner.Scan() {
		line := scanner.Bytes()

		if s.opts.Validator != nil {
			if err := s.opts.Validator.Validate(line); err != nil {
				s.logger.Warn("record failed validation", "err", err)
				continue
			}
		}

		e, err := events.Decode(line)
		switch {
		case errors.Is(err, events.ErrUnknownKind):
			s.logger.Debug("skipping record", "err", err)
			continue
		case err != nil:
			s.logger.Warn("skipping malformed record", "err", err)
			continue
		}

		if err := handle(e); err != nil {
			return &HandlerError{Err: err}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read: %w", err)
	}
	return nil
}
