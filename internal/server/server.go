package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

const acceptRetryDelay = 50 * time.Millisecond

// AcceptLoop hands every accepted connection to handle until ctx is cancelled
// or the listener is closed. Transient accept errors are logged and retried.
func AcceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("accept failed", "err", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		handle(conn)
	}
}

// ServeConn streams catch-up frames and then the client's queue onto conn.
// A read side drains and discards anything the peer sends so closure is
// noticed promptly. Any write or read failure unregisters the client; the
// connection is closed before ServeConn returns. On shutdown, frames already
// queued are flushed within a single write timeout.
func ServeConn(ctx context.Context, conn net.Conn, hub *Hub, client *Client, catchUp [][]byte, writeTimeout time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("client", client.ID)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		_, _ = io.Copy(io.Discard, conn)
		hub.Unregister(client.ID)
	}()

	defer func() {
		hub.Unregister(client.ID)
		_ = conn.Close()
		<-readerDone
	}()

	for _, frame := range catchUp {
		if ctx.Err() != nil {
			return
		}
		if err := writeFrame(conn, frame, writeTimeout); err != nil {
			logger.Debug("catch-up write failed", "err", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush(conn, client, writeTimeout)
			return
		case <-client.Done():
			if ctx.Err() != nil {
				flush(conn, client, writeTimeout)
			}
			return
		case frame := <-client.Queue():
			if err := writeFrame(conn, frame, writeTimeout); err != nil {
				logger.Debug("write failed", "err", err)
				return
			}
		}
	}
}

func writeFrame(conn net.Conn, frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(frame)
	return err
}

func flush(conn net.Conn, client *Client, timeout time.Duration) {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return
		}
	}
	for {
		select {
		case frame := <-client.Queue():
			if _, err := conn.Write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
