package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sjawhar/wispr-broadcast/internal/events"
	"github.com/sjawhar/wispr-broadcast/internal/server"
	"github.com/sjawhar/wispr-broadcast/internal/session"
)

const (
	DefaultCommandBuffer = 256
	DefaultWriteTimeout  = 5 * time.Second

	staleProbeTimeout = 200 * time.Millisecond
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	// QueueSize is the per-client outbound capacity. A client that falls this
	// far behind is disconnected.
	QueueSize     int
	CommandBuffer int
	WriteTimeout  time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Broadcaster fans session, transcription, metrics and state events out to
// every client connected to a Unix socket, and brings new clients up to date
// with a catch-up burst before they join the live stream.
//
// All Session Buffer mutation and all fan-out happen on a single goroutine
// fed by a command queue, so every client observes one event order.
type Broadcaster struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	buffer *session.Buffer
	hub    *server.Hub

	lifecycle sync.Mutex
	state     atomic.Int32
	rt        atomic.Pointer[runtime]
}

type runtime struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cmds       chan command
	ln         *net.UnixListener
	socketPath string

	loops   sync.WaitGroup
	workers sync.WaitGroup
}

type command struct {
	event   events.Event
	frame   []byte
	conn    net.Conn
	barrier chan struct{}
}

func New(opts Options) *Broadcaster {
	if opts.CommandBuffer <= 0 {
		opts.CommandBuffer = DefaultCommandBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Broadcaster{
		opts:   opts,
		logger: opts.Logger,
		now:    opts.Now,
		buffer: session.NewBuffer(),
		hub:    server.NewHub(opts.QueueSize, opts.Logger),
	}
}

// Start binds socketPath and begins accepting clients. A stale socket file
// left by a dead process is replaced; a path another server still answers on
// is refused with ErrSocketPath.
func (b *Broadcaster) Start(socketPath string) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	switch State(b.state.Load()) {
	case StateRunning, StateStarting:
		return ErrAlreadyRunning
	}
	b.state.Store(int32(StateStarting))

	ln, err := listen(socketPath)
	if err != nil {
		b.state.Store(int32(StateStopped))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		ctx:        ctx,
		cancel:     cancel,
		cmds:       make(chan command, b.opts.CommandBuffer),
		ln:         ln,
		socketPath: socketPath,
	}

	rt.loops.Add(2)
	go func() {
		defer rt.loops.Done()
		b.run(rt)
	}()
	go func() {
		defer rt.loops.Done()
		_ = server.AcceptLoop(ctx, ln, func(conn net.Conn) { b.attach(rt, conn) }, b.logger)
	}()

	b.rt.Store(rt)
	b.state.Store(int32(StateRunning))
	b.logger.Info("broadcaster started", "socket", socketPath)
	return nil
}

// Stop closes the listener, disconnects every client and removes the socket
// file. Producer commands still queued are discarded.
func (b *Broadcaster) Stop() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if State(b.state.Load()) != StateRunning {
		return ErrNotStarted
	}
	b.state.Store(int32(StateStopping))

	rt := b.rt.Swap(nil)
	rt.cancel()

	// Closing the listener unlinks the socket file.
	var errs []error
	if err := rt.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("%w: close listener: %v", ErrIO, err))
		if err := os.Remove(rt.socketPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("%w: remove socket: %v", ErrIO, err))
		}
	}
	rt.loops.Wait()

	closed := b.hub.CloseAll()
	rt.workers.Wait()

	b.state.Store(int32(StateStopped))
	b.logger.Info("broadcaster stopped", "socket", rt.socketPath, "clients_closed", closed)
	return errors.Join(errs...)
}

func (b *Broadcaster) State() State {
	return State(b.state.Load())
}

// ClientCount returns the number of live clients.
func (b *Broadcaster) ClientCount() int {
	return b.hub.Len()
}

// BufferSize returns the number of buffered transcription segments.
func (b *Broadcaster) BufferSize() int {
	return b.buffer.Len()
}

// Snapshot returns the current catch-up view.
func (b *Broadcaster) Snapshot() session.Snapshot {
	return b.buffer.Snapshot()
}

func (b *Broadcaster) attach(rt *runtime, conn net.Conn) {
	select {
	case rt.cmds <- command{conn: conn}:
	case <-rt.ctx.Done():
		_ = conn.Close()
	}
}

func (b *Broadcaster) run(rt *runtime) {
	for {
		select {
		case <-rt.ctx.Done():
			b.discardPending(rt)
			return
		case cmd := <-rt.cmds:
			switch {
			case cmd.conn != nil:
				b.serveNewClient(rt, cmd.conn)
			case cmd.barrier != nil:
				close(cmd.barrier)
			case cmd.event != nil:
				b.apply(cmd.event)
				b.hub.Broadcast(cmd.frame)
			}
		}
	}
}

func (b *Broadcaster) discardPending(rt *runtime) {
	for {
		select {
		case cmd := <-rt.cmds:
			if cmd.conn != nil {
				_ = cmd.conn.Close()
			}
		default:
			return
		}
	}
}

// serveNewClient registers the client in the same loop iteration that takes
// the snapshot, so no live event can slip in ahead of the catch-up burst.
func (b *Broadcaster) serveNewClient(rt *runtime, conn net.Conn) {
	frames := b.catchUpFrames(b.buffer.Snapshot())
	client := b.hub.Register()

	rt.workers.Add(1)
	go func() {
		defer rt.workers.Done()
		server.ServeConn(rt.ctx, conn, b.hub, client, frames, b.opts.WriteTimeout, b.logger)
	}()
}

func (b *Broadcaster) apply(e events.Event) {
	switch ev := e.(type) {
	case events.SessionStart:
		b.buffer.StartSession(ev.SessionID, ev.Timestamp)
		b.logger.Info("session started", "session", ev.SessionID)
	case events.SessionEnd:
		if mismatch := b.buffer.EndSession(ev.SessionID, ev.Timestamp); mismatch {
			b.logger.Warn("session end does not match tracked session", "session", ev.SessionID)
		}
		b.logger.Info("session ended", "session", ev.SessionID)
	case events.Transcription:
		b.buffer.Append(ev.TranscriptionSegment)
	case events.MetricsUpdate:
		b.buffer.SetMetrics(ev.MetricsSnapshot)
	case events.StateChange:
		b.buffer.SetState(ev.State, ev.Timestamp)
	}
}

func listen(socketPath string) (*net.UnixListener, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("%w: empty path", ErrSocketPath)
	}

	dir := filepath.Dir(socketPath)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: parent directory %s: %v", ErrSocketPath, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: parent %s is not a directory", ErrSocketPath, dir)
	}

	if fi, err := os.Lstat(socketPath); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%w: %s exists and is not a socket", ErrSocketPath, socketPath)
		}
		if conn, err := net.DialTimeout("unix", socketPath, staleProbeTimeout); err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s is in use by another process", ErrSocketPath, socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("%w: remove stale socket: %v", ErrSocketPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrSocketPath, socketPath, err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %v", ErrSocketPath, socketPath, err)
	}
	ln.SetUnlinkOnClose(true)
	return ln, nil
}
